package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsitiler/internal/models"
	"wsitiler/pkg/labels"
	"wsitiler/pkg/metrics"
	"wsitiler/pkg/slide"
)

// staticLookup maps file ids to labels
type staticLookup map[string]models.Label

func (s staticLookup) Classify(fileID string) (models.Label, error) {
	label, ok := s[fileID]
	if !ok {
		return "", labels.ErrUnknownFile
	}
	return label, nil
}

var testTilerConfig = models.TilerConfig{
	TileSize:        256,
	Overlap:         0,
	Quality:         80,
	BackgroundLimit: 30,
	LevelLayout:     models.LayoutFlat,
}

// writeSlide writes a 512x256 slide of dark tissue as <imagesDir>/<id>/<name>
func writeSlide(t *testing.T, imagesDir, id, name string) {
	t.Helper()
	dir := filepath.Join(imagesDir, id)
	require.NoError(t, os.MkdirAll(dir, 0755))

	img := image.NewRGBA(image.Rect(0, 0, 512, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 512; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 120, G: 40, B: 90, A: 255})
		}
	}

	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func newTestRunner(m *metrics.Metrics, policy FailurePolicy, workers int) *Runner {
	return NewRunner(&Params{
		Workers:       workers,
		FailurePolicy: policy,
		SlidePrefix:   "TCGA",
		Metrics:       m,
		Logger:        zerolog.Nop(),
	})
}

func TestBuildWorkItems(t *testing.T) {
	imagesDir := t.TempDir()
	for _, id := range []string{"b-slide", "a-slide"} {
		require.NoError(t, os.Mkdir(filepath.Join(imagesDir, id), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "MANIFEST.txt"), nil, 0644))

	lookup := staticLookup{}
	items, err := BuildWorkItems(imagesDir, testTilerConfig, lookup, "out")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a-slide", SlideID(items[0]))
	assert.Equal(t, "b-slide", SlideID(items[1]))
	assert.Equal(t, testTilerConfig, items[0].Tiler)
	assert.Equal(t, "out", items[1].OutputRoot)

	_, err = BuildWorkItems(filepath.Join(imagesDir, "missing"), testTilerConfig, lookup, "out")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunTilesSlidesIntoLabelTree(t *testing.T) {
	imagesDir := t.TempDir()
	outputRoot := t.TempDir()

	writeSlide(t, imagesDir, "f-tumor", "TCGA-01.png")
	writeSlide(t, imagesDir, "f-normal", "TCGA-02.png")

	lookup := staticLookup{"f-tumor": models.LabelTumor, "f-normal": models.LabelNormal}
	items, err := BuildWorkItems(imagesDir, testTilerConfig, lookup, outputRoot)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	report, err := newTestRunner(m, FailContinue, 2).Run(context.Background(), items)
	require.NoError(t, err)

	for _, dir := range []string{"tumor/f-tumor", "normal/f-normal"} {
		assert.FileExists(t, filepath.Join(outputRoot, dir, "row0-col0.jpg"))
		assert.FileExists(t, filepath.Join(outputRoot, dir, "row0-col1.jpg"))
		entries, err := os.ReadDir(filepath.Join(outputRoot, dir))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	}

	require.Len(t, report.Slides, 2)
	assert.Equal(t, "f-normal", report.Slides[0].SlideID)
	assert.Equal(t, "normal", report.Slides[0].Label)
	assert.Equal(t, 2, report.Slides[0].Written)
	// The 9 coarser levels each hold a single undersized tile
	assert.Equal(t, 9, report.Slides[0].RejectedSize)
	assert.Zero(t, report.Failed())
	assert.Zero(t, report.Skipped)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("tumor", metrics.StatusDone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("normal", metrics.StatusDone)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TilesTotal.WithLabelValues("written")))
	assert.Equal(t, 18.0, testutil.ToFloat64(m.TilesTotal.WithLabelValues("size")))
	assert.Zero(t, testutil.ToFloat64(m.SlidesActive))
}

func TestRunContinuesPastFailedSlides(t *testing.T) {
	imagesDir := t.TempDir()
	outputRoot := t.TempDir()

	writeSlide(t, imagesDir, "f-good", "TCGA-01.png")
	writeSlide(t, imagesDir, "f-unlabeled", "TCGA-02.png")
	writeSlide(t, imagesDir, "f-noslide", "GTEX-03.png")
	writeSlide(t, imagesDir, "f-corrupt", "TCGA-04.png")
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "f-corrupt", "TCGA-04.png"), []byte("garbage"), 0644))

	lookup := staticLookup{
		"f-good":    models.LabelTumor,
		"f-noslide": models.LabelTumor,
		"f-corrupt": models.LabelNormal,
	}
	items, err := BuildWorkItems(imagesDir, testTilerConfig, lookup, outputRoot)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	report, err := newTestRunner(m, FailContinue, 2).Run(context.Background(), items)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 of 4 slides failed")

	assert.Equal(t, 3, report.Failed())
	assert.Len(t, report.Slides, 4)
	assert.DirExists(t, filepath.Join(outputRoot, "tumor", "f-good"))

	byID := make(map[string]SlideResult)
	for _, s := range report.Slides {
		byID[s.SlideID] = s
	}
	assert.Contains(t, byID["f-unlabeled"].Error, "f-unlabeled")
	assert.Contains(t, byID["f-noslide"].Error, "TCGA")
	assert.NotEmpty(t, byID["f-corrupt"].Error)
	assert.Empty(t, byID["f-good"].Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("unknown", metrics.StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("tumor", metrics.StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("normal", metrics.StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlidesTotal.WithLabelValues("tumor", metrics.StatusDone)))
}

func TestRunAbortStopsAfterFirstFailure(t *testing.T) {
	imagesDir := t.TempDir()
	outputRoot := t.TempDir()

	for _, id := range []string{"a", "b", "c", "d"} {
		writeSlide(t, imagesDir, id, "TCGA-x.png")
	}
	// "a" has no label and fails first
	lookup := staticLookup{"b": models.LabelTumor, "c": models.LabelTumor, "d": models.LabelTumor}
	items, err := BuildWorkItems(imagesDir, testTilerConfig, lookup, outputRoot)
	require.NoError(t, err)

	report, err := newTestRunner(nil, FailAbort, 1).Run(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, labels.ErrUnknownFile)

	assert.Len(t, report.Slides, 1)
	assert.Equal(t, 3, report.Skipped)
	assert.NoDirExists(t, filepath.Join(outputRoot, "tumor"))
}

func TestRunUsesCustomOpener(t *testing.T) {
	imagesDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(imagesDir, "f-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "f-1", "TCGA-1.svs"), []byte("svs"), 0644))

	errUnsupported := errors.New("unsupported format")
	var opened []string
	runner := NewRunner(&Params{
		Workers:     1,
		SlidePrefix: "TCGA",
		Logger:      zerolog.Nop(),
		Opener: func(path string, opts slide.Options) (slide.Pyramid, error) {
			opened = append(opened, filepath.Base(path))
			assert.Equal(t, 256, opts.TileSize)
			return nil, errUnsupported
		},
	})

	items, err := BuildWorkItems(imagesDir, testTilerConfig, staticLookup{"f-1": models.LabelTumor}, t.TempDir())
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), items)
	assert.ErrorIs(t, err, errUnsupported)
	assert.Equal(t, []string{"TCGA-1.svs"}, opened)
}

func TestRunInterrupted(t *testing.T) {
	imagesDir := t.TempDir()
	writeSlide(t, imagesDir, "f-1", "TCGA-1.png")
	items, err := BuildWorkItems(imagesDir, testTilerConfig, staticLookup{"f-1": models.LabelTumor}, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestRunner(nil, FailContinue, 2).Run(ctx, items)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Slides)
	assert.Equal(t, 1, report.Skipped)
}

func TestRunWritesOverviews(t *testing.T) {
	imagesDir := t.TempDir()
	saveDir := t.TempDir()
	writeSlide(t, imagesDir, "f-1", "TCGA-1.png")

	items, err := BuildWorkItems(imagesDir, testTilerConfig, staticLookup{"f-1": models.LabelNormal}, saveDir)
	require.NoError(t, err)

	runner := NewRunner(&Params{
		Workers:         1,
		SlidePrefix:     "TCGA",
		OverviewDir:     filepath.Join(saveDir, "overviews"),
		OverviewMaxEdge: 300,
		Logger:          zerolog.Nop(),
	})
	_, err = runner.Run(context.Background(), items)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(saveDir, "overviews", "normal", "f-1.jpg"))
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 128, cfg.Height)
}

// failingPyramid fails the failOn-th Tile call
type failingPyramid struct {
	slide.Pyramid
	calls  int
	failOn int
}

var errCorruptRegion = errors.New("corrupt region")

func (f *failingPyramid) Tile(level, col, row int) (image.Image, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errCorruptRegion
	}
	return f.Pyramid.Tile(level, col, row)
}

func TestRunRemovesTilesOfFailedSlide(t *testing.T) {
	imagesDir := t.TempDir()
	outputRoot := t.TempDir()
	writeSlide(t, imagesDir, "f-1", "TCGA-1.png")

	// A previous good run left tiles behind
	stale := filepath.Join(outputRoot, "tumor", "f-1", "row5-col5.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	runner := NewRunner(&Params{
		Workers:     1,
		SlidePrefix: "TCGA",
		Logger:      zerolog.Nop(),
		Opener: func(path string, opts slide.Options) (slide.Pyramid, error) {
			p, err := slide.Open(path, opts)
			if err != nil {
				return nil, err
			}
			// The first tile is written, the second fails
			return &failingPyramid{Pyramid: p, failOn: 2}, nil
		},
	})

	items, err := BuildWorkItems(imagesDir, testTilerConfig, staticLookup{"f-1": models.LabelTumor}, outputRoot)
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, errCorruptRegion)
	assert.Contains(t, err.Error(), "1 of 1 slides failed")

	require.Len(t, report.Slides, 1)
	assert.Equal(t, 1, report.Slides[0].Written)
	assert.NotEmpty(t, report.Slides[0].Error)
	assert.NoDirExists(t, filepath.Join(outputRoot, "tumor", "f-1"))
	assert.DirExists(t, filepath.Join(outputRoot, "tumor"))
}
