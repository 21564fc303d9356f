package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"wsitiler/internal/models"
	"wsitiler/pkg/labels"
	"wsitiler/pkg/metrics"
	"wsitiler/pkg/slide"
	"wsitiler/pkg/tiler"
	"wsitiler/pkg/visualization"
)

// Params holds the runner configuration.
type Params struct {
	// Workers is the number of slides tiled in parallel
	Workers int

	// Cooldown is the pause a worker takes after each slide
	Cooldown time.Duration

	// FailurePolicy decides whether a failed slide stops the run
	FailurePolicy FailurePolicy

	// SlidePrefix selects the slide file inside a slide directory
	SlidePrefix string

	// Opener opens slide files; slide.Open when nil
	Opener slide.Opener

	// OverviewDir receives one overview image per slide under <label>/<id>.jpg;
	// empty disables overviews
	OverviewDir string

	// OverviewMaxEdge bounds the overview width and height
	OverviewMaxEdge int

	// Metrics receives run counters; optional
	Metrics *metrics.Metrics

	// Logger receives progress and failures
	Logger zerolog.Logger
}

// Runner tiles slide work items with a worker pool.
type Runner struct {
	params *Params
	open   slide.Opener
	log    zerolog.Logger
}

// NewRunner creates a runner with the provided parameters.
func NewRunner(params *Params) *Runner {
	open := params.Opener
	if open == nil {
		open = slide.Open
	}
	return &Runner{
		params: params,
		open:   open,
		log:    params.Logger,
	}
}

// BuildWorkItems lists the slide directories under imagesDir, in name order,
// and pairs each with the shared tiling config and label mapping.
func BuildWorkItems(imagesDir string, cfg models.TilerConfig, mapping models.LabelLookup, outputRoot string) ([]models.SlideWorkItem, error) {
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list slide directories: %w", err)
	}

	var items []models.SlideWorkItem
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		items = append(items, models.SlideWorkItem{
			Tiler:      cfg,
			SlideDir:   filepath.Join(imagesDir, e.Name()),
			Labels:     mapping,
			OutputRoot: outputRoot,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].SlideDir < items[j].SlideDir
	})
	return items, nil
}

// SlideID returns the file id of a work item: the base name of its directory.
func SlideID(item models.SlideWorkItem) string {
	return filepath.Base(item.SlideDir)
}

// Run tiles every item and returns the run report. The error is non-nil when
// at least one slide failed.
func (r *Runner) Run(ctx context.Context, items []models.SlideWorkItem) (*Report, error) {
	report := NewReport()
	log := r.log.With().Str("run_id", report.RunID).Logger()

	log.Info().
		Int("slides", len(items)).
		Int("workers", r.params.Workers).
		Str("failure_policy", string(r.params.FailurePolicy)).
		Msg("Tiling slides")

	queue := NewQueue(items)
	pool := NewPool[models.SlideWorkItem](r.params.Workers, r.params.Cooldown, r.params.FailurePolicy).
		WithLogger(log)

	failures := pool.Run(ctx, queue, func(ctx context.Context, item models.SlideWorkItem) error {
		res, err := r.ProcessSlide(ctx, item)
		report.Add(res)
		return err
	})
	report.Finish(queue.Len())

	failed := report.Failed()
	log.Info().
		Int("done", len(report.Slides)-failed).
		Int("failed", failed).
		Int("skipped", report.Skipped).
		Int("tiles_written", report.Written()).
		Msg("Tiling finished")

	if len(failures) > 0 {
		return report, fmt.Errorf("%d of %d slides failed: %w", failed, len(items), failures[0])
	}
	if err := ctx.Err(); err != nil && report.Skipped > 0 {
		return report, fmt.Errorf("run interrupted with %d slides left: %w", report.Skipped, err)
	}
	return report, nil
}

// ProcessSlide resolves the label of one slide, opens it and writes its tiles
// to <OutputRoot>/<label>/<slide id>. If tiling fails the slide directory is
// removed. The returned result is filled in as far as processing got.
func (r *Runner) ProcessSlide(ctx context.Context, item models.SlideWorkItem) (SlideResult, error) {
	start := time.Now()
	slideID := SlideID(item)
	res := SlideResult{SlideID: slideID}
	log := r.log.With().Str("slide_id", slideID).Logger()

	if m := r.params.Metrics; m != nil {
		m.SlidesActive.Inc()
		defer m.SlidesActive.Dec()
	}

	stats, err := r.tileSlide(item, slideID, &res, log)
	res.Duration = time.Since(start)
	res.Written = stats.Written
	res.RejectedBackground = stats.RejectedBackground
	res.RejectedSize = stats.RejectedSize

	status := metrics.StatusDone
	if err != nil {
		err = fmt.Errorf("slide %s: %w", slideID, err)
		res.Error = err.Error()
		status = metrics.StatusFailed
		log.Error().Err(err).Dur("duration", res.Duration).Msg("Slide failed")
	} else {
		log.Info().
			Str("label", res.Label).
			Int("written", stats.Written).
			Int("rejected", stats.RejectedBackground+stats.RejectedSize).
			Dur("duration", res.Duration).
			Msg("Done")
	}

	if m := r.params.Metrics; m != nil {
		label := res.Label
		if label == "" {
			label = "unknown"
		}
		m.SlidesTotal.WithLabelValues(label, status).Inc()
		m.ObserveTiles(stats.Written, stats.RejectedBackground, stats.RejectedSize)
		m.SlideDuration.Observe(res.Duration.Seconds())
	}

	return res, err
}

func (r *Runner) tileSlide(item models.SlideWorkItem, slideID string, res *SlideResult, log zerolog.Logger) (tiler.Stats, error) {
	label, err := item.Labels.Classify(slideID)
	if err != nil {
		return tiler.Stats{}, err
	}
	res.Label = string(label)

	slidePath, err := labels.FindByPrefix(item.SlideDir, r.params.SlidePrefix)
	if err != nil {
		return tiler.Stats{}, err
	}

	tl, err := tiler.New(item.Tiler)
	if err != nil {
		return tiler.Stats{}, err
	}

	log.Info().Str("label", res.Label).Str("path", slidePath).Msg("Processing")

	p, err := r.open(slidePath, tl.SlideOptions())
	if err != nil {
		return tiler.Stats{}, err
	}
	defer p.Close()

	outputDir := filepath.Join(item.OutputRoot, string(label), slideID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return tiler.Stats{}, fmt.Errorf("failed to create slide directory: %w", err)
	}

	log.Debug().Int("levels", p.LevelCount()).Str("output", outputDir).Msg("Tiling")
	stats, err := tl.Process(p, outputDir)
	if err != nil {
		// A failed slide leaves no tiles behind
		if rmErr := os.RemoveAll(outputDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("output", outputDir).Msg("Failed to remove partial tiles")
		}
		return stats, err
	}

	if r.params.OverviewDir != "" {
		viewer := visualization.NewViewer(p, item.Tiler.TileSize, item.Tiler.Overlap)
		overview := filepath.Join(r.params.OverviewDir, string(label), slideID+".jpg")
		if err := viewer.SaveOverview(r.params.OverviewMaxEdge, overview); err != nil {
			log.Warn().Err(err).Msg("Failed to save overview")
		}
	}
	return stats, nil
}
