package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wsitiler/internal/logger"
	"wsitiler/internal/models"
	"wsitiler/pkg/config"
	"wsitiler/pkg/normalize"
	"wsitiler/pkg/pipeline"
)

// tileJob is one tile to normalize.
type tileJob struct {
	in  string
	out string
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file")
	inputDir := flag.String("input", "", "Directory of tiles to normalize (default: data.saveDir)")
	outputDir := flag.String("output", "", "Directory normalized tiles are written to")
	reference := flag.String("reference", "", "Reference tile to take the target statistics from")
	workers := flag.Int("workers", 0, "Number of tiles normalized in parallel (default: workers.numWorkers)")
	quality := flag.Int("quality", 0, "JPEG quality of normalized tiles (default: tiler.quality)")
	clampPolicy := flag.String("clamp-policy", "", "Chroma clamp policy: legacy or symmetric")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *inputDir == "" {
		*inputDir = cfg.Data.SaveDir
	}
	if *outputDir == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *workers > 0 {
		cfg.Workers.NumWorkers = *workers
	}
	if *quality > 0 {
		cfg.Tiler.Quality = *quality
	}
	if *clampPolicy != "" {
		cfg.Normalization.ClampPolicy = *clampPolicy
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *inputDir, *outputDir, *reference, log); err != nil {
		log.Error().Err(err).Msg("Normalization failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, inputDir, outputDir, reference string, log zerolog.Logger) error {
	target := cfg.NormalizationVector()
	if reference != "" {
		v, err := referenceStats(reference)
		if err != nil {
			return err
		}
		target = v
		log.Info().Str("reference", reference).Floats64("vector", target[:]).Msg("Using reference statistics")
	}

	clamp, err := normalize.ParseClampPolicy(cfg.Normalization.ClampPolicy)
	if err != nil {
		return err
	}

	jobs, err := collectTiles(inputDir, outputDir)
	if err != nil {
		return err
	}
	log.Info().Int("tiles", len(jobs)).Str("input", inputDir).Str("output", outputDir).Msg("Normalizing tiles")

	start := time.Now()
	pool := pipeline.NewPool[tileJob](cfg.Workers.NumWorkers, 0, pipeline.FailContinue).
		WithLogger(logger.Component(log, "normalize"))

	queue := pipeline.NewQueue(jobs)
	failures := pool.Run(ctx, queue, func(_ context.Context, job tileJob) error {
		if err := os.MkdirAll(filepath.Dir(job.out), 0755); err != nil {
			return err
		}
		return normalize.NormalizeFile(job.in, job.out, target, cfg.Tiler.Quality, normalize.WithClampPolicy(clamp))
	})

	log.Info().
		Int("done", len(jobs)-len(failures)-queue.Len()).
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Normalization finished")

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d tiles failed: %w", len(failures), len(jobs), failures[0])
	}
	return ctx.Err()
}

func referenceStats(path string) (models.NormalizationVector, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.NormalizationVector{}, fmt.Errorf("open reference tile: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return models.NormalizationVector{}, fmt.Errorf("decode reference tile: %w", err)
	}
	return normalize.Stats(img), nil
}

// skipDirs are the non-tile subtrees slidetiler writes next to the label
// directories.
var skipDirs = map[string]bool{"overviews": true, "reports": true}

// collectTiles lists the JPEG tiles under inputDir and maps each to the same
// relative path under outputDir. The overview and report subtrees of a
// dataset root are skipped.
func collectTiles(inputDir, outputDir string) ([]tileJob, error) {
	var jobs []tileJob
	inputDir = filepath.Clean(inputDir)
	outputDir = filepath.Clean(outputDir)
	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if filepath.Clean(path) == outputDir {
				return filepath.SkipDir
			}
			if filepath.Dir(path) == inputDir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".jpg") {
			return nil
		}

		rel, err := filepath.Rel(inputDir, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, tileJob{in: path, out: filepath.Join(outputDir, rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles: %w", err)
	}
	return jobs, nil
}
