package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wsitiler/internal/logger"
	"wsitiler/pkg/config"
	"wsitiler/pkg/labels"
	"wsitiler/pkg/metrics"
	"wsitiler/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	loadDir := flag.String("load-dir", "", "Directory holding images/ and the cart metadata documents")
	saveDir := flag.String("save-dir", "", "Dataset root tiles are written under")
	workers := flag.Int("workers", 0, "Number of slides tiled in parallel (default: all CPUs)")
	tileSize := flag.Int("tile-size", 0, "Tile edge in pixels")
	overlap := flag.Int("overlap", 0, "Extra pixels on each shared tile edge")
	quality := flag.Int("quality", 0, "JPEG quality of written tiles")
	backgroundLimit := flag.Float64("background-limit", 0, "Maximum background percentage of a kept tile")
	limitBounds := flag.Bool("limit-bounds", true, "Crop slides to their non-empty region")
	levelLayout := flag.String("level-layout", "", "Output layout across levels: flat or per-level")
	failurePolicy := flag.String("failure-policy", "", "What a failed slide does to the run: continue or abort")
	cooldown := flag.Duration("cooldown", 0, "Pause a worker takes after each slide")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "Log format: console or json")
	overview := flag.Bool("overview", false, "Write a downsampled overview image per slide")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	if *initConfig {
		if *configPath == "" {
			fmt.Fprintln(os.Stderr, "-init-config needs -config")
			os.Exit(2)
		}
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "load-dir":
			cfg.Data.LoadDir = *loadDir
		case "save-dir":
			cfg.Data.SaveDir = *saveDir
		case "workers":
			cfg.Workers.NumWorkers = *workers
		case "tile-size":
			cfg.Tiler.TileSize = *tileSize
		case "overlap":
			cfg.Tiler.Overlap = *overlap
		case "quality":
			cfg.Tiler.Quality = *quality
		case "background-limit":
			cfg.Tiler.BackgroundLimit = *backgroundLimit
		case "limit-bounds":
			cfg.Tiler.LimitBounds = *limitBounds
		case "level-layout":
			cfg.Tiler.LevelLayout = *levelLayout
		case "failure-policy":
			cfg.Workers.FailurePolicy = *failurePolicy
		case "cooldown":
			cfg.Workers.Cooldown = *cooldown
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		case "overview":
			cfg.Overview.Enabled = *overview
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})

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

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Tiling failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.ValidateInputs(); err != nil {
		return err
	}

	log.Info().Str("load_dir", cfg.Data.LoadDir).Msg("Loading data")
	mapping, err := labels.LoadMapping(cfg.Data.LoadDir, cfg.Slides.MetadataPrefix, cfg.Slides.BiospecimenPrefix)
	if err != nil {
		return err
	}
	log.Info().Int("files", mapping.Len()).Msg("Label mapping ready")

	imagesDir := filepath.Join(cfg.Data.LoadDir, cfg.Slides.ImagesDir)
	items, err := pipeline.BuildWorkItems(imagesDir, cfg.TilerConfig(), mapping, cfg.Data.SaveDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger.Component(log, "metrics"))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	policy, err := pipeline.ParseFailurePolicy(cfg.Workers.FailurePolicy)
	if err != nil {
		return err
	}

	params := &pipeline.Params{
		Workers:       cfg.Workers.NumWorkers,
		Cooldown:      cfg.Workers.Cooldown,
		FailurePolicy: policy,
		SlidePrefix:   cfg.Slides.SlidePrefix,
		Metrics:       m,
		Logger:        logger.Component(log, "pipeline"),
	}
	if cfg.Overview.Enabled {
		params.OverviewDir = filepath.Join(cfg.Data.SaveDir, "overviews")
		params.OverviewMaxEdge = cfg.Overview.MaxEdge
	}
	runner := pipeline.NewRunner(params)

	report, runErr := runner.Run(ctx, items)

	path, err := report.Save(cfg.Data.SaveDir)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to save run report")
	} else {
		log.Info().Str("report", path).Msg("Run report saved")
	}

	return runErr
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return srv
}
