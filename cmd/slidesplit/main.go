package main

import (
	"flag"
	"fmt"
	"os"

	"wsitiler/internal/logger"
	"wsitiler/pkg/annotation"
	"wsitiler/pkg/config"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file")
	loadDir := flag.String("load-dir", "", "Tiled dataset root holding tumor/ and normal/ (default: data.saveDir)")
	saveDir := flag.String("save-dir", "", "Directory the annotation files are written to (default: the dataset root)")
	validSize := flag.Int("valid-size", -1, "Number of slides in the validation set")
	testSize := flag.Int("test-size", -1, "Number of slides in the test set")
	seed := flag.Int64("seed", 0, "Random seed (default: split.seed)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *validSize >= 0 {
		cfg.Split.ValidSize = *validSize
	}
	if *testSize >= 0 {
		cfg.Split.TestSize = *testSize
	}
	if *seed != 0 {
		cfg.Split.Seed = *seed
	}
	if *loadDir == "" {
		*loadDir = cfg.Data.SaveDir
	}
	if *saveDir == "" {
		*saveDir = *loadDir
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

	log.Info().Str("load_dir", *loadDir).Msg("Loading slide names")
	sets, err := annotation.Split(*loadDir, cfg.Split.ValidSize, cfg.Split.TestSize, cfg.Split.Seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Split failed")
	}

	log.Info().
		Int("total", len(sets.Train)+len(sets.Valid)+len(sets.Test)).
		Int("train", len(sets.Train)).
		Int("valid", len(sets.Valid)).
		Int("test", len(sets.Test)).
		Msg("Split ready")

	if err := annotation.WriteSets(*saveDir, sets); err != nil {
		log.Fatal().Err(err).Msg("Failed to write annotations")
	}
	log.Info().Str("save_dir", *saveDir).Msg("Annotations written")
}
