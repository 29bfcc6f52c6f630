package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cheggaaa/pb"

	"prostatezones/internal/logger"
	"prostatezones/pkg/config"
	"prostatezones/pkg/preparation"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "YAML configuration file (defaults are used if it does not exist)")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	inputDir := flag.String("input", "", "Directory containing the Train, Validate and Test case folders")
	outputDir := flag.String("output", "", "Directory receiving one .npz archive per sample, or the nnU-Net dataset")
	format := flag.String("format", "", "Output format: npz or nnunet (default: from config)")
	numWorkers := flag.Int("workers", 0, "Number of cases processed concurrently (default: from config)")
	seed := flag.Uint64("seed", 0, "Random seed (default: from config)")
	sequences := flag.String("sequences", "", "Comma separated extra sequences to include (adc,hbv)")
	qcDir := flag.String("qc-dir", "", "Directory to save PNG quality-control slices")
	skipFailed := flag.Bool("skip-failed", false, "Log failing cases and continue instead of aborting")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	jsonLog := flag.Bool("json-log", false, "Write logs as JSON lines")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" || *outputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *numWorkers > 0 {
		cfg.Processing.NumWorkers = *numWorkers
	}
	if *seed != 0 {
		cfg.Preprocess.Seed = *seed
	}
	if *sequences != "" {
		cfg.Preprocess.Sequences = strings.Split(strings.ToLower(*sequences), ",")
	}
	if *qcDir != "" {
		cfg.Output.QCDir = *qcDir
	}
	if *format != "" {
		cfg.Output.Format = *format
	}
	if *skipFailed {
		cfg.Processing.SkipFailedCases = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLog {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("================================")
	fmt.Println("PROSTATE ZONE DATASET PREPARATION")
	fmt.Println("================================")
	fmt.Printf("Spacing: %v mm, output size: %v voxels\n", cfg.Preprocess.Spacing, cfg.Preprocess.OutputSize)
	fmt.Printf("Output format: %s\n", cfg.Output.Format)
	fmt.Printf("Train: %d augmentations x %d flips, Validate: %d augmentations x %d flips\n",
		cfg.Preprocess.Train.Augmentations, cfg.Preprocess.Train.Flips,
		cfg.Preprocess.Validate.Augmentations, cfg.Preprocess.Validate.Flips)

	var bar *pb.ProgressBar
	progress := func(completed, total int, message string) {
		if bar == nil {
			bar = pb.StartNew(total)
		}
		bar.Set(completed)
	}

	params, err := cfg.PreparationParams(*inputDir, *outputDir)
	if err != nil {
		log.Fatal(err)
	}
	preparer, err := preparation.NewPreparer(params, lg, progress)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	results, err := preparer.Process(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		log.Fatalf("Preparation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	files, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		files += len(r.Outputs)
	}

	fmt.Printf("\nPreparation completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("- Cases: %d (%d failed)\n", len(results), failed)
	fmt.Printf("- Files written: %d\n", files)
	fmt.Printf("- Output directory: %s\n", *outputDir)
	if cfg.Output.QCDir != "" {
		fmt.Printf("- QC slices: %s\n", cfg.Output.QCDir)
	}
}
