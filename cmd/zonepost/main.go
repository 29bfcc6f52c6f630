package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/cheggaaa/pb"

	"prostatezones/internal/logger"
	"prostatezones/internal/models"
	"prostatezones/pkg/config"
	"prostatezones/pkg/postprocess"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "YAML configuration file (defaults are used if it does not exist)")
	inputDir := flag.String("input", "", "Directory containing reference images and <case>.npz probability archives")
	outputDir := flag.String("output", "", "Directory receiving one <case>.npy label volume per case")
	fileIdentifier := flag.String("identifier", "", "Extension of the reference images (default: from config)")
	mode := flag.String("mode", "", "Postprocess mode: full or simple (default: from config)")
	radius := flag.Float64("radius", 0, "Urethra radius in mm (default: from config)")
	numWorkers := flag.Int("workers", 0, "Number of cases processed concurrently (default: from config)")
	qcDir := flag.String("qc-dir", "", "Directory to save PNG quality-control slices")
	skipFailed := flag.Bool("skip-failed", false, "Log failing cases and continue instead of aborting")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	jsonLog := flag.Bool("json-log", false, "Write logs as JSON lines")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" || *outputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *fileIdentifier != "" {
		cfg.Postprocess.FileIdentifier = *fileIdentifier
	}
	if *mode != "" {
		cfg.Postprocess.Mode = *mode
	}
	if *radius > 0 {
		cfg.Postprocess.UrethraRadiusMM = *radius
	}
	if *numWorkers > 0 {
		cfg.Processing.NumWorkers = *numWorkers
	}
	if *qcDir != "" {
		cfg.Output.QCDir = *qcDir
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
	params, err := cfg.PostprocessParams(*inputDir, *outputDir)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("================================")
	fmt.Println("PROSTATE ZONE SEGMENTATION POSTPROCESSING")
	fmt.Println("================================")
	fmt.Printf("Mode: %s, urethra radius: %.1f mm\n", params.Options.Mode, params.Options.RadiusMM)

	var bar *pb.ProgressBar
	processor := postprocess.NewProcessor(params, lg, func(completed, total int, message string) {
		if bar == nil {
			bar = pb.StartNew(total)
		}
		bar.Set(completed)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	results, err := processor.Process(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		log.Fatalf("Postprocessing failed: %v", err)
	}
	processingTime := time.Since(startTime)

	var zones [models.NumZones]int
	failed, noUrethra := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if !r.Report.HasUrethra {
			noUrethra++
		}
		for z, n := range r.Report.ZoneVoxels {
			zones[z] += n
		}
	}

	fmt.Printf("\nPostprocessing completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("- Cases: %d (%d failed, %d without urethra signal)\n", len(results), failed, noUrethra)
	fmt.Println("- Voxels per zone:")
	for _, z := range models.Zones() {
		fmt.Printf("  %-4s %d\n", z, zones[z])
	}
	fmt.Printf("- Output directory: %s\n", *outputDir)
}
