// Package main implements the occupancyd binary. It can run the API
// and scheduler services together or individually based on --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/egatchal/tippers-services/internal/app"
	"github.com/egatchal/tippers-services/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		tippersDB   string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for registry, chunks, and scratch space")
	flag.StringVar(&mode, "mode", "", "Service mode: all, api, scheduler")
	flag.StringVar(&tippersDB, "tippers-db", "", "Path to the raw sensor database")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "occupancyd - occupancy materialization service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: occupancyd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  occupancyd --data-dir /data/occupancy --tippers-db /data/tippers.db\n")
		fmt.Fprintf(os.Stderr, "  occupancyd --mode api --http-addr :8080\n")
		fmt.Fprintf(os.Stderr, "  occupancyd --config /etc/occupancyd/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TIPPERS_MODE            Service mode (all, api, scheduler)\n")
		fmt.Fprintf(os.Stderr, "  TIPPERS_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TIPPERS_DB_PATH         Path to the raw sensor database\n")
		fmt.Fprintf(os.Stderr, "  TIPPERS_HTTP_ADDR       HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  TIPPERS_STORAGE_TYPE    Storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("occupancyd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, tippersDB, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	app.Version = version
	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Blocks until SIGTERM/SIGINT, then drains and closes everything.
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment, and flag configuration, with
// flags taking the highest priority.
func loadConfig(configFile, dataDir, mode, tippersDB, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if tippersDB != "" {
		cfg.Tippers.DBPath = tippersDB
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints a startup summary of the effective configuration.
func printBanner(cfg *config.Config) {
	log.Printf("occupancyd starting")
	log.Printf("Configuration:")
	log.Printf("  Mode:       %s", cfg.Mode)
	log.Printf("  Data Dir:   %s", cfg.DataDir)
	log.Printf("  Raw DB:     %s", cfg.Tippers.DBPath)
	log.Printf("  Storage:    %s", cfg.Storage.Type)

	if cfg.ShouldRunAPI() {
		log.Printf("API Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.Addr)
	}
	if cfg.ShouldRunScheduler() {
		log.Printf("Scheduler Service:")
		log.Printf("  Tick Interval:   %v", cfg.Scheduler.TickInterval)
		log.Printf("  Max Outstanding: %d", cfg.Scheduler.MaxOutstanding)
	}
}
