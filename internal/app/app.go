// Package app wires the occupancy service together and manages its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/egatchal/tippers-services/internal/api/http"
	"github.com/egatchal/tippers-services/internal/chunkstore"
	"github.com/egatchal/tippers-services/internal/compute"
	"github.com/egatchal/tippers-services/internal/config"
	"github.com/egatchal/tippers-services/internal/dataset"
	"github.com/egatchal/tippers-services/internal/exec"
	"github.com/egatchal/tippers-services/internal/scheduler"
	"github.com/egatchal/tippers-services/internal/server"
	"github.com/egatchal/tippers-services/internal/storage"
	"github.com/egatchal/tippers-services/internal/tippers"
)

// Version is stamped at build time.
var Version = "dev"

// App manages the occupancy service lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	reader   tippers.Reader
	registry chunkstore.Registry
	storage  storage.ObjectStorage
	shutdown *server.ShutdownManager

	// Service components
	daemon  *scheduler.Daemon
	backend *exec.LocalBackend

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	// Services stop before the drain-and-close phase so nothing writes
	// to the registry while it closes.
	a.shutdown.OnShutdownStart(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.daemon != nil {
			if err := a.daemon.Stop(); err != nil {
				log.Printf("scheduler stop error: %v", err)
			}
		}
		if a.backend != nil {
			a.backend.Stop()
		}
	})

	if a.cfg.ShouldRunScheduler() {
		if err := a.startScheduler(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if a.cfg.ShouldRunAPI() {
		if err := a.startAPI(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start API: %w", err)
		}
	}

	log.Printf("occupancy service started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources opens the raw database, the chunk registry, and
// object storage.
func (a *App) initSharedResources() error {
	reader, err := tippers.NewClient(a.cfg.Tippers.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open raw database: %w", err)
	}
	a.reader = reader
	log.Printf("raw database opened: %s", a.cfg.Tippers.DBPath)

	if a.cfg.Registry.Shards > 1 {
		a.registry, err = chunkstore.NewShardedRegistry(a.cfg.Registry.Dir, a.cfg.Registry.Shards)
		if err != nil {
			return fmt.Errorf("failed to open sharded registry: %w", err)
		}
		log.Printf("sharded chunk registry opened: %d shards in %s", a.cfg.Registry.Shards, a.cfg.Registry.Dir)
	} else {
		a.registry, err = chunkstore.NewSQLiteRegistry(a.cfg.RegistryPath())
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		log.Printf("chunk registry opened: %s", a.cfg.RegistryPath())
	}

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		a.storage, err = storage.NewS3Storage(context.Background(), a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("storage initialized: type=%s", a.cfg.Storage.Type)

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(server.CloserFunc(func() error { return a.registry.Close() }))
	a.shutdown.RegisterCloser(server.CloserFunc(func() error { return a.reader.Close() }))
	return nil
}

// startScheduler builds the compute pipeline and starts the polling
// daemon.
func (a *App) startScheduler(ctx context.Context) error {
	downloader := storage.NewBatchDownloader(a.storage, a.cfg.Compute.DownloadConcurrency, a.cfg.Compute.CacheDir)
	runner := compute.NewRunner(
		compute.NewSourceStep(a.reader, a.storage, a.cfg.Compute.WorkDir),
		compute.NewDerivedStep(a.storage, downloader, a.cfg.Compute.WorkDir),
	)

	// The backend reports completions to the daemon; the daemon is
	// assembled right after, before any job can be submitted.
	a.backend = exec.NewLocalBackend(runner, exec.LocalConfig{
		Workers:    a.cfg.Compute.Workers,
		QueueDepth: a.cfg.Compute.QueueDepth,
	}, func(jobID string, job compute.Job, result *compute.Result, runErr error) {
		a.daemon.HandleCompletion(jobID, job, result, runErr)
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = a.cfg.Scheduler.TickInterval
	schedCfg.SourceBatchSize = a.cfg.Scheduler.SourceBatchSize
	schedCfg.DerivedBatchSize = a.cfg.Scheduler.DerivedBatchSize
	schedCfg.MaxOutstanding = a.cfg.Scheduler.MaxOutstanding
	schedCfg.StaleAfter = a.cfg.Scheduler.StaleAfter
	a.daemon = scheduler.NewDaemon(schedCfg, a.registry, a.reader, a.backend)

	if err := a.daemon.Start(ctx); err != nil {
		return err
	}
	log.Printf("scheduler started: tick=%s, workers=%d, max_outstanding=%d",
		schedCfg.TickInterval, a.cfg.Compute.Workers, schedCfg.MaxOutstanding)
	return nil
}

// startAPI builds the HTTP surface and starts listening.
func (a *App) startAPI(ctx context.Context) error {
	downloader := storage.NewBatchDownloader(a.storage, a.cfg.Compute.DownloadConcurrency, a.cfg.Compute.CacheDir)
	planner := dataset.NewPlanner(a.reader, a.registry)
	assembler := dataset.NewAssembler(a.registry, a.storage, downloader, planner)

	var stats httpapi.StatsProvider
	if a.daemon != nil {
		stats = func() interface{} { return a.daemon.Stats() }
	}

	mux := http.NewServeMux()
	httpapi.NewDatasetsHandler(planner, assembler).Register(mux)
	httpapi.NewSystemHandler(Version, stats, a.registry, a.storage).Register(mux)

	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)

	srv := server.NewGracefulHTTPServer(&http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      middleware(mux),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("API server listening on %s", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// The manager stops services (start callbacks), drains in-flight
	// requests, then closes the HTTP server, reader, and registry.
	// Idempotent: a no-op when a signal already triggered it.
	if err := a.shutdown.Shutdown(shutdownCtx, "service stop"); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("occupancy service stopped")
	return nil
}

// cleanup releases shared resources on a failed startup, before the
// shutdown manager has taken ownership of them.
func (a *App) cleanup() {
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background(), "startup failed")
		return
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.reader != nil {
		a.reader.Close()
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
