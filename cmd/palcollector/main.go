// Command palcollector receives editor telemetry over TESP, stores it in
// BadgerDB and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/ingest"
	"github.com/nicktill/tinypal/pkg/server"
	"github.com/nicktill/tinypal/pkg/server/monitor"
	"github.com/nicktill/tinypal/pkg/storage"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
)

func main() {
	flags := pflag.NewFlagSet("palcollector", pflag.ExitOnError)
	config.CollectorFlags(flags)
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadCollector(flags)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println("🚀 Starting tinypal collector...")
	log.Printf("⚙️  Configuration: retention = %v, memory limit = %d MB, storage limit = %d GB",
		cfg.Retention, cfg.MaxMemoryMB, cfg.MaxStorageGB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCollector(cfg, slog.Default())
	if err != nil {
		log.Fatalf("❌ Failed to initialize collector: %v", err)
	}
	if err := c.start(ctx); err != nil {
		c.close()
		log.Fatalf("❌ Failed to start collector: %v", err)
	}

	log.Printf("📡 TESP listening on %s", c.tespAddr())
	log.Printf("🌐 HTTP API on http://%s", c.httpAddr())
	log.Println("   POST /pubexperiments  - HTTP uploader endpoint")
	log.Println("   GET  /v1/events       - Query events")
	log.Println("   GET  /v1/sessions     - Session summaries")
	log.Println("   GET  /v1/stats        - Storage and ingest statistics")
	log.Println("   GET  /v1/health       - Health check")
	log.Println("   GET  /v1/export       - Export events (json, csv)")
	log.Println("   POST /v1/import       - Restore a JSON backup")
	log.Println("   GET  /v1/ws           - Live event feed")
	log.Println("   GET  /metrics         - Prometheus endpoint")
	log.Println("✅ Collector ready")

	select {
	case <-ctx.Done():
		log.Println("🛑 Shutdown signal received...")
	case err := <-c.errc:
		log.Printf("❌ Server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := c.shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Shutdown warning: %v", err)
	}
	log.Println("👋 tinypal collector exited cleanly")
}

// collector owns the storage, both listeners and the background tasks.
type collector struct {
	cfg    config.Collector
	logger *slog.Logger

	store            storage.Storage
	handlers         server.Handlers
	storageMonitor   *monitor.StorageMonitor
	retentionMonitor *monitor.RetentionMonitor

	httpServer *http.Server
	tespLn     net.Listener
	httpLn     net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errc   chan error
}

func newCollector(cfg config.Collector, logger *slog.Logger) (*collector, error) {
	store, err := server.InitializeStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	storageMonitor, retentionMonitor := server.InitializeMonitors(cfg)
	handlers := server.InitializeHandlers(store, storageMonitor, logger)

	_, port, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid http address %q: %w", cfg.HTTPAddr, err)
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, handlers, storageMonitor, retentionMonitor, port)

	return &collector{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		handlers:         handlers,
		storageMonitor:   storageMonitor,
		retentionMonitor: retentionMonitor,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  serverReadTimeout,
			WriteTimeout: serverWriteTimeout,
		},
		errc: make(chan error, 2),
	}, nil
}

// start binds both listeners and launches the servers and background tasks.
func (c *collector) start(ctx context.Context) error {
	var err error
	if c.tespLn, err = net.Listen("tcp", c.cfg.ListenAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.ListenAddr, err)
	}
	if c.httpLn, err = net.Listen("tcp", c.cfg.HTTPAddr); err != nil {
		c.tespLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.HTTPAddr, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handlers.Hub.Run(ctx)
	}()

	retention := &server.RetentionTask{
		Store:     c.store,
		Monitor:   c.retentionMonitor,
		Retention: c.cfg.Retention,
		Interval:  config.RetentionInterval,
	}
	c.wg.Add(2)
	go retention.Run(ctx, &c.wg)
	go server.RunBadgerGC(ctx, c.store, config.BadgerGCInterval, &c.wg)

	go func() {
		if err := c.handlers.TESP.Serve(ctx, c.tespLn); !errors.Is(err, ingest.ErrServerClosed) {
			c.errc <- fmt.Errorf("tesp server: %w", err)
		}
	}()
	go func() {
		if err := c.httpServer.Serve(c.httpLn); !errors.Is(err, http.ErrServerClosed) {
			c.errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	return nil
}

func (c *collector) tespAddr() string { return c.tespLn.Addr().String() }
func (c *collector) httpAddr() string { return c.httpLn.Addr().String() }

// shutdown stops accepting, drains open connections, stops the background
// tasks and closes storage.
func (c *collector) shutdown(ctx context.Context) error {
	var errs []error

	log.Println("🔄 Gracefully shutting down servers...")
	if err := c.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := c.handlers.TESP.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tesp shutdown: %w", err))
	}

	log.Println("⏸️  Stopping background tasks...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-ctx.Done():
		log.Println("⚠️  Some background tasks did not stop in time")
	}

	if err := c.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *collector) close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
