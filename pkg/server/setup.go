package server

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/export"
	"github.com/nicktill/tinypal/pkg/ingest"
	"github.com/nicktill/tinypal/pkg/server/monitor"
	"github.com/nicktill/tinypal/pkg/storage"
	"github.com/nicktill/tinypal/pkg/storage/badger"
)

const bytesPerGB = 1 << 30

// InitializeStorage creates the data directory and opens BadgerDB in it.
func InitializeStorage(cfg config.Collector, logger *slog.Logger) (storage.Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log.Printf("Initializing BadgerDB storage in %s...", cfg.DataDir)
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: int64(cfg.MaxMemoryMB),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB storage initialized successfully")
	return store, nil
}

// InitializeMonitors creates the storage usage and retention monitors.
func InitializeMonitors(cfg config.Collector) (*monitor.StorageMonitor, *monitor.RetentionMonitor) {
	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB*bytesPerGB)
	if cfg.MaxStorageGB > 0 {
		log.Printf("Storage limit: %d GB", cfg.MaxStorageGB)
	} else {
		log.Println("Storage limit disabled")
	}

	// Two missed sweeps mark retention stale
	retentionMonitor := monitor.NewRetentionMonitor(2 * config.RetentionInterval)
	return storageMonitor, retentionMonitor
}

// Handlers groups the collector's request handlers.
type Handlers struct {
	Ingest *ingest.Handler
	Hub    *ingest.EventHub
	TESP   *ingest.Server
	Export *export.Handler
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(
	store storage.Storage,
	storageMonitor *monitor.StorageMonitor,
	logger *slog.Logger,
) Handlers {
	hub := ingest.NewEventHub(logger)
	log.Println("WebSocket hub created for live event streaming")

	ingestHandler := ingest.NewHandler(store)
	ingestHandler.SetLogger(logger)
	ingestHandler.SetStorageChecker(storageMonitor)
	ingestHandler.SetHub(hub)
	log.Println("Ingest handler created with cardinality protection & storage limits")

	tesp := ingest.NewServer(ingestHandler, ingest.ServerConfig{Logger: logger})

	return Handlers{
		Ingest: ingestHandler,
		Hub:    hub,
		TESP:   tesp,
		Export: export.NewHandler(store, logger),
	}
}
