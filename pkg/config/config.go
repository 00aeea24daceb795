package config

import "time"

// Collector defaults
const (
	DefaultListenAddr   = "127.0.0.1:31415"
	DefaultHTTPAddr     = ":8080"
	DefaultDataDir      = "./data"
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Background task intervals
const (
	RetentionInterval = 1 * time.Hour
	BadgerGCInterval  = 10 * time.Minute
)

// Ingest timeouts and limits
const (
	IngestTimeout            = 5 * time.Second
	IngestQueryTimeout       = 10 * time.Second
	IngestStatsTimeout       = 5 * time.Second
	IngestDefaultQueryWindow = 1 * time.Hour
	IngestMaxQueryWindow     = 90 * 24 * time.Hour
	IngestDefaultLimit       = 1000
	IngestMaxLimit           = 5000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Server shutdown
const (
	ShutdownTimeout = 10 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)
