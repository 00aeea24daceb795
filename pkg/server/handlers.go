package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinypal/pkg/httpx"
	"github.com/nicktill/tinypal/pkg/ingest"
	"github.com/nicktill/tinypal/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// CollectorStatus is the TESP listener section of the health response.
type CollectorStatus struct {
	Paused      bool `json:"paused"`
	Connections int  `json:"connections"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Uptime    string                  `json:"uptime"`
	Collector CollectorStatus         `json:"collector"`
	Retention monitor.RetentionStatus `json:"retention"`
}

// handleHealth returns service health status. Failing retention marks the
// collector degraded since the store then grows without bound.
func handleHealth(tesp *ingest.Server, retentionMonitor *monitor.RetentionMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		retention := retentionMonitor.Status()
		if !retention.Healthy {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Collector: CollectorStatus{
				Paused:      tesp.Paused(),
				Connections: tesp.ActiveConnections(),
			},
			Retention: retention,
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the collector.
func SetupRoutes(
	router *mux.Router,
	handlers Handlers,
	storageMonitor *monitor.StorageMonitor,
	retentionMonitor *monitor.RetentionMonitor,
	port string,
) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	// HTTP uploader endpoint
	router.HandleFunc("/pubexperiments", handlers.Ingest.HandleUpload).Methods("POST")

	// Prometheus scrape target
	router.HandleFunc("/metrics", handlers.Ingest.HandlePrometheusMetrics).Methods("GET")

	// Registered on the root router so a wrong method gets 405, not 404
	api := func(path string, h http.HandlerFunc, method string) {
		router.HandleFunc("/v1"+path, h).Methods(method)
	}

	api("/events", handlers.Ingest.HandleEvents, http.MethodGet)
	api("/sessions", handlers.Ingest.HandleSessions, http.MethodGet)

	// Metadata and stats
	api("/stats", handlers.Ingest.HandleStats, http.MethodGet)
	api("/cardinality", handlers.Ingest.HandleCardinalityStats, http.MethodGet)
	api("/storage", handleStorageUsage(storageMonitor), http.MethodGet)
	api("/health", handleHealth(handlers.TESP, retentionMonitor), http.MethodGet)

	// Backup and restore
	api("/export", handlers.Export.HandleExport, http.MethodGet)
	api("/import", handlers.Export.HandleImport, http.MethodPost)

	// WebSocket for live events
	api("/ws", handlers.Hub.HandleWebSocket, http.MethodGet)
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
