package export

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/httpx"
	"github.com/nicktill/tinypal/pkg/storage"
)

// maxImportBytes bounds a POST /v1/import body.
const maxImportBytes = 256 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *slog.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Storage, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		logger:   logger,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - group, type: optional filters
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	end, err := parseTimeParam(query.Get("end"), time.Now())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end time: %w", err))
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start time: %w", err))
		return
	}

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Start:  start,
		End:    end,
		Group:  query.Get("group"),
		Type:   query.Get("type"),
		Format: format,
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinypal-export-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the error is only visible if nothing was written
		h.logger.Error("export failed", "format", format, "error", err)
		http.Error(w, fmt.Sprintf("export failed: %v", err), http.StatusInternalServerError)
		return
	}

	h.logger.Info("exported events", "events", result.EventsExported, "format", format, "range", result.TimeRange)
}

// HandleImport handles POST /v1/import
// Accepts JSON backups produced by HandleExport
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		h.logger.Error("import failed", "error", err)
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("import failed: %w", err))
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import completed with validation errors", "errors", len(result.Errors), "first", result.Errors[0])
	}
	h.logger.Info("imported events", "events", result.EventsImported, "batches", result.BatchesWritten, "range", result.TimeRange)

	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses an RFC 3339 or plain datetime parameter, or returns
// the default when empty.
func parseTimeParam(param string, defaultTime time.Time) (time.Time, error) {
	if param == "" {
		return defaultTime, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", param)
}
