package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/httpx"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/transport"
	"github.com/nicktill/tinypal/pkg/storage"
)

// maxUploadBytes bounds a POST /pubexperiments body.
const maxUploadBytes = 16 << 20

// ErrStorageFull is returned when the data directory is over its size limit.
var ErrStorageFull = errors.New("storage limit exceeded")

// StorageChecker reports disk usage against a limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler validates and stores received events. The TESP server and the
// HTTP upload endpoint both write through Ingest.
type Handler struct {
	storage        storage.Storage
	tracker        *CardinalityTracker
	storageChecker StorageChecker
	hub            *EventHub
	logger         *slog.Logger

	received atomic.Uint64
	stored   atomic.Uint64
	rejected atomic.Uint64
	batches  atomic.Uint64

	undecodable atomic.Uint64
}

// NewHandler creates a new ingest handler
func NewHandler(store storage.Storage) *Handler {
	return &Handler{
		storage: store,
		tracker: NewCardinalityTracker(),
		logger:  slog.Default(),
	}
}

// SetStorageChecker enables storage limit enforcement
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.storageChecker = checker
}

// SetHub broadcasts every stored batch to WebSocket clients
func (h *Handler) SetHub(hub *EventHub) {
	h.hub = hub
}

// SetLogger replaces the default logger. Nil restores slog.Default().
func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h.logger = logger
}

// IngestStats counts events since the collector started.
type IngestStats struct {
	EventsReceived  uint64 `json:"events_received"`
	EventsStored    uint64 `json:"events_stored"`
	EventsRejected  uint64 `json:"events_rejected"`
	BatchesReceived uint64 `json:"batches_received"`

	// BatchesUndecodable counts TESP payloads that were not a JSON event array
	BatchesUndecodable uint64 `json:"batches_undecodable"`
}

// Stats returns the ingest counters
func (h *Handler) Stats() IngestStats {
	return IngestStats{
		EventsReceived:  h.received.Load(),
		EventsStored:    h.stored.Load(),
		EventsRejected:  h.rejected.Load(),
		BatchesReceived: h.batches.Load(),

		BatchesUndecodable: h.undecodable.Load(),
	}
}

// Ingest validates a batch and stores it. The batch is stored whole or not
// at all.
func (h *Handler) Ingest(ctx context.Context, events []event.Event) error {
	h.batches.Add(1)
	h.received.Add(uint64(len(events)))

	if err := h.ingest(ctx, events); err != nil {
		h.rejected.Add(uint64(len(events)))
		return err
	}
	h.stored.Add(uint64(len(events)))
	return nil
}

func (h *Handler) ingest(ctx context.Context, events []event.Event) error {
	if err := ValidateBatch(events); err != nil {
		return err
	}
	if err := h.checkStorage(); err != nil {
		return err
	}
	if err := h.tracker.Check(events); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, config.IngestTimeout)
	defer cancel()

	if err := h.storage.Write(ctx, events); err != nil {
		return fmt.Errorf("failed to store events: %w", err)
	}
	h.tracker.Record(events)

	if h.hub != nil && h.hub.HasClients() {
		h.hub.Broadcast(EventsUpdate{
			Type:      "events",
			Timestamp: time.Now().Unix(),
			Events:    events,
			Count:     len(events),
		})
	}
	return nil
}

func (h *Handler) checkStorage() error {
	if h.storageChecker == nil {
		return nil
	}
	used, err := h.storageChecker.GetUsage()
	if err != nil {
		h.logger.Warn("failed to check storage usage", "error", err)
		return nil
	}
	if limit := h.storageChecker.GetLimit(); limit > 0 && used >= limit {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, limit)
	}
	return nil
}

// HandleUpload handles POST /pubexperiments, the endpoint of the HTTP
// uploader. Every event gets an outcome; invalid events are reported and
// the valid remainder is stored.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	events, err := event.UnmarshalBatch(body)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if len(events) > MaxEventsPerRequest {
		httpx.RespondError(w, http.StatusBadRequest, ErrTooManyEvents)
		return
	}

	outcomes := make([]transport.Outcome, len(events))
	valid := make([]event.Event, 0, len(events))
	index := make([]int, 0, len(events))
	for i, e := range events {
		outcomes[i] = transport.Outcome{EventID: int64(i)}
		if err := ValidateEvent(e); err != nil {
			outcomes[i].ErrorMessage = err.Error()
			continue
		}
		valid = append(valid, e)
		index = append(index, i)
	}
	if invalid := uint64(len(events) - len(valid)); invalid > 0 {
		h.received.Add(invalid)
		h.rejected.Add(invalid)
	}

	if len(valid) > 0 {
		if err := h.Ingest(r.Context(), valid); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrStorageFull) {
				status = http.StatusInsufficientStorage
			} else if errors.Is(err, ErrCardinalityLimit) {
				status = http.StatusTooManyRequests
			}
			h.logger.Error("failed to ingest upload", "events", len(valid), "error", err)
			httpx.RespondError(w, status, err)
			return
		}
		for _, i := range index {
			outcomes[i].Status = true
		}
	}

	httpx.RespondJSON(w, http.StatusOK, outcomes)
}

// EventsUpdate is the message pushed to WebSocket clients.
type EventsUpdate struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Events    []event.Event `json:"events"`
	Count     int           `json:"count"`
}
