package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/httpx"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []event.Event `json:"events"`
	Count  int           `json:"count"`
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Storage     *storage.Stats   `json:"storage"`
	Ingest      IngestStats      `json:"ingest"`
	Cardinality CardinalityStats `json:"cardinality"`
}

// HandleEvents returns stored events, oldest first.
//
// Query parameters: start and end (RFC 3339, default the last hour), group,
// type and limit.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	req, err := parseEventsQuery(r, time.Now())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestQueryTimeout)
	defer cancel()

	events, err := h.storage.Query(ctx, req)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}
	if events == nil {
		events = []event.Event{}
	}

	httpx.RespondJSON(w, http.StatusOK, EventsResponse{
		Events: events,
		Count:  len(events),
		Start:  req.Start,
		End:    req.End,
	})
}

func parseEventsQuery(r *http.Request, now time.Time) (storage.QueryRequest, error) {
	query := r.URL.Query()

	req := storage.QueryRequest{
		Start: now.Add(-config.IngestDefaultQueryWindow),
		End:   now,
		Group: query.Get("group"),
		Type:  query.Get("type"),
		Limit: config.IngestDefaultLimit,
	}

	if v := query.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, fmt.Errorf("invalid start time: %w", err)
		}
		req.Start = t
	}
	if v := query.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, fmt.Errorf("invalid end time: %w", err)
		}
		req.End = t
	}
	if req.End.Before(req.Start) {
		return req, fmt.Errorf("end time before start time")
	}
	if req.End.Sub(req.Start) > config.IngestMaxQueryWindow {
		return req, fmt.Errorf("time range too large (max %v)", config.IngestMaxQueryWindow)
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return req, fmt.Errorf("invalid limit %q", v)
		}
		req.Limit = min(limit, config.IngestMaxLimit)
	}

	if len(req.Group) > MaxGroupNameLength {
		return req, ErrGroupNameTooLong
	}
	return req, nil
}

// HandleStats returns storage, ingest and cardinality statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	stats, err := h.storage.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("stats failed: %w", err))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Storage:     stats,
		Ingest:      h.Stats(),
		Cardinality: h.tracker.Stats(),
	})
}

// HandleCardinalityStats returns the group/type cardinality tracker state.
func (h *Handler) HandleCardinalityStats(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.tracker.Stats())
}
