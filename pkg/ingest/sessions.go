package ingest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/httpx"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

// SessionSummary describes one forwarder session, identified by the
// session_id output every pipeline attaches.
type SessionSummary struct {
	ID        string         `json:"id"`
	AppsUsed  string         `json:"apps_used"`
	Events    int            `json:"events"`
	Types     map[string]int `json:"types"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Running   bool           `json:"running"`
}

// SessionsResponse is returned by GET /v1/sessions.
type SessionsResponse struct {
	Sessions       []SessionSummary `json:"sessions"`
	LastUpdated    string           `json:"last_updated"`
	TimeRangeHours float64          `json:"time_range_hours"`
}

// HandleSessions summarizes the sessions seen in the last hours (default 1).
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	timeRange := config.IngestDefaultQueryWindow
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := time.ParseDuration(v + "h")
		if err != nil || hours <= 0 || hours > config.IngestMaxQueryWindow {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid hours %q", v))
			return
		}
		timeRange = hours
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestQueryTimeout)
	defer cancel()

	now := time.Now()
	events, err := h.storage.Query(ctx, storage.QueryRequest{
		Start: now.Add(-timeRange),
		End:   now,
	})
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, SessionsResponse{
		Sessions:       summarizeSessions(events),
		LastUpdated:    now.Format(time.RFC3339),
		TimeRangeHours: timeRange.Hours(),
	})
}

// summarizeSessions groups events by session, most recently active first.
// Events without a session_id are skipped. A session is running until its
// IDE_STOPPED event is seen.
func summarizeSessions(events []event.Event) []SessionSummary {
	byID := make(map[string]*SessionSummary)

	for _, e := range events {
		id, ok := e.Output(event.OutputSessionID)
		if !ok || id == "" {
			continue
		}

		s, exists := byID[id]
		if !exists {
			s = &SessionSummary{
				ID:        id,
				Types:     make(map[string]int),
				FirstSeen: e.ResponseTime.Time,
				Running:   true,
			}
			byID[id] = s
		}

		if apps, ok := e.Output(event.OutputAppsUsed); ok {
			s.AppsUsed = apps
		}
		s.Events++
		s.Types[e.Type()]++

		ts := e.ResponseTime.Time
		if ts.Before(s.FirstSeen) {
			s.FirstSeen = ts
		}
		if ts.After(s.LastSeen) {
			s.LastSeen = ts
		}
		if e.Type() == event.TypeIDEStopped {
			s.Running = false
		}
	}

	sessions := make([]SessionSummary, 0, len(byID))
	for _, s := range byID {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastSeen.Equal(sessions[j].LastSeen) {
			return sessions[i].LastSeen.After(sessions[j].LastSeen)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}
