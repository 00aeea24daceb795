package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage: closed")

// Storage defines the interface for event storage backends.
// Implementations: memory (testing), badger (collector default)
type Storage interface {
	// Write stores events
	Write(ctx context.Context, events []event.Event) error

	// Query retrieves events within a time range, oldest first
	Query(ctx context.Context, req QueryRequest) ([]event.Event, error)

	// Delete removes events older than the given time and reports how many
	Delete(ctx context.Context, before time.Time) (int, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what events to retrieve
type QueryRequest struct {
	// Time range, inclusive. A zero End means no upper bound.
	Start time.Time
	End   time.Time

	// Filter by experiment group (optional)
	Group string

	// Filter by the "type" output (optional)
	Type string

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether e passes the request's filters.
func (r QueryRequest) Matches(e event.Event) bool {
	ts := e.ResponseTime.Time
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	if r.Group != "" && e.ExperimentGroupName != r.Group {
		return false
	}
	if r.Type != "" && e.Type() != r.Type {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	TotalEvents  uint64            `json:"total_events"`
	EventsByType map[string]uint64 `json:"events_by_type"`

	// Storage size in bytes, estimated for memory
	SizeBytes uint64 `json:"size_bytes"`

	OldestEvent time.Time `json:"oldest_event"`
	NewestEvent time.Time `json:"newest_event"`
}

// Observe folds one event into the stats.
func (s *Stats) Observe(e event.Event) {
	if s.EventsByType == nil {
		s.EventsByType = make(map[string]uint64)
	}
	s.TotalEvents++
	s.EventsByType[e.Type()]++

	ts := e.ResponseTime.Time
	if s.OldestEvent.IsZero() || ts.Before(s.OldestEvent) {
		s.OldestEvent = ts
	}
	if s.NewestEvent.IsZero() || ts.After(s.NewestEvent) {
		s.NewestEvent = ts
	}
}
