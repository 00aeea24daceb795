package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

// Storage stores events in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	events []event.Event
	closed bool
	mu     sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		events: make([]event.Event, 0, 1024),
	}
}

// Write stores events, keeping the slice ordered by response time
func (s *Storage) Write(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	for _, e := range events {
		e.What = e.Outputs()
		s.events = append(s.events, e)
	}
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].ResponseTime.Before(s.events[j].ResponseTime.Time)
	})
	return nil
}

// Query retrieves events matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	var results []event.Event
	for _, e := range s.events {
		if !req.Matches(e) {
			continue
		}

		e.What = e.Outputs()
		results = append(results, e)

		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}
	return results, nil
}

// Delete removes events older than the given time
func (s *Storage) Delete(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	kept := make([]event.Event, 0, len(s.events))
	for _, e := range s.events {
		if !e.ResponseTime.Before(before) {
			kept = append(kept, e)
		}
	}

	deleted := len(s.events) - len(kept)
	s.events = kept
	return deleted, nil
}

// Close releases the events. Later calls fail with storage.ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.events = nil
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{EventsByType: make(map[string]uint64)}
	for _, e := range s.events {
		stats.Observe(e)
		stats.SizeBytes += estimateSize(e)
	}
	return stats, nil
}

// estimateSize approximates an event's encoded size: fixed fields plus outputs.
func estimateSize(e event.Event) uint64 {
	size := uint64(200 + len(e.ExperimentGroupName) + len(e.ExperimentName))
	for _, o := range e.What {
		size += uint64(len(o.Name) + len(o.Value) + 24)
	}
	return size
}
