// Package queue holds events between the moment a host callback records them
// and the next flush.
package queue

import (
	"sync"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// Queue is an unbounded FIFO of events, safe for many producers and one
// consumer. Enqueue only holds the lock long enough to append.
type Queue struct {
	mu     sync.Mutex
	events []event.Event
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends an event. It never blocks on I/O and never fails.
func (q *Queue) Enqueue(e event.Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
}

// DrainAll removes and returns every queued event in insertion order.
// It returns nil when the queue is empty.
func (q *Queue) DrainAll() []event.Event {
	q.mu.Lock()
	drained := q.events
	q.events = nil
	q.mu.Unlock()
	return drained
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
