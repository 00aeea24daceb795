package ingest

import (
	"sync"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// CardinalityTracker counts distinct group/type pairs so a misbehaving host
// cannot flood the store with unique event types.
// Series not seen for seriesRetentionPeriod are forgotten.
type CardinalityTracker struct {
	mu sync.Mutex

	limit int

	// seriesSeen maps group/type to when it was last written
	seriesSeen map[seriesID]time.Time

	// groups counts distinct types per group
	groups map[string]int

	lastCleanup time.Time
	now         func() time.Time
}

type seriesID struct {
	group string
	typ   string
}

const (
	// Forget series not seen in the last 24 hours
	seriesRetentionPeriod = 24 * time.Hour

	// Check for stale series at most once an hour
	cleanupInterval = 1 * time.Hour
)

// NewCardinalityTracker creates a tracker allowing MaxUniqueSeries pairs
func NewCardinalityTracker() *CardinalityTracker {
	return newCardinalityTracker(MaxUniqueSeries, time.Now)
}

func newCardinalityTracker(limit int, now func() time.Time) *CardinalityTracker {
	return &CardinalityTracker{
		limit:       limit,
		seriesSeen:  make(map[seriesID]time.Time),
		groups:      make(map[string]int),
		lastCleanup: now(),
		now:         now,
	}
}

// Check returns ErrCardinalityLimit if the batch would add more new series
// than the tracker has room for.
func (c *CardinalityTracker) Check(events []event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	added := make(map[seriesID]struct{})
	for _, e := range events {
		id := seriesID{e.ExperimentGroupName, e.Type()}
		if _, ok := c.seriesSeen[id]; ok {
			continue
		}
		added[id] = struct{}{}
	}

	if len(c.seriesSeen)+len(added) > c.limit {
		return ErrCardinalityLimit
	}
	return nil
}

// Record marks the batch's series as seen. Call it after a successful write.
func (c *CardinalityTracker) Record(events []event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range events {
		id := seriesID{e.ExperimentGroupName, e.Type()}
		if _, ok := c.seriesSeen[id]; !ok {
			c.groups[id.group]++
		}
		c.seriesSeen[id] = now
	}
}

// cleanupLocked drops series not seen in seriesRetentionPeriod.
// MUST be called with lock held
func (c *CardinalityTracker) cleanupLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now

	cutoff := now.Add(-seriesRetentionPeriod)
	for id, lastSeen := range c.seriesSeen {
		if lastSeen.Before(cutoff) {
			delete(c.seriesSeen, id)
			if c.groups[id.group]--; c.groups[id.group] <= 0 {
				delete(c.groups, id.group)
			}
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var maxGroup string
	var maxCount int
	for group, count := range c.groups {
		if count > maxCount || (count == maxCount && group < maxGroup) {
			maxCount = count
			maxGroup = group
		}
	}

	return CardinalityStats{
		TotalSeries:    len(c.seriesSeen),
		UniqueGroups:   len(c.groups),
		MaxTypesGroup:  maxGroup,
		MaxTypesCount:  maxCount,
		SeriesLimit:    c.limit,
		UtilizationPct: float64(len(c.seriesSeen)) / float64(c.limit) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries    int     `json:"total_series"`
	UniqueGroups   int     `json:"unique_groups"`
	MaxTypesGroup  string  `json:"max_types_group"`
	MaxTypesCount  int     `json:"max_types_count"`
	SeriesLimit    int     `json:"series_limit"`
	UtilizationPct float64 `json:"utilization_percent"`
}
