package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicktill/tinypal/pkg/config"
	"github.com/nicktill/tinypal/pkg/server/monitor"
	"github.com/nicktill/tinypal/pkg/storage"
	"github.com/nicktill/tinypal/pkg/storage/badger"
)

// Retention defaults
const (
	retentionMaxRetries = 3
	retentionBaseDelay  = 30 * time.Second
	gcDiscardRatio      = 0.5
)

// RetentionTask deletes events older than Retention on every Interval.
type RetentionTask struct {
	Store     storage.Storage
	Monitor   *monitor.RetentionMonitor
	Retention time.Duration
	Interval  time.Duration

	// BaseDelay is the first retry delay after a failed sweep; it doubles
	// on each further attempt.
	BaseDelay  time.Duration
	MaxRetries int

	now func() time.Time
}

// RunOnce deletes everything older than the retention window.
func (t *RetentionTask) RunOnce(ctx context.Context) (int, error) {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	cutoff := now().Add(-t.Retention)

	n, err := t.Store.Delete(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to delete events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

// Run sweeps once at startup and then on every tick until ctx is done.
func (t *RetentionTask) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	baseDelay := t.BaseDelay
	if baseDelay <= 0 {
		baseDelay = retentionBaseDelay
	}
	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = retentionMaxRetries
	}
	interval := t.Interval
	if interval <= 0 {
		interval = config.RetentionInterval
	}

	runWithRetry := func(isInitial bool) {
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1))
				log.Printf("Retrying retention in %v (attempt %d/%d)...", delay, attempt+1, maxRetries+1)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			n, err := t.RunOnce(ctx)
			if err == nil {
				t.Monitor.RecordSuccess(n)
				if isInitial || n > 0 {
					log.Printf("Retention removed %d events older than %v in %v",
						n, t.Retention, time.Since(start).Round(time.Millisecond))
				}
				return
			}

			if ctx.Err() != nil {
				return
			}
			t.Monitor.RecordFailure(err)
			log.Printf("Retention failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)

			if status := t.Monitor.Status(); status.ConsecutiveErrors > maxRetries {
				log.Printf("ALERT: Retention has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
			}
		}

		log.Printf("Retention failed after %d attempts, will retry on next schedule", maxRetries+1)
	}

	runWithRetry(true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runWithRetry(false)
		case <-ctx.Done():
			log.Println("Stopping retention scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically to
// reclaim the space left behind by retention deletes. Other stores are skipped.
func RunBadgerGC(ctx context.Context, store storage.Storage, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Println("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", interval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := badgerStore.RunGC(gcDiscardRatio); err != nil {
				log.Printf("BadgerDB GC failed: %v", err)
				continue
			}
			log.Printf("BadgerDB GC completed in %v", time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
