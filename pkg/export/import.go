package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinypal/pkg/ingest"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

// MaxImportBatchSize is the maximum number of events to write at once
const MaxImportBatchSize = ingest.MaxEventsPerRequest

// maxImportAge rejects events older than this on import
const maxImportAge = 10 * 365 * 24 * time.Hour

// Importer restores JSON backups into storage
type Importer struct {
	storage storage.Storage
	now     func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	EventsImported int       `json:"events_imported"`
	BatchesWritten int       `json:"batches_written"`
	TimeRange      string    `json:"time_range"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports events from a JSON backup. Invalid events are
// reported in Errors and skipped.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var backup Backup
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if len(backup.Events) == 0 {
		return &ImportResult{
			TimeRange:  "empty",
			ImportedAt: im.now(),
		}, nil
	}

	var validationErrors []string
	valid := make([]event.Event, 0, len(backup.Events))
	for i, e := range backup.Events {
		if err := im.validate(e); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		valid = append(valid, e)
	}

	batchCount := 0
	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := min(i+MaxImportBatchSize, len(valid))
		if err := im.storage.Write(ctx, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", batchCount, err)
		}
		batchCount++
	}

	result := &ImportResult{
		EventsImported: len(valid),
		BatchesWritten: batchCount,
		TimeRange:      "empty",
		ImportedAt:     im.now(),
		Errors:         validationErrors,
	}

	if len(valid) > 0 {
		minTime, maxTime := valid[0].ResponseTime.Time, valid[0].ResponseTime.Time
		for _, e := range valid {
			if e.ResponseTime.Before(minTime) {
				minTime = e.ResponseTime.Time
			}
			if e.ResponseTime.After(maxTime) {
				maxTime = e.ResponseTime.Time
			}
		}
		result.TimeRange = formatRange(minTime, maxTime)
	}

	return result, nil
}

// validate applies the ingest limits plus a plausibility window on the
// timestamp.
func (im *Importer) validate(e event.Event) error {
	if err := ingest.ValidateEvent(e); err != nil {
		return err
	}

	now := im.now()
	if e.ResponseTime.Before(now.Add(-maxImportAge)) {
		return fmt.Errorf("timestamp too far in past: %s", e.ResponseTime.Format(time.RFC3339))
	}
	if e.ResponseTime.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in future: %s", e.ResponseTime.Format(time.RFC3339))
	}
	return nil
}
