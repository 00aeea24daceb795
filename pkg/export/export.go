package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

// FormatVersion is written into every JSON backup.
const FormatVersion = "1.0"

// Exporter writes stored events as JSON backups or CSV tables.
type Exporter struct {
	storage storage.Storage
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export
	Start time.Time
	End   time.Time

	// Optional filters, empty means any
	Group string
	Type  string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	EventsExported int       `json:"events_exported"`
	TimeRange      string    `json:"time_range"`
	Format         string    `json:"format"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Metadata heads a JSON backup.
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	EventCount int       `json:"event_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Backup is the JSON export document, which ImportFromJSON reads back.
type Backup struct {
	Metadata Metadata      `json:"metadata"`
	Events   []event.Event `json:"events"`
}

func (e *Exporter) query(ctx context.Context, opts ExportOptions) ([]event.Event, error) {
	events, err := e.storage.Query(ctx, storage.QueryRequest{
		Start: opts.Start,
		End:   opts.End,
		Group: opts.Group,
		Type:  opts.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// ExportToJSON exports events as a JSON backup to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	events, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []event.Event{}
	}

	backup := Backup{
		Metadata: Metadata{
			ExportedAt: time.Now(),
			StartTime:  opts.Start,
			EndTime:    opts.End,
			EventCount: len(events),
			Format:     "json",
			Version:    FormatVersion,
		},
		Events: events,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		EventsExported: len(events),
		TimeRange:      formatRange(opts.Start, opts.End),
		Format:         "json",
		ExportedAt:     backup.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports events as one row each. The fixed columns are followed
// by one column per output name found in the range, sorted; an event without
// an output leaves its cell empty.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	events, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	outputNames := collectOutputNames(events)

	header := []string{"response_time", "group", "experiment_id", "experiment_name"}
	header = append(header, outputNames...)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, ev := range events {
		experimentID := ""
		if ev.ExperimentID != nil {
			experimentID = strconv.FormatInt(*ev.ExperimentID, 10)
		}
		row := []string{
			ev.ResponseTime.Format(event.TimestampLayout),
			ev.ExperimentGroupName,
			experimentID,
			ev.ExperimentName,
		}
		for _, name := range outputNames {
			v, _ := ev.Output(name)
			row = append(row, v)
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		EventsExported: len(events),
		TimeRange:      formatRange(opts.Start, opts.End),
		Format:         "csv",
		ExportedAt:     time.Now(),
	}, nil
}

// collectOutputNames gathers all unique output names and returns them
// sorted, with "type" first.
func collectOutputNames(events []event.Event) []string {
	nameSet := make(map[string]bool)
	for _, e := range events {
		for _, o := range e.What {
			nameSet[o.Name] = true
		}
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == event.OutputType) != (names[j] == event.OutputType) {
			return names[i] == event.OutputType
		}
		return names[i] < names[j]
	})
	return names
}

func formatRange(start, end time.Time) string {
	return fmt.Sprintf("%s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
}
