package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

func typedEvent(group, typ string) event.Event {
	return event.New(group).AttachPair(event.OutputType, typ).Build()
}

func TestValidateEvent(t *testing.T) {
	manyOutputs := event.New("DevLog")
	for i := 0; i <= MaxOutputsPerEvent; i++ {
		manyOutputs.AttachPair(fmt.Sprintf("k%d", i), "v")
	}

	noTime := typedEvent("DevLog", event.TypeLaunch)
	noTime.ResponseTime = event.Timestamp{}

	tests := []struct {
		name    string
		event   event.Event
		wantErr error
	}{
		{name: "valid event", event: typedEvent("DevLog", event.TypeLaunch)},
		{name: "missing group", event: typedEvent("", event.TypeLaunch), wantErr: event.ErrMissingGroup},
		{name: "missing timestamp", event: noTime, wantErr: event.ErrMissingTimestamp},
		{name: "group too long", event: typedEvent(strings.Repeat("g", MaxGroupNameLength+1), "x"), wantErr: ErrGroupNameTooLong},
		{name: "too many outputs", event: manyOutputs.Build(), wantErr: ErrTooManyOutputs},
		{
			name:    "empty output name",
			event:   event.New("DevLog").AttachPair("", "v").Build(),
			wantErr: ErrOutputNameEmpty,
		},
		{
			name:    "output name too long",
			event:   event.New("DevLog").AttachPair(strings.Repeat("n", MaxOutputNameLength+1), "v").Build(),
			wantErr: ErrOutputNameTooLong,
		},
		{
			name:    "output value too long",
			event:   event.New("DevLog").AttachPair("path", strings.Repeat("v", MaxOutputValueLength+1)).Build(),
			wantErr: ErrOutputValueTooLong,
		},
		{
			name:  "value at limit",
			event: event.New("DevLog").AttachPair("path", strings.Repeat("v", MaxOutputValueLength)).Build(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEvent(tt.event)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateEvent() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateEvent() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateBatch(t *testing.T) {
	if err := ValidateBatch(nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Expected ErrEmptyBatch, got %v", err)
	}

	tooMany := make([]event.Event, MaxEventsPerRequest+1)
	for i := range tooMany {
		tooMany[i] = typedEvent("DevLog", event.TypeLaunch)
	}
	if err := ValidateBatch(tooMany); !errors.Is(err, ErrTooManyEvents) {
		t.Errorf("Expected ErrTooManyEvents, got %v", err)
	}
	if err := ValidateBatch(tooMany[:MaxEventsPerRequest]); err != nil {
		t.Errorf("Batch at limit should pass, got %v", err)
	}

	mixed := []event.Event{typedEvent("DevLog", "ok"), typedEvent("", "bad")}
	err := ValidateBatch(mixed)
	if !errors.Is(err, event.ErrMissingGroup) {
		t.Errorf("Expected ErrMissingGroup, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "invalid event 1") {
		t.Errorf("Error should name the event index: %v", err)
	}
}

func TestCardinalityTracker_Limit(t *testing.T) {
	tracker := newCardinalityTracker(3, time.Now)

	batch := []event.Event{
		typedEvent("DevLog", "a"),
		typedEvent("DevLog", "b"),
		typedEvent("DevLog", "a"),
	}
	if err := tracker.Check(batch); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	tracker.Record(batch)

	// Known series never count against the limit
	if err := tracker.Check(batch); err != nil {
		t.Errorf("Known series rejected: %v", err)
	}

	if err := tracker.Check([]event.Event{typedEvent("Other", "c")}); err != nil {
		t.Errorf("Third series should fit: %v", err)
	}

	overflow := []event.Event{typedEvent("Other", "c"), typedEvent("Other", "d")}
	if err := tracker.Check(overflow); !errors.Is(err, ErrCardinalityLimit) {
		t.Errorf("Expected ErrCardinalityLimit, got %v", err)
	}
}

func TestCardinalityTracker_Cleanup(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tracker := newCardinalityTracker(1, clock)

	tracker.Record([]event.Event{typedEvent("DevLog", "old")})
	if err := tracker.Check([]event.Event{typedEvent("DevLog", "new")}); !errors.Is(err, ErrCardinalityLimit) {
		t.Fatalf("Expected limit before cleanup, got %v", err)
	}

	now = now.Add(seriesRetentionPeriod + cleanupInterval)
	if err := tracker.Check([]event.Event{typedEvent("DevLog", "new")}); err != nil {
		t.Errorf("Stale series should have been forgotten: %v", err)
	}
	if stats := tracker.Stats(); stats.TotalSeries != 0 || stats.UniqueGroups != 0 {
		t.Errorf("Expected empty tracker after cleanup, got %+v", stats)
	}
}

func TestCardinalityTracker_Stats(t *testing.T) {
	tracker := newCardinalityTracker(100, time.Now)
	tracker.Record([]event.Event{
		typedEvent("DevLog", "a"),
		typedEvent("DevLog", "b"),
		typedEvent("Other", "a"),
	})

	stats := tracker.Stats()
	if stats.TotalSeries != 3 {
		t.Errorf("Expected 3 series, got %d", stats.TotalSeries)
	}
	if stats.UniqueGroups != 2 {
		t.Errorf("Expected 2 groups, got %d", stats.UniqueGroups)
	}
	if stats.MaxTypesGroup != "DevLog" || stats.MaxTypesCount != 2 {
		t.Errorf("Expected DevLog with 2 types, got %s with %d", stats.MaxTypesGroup, stats.MaxTypesCount)
	}
	if stats.UtilizationPct != 3 {
		t.Errorf("Expected 3%% utilization, got %v", stats.UtilizationPct)
	}
}
