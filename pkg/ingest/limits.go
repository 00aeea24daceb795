package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// Validation limits for received events
const (
	// Per-event limits
	MaxOutputsPerEvent   = 64   // Maximum outputs per event
	MaxOutputNameLength  = 256  // Maximum output name length
	MaxOutputValueLength = 4096 // Maximum output value length
	MaxGroupNameLength   = 256  // Maximum experiment group name length

	// Global limits
	MaxUniqueSeries     = 10000 // Maximum distinct group/type pairs
	MaxEventsPerRequest = 1000  // Maximum events in a single batch
)

var (
	// ErrTooManyOutputs is returned when an event has too many outputs
	ErrTooManyOutputs = fmt.Errorf("too many outputs (max %d)", MaxOutputsPerEvent)

	// ErrOutputNameTooLong is returned when an output name is too long
	ErrOutputNameTooLong = fmt.Errorf("output name too long (max %d chars)", MaxOutputNameLength)

	// ErrOutputNameEmpty is returned when an output has no name
	ErrOutputNameEmpty = errors.New("output name cannot be empty")

	// ErrOutputValueTooLong is returned when an output value is too long
	ErrOutputValueTooLong = fmt.Errorf("output value too long (max %d chars)", MaxOutputValueLength)

	// ErrGroupNameTooLong is returned when the experiment group name is too long
	ErrGroupNameTooLong = fmt.Errorf("group name too long (max %d chars)", MaxGroupNameLength)

	// ErrCardinalityLimit is returned when the distinct series limit is exceeded
	ErrCardinalityLimit = fmt.Errorf("cardinality limit exceeded (max %d group/type pairs)", MaxUniqueSeries)

	// ErrTooManyEvents is returned when a batch contains too many events
	ErrTooManyEvents = fmt.Errorf("too many events in batch (max %d)", MaxEventsPerRequest)

	// ErrEmptyBatch is returned for a batch with no events
	ErrEmptyBatch = errors.New("batch contains no events")
)

// ValidateEvent checks one event against the required fields and size limits
func ValidateEvent(e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if len(e.ExperimentGroupName) > MaxGroupNameLength {
		return fmt.Errorf("%w: %d chars", ErrGroupNameTooLong, len(e.ExperimentGroupName))
	}

	if len(e.What) > MaxOutputsPerEvent {
		return fmt.Errorf("%w: event has %d outputs", ErrTooManyOutputs, len(e.What))
	}

	for _, o := range e.What {
		if o.Name == "" {
			return ErrOutputNameEmpty
		}
		if len(o.Name) > MaxOutputNameLength {
			return fmt.Errorf("%w: %q has %d chars", ErrOutputNameTooLong, o.Name[:32], len(o.Name))
		}
		if len(o.Value) > MaxOutputValueLength {
			return fmt.Errorf("%w: value of %q", ErrOutputValueTooLong, o.Name)
		}
	}

	return nil
}

// ValidateBatch checks the batch size and every event in it
func ValidateBatch(events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	if len(events) > MaxEventsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyEvents, len(events))
	}

	for i, e := range events {
		if err := ValidateEvent(e); err != nil {
			return fmt.Errorf("invalid event %d: %w", i, err)
		}
	}
	return nil
}
