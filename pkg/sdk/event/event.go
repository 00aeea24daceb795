package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultGroup is the experiment group editor activity is logged under.
const DefaultGroup = "DevLog"

// TimestampLayout is ISO-8601 with milliseconds and a numeric zone offset.
const TimestampLayout = "2006-01-02T15:04:05.000-07:00"

// Timestamp marshals as TimestampLayout.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to millisecond precision, which is
// what survives a JSON round trip.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Accept plain RFC 3339 from other producers
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// Output is one name/value pair in an event's payload.
type Output struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Experiment identifies the study an event belongs to.
type Experiment struct {
	ID      int64
	Name    string
	Version int
}

// DevLogExperiment is the hardwired developer-logging experiment.
var DevLogExperiment = Experiment{
	ID:      4651223384326144,
	Name:    "Developer Logging Test 1",
	Version: 11,
}

// Event is one telemetry record. Optional correlation fields are nil when
// absent and serialize as null.
type Event struct {
	ExperimentID        *int64     `json:"experimentId"`
	ExperimentName      string     `json:"experimentName,omitempty"`
	ExperimentVersion   *int       `json:"experimentVersion"`
	ExperimentGroupName string     `json:"experimentGroupName"`
	ActionTriggerID     *int64     `json:"actionTriggerId"`
	ActionID            *int64     `json:"actionId"`
	ActionTriggerSpecID *int64     `json:"actionTriggerSpecId"`
	ScheduledTime       *Timestamp `json:"scheduledTime,omitempty"`
	ResponseTime        Timestamp  `json:"responseTime"`
	What                []Output   `json:"what"`
}

var (
	ErrMissingGroup     = errors.New("event group name is required")
	ErrMissingTimestamp = errors.New("event response time is required")
)

// Validate checks the fields every enqueued event must carry.
func (e Event) Validate() error {
	if e.ExperimentGroupName == "" {
		return ErrMissingGroup
	}
	if e.ResponseTime.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// Outputs returns a copy of the event's outputs.
func (e Event) Outputs() []Output {
	out := make([]Output, len(e.What))
	copy(out, e.What)
	return out
}

// Output returns the value of the first output with the given name.
func (e Event) Output(name string) (string, bool) {
	for _, o := range e.What {
		if o.Name == name {
			return o.Value, true
		}
	}
	return "", false
}

// Type returns the event type tag, empty if none was attached.
func (e Event) Type() string {
	v, _ := e.Output(OutputType)
	return v
}

// MarshalJSON emits an empty array when no outputs were attached.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	p := plain(e)
	if p.What == nil {
		p.What = []Output{}
	}
	return json.Marshal(p)
}

// Builder assembles an Event. Build returns an independent copy so later
// calls on the builder never affect events already handed out.
type Builder struct {
	ev Event
}

// New starts an event for group stamped with the current time.
func New(group string) *Builder {
	return &Builder{ev: Event{
		ExperimentGroupName: group,
		ResponseTime:        Now(),
	}}
}

// WithExperiment sets the experiment id, name and version.
func (b *Builder) WithExperiment(exp Experiment) *Builder {
	if exp.ID != 0 {
		id := exp.ID
		b.ev.ExperimentID = &id
	}
	b.ev.ExperimentName = exp.Name
	if exp.Version != 0 {
		v := exp.Version
		b.ev.ExperimentVersion = &v
	}
	return b
}

// WithScheduledTime records when the triggering prompt was scheduled.
func (b *Builder) WithScheduledTime(t time.Time) *Builder {
	if !t.IsZero() {
		b.ev.ScheduledTime = &Timestamp{t.Truncate(time.Millisecond)}
	}
	return b
}

// WithAction sets the trigger correlation identifiers. Zero means absent.
func (b *Builder) WithAction(triggerID, actionID, triggerSpecID int64) *Builder {
	b.ev.ActionTriggerID = optional(triggerID)
	b.ev.ActionID = optional(actionID)
	b.ev.ActionTriggerSpecID = optional(triggerSpecID)
	return b
}

// Attach appends outputs in order.
func (b *Builder) Attach(outputs ...Output) *Builder {
	b.ev.What = append(b.ev.What, outputs...)
	return b
}

// AttachPair appends a single name/value output.
func (b *Builder) AttachPair(name, value string) *Builder {
	return b.Attach(Output{Name: name, Value: value})
}

// Build returns the event.
func (b *Builder) Build() Event {
	ev := b.ev
	ev.What = b.ev.Outputs()
	return ev
}

func optional(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// MarshalBatch serializes events as one JSON array.
func MarshalBatch(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch of %d events: %w", len(events), err)
	}
	return data, nil
}

// UnmarshalBatch parses a JSON array of events.
func UnmarshalBatch(data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return events, nil
}
