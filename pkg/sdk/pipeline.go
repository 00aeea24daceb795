package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinypal/pkg/sdk/batch"
	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/queue"
	"github.com/nicktill/tinypal/pkg/sdk/transport"
)

// DefaultHostVersion is reported in apps_used when the host gives none.
const DefaultHostVersion = "unknown version"

// Config holds configuration for the pipeline
type Config struct {
	Addr            string        `json:"addr"`
	FlushEvery      time.Duration `json:"flush_every"`
	DialTimeout     time.Duration `json:"dial_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Group           string        `json:"group"`
	HostVersion     string        `json:"host_version"`

	// Experiment defaults to event.DevLogExperiment.
	Experiment *event.Experiment `json:"-"`

	Logger *slog.Logger `json:"-"`

	// Sender replaces the TCP client.
	Sender transport.Sender `json:"-"`

	// OnFlush observes every flush result.
	OnFlush func(batch.Result) `json:"-"`
}

// Pipeline is the host-facing entry point: it accepts events from any
// goroutine and forwards them to the collector in periodic batches.
type Pipeline struct {
	config     Config
	experiment event.Experiment
	sessionID  string
	logger     *slog.Logger

	queue     *queue.Queue
	sender    transport.Sender
	scheduler *batch.Scheduler

	// mu is held for reading across the stopped check and the enqueue, so
	// Stop cannot run its final drain between the two.
	mu      sync.RWMutex
	started bool
	stopped bool

	stopOnce sync.Once
	stopErr  error
}

// New creates a pipeline. Nothing connects until Start.
func New(cfg Config) *Pipeline {
	if cfg.Addr == "" {
		cfg.Addr = transport.DefaultAddr
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = batch.DefaultFlushEvery
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = batch.DefaultShutdownTimeout
	}
	if cfg.Group == "" {
		cfg.Group = event.DefaultGroup
	}
	if cfg.HostVersion == "" {
		cfg.HostVersion = DefaultHostVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	experiment := event.DevLogExperiment
	if cfg.Experiment != nil {
		experiment = *cfg.Experiment
	}

	sender := cfg.Sender
	if sender == nil {
		sender = transport.NewClient(transport.ClientConfig{
			Addr:         cfg.Addr,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       logger,
		})
	}

	q := queue.New()
	return &Pipeline{
		config:     cfg,
		experiment: experiment,
		sessionID:  uuid.NewString(),
		logger:     logger,
		queue:      q,
		sender:     sender,
		scheduler: batch.New(q, sender, batch.Config{
			FlushEvery:      cfg.FlushEvery,
			ShutdownTimeout: cfg.ShutdownTimeout,
			OnFlush:         cfg.OnFlush,
			Logger:          logger,
		}),
	}
}

// SessionID is the identifier attached to every event from this pipeline.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Pending returns the number of queued events.
func (p *Pipeline) Pending() int {
	return p.queue.Len()
}

// Start connects to the collector, starts the flush loop and records
// IDE_STARTED. An unreachable collector is not an error; the flush loop
// connects when it can.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already stopped")
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	p.started = true
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	if err := p.sender.Connect(dialCtx); err != nil {
		p.logger.Warn("collector not reachable at startup", "addr", p.config.Addr, "error", err)
	}
	cancel()

	if err := p.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	p.Enqueue(event.TypeIDEStarted, nil)
	return nil
}

// Enqueue records an event of the given type. Outputs are type, apps_used and
// session_id followed by fields in key order. It never blocks on the network
// and never panics.
func (p *Pipeline) Enqueue(eventType string, fields map[string]string) {
	outputs := make([]event.Output, 0, len(fields))
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		outputs = append(outputs, event.Output{Name: name, Value: fields[name]})
	}
	p.EnqueueOutputs(eventType, outputs...)
}

// EnqueueOutputs is like Enqueue but keeps the caller's output order.
func (p *Pipeline) EnqueueOutputs(eventType string, outputs ...event.Output) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("failed to enqueue event", "type", eventType, "panic", r)
		}
	}()

	ev := p.build(eventType, outputs)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.logger.Warn("pipeline stopped, dropping event", "type", eventType)
		return
	}
	p.queue.Enqueue(ev)
}

func (p *Pipeline) build(eventType string, outputs []event.Output) event.Event {
	return event.New(p.config.Group).
		WithExperiment(p.experiment).
		AttachPair(event.OutputType, eventType).
		AttachPair(event.OutputAppsUsed, p.config.HostVersion).
		AttachPair(event.OutputSessionID, p.sessionID).
		Attach(outputs...).
		Build()
}

// Flush runs one synchronous flush outside the regular schedule.
func (p *Pipeline) Flush(ctx context.Context) batch.Result {
	return p.scheduler.Tick(ctx)
}

// Stop records IDE_STOPPED, flushes what is queued and closes the
// connection. Only the first call does any work.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()

		if started {
			p.Enqueue(event.TypeIDEStopped, nil)
		}

		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		if err := p.scheduler.Stop(); err != nil {
			p.stopErr = fmt.Errorf("failed to flush events: %w", err)
		}
	})
	return p.stopErr
}
