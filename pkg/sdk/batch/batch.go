// Package batch runs the periodic flush that moves queued events to the
// collector.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/queue"
	"github.com/nicktill/tinypal/pkg/sdk/transport"
	"github.com/nicktill/tinypal/pkg/tesp"
)

const (
	DefaultFlushEvery      = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

var (
	ErrStopped        = errors.New("batch: scheduler stopped")
	ErrAlreadyStarted = errors.New("batch: scheduler already started")
)

// Status classifies what a single tick did.
type Status int

const (
	Idle Status = iota
	Sent
	SkippedUnreachable
	DroppedMarshal
	DroppedTooLarge
	DroppedSend
)

var statusNames = map[Status]string{
	Idle:               "idle",
	Sent:               "sent",
	SkippedUnreachable: "skipped_unreachable",
	DroppedMarshal:     "dropped_marshal",
	DroppedTooLarge:    "dropped_too_large",
	DroppedSend:        "dropped_send",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Dropped reports whether events were lost in the tick.
func (s Status) Dropped() bool {
	return s == DroppedMarshal || s == DroppedTooLarge || s == DroppedSend
}

// Result describes one tick.
type Result struct {
	Drained int
	Sent    int
	Status  Status
	Err     error
}

// Config holds configuration for the scheduler.
type Config struct {
	FlushEvery      time.Duration
	ShutdownTimeout time.Duration

	// Marshal serializes a drained batch. Defaults to event.MarshalBatch.
	Marshal func([]event.Event) ([]byte, error)

	// OnFlush, if set, is called with the result of every tick.
	OnFlush func(Result)

	Logger *slog.Logger
}

// Scheduler drains the queue on a fixed interval and sends each drain as a
// single AddEvent message. A batch whose send fails is dropped.
type Scheduler struct {
	config Config
	queue  *queue.Queue
	sender transport.Sender
	logger *slog.Logger

	// tickMu serializes ticks; the sender has a single owner at a time.
	tickMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a scheduler. Nothing runs until Start.
func New(q *queue.Queue, sender transport.Sender, config Config) *Scheduler {
	if config.FlushEvery <= 0 {
		config.FlushEvery = DefaultFlushEvery
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.Marshal == nil {
		config.Marshal = event.MarshalBatch
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config: config,
		queue:  q,
		sender: sender,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the flush loop. It returns ErrAlreadyStarted on a second
// call and ErrStopped after Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.flushLoop(loopCtx)
	return nil
}

// Stop cancels the loop, waits for any in-flight tick, runs one final tick
// bounded by ShutdownTimeout and closes the sender. Only the first call does
// any work; later calls return the same error.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()

		if started {
			cancel()
			<-s.done
		}

		ctx, cancelFinal := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		res := s.Tick(ctx)
		cancelFinal()
		if res.Status.Dropped() {
			s.stopErr = res.Err
		}

		if err := s.sender.Close(); err != nil && s.stopErr == nil {
			s.stopErr = fmt.Errorf("failed to close sender: %w", err)
		}
	})
	return s.stopErr
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one flush: connect if needed, drain the queue and send what was
// drained. An unreachable collector leaves the queue untouched.
func (s *Scheduler) Tick(ctx context.Context) Result {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	res := s.tick(ctx)
	s.report(res)
	return res
}

func (s *Scheduler) tick(ctx context.Context) Result {
	if !s.sender.Connected() {
		if err := s.sender.Connect(ctx); err != nil {
			return Result{Status: SkippedUnreachable, Err: err}
		}
	}

	events := s.queue.DrainAll()
	if len(events) == 0 {
		return Result{Status: Idle}
	}
	res := Result{Drained: len(events)}

	payload, err := s.config.Marshal(events)
	if err != nil {
		res.Status = DroppedMarshal
		res.Err = fmt.Errorf("failed to marshal batch: %w", err)
		return res
	}

	if err := s.sender.Send(ctx, tesp.NewAddEvent(payload)); err != nil {
		res.Err = err
		if errors.Is(err, tesp.ErrPayloadTooLarge) {
			res.Status = DroppedTooLarge
		} else {
			res.Status = DroppedSend
		}
		return res
	}

	res.Status = Sent
	res.Sent = len(events)
	return res
}

func (s *Scheduler) report(res Result) {
	switch {
	case res.Status == SkippedUnreachable:
		s.logger.Warn("collector unreachable, skipping flush",
			"queued", s.queue.Len(), "error", res.Err)
	case res.Status.Dropped():
		s.logger.Error("dropping batch",
			"status", res.Status.String(), "events", res.Drained, "error", res.Err)
	case res.Status == Sent:
		s.logger.Debug("flushed batch", "events", res.Sent)
	}

	if s.config.OnFlush != nil {
		s.config.OnFlush(res)
	}
}
