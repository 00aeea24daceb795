package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/sdk/queue"
	"github.com/nicktill/tinypal/pkg/tesp"
	"github.com/stretchr/testify/require"
)

// mockSender is a mock implementation of transport.Sender for testing
type mockSender struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	messages   []tesp.Message
	connects   int
	closes     int
}

func (m *mockSender) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockSender) Send(ctx context.Context, msg tesp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		m.connected = false
		return m.sendErr
	}
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	m.messages = append(m.messages, tesp.Message{Code: msg.Code, Payload: payload})
	return nil
}

func (m *mockSender) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockSender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.connected = false
	return nil
}

func (m *mockSender) setConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

func (m *mockSender) sent(t *testing.T) [][]event.Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	batches := make([][]event.Event, 0, len(m.messages))
	for _, msg := range m.messages {
		require.Equal(t, tesp.CodeAddEvent, msg.Code)
		events, err := event.UnmarshalBatch(msg.Payload)
		require.NoError(t, err)
		batches = append(batches, events)
	}
	return batches
}

func (m *mockSender) totalEvents(t *testing.T) int {
	total := 0
	for _, b := range m.sent(t) {
		total += len(b)
	}
	return total
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEvent(seq string) event.Event {
	return event.New(event.DefaultGroup).AttachPair(event.OutputType, seq).Build()
}

func TestNew_Defaults(t *testing.T) {
	s := New(queue.New(), &mockSender{}, Config{})

	require.Equal(t, DefaultFlushEvery, s.config.FlushEvery)
	require.Equal(t, DefaultShutdownTimeout, s.config.ShutdownTimeout)
	require.NotNil(t, s.config.Marshal)
	require.NotNil(t, s.logger)
}

func TestTick_Statuses(t *testing.T) {
	tooLarge := &tesp.PayloadTooLargeError{Size: 10, Limit: 1}

	tests := []struct {
		name       string
		connectErr error
		sendErr    error
		marshalErr error
		queued     int
		want       Status
		wantQueued int
	}{
		{name: "idle", want: Idle},
		{name: "sent", queued: 3, want: Sent},
		{name: "unreachable keeps queue", connectErr: errors.New("refused"), queued: 2, want: SkippedUnreachable, wantQueued: 2},
		{name: "marshal failure drops", marshalErr: errors.New("bad json"), queued: 2, want: DroppedMarshal},
		{name: "too large drops", sendErr: fmt.Errorf("failed to encode: %w", tooLarge), queued: 2, want: DroppedTooLarge},
		{name: "send failure drops", sendErr: errors.New("broken pipe"), queued: 2, want: DroppedSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.New()
			for i := 0; i < tt.queued; i++ {
				q.Enqueue(newEvent(fmt.Sprint(i)))
			}
			sender := &mockSender{connectErr: tt.connectErr, sendErr: tt.sendErr}

			cfg := Config{Logger: quietLogger()}
			if tt.marshalErr != nil {
				cfg.Marshal = func([]event.Event) ([]byte, error) { return nil, tt.marshalErr }
			}
			s := New(q, sender, cfg)

			res := s.Tick(context.Background())
			require.Equal(t, tt.want, res.Status, "status %s", res.Status)
			require.Equal(t, tt.wantQueued, q.Len())

			switch tt.want {
			case Idle:
				require.NoError(t, res.Err)
				require.Zero(t, res.Drained)
			case Sent:
				require.NoError(t, res.Err)
				require.Equal(t, tt.queued, res.Sent)
				require.Equal(t, tt.queued, res.Drained)
			case SkippedUnreachable:
				require.Error(t, res.Err)
				require.Zero(t, res.Drained)
			default:
				require.Error(t, res.Err)
				require.True(t, res.Status.Dropped())
				require.Equal(t, tt.queued, res.Drained)
				require.Zero(t, res.Sent)
			}
		})
	}
}

func TestTick_UnreachableThenRecovered(t *testing.T) {
	q := queue.New()
	q.Enqueue(newEvent("a"))
	q.Enqueue(newEvent("b"))

	sender := &mockSender{connectErr: errors.New("connection refused")}
	s := New(q, sender, Config{Logger: quietLogger()})

	require.Equal(t, SkippedUnreachable, s.Tick(context.Background()).Status)
	require.Equal(t, 2, q.Len())
	require.Empty(t, sender.sent(t))

	sender.setConnectErr(nil)
	res := s.Tick(context.Background())
	require.Equal(t, Sent, res.Status)
	require.Equal(t, 0, q.Len())

	batches := sender.sent(t)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Equal(t, "a", batches[0][0].Type())
	require.Equal(t, "b", batches[0][1].Type())
}

func TestTick_DroppedBatchIsNotRequeued(t *testing.T) {
	q := queue.New()
	q.Enqueue(newEvent("lost"))

	sender := &mockSender{sendErr: errors.New("reset by peer")}
	s := New(q, sender, Config{Logger: quietLogger()})

	require.Equal(t, DroppedSend, s.Tick(context.Background()).Status)
	require.Equal(t, 0, q.Len())

	sender.mu.Lock()
	sender.sendErr = nil
	sender.mu.Unlock()

	require.Equal(t, Idle, s.Tick(context.Background()).Status)
	require.Empty(t, sender.sent(t))
}

func TestStop_FinalFlush(t *testing.T) {
	q := queue.New()
	sender := &mockSender{}
	s := New(q, sender, Config{FlushEvery: time.Hour, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))

	q.Enqueue(newEvent("first"))
	q.Enqueue(newEvent("second"))

	require.NoError(t, s.Stop())

	batches := sender.sent(t)
	require.Len(t, batches, 1, "exactly one send on shutdown")
	require.Len(t, batches[0], 2)
	require.Equal(t, 1, sender.closes)

	require.NoError(t, s.Stop())
	require.Equal(t, 1, sender.closes, "second stop is a no-op")
	require.Len(t, sender.sent(t), 1)
}

func TestStop_WithoutStart(t *testing.T) {
	q := queue.New()
	q.Enqueue(newEvent("only"))
	sender := &mockSender{}
	s := New(q, sender, Config{Logger: quietLogger()})

	require.NoError(t, s.Stop())
	require.Equal(t, 1, sender.totalEvents(t))
	require.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestStop_ReportsDroppedBatch(t *testing.T) {
	q := queue.New()
	q.Enqueue(newEvent("x"))
	sender := &mockSender{sendErr: errors.New("broken pipe")}
	s := New(q, sender, Config{Logger: quietLogger()})

	require.Error(t, s.Stop())
	require.Equal(t, 1, sender.closes)
}

func TestStart_Twice(t *testing.T) {
	s := New(queue.New(), &mockSender{}, Config{FlushEvery: time.Hour, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, s.Stop())
}

func TestPeriodicFlush(t *testing.T) {
	q := queue.New()
	sender := &mockSender{}

	flushed := make(chan Result, 16)
	s := New(q, sender, Config{
		FlushEvery: 20 * time.Millisecond,
		Logger:     quietLogger(),
		OnFlush: func(r Result) {
			if r.Status == Sent {
				flushed <- r
			}
		},
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	q.Enqueue(newEvent("tick"))

	select {
	case r := <-flushed:
		require.Equal(t, 1, r.Sent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for periodic flush")
	}
	require.Equal(t, 0, q.Len())
}

func TestConcurrentEnqueue_AllDelivered(t *testing.T) {
	const producers = 8
	const perProducer = 250

	q := queue.New()
	sender := &mockSender{}
	s := New(q, sender, Config{FlushEvery: 5 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(newEvent(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	require.NoError(t, s.Stop())

	seen := make(map[string]bool)
	for _, b := range sender.sent(t) {
		for _, e := range b {
			require.False(t, seen[e.Type()], "duplicate event %s", e.Type())
			seen[e.Type()] = true
		}
	}
	require.Len(t, seen, producers*perProducer)
}

func TestStatus_String(t *testing.T) {
	require.Equal(t, "sent", Sent.String())
	require.Equal(t, "skipped_unreachable", SkippedUnreachable.String())
	require.Equal(t, "Status(42)", Status(42).String())
	require.False(t, Idle.Dropped())
	require.True(t, DroppedTooLarge.Dropped())
}
