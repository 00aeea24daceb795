package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinypal/pkg/tesp"
	"github.com/stretchr/testify/require"
)

// fakeCollector accepts TESP connections on loopback and records every frame.
type fakeCollector struct {
	ln net.Listener

	mu       sync.Mutex
	messages []tesp.Message
	accepted int

	closeOnAccept bool
	wg            sync.WaitGroup
}

func startCollector(t *testing.T, closeOnAccept bool) *fakeCollector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fc := &fakeCollector{ln: ln, closeOnAccept: closeOnAccept}
	fc.wg.Add(1)
	go fc.acceptLoop()
	t.Cleanup(fc.close)
	return fc
}

func (fc *fakeCollector) acceptLoop() {
	defer fc.wg.Done()
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.accepted++
		fc.mu.Unlock()

		if fc.closeOnAccept {
			conn.Close()
			continue
		}

		fc.wg.Add(1)
		go func() {
			defer fc.wg.Done()
			defer conn.Close()
			for {
				msg, err := tesp.ReadMessage(conn)
				if err != nil {
					return
				}
				fc.mu.Lock()
				fc.messages = append(fc.messages, msg)
				fc.mu.Unlock()
			}
		}()
	}
}

func (fc *fakeCollector) addr() string {
	return fc.ln.Addr().String()
}

func (fc *fakeCollector) close() {
	fc.ln.Close()
}

func (fc *fakeCollector) waitForMessages(t *testing.T, n int) []tesp.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		got := len(fc.messages)
		fc.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.messages, n)
	out := make([]tesp.Message, len(fc.messages))
	copy(out, fc.messages)
	return out
}

func (fc *fakeCollector) acceptCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.accepted
}

// unusedAddr returns a loopback address nothing is listening on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{})

	require.Equal(t, DefaultAddr, c.Addr())
	require.Equal(t, DefaultDialTimeout, c.config.DialTimeout)
	require.Equal(t, DefaultWriteTimeout, c.config.WriteTimeout)
	require.Equal(t, Disconnected, c.State())
}

func TestClient_ConnectSendClose(t *testing.T) {
	fc := startCollector(t, false)
	c := NewClient(ClientConfig{Addr: fc.addr(), Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.Equal(t, Connected, c.State())
	require.NoError(t, c.Connect(ctx), "connect while connected is a no-op")

	payload := []byte(`[{"experimentGroupName":"DevLog"}]`)
	require.NoError(t, c.Send(ctx, tesp.NewAddEvent(payload)))
	require.NoError(t, c.Send(ctx, tesp.NewPing()))

	msgs := fc.waitForMessages(t, 2)
	require.Equal(t, tesp.CodeAddEvent, msgs[0].Code)
	require.Equal(t, payload, msgs[0].Payload)
	require.Equal(t, tesp.CodePing, msgs[1].Code)

	require.NoError(t, c.Close())
	require.Equal(t, Disconnected, c.State())
	require.NoError(t, c.Close(), "second close must not error")
	require.Equal(t, 1, fc.acceptCount())
}

func TestClient_ConnectFailure(t *testing.T) {
	c := NewClient(ClientConfig{Addr: unusedAddr(t), DialTimeout: 500 * time.Millisecond, Logger: quietLogger()})
	ctx := context.Background()

	err := c.Connect(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotConnected))
	require.Equal(t, Disconnected, c.State())

	// Send never silently succeeds when the collector is unreachable
	err = c.Send(ctx, tesp.NewAddEvent([]byte("[]")))
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, c.Connected())

	require.NoError(t, c.Close())
}

func TestClient_SendAutoConnects(t *testing.T) {
	fc := startCollector(t, false)
	c := NewClient(ClientConfig{Addr: fc.addr(), Logger: quietLogger()})
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), tesp.NewPing()))
	require.True(t, c.Connected())
	fc.waitForMessages(t, 1)
}

func TestClient_WriteFailureDisconnects(t *testing.T) {
	fc := startCollector(t, true)
	c := NewClient(ClientConfig{Addr: fc.addr(), WriteTimeout: time.Second, Logger: quietLogger()})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	payload := bytes.Repeat([]byte{'x'}, 64*1024)
	var sendErr error
	for i := 0; i < 200 && sendErr == nil; i++ {
		sendErr = c.Send(ctx, tesp.NewAddEvent(payload))
		time.Sleep(5 * time.Millisecond)
	}

	require.Error(t, sendErr, "writes to a closed peer must eventually fail")
	require.Equal(t, Disconnected, c.State())
}

func TestClient_ReconnectAfterClose(t *testing.T) {
	fc := startCollector(t, false)
	c := NewClient(ClientConfig{Addr: fc.addr(), Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, tesp.NewPing()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Send(ctx, tesp.NewPing()))
	defer c.Close()

	fc.waitForMessages(t, 2)
	require.Equal(t, 2, fc.acceptCount())
}

func TestClient_PayloadTooLargeKeepsConnection(t *testing.T) {
	fc := startCollector(t, false)
	c := NewClient(ClientConfig{Addr: fc.addr(), Codec: tesp.Codec{MaxPayloadSize: 4}, Logger: quietLogger()})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	err := c.Send(ctx, tesp.NewAddEvent([]byte("12345")))
	require.ErrorIs(t, err, tesp.ErrPayloadTooLarge)
	require.True(t, c.Connected())

	require.NoError(t, c.Send(ctx, tesp.NewAddEvent([]byte("1234"))))
	msgs := fc.waitForMessages(t, 1)
	require.Equal(t, []byte("1234"), msgs[0].Payload)
}

var _ io.Closer = (*Client)(nil)
var _ Sender = (*Client)(nil)
