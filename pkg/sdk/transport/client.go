package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nicktill/tinypal/pkg/tesp"
)

// Defaults for the local collector connection.
const (
	DefaultAddr         = "127.0.0.1:31415"
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ErrNotConnected wraps every failure to reach the collector.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Sender delivers TESP messages to the collector.
type Sender interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg tesp.Message) error
	Connected() bool
	Close() error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Codec        tesp.Codec
	Logger       *slog.Logger
}

// Client owns one TCP connection to the collector. It reconnects only when
// asked to and never retries on its own. A Client is not safe for
// concurrent use; the flush scheduler is its only caller.
type Client struct {
	config ClientConfig
	logger *slog.Logger
	dialer net.Dialer

	conn  net.Conn
	w     *bufio.Writer
	state State
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: cfg,
		logger: logger.With("component", "tesp-client", "addr", cfg.Addr),
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Addr returns the collector address.
func (c *Client) Addr() string {
	return c.config.Addr
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	return c.state == Connected
}

// Connect dials the collector. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.state == Connected {
		return nil
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to collector at %s: %w", ErrNotConnected, c.config.Addr, err)
	}

	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.state = Connected
	c.logger.Debug("connected to collector")
	return nil
}

// Send encodes msg and writes the whole frame. A disconnected client dials
// first and reports the dial failure. Payloads the codec rejects leave the
// connection untouched; any write failure drops it.
func (c *Client) Send(ctx context.Context, msg tesp.Message) error {
	frame, err := c.config.Codec.Encode(msg)
	if err != nil {
		return err
	}

	if c.state != Connected {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.drop()
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := c.w.Write(frame); err != nil {
		c.drop()
		return fmt.Errorf("failed to write %s frame: %w", msg.Code, err)
	}
	if err := c.w.Flush(); err != nil {
		c.drop()
		return fmt.Errorf("failed to flush %s frame: %w", msg.Code, err)
	}
	return nil
}

// Close flushes what it can and releases the socket. It is safe to call more
// than once.
func (c *Client) Close() error {
	if c.conn == nil {
		c.state = Disconnected
		return nil
	}

	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			c.logger.Warn("flush on close failed", "err", err)
		}
	}
	err := c.conn.Close()
	c.conn = nil
	c.w = nil
	c.state = Disconnected
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// drop closes a broken connection without flushing.
func (c *Client) drop() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close after write failure", "err", err)
		}
	}
	c.conn = nil
	c.w = nil
	c.state = Disconnected
}
