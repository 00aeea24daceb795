package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/tesp"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ingest: server closed")

const defaultResponseTimeout = 5 * time.Second

// ServerConfig configures the TESP server.
type ServerConfig struct {
	// IdleTimeout closes connections that send nothing for this long.
	// Zero keeps connections open until the client or Shutdown closes them.
	IdleTimeout time.Duration

	// ResponseTimeout bounds each response write.
	ResponseTimeout time.Duration

	Codec  tesp.Codec
	Logger *slog.Logger
}

// Server accepts TESP connections and hands received batches to a Handler.
//
// AddEvent is only answered when the server is paused (Paused) or the
// payload is not an event array (Error); forwarders only write. Ping is
// answered with Success. Pause and Resume toggle whether
// batches are accepted. Any other request gets InvalidRequest. A frame that
// cannot be decoded closes the connection.
type Server struct {
	handler *Handler
	config  ServerConfig
	logger  *slog.Logger

	paused atomic.Bool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewServer creates a TESP server writing to handler.
func NewServer(handler *Handler, cfg ServerConfig) *Server {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:   handler,
		config:    cfg,
		logger:    logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done or Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called,
// then returns ErrServerClosed. The listener is always closed on return.
// Open connections outlive ctx; Shutdown ends them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		ln.Close()
	}()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed, retrying", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		go s.serveConn(context.WithoutCancel(ctx), conn)
	}
}

// Shutdown stops accepting connections and waits for open ones to finish.
// When ctx expires first, remaining connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// Forwarders keep their connection open indefinitely, so closing the
	// read side is what ends them.
	s.mu.Lock()
	for conn := range s.conns {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseRead()
		} else {
			conn.SetReadDeadline(time.Now())
		}
	}
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Paused reports whether AddEvent batches are being refused.
func (s *Server) Paused() bool {
	return s.paused.Load()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Debug("forwarder connected")

	r := bufio.NewReader(conn)
	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		msg, err := s.config.Codec.Read(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug("forwarder disconnected")
			case isTimeout(err):
				logger.Debug("closing idle connection")
			default:
				logger.Warn("protocol error, closing connection", "error", err)
			}
			return
		}

		reply, ok := s.dispatch(ctx, logger, msg)
		if !ok {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(s.config.ResponseTimeout))
		if err := s.config.Codec.Write(conn, reply); err != nil {
			logger.Warn("failed to write response", "code", reply.Code.String(), "error", err)
			return
		}
	}
}

// dispatch handles one request. ok is false when no response is sent.
func (s *Server) dispatch(ctx context.Context, logger *slog.Logger, msg tesp.Message) (reply tesp.Message, ok bool) {
	switch msg.Code {
	case tesp.CodeAddEvent:
		if s.paused.Load() {
			return tesp.NewPaused(), true
		}
		return s.addEvents(ctx, logger, msg.Payload)

	case tesp.CodePing:
		return tesp.NewSuccess(), true

	case tesp.CodePause:
		s.paused.Store(true)
		logger.Info("collector paused")
		return tesp.NewSuccess(), true

	case tesp.CodeResume:
		s.paused.Store(false)
		logger.Info("collector resumed")
		return tesp.NewSuccess(), true

	default:
		return tesp.NewInvalidRequest(fmt.Sprintf("unsupported request %s", msg.Code)), true
	}
}

func (s *Server) addEvents(ctx context.Context, logger *slog.Logger, payload []byte) (tesp.Message, bool) {
	events, err := event.UnmarshalBatch(payload)
	if err != nil {
		s.handler.undecodable.Add(1)
		logger.Warn("discarding undecodable batch", "bytes", len(payload), "error", err)
		return tesp.NewError(tesp.ErrorPayload{
			Code:    tesp.ErrorClientPayloadDecoding,
			Message: "AddEvent payload is not a JSON event array",
			Details: err.Error(),
		}), true
	}

	if err := s.handler.Ingest(ctx, events); err != nil {
		logger.Warn("discarding batch", "events", len(events), "error", err)
		return tesp.Message{}, false
	}
	logger.Debug("stored batch", "events", len(events))
	return tesp.Message{}, false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
