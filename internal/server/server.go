// Package server accepts streams from a transport listener and hands each
// one to a receiver.Handler, keeping a short history of finished transfers
// for the status API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/metrics"
	"github.com/sheerbytes/chunkflow/internal/receiver"
	"github.com/sheerbytes/chunkflow/internal/transport"
)

const DefaultHistorySize = 100

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDefault(l) }
}

// WithHistorySize sets how many finished transfers the status API keeps.
func WithHistorySize(n int) Option {
	return func(s *Server) { s.history = NewHistory(n) }
}

// Server serves every stream accepted from one listener.
type Server struct {
	listener transport.Listener
	handler  *receiver.Handler
	logger   *slog.Logger
	history  *History
	started  time.Time

	mu     sync.Mutex
	closed bool
}

// New wraps listener. handler is copied; its OnResult is chained so the
// server history sees every transfer.
func New(listener transport.Listener, handler *receiver.Handler, opts ...Option) *Server {
	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		history:  NewHistory(DefaultHistorySize),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.Register()

	h := *handler
	if h.Logger == nil {
		h.Logger = s.logger
	}
	next := handler.OnResult
	h.OnResult = func(r receiver.Result) {
		s.history.Add(r)
		if next != nil {
			next(r)
		}
	}
	s.handler = &h
	return s
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// History returns the finished-transfer history.
func (s *Server) History() *History {
	return s.history
}

// Uptime reports how long ago the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// Serve accepts streams until ctx is canceled or the listener fails. Each
// stream runs on its own goroutine; Serve waits for all of them before
// returning. Cancellation returns ctx.Err().
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	var g errgroup.Group
	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	var acceptErr error
	for {
		stream, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, transport.ErrListenerClosed) {
				acceptErr = ctx.Err()
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			acceptErr = err
			break
		}

		s.logger.Debug("accepted stream", "remote_addr", transport.RemoteAddr(stream))
		g.Go(func() error {
			metrics.ConnOpened()
			defer metrics.ConnClosed()
			if _, err := s.handler.Serve(ctx, stream); err != nil && ctx.Err() == nil {
				s.logger.Warn("stream ended with error", "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return acceptErr
}

// Close stops accepting streams. Streams already being served run until
// their context ends or the peer finishes.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
