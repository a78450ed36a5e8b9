// Package transport provides the connection-oriented byte streams the
// transfer protocol runs over: TCP, QUIC, WebSocket and an in-memory pipe.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
)

// Network names accepted by Listen and Dial.
const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"
	NetworkWS   = "ws"
)

// ErrNoHalfClose is returned by CloseWrite for streams without a write-only close.
var ErrNoHalfClose = errors.New("transport: stream cannot half-close")

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// Stream is a bidirectional byte stream. Reads and writes may run on
// different goroutines.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes both directions. Pending reads and writes fail.
	Close() error
}

// Listener accepts inbound streams. Close unblocks a pending Accept.
type Listener interface {
	Accept() (Stream, error)
	Addr() net.Addr
	Close() error
}

// Options tune the transports. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	// WSPath is the HTTP path the WebSocket endpoint is served on.
	WSPath string
	// UDPBuffer is the socket buffer size requested for QUIC.
	UDPBuffer int
	// QUICConnWindow and QUICStreamWindow bound the flow control windows.
	QUICConnWindow   int
	QUICStreamWindow int
}

const defaultWSPath = "/stream"

func (o Options) wsPath() string {
	if o.WSPath == "" {
		return defaultWSPath
	}
	if !strings.HasPrefix(o.WSPath, "/") {
		return "/" + o.WSPath
	}
	return o.WSPath
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Listen starts a listener for network on addr.
func Listen(network, addr string, opts Options) (Listener, error) {
	switch network {
	case NetworkTCP:
		return ListenTCP(addr)
	case NetworkQUIC:
		return ListenQUIC(addr, opts)
	case NetworkWS:
		return ListenWS(addr, opts)
	default:
		return nil, fmt.Errorf("transport: unknown network %q", network)
	}
}

// Dial connects to addr over network.
func Dial(ctx context.Context, network, addr string, opts Options) (Stream, error) {
	switch network {
	case NetworkTCP:
		return DialTCP(ctx, addr)
	case NetworkQUIC:
		return DialQUIC(ctx, addr, opts)
	case NetworkWS:
		return DialWS(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("transport: unknown network %q", network)
	}
}

// CloseWrite ends the write direction of s so the peer reads EOF while s
// stays readable.
func CloseWrite(s Stream) error {
	hc, ok := s.(interface{ CloseWrite() error })
	if !ok {
		return ErrNoHalfClose
	}
	return hc.CloseWrite()
}

// RemoteAddr returns the peer address of s, or nil if the stream has none.
func RemoteAddr(s Stream) net.Addr {
	if ra, ok := s.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr()
	}
	return nil
}
