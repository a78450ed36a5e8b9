package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseTimeout = time.Second

var wsDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	logger   *slog.Logger
	streams  chan Stream
	done     chan struct{}
	stopOnce sync.Once
}

// ListenWS serves a WebSocket endpoint on addr. Each upgraded connection is
// one stream; binary messages carry the bytes.
func ListenWS(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ws %s: %w", addr, err)
	}
	l := &wsListener{
		ln:      ln,
		logger:  opts.logger(),
		streams: make(chan Stream),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(opts.wsPath(), l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", "error", err)
		}
	}()
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s := newWSStream(conn)
	select {
	case l.streams <- s:
	case <-l.done:
		s.Close()
	case <-r.Context().Done():
		s.Close()
	}
}

func (l *wsListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// DialWS connects to a WebSocket endpoint. addr is host:port or a full
// ws:// URL.
func DialWS(ctx context.Context, addr string, opts Options) (Stream, error) {
	target := addr
	if u, err := url.Parse(addr); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		target = (&url.URL{Scheme: "ws", Host: addr, Path: opts.wsPath()}).String()
	}
	conn, resp, err := wsDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("dial ws %s: %w", target, err)
	}
	return newWSStream(conn), nil
}

// wsStream adapts a message-oriented WebSocket to a byte stream. Message
// boundaries carry no meaning.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu     sync.Mutex
	writeClosed bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn, closed: make(chan struct{})}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				return 0, s.mapErr(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeClosed {
		return 0, net.ErrClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, s.mapErr(err)
	}
	return len(p), nil
}

// CloseWrite sends a normal close frame. The peer reads EOF; this side keeps
// reading until the peer's close frame arrives.
func (s *wsStream) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *wsStream) mapErr(err error) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
