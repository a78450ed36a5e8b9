package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the ALPN identifier negotiated on QUIC connections.
const ALPNProtocol = "chunkflow-quic-v1"

const quicAcceptBacklog = 16

// ServerTLSConfig returns a TLS configuration with a fresh self-signed
// certificate. The protocol itself is not encrypted end to end; QUIC
// simply requires TLS.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig accepts any server certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"chunkflow"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

func listenUDP(addr string, opts Options) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	res := ApplyUDPBuffers(conn, opts.UDPBuffer, opts.UDPBuffer)
	if res.Status != StatusOK {
		opts.logger().Debug("udp buffer tuning", "status", res.Status, "error", res.Err)
	}
	return conn, nil
}

type quicListener struct {
	udp      *net.UDPConn
	ln       *quic.Listener
	logger   *slog.Logger
	streams  chan Stream
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// ListenQUIC accepts QUIC connections on addr. Each connection carries one
// bidirectional stream, opened by the dialer.
func ListenQUIC(addr string, opts Options) (Listener, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	udp, err := listenUDP(addr, opts)
	if err != nil {
		return nil, err
	}
	qconf := BuildQuicConfig(defaultQUICConfig(), opts.QUICConnWindow, opts.QUICStreamWindow)
	ln, err := quic.Listen(udp, tlsConf, qconf)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		udp:     udp,
		ln:      ln,
		logger:  opts.logger(),
		streams: make(chan Stream, quicAcceptBacklog),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.acceptLoop()
	l.logger.Info("QUIC listener created", "local_addr", udp.LocalAddr())
	return l, nil
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the dialer's stream. The stream becomes visible
// once the dialer writes to it.
func (l *quicListener) acceptStream(conn *quic.Conn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		l.logger.Debug("QUIC stream accept failed", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(0, "")
		return
	}
	s := &quicStream{stream: stream, conn: conn}
	select {
	case l.streams <- s:
	case <-l.done:
		s.Close()
	}
}

func (l *quicListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Addr() net.Addr { return l.udp.LocalAddr() }

func (l *quicListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		l.cancel()
		err = l.ln.Close()
		if uerr := l.udp.Close(); err == nil {
			err = uerr
		}
	})
	return err
}

// DialQUIC opens a QUIC connection to addr and a stream on it.
func DialQUIC(ctx context.Context, addr string, opts Options) (Stream, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s: %w", addr, err)
	}
	udp, err := listenUDP(":0", opts)
	if err != nil {
		return nil, err
	}
	qconf := BuildQuicConfig(defaultQUICConfig(), opts.QUICConnWindow, opts.QUICStreamWindow)
	conn, err := quic.Dial(ctx, udp, remote, ClientTLSConfig(), qconf)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		udp.Close()
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	opts.logger().Debug("QUIC connection established", "remote_addr", remote)
	return &quicStream{stream: stream, conn: conn, udp: udp}, nil
}

// quicStream is the single stream of a QUIC connection. Closing it closes
// the connection, and the UDP socket when the stream was dialed.
type quicStream struct {
	stream *quic.Stream
	conn   *quic.Conn
	udp    *net.UDPConn

	mu          sync.Mutex
	closed      bool
	writeClosed bool
}

func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if s.isClosed() {
		return n, net.ErrClosed
	}
	// A peer closing the connection without an error code is a clean end.
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return n, io.EOF
	}
	return n, err
}

func (s *quicStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	if err != nil && s.isClosed() {
		return n, net.ErrClosed
	}
	return n, err
}

func (s *quicStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// StreamID returns the QUIC stream ID.
func (s *quicStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

// CloseWrite sends FIN on the send direction; the peer reads EOF after all
// written data.
func (s *quicStream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed || s.closed {
		return nil
	}
	s.writeClosed = true
	return s.stream.Close()
}

func (s *quicStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writeClosed := s.writeClosed
	s.mu.Unlock()

	s.stream.CancelRead(0)
	if !writeClosed {
		s.stream.Close()
	}
	err := s.conn.CloseWithError(0, "")
	if s.udp != nil {
		s.udp.Close()
	}
	return err
}
