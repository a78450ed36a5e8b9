package transport

import (
	"io"
	"net"
	"sync"
)

// Pipe returns two connected in-memory streams. Writes block until the peer
// reads. Both ends support CloseWrite.
func Pipe() (Stream, Stream) {
	aToB, aWriter := io.Pipe()
	bToA, bWriter := io.Pipe()
	a := &pipeStream{reader: bToA, writer: aWriter}
	b := &pipeStream{reader: aToB, writer: bWriter}
	return a, b
}

type pipeStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

func (s *pipeStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *pipeStream) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

// CloseWrite signals EOF to the peer's reads.
func (s *pipeStream) CloseWrite() error {
	return s.writer.Close()
}

func (s *pipeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Close()
	s.reader.CloseWithError(net.ErrClosed)
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (s *pipeStream) RemoteAddr() net.Addr { return pipeAddr{} }

// PipeListener hands out the server ends of Pipe pairs created by Dial.
type PipeListener struct {
	streams   chan Stream
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeListener returns an in-memory listener.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		streams: make(chan Stream),
		done:    make(chan struct{}),
	}
}

// Dial creates a pipe pair, queues the server end for Accept and returns
// the client end.
func (l *PipeListener) Dial() (Stream, error) {
	client, server := Pipe()
	select {
	case l.streams <- server:
		return client, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *PipeListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr{} }

func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
