// Package framing implements the length-prefixed frame channel every other
// layer talks through: a 4-byte big-endian length followed by exactly that
// many bytes. Frames are never split or merged.
package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	// HeaderLen is the size of the length prefix.
	HeaderLen = 4
	// DefaultMaxFrameSize bounds a single frame (256 MiB). A whole-file body
	// travels as one frame, so this is also the largest non-fragmented file.
	DefaultMaxFrameSize = 256 * 1024 * 1024

	defaultBufferSize = 64 * 1024
)

var (
	// ErrConnectionClosed means the stream ended cleanly on a frame boundary.
	ErrConnectionClosed = errors.New("framing: connection closed")
	// ErrShortRead means the stream ended inside a frame.
	ErrShortRead = errors.New("framing: short read")
	// ErrFrameTooLarge means a frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("framing: frame too large")
)

// Channel sends and receives whole frames. The read and write halves are
// supplied separately; Send is safe for concurrent use, Receive is not.
type Channel struct {
	r        *bufio.Reader
	w        *bufio.Writer
	wmu      sync.Mutex
	maxFrame int
}

// Option configures a Channel.
type Option func(*Channel)

// WithMaxFrameSize caps the size of frames in both directions.
func WithMaxFrameSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// NewChannel builds a channel reading frames from r and writing them to w.
func NewChannel(r io.Reader, w io.Writer, opts ...Option) *Channel {
	c := &Channel{
		r:        bufio.NewReaderSize(r, defaultBufferSize),
		w:        bufio.NewWriterSize(w, defaultBufferSize),
		maxFrame: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFrameSize reports the frame size limit.
func (c *Channel) MaxFrameSize() int {
	return c.maxFrame
}

// Send writes one frame and flushes it.
func (c *Channel) Send(data []byte) error {
	if len(data) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), c.maxFrame)
	}
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Receive blocks for the next whole frame.
func (c *Channel) Receive() ([]byte, error) {
	var hdr [HeaderLen]byte
	n, err := io.ReadFull(c.r, hdr[:])
	if err != nil {
		if n == 0 && (errors.Is(err, io.EOF) || isClosed(err)) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d length bytes", ErrShortRead, n, HeaderLen)
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(c.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, c.maxFrame)
	}

	data := make([]byte, size)
	if n, err := io.ReadFull(c.r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isClosed(err) {
			return nil, fmt.Errorf("%w: got %d of %d body bytes", ErrShortRead, n, size)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

// Result is one frame, or the terminal error, delivered by Pump.
type Result struct {
	Data []byte
	Err  error
}

// Pump reads frames on a background goroutine so callers can select on
// input alongside timers. The last Result carries the read error and the
// channel is closed after it. If ctx is canceled the pump stops delivering;
// the owner must close the underlying stream to unblock a pending read.
func (c *Channel) Pump(ctx context.Context) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			data, err := c.Receive()
			select {
			case out <- Result{Data: data, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// IsClosed reports whether err means the peer or the local side ended the stream.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrShortRead) || isClosed(err)
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
