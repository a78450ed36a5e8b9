package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/chunkflow/internal/bufpool"
	"github.com/sheerbytes/chunkflow/internal/chunk"
	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/metrics"
	"github.com/sheerbytes/chunkflow/pkg/protocol"
)

// ErrStreamClosed is returned when the stream ends while the sender still
// expects acknowledgements.
var ErrStreamClosed = errors.New("delivery: stream closed")

// ackQueueSize bounds ACKs buffered between the reader and the sender. An
// ACK that does not fit is dropped, which the retry loop treats as loss.
const ackQueueSize = 256

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logging.OrDefault(l) }
}

// WithProgress registers a callback invoked after each chunk is handled.
func WithProgress(fn func(Progress)) SenderOption {
	return func(s *Sender) { s.onProgress = fn }
}

// Sender writes transfers to one framed channel. Calls on a Sender must not
// overlap; the ACK reader is shared by every call.
type Sender struct {
	ch         *framing.Channel
	cfg        Config
	logger     *slog.Logger
	onProgress func(Progress)

	readerOnce sync.Once
	acks       chan int
	readDone   chan struct{}
	readErr    error
}

// NewSender creates a sender on ch. cfg is normalized.
func NewSender(ch *framing.Channel, cfg Config, opts ...SenderOption) *Sender {
	s := &Sender{
		ch:       ch,
		cfg:      cfg.Normalize(),
		logger:   slog.Default(),
		acks:     make(chan int, ackQueueSize),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the normalized configuration.
func (s *Sender) Config() Config { return s.cfg }

// startReader launches the goroutine that consumes every inbound frame. It
// runs until the stream ends, so the peer is never blocked writing ACKs.
func (s *Sender) startReader() {
	s.readerOnce.Do(func() {
		go s.readAcks()
	})
}

func (s *Sender) readAcks() {
	defer close(s.readDone)
	for {
		data, err := s.ch.Receive()
		if err != nil {
			s.readErr = err
			return
		}
		var ack protocol.Ack
		if err := protocol.Decode(data, protocol.TypeAck, &ack); err != nil {
			s.logger.Debug("ignoring inbound frame", "error", err)
			continue
		}
		select {
		case s.acks <- ack.ChunkID:
		default:
			s.logger.Debug("ack queue full, dropping", "chunk_id", ack.ChunkID)
		}
	}
}

// Wait blocks until the peer ends the stream or ctx is done. Call it after
// half-closing the write side so every ACK is consumed before the stream is
// closed.
func (s *Sender) Wait(ctx context.Context) error {
	s.startReader()
	select {
	case <-s.readDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendControl sends a free-form control message.
func (s *Sender) SendControl(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sendJSON(protocol.NewControl(msg))
}

// SendFile sends data as a non-fragmented transfer: a file announcement
// followed by one raw frame.
func (s *Sender) SendFile(ctx context.Context, name string, data []byte) (Report, error) {
	start := time.Now()
	report := Report{Name: name, Mode: s.cfg.Mode}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if err := s.sendJSON(protocol.NewFileMeta(name, int64(len(data)))); err != nil {
		return report, err
	}
	if err := s.ch.Send(data); err != nil {
		return report, fmt.Errorf("send file body: %w", err)
	}
	report.Bytes = int64(len(data))
	report.Elapsed = time.Since(start)
	s.logger.Info("file sent", "name", name, "bytes", len(data), "elapsed", report.Elapsed)
	return report, nil
}

type packed struct {
	id     int
	size   int
	packet []byte
}

// SendImage sends size bytes from src as a fragmented transfer: a control
// line, an img_meta announcement, then every chunk in ascending id order.
// Chunks abandoned after exhausting retries are listed in Report.Failed; the
// call still returns a nil error. Errors are reserved for the stream, the
// source and ctx.
func (s *Sender) SendImage(ctx context.Context, name string, src io.ReaderAt, size int64, info ImageInfo) (Report, error) {
	start := time.Now()
	cfg := s.cfg
	report := Report{Name: name, Mode: cfg.Mode}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	total, err := chunk.Count(size, cfg.ChunkSize)
	if err != nil {
		return report, err
	}
	report.TotalChunks = total

	s.startReader()
	s.drainAcks()

	if err := s.sendJSON(protocol.NewControl(fmt.Sprintf("sending %s: %d bytes in %d chunks (%s)", name, size, total, cfg.Mode))); err != nil {
		return report, err
	}
	meta := protocol.NewImageMeta(name, size, total)
	meta.Format = info.Format
	meta.ChunkSize = cfg.ChunkSize
	meta.Width = info.Width
	meta.Height = info.Height
	if err := s.sendJSON(meta); err != nil {
		return report, err
	}

	s.logger.Info("image transfer started",
		"name", name, "bytes", size, "chunks", total, "mode", cfg.Mode, "compress", cfg.Compress)

	packets := make(chan packed, readAhead)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(packets)
		return s.produce(gctx, src, size, total, info, packets)
	})
	g.Go(func() error {
		for p := range packets {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.transmit(gctx, p, &report); err != nil {
				return err
			}
			report.Bytes += int64(p.size)
			if s.onProgress != nil {
				s.onProgress(Progress{
					Name:       name,
					Done:       p.id + 1,
					Total:      total,
					BytesDone:  report.Bytes,
					BytesTotal: size,
				})
			}
		}
		return nil
	})
	err = g.Wait()
	if cfg.Mode == ModeBestEffort {
		report.ChunksAcked += s.drainAcks()
	}
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}

	s.logger.Info("image transfer finished",
		"name", name,
		"sent", report.ChunksSent,
		"acked", report.ChunksAcked,
		"retries", report.Retries,
		"failed", len(report.Failed),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// produce reads and packs chunks ahead of the wire through pooled buffers.
func (s *Sender) produce(ctx context.Context, src io.ReaderAt, size int64, total int, info ImageInfo, out chan<- packed) error {
	pool := bufpool.For(s.cfg.ChunkSize)
	for id := 0; id < total; id++ {
		off := int64(id) * int64(s.cfg.ChunkSize)
		want := int64(s.cfg.ChunkSize)
		if rest := size - off; rest < want {
			want = rest
		}

		buf := pool.Get()
		n, err := src.ReadAt(buf[:want], off)
		if int64(n) < want {
			pool.Put(buf)
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read chunk %d: %w", id, err)
		}

		opts := chunk.PackOptions{
			TotalLen:    uint32(size),
			Offset:      uint32(off),
			ChunkID:     uint16(id),
			TotalChunks: uint16(total),
			Compress:    s.cfg.Compress,
		}
		if id == 0 {
			opts.Metadata = info.metadata(size, s.cfg.Compress)
		}
		packet, err := chunk.Pack(buf[:n], opts)
		pool.Put(buf)
		if err != nil {
			return fmt.Errorf("pack chunk %d: %w", id, err)
		}

		select {
		case out <- packed{id: id, size: n, packet: packet}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sender) transmit(ctx context.Context, p packed, report *Report) error {
	mode := s.cfg.Mode.String()
	if s.cfg.Mode == ModeBestEffort {
		if err := s.ch.Send(p.packet); err != nil {
			return fmt.Errorf("send chunk %d: %w", p.id, err)
		}
		report.ChunksSent++
		metrics.RecordChunkSent(mode)
		report.ChunksAcked += s.drainAcks()
		return nil
	}

	for attempt := 0; attempt < s.cfg.Attempts(); attempt++ {
		if attempt > 0 {
			report.Retries++
			metrics.RecordRetry(mode)
			s.logger.Debug("retransmitting chunk", "chunk_id", p.id, "attempt", attempt+1)
		}
		if err := s.ch.Send(p.packet); err != nil {
			return fmt.Errorf("send chunk %d: %w", p.id, err)
		}
		report.ChunksSent++
		metrics.RecordChunkSent(mode)

		acked, err := s.awaitAck(ctx, p.id)
		if err != nil {
			return err
		}
		if acked {
			report.ChunksAcked++
			return nil
		}
	}

	report.Failed = append(report.Failed, p.id)
	metrics.RecordChunkFailed(mode)
	s.logger.Warn("chunk abandoned", "chunk_id", p.id, "attempts", s.cfg.Attempts())
	return nil
}

// awaitAck waits up to AckTimeout for an ACK of id. Other ACKs are discarded
// and do not extend the wait.
func (s *Sender) awaitAck(ctx context.Context, id int) (bool, error) {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case got := <-s.acks:
			if got == id {
				return true, nil
			}
			s.logger.Debug("ignoring unexpected ack", "chunk_id", got, "want", id)
		case <-timer.C:
			return false, nil
		case <-s.readDone:
			for {
				select {
				case got := <-s.acks:
					if got == id {
						return true, nil
					}
				default:
					return false, fmt.Errorf("%w: %v", ErrStreamClosed, s.readErr)
				}
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// drainAcks discards queued ACKs and returns how many there were.
func (s *Sender) drainAcks() int {
	n := 0
	for {
		select {
		case <-s.acks:
			n++
		default:
			return n
		}
	}
}

func (s *Sender) sendJSON(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.ch.Send(data); err != nil {
		return fmt.Errorf("send control frame: %w", err)
	}
	return nil
}
