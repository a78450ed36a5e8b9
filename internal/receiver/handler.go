// Package receiver serves one byte stream: it reads framed control messages,
// whole-file bodies and chunk packets, acknowledges chunks, and persists
// complete or partial payloads.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/chunkflow/internal/chunk"
	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/internal/metrics"
	"github.com/sheerbytes/chunkflow/internal/reassembly"
	"github.com/sheerbytes/chunkflow/internal/transport"
	"github.com/sheerbytes/chunkflow/pkg/protocol"
)

const (
	DefaultChunkTimeout = 200 * time.Millisecond
	DefaultMinTimeout   = 10 * time.Second
	// DefaultMaxTransferSize bounds an announced image so a partial
	// reassembly never allocates more than this.
	DefaultMaxTransferSize = 256 << 20
)

// ErrMissingBody is returned when the stream ends between a file
// announcement and its body.
var ErrMissingBody = errors.New("receiver: stream ended before file body")

// Handler serves streams. The zero value is usable apart from Sink, which
// is required.
type Handler struct {
	Sink Sink
	// Loss, when set, discards incoming chunks before decoding.
	Loss *delivery.LossSimulator
	// ChunkTimeout is the per-chunk share of the transfer timeout.
	ChunkTimeout time.Duration
	// MinTimeout is the floor of the transfer timeout.
	MinTimeout   time.Duration
	MaxFrameSize int
	// MaxTransferSize caps the announced size of an image transfer.
	MaxTransferSize int64
	Logger          *slog.Logger
	// OnResult, when set, is called on the Serve goroutine as each
	// transfer finishes.
	OnResult func(Result)
}

// TransferTimeout returns how long a transfer of totalChunks chunks may take.
func (h *Handler) TransferTimeout(totalChunks int) time.Duration {
	per := h.ChunkTimeout
	if per <= 0 {
		per = DefaultChunkTimeout
	}
	floor := h.MinTimeout
	if floor <= 0 {
		floor = DefaultMinTimeout
	}
	if t := time.Duration(totalChunks) * per; t > floor {
		return t
	}
	return floor
}

func (h *Handler) maxTransferSize() int64 {
	if h.MaxTransferSize > 0 {
		return h.MaxTransferSize
	}
	return DefaultMaxTransferSize
}

// Serve handles stream until the peer ends it, a framing error occurs or ctx
// is canceled. It returns every transfer seen on the stream. A clean end of
// stream returns a nil error. The stream is always closed on return.
func (h *Handler) Serve(ctx context.Context, stream transport.Stream) ([]Result, error) {
	if h.Sink == nil {
		stream.Close()
		return nil, errors.New("receiver: no sink configured")
	}
	logger := logging.OrDefault(h.Logger)
	if addr := transport.RemoteAddr(stream); addr != nil {
		logger = logger.With("remote_addr", addr.String())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var closeOnce sync.Once
	closeStream := func() { closeOnce.Do(func() { stream.Close() }) }
	defer closeStream()
	go func() {
		<-ctx.Done()
		closeStream()
	}()

	var opts []framing.Option
	if h.MaxFrameSize > 0 {
		opts = append(opts, framing.WithMaxFrameSize(h.MaxFrameSize))
	}
	ch := framing.NewChannel(stream, stream, opts...)
	c := &conn{
		h:      h,
		ctx:    ctx,
		ch:     ch,
		frames: ch.Pump(ctx),
		logger: logger,
	}
	logger.Debug("stream opened")
	results := c.serve()
	if c.err != nil && ctx.Err() == nil {
		logger.Warn("stream failed", "error", c.err)
	} else {
		logger.Debug("stream closed", "transfers", len(results))
	}
	return results, c.err
}

// conn is the per-stream protocol state. It is only touched by the Serve
// goroutine.
type conn struct {
	h      *Handler
	ctx    context.Context
	ch     *framing.Channel
	frames <-chan framing.Result
	logger *slog.Logger

	ended bool
	err   error
}

type frameStatus int

const (
	frameOK frameStatus = iota
	frameTimeout
	frameEnd
)

// next returns the next frame, racing deadline when it is non-nil. Once the
// stream has ended every call reports frameEnd; c.err is nil for a clean end.
func (c *conn) next(deadline <-chan time.Time) ([]byte, frameStatus) {
	if c.ended {
		return nil, frameEnd
	}
	select {
	case res, ok := <-c.frames:
		if !ok {
			c.end(c.ctx.Err())
			return nil, frameEnd
		}
		if res.Err != nil {
			if errors.Is(res.Err, framing.ErrConnectionClosed) || c.ctx.Err() != nil {
				c.end(c.ctx.Err())
			} else {
				c.end(res.Err)
			}
			return nil, frameEnd
		}
		return res.Data, frameOK
	case <-deadline:
		return nil, frameTimeout
	case <-c.ctx.Done():
		c.end(c.ctx.Err())
		return nil, frameEnd
	}
}

func (c *conn) end(err error) {
	c.ended = true
	c.err = err
}

// serve is the idle state: every frame must be a control message.
func (c *conn) serve() []Result {
	var results []Result
	for {
		data, status := c.next(nil)
		if status == frameEnd {
			return results
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			c.logger.Warn("dropping non-control frame while idle", "bytes", len(data), "error", err)
			continue
		}
		switch typ {
		case protocol.TypeControl:
			var msg protocol.Control
			if err := protocol.Decode(data, typ, &msg); err != nil {
				c.logger.Warn("malformed control message", "error", err)
				continue
			}
			c.logger.Info("control", "msg", msg.Msg)
		case protocol.TypeFile:
			var meta protocol.FileMeta
			if err := protocol.Decode(data, typ, &meta); err != nil {
				c.logger.Warn("malformed file announcement", "error", err)
				continue
			}
			if r, ok := c.receiveFile(meta); ok {
				results = append(results, c.publish(r))
			}
		case protocol.TypeImgMeta:
			var meta protocol.ImageMeta
			if err := protocol.Decode(data, typ, &meta); err != nil {
				c.logger.Warn("malformed image announcement", "error", err)
				continue
			}
			if err := c.validateImageMeta(meta); err != nil {
				c.logger.Warn("rejecting image announcement", "name", meta.Name, "error", err)
				continue
			}
			results = append(results, c.publish(c.receiveImage(meta)))
		case protocol.TypeAck:
			c.logger.Debug("ignoring ack on receiving side")
		default:
			c.logger.Warn("unknown control message", "type", typ)
		}
	}
}

func (c *conn) publish(r Result) Result {
	if c.h.OnResult != nil {
		c.h.OnResult(r)
	}
	return r
}

// validateImageMeta rejects announcements the stream could never carry and
// any larger than the transfer limit, before a reassembler is sized from them.
func (c *conn) validateImageMeta(meta protocol.ImageMeta) error {
	if meta.Size < 0 || meta.Size > chunk.MaxTotalLen {
		return fmt.Errorf("size %d out of range", meta.Size)
	}
	if limit := c.h.maxTransferSize(); meta.Size > limit {
		return fmt.Errorf("size %d exceeds transfer limit %d", meta.Size, limit)
	}
	if meta.TotalChunks < 0 || meta.TotalChunks > chunk.MaxChunks {
		return fmt.Errorf("total_chunks %d out of range", meta.TotalChunks)
	}
	if meta.TotalChunks == 0 && meta.Size > 0 {
		return fmt.Errorf("%d bytes announced in zero chunks", meta.Size)
	}
	if capacity := int64(meta.TotalChunks) * int64(c.ch.MaxFrameSize()); meta.Size > capacity {
		return fmt.Errorf("size %d does not fit in %d chunks of at most %d bytes", meta.Size, meta.TotalChunks, c.ch.MaxFrameSize())
	}
	return nil
}

// receiveFile reads the single body frame that follows a file announcement.
func (c *conn) receiveFile(meta protocol.FileMeta) (Result, bool) {
	start := time.Now()
	r := Result{
		TransferID: uuid.NewString(),
		Name:       meta.Name,
		Kind:       KindFile,
		Size:       meta.Size,
	}
	logger := c.logger.With("transfer_id", r.TransferID, "name", meta.Name)
	logger.Info("file transfer started", "bytes", meta.Size)

	body, status := c.next(nil)
	if status != frameOK {
		if c.err == nil {
			c.err = ErrMissingBody
		}
		logger.Warn("file body missing", "error", c.err)
		return Result{}, false
	}
	if int64(len(body)) != meta.Size {
		logger.Warn("file size differs from announcement", "announced", meta.Size, "received", len(body))
	}
	r.Size = int64(len(body))
	r.Complete = true
	r.Elapsed = time.Since(start)
	c.persist(&r, meta.Name, body, logger)
	metrics.RecordTransfer(KindFile, true, len(body), r.Elapsed)
	logger.Info("file transfer finished", "bytes", len(body), "saved_as", r.SavedAs, "elapsed", r.Elapsed)
	return r, true
}

// receiveImage collects chunks until the transfer completes, the stream
// ends or the transfer timeout fires, then persists the whole or partial
// payload.
func (c *conn) receiveImage(meta protocol.ImageMeta) Result {
	r := Result{
		TransferID:  uuid.NewString(),
		Name:        meta.Name,
		Kind:        KindImage,
		Size:        meta.Size,
		Format:      meta.Format,
		Width:       meta.Width,
		Height:      meta.Height,
		TotalChunks: meta.TotalChunks,
	}
	logger := c.logger.With("transfer_id", r.TransferID, "name", meta.Name)
	timeout := c.h.TransferTimeout(meta.TotalChunks)
	asm := reassembly.New(int(meta.Size), meta.TotalChunks, timeout)
	logger.Info("image transfer started",
		"bytes", meta.Size, "chunks", meta.TotalChunks, "format", meta.Format, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	lastDecile := 0

loop:
	for !asm.IsComplete() {
		data, status := c.next(timer.C)
		switch status {
		case frameTimeout:
			r.TimedOut = true
			logger.Warn("transfer timed out", "received", asm.Received(), "total", meta.TotalChunks)
			break loop
		case frameEnd:
			break loop
		}

		if c.h.Loss.Drop() {
			r.Dropped++
			metrics.RecordChunk(metrics.OutcomeDropped)
			continue
		}
		h, payload, err := chunk.Unpack(data)
		if err != nil {
			r.Corrupt++
			metrics.RecordChunk(metrics.OutcomeCorrupt)
			logger.Warn("discarding chunk", "error", err)
			continue
		}
		if int64(h.TotalLen) != meta.Size || int(h.TotalChunks) != meta.TotalChunks {
			r.Corrupt++
			metrics.RecordChunk(metrics.OutcomeCorrupt)
			logger.Warn("discarding chunk from another transfer",
				"chunk_id", h.ChunkID, "total_len", h.TotalLen, "total_chunks", h.TotalChunks)
			continue
		}
		added, err := asm.AddChunk(int(h.ChunkID), int(h.Offset), payload, h.Metadata)
		if err != nil {
			r.Corrupt++
			metrics.RecordChunk(metrics.OutcomeCorrupt)
			logger.Warn("discarding chunk", "error", err)
			continue
		}
		if added {
			metrics.RecordChunk(metrics.OutcomeAccepted)
		} else {
			r.Duplicates++
			metrics.RecordChunk(metrics.OutcomeDuplicate)
		}

		if err := c.ack(int(h.ChunkID)); err != nil {
			c.end(err)
			break loop
		}

		if decile := int(asm.Progress()) / 10; decile > lastDecile {
			lastDecile = decile
			logger.Info("progress", "percent", decile*10, "received", asm.Received(), "total", meta.TotalChunks)
		}
	}

	if !r.TimedOut && !asm.IsComplete() && asm.IsTimedOut() {
		r.TimedOut = true
	}
	r.Received = asm.Received()
	r.Lost = meta.TotalChunks - r.Received
	r.Elapsed = asm.Elapsed()

	if data, ok := asm.Assemble(); ok {
		r.Complete = true
		c.persist(&r, meta.Name, data, logger)
	} else {
		logger.Warn("transfer incomplete, saving partial", "missing", len(asm.Missing()))
		c.persist(&r, meta.Name+PartialSuffix, asm.AssemblePartial(), logger)
	}
	metrics.RecordTransfer(KindImage, r.Complete, int(meta.Size), r.Elapsed)

	logger.Info("image transfer finished",
		"complete", r.Complete,
		"received", r.Received,
		"lost", r.Lost,
		"dropped", r.Dropped,
		"corrupt", r.Corrupt,
		"duplicates", r.Duplicates,
		"success_rate", fmt.Sprintf("%.1f%%", r.SuccessRate()),
		"throughput_bps", int64(r.Throughput()),
		"saved_as", r.SavedAs,
	)
	return r
}

func (c *conn) ack(id int) error {
	frame, err := protocol.Encode(protocol.NewAck(id, time.Now()))
	if err != nil {
		return err
	}
	if err := c.ch.Send(frame); err != nil {
		return fmt.Errorf("send ack %d: %w", id, err)
	}
	return nil
}

// persist saves data and records the outcome on r. A failed save does not
// undo the transfer.
func (c *conn) persist(r *Result, name string, data []byte, logger *slog.Logger) {
	path, err := c.h.Sink.Save(name, data)
	if err != nil {
		r.SaveErr = err
		logger.Error("persist failed", "name", name, "error", err)
		return
	}
	r.SavedAs = path
}
