package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/logging"
	"github.com/sheerbytes/chunkflow/pkg/protocol"
)

// ErrAckTimeout is returned by Endpoint.Send when every attempt timed out.
var ErrAckTimeout = errors.New("delivery: ack timeout")

// maxAhead bounds the sequence numbers remembered above the delivery
// low-water mark. Past it the oldest gap is abandoned.
const maxAhead = 1024

// Handler receives payloads delivered to an Endpoint. It runs on the Run
// goroutine, which is also the one reading ACKs, so it must not call Send on
// the same Endpoint; hand the payload to another goroutine instead.
type Handler func(seq uint64, payload []byte)

// Endpoint carries arbitrary payloads as sequence-numbered envelopes. Both
// peers run an Endpoint: Run reads the stream, delivers data and ACKs it,
// and resolves the waits of concurrent Send calls.
type Endpoint struct {
	ch      *framing.Channel
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]chan struct{}

	// Every seq below low was delivered or abandoned; ahead holds delivered
	// seqs above it. Both are only touched by Run.
	low   uint64
	ahead map[uint64]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewEndpoint creates an endpoint on ch. handler may be nil for send-only use.
func NewEndpoint(ch *framing.Channel, cfg Config, handler Handler, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		ch:      ch,
		cfg:     cfg.Normalize(),
		handler: handler,
		logger:  logging.OrDefault(logger),
		pending: make(map[uint64]chan struct{}),
		ahead:   make(map[uint64]struct{}),
		done:    make(chan struct{}),
	}
}

// Send delivers payload and waits for its ACK, retransmitting on timeout.
// It returns the assigned sequence number.
func (e *Endpoint) Send(ctx context.Context, payload []byte) (uint64, error) {
	e.mu.Lock()
	seq := e.nextSeq
	e.nextSeq++
	acked := make(chan struct{})
	e.pending[seq] = acked
	e.mu.Unlock()
	defer e.forget(seq)

	data, err := protocol.Encode(protocol.NewDataEnvelope(seq, payload, time.Now()))
	if err != nil {
		return seq, err
	}

	for attempt := 0; attempt < e.cfg.Attempts(); attempt++ {
		if err := e.ch.Send(data); err != nil {
			return seq, fmt.Errorf("send envelope %d: %w", seq, err)
		}
		timer := time.NewTimer(e.cfg.AckTimeout)
		select {
		case <-acked:
			timer.Stop()
			return seq, nil
		case <-timer.C:
			e.logger.Debug("envelope ack timeout", "seq", seq, "attempt", attempt+1)
		case <-e.done:
			timer.Stop()
			return seq, ErrStreamClosed
		case <-ctx.Done():
			timer.Stop()
			return seq, ctx.Err()
		}
	}
	return seq, fmt.Errorf("%w: seq %d after %d attempts", ErrAckTimeout, seq, e.cfg.Attempts())
}

func (e *Endpoint) forget(seq uint64) {
	e.mu.Lock()
	delete(e.pending, seq)
	e.mu.Unlock()
}

// resolve wakes the Send waiting on seq. Unknown or resolved sequence
// numbers are ignored.
func (e *Endpoint) resolve(seq uint64) {
	e.mu.Lock()
	acked, ok := e.pending[seq]
	if ok {
		delete(e.pending, seq)
	}
	e.mu.Unlock()
	if ok {
		close(acked)
	}
}

// Run reads envelopes until the stream ends or ctx is canceled. A clean end
// of stream returns nil. Retransmitted data is ACKed again but delivered once.
func (e *Endpoint) Run(ctx context.Context) error {
	defer e.doneOnce.Do(func() { close(e.done) })

	frames := e.ch.Pump(ctx)
	for {
		var res framing.Result
		var ok bool
		select {
		case res, ok = <-frames:
			if !ok {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.Err != nil {
			if errors.Is(res.Err, framing.ErrConnectionClosed) {
				return nil
			}
			return res.Err
		}

		env, err := protocol.DecodeEnvelope(res.Data)
		if err != nil {
			e.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		switch env.Type {
		case protocol.TypeAck:
			e.resolve(env.Seq)
		case protocol.TypeData:
			if e.firstDelivery(env.Seq) && e.handler != nil {
				e.handler(env.Seq, env.Payload)
			}
			ack, err := protocol.Encode(protocol.NewAckEnvelope(env.Seq, time.Now()))
			if err != nil {
				return err
			}
			if err := e.ch.Send(ack); err != nil {
				return fmt.Errorf("send envelope ack %d: %w", env.Seq, err)
			}
		}
	}
}

// firstDelivery records seq and reports whether it was not delivered before.
func (e *Endpoint) firstDelivery(seq uint64) bool {
	if seq < e.low {
		return false
	}
	if _, dup := e.ahead[seq]; dup {
		return false
	}
	e.ahead[seq] = struct{}{}
	if len(e.ahead) > maxAhead {
		lowest := seq
		for s := range e.ahead {
			if s < lowest {
				lowest = s
			}
		}
		e.low = lowest
	}
	for {
		if _, ok := e.ahead[e.low]; !ok {
			return true
		}
		delete(e.ahead, e.low)
		e.low++
	}
}
