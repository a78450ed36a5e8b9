// Package reassembly rebuilds a payload from chunks that may arrive in any
// order, duplicated, or not at all.
package reassembly

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidChunkID is returned for a chunk id outside [0, total_chunks).
var ErrInvalidChunkID = errors.New("reassembly: invalid chunk id")

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) {
		if now != nil {
			r.now = now
		}
	}
}

// Reassembler collects the chunks of one transfer. It is owned by a single
// goroutine and is not safe for concurrent use.
type Reassembler struct {
	totalLen    int
	totalChunks int
	timeout     time.Duration

	chunks   [][]byte
	metadata map[int]map[string]any
	received *Bitmap
	bytes    int

	now   func() time.Time
	start time.Time
}

// New creates a Reassembler for totalLen bytes split into totalChunks chunks.
// Negative sizes are treated as zero.
func New(totalLen, totalChunks int, timeout time.Duration, opts ...Option) *Reassembler {
	if totalLen < 0 {
		totalLen = 0
	}
	if totalChunks < 0 {
		totalChunks = 0
	}
	r := &Reassembler{
		totalLen:    totalLen,
		totalChunks: totalChunks,
		timeout:     timeout,
		chunks:      make([][]byte, totalChunks),
		metadata:    make(map[int]map[string]any),
		received:    NewBitmap(totalChunks),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.now()
	return r
}

// TotalLen returns the declared payload length.
func (r *Reassembler) TotalLen() int { return r.totalLen }

// TotalChunks returns the declared chunk count.
func (r *Reassembler) TotalChunks() int { return r.totalChunks }

// AddChunk stores data for id. It returns false without changing anything
// when id was already received; the first write wins. offset is advisory,
// chunks are placed by id.
func (r *Reassembler) AddChunk(id, offset int, data []byte, meta map[string]any) (bool, error) {
	if id < 0 || id >= r.totalChunks {
		return false, fmt.Errorf("%w: %d (total %d)", ErrInvalidChunkID, id, r.totalChunks)
	}
	if !r.received.Set(id) {
		return false, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks[id] = buf
	r.bytes += len(buf)
	if meta != nil {
		r.metadata[id] = meta
	}
	return true, nil
}

// IsComplete reports whether every chunk id has been received.
func (r *Reassembler) IsComplete() bool {
	return r.received.Full()
}

// Assemble returns the payload once every chunk is present. The ordered
// concatenation is truncated to the declared length; a concatenation shorter
// than the declared length is not a payload and reports false.
func (r *Reassembler) Assemble() ([]byte, bool) {
	if !r.IsComplete() {
		return nil, false
	}
	out := make([]byte, 0, r.totalLen)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	if len(out) < r.totalLen {
		return nil, false
	}
	return out[:r.totalLen], true
}

// AssemblePartial returns exactly TotalLen bytes. Missing chunks become zero
// runs sized to the average received chunk, or TotalLen/TotalChunks when
// nothing arrived. The result is not integrity checked.
func (r *Reassembler) AssemblePartial() []byte {
	out := make([]byte, r.totalLen)
	gap := r.averageChunk()
	pos := 0
	for id := 0; id < r.totalChunks && pos < r.totalLen; id++ {
		if r.received.Get(id) {
			pos += copy(out[pos:], r.chunks[id])
			continue
		}
		pos += gap
	}
	return out
}

func (r *Reassembler) averageChunk() int {
	if n := r.received.CountSet(); n > 0 {
		return r.bytes / n
	}
	if r.totalChunks == 0 {
		return 0
	}
	return r.totalLen / r.totalChunks
}

// Received returns the number of distinct chunks received.
func (r *Reassembler) Received() int {
	return r.received.CountSet()
}

// Progress returns the percentage of chunks received. A transfer with no
// chunks is complete.
func (r *Reassembler) Progress() float64 {
	if r.totalChunks == 0 {
		return 100
	}
	return float64(r.received.CountSet()) / float64(r.totalChunks) * 100
}

// Elapsed returns the time since the Reassembler was created.
func (r *Reassembler) Elapsed() time.Duration {
	return r.now().Sub(r.start)
}

// IsTimedOut reports whether more than the timeout has elapsed. It is
// advisory; AssemblePartial stays usable.
func (r *Reassembler) IsTimedOut() bool {
	return r.Elapsed() > r.timeout
}

// Deadline returns the instant after which IsTimedOut reports true.
func (r *Reassembler) Deadline() time.Time {
	return r.start.Add(r.timeout)
}

// Missing returns the ids not yet received, ascending.
func (r *Reassembler) Missing() []int {
	return r.received.Unset()
}

// Metadata returns the side-metadata received with chunk id, if any.
func (r *Reassembler) Metadata(id int) (map[string]any, bool) {
	m, ok := r.metadata[id]
	return m, ok
}

// Status is a snapshot of a Reassembler.
type Status struct {
	TotalChunks int
	Received    int
	Missing     []int
	Progress    float64
	Complete    bool
	TimedOut    bool
	Elapsed     time.Duration
}

// Status returns a snapshot of the transfer state.
func (r *Reassembler) Status() Status {
	return Status{
		TotalChunks: r.totalChunks,
		Received:    r.Received(),
		Missing:     r.Missing(),
		Progress:    r.Progress(),
		Complete:    r.IsComplete(),
		TimedOut:    r.IsTimedOut(),
		Elapsed:     r.Elapsed(),
	}
}
