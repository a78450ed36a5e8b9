package progress

import (
	"sync"
	"time"

	"github.com/sheerbytes/chunkflow/internal/bench"
	"github.com/sheerbytes/chunkflow/internal/delivery"
)

// Board collects per-file progress for a sender run. It is safe for
// concurrent use: the sender reports from its own goroutine while a
// renderer polls View.
type Board struct {
	mu        sync.Mutex
	header    string
	benchmark bool
	now       func() time.Time
	rows      []SenderRow
	meters    []*Meter
	benches   []*bench.Bench
	index     map[string]int
}

// NewBoard returns a board listing names in order, all queued.
func NewBoard(header string, names []string, benchmark bool) *Board {
	b := &Board{
		header:    header,
		benchmark: benchmark,
		now:       time.Now,
		index:     make(map[string]int, len(names)),
	}
	for _, name := range names {
		b.index[name] = len(b.rows)
		b.rows = append(b.rows, SenderRow{Name: name, Status: StatusQueued})
		b.meters = append(b.meters, NewMeterWithNow(func() time.Time { return b.now() }))
		b.benches = append(b.benches, bench.NewBench())
	}
	return b
}

// Observe is a delivery progress callback.
func (b *Board) Observe(p delivery.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[p.Name]
	if !ok {
		return
	}
	b.meters[i].Observe(p)
	b.rows[i].Status = StatusSending
	b.rows[i].Stats = b.meters[i].Snapshot()
	b.rows[i].Bench = b.benches[i].Tick(b.now(), p.BytesDone, p.BytesTotal)
}

// Finish records the outcome of one send.
func (b *Board) Finish(report delivery.Report, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[report.Name]
	if !ok {
		return
	}
	row := &b.rows[i]
	row.Retries = report.Retries
	row.Failed = len(report.Failed)
	switch {
	case err != nil:
		row.Status = StatusFailed
	case report.Complete() || report.Mode == delivery.ModeBestEffort:
		row.Status = StatusDone
	default:
		row.Status = StatusPartial
	}
}

// View returns a copy of the current state.
func (b *Board) View() SenderView {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := make([]SenderRow, len(b.rows))
	copy(rows, b.rows)
	return SenderView{Header: b.header, Rows: rows, Benchmark: b.benchmark}
}
