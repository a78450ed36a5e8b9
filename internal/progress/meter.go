package progress

import (
	"sync"
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone   int64
	Total       int64
	ChunksDone  int
	ChunksTotal int
	RateBps     float64
	ETA         time.Duration
	Percent     float64
	StartedAt   time.Time
}

// Meter tracks transfer progress and computes a smoothed rate.
type Meter struct {
	mu          sync.Mutex
	total       int64
	done        int64
	chunksDone  int
	chunksTotal int
	startedAt   time.Time
	lastAt      time.Time
	lastDone    int64
	rateBps     float64
	alpha       float64
	now         func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes in totalChunks pieces.
func (m *Meter) Start(totalBytes int64, totalChunks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.chunksTotal = totalChunks
	m.done = 0
	m.chunksDone = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add increments the completed byte count and chunk count.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksDone++
	m.advanceLocked(m.done + int64(n))
}

// Observe applies a sender progress report. A report for a different total
// restarts the meter.
func (m *Meter) Observe(p delivery.Progress) {
	m.mu.Lock()
	if m.startedAt.IsZero() || m.total != p.BytesTotal || m.chunksTotal != p.Total {
		m.mu.Unlock()
		m.Start(p.BytesTotal, p.Total)
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	m.chunksDone = p.Done
	m.advanceLocked(p.BytesDone)
}

func (m *Meter) advanceLocked(done int64) {
	now := m.now()
	m.done = done
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 && deltaBytes >= 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:   m.done,
		Total:       m.total,
		ChunksDone:  m.chunksDone,
		ChunksTotal: m.chunksTotal,
		RateBps:     m.rateBps,
		StartedAt:   m.startedAt,
	}
	switch {
	case m.chunksTotal > 0:
		stats.Percent = float64(m.chunksDone) / float64(m.chunksTotal) * 100
	case m.total > 0:
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
