// Package bench computes live throughput figures for a running transfer and
// totals across finished ones.
package bench

import "time"

const mib = 1024 * 1024

// Bench samples a byte counter and derives instantaneous, smoothed, average
// and peak rates. The zero value is not usable; call NewBench.
type Bench struct {
	alpha     float64
	start     time.Time
	last      time.Time
	lastBytes int64
	ewma      float64
	peak      float64
	firstAck  time.Duration
	acked     bool
}

// Snapshot is one sample of a Bench.
type Snapshot struct {
	Bytes    int64
	Total    int64
	Elapsed  time.Duration
	InstMBps float64
	EwmaMBps float64
	AvgMBps  float64
	PeakMBps float64
	ETA      time.Duration
	// FirstAck is the delay until the first byte was confirmed.
	FirstAck    time.Duration
	GotFirstAck bool
}

// NewBench returns a Bench with the default smoothing factor.
func NewBench() *Bench {
	return &Bench{alpha: 0.2}
}

// Tick records bytesNow of totalBytes at now and returns the updated figures.
// The first call only anchors the clock.
func (b *Bench) Tick(now time.Time, bytesNow, totalBytes int64) Snapshot {
	if b.start.IsZero() {
		b.start = now
		b.last = now
		b.lastBytes = bytesNow
		return Snapshot{Bytes: bytesNow, Total: totalBytes}
	}

	dt := now.Sub(b.last)
	if dt <= 0 {
		dt = time.Second
	}
	delta := bytesNow - b.lastBytes
	if delta < 0 {
		delta = 0
	}
	inst := float64(delta) / dt.Seconds() / mib
	if b.ewma == 0 {
		b.ewma = inst
	} else {
		b.ewma = b.alpha*inst + (1-b.alpha)*b.ewma
	}
	b.peak = max(b.peak, inst)
	if !b.acked && bytesNow > 0 {
		b.acked = true
		b.firstAck = now.Sub(b.start)
	}
	b.last = now
	b.lastBytes = bytesNow

	elapsed := max(now.Sub(b.start), time.Millisecond)
	snap := Snapshot{
		Bytes:       bytesNow,
		Total:       totalBytes,
		Elapsed:     elapsed,
		InstMBps:    inst,
		EwmaMBps:    b.ewma,
		AvgMBps:     float64(bytesNow) / elapsed.Seconds() / mib,
		PeakMBps:    b.peak,
		FirstAck:    b.firstAck,
		GotFirstAck: b.acked,
	}
	if totalBytes > bytesNow && b.ewma > 0 {
		remaining := float64(totalBytes-bytesNow) / (b.ewma * mib)
		snap.ETA = time.Duration(remaining * float64(time.Second))
	}
	return snap
}
