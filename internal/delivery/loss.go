package delivery

import (
	"math/rand"
	"sync"
	"time"
)

// LossSimulator drops incoming chunks with a fixed probability so that
// best-effort delivery can be exercised on a lossless stream.
type LossSimulator struct {
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLossSimulator returns a simulator dropping with probability rate.
// A nil src seeds from the clock.
func NewLossSimulator(rate float64, src rand.Source) *LossSimulator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &LossSimulator{rate: rate, rng: rand.New(src)}
}

// Rate returns the configured drop probability.
func (l *LossSimulator) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.rate
}

// Drop reports whether the next chunk should be discarded. A nil simulator
// never drops.
func (l *LossSimulator) Drop() bool {
	if l == nil || l.rate <= 0 {
		return false
	}
	if l.rate >= 1 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.rate
}
