// Package bufpool recycles fixed-size read buffers for chunked senders.
package bufpool

import (
	"sync"
)

// Pool hands out byte slices of exactly Size bytes.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers. size must be positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly Size bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.size {
		return make([]byte, p.size)
	}
	return (*bp)[:p.size]
}

// Put recycles buf. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Size returns the buffer size served by this pool.
func (p *Pool) Size() int {
	return p.size
}

var pools sync.Map // map[int]*Pool

// For returns the process-wide pool for a buffer size, creating it on first use.
// Senders with the same chunk size share buffers.
func For(size int) *Pool {
	if size <= 0 {
		return nil
	}
	if p, ok := pools.Load(size); ok {
		return p.(*Pool)
	}
	actual, _ := pools.LoadOrStore(size, New(size))
	return actual.(*Pool)
}
