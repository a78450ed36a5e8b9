// Package termio serializes process output through background writers so a
// slow terminal never stalls a transfer. Call Flush before exiting.
package termio

import (
	"io"
	"os"
	"sync"
)

type writer struct {
	file *os.File

	mu     sync.Mutex
	ch     chan []byte
	done   chan struct{}
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.file.Write(p)
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// flush drains queued writes. Later writes go straight to the file.
func (w *writer) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
		}
	}()
	return w
}

// Flush writes out everything queued on stdout and stderr.
func Flush() {
	Init()
	global.stdout.flush()
	global.stderr.flush()
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

func StdoutFile() *os.File {
	Init()
	return global.stdout.file
}
