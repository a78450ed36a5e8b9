package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const maxFilenameLength = 255

var (
	ErrInvalidFilename = errors.New("receiver: invalid filename")
	ErrFilenameTooLong = errors.New("receiver: filename too long")
)

// Sink persists received payloads.
type Sink interface {
	// Save stores data under name and returns where it went.
	Save(name string, data []byte) (string, error)
}

// ValidateFilename rejects names that could escape the output directory.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}
	if len(filename) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	return nil
}

// DirSink writes each payload to a file in Dir.
type DirSink struct {
	Dir string
}

// Save writes data to Dir/name through a temporary file and a rename, so a
// reader never sees a half-written file.
func (d DirSink) Save(name string, data []byte) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(d.Dir, name)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return path, nil
}

// MemorySink keeps payloads in memory. It is safe for concurrent use.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

func (m *MemorySink) Save(name string, data []byte) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.files[name] = buf
	m.mu.Unlock()
	return name, nil
}

// Get returns the payload saved under name.
func (m *MemorySink) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

// Names returns the saved names, sorted.
func (m *MemorySink) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
