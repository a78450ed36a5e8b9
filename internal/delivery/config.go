// Package delivery sends payloads over a framed channel in one of two modes:
// FIABLE waits for a per-chunk ACK and retransmits on timeout, SEMI-FIABLE
// sends every chunk once.
package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/sheerbytes/chunkflow/pkg/protocol"
)

// Mode selects the delivery guarantee.
type Mode string

const (
	// ModeReliable waits for an ACK after each chunk and retries on timeout.
	ModeReliable Mode = protocol.ModeReliable
	// ModeBestEffort sends every chunk once and never waits.
	ModeBestEffort Mode = protocol.ModeBestEffort
)

func (m Mode) String() string { return string(m) }

// ParseMode accepts the wire names and a few aliases, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fiable", "reliable":
		return ModeReliable, nil
	case "semi-fiable", "semi", "best-effort", "besteffort":
		return ModeBestEffort, nil
	default:
		return "", fmt.Errorf("unknown delivery mode %q (want FIABLE or SEMI-FIABLE)", s)
	}
}

const (
	DefaultChunkSize  = 1024
	DefaultAckTimeout = 500 * time.Millisecond
	DefaultMaxRetries = 5
	// MaxChunkSize keeps a packed chunk well under the frame limit.
	MaxChunkSize = 16 * 1024 * 1024
	// readAhead is how many packed chunks the reader may prepare ahead of the wire.
	readAhead = 4
)

// Config holds the per-sender delivery settings.
type Config struct {
	Mode       Mode
	ChunkSize  int
	AckTimeout time.Duration
	// MaxRetries is the number of retransmissions after the first attempt.
	MaxRetries int
	Compress   bool
}

// DefaultConfig returns FIABLE delivery with the default chunk size and timeouts.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeReliable,
		ChunkSize:  DefaultChunkSize,
		AckTimeout: DefaultAckTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// Normalize applies defaults to unset fields and clamps the rest.
func (c Config) Normalize() Config {
	out := c
	if out.Mode == "" {
		out.Mode = ModeReliable
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	return out
}

// Attempts is the total number of transmissions allowed per chunk.
func (c Config) Attempts() int {
	return 1 + c.MaxRetries
}
