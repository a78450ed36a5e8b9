package transport

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// Tuning outcomes.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
)

// UDPTuneResult reports the socket buffers requested for a QUIC socket.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers requests read and write buffers on conn. The kernel may
// refuse or cap them; the result says which.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

// BuildQuicConfig copies base and sets clamped flow control windows. Each
// connection carries a single stream.
func BuildQuicConfig(base *quic.Config, connWin, streamWin int) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clamp(connWin, minQuicConnWindow, maxQuicConnWindow)
	stream := clamp(streamWin, minQuicStreamWindow, maxQuicStreamWindow)
	initialConn := defaultInitialConnWindow
	if initialConn > conn {
		initialConn = conn
	}
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = 1
	return cfg
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
