package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotControl is returned when a frame is not a JSON object with a "type" field.
	ErrNotControl = errors.New("protocol: frame is not a control message")
	// ErrUnexpectedType is returned when a message decodes with a different type than requested.
	ErrUnexpectedType = errors.New("protocol: unexpected message type")
)

// Control is a free-form log line from the sender.
type Control struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// FileMeta announces a non-fragmented file; exactly one raw frame follows.
type FileMeta struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ImageMeta announces a fragmented transfer of TotalChunks chunk frames.
type ImageMeta struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"total_chunks"`
	Format      string `json:"format,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Ack acknowledges one chunk. Sent receiver to sender.
type Ack struct {
	Type      string  `json:"type"`
	ChunkID   int     `json:"chunk_id"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// NewControl builds a control message.
func NewControl(msg string) Control {
	return Control{Type: TypeControl, Msg: msg}
}

// NewFileMeta builds a file announcement.
func NewFileMeta(name string, size int64) FileMeta {
	return FileMeta{Type: TypeFile, Name: name, Size: size}
}

// NewImageMeta builds a fragmented-transfer announcement.
func NewImageMeta(name string, size int64, totalChunks int) ImageMeta {
	return ImageMeta{Type: TypeImgMeta, Name: name, Size: size, TotalChunks: totalChunks}
}

// NewAck builds an ACK for chunkID stamped with now.
func NewAck(chunkID int, now time.Time) Ack {
	return Ack{Type: TypeAck, ChunkID: chunkID, Timestamp: UnixSeconds(now)}
}

// Encode marshals a control message for a single frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return data, nil
}

// PeekType returns the "type" field of a control frame.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotControl, err)
	}
	if head.Type == "" {
		return "", ErrNotControl
	}
	return head.Type, nil
}

// Decode unmarshals a control frame into out and checks its type.
func Decode(data []byte, msgType string, out any) error {
	got, err := PeekType(data)
	if err != nil {
		return err
	}
	if got != msgType {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedType, got, msgType)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msgType, err)
	}
	return nil
}

// UnixSeconds renders t as fractional Unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
