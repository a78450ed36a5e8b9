package chunk

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		compress bool
		meta     map[string]any
	}{
		{name: "plain", payload: []byte("Hello, World! ")},
		{name: "empty", payload: []byte{}},
		{name: "compressed", payload: bytes.Repeat([]byte("abc"), 500), compress: true},
		{name: "random compressed", payload: randomBytes(t, 1024), compress: true},
		{
			name:    "metadata",
			payload: []byte("first chunk"),
			meta:    map[string]any{"image_format": "png", "total_size": 1400, "compression_enabled": false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := Pack(tt.payload, PackOptions{
				TotalLen:    5000,
				Offset:      1024,
				ChunkID:     1,
				TotalChunks: 5,
				Compress:    tt.compress,
				Metadata:    tt.meta,
			})
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}

			h, payload, err := Unpack(packet)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Fatalf("payload mismatch")
			}
			if h.Version != Version || h.TotalLen != 5000 || h.Offset != 1024 || h.ChunkID != 1 || h.TotalChunks != 5 {
				t.Fatalf("header mismatch: %+v", h)
			}
			if !h.IntegrityVerified {
				t.Fatal("v2 packet should be integrity verified")
			}
			if h.Compressed() != tt.compress {
				t.Fatalf("Compressed = %v, want %v", h.Compressed(), tt.compress)
			}
			if h.HasMetadata() != (tt.meta != nil) {
				t.Fatalf("HasMetadata = %v", h.HasMetadata())
			}
			if tt.meta != nil && h.Metadata["image_format"] != "png" {
				t.Fatalf("metadata = %v", h.Metadata)
			}
		})
	}
}

func TestPackHeaderLayout(t *testing.T) {
	packet, err := Pack([]byte("xyz"), PackOptions{TotalLen: 2600, Offset: 2000, ChunkID: 2, TotalChunks: 3})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packet) != HeaderSize+3 {
		t.Fatalf("packet length = %d, want %d", len(packet), HeaderSize+3)
	}
	if string(packet[:4]) != "IMGC" || packet[4] != 2 {
		t.Fatalf("bad magic/version: %q %d", packet[:4], packet[4])
	}
	if got := binary.BigEndian.Uint32(packet[5:9]); got != 2600 {
		t.Fatalf("total_len = %d", got)
	}
	if got := binary.BigEndian.Uint16(packet[13:15]); got != 2 {
		t.Fatalf("chunk_id = %d", got)
	}
	if packet[17] != 0 {
		t.Fatalf("flags = %d, want 0", packet[17])
	}
	if got := binary.BigEndian.Uint16(packet[34:36]); got != 0 {
		t.Fatalf("meta_len = %d, want 0", got)
	}
}

func TestMetadataEncoding(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want string
	}{
		{"sorted compact", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"no html escaping", map[string]any{"note": "<a&b>"}, `{"note":"<a&b>"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := Pack(nil, PackOptions{TotalChunks: 1, Metadata: tt.meta})
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			metaLen := int(binary.BigEndian.Uint16(packet[34:36]))
			if got := string(packet[HeaderSize : HeaderSize+metaLen]); got != tt.want {
				t.Fatalf("metadata = %s, want %s", got, tt.want)
			}
			h, _, err := Unpack(packet)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			for k, v := range tt.meta {
				if s, ok := v.(string); ok && h.Metadata[k] != s {
					t.Fatalf("metadata[%s] = %v, want %v", k, h.Metadata[k], s)
				}
			}
		})
	}
}

func TestMetadataTooLarge(t *testing.T) {
	meta := map[string]any{"blob": strings.Repeat("x", MaxMetadataSize)}
	_, err := Pack([]byte("data"), PackOptions{TotalChunks: 1, Metadata: meta})
	if !errors.Is(err, ErrMetadataTooLarge) {
		t.Fatalf("Pack = %v, want ErrMetadataTooLarge", err)
	}
}

func TestIntegrityBitFlip(t *testing.T) {
	payload := randomBytes(t, 256)
	for _, compress := range []bool{false, true} {
		packet, err := Pack(payload, PackOptions{TotalLen: 256, TotalChunks: 1, Compress: compress})
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		for i := HeaderSize; i < len(packet); i++ {
			for bit := 0; bit < 8; bit++ {
				corrupt := append([]byte(nil), packet...)
				corrupt[i] ^= 1 << bit
				if _, _, err := Unpack(corrupt); !errors.Is(err, ErrIntegrityCheckFailed) {
					t.Fatalf("compress=%v byte %d bit %d: Unpack = %v, want ErrIntegrityCheckFailed", compress, i, bit, err)
				}
			}
		}
	}
}

func TestUnpackErrors(t *testing.T) {
	good, err := Pack([]byte("data"), PackOptions{TotalLen: 4, TotalChunks: 1, Metadata: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "XXXX")

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 3

	truncatedMeta := append([]byte(nil), good[:HeaderSize+2]...)

	badMeta := append([]byte(nil), good...)
	badMeta[HeaderSize] = '!'

	tests := []struct {
		name   string
		packet []byte
		want   error
	}{
		{"tiny", []byte("IMG"), ErrPacketTooSmall},
		{"short v2 header", good[:HeaderSize-1], ErrPacketTooSmall},
		{"magic", badMagic, ErrInvalidMagic},
		{"version", badVersion, ErrUnsupportedVersion},
		{"metadata truncated", truncatedMeta, ErrPacketTooSmallForMetadata},
		{"metadata json", badMeta, ErrInvalidMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Unpack(tt.packet); !errors.Is(err, tt.want) {
				t.Fatalf("Unpack = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnpackDecompressionFailed(t *testing.T) {
	// A compressed flag over bytes that are not gzip, with a valid hash.
	packet, err := Pack([]byte("not gzip at all"), PackOptions{TotalLen: 100, TotalChunks: 1})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	packet[17] |= FlagCompressed
	if _, _, err := Unpack(packet); !errors.Is(err, ErrDecompressionFailed) {
		t.Fatalf("Unpack = %v, want ErrDecompressionFailed", err)
	}
}

func TestUnpackRejectsInflationPastTotalLen(t *testing.T) {
	packet, err := Pack(bytes.Repeat([]byte{0}, 4096), PackOptions{TotalLen: 16, TotalChunks: 1, Compress: true})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, _, err := Unpack(packet); !errors.Is(err, ErrDecompressionFailed) {
		t.Fatalf("Unpack = %v, want ErrDecompressionFailed", err)
	}
}

func legacyPacket(payload []byte, totalLen uint32, offset uint32, id, total uint16, flags byte) []byte {
	out := make([]byte, LegacyHeaderSize+len(payload))
	copy(out, Magic)
	out[4] = LegacyVersion
	binary.BigEndian.PutUint32(out[5:9], totalLen)
	binary.BigEndian.PutUint32(out[9:13], offset)
	binary.BigEndian.PutUint16(out[13:15], id)
	binary.BigEndian.PutUint16(out[15:17], total)
	out[17] = flags
	copy(out[LegacyHeaderSize:], payload)
	return out
}

func TestUnpackLegacyV1(t *testing.T) {
	payload := []byte("legacy payload")
	h, got, err := Unpack(legacyPacket(payload, 100, 14, 1, 8, 0))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
	if h.Version != LegacyVersion || h.ChunkID != 1 || h.TotalChunks != 8 || h.Offset != 14 {
		t.Fatalf("header = %+v", h)
	}
	if h.IntegrityVerified {
		t.Fatal("legacy packets are never integrity verified")
	}
	if h.Metadata != nil {
		t.Fatal("legacy packets carry no metadata")
	}

	// Corruption passes silently: v1 has no hash.
	corrupt := legacyPacket([]byte("legacy pAyload"), 100, 14, 1, 8, 0)
	if _, _, err := Unpack(corrupt); err != nil {
		t.Fatalf("corrupt legacy Unpack: %v", err)
	}

	if _, _, err := Unpack(legacyPacket(nil, 0, 0, 0, 1, 0)[:LegacyHeaderSize-1]); !errors.Is(err, ErrPacketTooSmall) {
		t.Fatalf("short legacy = %v, want ErrPacketTooSmall", err)
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		total     int64
		chunkSize int
		want      int
		wantErr   error
	}{
		{total: 2600, chunkSize: 1000, want: 3},
		{total: 3000, chunkSize: 1000, want: 3},
		{total: 0, chunkSize: 1000, want: 0},
		{total: 1, chunkSize: 1000, want: 1},
		{total: MaxChunks + 1, chunkSize: 1, wantErr: ErrTooManyChunks},
		{total: MaxTotalLen + 1, chunkSize: 1 << 20, wantErr: ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		got, err := Count(tt.total, tt.chunkSize)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Count(%d, %d) error = %v, want %v", tt.total, tt.chunkSize, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Count(%d, %d) = %d, %v; want %d", tt.total, tt.chunkSize, got, err, tt.want)
		}
	}
	if _, err := Count(10, 0); err == nil {
		t.Error("Count with zero chunk size should fail")
	}
}
