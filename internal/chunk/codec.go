// Package chunk encodes and decodes one payload fragment: a fixed big-endian
// header, optional JSON side-metadata, and the (optionally gzip-compressed)
// payload. Version 2 packets carry an MD5 of the wire-form payload; legacy
// version 1 packets carry no hash and no metadata.
package chunk

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every chunk packet.
	Magic = "IMGC"
	// Version is the version written by Pack.
	Version = 2
	// LegacyVersion is the read-only predecessor format.
	LegacyVersion = 1

	// HeaderSize is the v2 header: magic(4) ver(1) total_len(4) offset(4)
	// chunk_id(2) total_chunks(2) flags(1) hash(16) meta_len(2).
	HeaderSize = 36
	// LegacyHeaderSize is the v1 header, the v2 layout without hash and meta_len.
	LegacyHeaderSize = 18
	// HashSize is the length of the payload digest.
	HashSize = md5.Size

	// MaxMetadataSize is the largest encoded metadata block (u16 length).
	MaxMetadataSize = 65535
	// MaxChunks is the largest chunk count a u16 chunk_id can address.
	MaxChunks = 65535
	// MaxTotalLen is the largest payload a u32 total_len can describe.
	MaxTotalLen = 1<<32 - 1
)

// Flag bits.
const (
	FlagCompressed  byte = 0x1
	FlagHasMetadata byte = 0x2
)

var (
	ErrPacketTooSmall            = errors.New("chunk: packet too small")
	ErrInvalidMagic              = errors.New("chunk: invalid magic")
	ErrUnsupportedVersion        = errors.New("chunk: unsupported version")
	ErrPacketTooSmallForMetadata = errors.New("chunk: packet too small for metadata")
	ErrInvalidMetadata           = errors.New("chunk: invalid metadata")
	ErrIntegrityCheckFailed      = errors.New("chunk: payload integrity check failed")
	ErrDecompressionFailed       = errors.New("chunk: decompression failed")
	ErrMetadataTooLarge          = errors.New("chunk: metadata too large")
	ErrTooManyChunks             = errors.New("chunk: too many chunks")
	ErrPayloadTooLarge           = errors.New("chunk: payload too large")
)

// Header is the decoded chunk header.
type Header struct {
	Version     uint8
	TotalLen    uint32
	Offset      uint32
	ChunkID     uint16
	TotalChunks uint16
	Flags       uint8
	Hash        [HashSize]byte
	Metadata    map[string]any
	// IntegrityVerified is true when the payload hash was checked (v2 only).
	IntegrityVerified bool
}

// Compressed reports whether the wire payload was gzip-compressed.
func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// HasMetadata reports whether the packet carried side-metadata.
func (h Header) HasMetadata() bool { return h.Flags&FlagHasMetadata != 0 }

// PackOptions describes where a payload sits in the whole transfer.
type PackOptions struct {
	TotalLen    uint32
	Offset      uint32
	ChunkID     uint16
	TotalChunks uint16
	Compress    bool
	Metadata    map[string]any
}

// Pack encodes payload as a version 2 chunk packet.
func Pack(payload []byte, opts PackOptions) ([]byte, error) {
	var flags byte
	wire := payload
	if opts.Compress {
		compressed, err := compress(payload)
		if err != nil {
			return nil, err
		}
		wire = compressed
		flags |= FlagCompressed
	}

	var meta []byte
	if len(opts.Metadata) > 0 {
		encoded, err := encodeMetadata(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		if len(encoded) > MaxMetadataSize {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMetadataTooLarge, len(encoded), MaxMetadataSize)
		}
		meta = encoded
		flags |= FlagHasMetadata
	}

	sum := md5.Sum(wire)

	out := make([]byte, HeaderSize+len(meta)+len(wire))
	copy(out[0:4], Magic)
	out[4] = Version
	binary.BigEndian.PutUint32(out[5:9], opts.TotalLen)
	binary.BigEndian.PutUint32(out[9:13], opts.Offset)
	binary.BigEndian.PutUint16(out[13:15], opts.ChunkID)
	binary.BigEndian.PutUint16(out[15:17], opts.TotalChunks)
	out[17] = flags
	copy(out[18:34], sum[:])
	binary.BigEndian.PutUint16(out[34:36], uint16(len(meta)))
	copy(out[HeaderSize:], meta)
	copy(out[HeaderSize+len(meta):], wire)
	return out, nil
}

// Unpack decodes a chunk packet and returns the header and the decompressed
// payload. The hash is checked against the wire payload before decompression.
func Unpack(packet []byte) (Header, []byte, error) {
	if len(packet) < 5 {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrPacketTooSmall, len(packet))
	}
	if string(packet[0:4]) != Magic {
		return Header{}, nil, ErrInvalidMagic
	}
	switch packet[4] {
	case Version:
		return unpackV2(packet)
	case LegacyVersion:
		return unpackV1(packet)
	default:
		return Header{}, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, packet[4])
	}
}

func unpackV2(packet []byte) (Header, []byte, error) {
	if len(packet) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes (header is %d)", ErrPacketTooSmall, len(packet), HeaderSize)
	}
	h := Header{
		Version:     packet[4],
		TotalLen:    binary.BigEndian.Uint32(packet[5:9]),
		Offset:      binary.BigEndian.Uint32(packet[9:13]),
		ChunkID:     binary.BigEndian.Uint16(packet[13:15]),
		TotalChunks: binary.BigEndian.Uint16(packet[15:17]),
		Flags:       packet[17],
	}
	copy(h.Hash[:], packet[18:34])
	metaLen := int(binary.BigEndian.Uint16(packet[34:36]))

	dataStart := HeaderSize
	if h.HasMetadata() {
		if len(packet) < HeaderSize+metaLen {
			return Header{}, nil, fmt.Errorf("%w: need %d bytes, have %d", ErrPacketTooSmallForMetadata, HeaderSize+metaLen, len(packet))
		}
		var meta map[string]any
		if err := json.Unmarshal(packet[HeaderSize:HeaderSize+metaLen], &meta); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		h.Metadata = meta
		dataStart += metaLen
	}

	wire := packet[dataStart:]
	if sum := md5.Sum(wire); sum != h.Hash {
		return Header{}, nil, fmt.Errorf("%w: chunk %d", ErrIntegrityCheckFailed, h.ChunkID)
	}
	h.IntegrityVerified = true

	payload, err := payloadOf(h, wire)
	if err != nil {
		return Header{}, nil, err
	}
	return h, payload, nil
}

func unpackV1(packet []byte) (Header, []byte, error) {
	if len(packet) < LegacyHeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes (legacy header is %d)", ErrPacketTooSmall, len(packet), LegacyHeaderSize)
	}
	h := Header{
		Version:     packet[4],
		TotalLen:    binary.BigEndian.Uint32(packet[5:9]),
		Offset:      binary.BigEndian.Uint32(packet[9:13]),
		ChunkID:     binary.BigEndian.Uint16(packet[13:15]),
		TotalChunks: binary.BigEndian.Uint16(packet[15:17]),
		Flags:       packet[17],
	}
	payload, err := payloadOf(h, packet[LegacyHeaderSize:])
	if err != nil {
		return Header{}, nil, err
	}
	return h, payload, nil
}

func payloadOf(h Header, wire []byte) ([]byte, error) {
	if !h.Compressed() {
		out := make([]byte, len(wire))
		copy(out, wire)
		return out, nil
	}
	return decompress(wire, int64(h.TotalLen))
}

// Count returns the number of chunkSize pieces needed for totalLen bytes.
func Count(totalLen int64, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk: invalid chunk size %d", chunkSize)
	}
	if totalLen < 0 || totalLen > MaxTotalLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, totalLen)
	}
	n := (totalLen + int64(chunkSize) - 1) / int64(chunkSize)
	if n > MaxChunks {
		return 0, fmt.Errorf("%w: %d (max %d), raise the chunk size", ErrTooManyChunks, n, MaxChunks)
	}
	return int(n), nil
}

// encodeMetadata writes compact JSON with sorted keys and without HTML
// escaping, so "<", ">" and "&" travel as themselves.
func encodeMetadata(meta map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress inflates a chunk. A chunk never expands past the whole
// transfer, so limit bounds the output.
func decompress(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: inflated past total length %d", ErrDecompressionFailed, limit)
	}
	return out, nil
}
