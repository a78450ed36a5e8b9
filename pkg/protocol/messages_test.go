package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeWireShape(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{
			name: "control",
			msg:  NewControl("send image cat.png"),
			want: `{"type":"control","msg":"send image cat.png"}`,
		},
		{
			name: "file",
			msg:  NewFileMeta("notes.txt", 42),
			want: `{"type":"file","name":"notes.txt","size":42}`,
		},
		{
			name: "img_meta minimal",
			msg:  NewImageMeta("cat.png", 2600, 3),
			want: `{"type":"img_meta","name":"cat.png","size":2600,"total_chunks":3}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(data) != tt.want {
				t.Fatalf("Encode = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestPeekType(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "control", data: `{"type":"control","msg":"hi"}`, want: TypeControl},
		{name: "ack", data: `{"type":"ack","chunk_id":4}`, want: TypeAck},
		{name: "no type", data: `{"msg":"hi"}`, wantErr: true},
		{name: "binary", data: "IMGC\x02\x00\x00", wantErr: true},
		{name: "array", data: `[1,2,3]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeekType([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrNotControl) {
					t.Fatalf("PeekType error = %v, want ErrNotControl", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PeekType: %v", err)
			}
			if got != tt.want {
				t.Fatalf("PeekType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeImageMetaExtraFields(t *testing.T) {
	data := []byte(`{"type":"img_meta","name":"a.png","size":5000,"total_chunks":5,"format":"png","chunk_size":1024,"width":64,"height":32,"mode":"RGB"}`)

	var meta ImageMeta
	if err := Decode(data, TypeImgMeta, &meta); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if meta.Name != "a.png" || meta.Size != 5000 || meta.TotalChunks != 5 {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if meta.Format != "png" || meta.ChunkSize != 1024 || meta.Width != 64 || meta.Height != 32 {
		t.Fatalf("optional fields not decoded: %+v", meta)
	}
}

func TestDecodeWrongType(t *testing.T) {
	var ack Ack
	err := Decode([]byte(`{"type":"control","msg":"x"}`), TypeAck, &ack)
	if !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("Decode error = %v, want ErrUnexpectedType", err)
	}
}

func TestNewAckTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 500_000_000)
	ack := NewAck(7, now)
	if ack.Type != TypeAck || ack.ChunkID != 7 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.Timestamp != 1700000000.5 {
		t.Fatalf("Timestamp = %v, want 1700000000.5", ack.Timestamp)
	}
	data, err := Encode(ack)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"type":"ack","chunk_id":7,`) {
		t.Fatalf("unexpected ack encoding %s", data)
	}
}
