package progress

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
)

func TestBoardLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	b := NewBoard("to 127.0.0.1:9000", []string{"a.png", "b.png", "c.bin"}, false)
	b.now = func() time.Time { return now }

	v := b.View()
	if len(v.Rows) != 3 || v.Rows[0].Status != StatusQueued {
		t.Fatalf("expected three queued rows, got %+v", v.Rows)
	}

	b.Observe(delivery.Progress{Name: "a.png", Done: 1, Total: 2, BytesDone: 1024, BytesTotal: 2048})
	now = now.Add(time.Second)
	b.Observe(delivery.Progress{Name: "a.png", Done: 2, Total: 2, BytesDone: 2048, BytesTotal: 2048})
	b.Observe(delivery.Progress{Name: "unknown", Done: 1, Total: 1})

	v = b.View()
	if v.Rows[0].Status != StatusSending || v.Rows[0].Stats.Percent != 100 {
		t.Fatalf("unexpected row %+v", v.Rows[0])
	}

	b.Finish(delivery.Report{Name: "a.png", Mode: delivery.ModeReliable, TotalChunks: 2, ChunksAcked: 2}, nil)
	b.Finish(delivery.Report{Name: "b.png", Mode: delivery.ModeReliable, TotalChunks: 2, ChunksAcked: 1, Retries: 5, Failed: []int{1}}, nil)
	b.Finish(delivery.Report{Name: "c.bin"}, errors.New("boom"))

	v = b.View()
	want := []string{StatusDone, StatusPartial, StatusFailed}
	for i, status := range want {
		if v.Rows[i].Status != status {
			t.Fatalf("row %d status = %q, want %q", i, v.Rows[i].Status, status)
		}
	}
	if v.Rows[1].Retries != 5 || v.Rows[1].Failed != 1 {
		t.Fatalf("unexpected retries/failed on row 1: %+v", v.Rows[1])
	}

	// View returns a copy.
	v.Rows[0].Status = "mutated"
	if b.View().Rows[0].Status != StatusDone {
		t.Fatal("view should not alias board state")
	}
}

func TestBoardBestEffortIsDone(t *testing.T) {
	b := NewBoard("", []string{"a.png"}, false)
	b.Finish(delivery.Report{Name: "a.png", Mode: delivery.ModeBestEffort, TotalChunks: 4}, nil)
	if got := b.View().Rows[0].Status; got != StatusDone {
		t.Fatalf("status = %q, want %q", got, StatusDone)
	}
}

func TestRenderSenderPlainLines(t *testing.T) {
	var out bytes.Buffer
	b := NewBoard("header", []string{"a.png", "b.png"}, false)
	b.Finish(delivery.Report{Name: "a.png", Mode: delivery.ModeReliable, TotalChunks: 1, ChunksAcked: 1}, nil)

	stop := RenderSender(context.Background(), &out, b.View)
	stop()
	stop()

	got := out.String()
	if !strings.Contains(got, "file=a.png status=done") {
		t.Fatalf("missing row line in %q", got)
	}
	if strings.Contains(got, "b.png") {
		t.Fatalf("queued rows should be skipped in %q", got)
	}
	if strings.Contains(got, "\033[") {
		t.Fatalf("plain output should carry no escapes: %q", got)
	}
}

func TestWriteSenderTable(t *testing.T) {
	var out bytes.Buffer
	writeSenderTable(&out, SenderView{
		Header:    "sending 1 file",
		Benchmark: true,
		Rows:      []SenderRow{{Name: strings.Repeat("x", 40), Status: StatusDone}},
	}, true)
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header plus a five line table, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[2], "peak") {
		t.Fatalf("benchmark table should have bench columns: %q", lines[2])
	}
	if len(stripANSI(lines[4])) != len(lines[1]) {
		t.Fatalf("row width %d should match border width %d", len(stripANSI(lines[4])), len(lines[1]))
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FormatRate(512), "512 B/s"},
		{FormatRate(2048), "2 KB/s"},
		{FormatRate(3 * 1024 * 1024), "3.0 MB/s"},
		{FormatBytes(-1), "0 B"},
		{FormatBytes(1536), "1.5 KiB"},
		{FormatBytes(5 * 1024 * 1024 * 1024), "5.00 GiB"},
		{formatETA(0), "--:--:--"},
		{formatETA(3725 * time.Second), "01:02:05"},
		{formatChunkCount(3, 0), "-"},
		{formatChunkCount(3, 9), "3/9"},
		{formatCount(1500), "1.5k"},
		{truncate("abcdefgh", 6), "abc..."},
		{renderBar(50, 4), "[██░░]"},
		{renderBar(150, 2), "[██]"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
