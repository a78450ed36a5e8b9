package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/chunkflow/internal/bench"
)

// Row statuses.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusDone    = "done"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

type SenderRow struct {
	Name    string
	Status  string
	Stats   Stats
	Bench   bench.Snapshot
	Retries int
	Failed  int
}

type SenderView struct {
	Header    string
	Rows      []SenderRow
	Benchmark bool
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderSender redraws view on w until ctx ends or the returned stop func is
// called. Terminals get a table redrawn in place; other writers get one line
// per row each second.
func RenderSender(ctx context.Context, w io.Writer, view func() SenderView) func() {
	isTTY := IsTTY(w)
	interval := 250 * time.Millisecond
	if !isTTY {
		interval = time.Second
	} else {
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	lastLines := 0
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if isTTY {
			if lastLines > 0 {
				fmt.Fprintf(w, "\033[%dA", lastLines)
				fmt.Fprint(w, "\033[J")
			}
			var b strings.Builder
			writeSenderTable(&b, v, true)
			fmt.Fprint(w, b.String())
			lastLines = strings.Count(b.String(), "\n")
			return
		}
		writeSenderLines(w, v)
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func writeSenderTable(w io.Writer, v SenderView, color bool) {
	writeHeader(w, v.Header, color)
	var headers []string
	var widths []int
	if v.Benchmark {
		headers = []string{"file", "status", "chunks", "retries", "%", "inst", "ewma", "avg", "peak", "elapsed", "ETA"}
		widths = []int{24, 8, 11, 7, 5, 11, 11, 11, 11, 8, 8}
	} else {
		headers = []string{"file", "status", "chunks", "retries", "%", "rate", "ETA"}
		widths = []int{24, 8, 11, 7, 5, 10, 8}
	}
	rows := make([][]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		cells := []string{
			truncate(row.Name, 24),
			colorize(row.Status, statusColor(row.Status), color),
			formatChunkCount(row.Stats.ChunksDone, row.Stats.ChunksTotal),
			formatCount(int64(row.Retries)),
			fmt.Sprintf("%.1f", row.Stats.Percent),
		}
		if v.Benchmark {
			cells = append(cells,
				formatBenchRate(row.Bench.InstMBps),
				formatBenchRate(row.Bench.EwmaMBps),
				formatBenchRate(row.Bench.AvgMBps),
				formatBenchRate(row.Bench.PeakMBps),
				formatElapsed(row.Bench.Elapsed),
				formatETA(row.Bench.ETA),
			)
		} else {
			cells = append(cells, FormatRate(row.Stats.RateBps), formatETA(row.Stats.ETA))
		}
		rows = append(rows, cells)
	}
	renderTable(w, headers, rows, widths)
}

func writeSenderLines(w io.Writer, v SenderView) {
	for _, row := range v.Rows {
		if row.Status == StatusQueued {
			continue
		}
		if v.Benchmark {
			fmt.Fprintf(w, "BENCH file=%s status=%s inst=%s ewma=%s avg=%s peak=%s elapsed=%s eta=%s\n",
				row.Name,
				row.Status,
				formatBenchRate(row.Bench.InstMBps),
				formatBenchRate(row.Bench.EwmaMBps),
				formatBenchRate(row.Bench.AvgMBps),
				formatBenchRate(row.Bench.PeakMBps),
				formatElapsed(row.Bench.Elapsed),
				formatETA(row.Bench.ETA),
			)
			continue
		}
		fmt.Fprintf(w, "file=%s status=%s chunks=%s retries=%d %.1f%% %s ETA %s\n",
			row.Name,
			row.Status,
			formatChunkCount(row.Stats.ChunksDone, row.Stats.ChunksTotal),
			row.Retries,
			row.Stats.Percent,
			FormatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		)
	}
}

func statusColor(status string) string {
	switch status {
	case StatusDone:
		return colorGreen
	case StatusFailed, StatusPartial:
		return colorRed
	case StatusSending:
		return colorCyan
	}
	return ""
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func renderBar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)
	filled := min(int((percent/100)*float64(width)), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	fmt.Fprintln(w, buildRow(headers, widths))
	fmt.Fprintln(w, border)
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
	}
	fmt.Fprintln(w, border)
	return len(rows) + 4
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

// padRight pads by visible width; ANSI color codes do not count.
func padRight(s string, width int) string {
	if width <= 0 {
		return ""
	}
	visible := len(stripANSI(s))
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\033[") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\033' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func truncate(s string, width int) string {
	if len(s) <= width || width < 4 {
		return s
	}
	return s[:width-3] + "..."
}

// FormatRate renders a byte rate with a binary unit.
func FormatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	}
	return fmt.Sprintf("%d B", max(n, 0))
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	return formatElapsed(d)
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "00:00:00"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatBenchRate(mbps float64) string {
	return fmt.Sprintf("%.2fMB/s", mbps)
}

func formatChunkCount(done, total int) string {
	if total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", done, total)
}

func formatCount(n int64) string {
	if n < 0 {
		n = 0
	}
	const (
		k = 1000
		m = 1000 * k
	)
	switch {
	case n >= m:
		return fmt.Sprintf("%.1fM", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1fk", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d", n)
	}
}
