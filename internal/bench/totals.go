package bench

import (
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/receiver"
)

// ReceiveTotals sums a set of received transfers.
type ReceiveTotals struct {
	Transfers  int
	Complete   int
	TimedOut   int
	Chunks     int
	Received   int
	Lost       int
	Dropped    int
	Corrupt    int
	Duplicates int
	Bytes      int64
	Elapsed    time.Duration
}

// SummarizeReceived totals results.
func SummarizeReceived(results []receiver.Result) ReceiveTotals {
	var t ReceiveTotals
	for _, r := range results {
		t.Transfers++
		if r.Complete {
			t.Complete++
		}
		if r.TimedOut {
			t.TimedOut++
		}
		t.Chunks += r.TotalChunks
		t.Received += r.Received
		t.Lost += r.Lost
		t.Dropped += r.Dropped
		t.Corrupt += r.Corrupt
		t.Duplicates += r.Duplicates
		t.Bytes += r.Size
		t.Elapsed += r.Elapsed
	}
	return t
}

// SuccessRate returns the percentage of announced chunks that arrived.
func (t ReceiveTotals) SuccessRate() float64 {
	if t.Chunks == 0 {
		return 0
	}
	return float64(t.Received) / float64(t.Chunks) * 100
}

// Throughput returns bytes per second over the summed transfer time.
func (t ReceiveTotals) Throughput() float64 {
	return rate(t.Bytes, t.Elapsed)
}

// SendTotals sums a set of send reports.
type SendTotals struct {
	Transfers int
	Complete  int
	Chunks    int
	Sent      int
	Acked     int
	Retries   int
	Failed    int
	Bytes     int64
	Elapsed   time.Duration
}

// SummarizeSent totals reports.
func SummarizeSent(reports []delivery.Report) SendTotals {
	var t SendTotals
	for _, r := range reports {
		t.Transfers++
		if r.Complete() {
			t.Complete++
		}
		t.Chunks += r.TotalChunks
		t.Sent += r.ChunksSent
		t.Acked += r.ChunksAcked
		t.Retries += r.Retries
		t.Failed += len(r.Failed)
		t.Bytes += r.Bytes
		t.Elapsed += r.Elapsed
	}
	return t
}

// AckRate returns the percentage of chunks acknowledged.
func (t SendTotals) AckRate() float64 {
	if t.Chunks == 0 {
		return 0
	}
	return float64(t.Acked) / float64(t.Chunks) * 100
}

// Throughput returns bytes per second over the summed send time.
func (t SendTotals) Throughput() float64 {
	return rate(t.Bytes, t.Elapsed)
}

func rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
