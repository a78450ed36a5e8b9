package server

import (
	"sync"

	"github.com/sheerbytes/chunkflow/internal/bench"
	"github.com/sheerbytes/chunkflow/internal/receiver"
)

// History keeps the most recent transfer results, oldest first.
type History struct {
	mu      sync.Mutex
	limit   int
	results []receiver.Result
	total   int
}

// NewHistory keeps at most limit results. A limit below one keeps one.
func NewHistory(limit int) *History {
	return &History{limit: max(limit, 1)}
}

// Add records r, evicting the oldest result when full.
func (h *History) Add(r receiver.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	if len(h.results) == h.limit {
		copy(h.results, h.results[1:])
		h.results = h.results[:len(h.results)-1]
	}
	h.results = append(h.results, r)
}

// Recent returns a copy of the kept results.
func (h *History) Recent() []receiver.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]receiver.Result, len(h.results))
	copy(out, h.results)
	return out
}

// Seen reports how many results were ever added.
func (h *History) Seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// TransferView is the JSON form of a result.
type TransferView struct {
	TransferID  string  `json:"transfer_id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Size        int64   `json:"size"`
	Format      string  `json:"format,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	TotalChunks int     `json:"total_chunks"`
	Received    int     `json:"received"`
	Lost        int     `json:"lost"`
	Dropped     int     `json:"dropped"`
	Corrupt     int     `json:"corrupt"`
	Duplicates  int     `json:"duplicates"`
	SuccessRate float64 `json:"success_rate"`
	Complete    bool    `json:"complete"`
	TimedOut    bool    `json:"timed_out"`
	SavedAs     string  `json:"saved_as,omitempty"`
	SaveError   string  `json:"save_error,omitempty"`
	ElapsedMs   int64   `json:"elapsed_ms"`
	Throughput  float64 `json:"throughput_bps"`
}

func viewOf(r receiver.Result) TransferView {
	v := TransferView{
		TransferID:  r.TransferID,
		Name:        r.Name,
		Kind:        r.Kind,
		Size:        r.Size,
		Format:      r.Format,
		Width:       r.Width,
		Height:      r.Height,
		TotalChunks: r.TotalChunks,
		Received:    r.Received,
		Lost:        r.Lost,
		Dropped:     r.Dropped,
		Corrupt:     r.Corrupt,
		Duplicates:  r.Duplicates,
		SuccessRate: r.SuccessRate(),
		Complete:    r.Complete,
		TimedOut:    r.TimedOut,
		SavedAs:     r.SavedAs,
		ElapsedMs:   r.Elapsed.Milliseconds(),
		Throughput:  r.Throughput(),
	}
	if r.SaveErr != nil {
		v.SaveError = r.SaveErr.Error()
	}
	return v
}

// SummaryView is the JSON form of the totals over the kept results.
type SummaryView struct {
	Seen        int     `json:"seen"`
	Transfers   int     `json:"transfers"`
	Complete    int     `json:"complete"`
	TimedOut    int     `json:"timed_out"`
	Chunks      int     `json:"chunks"`
	Received    int     `json:"received"`
	Lost        int     `json:"lost"`
	Dropped     int     `json:"dropped"`
	Corrupt     int     `json:"corrupt"`
	Duplicates  int     `json:"duplicates"`
	Bytes       int64   `json:"bytes"`
	SuccessRate float64 `json:"success_rate"`
	Throughput  float64 `json:"throughput_bps"`
	ElapsedMs   int64   `json:"elapsed_ms"`
}

func summaryOf(seen int, results []receiver.Result) SummaryView {
	t := bench.SummarizeReceived(results)
	return SummaryView{
		Seen:        seen,
		Transfers:   t.Transfers,
		Complete:    t.Complete,
		TimedOut:    t.TimedOut,
		Chunks:      t.Chunks,
		Received:    t.Received,
		Lost:        t.Lost,
		Dropped:     t.Dropped,
		Corrupt:     t.Corrupt,
		Duplicates:  t.Duplicates,
		Bytes:       t.Bytes,
		SuccessRate: t.SuccessRate(),
		Throughput:  t.Throughput(),
		ElapsedMs:   t.Elapsed.Milliseconds(),
	}
}

