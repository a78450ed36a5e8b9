package receiver

import "time"

// Transfer kinds.
const (
	KindFile  = "file"
	KindImage = "image"
)

// PartialSuffix is appended to the name of an incomplete reconstruction.
const PartialSuffix = ".partial"

// Result describes one received transfer.
type Result struct {
	TransferID  string
	Name        string
	Kind        string
	Size        int64
	Format      string
	Width       int
	Height      int
	TotalChunks int
	Received    int
	// Lost counts chunks still missing when the transfer ended.
	Lost int
	// Dropped counts chunks discarded by loss simulation.
	Dropped    int
	Corrupt    int
	Duplicates int
	Complete   bool
	TimedOut   bool
	SavedAs    string
	SaveErr    error
	Elapsed    time.Duration
}

// SuccessRate returns the percentage of chunks received. Files and
// zero-chunk transfers are all or nothing.
func (r Result) SuccessRate() float64 {
	if r.TotalChunks == 0 {
		if r.Complete {
			return 100
		}
		return 0
	}
	return float64(r.Received) / float64(r.TotalChunks) * 100
}

// Throughput returns declared payload bytes per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Size) / r.Elapsed.Seconds()
}
