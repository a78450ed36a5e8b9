package delivery

import "time"

// Report summarizes one send call.
type Report struct {
	Name        string
	Mode        Mode
	TotalChunks int
	// ChunksSent counts chunk frames written, retransmissions included.
	ChunksSent  int
	ChunksAcked int
	Retries     int
	// Failed lists chunk ids abandoned after every attempt timed out.
	Failed  []int
	Bytes   int64
	Elapsed time.Duration
}

// Complete reports whether every chunk was acknowledged during the call.
func (r Report) Complete() bool {
	return len(r.Failed) == 0 && r.ChunksAcked >= r.TotalChunks
}

// Throughput returns payload bytes per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

// Progress is reported to the progress callback after each chunk.
type Progress struct {
	Name       string
	Done       int
	Total      int
	BytesDone  int64
	BytesTotal int64
}
