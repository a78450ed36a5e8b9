// Package metrics exposes transfer counters to Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	chunksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "sender",
			Name:      "chunks_sent_total",
			Help:      "Chunk frames written, retransmissions included.",
		},
		[]string{"mode"},
	)
	chunkRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "sender",
			Name:      "retries_total",
			Help:      "Chunk retransmissions after an ACK timeout.",
		},
		[]string{"mode"},
	)
	chunksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "sender",
			Name:      "chunks_failed_total",
			Help:      "Chunks abandoned after every attempt timed out.",
		},
		[]string{"mode"},
	)
	chunksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "receiver",
			Name:      "chunks_total",
			Help:      "Chunk frames seen by the receiver, by outcome.",
		},
		[]string{"outcome"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "receiver",
			Name:      "transfers_total",
			Help:      "Finished transfers by kind and result.",
		},
		[]string{"kind", "result"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "receiver",
			Name:      "bytes_total",
			Help:      "Payload bytes persisted.",
		},
		[]string{"kind"},
	)
	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkflow",
			Subsystem: "receiver",
			Name:      "transfer_duration_seconds",
			Help:      "Time from announcement to persistence.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chunkflow",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Streams currently being served.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status API requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Chunk outcomes recorded by the receiver.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeDropped   = "dropped"
	OutcomeCorrupt   = "corrupt"
)

// Register adds the collectors to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			chunksSent, chunkRetries, chunksFailed,
			chunksReceived, transfers, transferBytes, transferDuration,
			activeConns, httpRequests, httpDuration,
		)
	})
}

func RecordChunkSent(mode string) {
	Register()
	chunksSent.WithLabelValues(mode).Inc()
}

func RecordRetry(mode string) {
	Register()
	chunkRetries.WithLabelValues(mode).Inc()
}

func RecordChunkFailed(mode string) {
	Register()
	chunksFailed.WithLabelValues(mode).Inc()
}

// RecordChunk counts one chunk frame on the receiver under outcome.
func RecordChunk(outcome string) {
	Register()
	chunksReceived.WithLabelValues(outcome).Inc()
}

// RecordTransfer counts one finished transfer.
func RecordTransfer(kind string, complete bool, bytes int, duration time.Duration) {
	Register()
	result := "complete"
	if !complete {
		result = "partial"
	}
	transfers.WithLabelValues(kind, result).Inc()
	transferBytes.WithLabelValues(kind).Add(float64(bytes))
	transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func ConnOpened() {
	Register()
	activeConns.Inc()
}

func ConnClosed() {
	Register()
	activeConns.Dec()
}

// RecordHTTPRequest counts one status API request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
