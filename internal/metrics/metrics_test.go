package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()

	RecordChunkSent("FIABLE")
	RecordRetry("FIABLE")
	RecordChunkFailed("SEMI-FIABLE")
	RecordChunk(OutcomeAccepted)
	RecordTransfer("image", true, 2600, 15*time.Millisecond)
	ConnOpened()
	ConnClosed()
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestRecordTransferLabelsPartial(t *testing.T) {
	RecordTransfer("file", false, 10, time.Millisecond)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "chunkflow_receiver_transfers_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == "file" && labels["result"] == "partial" && m.GetCounter().GetValue() >= 1 {
				return
			}
		}
	}
	t.Fatal("partial file transfer was not recorded")
}
