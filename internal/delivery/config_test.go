package delivery

import (
	"math/rand"
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"FIABLE", ModeReliable, true},
		{"fiable", ModeReliable, true},
		{"reliable", ModeReliable, true},
		{"SEMI-FIABLE", ModeBestEffort, true},
		{" semi ", ModeBestEffort, true},
		{"best-effort", ModeBestEffort, true},
		{"", "", false},
		{"udp", "", false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	got := Config{}.Normalize()
	if got.Mode != ModeReliable || got.ChunkSize != DefaultChunkSize || got.AckTimeout != DefaultAckTimeout {
		t.Fatalf("Normalize zero value = %+v", got)
	}
	if got.MaxRetries != 0 {
		t.Fatalf("zero retries must be kept, got %d", got.MaxRetries)
	}

	got = Config{ChunkSize: MaxChunkSize * 2, MaxRetries: -3, AckTimeout: -time.Second}.Normalize()
	if got.ChunkSize != MaxChunkSize || got.MaxRetries != 0 || got.AckTimeout != DefaultAckTimeout {
		t.Fatalf("Normalize clamps = %+v", got)
	}

	def := DefaultConfig()
	if def.MaxRetries != 5 || def.Attempts() != 6 {
		t.Fatalf("DefaultConfig = %+v attempts=%d", def, def.Attempts())
	}
	if def.Normalize() != def {
		t.Fatal("DefaultConfig should already be normalized")
	}
}

func TestLossSimulator(t *testing.T) {
	never := NewLossSimulator(0, rand.NewSource(1))
	always := NewLossSimulator(1, rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		if never.Drop() {
			t.Fatal("rate 0 dropped")
		}
		if !always.Drop() {
			t.Fatal("rate 1 kept")
		}
	}

	var nilSim *LossSimulator
	if nilSim.Drop() || nilSim.Rate() != 0 {
		t.Fatal("nil simulator must never drop")
	}

	half := NewLossSimulator(0.5, rand.NewSource(42))
	dropped := 0
	for i := 0; i < 10000; i++ {
		if half.Drop() {
			dropped++
		}
	}
	if dropped < 4500 || dropped > 5500 {
		t.Fatalf("rate 0.5 dropped %d of 10000", dropped)
	}

	if NewLossSimulator(7, nil).Rate() != 1 || NewLossSimulator(-1, nil).Rate() != 0 {
		t.Fatal("rate should be clamped to [0, 1]")
	}
}

func TestReportThroughput(t *testing.T) {
	r := Report{Bytes: 2000, Elapsed: 2 * time.Second}
	if r.Throughput() != 1000 {
		t.Fatalf("Throughput = %v", r.Throughput())
	}
	if (Report{Bytes: 10}).Throughput() != 0 {
		t.Fatal("zero elapsed should report zero throughput")
	}
	if !(Report{}).Complete() {
		t.Fatal("an empty transfer is complete")
	}
}
