package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
)

var envKeys = []string{
	"CONFIG", "ADDR", "NETWORK", "WS_PATH", "OUT_DIR", "LOG_LEVEL", "LOSS_RATE", "SEED",
	"CHUNK_TIMEOUT", "MIN_TIMEOUT", "MAX_FRAME", "MAX_TRANSFER", "HTTP_ADDR", "MODE", "CHUNK_SIZE",
	"ACK_TIMEOUT", "MAX_RETRIES", "COMPRESS", "TUI", "BENCH",
}

// clearEnv blanks every CHUNKFLOW_* variable; empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(envPrefix+key, "")
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunkflow.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseServerConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != DefaultServerConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), []string{
		"-addr", ":9100", "-network", "quic", "-log-level", "debug", "-loss-rate", "0.25",
		"-seed", "7", "-chunk-timeout", "50ms", "-min-timeout", "2s", "-out-dir", "/tmp/x",
		"-http-addr", "", "-max-transfer", "1048576",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9100" || cfg.Network != "quic" || cfg.LogLevel != "debug" {
		t.Errorf("unexpected string fields %+v", cfg)
	}
	if cfg.LossRate != 0.25 || cfg.Seed != 7 {
		t.Errorf("unexpected loss settings %+v", cfg)
	}
	if cfg.ChunkTimeout != 50*time.Millisecond || cfg.MinTimeout != 2*time.Second {
		t.Errorf("unexpected timeouts %+v", cfg)
	}
	if cfg.OutDir != "/tmp/x" || cfg.HTTPAddr != "" {
		t.Errorf("unexpected paths %+v", cfg)
	}
	if cfg.MaxTransfer != 1<<20 {
		t.Errorf("unexpected max transfer %d", cfg.MaxTransfer)
	}
}

func TestParseServerConfig_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHUNKFLOW_ADDR", ":7070")
	t.Setenv("CHUNKFLOW_LOG_LEVEL", "warn")
	t.Setenv("CHUNKFLOW_LOSS_RATE", "0.5")
	t.Setenv("CHUNKFLOW_MIN_TIMEOUT", "3s")

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.LogLevel != "warn" || cfg.LossRate != 0.5 || cfg.MinTimeout != 3*time.Second {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHUNKFLOW_ADDR", ":7070")
	t.Setenv("CHUNKFLOW_LOG_LEVEL", "warn")

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), []string{"-addr", ":9090", "-log-level", "error"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error (from flag), got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_FileThenEnvThenFlags(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
addr = ":6000"
network = "ws"
ws_path = "/chunks"
loss_rate = 0.1
chunk_timeout = "100ms"
log_level = "debug"
max_transfer = 4096
`)
	t.Setenv("CHUNKFLOW_LOG_LEVEL", "warn")

	cfg, err := ParseServerConfigWithFlagSet(newFlagSet(), []string{"-config", path, "-addr", ":6001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Network != "ws" || cfg.WSPath != "/chunks" || cfg.LossRate != 0.1 || cfg.ChunkTimeout != 100*time.Millisecond {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxTransfer != 4096 {
		t.Errorf("max_transfer not applied, got %d", cfg.MaxTransfer)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env should override file, got %s", cfg.LogLevel)
	}
	if cfg.Addr != ":6001" {
		t.Errorf("flag should override file, got %s", cfg.Addr)
	}
	if cfg.MinTimeout != DefaultServerConfig().MinTimeout {
		t.Errorf("keys missing from the file keep defaults, got %s", cfg.MinTimeout)
	}
}

func TestParseServerConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
		args []string
		want string
	}{
		{name: "bad network", args: []string{"-network", "udp"}, want: "unknown network"},
		{name: "loss rate", args: []string{"-loss-rate", "1.5"}, want: "loss rate"},
		{name: "bad env float", env: map[string]string{"CHUNKFLOW_LOSS_RATE": "lots"}, want: "CHUNKFLOW_LOSS_RATE"},
		{name: "bad env duration", env: map[string]string{"CHUNKFLOW_CHUNK_TIMEOUT": "soon"}, want: "CHUNKFLOW_CHUNK_TIMEOUT"},
		{name: "unknown file key", file: "colour = \"blue\"\n", want: "unknown key"},
		{name: "bad file duration", file: "min_timeout = \"never\"\n", want: "min_timeout"},
		{name: "max transfer", args: []string{"-max-transfer", "0"}, want: "max transfer"},
		{name: "unknown flag", args: []string{"-nope"}, want: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			args := tt.args
			if tt.file != "" {
				args = append([]string{"-config", writeFile(t, tt.file)}, args...)
			}
			_, err := ParseServerConfigWithFlagSet(newFlagSet(), args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseClientConfig_DefaultsAndPaths(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"-mode", "semi-fiable", "a.png", "b.bin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.Network != "tcp" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Paths) != 2 || cfg.Paths[0] != "a.png" || cfg.Paths[1] != "b.bin" {
		t.Errorf("unexpected paths %v", cfg.Paths)
	}
	d := cfg.Delivery()
	if d.Mode != delivery.ModeBestEffort || d.ChunkSize != delivery.DefaultChunkSize || d.MaxRetries != delivery.DefaultMaxRetries {
		t.Errorf("unexpected delivery config %+v", d)
	}
}

func TestParseClientConfig_Sources(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
mode = "FIABLE"
chunk_size = 4096
ack_timeout = "250ms"
max_retries = 2
compress = true
`)
	t.Setenv("CHUNKFLOW_CONFIG", path)
	t.Setenv("CHUNKFLOW_MAX_RETRIES", "0")
	t.Setenv("CHUNKFLOW_TUI", "true")

	cfg, err := ParseClientConfigWithFlagSet(newFlagSet(), []string{"--chunk-size=8192", "img.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := cfg.Delivery()
	if d.ChunkSize != 8192 {
		t.Errorf("flag should win for chunk size, got %d", d.ChunkSize)
	}
	if d.MaxRetries != 0 {
		t.Errorf("env should win for retries, got %d", d.MaxRetries)
	}
	if d.AckTimeout != 250*time.Millisecond || !d.Compress || d.Mode != delivery.ModeReliable {
		t.Errorf("file values not applied: %+v", d)
	}
	if !cfg.TUI {
		t.Error("expected TUI from env")
	}
}

func TestParseClientConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad mode", []string{"-mode", "maybe"}, "unknown delivery mode"},
		{"zero chunk", []string{"-chunk-size", "0"}, "chunk size"},
		{"huge chunk", []string{"-chunk-size", "999999999"}, "chunk size"},
		{"negative retries", []string{"-max-retries", "-1"}, "max retries"},
		{"bad network", []string{"-network", "sctp"}, "unknown network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := ParseClientConfigWithFlagSet(newFlagSet(), tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.toml"}, "a.toml"},
		{[]string{"--config=b.toml", "-addr", "x"}, "b.toml"},
		{[]string{"-addr", "x", "--", "-config", "c.toml"}, ""},
		{[]string{"config", "d.toml"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
