// Package config loads binary settings from an optional TOML file, then
// CHUNKFLOW_* environment variables, then flags. Later sources win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/chunkflow/internal/delivery"
	"github.com/sheerbytes/chunkflow/internal/framing"
	"github.com/sheerbytes/chunkflow/internal/receiver"
	"github.com/sheerbytes/chunkflow/internal/transport"
)

const envPrefix = "CHUNKFLOW_"

// ServerConfig holds configuration for the receiver binary.
type ServerConfig struct {
	Addr         string
	Network      string
	WSPath       string
	OutDir       string
	LogLevel     string
	LossRate     float64
	Seed         int64
	ChunkTimeout time.Duration
	MinTimeout   time.Duration
	MaxFrame     int
	MaxTransfer  int64
	// HTTPAddr serves /health, /metrics and /transfers. Empty disables it.
	HTTPAddr string
}

// ClientConfig holds configuration for the sender binary.
type ClientConfig struct {
	Addr       string
	Network    string
	WSPath     string
	Mode       string
	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int
	Compress   bool
	LogLevel   string
	TUI        bool
	Bench      bool
	// Paths are the positional arguments: files to send.
	Paths []string
}

// DefaultServerConfig returns the settings used when nothing is configured.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":9000",
		Network:      transport.NetworkTCP,
		OutDir:       "received",
		LogLevel:     "info",
		ChunkTimeout: receiver.DefaultChunkTimeout,
		MinTimeout:   receiver.DefaultMinTimeout,
		MaxFrame:     framing.DefaultMaxFrameSize,
		MaxTransfer:  receiver.DefaultMaxTransferSize,
		HTTPAddr:     ":9090",
	}
}

// DefaultClientConfig returns the settings used when nothing is configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:       "127.0.0.1:9000",
		Network:    transport.NetworkTCP,
		Mode:       string(delivery.ModeReliable),
		ChunkSize:  delivery.DefaultChunkSize,
		AckTimeout: delivery.DefaultAckTimeout,
		MaxRetries: delivery.DefaultMaxRetries,
		LogLevel:   "info",
	}
}

// ParseServerConfig parses server configuration from the command line.
func ParseServerConfig() (ServerConfig, error) {
	return ParseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseServerConfigWithFlagSet parses args with fs, for tests and subcommands.
func ParseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	path := configPath(args)
	if path != "" {
		if err := loadServerFile(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	// Read from environment next
	err := errors.Join(
		envString("ADDR", &cfg.Addr),
		envString("NETWORK", &cfg.Network),
		envString("WS_PATH", &cfg.WSPath),
		envString("OUT_DIR", &cfg.OutDir),
		envString("LOG_LEVEL", &cfg.LogLevel),
		envFloat("LOSS_RATE", &cfg.LossRate),
		envInt64("SEED", &cfg.Seed),
		envDuration("CHUNK_TIMEOUT", &cfg.ChunkTimeout),
		envDuration("MIN_TIMEOUT", &cfg.MinTimeout),
		envInt("MAX_FRAME", &cfg.MaxFrame),
		envInt64("MAX_TRANSFER", &cfg.MaxTransfer),
		envString("HTTP_ADDR", &cfg.HTTPAddr),
	)
	if err != nil {
		return ServerConfig{}, err
	}

	// Flags override environment
	fs.String("config", path, "TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory for received payloads")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Float64Var(&cfg.LossRate, "loss-rate", cfg.LossRate, "simulated chunk loss probability (0..1)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "loss simulation seed (0 = time based)")
	fs.DurationVar(&cfg.ChunkTimeout, "chunk-timeout", cfg.ChunkTimeout, "per-chunk share of the transfer timeout")
	fs.DurationVar(&cfg.MinTimeout, "min-timeout", cfg.MinTimeout, "minimum transfer timeout")
	fs.IntVar(&cfg.MaxFrame, "max-frame", cfg.MaxFrame, "largest accepted frame in bytes")
	fs.Int64Var(&cfg.MaxTransfer, "max-transfer", cfg.MaxTransfer, "largest accepted image transfer in bytes")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "status HTTP address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	if err := validNetwork(c.Network); err != nil {
		return err
	}
	if c.LossRate < 0 || c.LossRate > 1 {
		return fmt.Errorf("config: loss rate %v outside [0, 1]", c.LossRate)
	}
	if c.OutDir == "" {
		return errors.New("config: output directory required")
	}
	if c.MaxFrame <= 0 {
		return fmt.Errorf("config: invalid max frame %d", c.MaxFrame)
	}
	if c.MaxTransfer <= 0 {
		return fmt.Errorf("config: invalid max transfer %d", c.MaxTransfer)
	}
	return nil
}

// ParseClientConfig parses client configuration from the command line.
func ParseClientConfig() (ClientConfig, error) {
	return ParseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseClientConfigWithFlagSet parses args with fs, for tests and subcommands.
func ParseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	path := configPath(args)
	if path != "" {
		if err := loadClientFile(path, &cfg); err != nil {
			return ClientConfig{}, err
		}
	}

	err := errors.Join(
		envString("ADDR", &cfg.Addr),
		envString("NETWORK", &cfg.Network),
		envString("WS_PATH", &cfg.WSPath),
		envString("MODE", &cfg.Mode),
		envInt("CHUNK_SIZE", &cfg.ChunkSize),
		envDuration("ACK_TIMEOUT", &cfg.AckTimeout),
		envInt("MAX_RETRIES", &cfg.MaxRetries),
		envBool("COMPRESS", &cfg.Compress),
		envString("LOG_LEVEL", &cfg.LogLevel),
		envBool("TUI", &cfg.TUI),
		envBool("BENCH", &cfg.Bench),
	)
	if err != nil {
		return ClientConfig{}, err
	}

	fs.String("config", path, "TOML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "receiver address")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "delivery mode (FIABLE, SEMI-FIABLE)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk payload size in bytes")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "per-attempt ACK wait (FIABLE)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retransmissions per chunk after the first attempt (FIABLE)")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "gzip chunk payloads")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "full-screen progress view")
	fs.BoolVar(&cfg.Bench, "bench", cfg.Bench, "show throughput benchmark columns")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	cfg.Paths = fs.Args()

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ClientConfig) Validate() error {
	if err := validNetwork(c.Network); err != nil {
		return err
	}
	if _, err := delivery.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > delivery.MaxChunkSize {
		return fmt.Errorf("config: chunk size %d outside (0, %d]", c.ChunkSize, delivery.MaxChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: negative max retries %d", c.MaxRetries)
	}
	return nil
}

// Delivery returns the sender settings. The config must be valid.
func (c ClientConfig) Delivery() delivery.Config {
	mode, _ := delivery.ParseMode(c.Mode)
	return delivery.Config{
		Mode:       mode,
		ChunkSize:  c.ChunkSize,
		AckTimeout: c.AckTimeout,
		MaxRetries: c.MaxRetries,
		Compress:   c.Compress,
	}.Normalize()
}

func validNetwork(network string) error {
	switch network {
	case transport.NetworkTCP, transport.NetworkQUIC, transport.NetworkWS:
		return nil
	}
	return fmt.Errorf("config: unknown network %q (want tcp, quic or ws)", network)
}

// configPath finds -config in args before flags are parsed, falling back
// to CHUNKFLOW_CONFIG.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envPrefix + "CONFIG")
}

func envString(key string, dst *string) error {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}
