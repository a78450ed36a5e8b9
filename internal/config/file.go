package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// serverFile is the TOML key mapping for ServerConfig.
type serverFile struct {
	Addr         string  `toml:"addr"`
	Network      string  `toml:"network"`
	WSPath       string  `toml:"ws_path"`
	OutDir       string  `toml:"out_dir"`
	LogLevel     string  `toml:"log_level"`
	LossRate     float64 `toml:"loss_rate"`
	Seed         int64   `toml:"seed"`
	ChunkTimeout string  `toml:"chunk_timeout"`
	MinTimeout   string  `toml:"min_timeout"`
	MaxFrame     int     `toml:"max_frame"`
	MaxTransfer  int64   `toml:"max_transfer"`
	HTTPAddr     string  `toml:"http_addr"`
}

// clientFile is the TOML key mapping for ClientConfig.
type clientFile struct {
	Addr       string `toml:"addr"`
	Network    string `toml:"network"`
	WSPath     string `toml:"ws_path"`
	Mode       string `toml:"mode"`
	ChunkSize  int    `toml:"chunk_size"`
	AckTimeout string `toml:"ack_timeout"`
	MaxRetries int    `toml:"max_retries"`
	Compress   bool   `toml:"compress"`
	LogLevel   string `toml:"log_level"`
	TUI        bool   `toml:"tui"`
	Bench      bool   `toml:"bench"`
}

// loadServerFile overlays the keys defined in path onto cfg.
func loadServerFile(path string, cfg *ServerConfig) error {
	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load server config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("out_dir") {
		cfg.OutDir = strings.TrimSpace(raw.OutDir)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("loss_rate") {
		cfg.LossRate = raw.LossRate
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}
	if meta.IsDefined("chunk_timeout") {
		if cfg.ChunkTimeout, err = fileDuration("chunk_timeout", raw.ChunkTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("min_timeout") {
		if cfg.MinTimeout, err = fileDuration("min_timeout", raw.MinTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("max_frame") {
		cfg.MaxFrame = raw.MaxFrame
	}
	if meta.IsDefined("max_transfer") {
		cfg.MaxTransfer = raw.MaxTransfer
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	return nil
}

// loadClientFile overlays the keys defined in path onto cfg.
func loadClientFile(path string, cfg *ClientConfig) error {
	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load client config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("mode") {
		cfg.Mode = strings.TrimSpace(raw.Mode)
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("ack_timeout") {
		if cfg.AckTimeout, err = fileDuration("ack_timeout", raw.AckTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("compress") {
		cfg.Compress = raw.Compress
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("tui") {
		cfg.TUI = raw.TUI
	}
	if meta.IsDefined("bench") {
		cfg.Bench = raw.Bench
	}
	return nil
}

func fileDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("load config: %s: %w", key, err)
	}
	return d, nil
}
