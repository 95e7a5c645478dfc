package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stealthrocket/peerwasm/signaling"
	"github.com/stealthrocket/peerwasm/transfer"
	"github.com/stealthrocket/peerwasm/tunnel"
)

// Config holds the settings of every command.
type Config struct {
	Addr               string
	PublicIP           string
	ICEServers         []string
	NegotiationTimeout time.Duration
	MaxModuleSize      int
	ChunkSize          int
	LogLevel           string
	Trace              bool
	Metrics            bool
	TunnelURL          string
	RelayTimeout       time.Duration
	Preload            string
}

func DefaultConfig() Config {
	return Config{
		Addr:               ":5794",
		NegotiationTimeout: signaling.DefaultGatherTimeout,
		MaxModuleSize:      64 << 20,
		ChunkSize:          transfer.DefaultChunkSize,
		LogLevel:           "info",
		Metrics:            true,
		RelayTimeout:       tunnel.DefaultTimeout,
	}
}

type fileConfig struct {
	Addr               string   `toml:"addr"`
	PublicIP           string   `toml:"public_ip"`
	ICEServers         []string `toml:"ice_servers"`
	NegotiationTimeout string   `toml:"negotiation_timeout"`
	MaxModuleSize      int      `toml:"max_module_size"`
	ChunkSize          int      `toml:"chunk_size"`
	LogLevel           string   `toml:"log_level"`
	Trace              bool     `toml:"trace"`
	Metrics            bool     `toml:"metrics"`
	TunnelURL          string   `toml:"tunnel_url"`
	RelayTimeout       string   `toml:"relay_timeout"`
	Preload            string   `toml:"preload"`
}

// loadConfig overlays the settings defined in the TOML file at path on cfg.
func loadConfig(path string, cfg Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("public_ip") {
		cfg.PublicIP = strings.TrimSpace(raw.PublicIP)
	}
	if meta.IsDefined("ice_servers") {
		cfg.ICEServers = raw.ICEServers
	}
	if meta.IsDefined("negotiation_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.NegotiationTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse negotiation_timeout: %w", err)
		}
		cfg.NegotiationTimeout = d
	}
	if meta.IsDefined("max_module_size") {
		cfg.MaxModuleSize = raw.MaxModuleSize
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("trace") {
		cfg.Trace = raw.Trace
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	if meta.IsDefined("tunnel_url") {
		cfg.TunnelURL = strings.TrimSpace(raw.TunnelURL)
	}
	if meta.IsDefined("relay_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RelayTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse relay_timeout: %w", err)
		}
		cfg.RelayTimeout = d
	}
	if meta.IsDefined("preload") {
		cfg.Preload = strings.TrimSpace(raw.Preload)
	}
	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch {
	case cfg.Addr == "":
		return fmt.Errorf("addr must not be empty")
	case cfg.NegotiationTimeout <= 0:
		return fmt.Errorf("negotiation_timeout must be positive")
	case cfg.RelayTimeout <= 0:
		return fmt.Errorf("relay_timeout must be positive")
	case cfg.MaxModuleSize < 0:
		return fmt.Errorf("max_module_size must not be negative")
	case cfg.ChunkSize <= 0:
		return fmt.Errorf("chunk_size must be positive")
	}
	return nil
}
