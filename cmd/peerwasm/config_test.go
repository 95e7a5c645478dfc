package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerwasm.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverlay(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9000"
public_ip = "203.0.113.7"
ice_servers = ["stun:stun.l.google.com:19302"]
negotiation_timeout = "250ms"
trace = true
metrics = false
`)
	cfg, err := loadConfig(path, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("addr: want=127.0.0.1:9000 got=%s", cfg.Addr)
	}
	if cfg.PublicIP != "203.0.113.7" {
		t.Errorf("public_ip: got=%s", cfg.PublicIP)
	}
	if len(cfg.ICEServers) != 1 {
		t.Errorf("ice_servers: got=%v", cfg.ICEServers)
	}
	if cfg.NegotiationTimeout != 250*time.Millisecond {
		t.Errorf("negotiation_timeout: got=%s", cfg.NegotiationTimeout)
	}
	if !cfg.Trace || cfg.Metrics {
		t.Errorf("trace/metrics: got=%t/%t", cfg.Trace, cfg.Metrics)
	}

	// Keys missing from the file keep their defaults.
	defaults := DefaultConfig()
	if cfg.ChunkSize != defaults.ChunkSize || cfg.RelayTimeout != defaults.RelayTimeout {
		t.Errorf("defaults were overwritten: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, content := range []string{
		`negotiation_timeout = "soon"`,
		`relay_timeout = "0s"`,
		`chunk_size = 0`,
		`unknown_key = 1`,
		`addr = `,
	} {
		if _, err := loadConfig(writeConfig(t, content), DefaultConfig()); err == nil {
			t.Errorf("no error for %q", content)
		}
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"PUBLIC_IP=203.0.113.7", "EMPTY="})
	if err != nil {
		t.Fatal(err)
	}
	if env["PUBLIC_IP"] != "203.0.113.7" || env["EMPTY"] != "" {
		t.Errorf("wrong environment: %v", env)
	}
	if _, err := parseEnv([]string{"NOVALUE"}); err == nil {
		t.Error("no error for entry without value")
	}
}
