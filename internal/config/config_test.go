package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18800 {
		t.Fatalf("unexpected listener defaults: %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Streams.DMScope != DMScopeMain {
		t.Fatalf("default dm scope = %q", cfg.Streams.DMScope)
	}
	if cfg.AdminStreamKey() != "agent:main:main" {
		t.Fatalf("default admin stream key = %q", cfg.AdminStreamKey())
	}
	if cfg.Pairing.MaxPairPerMinute != 5 {
		t.Fatalf("default pair rate = %d", cfg.Pairing.MaxPairPerMinute)
	}
	if cfg.PendingTTL() != 5*time.Minute {
		t.Fatalf("default pending ttl = %v", cfg.PendingTTL())
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != Default().Gateway.Port {
		t.Fatalf("missing file should yield defaults, got port %d", cfg.Gateway.Port)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// comments are allowed
		gateway: { port: 9999, agent_id: "beta" },
		streams: { dm_scope: "dm", admin_stream_key: "agent:beta:ops" },
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 || cfg.Gateway.AgentID != "beta" {
		t.Fatalf("file values not applied: %+v", cfg.Gateway)
	}
	if cfg.Streams.DMScope != DMScopeDM {
		t.Fatalf("dm scope = %q", cfg.Streams.DMScope)
	}
	if cfg.AdminStreamKey() != "agent:beta:ops" {
		t.Fatalf("admin stream key = %q", cfg.AdminStreamKey())
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.MaxReplayMessages != 500 {
		t.Fatalf("replay limit = %d", cfg.Limits.MaxReplayMessages)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 9999}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLAWLINE_PORT", "7777")
	t.Setenv("CLAWLINE_AGENT_ID", "ops")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 7777 {
		t.Fatalf("env port override lost: %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AgentID != "ops" {
		t.Fatalf("env agent override lost: %q", cfg.Gateway.AgentID)
	}
}

func TestLoadRejectsInvalidDMScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{streams: {dm_scope: "both"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for dm_scope")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Fatalf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandHome(/abs/path) = %q", got)
	}
}
