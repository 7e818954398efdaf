// Package config loads and holds the Clawline gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// DMScope values. "main" keeps DMs on the main stream; "dm" seeds a separate
// built-in dm stream per user.
const (
	DMScopeMain = "main"
	DMScopeDM   = "dm"
)

// Config is the root configuration for the Clawline gateway.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Streams StreamsConfig `json:"streams"`
	Pairing PairingConfig `json:"pairing"`
	Limits  LimitsConfig  `json:"limits"`
	Media   MediaConfig   `json:"media"`
}

// GatewayConfig controls the listener and identity of the deployment.
type GatewayConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	AgentID  string `json:"agent_id"`
	StateDir string `json:"state_dir"` // allowlist/pending/denylist, jwt.key, clawline.sqlite
	MediaDir string `json:"media_dir"` // assets/<assetId> and tmp/
}

// StreamsConfig controls the per-user stream catalog.
type StreamsConfig struct {
	DMScope            string `json:"dm_scope"`             // "main" (default) or "dm"
	AdminStreamKey     string `json:"admin_stream_key"`     // shared administrator stream (opaque)
	MaxStreamsPerUser  int    `json:"max_streams_per_user"` // visible-count cap for create
	DisplayNameMaxBytes int   `json:"display_name_max_bytes"`
}

// PairingConfig controls the pairing state machine and token issuance.
type PairingConfig struct {
	MaxPairPerMinute     int `json:"max_pair_per_minute"`
	MaxPendingRequests   int `json:"max_pending_requests"`
	PendingTTLSeconds    int `json:"pending_ttl_seconds"`
	PendingSocketTimeout int `json:"pending_socket_timeout_seconds"`
	TokenTTLSeconds      int `json:"token_ttl_seconds"` // 0 = no exp claim
	ReissueGraceSeconds  int `json:"reissue_grace_seconds"`
}

// LimitsConfig caps message ingestion and replay.
type LimitsConfig struct {
	MaxMessageBytes      int `json:"max_message_bytes"`
	MaxInlineBytes       int `json:"max_inline_bytes"`
	MaxReplayMessages    int `json:"max_replay_messages"`
	MaxMessagesPerSecond int `json:"max_messages_per_second"`
	MaxWriteQueueDepth   int `json:"max_write_queue_depth"`
}

// MediaConfig caps reply-media fetching and asset retention.
type MediaConfig struct {
	MaxUploadBytes       int `json:"max_upload_bytes"`
	FetchTimeoutSeconds  int `json:"fetch_timeout_seconds"`
	AssetTTLHours        int `json:"asset_ttl_hours"` // unreferenced-asset GC horizon
	IdempotencyRetention int `json:"idempotency_retention_days"`
}

// Default returns a Config with localhost-first defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:     "127.0.0.1",
			Port:     18800,
			AgentID:  "main",
			StateDir: "~/.clawline/state",
			MediaDir: "~/.clawline/media",
		},
		Streams: StreamsConfig{
			DMScope:             DMScopeMain,
			MaxStreamsPerUser:   32,
			DisplayNameMaxBytes: 64,
		},
		Pairing: PairingConfig{
			MaxPairPerMinute:     5,
			MaxPendingRequests:   100,
			PendingTTLSeconds:    300,
			PendingSocketTimeout: 300,
			TokenTTLSeconds:      365 * 24 * 3600,
			ReissueGraceSeconds:  600,
		},
		Limits: LimitsConfig{
			MaxMessageBytes:      64 * 1024,
			MaxInlineBytes:       256 * 1024,
			MaxReplayMessages:    500,
			MaxMessagesPerSecond: 5,
			MaxWriteQueueDepth:   256,
		},
		Media: MediaConfig{
			MaxUploadBytes:       8 * 1024 * 1024,
			FetchTimeoutSeconds:  30,
			AssetTTLHours:        72,
			IdempotencyRetention: 7,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWLINE_HOST", &c.Gateway.Host)
	envStr("CLAWLINE_AGENT_ID", &c.Gateway.AgentID)
	envStr("CLAWLINE_STATE_DIR", &c.Gateway.StateDir)
	envStr("CLAWLINE_MEDIA_DIR", &c.Gateway.MediaDir)
	envStr("CLAWLINE_ADMIN_STREAM_KEY", &c.Streams.AdminStreamKey)
	envStr("CLAWLINE_DM_SCOPE", &c.Streams.DMScope)
	if v := os.Getenv("CLAWLINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

func (c *Config) validate() error {
	if c.Streams.DMScope != DMScopeMain && c.Streams.DMScope != DMScopeDM {
		return fmt.Errorf("invalid streams.dm_scope %q", c.Streams.DMScope)
	}
	if c.Limits.MaxWriteQueueDepth <= 0 {
		return fmt.Errorf("limits.max_write_queue_depth must be positive")
	}
	return nil
}

// AdminStreamKey returns the shared administrator stream key, defaulting to
// agent:{agentId}:main.
func (c *Config) AdminStreamKey() string {
	if c.Streams.AdminStreamKey != "" {
		return c.Streams.AdminStreamKey
	}
	return fmt.Sprintf("agent:%s:main", c.Gateway.AgentID)
}

// StatePath resolves a file under the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(ExpandHome(c.Gateway.StateDir), name)
}

// MediaPath resolves a path under the media directory.
func (c *Config) MediaPath(parts ...string) string {
	return filepath.Join(append([]string{ExpandHome(c.Gateway.MediaDir)}, parts...)...)
}

// PendingTTL returns the pending-entry TTL as a duration.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Pairing.PendingTTLSeconds) * time.Second
}

// TokenTTL returns the bearer token lifetime; zero means tokens never expire.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Pairing.TokenTTLSeconds) * time.Second
}

// ReissueGrace returns the token reissue grace window.
func (c *Config) ReissueGrace() time.Duration {
	return time.Duration(c.Pairing.ReissueGraceSeconds) * time.Second
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
