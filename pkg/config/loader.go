package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the daemon config file looked up inside the hub dir.
const ConfigFileName = "hub.yaml"

// Load resolves the effective configuration:
//
//  1. Start from built-in defaults.
//  2. Resolve the hub dir (flag override > HUB_DIR env > default).
//  3. If ${hubDir}/hub.yaml exists, expand env vars and merge it on top.
//  4. Validate.
//
// hubDirOverride comes from the --hub-dir flag; empty means unset.
func Load(hubDirOverride string) (*Config, error) {
	cfg := Default()

	switch {
	case hubDirOverride != "":
		cfg.HubDir = hubDirOverride
	case os.Getenv("HUB_DIR") != "":
		cfg.HubDir = os.Getenv("HUB_DIR")
	}

	path := filepath.Join(cfg.HubDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("No config file, using defaults", "path", path)
	case err != nil:
		return nil, &LoadError{File: path, Err: err}
	default:
		fileCfg := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), fileCfg); err != nil {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %w", ErrInvalidYAML, err)}
		}
		// hub_dir inside the file must not re-point the directory the file
		// was loaded from; flag and env already won.
		fileCfg.HubDir = ""
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, &LoadError{File: path, Err: err}
		}
		slog.Info("Loaded configuration", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the feature override keys.
func (c *Config) Validate() error {
	if c.HubDir == "" {
		return NewValidationError("hub", "hub_dir", errors.New("must not be empty"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("hub", "log_level", fmt.Errorf("invalid level %q", c.LogLevel))
	}
	if c.Server.MaxFrameBytes <= 0 {
		return NewValidationError("server", "max_frame_bytes", errors.New("must be positive"))
	}
	if c.Server.MaxStreamChunkBytes <= 0 || c.Server.MaxStreamChunkBytes > c.Server.MaxFrameBytes {
		return NewValidationError("server", "max_stream_chunk_bytes",
			errors.New("must be positive and at most max_frame_bytes"))
	}
	if c.Server.MaxConnections <= 0 {
		return NewValidationError("server", "max_connections", errors.New("must be positive"))
	}
	if c.Stream.MaxPendingWrites <= 0 {
		return NewValidationError("stream", "max_pending_writes", errors.New("must be positive"))
	}
	if c.Stream.DrainTimeout <= 0 {
		return NewValidationError("stream", "drain_timeout", errors.New("must be positive"))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return NewValidationError("stream", "heartbeat_interval", errors.New("must be positive"))
	}
	if c.Stream.MaxRecentEvents <= 0 {
		return NewValidationError("stream", "max_recent_events", errors.New("must be positive"))
	}
	if c.Board.LockTTL <= 0 {
		return NewValidationError("board", "lock_ttl", errors.New("must be positive"))
	}
	if c.Board.RejectionEscalationThreshold < 1 {
		return NewValidationError("board", "rejection_escalation_threshold",
			errors.New("must be at least 1"))
	}
	if c.SLA.BurnRateMultiplier <= 1 {
		return NewValidationError("sla", "burn_rate_multiplier", errors.New("must exceed 1"))
	}
	if c.SLA.SaturationThreshold <= 0 || c.SLA.SaturationThreshold >= 1 {
		return NewValidationError("sla", "saturation_threshold", errors.New("must be in (0, 1)"))
	}
	if c.SLA.TerminateMultiplier < 1 {
		return NewValidationError("sla", "terminate_multiplier", errors.New("must be at least 1"))
	}
	if c.Breaker.FailureThreshold < 1 {
		return NewValidationError("breaker", "failure_threshold", errors.New("must be at least 1"))
	}
	if c.EventLog.MaxBytes <= 0 {
		return NewValidationError("event_log", "max_bytes", errors.New("must be positive"))
	}
	if _, err := c.FeatureSet(); err != nil {
		return err
	}
	return nil
}

// EnsureHubDir creates the hub directory tree the daemon expects. The
// tokens directory is owner-only.
func (c *Config) EnsureHubDir() error {
	if err := os.MkdirAll(c.HubDir, 0o755); err != nil {
		return fmt.Errorf("create hub dir: %w", err)
	}
	if err := os.MkdirAll(c.TokensDir(), 0o700); err != nil {
		return fmt.Errorf("create tokens dir: %w", err)
	}
	for _, dir := range []string{c.WorkflowsDir(), c.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
