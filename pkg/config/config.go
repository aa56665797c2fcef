// Package config loads and validates the daemon configuration.
//
// Configuration comes from ${HUB_DIR}/hub.yaml merged over built-in
// defaults. Environment variables are expanded inside the YAML with
// {{.VAR}} template syntax before parsing. The HUB_DIR environment
// variable (or the --hub-dir flag in the command layer) overrides the
// state directory.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root of hub.yaml.
type Config struct {
	// HubDir is the daemon state directory. Resolution order:
	// flag > HUB_DIR env > hub.yaml > $HOME/.agenthub.
	HubDir string `yaml:"hub_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Features holds per-flag overrides applied on top of the defaults.
	// Keys are the snake_case flag names; unknown keys fail validation.
	Features map[string]bool `yaml:"features"`

	Server     ServerConfig     `yaml:"server"`
	Stream     StreamConfig     `yaml:"stream"`
	Board      BoardConfig      `yaml:"board"`
	SLA        SLAConfig        `yaml:"sla"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Acceptance AcceptanceConfig `yaml:"acceptance"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	History    HistoryConfig    `yaml:"history"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
}

// Features is the resolved feature-flag set controlling which components
// the daemon instantiates. Each flag is independent.
type Features struct {
	Streaming         bool
	ReviewBundles     bool
	AutoAcceptance    bool
	CapabilityRouting bool
	SLAEngine         bool
	KnowledgeIndex    bool
	GitHubIntegration bool
	Workflow          bool
	Retro             bool
	Sessions          bool
	Trust             bool
	CircuitBreaker    bool
	Monitoring        bool
	Reliability       bool
	CognitiveFriction bool
}

// ServerConfig controls the RPC socket server.
type ServerConfig struct {
	// MaxFrameBytes is the hard cap on one encoded frame. Oversize frames
	// drop the buffer and close the connection.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// MaxStreamChunkBytes caps frames pushed to stream subscribers; larger
	// events are silently not streamed.
	MaxStreamChunkBytes int `yaml:"max_stream_chunk_bytes"`

	// MaxConnections bounds concurrently served connections.
	MaxConnections int `yaml:"max_connections"`
}

// StreamConfig controls the subscription registry.
type StreamConfig struct {
	// MaxPendingWrites is the per-subscriber queue capacity; events beyond
	// it are dropped for that subscriber with a warning.
	MaxPendingWrites int `yaml:"max_pending_writes"`

	// DrainTimeout is how long a stalled socket write may take before the
	// connection is destroyed.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// HeartbeatInterval is the cadence of {type:"heartbeat"} frames.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRecentEvents bounds the in-memory recent-events ring.
	MaxRecentEvents int `yaml:"max_recent_events"`
}

// BoardConfig controls the task board store and state machine.
type BoardConfig struct {
	// LockTTL is the advisory directory-lock expiry for board writes.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// RejectionEscalationThreshold is the rejection count at which a task
	// is forced to needs_review.
	RejectionEscalationThreshold int `yaml:"rejection_escalation_threshold"`
}

// SLAConfig controls the classic and adaptive SLA engine.
type SLAConfig struct {
	// CheckInterval is the classic staleness sweep cadence.
	CheckInterval time.Duration `yaml:"check_interval"`

	// InProgressMax is the staleness budget for unblocked in_progress
	// tasks; 2x triggers a reassign suggestion.
	InProgressMax time.Duration `yaml:"in_progress_max"`

	// BlockedMax is the staleness budget for blocked tasks before escalate.
	BlockedMax time.Duration `yaml:"blocked_max"`

	// ReviewMax is the staleness budget for ready_for_review tasks.
	ReviewMax time.Duration `yaml:"review_max"`

	// BurnRateMultiplier flags sessions burning tokens faster than
	// multiplier * their average.
	BurnRateMultiplier float64 `yaml:"burn_rate_multiplier"`

	// CheckpointMax is the longest acceptable gap between checkpoints.
	CheckpointMax time.Duration `yaml:"checkpoint_max"`

	// SaturationThreshold is the context-window saturation trigger level.
	SaturationThreshold float64 `yaml:"saturation_threshold"`

	// TerminateMultiplier scales InProgressMax into the unresponsiveness
	// budget after which the action is terminate.
	TerminateMultiplier float64 `yaml:"terminate_multiplier"`

	// Cooldown suppresses further adaptive reassign actions per task.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WorkflowConfig controls the workflow engine.
type WorkflowConfig struct {
	// Dir holds workflow definition YAML files. Empty means
	// ${HUB_DIR}/workflows.
	Dir string `yaml:"dir"`

	// Watch enables hot reload of definitions via fsnotify.
	Watch bool `yaml:"watch"`
}

// AcceptanceConfig controls the auto-acceptance runner.
type AcceptanceConfig struct {
	// SuiteTimeout bounds one whole run_commands suite.
	SuiteTimeout time.Duration `yaml:"suite_timeout"`

	// StreamOutput forwards command stdout/stderr lines as
	// TDD_TEST_OUTPUT events.
	StreamOutput bool `yaml:"stream_output"`
}

// BreakerConfig controls the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count within FailureWindow that
	// trips the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// FailureWindow is the sliding window for counting failures.
	FailureWindow time.Duration `yaml:"failure_window"`

	// Quarantine is how long a tripped agent stays excluded.
	Quarantine time.Duration `yaml:"quarantine"`
}

// EventLogConfig controls the durable NDJSON event log.
type EventLogConfig struct {
	// MaxBytes triggers a single-generation rotation to events.ndjson.old.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxAge is the retention horizon enforced by Prune.
	MaxAge time.Duration `yaml:"max_age"`

	// PruneInterval is the prune sweep cadence.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// HistoryConfig controls the optional Postgres history archive.
type HistoryConfig struct {
	// DatabaseURL enables the archive when non-empty.
	DatabaseURL string `yaml:"database_url"`
}

// WatchdogConfig controls the reliability watchdog.
type WatchdogConfig struct {
	// Interval is the liveness probe cadence.
	Interval time.Duration `yaml:"interval"`
}

// SocketPath returns ${HUB_DIR}/hub.sock.
func (c *Config) SocketPath() string { return filepath.Join(c.HubDir, "hub.sock") }

// PIDPath returns ${HUB_DIR}/daemon.pid.
func (c *Config) PIDPath() string { return filepath.Join(c.HubDir, "daemon.pid") }

// TokensDir returns ${HUB_DIR}/tokens.
func (c *Config) TokensDir() string { return filepath.Join(c.HubDir, "tokens") }

// TasksPath returns ${HUB_DIR}/tasks.json.
func (c *Config) TasksPath() string { return filepath.Join(c.HubDir, "tasks.json") }

// TrustPath returns ${HUB_DIR}/trust.json.
func (c *Config) TrustPath() string { return filepath.Join(c.HubDir, "trust.json") }

// CapabilitiesPath returns ${HUB_DIR}/capabilities.json.
func (c *Config) CapabilitiesPath() string { return filepath.Join(c.HubDir, "capabilities.json") }

// ExternalLinksPath returns ${HUB_DIR}/external-links.json.
func (c *Config) ExternalLinksPath() string { return filepath.Join(c.HubDir, "external-links.json") }

// EventLogPath returns ${HUB_DIR}/events.ndjson.
func (c *Config) EventLogPath() string { return filepath.Join(c.HubDir, "events.ndjson") }

// WorkflowsDir returns the workflow definitions directory.
func (c *Config) WorkflowsDir() string {
	if c.Workflow.Dir != "" {
		return c.Workflow.Dir
	}
	return filepath.Join(c.HubDir, "workflows")
}

// MailboxPath returns ${HUB_DIR}/mailbox.db.
func (c *Config) MailboxPath() string { return filepath.Join(c.HubDir, "mailbox.db") }

// KnowledgePath returns ${HUB_DIR}/knowledge.db.
func (c *Config) KnowledgePath() string { return filepath.Join(c.HubDir, "knowledge.db") }

// WorkspacesDir returns ${HUB_DIR}/workspaces.
func (c *Config) WorkspacesDir() string { return filepath.Join(c.HubDir, "workspaces") }

// WorkspacesIndexPath returns ${HUB_DIR}/workspaces.json.
func (c *Config) WorkspacesIndexPath() string { return filepath.Join(c.HubDir, "workspaces.json") }
