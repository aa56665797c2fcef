package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultHubDirName is the state directory created under $HOME when no
// override is given.
const DefaultHubDirName = ".agenthub"

// Default returns the built-in configuration. hub.yaml is merged on top of
// this, so every field here must be a sane standalone value.
func Default() *Config {
	return &Config{
		HubDir:   defaultHubDir(),
		LogLevel: "info",
		Server: ServerConfig{
			MaxFrameBytes:       1 << 20, // 1 MiB
			MaxStreamChunkBytes: 256 << 10,
			MaxConnections:      64,
		},
		Stream: StreamConfig{
			MaxPendingWrites:  500,
			DrainTimeout:      1 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxRecentEvents:   1000,
		},
		Board: BoardConfig{
			LockTTL:                      10 * time.Second,
			RejectionEscalationThreshold: 3,
		},
		SLA: SLAConfig{
			CheckInterval:       60 * time.Second,
			InProgressMax:       30 * time.Minute,
			BlockedMax:          2 * time.Hour,
			ReviewMax:           4 * time.Hour,
			BurnRateMultiplier:  2.0,
			CheckpointMax:       10 * time.Minute,
			SaturationThreshold: 0.80,
			TerminateMultiplier: 3.0,
			Cooldown:            15 * time.Minute,
		},
		Workflow: WorkflowConfig{
			Watch: true,
		},
		Acceptance: AcceptanceConfig{
			SuiteTimeout: 10 * time.Minute,
			StreamOutput: true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    10 * time.Minute,
			Quarantine:       30 * time.Minute,
		},
		EventLog: EventLogConfig{
			MaxBytes:      100 << 20, // 100 MiB
			MaxAge:        7 * 24 * time.Hour,
			PruneInterval: 1 * time.Hour,
		},
		Watchdog: WatchdogConfig{
			Interval: 30 * time.Second,
		},
	}
}

// DefaultFeatures returns the built-in feature-flag set. Overrides from
// hub.yaml are applied by FeatureSet.
func DefaultFeatures() Features {
	return Features{
		Streaming:         true,
		ReviewBundles:     false,
		AutoAcceptance:    true,
		CapabilityRouting: true,
		SLAEngine:         true,
		KnowledgeIndex:    true,
		GitHubIntegration: false,
		Workflow:          true,
		Retro:             false,
		Sessions:          true,
		Trust:             true,
		CircuitBreaker:    true,
		Monitoring:        true,
		Reliability:       true,
		CognitiveFriction: true,
	}
}

// FeatureSet resolves the configured overrides over DefaultFeatures.
// Unknown flag names return ErrUnknownFeature.
func (c *Config) FeatureSet() (Features, error) {
	f := DefaultFeatures()
	for name, enabled := range c.Features {
		switch name {
		case "streaming":
			f.Streaming = enabled
		case "review_bundles":
			f.ReviewBundles = enabled
		case "auto_acceptance":
			f.AutoAcceptance = enabled
		case "capability_routing":
			f.CapabilityRouting = enabled
		case "sla_engine":
			f.SLAEngine = enabled
		case "knowledge_index":
			f.KnowledgeIndex = enabled
		case "github_integration":
			f.GitHubIntegration = enabled
		case "workflow":
			f.Workflow = enabled
		case "retro":
			f.Retro = enabled
		case "sessions":
			f.Sessions = enabled
		case "trust":
			f.Trust = enabled
		case "circuit_breaker":
			f.CircuitBreaker = enabled
		case "monitoring":
			f.Monitoring = enabled
		case "reliability":
			f.Reliability = enabled
		case "cognitive_friction":
			f.CognitiveFriction = enabled
		default:
			return f, NewValidationError("features", name, ErrUnknownFeature)
		}
	}
	return f, nil
}

func defaultHubDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort; the daemon refuses to start if it cannot create it.
		return filepath.Join(".", DefaultHubDirName)
	}
	return filepath.Join(home, DefaultHubDirName)
}
