// Package config holds execguard's runtime configuration.
// Configuration is resolved from (highest to lowest priority):
// 1. Command-line flags
// 2. Environment variables (EXECGUARD_*)
// 3. The YAML file given by --config or EXECGUARD_CONFIG
// 4. Defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"execguard/internal/breaker"
	"execguard/internal/control"
	"execguard/internal/dedup"
	"execguard/internal/domain"
	"execguard/internal/resource"
	"execguard/internal/snapshot"
)

// Config holds all execguard configuration.
type Config struct {
	// Limits are the admission thresholds checked before each spawn.
	// Zero disables a limit.
	Limits resource.Limits `yaml:"limits" json:"limits"`

	// Breaker settings for per-class circuit isolation.
	Breaker breaker.Config `yaml:"breaker" json:"breaker"`

	// Flow is the AIMD window that backs off on failures and timeouts.
	Flow control.FlowConfig `yaml:"flow" json:"flow"`

	// PID steers the concurrency setpoint toward TargetLatency.
	PID control.PIDConfig `yaml:"pid" json:"pid"`

	// TargetLatency is the smoothed task latency the PID loop aims for.
	// Default: 2s
	TargetLatency time.Duration `yaml:"target_latency" json:"target_latency"`

	// EWMAAlpha weights new samples in latency and error-rate smoothing.
	EWMAAlpha float64 `yaml:"ewma_alpha" json:"ewma_alpha"`

	Dedup dedup.Config `yaml:"dedup" json:"dedup"`

	Retry RetryConfig `yaml:"retry" json:"retry"`

	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`

	Risk RiskConfig `yaml:"risk" json:"risk"`

	Chaos ChaosConfig `yaml:"chaos" json:"chaos"`

	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`

	// HistorySize bounds each session's command history ring.
	HistorySize int `yaml:"history_size" json:"history_size"`

	// SampleInterval is how often the resource monitor samples /proc.
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`

	// ControlInterval is how often the PID loop runs.
	ControlInterval time.Duration `yaml:"control_interval" json:"control_interval"`

	// TDigestCompression trades latency-percentile accuracy for memory.
	TDigestCompression float64 `yaml:"tdigest_compression" json:"tdigest_compression"`
}

// RetryConfig controls re-enqueueing of failed attempts with exponential
// backoff.
type RetryConfig struct {
	// MaxRetries is what the API and CLI give tasks that set no limit.
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
}

type TimeoutConfig struct {
	// Default applies to tasks submitted without a timeout.
	Default time.Duration `yaml:"default" json:"default"`
	// Grace is the wait between SIGTERM and SIGKILL.
	Grace time.Duration `yaml:"grace" json:"grace"`
	// Zombie is how long an exited but unreaped process may linger.
	Zombie time.Duration `yaml:"zombie" json:"zombie"`
	// Liveness is how long a stopped process may stay unresponsive.
	Liveness time.Duration `yaml:"liveness" json:"liveness"`
}

type SnapshotConfig struct {
	// DBPath is the SQLite file holding manifests and content.
	// Default: execguard.db
	DBPath string `yaml:"db_path" json:"db_path"`
	// Workspace is the root all tracked paths are resolved against.
	// Default: current directory
	Workspace string        `yaml:"workspace" json:"workspace"`
	MaxCount  int           `yaml:"max_count" json:"max_count"`
	MaxAge    time.Duration `yaml:"max_age" json:"max_age"`
	// OnConflict is "overwrite" (default) or "refuse".
	OnConflict snapshot.ConflictPolicy `yaml:"on_conflict" json:"on_conflict"`
}

type RiskConfig struct {
	// BlockAt is the lowest level refused outright. Default: RED
	BlockAt domain.RiskLevel `yaml:"block_at" json:"block_at"`
	// AutoSnapshot checkpoints a task's tracked paths before risky commands run.
	AutoSnapshot bool `yaml:"auto_snapshot" json:"auto_snapshot"`
	// CacheSize bounds the classification memo.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// ChaosConfig enables deterministic fault injection. Off by default.
type ChaosConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Probability float64       `yaml:"probability" json:"probability"`
	Seed        uint64        `yaml:"seed" json:"seed"`
	Kinds       []string      `yaml:"kinds" json:"kinds"`
	Latency     time.Duration `yaml:"latency" json:"latency"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs. An empty spec
// disables the job.
type MaintenanceConfig struct {
	// SnapshotPrune applies snapshot retention. Default: @every 10m
	SnapshotPrune string `yaml:"snapshot_prune" json:"snapshot_prune"`
	// ConfigResync re-reads the config file in case a change event was missed.
	// Default: @every 1m
	ConfigResync string `yaml:"config_resync" json:"config_resync"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Limits:             resource.Limits{MaxConcurrent: 64, MaxCPUPercent: 400, MaxMemoryBytes: 4 << 30, MaxOpenFDs: 4096},
		Breaker:            breaker.DefaultConfig(),
		Flow:               control.DefaultFlowConfig(),
		PID:                control.DefaultPIDConfig(),
		TargetLatency:      2 * time.Second,
		EWMAAlpha:          control.DefaultAlpha,
		Dedup:              dedup.DefaultConfig(),
		Retry:              RetryConfig{MaxRetries: 3, Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2},
		Timeouts:           TimeoutConfig{Default: 10 * time.Minute, Grace: 5 * time.Second, Zombie: 30 * time.Second, Liveness: 2 * time.Minute},
		Snapshot:           SnapshotConfig{DBPath: "execguard.db", Workspace: ".", MaxCount: 20, MaxAge: 24 * time.Hour, OnConflict: snapshot.ConflictOverwrite},
		Risk:               RiskConfig{BlockAt: domain.RiskRed, AutoSnapshot: true, CacheSize: 1024},
		Chaos:              ChaosConfig{Latency: 100 * time.Millisecond},
		Maintenance:        MaintenanceConfig{SnapshotPrune: "@every 10m", ConfigResync: "@every 1m"},
		HistorySize:        100,
		SampleInterval:     time.Second,
		ControlInterval:    time.Second,
		TDigestCompression: 100,
	}
}

// Validate reports the first invalid field, wrapped in domain.ErrConfig.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Limits.MaxConcurrent < 0 || c.Limits.MaxCPUPercent < 0 || c.Limits.MaxOpenFDs < 0:
		return bad("limits must be >= 0")
	case c.Breaker.FailureThreshold < 1:
		return bad("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	case c.Breaker.Window <= 0 || c.Breaker.Cooldown <= 0:
		return bad("breaker.window and breaker.cooldown must be > 0")
	case c.Breaker.Scope != breaker.ScopePerClass && c.Breaker.Scope != breaker.ScopeGlobal:
		return bad("breaker.scope must be per-class or global, got %q", c.Breaker.Scope)
	case c.Flow.Min < 1 || c.Flow.Max < c.Flow.Min:
		return bad("flow.min must be >= 1 and <= flow.max")
	case c.Flow.Initial < c.Flow.Min || c.Flow.Initial > c.Flow.Max:
		return bad("flow.initial must be within [min, max]")
	case c.Flow.Increase <= 0 || c.Flow.Decrease <= 0 || c.Flow.Decrease >= 1:
		return bad("flow.increase must be > 0 and flow.decrease in (0, 1)")
	case c.PID.Min < 1 || c.PID.Max < c.PID.Min:
		return bad("pid.min must be >= 1 and <= pid.max")
	case c.PID.Kp < 0 || c.PID.Ki < 0 || c.PID.Kd < 0:
		return bad("pid gains must be >= 0")
	case c.TargetLatency <= 0:
		return bad("target_latency must be > 0")
	case c.EWMAAlpha <= 0 || c.EWMAAlpha > 1:
		return bad("ewma_alpha must be in (0, 1], got %v", c.EWMAAlpha)
	case c.Dedup.Window <= 0:
		return bad("dedup.window must be > 0")
	case c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1:
		return bad("dedup.fp_rate must be in (0, 1)")
	case c.Retry.MaxRetries < 0:
		return bad("retry.max_retries must be >= 0")
	case c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial || c.Retry.Multiplier < 1:
		return bad("retry requires initial > 0, max >= initial and multiplier >= 1")
	case c.Timeouts.Default <= 0 || c.Timeouts.Grace <= 0:
		return bad("timeouts.default and timeouts.grace must be > 0")
	case c.Timeouts.Zombie <= 0 || c.Timeouts.Liveness <= 0:
		return bad("timeouts.zombie and timeouts.liveness must be > 0")
	case c.Snapshot.MaxCount < 0 || c.Snapshot.MaxAge < 0:
		return bad("snapshot retention must be >= 0")
	case c.Chaos.Probability < 0 || c.Chaos.Probability > 1:
		return bad("chaos.probability must be in [0, 1]")
	case c.HistorySize < 1:
		return bad("history_size must be >= 1")
	case c.SampleInterval <= 0 || c.ControlInterval <= 0:
		return bad("sample_interval and control_interval must be > 0")
	case c.TDigestCompression < 20:
		return bad("tdigest_compression must be >= 20")
	}
	if _, err := dedup.ParsePolicy(string(c.Dedup.Policy)); err != nil {
		return bad("dedup.policy: %v", err)
	}
	if _, err := domain.ParseRiskLevel(string(c.Risk.BlockAt)); err != nil {
		return bad("risk.block_at: %v", err)
	}
	if _, err := snapshot.ParseConflictPolicy(string(c.Snapshot.OnConflict)); err != nil {
		return bad("snapshot.on_conflict: %v", err)
	}
	return nil
}

// Parse decodes YAML over the defaults. Keys absent from data keep their
// default values.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse yaml: %v", domain.ErrConfig, err)
	}
	return cfg, nil
}

// Load reads the YAML file at path (if any), then applies EXECGUARD_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("EXECGUARD_CONFIG"))
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", domain.ErrConfig, path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("EXECGUARD_WORKSPACE"); v != "" {
		cfg.Snapshot.Workspace = v
	}
	if v := os.Getenv("EXECGUARD_DB"); v != "" {
		cfg.Snapshot.DBPath = v
	}
	if v := os.Getenv("EXECGUARD_BLOCK_AT"); v != "" {
		cfg.Risk.BlockAt = domain.RiskLevel(strings.ToUpper(v))
	}
	if v := os.Getenv("EXECGUARD_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EXECGUARD_MAX_CONCURRENT: %v", domain.ErrConfig, err)
		}
		cfg.Limits.MaxConcurrent = n
	}
	if v := os.Getenv("EXECGUARD_CHAOS_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: EXECGUARD_CHAOS_SEED: %v", domain.ErrConfig, err)
		}
		cfg.Chaos.Enabled = true
		cfg.Chaos.Seed = seed
	}
	return nil
}
