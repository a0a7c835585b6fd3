// Package config loads and saves Loom's daemon configuration: heartbeat
// and context thresholds, the concurrency cap, and filesystem roots.
// Narrowed from the teacher's internal/config/loader.go, which carries
// many config kinds (town, rigs, per-rig agents, patrol, messaging) none
// of which have a Loom analogue — Loom has exactly one daemon, so it has
// exactly one config file, but the load/validate/save shape and error
// idiom are kept verbatim from the teacher.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel errors, kept from the teacher's loader.go idiom.
var (
	ErrNotFound       = errors.New("config file not found")
	ErrInvalidVersion = errors.New("unsupported config version")
	ErrMissingField   = errors.New("missing required field")
)

// CurrentVersion is the config schema version this build understands.
const CurrentVersion = 1

// Config is the daemon's ambient configuration, loaded once at start from
// .work/config.json. `loom run` refuses to start if that file is absent.
type Config struct {
	Version int `json:"version"`

	// WorkDir is the .work/ directory root, containing stages/, signals/,
	// heartbeat/, and daemon.sock.
	WorkDir string `json:"work_dir"`

	// RepoRoot is the main working-copy checkout that worktrees are
	// created alongside and merged back into.
	RepoRoot string `json:"repo_root"`

	// PollInterval is the Monitor's polling tick (spec.md §4.7, default 1s).
	PollInterval time.Duration `json:"poll_interval"`

	// DispatchTick is the DaemonServer's dispatch-loop tick (spec.md §4.8,
	// default 200ms).
	DispatchTick time.Duration `json:"dispatch_tick"`

	// CrashThreshold is how long a heartbeat may go stale before a
	// session is declared crashed (spec.md §4.7, default 120s, strict >).
	CrashThreshold time.Duration `json:"crash_threshold"`

	// ContextCriticalPercent is the context-usage level for a handoff
	// (default 75, inclusive >=). It is saved and loaded with the config,
	// but the Monitor does not read it: it always uses its own fixed
	// monitor.ContextCriticalPercent (75).
	ContextCriticalPercent int `json:"context_critical_percent"`

	// MaxRetries is saved and loaded with the config, but the daemon does
	// not read it: an acceptance failure always blocks the stage, whatever
	// its attempt_count.
	MaxRetries int `json:"max_retries"`

	// MaxConcurrentStages caps simultaneous Executing stages across all
	// parallel groups. Zero means no cap.
	MaxConcurrentStages int `json:"max_concurrent_stages"`

	// AcceptanceTimeout bounds a single acceptance command (spec.md §5,
	// default 10 minutes).
	AcceptanceTimeout time.Duration `json:"acceptance_timeout"`

	// ShutdownGrace bounds how long Stop waits for in-flight transitions
	// before closing the socket anyway (spec.md §4.8).
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// Default returns the configuration `loom init` writes to
// .work/config.json.
func Default(repoRoot, workDir string) *Config {
	return &Config{
		Version:                CurrentVersion,
		WorkDir:                workDir,
		RepoRoot:               repoRoot,
		PollInterval:           1 * time.Second,
		DispatchTick:           200 * time.Millisecond,
		CrashThreshold:         120 * time.Second,
		ContextCriticalPercent: 75,
		MaxRetries:             3,
		MaxConcurrentStages:    0,
		AcceptanceTimeout:      10 * time.Minute,
		ShutdownGrace:          5 * time.Second,
	}
}

func validate(c *Config) error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, c.Version)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("%w: work_dir", ErrMissingField)
	}
	if c.RepoRoot == "" {
		return fmt.Errorf("%w: repo_root", ErrMissingField)
	}
	return nil
}

// Load reads and validates the daemon config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the well-known .work/config.json location
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the daemon config to path.
func Save(path string, c *Config) error {
	if err := validate(c); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
