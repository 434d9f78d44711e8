// internal/config/config.go
//
// This package handles configuration and the .drover directory structure.
// Every project that runs drover sessions gets a .drover/ folder holding the
// state database, per-session audit logs, and runner logs.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DroverDir is the name of the directory we create in each project.
	DroverDir = ".drover"

	defaultMaxRounds       = 5
	defaultCheckSeconds    = 5
	defaultShutdownSeconds = 10
	defaultWorkerSeconds   = 0 // 0 = no worker timeout
	defaultMaxFailureCount = 3
)

const defaultRuntimeConfigYAML = `# drover runtime configuration
version: 1

# Defaults applied to every session unless overridden at session start.
defaults:
  max_rounds: 5
  check_interval_seconds: 5
  shutdown_timeout_seconds: 10
  # 0 disables the per-invocation worker timeout.
  worker_timeout_seconds: 0
  max_failure_count: 3
`

// SessionDefaults captures the per-session knobs stored in config.yaml.
// Durations are expressed in whole seconds so the file stays hand-editable.
type SessionDefaults struct {
	MaxRounds       int `yaml:"max_rounds"`
	CheckSeconds    int `yaml:"check_interval_seconds"`
	ShutdownSeconds int `yaml:"shutdown_timeout_seconds"`
	WorkerSeconds   int `yaml:"worker_timeout_seconds"`
	MaxFailureCount int `yaml:"max_failure_count"`
}

// RuntimeConfig models .drover/config.yaml.
type RuntimeConfig struct {
	Version  int             `yaml:"version"`
	Defaults SessionDefaults `yaml:"defaults"`
}

// Config holds the runtime configuration for drover.
type Config struct {
	// ProjectDir is the directory the runner was started from.
	ProjectDir string

	// DataDir is ProjectDir/.drover.
	DataDir string

	Runtime RuntimeConfig
}

// SessionConfig carries the settings accepted at session start (§6 of the
// orchestration contract): round budget, supervision timing, and the
// worker-identity -> workspace path mapping.
type SessionConfig struct {
	SessionID       string
	MaxRounds       int
	CheckInterval   time.Duration
	ShutdownTimeout time.Duration
	WorkerTimeout   time.Duration
	MaxFailureCount int
	WorkspacePaths  map[string]string
}

// InitDroverDir creates the .drover directory structure in the given project
// directory.
//
// Structure created:
// .drover/
// ├── logs/        <- runner log
// ├── audit/       <- per-session logbooks
// ├── state/       <- sqlite database
// └── workspaces/  <- default worker workspace roots
func InitDroverDir(projectDir string) error {
	dataDir := filepath.Join(projectDir, DroverDir)

	dirs := []string{
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "audit"),
		filepath.Join(dataDir, "state"),
		filepath.Join(dataDir, "workspaces"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return ensureRuntimeConfig(filepath.Join(dataDir, "config.yaml"))
}

// NewConfig creates a Config populated from .drover/config.yaml, falling back
// to defaults when the file is absent.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		DataDir:    filepath.Join(projectDir, DroverDir),
		Runtime:    defaultRuntimeConfig(),
	}
	if err := cfg.loadRuntimeConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// AuditDir returns the path holding per-session logbooks.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// DatabasePath returns the sqlite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "state", "drover.db")
}

// WorkspacesDir returns the root under which default workspaces are created.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// RuntimeConfigPath returns the on-disk location of the runtime config file.
func (c *Config) RuntimeConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// NewSessionConfig builds a SessionConfig from the configured defaults.
func (c *Config) NewSessionConfig(sessionID string, workspacePaths map[string]string) SessionConfig {
	d := c.Runtime.Defaults
	return SessionConfig{
		SessionID:       sessionID,
		MaxRounds:       d.MaxRounds,
		CheckInterval:   time.Duration(d.CheckSeconds) * time.Second,
		ShutdownTimeout: time.Duration(d.ShutdownSeconds) * time.Second,
		WorkerTimeout:   time.Duration(d.WorkerSeconds) * time.Second,
		MaxFailureCount: d.MaxFailureCount,
		WorkspacePaths:  workspacePaths,
	}
}

func (c *Config) loadRuntimeConfig() error {
	path := c.RuntimeConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed RuntimeConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Runtime = parsed
	return nil
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Version: 1,
		Defaults: SessionDefaults{
			MaxRounds:       defaultMaxRounds,
			CheckSeconds:    defaultCheckSeconds,
			ShutdownSeconds: defaultShutdownSeconds,
			WorkerSeconds:   defaultWorkerSeconds,
			MaxFailureCount: defaultMaxFailureCount,
		},
	}
}

func (rc *RuntimeConfig) applyDefaults() {
	if rc.Version == 0 {
		rc.Version = 1
	}
	if rc.Defaults.MaxRounds == 0 {
		rc.Defaults.MaxRounds = defaultMaxRounds
	}
	if rc.Defaults.CheckSeconds == 0 {
		rc.Defaults.CheckSeconds = defaultCheckSeconds
	}
	if rc.Defaults.ShutdownSeconds == 0 {
		rc.Defaults.ShutdownSeconds = defaultShutdownSeconds
	}
	if rc.Defaults.MaxFailureCount == 0 {
		rc.Defaults.MaxFailureCount = defaultMaxFailureCount
	}
}

func (rc RuntimeConfig) validate() error {
	if rc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if rc.Defaults.MaxRounds < 1 {
		return fmt.Errorf("defaults.max_rounds must be >= 1")
	}
	if rc.Defaults.CheckSeconds < 1 {
		return fmt.Errorf("defaults.check_interval_seconds must be >= 1")
	}
	if rc.Defaults.ShutdownSeconds < 1 {
		return fmt.Errorf("defaults.shutdown_timeout_seconds must be >= 1")
	}
	if rc.Defaults.WorkerSeconds < 0 {
		return fmt.Errorf("defaults.worker_timeout_seconds must be >= 0")
	}
	if rc.Defaults.MaxFailureCount < 1 {
		return fmt.Errorf("defaults.max_failure_count must be >= 1")
	}
	return nil
}

// Validate enforces the session-start contract: a session id, a positive round
// budget, and a workspace mapping whose paths are mutually disjoint. Two
// workers sharing (or nesting) workspace paths would make snapshots and
// rollbacks interfere.
func (sc SessionConfig) Validate() error {
	if strings.TrimSpace(sc.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if sc.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be >= 1")
	}
	if sc.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if sc.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if sc.WorkerTimeout < 0 {
		return fmt.Errorf("worker timeout must be >= 0")
	}
	if sc.MaxFailureCount < 1 {
		return fmt.Errorf("max failure count must be >= 1")
	}
	if len(sc.WorkspacePaths) == 0 {
		return fmt.Errorf("at least one workspace path is required")
	}
	cleaned := make(map[string]string, len(sc.WorkspacePaths))
	for identity, path := range sc.WorkspacePaths {
		if strings.TrimSpace(identity) == "" {
			return fmt.Errorf("workspace mapping contains an empty worker identity")
		}
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			return fmt.Errorf("workspace path for %q is empty", identity)
		}
		cleaned[identity] = filepath.Clean(trimmed)
	}
	for a, pa := range cleaned {
		for b, pb := range cleaned {
			if a == b {
				continue
			}
			if pa == pb || isSubpath(pa, pb) {
				return fmt.Errorf("workspace paths for %q and %q overlap", a, b)
			}
		}
	}
	return nil
}

// WorkspaceFor returns the workspace path registered for a worker identity.
func (sc SessionConfig) WorkspaceFor(identity string) (string, bool) {
	path, ok := sc.WorkspacePaths[identity]
	return path, ok
}

func isSubpath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

func ensureRuntimeConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultRuntimeConfigYAML), 0o644)
}
