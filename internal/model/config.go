// Package model defines rdr's configuration, the on-disk task schema and the
// status vocabulary shared by the reader, classifier and executors.
package model

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ControlDirName is the per-project directory holding task state and rdr files.
const ControlDirName = ".rdr"

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateGate  RateGateConfig  `yaml:"rate_gate"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Busy      BusyConfig      `yaml:"busy"`
	Usage     UsageConfig     `yaml:"usage"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SchedulerConfig struct {
	CollectionWindowSec int `yaml:"collection_window_sec"`
	BusyRetrySec        int `yaml:"busy_retry_sec"`
}

type RateGateConfig struct {
	WarningPercent float64 `yaml:"warning_percent"`
	PausePercent   float64 `yaml:"pause_percent"`
	StatePath      string  `yaml:"state_path"` // default: <user config dir>/rdr/rate_gate.json
}

type RecoveryConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	CooldownSec     int    `yaml:"cooldown_sec"`
	LogExcerptLines int    `yaml:"log_excerpt_lines"`
	SignalPath      string `yaml:"signal_path"` // default: <control dir>/signals/recovery_batch.json
}

type BusyConfig struct {
	LogPath          string `yaml:"log_path"`
	BusyPatterns     string `yaml:"busy_patterns"`
	ConnectionTTLSec int    `yaml:"connection_ttl_sec"`
	LogStaleSec      int    `yaml:"log_stale_sec"`
	PollIntervalSec  int    `yaml:"poll_interval_sec"`
}

type UsageConfig struct {
	Path string `yaml:"path"` // default: <user config dir>/rdr/usage.json
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// LoadConfig reads <controlDir>/config.yaml. A missing file yields defaults.
func LoadConfig(controlDir string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(controlDir, "config.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if err == nil {
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return ApplyDefaults(cfg), nil
}

func ApplyDefaults(cfg Config) Config {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Scheduler.CollectionWindowSec <= 0 {
		cfg.Scheduler.CollectionWindowSec = 30
	}
	if cfg.Scheduler.BusyRetrySec <= 0 {
		cfg.Scheduler.BusyRetrySec = 60
	}
	if cfg.RateGate.WarningPercent <= 0 {
		cfg.RateGate.WarningPercent = 80
	}
	if cfg.RateGate.PausePercent <= 0 {
		cfg.RateGate.PausePercent = 100
	}
	if cfg.Recovery.MaxAttempts <= 0 {
		cfg.Recovery.MaxAttempts = 3
	}
	if cfg.Recovery.CooldownSec < 0 {
		cfg.Recovery.CooldownSec = 0
	}
	if cfg.Recovery.LogExcerptLines <= 0 {
		cfg.Recovery.LogExcerptLines = 20
	}
	if cfg.Busy.ConnectionTTLSec <= 0 {
		cfg.Busy.ConnectionTTLSec = 120
	}
	if cfg.Busy.LogStaleSec <= 0 {
		cfg.Busy.LogStaleSec = 10
	}
	if cfg.Busy.PollIntervalSec <= 0 {
		cfg.Busy.PollIntervalSec = 5
	}
	if cfg.Daemon.ScanIntervalSec <= 0 {
		cfg.Daemon.ScanIntervalSec = 60
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
	return cfg
}

// Paths resolves every file location rdr touches for one project.
type Paths struct {
	ProjectRoot  string
	ControlDir   string
	SpecsDir     string
	WorktreesDir string
	SignalPath   string
	SocketPath   string
	LockPath     string
	LogDir       string
	RateGatePath string
	UsagePath    string
}

func ResolvePaths(projectRoot string, cfg Config) Paths {
	control := filepath.Join(projectRoot, ControlDirName)
	appData := AppDataDir()
	p := Paths{
		ProjectRoot:  projectRoot,
		ControlDir:   control,
		SpecsDir:     filepath.Join(control, "specs"),
		WorktreesDir: filepath.Join(control, "worktrees"),
		SignalPath:   filepath.Join(control, "signals", "recovery_batch.json"),
		SocketPath:   filepath.Join(control, "daemon.sock"),
		LockPath:     filepath.Join(control, "locks", "daemon.lock"),
		LogDir:       filepath.Join(control, "logs"),
		RateGatePath: filepath.Join(appData, "rate_gate.json"),
		UsagePath:    filepath.Join(appData, "usage.json"),
	}
	if cfg.Recovery.SignalPath != "" {
		p.SignalPath = cfg.Recovery.SignalPath
	}
	if cfg.RateGate.StatePath != "" {
		p.RateGatePath = cfg.RateGate.StatePath
	}
	if cfg.Usage.Path != "" {
		p.UsagePath = cfg.Usage.Path
	}
	return p
}

// PrimaryTaskPath is the main-project copy of a task's state.
func (p Paths) PrimaryTaskPath(id string) string {
	return filepath.Join(p.SpecsDir, id, "task.json")
}

// WorktreeTaskPath is the copy inside the task's isolated worktree.
func (p Paths) WorktreeTaskPath(id string) string {
	return filepath.Join(p.WorktreesDir, id, ControlDirName, "specs", id, "task.json")
}

func (p Paths) SpecDir(id string) string {
	return filepath.Join(p.SpecsDir, id)
}

// AppDataDir is the host-level application data directory for rdr.
func AppDataDir() string {
	if dir := os.Getenv("RDR_APPDATA"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "rdr")
}
