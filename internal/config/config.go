// Package config provides configuration types and defaults for monoco.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/monoco-io/monoco/internal/log"
)

// Config holds all configuration options for the monoco daemon.
type Config struct {
	// ProjectRoot is the workspace the daemon serves. Default: cwd.
	ProjectRoot string `mapstructure:"project_root"`

	// Trunk is the integration branch scoped merges land on.
	// Default "main"; when "main" does not exist the git layer falls back
	// to "master".
	Trunk string `mapstructure:"trunk"`

	Daemon  DaemonConfig          `mapstructure:"daemon"`
	Roles   map[string]RoleConfig `mapstructure:"roles"`
	Watch   WatchConfig           `mapstructure:"watch"`
	Mailbox MailboxConfig         `mapstructure:"mailbox"`
	Hooks   HooksConfig           `mapstructure:"hooks"`
	Stats   StatsConfig           `mapstructure:"stats"`
	Tracing TracingConfig         `mapstructure:"tracing"`
}

// DaemonConfig holds daemon lifecycle and HTTP settings.
type DaemonConfig struct {
	// Host the HTTP listener binds. Default: 127.0.0.1.
	Host string `mapstructure:"host"`

	// BasePort is the first port tried when claiming a listener.
	// Default: 8642.
	BasePort int `mapstructure:"base_port"`

	// PortScanRange bounds the forward scan from BasePort. Default: 50.
	PortScanRange int `mapstructure:"port_scan_range"`

	// ShutdownGrace bounds graceful shutdown before components are dropped.
	// Default: 30s.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// RoleConfig holds one agent role's scheduling profile.
type RoleConfig struct {
	// Quota is the role's concurrency cap. Minimum 1.
	Quota int `mapstructure:"quota"`

	// QueueSize bounds the role's waiting FIFO. Default: 32.
	QueueSize int `mapstructure:"queue_size"`

	// Timeout is the wall-clock limit for one session. Default: 15m.
	Timeout time.Duration `mapstructure:"timeout"`

	// Engine names the agent adapter (claude, gemini, qwen, kimi, mock).
	Engine string `mapstructure:"engine"`

	// Model is passed through to the engine adapter.
	Model string `mapstructure:"model"`

	// PromptTemplate overrides the built-in template for this role.
	// Empty means the embedded template named after the role.
	PromptTemplate string `mapstructure:"prompt_template"`

	// Env is appended to the agent process environment.
	Env map[string]string `mapstructure:"env"`
}

// WatchConfig holds watcher debounce and polling settings.
type WatchConfig struct {
	// Debounce is the quiet window for issue/memo/task watchers.
	// Default: 1s.
	Debounce time.Duration `mapstructure:"debounce"`

	// PollInterval is the fallback polling cadence when native filesystem
	// notification is unavailable. Default: 2s.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MailboxQuiet is the per-(provider, session) quiet window for inbound
	// message aggregation. Default: 5s.
	MailboxQuiet time.Duration `mapstructure:"mailbox_quiet"`

	// MailboxCeiling is the hard aggregation ceiling measured from the
	// first deferred message. Default: 30s.
	MailboxCeiling time.Duration `mapstructure:"mailbox_ceiling"`
}

// MailboxConfig holds outbound retry policy and courier settings.
type MailboxConfig struct {
	// RetryBase is the first retry delay. Default: 5s.
	RetryBase time.Duration `mapstructure:"retry_base"`

	// RetryFactor multiplies the delay per attempt. Default: 2.
	RetryFactor float64 `mapstructure:"retry_factor"`

	// RetryJitter is the symmetric jitter fraction. Default: 0.2 (±20%).
	RetryJitter float64 `mapstructure:"retry_jitter"`

	// RetryCap bounds any single delay. Default: 1h.
	RetryCap time.Duration `mapstructure:"retry_cap"`

	// MaxRetries before a message moves to the dead-letter tree.
	// Default: 5.
	MaxRetries int `mapstructure:"max_retries"`

	// PollInterval is the outbound dispatcher cadence. Default: 2s.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// BotName is the mention target that counts as addressing the daemon.
	// Default: "monoco".
	BotName string `mapstructure:"bot_name"`
}

// HooksConfig holds hook discovery settings.
type HooksConfig struct {
	// ExtraDirs are scanned in addition to the project and user hook
	// directories.
	ExtraDirs []string `mapstructure:"extra_dirs"`

	// SyncTimeout bounds each synchronous hook. Default: 30s.
	// Exceeding it counts as deny.
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// StatsConfig holds the stats index location.
type StatsConfig struct {
	// DBPath is the sqlite stats index. Default: <project>/.monoco/monoco.db.
	DBPath string `mapstructure:"db_path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <project>/.monoco/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Built-in role names.
const (
	RoleArchitect = "Architect"
	RoleEngineer  = "Engineer"
	RoleReviewer  = "Reviewer"
	RoleCoroner   = "Coroner"
	RolePrime     = "Prime"
)

// MonocoDir returns the project-scoped state directory.
func (c Config) MonocoDir() string {
	return filepath.Join(c.ProjectRoot, ".monoco")
}

// RunDir holds the PID file.
func (c Config) RunDir() string { return filepath.Join(c.MonocoDir(), "run") }

// PIDFile is the daemon PID file path.
func (c Config) PIDFile() string { return filepath.Join(c.RunDir(), "monoco.pid") }

// LogDir holds daemon and session logs.
func (c Config) LogDir() string { return filepath.Join(c.MonocoDir(), "log") }

// DaemonLog is the daemon log file path.
func (c Config) DaemonLog() string { return filepath.Join(c.LogDir(), "daemon.log") }

// SessionsDir holds persisted session records.
func (c Config) SessionsDir() string { return filepath.Join(c.MonocoDir(), "sessions") }

// MailboxDir is the root of the mailbox tree.
func (c Config) MailboxDir() string { return filepath.Join(c.MonocoDir(), "mailbox") }

// WorktreesDir holds per-issue worktrees.
func (c Config) WorktreesDir() string { return filepath.Join(c.MonocoDir(), "worktrees") }

// ProjectHooksDir is the project-local hook directory.
func (c Config) ProjectHooksDir() string { return filepath.Join(c.MonocoDir(), "hooks") }

// IssuesDir is the issue tree root.
func (c Config) IssuesDir() string { return filepath.Join(c.ProjectRoot, "Issues") }

// MemoInbox is the memo inbox file.
func (c Config) MemoInbox() string { return filepath.Join(c.ProjectRoot, "Memos", "inbox.md") }

// TasksFile is the project task list.
func (c Config) TasksFile() string { return filepath.Join(c.ProjectRoot, "tasks.md") }

// StatsDB resolves the stats index path, applying the default when unset.
func (c Config) StatsDB() string {
	if c.Stats.DBPath != "" {
		return c.Stats.DBPath
	}
	return filepath.Join(c.MonocoDir(), "monoco.db")
}

// UserHooksDir returns the user-global hook directory
// (~/.config/agents/hooks), or empty when the home dir is unavailable.
func UserHooksDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agents", "hooks")
}

// InventoryPath returns the global project registry file
// (~/.monoco/inventory.json), or empty when the home dir is unavailable.
func InventoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".monoco", "inventory.json")
}

// DefaultRoles returns the built-in role table.
func DefaultRoles() map[string]RoleConfig {
	base := RoleConfig{
		Quota:     1,
		QueueSize: 32,
		Timeout:   15 * time.Minute,
		Engine:    "claude",
	}
	roles := map[string]RoleConfig{
		RoleArchitect: base,
		RoleEngineer:  base,
		RoleReviewer:  base,
		RoleCoroner:   base,
		RolePrime:     base,
	}
	eng := roles[RoleEngineer]
	eng.Quota = 2
	roles[RoleEngineer] = eng
	return roles
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Trunk: "main",
		Daemon: DaemonConfig{
			Host:          "127.0.0.1",
			BasePort:      8642,
			PortScanRange: 50,
			ShutdownGrace: 30 * time.Second,
		},
		Roles: DefaultRoles(),
		Watch: WatchConfig{
			Debounce:       time.Second,
			PollInterval:   2 * time.Second,
			MailboxQuiet:   5 * time.Second,
			MailboxCeiling: 30 * time.Second,
		},
		Mailbox: MailboxConfig{
			RetryBase:    5 * time.Second,
			RetryFactor:  2,
			RetryJitter:  0.2,
			RetryCap:     time.Hour,
			MaxRetries:   5,
			PollInterval: 2 * time.Second,
			BotName:      "monoco",
		},
		Hooks: HooksConfig{
			SyncTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from the project dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults and are not errors.
func Validate(cfg Config) error {
	for name, role := range cfg.Roles {
		if role.Quota < 1 {
			return fmt.Errorf("roles.%s.quota must be >= 1, got %d", name, role.Quota)
		}
		if role.QueueSize < 0 {
			return fmt.Errorf("roles.%s.queue_size must be >= 0, got %d", name, role.QueueSize)
		}
		if role.Timeout < 0 {
			return fmt.Errorf("roles.%s.timeout must be positive, got %v", name, role.Timeout)
		}
	}

	if cfg.Daemon.BasePort != 0 && (cfg.Daemon.BasePort < 1 || cfg.Daemon.BasePort > 65535) {
		return fmt.Errorf("daemon.base_port must be in 1..65535, got %d", cfg.Daemon.BasePort)
	}
	if cfg.Daemon.PortScanRange < 0 {
		return fmt.Errorf("daemon.port_scan_range must be >= 0, got %d", cfg.Daemon.PortScanRange)
	}

	if cfg.Mailbox.RetryFactor != 0 && cfg.Mailbox.RetryFactor < 1 {
		return fmt.Errorf("mailbox.retry_factor must be >= 1, got %v", cfg.Mailbox.RetryFactor)
	}
	if cfg.Mailbox.RetryJitter < 0 || cfg.Mailbox.RetryJitter > 1 {
		return fmt.Errorf("mailbox.retry_jitter must be between 0.0 and 1.0, got %v", cfg.Mailbox.RetryJitter)
	}
	if cfg.Mailbox.MaxRetries < 0 {
		return fmt.Errorf("mailbox.max_retries must be >= 0, got %d", cfg.Mailbox.MaxRetries)
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Monoco Configuration

# Workspace root the daemon serves (default: current directory)
# project_root: /path/to/project

# Integration branch for scoped merges (falls back to master when main is absent)
trunk: main

daemon:
  host: 127.0.0.1
  base_port: 8642        # First port tried; scans forward when taken
  port_scan_range: 50
  shutdown_grace: 30s

# Agent roles. Each role has its own concurrency quota, queue and engine.
roles:
  Architect:
    quota: 1
    queue_size: 32
    timeout: 15m
    engine: claude
  Engineer:
    quota: 2
    queue_size: 32
    timeout: 15m
    engine: claude
  Reviewer:
    quota: 1
    timeout: 15m
    engine: claude
  Coroner:
    quota: 1
    timeout: 15m
    engine: claude
  Prime:
    quota: 1
    timeout: 15m
    engine: claude

watch:
  debounce: 1s           # Issue/memo/task quiet window
  poll_interval: 2s      # Fallback when native notification is unavailable
  mailbox_quiet: 5s      # Inbound aggregation quiet window per (provider, session)
  mailbox_ceiling: 30s   # Hard aggregation ceiling

mailbox:
  retry_base: 5s
  retry_factor: 2
  retry_jitter: 0.2      # ±20%
  retry_cap: 1h
  max_retries: 5         # Then dead-letter
  poll_interval: 2s      # Outbound dispatcher cadence
  bot_name: monoco       # Mention target that addresses the daemon

hooks:
  sync_timeout: 30s      # Synchronous hooks exceeding this count as deny
  # extra_dirs:
  #   - /etc/monoco/hooks

# stats:
#   db_path: .monoco/monoco.db

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file         # none, file, stdout, otlp
#   file_path: .monoco/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}
