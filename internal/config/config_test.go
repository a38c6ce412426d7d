package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "main", cfg.Trunk)
	require.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	require.Equal(t, 8642, cfg.Daemon.BasePort)
	require.Equal(t, 5*time.Second, cfg.Watch.MailboxQuiet)
	require.Equal(t, 30*time.Second, cfg.Watch.MailboxCeiling)
	require.Equal(t, 5, cfg.Mailbox.MaxRetries)
	require.Equal(t, time.Hour, cfg.Mailbox.RetryCap)

	// All five built-in roles present with quota >= 1.
	for _, name := range []string{RoleArchitect, RoleEngineer, RoleReviewer, RoleCoroner, RolePrime} {
		role, ok := cfg.Roles[name]
		require.True(t, ok, "missing role %s", name)
		require.GreaterOrEqual(t, role.Quota, 1)
		require.Equal(t, 15*time.Minute, role.Timeout)
	}
	require.Equal(t, 2, cfg.Roles[RoleEngineer].Quota)

	require.NoError(t, Validate(cfg))
}

func TestConfig_Paths(t *testing.T) {
	cfg := Defaults()
	cfg.ProjectRoot = "/work/proj"

	require.Equal(t, "/work/proj/.monoco", cfg.MonocoDir())
	require.Equal(t, "/work/proj/.monoco/run/monoco.pid", cfg.PIDFile())
	require.Equal(t, "/work/proj/.monoco/log/daemon.log", cfg.DaemonLog())
	require.Equal(t, "/work/proj/.monoco/sessions", cfg.SessionsDir())
	require.Equal(t, "/work/proj/.monoco/mailbox", cfg.MailboxDir())
	require.Equal(t, "/work/proj/.monoco/worktrees", cfg.WorktreesDir())
	require.Equal(t, "/work/proj/Issues", cfg.IssuesDir())
	require.Equal(t, "/work/proj/Memos/inbox.md", cfg.MemoInbox())
	require.Equal(t, "/work/proj/.monoco/monoco.db", cfg.StatsDB())

	cfg.Stats.DBPath = "/elsewhere/idx.db"
	require.Equal(t, "/elsewhere/idx.db", cfg.StatsDB())
}

func TestValidate_RoleQuota(t *testing.T) {
	cfg := Defaults()
	role := cfg.Roles[RoleEngineer]
	role.Quota = 0
	cfg.Roles[RoleEngineer] = role

	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota")
}

func TestValidate_RetryJitter(t *testing.T) {
	cfg := Defaults()
	cfg.Mailbox.RetryJitter = 1.5

	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "retry_jitter")
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "file", SampleRate: 1.0}))
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "none"}))

	err := ValidateTracing(TracingConfig{Exporter: "jaeger"})
	require.Error(t, err)

	err = ValidateTracing(TracingConfig{SampleRate: 2.0})
	require.Error(t, err)

	err = ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"})
	require.Error(t, err, "otlp exporter requires an endpoint when enabled")
}

func TestWriteDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "trunk: main")
	require.Contains(t, string(data), "base_port: 8642")
}
