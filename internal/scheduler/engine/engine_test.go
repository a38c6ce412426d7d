package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/scheduler/engine"

	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/claude"
	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/gemini"
	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/kimi"
	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/mock"
	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/qwen"
)

func TestRegisteredProviders(t *testing.T) {
	names := engine.Names()
	for _, want := range []string{"claude", "gemini", "kimi", "mock", "qwen"} {
		require.Contains(t, names, want)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := engine.Lookup("hal9000")
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Validation))
}

func TestClaudeArgs(t *testing.T) {
	a, err := engine.Lookup("claude")
	require.NoError(t, err)

	cmd, err := a.Build(engine.Spec{Prompt: "fix the bug", Model: "opus"})
	require.NoError(t, err)
	require.Equal(t, "claude", cmd.Bin)
	require.Contains(t, cmd.Args, "--print")
	require.Contains(t, cmd.Args, "--dangerously-skip-permissions")
	require.Equal(t, "fix the bug", cmd.Args[len(cmd.Args)-1])
	require.Equal(t, "--", cmd.Args[len(cmd.Args)-2])

	idx := -1
	for i, arg := range cmd.Args {
		if arg == "--model" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, "opus", cmd.Args[idx+1])
}

func TestGeminiArgsResumeUsesPromptFlag(t *testing.T) {
	a, err := engine.Lookup("gemini")
	require.NoError(t, err)

	fresh, err := a.Build(engine.Spec{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", fresh.Args[len(fresh.Args)-1])
	require.NotContains(t, fresh.Args, "-p")

	resumed, err := a.Build(engine.Spec{Prompt: "hello", Resume: "sess-1"})
	require.NoError(t, err)
	require.Contains(t, resumed.Args, "--resume")
	require.Contains(t, resumed.Args, "-p")
}
