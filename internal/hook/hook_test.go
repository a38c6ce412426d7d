package hook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/fault"
)

func writeHook(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

const denyOnSecrets = `#!/bin/sh
# ---
# type: agent
# event: PreToolUse
# matcher: Write
# provider: claude-code
# priority: 10
# ---
echo "no secrets in tracked files" >&2
exit 2
`

func TestParseHeaderHashComments(t *testing.T) {
	h, err := ParseHeader(denyOnSecrets)
	require.NoError(t, err)
	require.Equal(t, TypeAgent, h.Type)
	require.Equal(t, EventPreToolUse, h.Event)
	require.Equal(t, "Write", h.Matcher)
	require.Equal(t, "claude-code", h.Provider)
	require.Equal(t, 10, h.Priority)
	require.False(t, h.Async)
}

func TestParseHeaderSlashComments(t *testing.T) {
	src := "// type: issue\n// event: pre-submit\n// async: true\nmain();\n"
	h, err := ParseHeader(src)
	require.NoError(t, err)
	require.Equal(t, TypeIssue, h.Type)
	require.Equal(t, "pre-submit", h.Event)
	require.True(t, h.Async)
}

func TestParseHeaderRejectsBadHeaders(t *testing.T) {
	cases := map[string]string{
		"no comment block":  "echo hi\n",
		"missing event":     "# type: issue\n",
		"unknown type":      "# type: cron\n# event: tick\n",
		"agent no provider": "# type: agent\n# event: PreToolUse\n",
		"bad matcher":       "# type: issue\n# event: pre-close\n# matcher: \"[\"\n",
	}
	for name, src := range cases {
		_, err := ParseHeader(src)
		require.Error(t, err, name)
		require.True(t, fault.Is(err, fault.Validation), name)
	}
}

func TestLoadScriptRequiresExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flat.sh")
	require.NoError(t, os.WriteFile(path, []byte(denyOnSecrets), 0o644))

	_, err := LoadScript(path, dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not executable")
}

func TestScriptHookExitCodes(t *testing.T) {
	dir := t.TempDir()
	inv := Invocation{Type: TypeIssue, Event: "pre-submit"}

	allow := writeHook(t, dir, "allow.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\nexit 0\n")
	h, err := LoadScript(allow, dir)
	require.NoError(t, err)
	d, err := h.Run(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, Allow, d.Decision)

	deny := writeHook(t, dir, "deny.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\necho nope >&2\nexit 2\n")
	h, err = LoadScript(deny, dir)
	require.NoError(t, err)
	d, err = h.Run(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, Deny, d.Decision)
	require.Equal(t, "nope", d.Reason)

	crash := writeHook(t, dir, "crash.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\nexit 7\n")
	h, err = LoadScript(crash, dir)
	require.NoError(t, err)
	d, err = h.Run(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, Deny, d.Decision)
	require.Contains(t, d.Reason, "hook error")
}

func TestScriptHookStdoutOverridesExitCode(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\n# type: issue\n# event: pre-close\n" +
		`echo '{"decision":"deny","reason":"files out of scope","metadata":{"additional_context":"run sync first"}}'` + "\nexit 0\n"
	path := writeHook(t, dir, "scope.sh", script)

	h, err := LoadScript(path, dir)
	require.NoError(t, err)
	d, err := h.Run(context.Background(), Invocation{Type: TypeIssue, Event: "pre-close"})
	require.NoError(t, err)
	require.Equal(t, Deny, d.Decision)
	require.Equal(t, "files out of scope", d.Reason)
	require.Equal(t, "run sync first", d.Metadata[AdditionalContext])
}

func TestScriptHookTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeHook(t, dir, "slow.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\nsleep 30\n")

	e := NewEngine(Options{ProjectRoot: dir, SyncTimeout: 100 * time.Millisecond})
	h, err := LoadScript(path, dir)
	require.NoError(t, err)
	e.Register(h)

	d := e.Dispatch(context.Background(), Invocation{Type: TypeIssue, Event: "pre-submit"})
	require.Equal(t, Deny, d.Decision)
	require.Equal(t, "hook timeout", d.Reason)
}

func TestDispatchPriorityAndShortCircuit(t *testing.T) {
	e := NewEngine(Options{})
	var order []string

	e.Register(&Func{
		Name: "low",
		Meta: Header{Type: TypeIssue, Event: "pre-start", Priority: 1},
		Fn: func(context.Context, Invocation) (Decision, error) {
			order = append(order, "low")
			return Allowed(), nil
		},
	})
	e.Register(&Func{
		Name: "high",
		Meta: Header{Type: TypeIssue, Event: "pre-start", Priority: 10},
		Fn: func(context.Context, Invocation) (Decision, error) {
			order = append(order, "high")
			return Denied("dependency unresolved"), nil
		},
	})

	d := e.Dispatch(context.Background(), Invocation{Type: TypeIssue, Event: "pre-start"})
	require.Equal(t, Deny, d.Decision)
	require.Equal(t, "dependency unresolved", d.Reason)
	require.Equal(t, []string{"high"}, order, "deny stops the chain")
}

func TestDispatchMergesAllowMetadata(t *testing.T) {
	e := NewEngine(Options{})
	e.Register(&Func{
		Name: "a",
		Meta: Header{Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Priority: 2},
		Fn: func(context.Context, Invocation) (Decision, error) {
			return Decision{Decision: Allow, Metadata: map[string]any{"lint": "clean"}}, nil
		},
	})
	e.Register(&Func{
		Name: "b",
		Meta: Header{Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Priority: 1},
		Fn: func(context.Context, Invocation) (Decision, error) {
			return Decision{Decision: Allow, Metadata: map[string]any{AdditionalContext: "touch only listed files"}}, nil
		},
	})

	d := e.Dispatch(context.Background(), Invocation{
		Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Tool: "Edit",
	})
	require.Equal(t, Allow, d.Decision)
	require.Equal(t, "clean", d.Metadata["lint"])
	require.Equal(t, "touch only listed files", d.Metadata[AdditionalContext])
}

func TestDispatchMatcherFiltersTools(t *testing.T) {
	e := NewEngine(Options{})
	ran := 0
	e.Register(&Func{
		Name: "bash-only",
		Meta: Header{Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Matcher: "Bash*"},
		Fn: func(context.Context, Invocation) (Decision, error) {
			ran++
			return Denied("shell disabled"), nil
		},
	})

	d := e.Dispatch(context.Background(), Invocation{
		Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Tool: "Edit",
	})
	require.Equal(t, Allow, d.Decision)
	require.Zero(t, ran)

	d = e.Dispatch(context.Background(), Invocation{
		Type: TypeAgent, Event: EventPreToolUse, Provider: "claude-code", Tool: "BashOutput",
	})
	require.Equal(t, Deny, d.Decision)
	require.Equal(t, 1, ran)
}

func TestDispatchAskDegradesWithoutCallback(t *testing.T) {
	e := NewEngine(Options{})
	e.Register(&Func{
		Name: "careful",
		Meta: Header{Type: TypeIssue, Event: "pre-close"},
		Fn: func(context.Context, Invocation) (Decision, error) {
			return Decision{Decision: Ask, Reason: "3 files outside scope"}, nil
		},
	})

	d := e.Dispatch(context.Background(), Invocation{Type: TypeIssue, Event: "pre-close"})
	require.Equal(t, Deny, d.Decision)
	require.Contains(t, d.Reason, "3 files outside scope")
}

func TestDispatchAskResolvesThroughCallback(t *testing.T) {
	e := NewEngine(Options{
		Ask: func(_ context.Context, _ Invocation, d Decision) Decision {
			return Allowed()
		},
	})
	e.Register(&Func{
		Name: "careful",
		Meta: Header{Type: TypeIssue, Event: "pre-close"},
		Fn: func(context.Context, Invocation) (Decision, error) {
			return Decision{Decision: Ask, Reason: "confirm merge"}, nil
		},
	})

	d := e.Dispatch(context.Background(), Invocation{Type: TypeIssue, Event: "pre-close"})
	require.Equal(t, Allow, d.Decision)
}

func TestLoadDirLaterWinsAndSkipsBadHeaders(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	writeHook(t, userDir, "guard.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\nexit 2\n")
	writeHook(t, userDir, "broken.sh", "#!/bin/sh\nexit 0\n")
	writeHook(t, projectDir, "guard.sh", "#!/bin/sh\n# type: issue\n# event: pre-submit\nexit 0\n")

	e := NewEngine(Options{ProjectRoot: projectDir})
	require.NoError(t, e.LoadDir(userDir))
	require.NoError(t, e.LoadDir(projectDir))
	require.NoError(t, e.LoadDir(filepath.Join(projectDir, "missing")))

	hooks := e.Hooks()
	require.Len(t, hooks, 1, "broken header skipped, duplicate id collapsed")

	// The project-local copy shadows the user-global one.
	d := e.Dispatch(context.Background(), Invocation{Type: TypeIssue, Event: "pre-submit"})
	require.Equal(t, Allow, d.Decision)
}

func TestClaudeBridgeDecisionTranslation(t *testing.T) {
	b, err := LookupBridge("claude-code")
	require.NoError(t, err)

	native := b.NativeDecision(Decision{
		Decision: Deny,
		Reason:   "scope violation",
		Metadata: map[string]any{AdditionalContext: "see issue FIX-0001"},
	})
	require.Equal(t, "deny", native["permissionDecision"])
	require.Equal(t, "scope violation", native["permissionDecisionReason"])
	out := native["hookSpecificOutput"].(map[string]any)
	require.Equal(t, "see issue FIX-0001", out["additionalContext"])

	back := b.UnifyDecision(native)
	require.Equal(t, Deny, back.Decision)
	require.Equal(t, "scope violation", back.Reason)
	require.Equal(t, "see issue FIX-0001", back.Metadata[AdditionalContext])
}

func TestGeminiBridgeEventMapping(t *testing.T) {
	b, err := LookupBridge("gemini-cli")
	require.NoError(t, err)

	unified, ok := b.UnifyEvent("BeforeTool")
	require.True(t, ok)
	require.Equal(t, EventPreToolUse, unified)

	unified, ok = b.UnifyEvent("post-tool-call-failure")
	require.True(t, ok)
	require.Equal(t, EventPostToolUseFailure, unified)

	native, ok := b.NativeEvent(EventPostToolUse)
	require.True(t, ok)
	require.Equal(t, "AfterTool", native)

	_, ok = b.UnifyEvent("UserPromptSubmit")
	require.False(t, ok, "claude-only event has no gemini name")
}

func TestDispatchNativeUnknownEventAllows(t *testing.T) {
	e := NewEngine(Options{})
	out, err := e.DispatchNative(context.Background(), "gemini-cli", "SomethingNew", "Edit", nil)
	require.NoError(t, err)
	require.Equal(t, "allow", out["decision"])

	_, err = e.DispatchNative(context.Background(), "unknown-cli", "BeforeTool", "Edit", nil)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.NotFound))
}
