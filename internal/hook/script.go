package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
)

// defaultSyncTimeout bounds a synchronous script hook when the header does
// not set one. Async hooks run unbounded.
const defaultSyncTimeout = 30 * time.Second

// ScriptHook executes an on-disk hook file. The invocation is JSON on
// stdin; the decision is JSON on stdout, with the exit code as fallback
// (0 allow, 2 deny, anything else deny with "hook error").
type ScriptHook struct {
	Path        string
	ProjectRoot string

	id     string
	header Header
}

// LoadScript reads and validates a hook file. The file must be regular and
// executable.
func LoadScript(path, projectRoot string) (*ScriptHook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "stat hook %s", path)
	}
	if !info.Mode().IsRegular() {
		return nil, fault.Newf(fault.Validation, "hook %s is not a regular file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return nil, fault.Newf(fault.Validation, "hook %s is not executable", path)
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from hook discovery
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "reading hook %s", path)
	}
	header, err := ParseHeader(string(data))
	if err != nil {
		return nil, err
	}
	return &ScriptHook{
		Path:        path,
		ProjectRoot: projectRoot,
		id:          hookID(path),
		header:      header,
	}, nil
}

// hookID is the filename without extension; collisions across discovery
// directories resolve later-wins.
func hookID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (h *ScriptHook) ID() string     { return h.id }
func (h *ScriptHook) Header() Header { return h.header }

// timeoutFor resolves the effective sync timeout: header override, else the
// engine default, else the package default.
func (h *ScriptHook) timeoutFor(engineDefault time.Duration) time.Duration {
	if h.header.Timeout > 0 {
		return time.Duration(h.header.Timeout) * time.Second
	}
	if engineDefault > 0 {
		return engineDefault
	}
	return defaultSyncTimeout
}

// Run executes the script. A deadline on ctx that fires maps to a deny with
// reason "hook timeout".
func (h *ScriptHook) Run(ctx context.Context, inv Invocation) (Decision, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return Decision{}, fault.Wrap(fault.Validation, err, "encoding hook invocation")
	}

	timeout := "0"
	if deadline, ok := ctx.Deadline(); ok {
		timeout = fmt.Sprintf("%d", int(time.Until(deadline).Seconds()))
	}

	cmd := exec.CommandContext(ctx, h.Path) //nolint:gosec // G204: path comes from hook discovery
	cmd.Dir = h.ProjectRoot
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"MONOCO_EVENT="+inv.Event,
		"MONOCO_PROJECT_ROOT="+h.ProjectRoot,
		"MONOCO_HOOK_TIMEOUT="+timeout,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Denied("hook timeout"), nil
	}

	// Decision JSON on stdout overrides the exit code.
	if d, ok := parseDecision(stdout.Bytes()); ok {
		return d, nil
	}

	if runErr == nil {
		return Allowed(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 2 {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = "denied by " + h.id
		}
		return Denied(reason), nil
	}
	return Denied("hook error: " + runErr.Error()), nil
}

// parseDecision accepts stdout that is a single JSON decision object. Plain
// informational output falls through to the exit-code convention.
func parseDecision(out []byte) (Decision, bool) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Decision{}, false
	}
	switch d.Decision {
	case Allow, Deny, Ask:
		return d, true
	default:
		return Decision{}, false
	}
}
