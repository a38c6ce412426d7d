package router

import (
	"context"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	commandTailBytes      = 2048
)

// RunCommandAction runs an external process in response to an event. Each
// argv element is a text/template rendered against the payload fields.
type RunCommandAction struct {
	// ActionName labels the action in logs and declined events.
	ActionName string

	// Argv is the command and its arguments as templates.
	Argv []string

	// Dir is the working directory. Empty inherits the daemon's.
	Dir string

	// Timeout bounds the run. Zero takes the default (2m).
	Timeout time.Duration
}

func (a *RunCommandAction) Name() string {
	if a.ActionName != "" {
		return a.ActionName
	}
	return "run-command"
}

func (a *RunCommandAction) CanExecute(env events.Envelope) bool {
	return len(a.Argv) > 0
}

// Execute renders the argv and runs it, capturing combined output. A
// non-zero exit surfaces as an error carrying the output tail.
func (a *RunCommandAction) Execute(ctx context.Context, env events.Envelope) error {
	argv, err := a.renderArgv(env)
	if err != nil {
		return err
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: argv comes from the binding table, not event data
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = a.Dir

	output, err := cmd.CombinedOutput()
	tail := string(output)
	if len(tail) > commandTailBytes {
		tail = tail[len(tail)-commandTailBytes:]
	}
	if err != nil {
		return fault.Wrapf(fault.AgentFailed, err, "command %s failed: %s", argv[0], strings.TrimSpace(tail))
	}

	log.Debug(log.CatRouter, "command finished", "action", a.Name(), "argv", strings.Join(argv, " "))
	return nil
}

func (a *RunCommandAction) renderArgv(env events.Envelope) ([]string, error) {
	data := struct {
		Topic  string
		Fields map[string]string
	}{Topic: string(env.Type)}
	if env.Payload != nil {
		data.Fields = env.Payload.Fields()
	}

	argv := make([]string, 0, len(a.Argv))
	for _, raw := range a.Argv {
		tmpl, err := template.New("argv").Parse(raw)
		if err != nil {
			return nil, fault.Wrapf(fault.Validation, err, "parsing argv template %q", raw)
		}
		var sb strings.Builder
		if err := tmpl.Execute(&sb, data); err != nil {
			return nil, fault.Wrapf(fault.Validation, err, "rendering argv template %q", raw)
		}
		argv = append(argv, sb.String())
	}
	return argv, nil
}
