// Package claude adapts the Claude Code CLI in headless mode
// (--print --output-format stream-json).
package claude

import (
	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

func init() {
	engine.Register(Adapter{})
}

// Adapter builds Claude Code invocations.
type Adapter struct{}

func (Adapter) Name() string { return "claude" }

// Build assembles the headless argv. The trailing -- keeps a prompt that
// starts with a dash from being eaten by the flag parser.
func (Adapter) Build(spec engine.Spec) (engine.Command, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if spec.Resume != "" {
		args = append(args, "--resume", spec.Resume)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	args = append(args, "--", spec.Prompt)

	return engine.Command{Bin: "claude", Args: args}, nil
}
