// Package kimi adapts the Kimi CLI, which follows the Claude Code
// headless flag surface.
package kimi

import (
	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

func init() {
	engine.Register(Adapter{})
}

// Adapter builds Kimi CLI invocations.
type Adapter struct{}

func (Adapter) Name() string { return "kimi" }

func (Adapter) Build(spec engine.Spec) (engine.Command, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
	}
	if spec.Resume != "" {
		args = append(args, "--resume", spec.Resume)
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	args = append(args, "--", spec.Prompt)

	return engine.Command{Bin: "kimi", Args: args}, nil
}
