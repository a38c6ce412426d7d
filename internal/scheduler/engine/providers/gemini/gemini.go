// Package gemini adapts the Gemini CLI in headless mode.
package gemini

import (
	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

func init() {
	engine.Register(Adapter{})
}

// Adapter builds Gemini CLI invocations.
type Adapter struct{}

func (Adapter) Name() string { return "gemini" }

// Build assembles the argv. Gemini takes the prompt positionally for new
// sessions but requires -p when resuming.
func (Adapter) Build(spec engine.Spec) (engine.Command, error) {
	var args []string
	if spec.Model != "" {
		args = append(args, "-m", spec.Model)
	}
	if spec.Resume != "" {
		args = append(args, "--resume", spec.Resume)
	}
	args = append(args, "--yolo")
	args = append(args, "--output-format", "stream-json")
	if spec.Resume != "" {
		args = append(args, "-p", spec.Prompt)
	} else {
		args = append(args, spec.Prompt)
	}

	return engine.Command{Bin: "gemini", Args: args}, nil
}
