// Package qwen adapts the Qwen Code CLI. Qwen Code is a Gemini CLI fork
// and takes the same flag surface.
package qwen

import (
	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

func init() {
	engine.Register(Adapter{})
}

// Adapter builds Qwen Code invocations.
type Adapter struct{}

func (Adapter) Name() string { return "qwen" }

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

	return engine.Command{Bin: "qwen", Args: args}, nil
}
