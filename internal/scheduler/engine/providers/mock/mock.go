// Package mock provides a shell-backed engine for tests and dry runs.
// The script comes from MONOCO_MOCK_SCRIPT; the default exits cleanly.
package mock

import (
	"os"

	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

func init() {
	engine.Register(Adapter{})
}

// Adapter runs a configurable shell script instead of a real agent.
type Adapter struct{}

func (Adapter) Name() string { return "mock" }

func (Adapter) Build(spec engine.Spec) (engine.Command, error) {
	script := os.Getenv("MONOCO_MOCK_SCRIPT")
	if script == "" {
		script = "exit 0"
	}
	return engine.Command{
		Bin:  "sh",
		Args: []string{"-c", script},
		Env:  []string{"MONOCO_MOCK_PROMPT=" + spec.Prompt},
	}, nil
}
