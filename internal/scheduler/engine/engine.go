// Package engine registers agent engine adapters. An adapter knows how to
// turn a prompt into the argv and environment of a headless CLI agent;
// the scheduler discovers adapters by name.
package engine

import (
	"sort"
	"sync"

	"github.com/monoco-io/monoco/internal/fault"
)

// Spec carries everything an adapter needs to assemble a command.
type Spec struct {
	// Prompt is the rendered prompt text.
	Prompt string

	// Model is passed through to the CLI when set.
	Model string

	// WorkDir is the directory the agent runs in.
	WorkDir string

	// Resume names an existing provider session to continue. Empty
	// starts a fresh session.
	Resume string
}

// Command is an assembled agent invocation.
type Command struct {
	Bin  string
	Args []string
	// Env entries ("KEY=VALUE") appended to the daemon environment.
	Env []string
}

// Adapter assembles commands for one engine.
type Adapter interface {
	Name() string
	Build(spec Spec) (Command, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Adapter)
)

// Register adds an adapter to the registry. Called from provider init
// functions; later registrations replace earlier ones.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	registry[a.Name()] = a
}

// Lookup finds an adapter by name.
func Lookup(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fault.Newf(fault.Validation, "unknown engine %q", name).WithField("engine")
	}
	return a, nil
}

// Names lists registered adapters, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
