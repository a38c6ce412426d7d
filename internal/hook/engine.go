package hook

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/log"
)

// AskFunc escalates an ask decision to an interactive prompt. It returns
// the resolved decision (allow or deny).
type AskFunc func(ctx context.Context, inv Invocation, d Decision) Decision

// Options configures the engine.
type Options struct {
	// ProjectRoot is exported to script hooks and used as their workdir.
	ProjectRoot string

	// SyncTimeout bounds each synchronous script hook. Zero takes 30s.
	SyncTimeout time.Duration

	// Ask handles interactive escalation. Nil degrades ask to deny.
	Ask AskFunc

	// Bus, when set, receives hook.denied events.
	Bus *events.Bus
}

// Engine holds the registered hooks and dispatches invocations.
type Engine struct {
	opts Options

	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewEngine creates an empty engine. Built-ins register via Register;
// script hooks load via LoadDir.
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts, hooks: make(map[string]Hook)}
}

// Register adds a hook. A later registration with the same id replaces the
// earlier one, which is how project-local hooks shadow user-global ones.
func (e *Engine) Register(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.hooks[h.ID()]; ok {
		log.Debug(log.CatHook, "hook shadowed", "id", prev.ID())
	}
	e.hooks[h.ID()] = h
}

// LoadDir discovers script hooks in dir. A missing directory is empty; a
// file with a bad header is logged and skipped.
func (e *Engine) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		h, err := LoadScript(path, e.opts.ProjectRoot)
		if err != nil {
			log.Warn(log.CatHook, "skipping hook", "path", path, "error", err.Error())
			continue
		}
		e.Register(h)
	}
	return nil
}

// Hooks returns a snapshot of the registered hooks.
func (e *Engine) Hooks() []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Hook, 0, len(e.hooks))
	for _, h := range e.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// applicable selects and orders the hooks matching an invocation:
// priority descending, then id ascending for a stable order.
func (e *Engine) applicable(inv Invocation) []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []Hook
	for _, h := range e.hooks {
		header := h.Header()
		if header.Type != inv.Type || header.Event != inv.Event {
			continue
		}
		if header.Provider != "" && inv.Provider != "" && header.Provider != inv.Provider {
			continue
		}
		if !header.matchesTool(inv.Tool) {
			continue
		}
		matched = append(matched, h)
	}
	sort.Slice(matched, func(i, j int) bool {
		pi, pj := matched[i].Header().Priority, matched[j].Header().Priority
		if pi != pj {
			return pi > pj
		}
		return matched[i].ID() < matched[j].ID()
	})
	return matched
}

// Dispatch runs the applicable hooks in order. The chain stops at the first
// deny; allow metadata accumulates across the chain; ask escalates through
// the configured callback or degrades to deny. Async hooks detach and never
// affect the outcome.
func (e *Engine) Dispatch(ctx context.Context, inv Invocation) Decision {
	chain := e.applicable(inv)
	result := Allowed()

	for _, h := range chain {
		if h.Header().Async {
			e.detach(ctx, h, inv)
			continue
		}

		d := e.runSync(ctx, h, inv)
		switch d.Decision {
		case Ask:
			if e.opts.Ask != nil {
				d = e.opts.Ask(ctx, inv, d)
			} else {
				d = Denied("interactive approval unavailable: " + d.Reason)
			}
		case Allow, Deny:
		}

		if d.Decision == Deny {
			log.Info(log.CatHook, "hook denied",
				"hook", h.ID(), "event", inv.Event, "reason", d.Reason)
			if e.opts.Bus != nil {
				events.Publish(e.opts.Bus, events.HookDenied{
					Hook:   h.ID(),
					Event:  inv.Event,
					Reason: d.Reason,
				})
			}
			return d
		}

		result = mergeAllow(result, d)
	}
	return result
}

// runSync executes one hook under the sync timeout. Execution errors count
// as deny so a broken hook fails closed.
func (e *Engine) runSync(ctx context.Context, h Hook, inv Invocation) Decision {
	timeout := e.opts.SyncTimeout
	if s, ok := h.(*ScriptHook); ok {
		timeout = s.timeoutFor(e.opts.SyncTimeout)
	} else if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := h.Run(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return Denied("hook timeout")
		}
		log.ErrorErr(log.CatHook, "hook execution failed", err, "hook", h.ID())
		return Denied("hook error: " + err.Error())
	}
	return d
}

// detach runs an async hook in the background. Its decision is discarded.
func (e *Engine) detach(ctx context.Context, h Hook, inv Invocation) {
	log.SafeGo("hook.async", func() {
		if _, err := h.Run(context.WithoutCancel(ctx), inv); err != nil {
			log.Warn(log.CatHook, "async hook failed", "hook", h.ID(), "error", err.Error())
		}
	})
}

// mergeAllow folds a later allow into the accumulated result. Metadata keys
// from later hooks win; message and reason take the latest non-empty value.
func mergeAllow(acc, d Decision) Decision {
	if d.Reason != "" {
		acc.Reason = d.Reason
	}
	if d.Message != "" {
		acc.Message = d.Message
	}
	if len(d.Metadata) > 0 {
		if acc.Metadata == nil {
			acc.Metadata = make(map[string]any, len(d.Metadata))
		}
		for k, v := range d.Metadata {
			acc.Metadata[k] = v
		}
	}
	return acc
}
