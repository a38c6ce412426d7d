package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/log"
)

// taskLinePattern matches an unchecked task item: `- [ ] write the docs`.
var taskLinePattern = regexp.MustCompile(`^\s*[-*]\s+\[ \]\s+(.+?)\s*$`)

// TaskWatcher monitors tasks.md at the project root and emits task.added
// for every new unchecked task line.
type TaskWatcher struct {
	path string
	bus  *events.Bus
	opts Options

	src    *source
	deb    *debouncer
	cancel context.CancelFunc

	mu    sync.Mutex
	known map[string]bool
}

// NewTaskWatcher creates a watcher over the tasks file path.
func NewTaskWatcher(path string, bus *events.Bus, opts Options) *TaskWatcher {
	return &TaskWatcher{
		path:  path,
		bus:   bus,
		opts:  opts.withDefaults(),
		known: make(map[string]bool),
	}
}

func (w *TaskWatcher) Name() string { return "tasks" }

// Start primes the known-task set (existing lines are state, not news)
// and begins watching.
func (w *TaskWatcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.src = newSource(w.Name(), w.opts.PollInterval)
	w.deb = newDebouncer(w.opts.Debounce)
	w.src.watch(filepath.Dir(w.path))

	for text := range w.read() {
		w.known[text] = true
	}

	log.SafeGo("tasks.source", func() { w.src.run() })
	log.SafeGo("tasks.loop", func() { w.loop(ctx) })

	log.Info(log.CatWatcher, "task watcher started", "path", w.path)
	return nil
}

// Stop terminates the watcher.
func (w *TaskWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.deb != nil {
		w.deb.stop()
	}
	if w.src != nil {
		w.src.close()
	}
}

func (w *TaskWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-w.src.changes:
			if hint != "" && hint != w.path {
				continue
			}
			w.deb.trigger(w.path, w.scan)
		}
	}
}

func (w *TaskWatcher) scan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for text, line := range w.read() {
		if w.known[text] {
			continue
		}
		w.known[text] = true
		events.Publish(w.bus, events.TaskAdded{Path: w.path, Line: line, Text: text})
	}
}

// read returns unchecked task texts mapped to their 1-based line number.
func (w *TaskWatcher) read() map[string]int {
	data, err := os.ReadFile(w.path) //nolint:gosec // G304: path is the configured tasks file
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug(log.CatWatcher, "tasks file unreadable", "path", w.path, "error", err)
		}
		return nil
	}

	tasks := make(map[string]int)
	line := 0
	for l := range strings.SplitSeq(string(data), "\n") {
		line++
		if m := taskLinePattern.FindStringSubmatch(l); m != nil {
			if _, dup := tasks[m[1]]; !dup {
				tasks[m[1]] = line
			}
		}
	}
	return tasks
}
