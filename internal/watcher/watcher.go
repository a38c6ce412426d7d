// Package watcher turns filesystem and inbox state changes into typed
// events on the daemon bus. Native notification via fsnotify is the
// primary mechanism; a watcher degrades to polling when watch
// registration fails, never failing daemon startup.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/monoco-io/monoco/internal/log"
)

// Watcher is a long-running task feeding the event bus.
type Watcher interface {
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// Options holds the shared watcher timings.
type Options struct {
	// Debounce is the quiet window for issue/memo/task watchers.
	Debounce time.Duration

	// PollInterval is the fallback polling cadence.
	PollInterval time.Duration

	// MailboxQuiet is the per-(provider, session) quiet window for
	// inbound aggregation.
	MailboxQuiet time.Duration

	// MailboxCeiling bounds aggregation from the first deferred message.
	MailboxCeiling time.Duration
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		Debounce:       time.Second,
		PollInterval:   2 * time.Second,
		MailboxQuiet:   5 * time.Second,
		MailboxCeiling: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MailboxQuiet <= 0 {
		o.MailboxQuiet = d.MailboxQuiet
	}
	if o.MailboxCeiling <= 0 {
		o.MailboxCeiling = d.MailboxCeiling
	}
	return o
}

// source delivers coalesced change signals, either from fsnotify or, when
// degraded, from a poll ticker. The signal only says "something changed";
// watchers rescan and diff against their snapshots.
type source struct {
	name      string
	fsw       *fsnotify.Watcher
	poll      time.Duration
	degraded  atomic.Bool
	changes   chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newSource(name string, poll time.Duration) *source {
	s := &source{
		name:    name,
		poll:    poll,
		changes: make(chan string, 64),
		done:    make(chan struct{}),
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatWatcher, "native notification unavailable, polling instead",
			"watcher", name, "error", err)
		s.degraded.Store(true)
	} else {
		s.fsw = fsw
	}
	return s
}

// watch registers a path. Registration failure flips the source to
// polling instead of propagating the error.
func (s *source) watch(path string) {
	if s.fsw == nil {
		return
	}
	if err := s.fsw.Add(path); err != nil {
		if !s.degraded.Swap(true) {
			log.Warn(log.CatWatcher, "watch registration failed, polling instead",
				"watcher", s.name, "path", path, "error", err)
		}
	}
}

func (s *source) run() {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if s.fsw != nil {
		fsEvents = s.fsw.Events
		fsErrors = s.fsw.Errors
	}

	for {
		select {
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.emit(ev.Name)

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Debug(log.CatWatcher, "notification error", "watcher", s.name, "error", err)

		case <-ticker.C:
			if s.degraded.Load() {
				s.emit("")
			}

		case <-s.done:
			return
		}
	}
}

// emit forwards a change signal without blocking. A full channel means a
// rescan is already pending; the signal carries no data a rescan would miss.
func (s *source) emit(path string) {
	select {
	case s.changes <- path:
	default:
	}
}

func (s *source) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.fsw != nil {
			_ = s.fsw.Close()
		}
	})
}

// debouncer collapses bursts of triggers per logical key into one callback
// after a quiet window.
type debouncer struct {
	d      time.Duration
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(d time.Duration) *debouncer {
	return &debouncer{d: d, timers: make(map[string]*time.Timer)}
}

// trigger schedules fn after the quiet window for key, restarting the
// window when the key fires again before it elapses.
func (b *debouncer) trigger(key string, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[key]; ok {
		t.Stop()
	}
	b.timers[key] = time.AfterFunc(b.d, func() {
		b.mu.Lock()
		delete(b.timers, key)
		b.mu.Unlock()
		fn()
	})
}

func (b *debouncer) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, t := range b.timers {
		t.Stop()
		delete(b.timers, key)
	}
}
