package watcher

import (
	"context"
	"path/filepath"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/memo"
)

// MemoWatcher monitors the memo inbox file and publishes memo.present
// while it holds at least one block. Presence is the whole signal: the
// watcher never consumes; draining happens at scheduling time.
type MemoWatcher struct {
	path string
	bus  *events.Bus
	opts Options

	src    *source
	deb    *debouncer
	cancel context.CancelFunc
}

// NewMemoWatcher creates a watcher over the inbox file path.
func NewMemoWatcher(path string, bus *events.Bus, opts Options) *MemoWatcher {
	return &MemoWatcher{path: path, bus: bus, opts: opts.withDefaults()}
}

func (w *MemoWatcher) Name() string { return "memos" }

// Start begins watching the inbox's directory. An inbox already holding
// memos at startup publishes immediately: undelivered guidance must not
// wait for the next write.
func (w *MemoWatcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.src = newSource(w.Name(), w.opts.PollInterval)
	w.deb = newDebouncer(w.opts.Debounce)
	w.src.watch(filepath.Dir(w.path))

	log.SafeGo("memos.source", func() { w.src.run() })
	log.SafeGo("memos.loop", func() { w.loop(ctx) })

	w.check()

	log.Info(log.CatWatcher, "memo watcher started", "path", w.path)
	return nil
}

// Stop terminates the watcher.
func (w *MemoWatcher) Stop() {
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

func (w *MemoWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-w.src.changes:
			if hint != "" && hint != w.path {
				continue
			}
			w.deb.trigger(w.path, w.check)
		}
	}
}

func (w *MemoWatcher) check() {
	memos, err := memo.Read(w.path)
	if err != nil {
		log.Debug(log.CatWatcher, "memo inbox unreadable", "path", w.path, "error", err)
		return
	}
	if len(memos) == 0 {
		return
	}

	payload := events.MemoPresent{InboxPath: w.path, Memos: make([]events.Memo, 0, len(memos))}
	for _, m := range memos {
		payload.Memos = append(payload.Memos, events.Memo{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			From:      m.From,
			Body:      m.Body,
		})
	}
	events.Publish(w.bus, payload)
}
