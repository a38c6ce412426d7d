package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/mailbox"
)

// batchKey identifies one aggregation window.
type batchKey struct {
	provider string
	session  string
}

// batch accumulates inbound messages for one (provider, session) until the
// quiet window elapses or the ceiling from the first message is hit.
type batch struct {
	first     time.Time
	threadKey string
	msgs      []*mailbox.Message
	timer     *time.Timer
}

// MailboxInboundWatcher monitors mailbox/inbound/<provider>/ trees and
// publishes mailbox.inbound.ready, coalescing a burst of messages in the
// same chat thread into a single event.
type MailboxInboundWatcher struct {
	store *mailbox.Store
	bus   *events.Bus
	opts  Options

	src    *source
	cancel context.CancelFunc

	mu      sync.Mutex
	seen    map[string]bool
	pending map[batchKey]*batch
}

// NewMailboxInboundWatcher creates a watcher over the store's inbound trees.
func NewMailboxInboundWatcher(store *mailbox.Store, bus *events.Bus, opts Options) *MailboxInboundWatcher {
	return &MailboxInboundWatcher{
		store:   store,
		bus:     bus,
		opts:    opts.withDefaults(),
		seen:    make(map[string]bool),
		pending: make(map[batchKey]*batch),
	}
}

func (w *MailboxInboundWatcher) Name() string { return "mailbox-inbound" }

// Start begins watching. Unclaimed messages already sitting in inbound are
// fed through the aggregator: delivery is at-least-once across restarts.
func (w *MailboxInboundWatcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.src = newSource(w.Name(), w.opts.PollInterval)
	w.addWatches()

	log.SafeGo("mailbox-inbound.source", func() { w.src.run() })
	log.SafeGo("mailbox-inbound.loop", func() { w.loop(ctx) })

	w.scan()

	log.Info(log.CatWatcher, "mailbox inbound watcher started", "root", w.store.Root())
	return nil
}

// Stop terminates the watcher. Pending batches are dropped without
// emitting; their messages are still on disk and re-aggregate on restart.
func (w *MailboxInboundWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.src != nil {
		w.src.close()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, b := range w.pending {
		b.timer.Stop()
		for _, m := range b.msgs {
			delete(w.seen, m.ID)
		}
		delete(w.pending, key)
	}
}

func (w *MailboxInboundWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.src.changes:
			w.scan()
		}
	}
}

func (w *MailboxInboundWatcher) addWatches() {
	inboundRoot := filepath.Join(w.store.Root(), "inbound")
	w.src.watch(inboundRoot)
	for _, provider := range w.store.InboundProviders() {
		w.src.watch(w.store.InboundDir(provider))
	}
}

// scan picks up inbound messages not yet fed to the aggregator. Claimed
// messages (lock file present) are someone else's problem already.
func (w *MailboxInboundWatcher) scan() {
	present := make(map[string]bool)
	complete := true
	for _, provider := range w.store.InboundProviders() {
		msgs, err := w.store.ListDir(w.store.InboundDir(provider))
		if err != nil {
			log.Debug(log.CatWatcher, "inbound scan failed", "provider", provider, "error", err)
			complete = false
			continue
		}
		for _, m := range msgs {
			present[m.ID] = true
			if m.Status != mailbox.StatusPending && m.Status != "" {
				continue
			}
			if _, err := os.Stat(m.Path + ".lock"); err == nil {
				continue
			}
			w.add(m)
		}
	}
	if complete {
		w.gcSeen(present)
	}
	// Provider directories may have appeared since the last pass.
	w.addWatches()
}

// gcSeen drops dedup entries for messages that have left the inbound
// tree, keeping the map bounded by the in-flight set rather than the
// daemon's lifetime. Skipped after a partial listing so a transient
// read error cannot mass-evict and re-announce live messages.
func (w *MailboxInboundWatcher) gcSeen(present map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.seen {
		if !present[id] {
			delete(w.seen, id)
		}
	}
}

func (w *MailboxInboundWatcher) add(m *mailbox.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen[m.ID] {
		return
	}
	w.seen[m.ID] = true

	key := batchKey{provider: m.Provider, session: m.Session.ID}
	b, ok := w.pending[key]
	if !ok {
		b = &batch{first: time.Now(), threadKey: m.Session.ThreadKey}
		w.pending[key] = b
	}
	b.msgs = append(b.msgs, m)

	// Reset the quiet window, clamped so the batch never outlives the
	// ceiling measured from its first message.
	delay := w.opts.MailboxQuiet
	if remaining := w.opts.MailboxCeiling - time.Since(b.first); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(delay, func() { w.flush(key) })
}

// flush publishes one mailbox.inbound.ready for the batch, oldest first.
func (w *MailboxInboundWatcher) flush(key batchKey) {
	w.mu.Lock()
	b, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	if !ok || len(b.msgs) == 0 {
		return
	}

	sort.Slice(b.msgs, func(i, j int) bool {
		return b.msgs[i].CreatedAt.Before(b.msgs[j].CreatedAt)
	})

	payload := events.InboundReady{
		Provider:  key.provider,
		SessionID: key.session,
		ThreadKey: b.threadKey,
	}
	var bodies []string
	mentionSet := make(map[string]bool)
	for _, m := range b.msgs {
		payload.MessageIDs = append(payload.MessageIDs, m.ID)
		payload.Paths = append(payload.Paths, m.Path)
		if body := strings.TrimSpace(m.Body); body != "" {
			bodies = append(bodies, body)
		}
		for _, mention := range m.Participant.Mentions {
			if !mentionSet[mention.Target] {
				mentionSet[mention.Target] = true
				payload.Mentions = append(payload.Mentions, mention.Target)
			}
		}
	}
	payload.Text = strings.Join(bodies, "\n\n")

	log.Debug(log.CatWatcher, "inbound batch ready",
		"provider", key.provider, "session", key.session, "count", len(b.msgs))
	events.Publish(w.bus, payload)
}
