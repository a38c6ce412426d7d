package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/monoco-io/monoco/internal/cachemanager"
	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/log"
)

// snapshot is the cached preamble projection for one issue file, keyed by
// absolute path. Comparing successive snapshots yields field_changed events.
type snapshot struct {
	ID     string
	Fields map[string]string
}

// IssueWatcher monitors the issue root and emits issue.created,
// issue.deleted, and issue.field_changed. Stage transitions surface here;
// they are the primary trigger for engineer scheduling.
type IssueWatcher struct {
	root string
	bus  *events.Bus
	opts Options

	src  *source
	deb  *debouncer
	snap cachemanager.CacheManager[string, snapshot]

	cancel context.CancelFunc
}

// NewIssueWatcher creates a watcher over the issue root directory.
func NewIssueWatcher(root string, bus *events.Bus, opts Options) *IssueWatcher {
	opts = opts.withDefaults()
	return &IssueWatcher{
		root: root,
		bus:  bus,
		opts: opts,
		snap: cachemanager.NewInMemoryCacheManager[string, snapshot](
			"issue-snapshots", cachemanager.NoExpiration, cachemanager.DefaultCleanupInterval),
	}
}

func (w *IssueWatcher) Name() string { return "issues" }

// Start primes the snapshot cache from the current tree (without emitting)
// and begins watching.
func (w *IssueWatcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.src = newSource(w.Name(), w.opts.PollInterval)
	w.deb = newDebouncer(w.opts.Debounce)

	// Existing issues are state, not news.
	w.prime(ctx)
	w.addWatches()

	log.SafeGo("issues.source", func() { w.src.run() })
	log.SafeGo("issues.loop", func() { w.loop(ctx) })

	log.Info(log.CatWatcher, "issue watcher started", "root", w.root)
	return nil
}

// Stop terminates the watcher.
func (w *IssueWatcher) Stop() {
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

func (w *IssueWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.src.changes:
			w.deb.trigger("issues", func() { w.scan(ctx) })
		}
	}
}

// prime records the current tree without publishing.
func (w *IssueWatcher) prime(ctx context.Context) {
	for path, iss := range w.walk() {
		w.snap.Set(ctx, path, snapshot{ID: iss.ID, Fields: preambleFields(iss)}, cachemanager.NoExpiration)
	}
}

// addWatches registers every directory under the issue root. fsnotify is
// not recursive, so this reruns after each scan to pick up new status or
// year directories.
func (w *IssueWatcher) addWatches() {
	w.src.watch(w.root)
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			w.src.watch(path)
		}
		return nil
	})
}

// scan diffs the tree against the snapshot cache and publishes the delta.
func (w *IssueWatcher) scan(ctx context.Context) {
	current := w.walk()

	known := make(map[string]bool)
	for _, key := range w.snap.Keys(ctx) {
		known[string(key)] = true
	}

	for path, iss := range current {
		fields := preambleFields(iss)
		prev, ok := w.snap.Get(ctx, path)
		if !ok {
			events.Publish(w.bus, events.IssueCreated{
				ID:    iss.ID,
				Path:  path,
				Type:  string(iss.Type),
				Title: iss.Title,
				Stage: string(iss.Stage),
			})
		} else {
			for field, now := range fields {
				if old := prev.Fields[field]; old != now {
					events.Publish(w.bus, events.IssueFieldChanged{
						ID:    iss.ID,
						Path:  path,
						Field: field,
						Old:   old,
						New:   now,
					})
				}
			}
		}
		w.snap.Set(ctx, path, snapshot{ID: iss.ID, Fields: fields}, cachemanager.NoExpiration)
		delete(known, path)
	}

	// Anything left in known vanished from the tree.
	for path := range known {
		prev, _ := w.snap.Get(ctx, path)
		_ = w.snap.Delete(ctx, path)
		events.Publish(w.bus, events.IssueDeleted{ID: prev.ID, Path: path})
	}

	w.addWatches()
}

// walk parses every issue file under the root. Files that fail to parse
// are skipped; a concurrent writer may be mid-rename and the file will
// parse on the next pass.
func (w *IssueWatcher) walk() map[string]*issue.Issue {
	found := make(map[string]*issue.Issue)
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		if _, ok := issue.IDFromFilename(d.Name()); !ok {
			return nil
		}
		iss, err := issue.Load(path)
		if err != nil {
			log.Debug(log.CatWatcher, "skipping unparseable issue", "path", path, "error", err)
			return nil
		}
		found[path] = iss
		return nil
	})
	return found
}

// preambleFields flattens the typed preamble for snapshot comparison.
// List fields join their values so a membership change surfaces as one
// field_changed event.
func preambleFields(iss *issue.Issue) map[string]string {
	fields := map[string]string{
		"type":         string(iss.Type),
		"status":       string(iss.Status),
		"stage":        string(iss.Stage),
		"title":        iss.Title,
		"parent":       iss.Parent,
		"criticality":  string(iss.Criticality),
		"solution":     string(iss.Solution),
		"dependencies": strings.Join(iss.Dependencies, ","),
		"related":      strings.Join(iss.Related, ","),
		"domains":      strings.Join(iss.Domains, ","),
		"tags":         strings.Join(iss.Tags, ","),
		"files":        strings.Join(iss.Files, ","),
	}
	if iso := iss.Isolation; iso != nil {
		fields["isolation"] = string(iso.Type) + ":" + iso.Ref
	} else {
		fields["isolation"] = ""
	}
	return fields
}
