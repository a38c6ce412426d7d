// Package registry maintains the global project inventory at
// ~/.monoco/inventory.json: a slug → project-root map used by webhook
// ingress to route inbound messages to the right workspace. Writes are
// guarded by a pid-stamped lock file; reads go through a cache invalidated
// by file mtime.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// inventoryVersion is the current schema version.
const inventoryVersion = 1

// slugPattern constrains slugs to URL-safe lowercase names.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Project is one registered workspace.
type Project struct {
	Root           string `json:"root"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// Inventory is the on-disk registry document.
type Inventory struct {
	Version  int                `json:"version"`
	Projects map[string]Project `json:"projects"`
}

// Registry provides cached, lock-guarded access to the inventory file.
type Registry struct {
	path string

	mu       sync.Mutex
	cached   *Inventory
	cachedAt time.Time // mtime of the file the cache was loaded from
}

// New creates a registry over the given inventory path
// (config.InventoryPath() in production).
func New(path string) *Registry {
	return &Registry{path: path}
}

// Lookup resolves a slug to its project. O(1) against the cached map.
func (r *Registry) Lookup(slug string) (Project, error) {
	inv, err := r.load()
	if err != nil {
		return Project{}, err
	}
	p, ok := inv.Projects[slug]
	if !ok {
		return Project{}, fault.Newf(fault.NotFound, "project %s is not registered", slug)
	}
	return p, nil
}

// List returns all registered slugs, sorted.
func (r *Registry) List() ([]string, error) {
	inv, err := r.load()
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(inv.Projects))
	for slug := range inv.Projects {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs, nil
}

// Register adds or updates a project under slug.
func (r *Registry) Register(slug string, p Project) error {
	if !slugPattern.MatchString(slug) {
		return fault.Newf(fault.Validation, "slug %q is not URL-safe", slug).WithField("slug")
	}
	if !filepath.IsAbs(p.Root) {
		return fault.Newf(fault.Validation, "project root %q must be absolute", p.Root).WithField("root")
	}
	return r.mutate(func(inv *Inventory) error {
		inv.Projects[slug] = p
		return nil
	})
}

// Unregister removes a slug; removing an unknown slug is an error.
func (r *Registry) Unregister(slug string) error {
	return r.mutate(func(inv *Inventory) error {
		if _, ok := inv.Projects[slug]; !ok {
			return fault.Newf(fault.NotFound, "project %s is not registered", slug)
		}
		delete(inv.Projects, slug)
		return nil
	})
}

// load returns the cached inventory, re-reading the file when its mtime
// moved past the cache.
func (r *Registry) load() (*Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		return &Inventory{Version: inventoryVersion, Projects: map[string]Project{}}, nil
	}
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "stat %s", r.path)
	}
	if r.cached != nil && info.ModTime().Equal(r.cachedAt) {
		return r.cached, nil
	}

	data, err := os.ReadFile(r.path) //nolint:gosec // G304: configured inventory path
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", r.path)
	}
	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fault.Wrapf(fault.Validation, err, "malformed inventory %s", r.path)
	}
	if inv.Projects == nil {
		inv.Projects = map[string]Project{}
	}
	r.cached = &inv
	r.cachedAt = info.ModTime()
	return &inv, nil
}

// mutate applies fn under the inventory lock file and persists atomically.
func (r *Registry) mutate(fn func(*Inventory) error) error {
	unlock, err := r.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	r.cached = nil // force reload under the lock
	r.mu.Unlock()

	inv, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(inv); err != nil {
		return err
	}
	inv.Version = inventoryVersion

	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fault.Wrapf(fault.TransientIO, err, "creating %s", filepath.Dir(r.path))
	}
	err = fault.RetryIO("inventory write", func() error {
		tmp := r.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return err
		}
		return os.Rename(tmp, r.path)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
	return nil
}

// acquireLock creates <path>.lock with O_EXCL, retrying briefly. A lock
// whose pid is dead is stale and gets replaced.
func (r *Registry) acquireLock() (func(), error) {
	lockPath := r.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "creating %s", filepath.Dir(lockPath))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // G304: derived from the inventory path
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() {
				if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
					log.Warn(log.CatConfig, "failed to remove inventory lock", "path", lockPath, "error", err)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fault.Wrapf(fault.TransientIO, err, "locking %s", r.path)
		}
		if pid, ok := readLockPid(lockPath); ok && !pidAlive(pid) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fault.Newf(fault.TransientIO, "inventory %s is locked by another process", r.path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func readLockPid(path string) (int, bool) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: lock file next to the inventory
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
