package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "inventory.json"))
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("acme", Project{Root: "/srv/acme"}))

	p, err := r.Lookup("acme")
	require.NoError(t, err)
	require.Equal(t, "/srv/acme", p.Root)

	_, err = r.Lookup("other")
	require.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	require.Error(t, r.Register("Not-Valid", Project{Root: "/x"}))
	require.Error(t, r.Register("-leading", Project{Root: "/x"}))
	require.Error(t, r.Register("ok", Project{Root: "relative/path"}))
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("acme", Project{Root: "/srv/acme"}))
	require.NoError(t, r.Unregister("acme"))
	require.Error(t, r.Unregister("acme"))
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register("zeta", Project{Root: "/z"}))
	require.NoError(t, r.Register("alpha", Project{Root: "/a"}))

	slugs, err := r.List()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, slugs)
}

func TestCacheInvalidatesOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.json")
	r := New(path)

	require.NoError(t, r.Register("acme", Project{Root: "/srv/acme"}))
	_, err := r.Lookup("acme") // warm the cache
	require.NoError(t, err)

	// Another process rewrites the file.
	external := `{"version":1,"projects":{"acme":{"root":"/srv/acme-v2"}}}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o600))
	// Ensure the mtime moves even on coarse-grained filesystems.
	bumped := fileTime(t, path).Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, bumped, bumped))

	p, err := r.Lookup("acme")
	require.NoError(t, err)
	require.Equal(t, "/srv/acme-v2", p.Root)
}

func TestStaleLockIsReplaced(t *testing.T) {
	r := newTestRegistry(t)

	// A lock from a dead pid must not block mutation.
	lockPath := r.path + ".lock"
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))
	require.NoError(t, os.WriteFile(lockPath, []byte(fmt.Sprintf("%d\n", 1<<30)), 0o644))

	require.NoError(t, r.Register("acme", Project{Root: "/srv/acme"}))
}

func fileTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}
