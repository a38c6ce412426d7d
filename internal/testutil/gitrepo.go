package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// GitRepo is a scratch git repository under a temp directory.
type GitRepo struct {
	Root string

	t *testing.T
}

// NewGitRepo creates an initialized repository with one commit on the given
// trunk branch. The test is skipped when git is not installed.
func NewGitRepo(t *testing.T, trunk string) *GitRepo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	if trunk == "" {
		trunk = "main"
	}

	r := &GitRepo{Root: t.TempDir(), t: t}
	r.Git("init", "-b", trunk)
	r.Git("config", "user.email", "dev@example.com")
	r.Git("config", "user.name", "Dev")
	r.Git("config", "commit.gpgsign", "false")
	r.WriteFile("README.md", "# scratch\n")
	r.CommitAll("initial")
	return r
}

// Git runs a git command in the repository and returns its output.
func (r *GitRepo) Git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Root
	out, err := cmd.CombinedOutput()
	require.NoError(r.t, err, "git %v: %s", args, out)
	return string(out)
}

// WriteFile writes a file relative to the repository root, creating parent
// directories as needed.
func (r *GitRepo) WriteFile(rel, content string) {
	r.t.Helper()
	path := filepath.Join(r.Root, rel)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.t, os.WriteFile(path, []byte(content), 0o644))
}

// CommitAll stages everything and commits.
func (r *GitRepo) CommitAll(msg string) {
	r.t.Helper()
	r.Git("add", "-A")
	r.Git("commit", "-m", msg)
}
