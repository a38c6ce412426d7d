// Package git wraps the git CLI behind a typed executor. The transition
// core drives it for isolation (branches, worktrees) and for the scoped
// per-file merge at close.
package git

// WorktreeInfo holds information about one git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations the daemon needs. The abstraction
// keeps the transition core testable against a fake.
type Executor interface {
	IsGitRepo() bool
	GetRepoRoot() (string, error)
	GetCurrentBranch() (string, error)

	// GetMainBranch detects the integration branch: config, remote HEAD,
	// then main/master existence, falling back to "main".
	GetMainBranch() (string, error)

	BranchExists(name string) bool
	// ValidateBranchName runs git check-ref-format --branch.
	ValidateBranchName(name string) error
	CreateBranch(name, base string) error
	DeleteBranch(name string, force bool) error
	Checkout(branch string) error

	CreateWorktree(path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	HasUncommittedChanges() (bool, error)

	// ChangedFiles lists paths changed on ref relative to the merge base
	// with base (diff --name-only base...ref).
	ChangedFiles(base, ref string) ([]string, error)
	// CheckoutFileFrom stages one file's content from ref into the
	// current working tree (checkout ref -- path).
	CheckoutFileFrom(ref, path string) error
	// RestoreFiles resets paths back to HEAD, discarding staged and
	// working-tree changes.
	RestoreFiles(paths []string) error
	Add(paths []string) error
	Commit(message string) error
}
