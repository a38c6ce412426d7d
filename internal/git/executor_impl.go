package git

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/monoco-io/monoco/internal/log"
)

// Git-specific errors surfaced as typed values so callers can branch on
// them without string matching.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrInvalidBranchName indicates the name fails check-ref-format.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrCheckoutConflict indicates a per-file checkout would overwrite
	// local modifications, i.e. the scoped merge conflicts on that file.
	ErrCheckoutConflict = errors.New("checkout conflicts with local changes")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates an executor running git inside workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		log.Debug(log.CatGit, "git command failed",
			"args", strings.Join(args, " "), "stderr", stderrStr)
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	// Per-file checkout refusing to clobber local edits:
	// error: Your local changes to the following files would be overwritten
	if strings.Contains(stderrLower, "would be overwritten") ||
		strings.Contains(stderrLower, "needs merge") {
		return fmt.Errorf("%w: %s", ErrCheckoutConflict, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *RealExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput("rev-parse", "--show-toplevel")
}

// GetCurrentBranch returns the name of the current branch.
func (e *RealExecutor) GetCurrentBranch() (string, error) {
	// git branch --show-current (git 2.22+)
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	// Fallback: parse symbolic-ref
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// GetMainBranch detects the trunk branch name using multiple strategies.
// Order: remote HEAD → main/master existence → config → fallback "main".
func (e *RealExecutor) GetMainBranch() (string, error) {
	// 1. Remote HEAD (works for cloned repos)
	// Returns refs/remotes/origin/main -> extract "main"
	if ref, err := e.runGitOutput("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	// 2. Which of main/master exists locally
	if e.BranchExists("main") {
		return "main", nil
	}
	if e.BranchExists("master") {
		return "master", nil
	}

	// 3. git config init.defaultBranch
	if branch, err := e.runGitOutput("config", "init.defaultBranch"); err == nil && branch != "" {
		return branch, nil
	}

	// 4. Fallback
	return "main", nil
}

// BranchExists checks if a local branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// ValidateBranchName validates a branch name using git check-ref-format.
func (e *RealExecutor) ValidateBranchName(name string) error {
	if err := e.runGit("check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBranchName, name)
	}
	return nil
}

// CreateBranch creates a branch at base without checking it out. Empty
// base means HEAD.
func (e *RealExecutor) CreateBranch(name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	return e.runGit(args...)
}

// DeleteBranch removes a local branch.
func (e *RealExecutor) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return e.runGit("branch", flag, name)
}

// Checkout switches the working tree to branch.
func (e *RealExecutor) Checkout(branch string) error {
	return e.runGit("checkout", branch)
}

// CreateWorktree creates a new worktree at path on a new branch started
// from baseBranch (HEAD when empty).
func (e *RealExecutor) CreateWorktree(path, newBranch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	return e.runGit(args...)
}

// RemoveWorktree removes a worktree, forcing on a second attempt when the
// tree carries local modifications.
func (e *RealExecutor) RemoveWorktree(path string) error {
	if err := e.runGit("worktree", "remove", path); err != nil {
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *RealExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// HasUncommittedChanges checks for staged or unstaged modifications.
func (e *RealExecutor) HasUncommittedChanges() (bool, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// ChangedFiles lists paths changed on ref since its merge base with base.
func (e *RealExecutor) ChangedFiles(base, ref string) ([]string, error) {
	output, err := e.runGitOutput("diff", "--name-only", base+"..."+ref)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}
	var files []string
	for line := range strings.SplitSeq(output, "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CheckoutFileFrom stages one file's content from ref into the current
// working tree.
func (e *RealExecutor) CheckoutFileFrom(ref, path string) error {
	return e.runGit("checkout", ref, "--", path)
}

// RestoreFiles resets paths back to HEAD, discarding local changes. Paths
// absent from HEAD are removed from the index and working tree.
func (e *RealExecutor) RestoreFiles(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "HEAD", "--"}, paths...)
	if err := e.runGit(args...); err == nil {
		return nil
	}
	// Files new on the feature branch do not exist in HEAD; unstage and
	// drop them instead.
	unstage := append([]string{"rm", "-f", "--ignore-unmatch", "--"}, paths...)
	return e.runGit(unstage...)
}

// Add stages the given paths.
func (e *RealExecutor) Add(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	return e.runGit(args...)
}

// Commit records staged changes. An empty index is an error from git; the
// caller decides whether that matters.
func (e *RealExecutor) Commit(message string) error {
	return e.runGit("commit", "-m", message)
}
