package transition

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/git"
	"github.com/monoco-io/monoco/internal/hook"
	"github.com/monoco-io/monoco/internal/issue"
)

type fixture struct {
	root   string
	core   *Core
	engine *hook.Engine
	gitx   *git.RealExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()

	f := &fixture{root: root}
	f.git(t, "init", "-b", "main")
	f.git(t, "config", "user.email", "dev@example.com")
	f.git(t, "config", "user.name", "Dev")
	f.git(t, "config", "commit.gpgsign", "false")
	f.write(t, "README.md", "# project\n")
	f.commitAll(t, "initial")

	f.engine = hook.NewEngine(hook.Options{ProjectRoot: root})
	f.gitx = git.NewRealExecutor(root)
	f.core = NewCore(Options{
		IssuesRoot:   filepath.Join(root, "Issues"),
		ProjectRoot:  root,
		WorktreesDir: filepath.Join(root, ".monoco", "worktrees"),
	}, f.gitx, f.engine)
	return f
}

func (f *fixture) git(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = f.root
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func (f *fixture) commitAll(t *testing.T, msg string) {
	t.Helper()
	f.git(t, "add", "-A")
	f.git(t, "commit", "-m", msg)
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) createCommitted(t *testing.T, title string) *issue.Issue {
	t.Helper()
	iss, err := f.core.Create(context.Background(), issue.TypeFeature, title, CreateOpts{})
	require.NoError(t, err)
	f.commitAll(t, "add "+iss.ID)
	return iss
}

func TestCreateWritesOpenIssue(t *testing.T) {
	f := newFixture(t)

	iss, err := f.core.Create(context.Background(), issue.TypeFix, "Login crash", CreateOpts{
		Criticality: issue.CriticalityHigh,
	})
	require.NoError(t, err)
	require.Equal(t, "FIX-0001", iss.ID)
	require.Equal(t, issue.StatusOpen, iss.Status)
	require.Equal(t, issue.StageDraft, iss.Stage)
	require.Contains(t, iss.Path, filepath.Join("Fixes", "open"))

	loaded, err := issue.Load(iss.Path)
	require.NoError(t, err)
	require.Equal(t, "Login crash", loaded.Title)
	require.Equal(t, issue.CriticalityHigh, loaded.Criticality)
}

func TestStartBranchIsolation(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	started, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	require.Equal(t, issue.StageDoing, started.Stage)
	require.NotNil(t, started.Isolation)
	require.Equal(t, issue.IsolationBranch, started.Isolation.Type)
	require.Equal(t, "issue/"+iss.ID, started.Isolation.Ref)

	branch, err := f.gitx.GetCurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "issue/"+iss.ID, branch)
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.commitAll(t, "start")

	_, err = f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Precondition))
}

func TestStartDeniedByUserHook(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	f.engine.Register(&hook.Func{
		Name: "freeze-window",
		Meta: hook.Header{Type: hook.TypeIssue, Event: hook.EventPreStart, Priority: 200},
		Fn: func(context.Context, hook.Invocation) (hook.Decision, error) {
			return hook.Denied("release freeze until Monday"), nil
		},
	})

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.HookDenied))
	require.Contains(t, err.Error(), "release freeze")

	reloaded, err := issue.Find(f.core.opts.IssuesRoot, iss.ID)
	require.NoError(t, err)
	require.Equal(t, issue.StageDraft, reloaded.Stage, "denied start must leave the stage untouched")
}

func TestStartWorktreeIsolation(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	started, err := f.core.Start(context.Background(), iss.ID, issue.IsolationWorktree)
	require.NoError(t, err)
	require.Equal(t, issue.IsolationWorktree, started.Isolation.Type)
	require.Equal(t, filepath.Join(f.root, ".monoco", "worktrees", iss.ID), started.Isolation.Path)
	require.DirExists(t, started.Isolation.Path)

	// The main tree stays on trunk.
	branch, err := f.gitx.GetCurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestSyncFilesExcludesIssueFile(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.write(t, "login.go", "package main\n")
	f.write(t, "auth/session.go", "package auth\n")
	f.commitAll(t, "implement login")

	synced, err := f.core.SyncFiles(context.Background(), iss.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"auth/session.go", "login.go"}, synced.Files)
}

func TestSubmitSyncsLintsAndAdvances(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.write(t, "login.go", "package main\n")
	f.commitAll(t, "implement login")

	submitted, err := f.core.Submit(context.Background(), iss.ID)
	require.NoError(t, err)
	require.Equal(t, issue.StageReview, submitted.Stage)
	require.Equal(t, []string{"login.go"}, submitted.Files)
}

func TestSubmitRequiresDoing(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Submit(context.Background(), iss.ID)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Precondition))
}

func TestCloseImplementedMergesAndMoves(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.write(t, "login.go", "package main\n")
	f.commitAll(t, "implement login")
	_, err = f.core.Submit(context.Background(), iss.ID)
	require.NoError(t, err)
	f.commitAll(t, "ready for review")

	closed, err := f.core.Close(context.Background(), iss.ID, CloseOpts{Solution: issue.SolutionImplemented})
	require.NoError(t, err)
	require.Equal(t, issue.StatusClosed, closed.Status)
	require.Equal(t, issue.StageDone, closed.Stage)
	require.Equal(t, issue.SolutionImplemented, closed.Solution)
	require.Contains(t, closed.Path, filepath.Join("Features", "closed"))

	// The merge landed the code on trunk.
	branch, err := f.gitx.GetCurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "main", branch)
	require.FileExists(t, filepath.Join(f.root, "login.go"))

	// The branch was pruned.
	require.False(t, f.gitx.BranchExists("issue/"+iss.ID))

	// The close committed: the tree is clean.
	dirty, err := f.gitx.HasUncommittedChanges()
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestCloseConflictAbortsWithConflictSet(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.write(t, "shared.go", "package main // branch version\n")
	f.commitAll(t, "branch work")
	_, err = f.core.Submit(context.Background(), iss.ID)
	require.NoError(t, err)
	f.commitAll(t, "ready")

	// Trunk moves on the same file behind the branch's back.
	f.git(t, "checkout", "main")
	f.write(t, "shared.go", "package main // trunk version\n")
	f.commitAll(t, "trunk hotfix")
	f.git(t, "checkout", "issue/"+iss.ID)

	_, err = f.core.Close(context.Background(), iss.ID, CloseOpts{Solution: issue.SolutionImplemented})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.MergeConflict))

	var fl *fault.Fault
	require.True(t, errors.As(err, &fl))
	require.Equal(t, []string{"shared.go"}, fl.Conflicts)

	// The issue stays open.
	reloaded, findErr := issue.Find(f.core.opts.IssuesRoot, iss.ID)
	require.NoError(t, findErr)
	require.Equal(t, issue.StatusOpen, reloaded.Status)
}

func TestCloseExcludesOtherIssuesClaims(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Start(context.Background(), iss.ID, issue.IsolationBranch)
	require.NoError(t, err)
	f.write(t, "shared.go", "package main\n")
	f.write(t, "login.go", "package main\n")
	f.commitAll(t, "branch work")
	_, err = f.core.Submit(context.Background(), iss.ID)
	require.NoError(t, err)
	f.commitAll(t, "ready")

	// Another open issue claims shared.go.
	other, err := f.core.Create(context.Background(), issue.TypeFeature, "Rework shared", CreateOpts{})
	require.NoError(t, err)
	other.Files = []string{"shared.go"}
	require.NoError(t, issue.Save(other, other.Path))

	closed, err := f.core.Close(context.Background(), iss.ID, CloseOpts{Solution: issue.SolutionImplemented})
	require.NoError(t, err)
	require.Equal(t, issue.StatusClosed, closed.Status)

	// login.go merged; shared.go stayed out of scope and off trunk.
	require.FileExists(t, filepath.Join(f.root, "login.go"))
	require.NoFileExists(t, filepath.Join(f.root, "shared.go"))
}

func TestCloseCancelledSkipsMerge(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Abandoned idea")

	closed, err := f.core.Close(context.Background(), iss.ID, CloseOpts{Solution: issue.SolutionCancelled})
	require.NoError(t, err)
	require.Equal(t, issue.StatusClosed, closed.Status)
	require.Equal(t, issue.SolutionCancelled, closed.Solution)
}

func TestCloseRequiresReviewForImplemented(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	_, err := f.core.Close(context.Background(), iss.ID, CloseOpts{Solution: issue.SolutionImplemented})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Precondition))
}

func TestLintReportsCleanIssue(t *testing.T) {
	f := newFixture(t)
	iss := f.createCommitted(t, "Add login")

	report, err := f.core.Lint(context.Background(), iss.ID)
	require.NoError(t, err)
	require.True(t, report.OK(), "violations: %v", report.Violations)
}

func TestBuiltinsAreRegistered(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for _, h := range f.engine.Hooks() {
		ids = append(ids, h.ID())
	}
	joined := strings.Join(ids, ",")
	require.Contains(t, joined, builtinPreSubmit)
	require.Contains(t, joined, builtinPostStart)
	require.Contains(t, joined, builtinPreClose)
}
