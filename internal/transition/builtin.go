package transition

import (
	"context"
	"errors"
	"path/filepath"
	"sort"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/hook"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/log"
)

// Built-in hook ids. User hooks can shadow them by name, which is the
// documented way to replace the stock behavior.
const (
	builtinPreSubmit = "builtin-pre-submit"
	builtinPostStart = "builtin-post-start"
	builtinPreClose  = "builtin-pre-close"
)

// builtinPriority runs the stock hooks before user hooks at default
// priority 0.
const builtinPriority = 100

func (c *Core) registerBuiltins() {
	c.hooks.Register(&hook.Func{
		Name: builtinPreSubmit,
		Meta: hook.Header{Type: hook.TypeIssue, Event: hook.EventPreSubmit, Priority: builtinPriority},
		Fn:   c.preSubmitHook,
	})
	c.hooks.Register(&hook.Func{
		Name: builtinPostStart,
		Meta: hook.Header{Type: hook.TypeIssue, Event: hook.EventPostStart, Priority: builtinPriority},
		Fn:   c.postStartHook,
	})
	c.hooks.Register(&hook.Func{
		Name: builtinPreClose,
		Meta: hook.Header{Type: hook.TypeIssue, Event: hook.EventPreClose, Priority: builtinPriority},
		Fn:   c.preCloseHook,
	})
}

// preSubmitHook syncs the files list, then lints. Lint violations deny the
// submit with the full report as reason.
func (c *Core) preSubmitHook(ctx context.Context, inv hook.Invocation) (hook.Decision, error) {
	iss, err := c.syncFiles(ctx, inv.IssueID)
	if err != nil {
		return hook.Denied(err.Error()), nil
	}
	report := c.linter.LintFile(iss.Path)
	if !report.OK() {
		return hook.Denied(report.Err().Error()), nil
	}
	return hook.Allowed(), nil
}

// postStartHook creates the requested isolation and records it in the
// issue preamble.
func (c *Core) postStartHook(_ context.Context, inv hook.Invocation) (hook.Decision, error) {
	mode, _ := inv.Payload["mode"].(string)
	iss, err := issue.Find(c.opts.IssuesRoot, inv.IssueID)
	if err != nil {
		return hook.Denied(err.Error()), nil
	}

	iso := &issue.Isolation{Type: issue.IsolationType(mode), CreatedAt: issue.Now()}
	switch issue.IsolationType(mode) {
	case issue.IsolationDirect:
		if branch, err := c.git.GetCurrentBranch(); err == nil {
			iso.Ref = branch
		}
	case issue.IsolationBranch:
		if !c.git.IsGitRepo() {
			return hook.Denied("branch isolation requires a git repository"), nil
		}
		name := branchName(iss.ID)
		if err := c.git.ValidateBranchName(name); err != nil {
			return hook.Denied(err.Error()), nil
		}
		if err := c.git.CreateBranch(name, c.trunkName()); err != nil {
			return hook.Denied(err.Error()), nil
		}
		if err := c.git.Checkout(name); err != nil {
			return hook.Denied(err.Error()), nil
		}
		iso.Ref = name
	case issue.IsolationWorktree:
		if !c.git.IsGitRepo() {
			return hook.Denied("worktree isolation requires a git repository"), nil
		}
		name := branchName(iss.ID)
		path := filepath.Join(c.opts.WorktreesDir, iss.ID)
		if err := c.git.CreateWorktree(path, name, c.trunkName()); err != nil {
			return hook.Denied(err.Error()), nil
		}
		iso.Ref = name
		iso.Path = path
	default:
		return hook.Denied("unknown isolation mode " + mode), nil
	}

	iss.Isolation = iso
	iss.Touch()
	if err := issue.Save(iss, iss.Path); err != nil {
		return hook.Denied(err.Error()), nil
	}
	log.Info(log.CatIssue, "isolation created",
		"id", iss.ID, "mode", mode, "ref", iso.Ref)
	return hook.Allowed(), nil
}

// conflictsKey carries the scoped-merge conflict set through the decision
// metadata so Close can surface a MergeConflict fault instead of a generic
// hook denial.
const conflictsKey = "conflicts"

// preCloseHook performs the scoped merge for implemented closes. Cancelled
// and wontfix closes merge nothing.
func (c *Core) preCloseHook(_ context.Context, inv hook.Invocation) (hook.Decision, error) {
	solution, _ := inv.Payload["solution"].(string)
	if issue.Solution(solution) != issue.SolutionImplemented {
		return hook.Allowed(), nil
	}

	iss, err := issue.Find(c.opts.IssuesRoot, inv.IssueID)
	if err != nil {
		return hook.Denied(err.Error()), nil
	}
	if iss.Isolation == nil || iss.Isolation.Type == issue.IsolationDirect {
		return hook.Allowed(), nil
	}

	merged, err := c.scopedMerge(iss)
	if err != nil {
		d := hook.Denied(err.Error())
		var f *fault.Fault
		if errors.As(err, &f) && f.Category == fault.MergeConflict {
			d.Metadata = map[string]any{conflictsKey: f.Conflicts}
		}
		return d, nil
	}
	return hook.Decision{
		Decision: hook.Allow,
		Metadata: map[string]any{"merged": merged},
	}, nil
}

// syncFiles recomputes the files field from the branch diff. Callers hold
// the per-issue lock.
func (c *Core) syncFiles(_ context.Context, id string) (*issue.Issue, error) {
	iss, err := issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}
	if iss.Status != issue.StatusOpen {
		return nil, fault.Newf(fault.Precondition, "cannot sync files on %s issue %s", iss.Status, id)
	}
	if !c.git.IsGitRepo() {
		return nil, fault.New(fault.Precondition, "sync-files requires a git repository")
	}

	ref := "HEAD"
	if iss.Isolation != nil && iss.Isolation.Ref != "" {
		ref = iss.Isolation.Ref
	}

	changed, err := c.git.ChangedFiles(c.trunkName(), ref)
	if err != nil {
		return nil, err
	}

	self := c.relPath(iss.Path)
	files := make([]string, 0, len(changed))
	for _, f := range changed {
		if f == self {
			continue
		}
		files = append(files, f)
	}
	sort.Strings(files)

	iss.Files = files
	iss.Touch()
	if err := issue.Save(iss, iss.Path); err != nil {
		return nil, err
	}
	log.Debug(log.CatIssue, "files synced", "id", id, "count", len(files))
	return iss, nil
}

// scopedMerge brings the issue's in-scope files from the feature branch
// onto trunk. Scope = issue.files − other open issues' claims − the issue
// file itself. Any file also modified on trunk since the merge base
// conflicts and aborts the whole merge.
func (c *Core) scopedMerge(iss *issue.Issue) ([]string, error) {
	trunk := c.trunkName()
	branch := iss.Isolation.Ref

	current, err := c.git.GetCurrentBranch()
	if err != nil {
		return nil, err
	}
	if current != trunk {
		if err := c.git.Checkout(trunk); err != nil {
			return nil, err
		}
	}

	scope := c.mergeScope(iss)

	// Files trunk changed since the merge base conflict with the scoped
	// checkout; collect them all before giving up.
	trunkChanged, err := c.git.ChangedFiles(branch, trunk)
	if err != nil {
		return nil, err
	}
	trunkSet := make(map[string]bool, len(trunkChanged))
	for _, f := range trunkChanged {
		trunkSet[f] = true
	}
	var conflicts []string
	for _, f := range scope {
		if trunkSet[f] {
			conflicts = append(conflicts, f)
		}
	}
	if len(conflicts) > 0 {
		return nil, fault.Newf(fault.MergeConflict,
			"%d files changed on both %s and %s", len(conflicts), branch, trunk).
			WithConflicts(conflicts)
	}

	var done []string
	for _, f := range scope {
		if err := c.git.CheckoutFileFrom(branch, f); err != nil {
			if restoreErr := c.git.RestoreFiles(done); restoreErr != nil {
				log.Warn(log.CatGit, "restore after failed merge",
					"id", iss.ID, "error", restoreErr.Error())
			}
			return nil, fault.Wrapf(fault.TransientIO, err, "merging %s from %s", f, branch)
		}
		done = append(done, f)
	}

	// The issue file is workflow metadata: always taken from the branch.
	self := c.relPath(iss.Path)
	if err := c.git.CheckoutFileFrom(branch, self); err != nil {
		log.Debug(log.CatGit, "issue file unchanged on branch", "id", iss.ID, "path", self)
	}

	log.Info(log.CatIssue, "scoped merge complete",
		"id", iss.ID, "files", len(done), "branch", branch)
	return done, nil
}

// mergeScope computes the file set Close may merge: the issue's claims
// minus any file another open issue also claims minus the issue file.
func (c *Core) mergeScope(iss *issue.Issue) []string {
	claimed := make(map[string]bool)
	all, _ := issue.List(c.opts.IssuesRoot)
	for _, other := range all {
		if other.ID == iss.ID || other.Status != issue.StatusOpen {
			continue
		}
		for _, f := range other.Files {
			claimed[f] = true
		}
	}

	self := c.relPath(iss.Path)
	var scope []string
	for _, f := range iss.Files {
		if f == self || claimed[f] {
			continue
		}
		scope = append(scope, f)
	}
	sort.Strings(scope)
	return scope
}
