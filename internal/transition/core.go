// Package transition implements the issue lifecycle operations: create,
// start, sync-files, submit, close, lint. Every operation serializes per
// issue id, runs its pre/post hook chains, and leaves the filesystem as the
// single source of truth.
package transition

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/git"
	"github.com/monoco-io/monoco/internal/hook"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/tracing"
)

// Options configures the transition core.
type Options struct {
	// IssuesRoot is the issue tree root (<project>/Issues).
	IssuesRoot string

	// ProjectRoot is the git working tree the executor operates in.
	ProjectRoot string

	// WorktreesDir holds per-issue worktrees (<project>/.monoco/worktrees).
	WorktreesDir string

	// Trunk overrides trunk detection when non-empty.
	Trunk string

	// Tracer wraps each operation in a span. Nil disables tracing.
	Tracer trace.Tracer
}

// Core drives issue lifecycle transitions.
type Core struct {
	opts   Options
	git    git.Executor
	hooks  *hook.Engine
	linter *issue.Linter
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCore builds the core and registers the built-in hooks (pre-submit
// sync+lint, post-start isolation, pre-close scoped merge) on the engine.
func NewCore(opts Options, gitx git.Executor, hooks *hook.Engine) *Core {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	c := &Core{
		opts:   opts,
		git:    gitx,
		hooks:  hooks,
		linter: issue.NewLinter(opts.IssuesRoot),
		tracer: tracer,
		locks:  make(map[string]*sync.Mutex),
	}
	c.registerBuiltins()
	return c
}

// lockFor returns the per-issue mutex, creating it on first use. The lock
// is held through the hook chain and the file operations.
func (c *Core) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.locks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.locks[id] = m
	return m
}

func (c *Core) span(ctx context.Context, op, id string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanPrefixTransition+op)
	if id != "" {
		span.SetAttributes(attribute.String(tracing.AttrIssueID, id))
	}
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// runPre dispatches a pre-hook chain; a deny aborts the operation.
func (c *Core) runPre(ctx context.Context, event, id string, payload map[string]any) error {
	d := c.hooks.Dispatch(ctx, hook.Invocation{
		Type:    hook.TypeIssue,
		Event:   event,
		IssueID: id,
		Payload: payload,
	})
	if d.Decision == hook.Deny {
		return fault.Newf(fault.HookDenied, "%s denied: %s", event, d.Reason)
	}
	return nil
}

// runPost dispatches a post-hook chain. Post hooks cannot abort: the
// operation already happened, so a deny is only logged.
func (c *Core) runPost(ctx context.Context, event, id string, payload map[string]any) {
	d := c.hooks.Dispatch(ctx, hook.Invocation{
		Type:    hook.TypeIssue,
		Event:   event,
		IssueID: id,
		Payload: payload,
	})
	if d.Decision == hook.Deny {
		log.Warn(log.CatIssue, "post hook denied after the fact",
			"event", event, "issue", id, "reason", d.Reason)
	}
}

// CreateOpts carries the optional fields of a new issue.
type CreateOpts struct {
	Criticality  issue.Criticality
	Parent       string
	Dependencies []string
	Body         string
}

// Create allocates the next id, writes the issue under open/, and runs the
// post-create chain (which may surface a lint report without aborting).
func (c *Core) Create(ctx context.Context, t issue.Type, title string, opts CreateOpts) (*issue.Issue, error) {
	ctx, span := c.span(ctx, "create", "")
	iss, err := c.create(ctx, t, title, opts)
	finishSpan(span, err)
	return iss, err
}

func (c *Core) create(ctx context.Context, t issue.Type, title string, opts CreateOpts) (*issue.Issue, error) {
	if title == "" {
		return nil, fault.New(fault.Validation, "title is required").WithField("title")
	}
	if err := c.runPre(ctx, hook.EventPreCreate, "", map[string]any{"type": string(t), "title": title}); err != nil {
		return nil, err
	}

	id, err := issue.NextID(c.opts.IssuesRoot, t)
	if err != nil {
		return nil, err
	}

	now := issue.Now()
	iss := &issue.Issue{
		ID:           id,
		Type:         t,
		Status:       issue.StatusOpen,
		Stage:        issue.StageDraft,
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		Parent:       opts.Parent,
		Dependencies: opts.Dependencies,
		Criticality:  opts.Criticality,
		Body:         opts.Body,
	}
	if err := iss.Validate(); err != nil {
		return nil, err
	}

	path := issue.PathFor(c.opts.IssuesRoot, iss)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "creating %s", filepath.Dir(path))
	}
	if err := issue.Save(iss, path); err != nil {
		return nil, err
	}
	iss.Path = path

	log.Info(log.CatIssue, "issue created", "id", id, "type", string(t), "path", path)
	c.runPost(ctx, hook.EventPostCreate, id, map[string]any{"path": path})
	return iss, nil
}

// Start creates the issue's isolation and moves it draft/todo → doing. The
// post-start built-in performs the branch or worktree creation.
func (c *Core) Start(ctx context.Context, id string, mode issue.IsolationType) (*issue.Issue, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := c.span(ctx, "start", id)
	iss, err := c.start(ctx, id, mode)
	finishSpan(span, err)
	return iss, err
}

func (c *Core) start(ctx context.Context, id string, mode issue.IsolationType) (*issue.Issue, error) {
	if mode == "" {
		mode = issue.IsolationWorktree
	}
	switch mode {
	case issue.IsolationDirect, issue.IsolationBranch, issue.IsolationWorktree:
	default:
		return nil, fault.Newf(fault.Validation, "unknown isolation mode %q", mode).WithField("mode")
	}

	iss, err := issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}
	if iss.Status != issue.StatusOpen {
		return nil, fault.Newf(fault.Precondition, "cannot start %s issue %s", iss.Status, id)
	}
	switch iss.Stage {
	case issue.StageDraft, issue.StageTodo:
	default:
		return nil, fault.Newf(fault.Precondition, "issue %s is already %s", id, iss.Stage)
	}
	if iss.Isolation != nil {
		return nil, fault.Newf(fault.Precondition, "issue %s already has %s isolation", id, iss.Isolation.Type)
	}

	if err := c.runPre(ctx, hook.EventPreStart, id, map[string]any{"mode": string(mode)}); err != nil {
		return nil, err
	}

	iss.Stage = issue.StageDoing
	iss.Touch()
	if err := issue.Save(iss, iss.Path); err != nil {
		return nil, err
	}

	// The post-start built-in creates the isolation and rewrites the
	// preamble with the branch/worktree ref.
	c.runPost(ctx, hook.EventPostStart, id, map[string]any{"mode": string(mode)})

	return issue.Find(c.opts.IssuesRoot, id)
}

// SyncFiles rewrites the issue's files field from the diff between trunk
// and the issue's branch, excluding the issue file itself.
func (c *Core) SyncFiles(ctx context.Context, id string) (*issue.Issue, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := c.span(ctx, "sync_files", id)
	iss, err := c.syncFiles(ctx, id)
	finishSpan(span, err)
	return iss, err
}

// Submit runs the pre-submit chain (sync-files + lint via the built-in)
// and moves the issue doing → review.
func (c *Core) Submit(ctx context.Context, id string) (*issue.Issue, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := c.span(ctx, "submit", id)
	iss, err := c.submit(ctx, id)
	finishSpan(span, err)
	return iss, err
}

func (c *Core) submit(ctx context.Context, id string) (*issue.Issue, error) {
	iss, err := issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}
	if iss.Status != issue.StatusOpen {
		return nil, fault.Newf(fault.Precondition, "cannot submit %s issue %s", iss.Status, id)
	}
	if iss.Stage != issue.StageDoing {
		return nil, fault.Newf(fault.Precondition, "submit requires stage doing, issue %s is %s", id, iss.Stage)
	}

	if err := c.runPre(ctx, hook.EventPreSubmit, id, nil); err != nil {
		return nil, err
	}

	// The built-in may have rewritten the preamble; reload before the
	// stage flip.
	iss, err = issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}
	iss.Stage = issue.StageReview
	iss.Touch()
	if err := issue.Save(iss, iss.Path); err != nil {
		return nil, err
	}

	log.Info(log.CatIssue, "issue submitted", "id", id)
	c.runPost(ctx, hook.EventPostSubmit, id, nil)
	return iss, nil
}

// CloseOpts configures Close.
type CloseOpts struct {
	// Solution is the terminal marker. Required.
	Solution issue.Solution

	// KeepIsolation skips pruning the branch/worktree.
	KeepIsolation bool
}

// Close performs the scoped merge (through the pre-close built-in), moves
// the file open → closed, sets the solution, and prunes the isolation.
func (c *Core) Close(ctx context.Context, id string, opts CloseOpts) (*issue.Issue, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := c.span(ctx, "close", id)
	iss, err := c.close(ctx, id, opts)
	finishSpan(span, err)
	return iss, err
}

func (c *Core) close(ctx context.Context, id string, opts CloseOpts) (*issue.Issue, error) {
	switch opts.Solution {
	case issue.SolutionImplemented, issue.SolutionCancelled, issue.SolutionWontfix, issue.SolutionDuplicate:
	default:
		return nil, fault.Newf(fault.Validation, "unknown solution %q", opts.Solution).WithField("solution")
	}

	iss, err := issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}
	if iss.Status != issue.StatusOpen {
		return nil, fault.Newf(fault.Precondition, "cannot close %s issue %s", iss.Status, id)
	}
	if opts.Solution == issue.SolutionImplemented && iss.Stage != issue.StageReview {
		return nil, fault.Newf(fault.Precondition, "close requires stage review, issue %s is %s", id, iss.Stage)
	}

	d := c.hooks.Dispatch(ctx, hook.Invocation{
		Type:    hook.TypeIssue,
		Event:   hook.EventPreClose,
		IssueID: id,
		Payload: map[string]any{
			"solution":       string(opts.Solution),
			"keep_isolation": opts.KeepIsolation,
		},
	})
	if d.Decision == hook.Deny {
		if conflicts, ok := d.Metadata[conflictsKey].([]string); ok && len(conflicts) > 0 {
			return nil, fault.New(fault.MergeConflict, d.Reason).WithConflicts(conflicts)
		}
		return nil, fault.Newf(fault.HookDenied, "pre-close denied: %s", d.Reason)
	}

	// The merge built-in may have refreshed the issue file from the
	// feature branch.
	iss, err = issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return nil, err
	}

	oldPath := iss.Path
	iss.Status = issue.StatusClosed
	iss.Stage = issue.StageDone
	iss.Solution = opts.Solution
	iss.Touch()
	if err := iss.Validate(); err != nil {
		return nil, err
	}

	newPath := issue.PathFor(c.opts.IssuesRoot, iss)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "creating %s", filepath.Dir(newPath))
	}
	if err := issue.Save(iss, newPath); err != nil {
		return nil, err
	}
	if oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return nil, fault.Wrapf(fault.TransientIO, err, "removing %s", oldPath)
		}
	}
	iss.Path = newPath

	c.commitClose(iss, oldPath, newPath)

	if !opts.KeepIsolation {
		c.pruneIsolation(iss)
	}

	log.Info(log.CatIssue, "issue closed", "id", id, "solution", string(opts.Solution))
	c.runPost(ctx, hook.EventPostClose, id, map[string]any{"solution": string(opts.Solution)})
	return iss, nil
}

// commitClose records the merge and the open→closed move in one commit.
// A failure here is logged, not fatal: the filesystem state is already
// correct and the user can commit by hand.
func (c *Core) commitClose(iss *issue.Issue, oldPath, newPath string) {
	if !c.git.IsGitRepo() {
		return
	}
	paths := []string{newPath}
	if oldPath != newPath {
		paths = append(paths, oldPath)
	}
	if err := c.git.Add(paths); err != nil {
		log.Warn(log.CatGit, "staging close failed", "id", iss.ID, "error", err.Error())
		return
	}
	if err := c.git.Commit("Close " + iss.ID + ": " + string(iss.Solution)); err != nil {
		log.Warn(log.CatGit, "committing close failed", "id", iss.ID, "error", err.Error())
	}
}

// pruneIsolation removes the issue's branch or worktree. Best effort.
func (c *Core) pruneIsolation(iss *issue.Issue) {
	if iss.Isolation == nil {
		return
	}
	switch iss.Isolation.Type {
	case issue.IsolationWorktree:
		if iss.Isolation.Path != "" {
			if err := c.git.RemoveWorktree(iss.Isolation.Path); err != nil {
				log.Warn(log.CatGit, "removing worktree failed",
					"id", iss.ID, "path", iss.Isolation.Path, "error", err.Error())
				return
			}
		}
		_ = c.git.PruneWorktrees()
		if err := c.git.DeleteBranch(iss.Isolation.Ref, true); err != nil {
			log.Warn(log.CatGit, "deleting branch failed", "id", iss.ID, "branch", iss.Isolation.Ref, "error", err.Error())
		}
	case issue.IsolationBranch:
		if err := c.git.DeleteBranch(iss.Isolation.Ref, true); err != nil {
			log.Warn(log.CatGit, "deleting branch failed", "id", iss.ID, "branch", iss.Isolation.Ref, "error", err.Error())
		}
	case issue.IsolationDirect:
	}
}

// Lint runs the lint rules against one issue.
func (c *Core) Lint(ctx context.Context, id string) (issue.Report, error) {
	_, span := c.span(ctx, "lint", id)
	defer span.End()

	iss, err := issue.Find(c.opts.IssuesRoot, id)
	if err != nil {
		return issue.Report{}, err
	}
	return c.linter.LintFile(iss.Path), nil
}

// trunkName resolves the integration branch: config override, then git
// detection (main with master fallback).
func (c *Core) trunkName() string {
	if c.opts.Trunk != "" {
		return c.opts.Trunk
	}
	trunk, err := c.git.GetMainBranch()
	if err != nil || trunk == "" {
		return "main"
	}
	return trunk
}

// branchName is the canonical feature branch for an issue.
func branchName(id string) string { return "issue/" + id }

// relPath converts an absolute path inside the project to repo-relative.
func (c *Core) relPath(abs string) string {
	rel, err := filepath.Rel(c.opts.ProjectRoot, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
