// Package scheduler runs agent sessions as local child processes under
// per-role concurrency quotas. Every lifecycle transition is persisted to
// a session file and published on the bus; agents themselves never run
// in-process.
package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/pubsub"
	"github.com/monoco-io/monoco/internal/scheduler/engine"
)

const (
	defaultQueueSize = 32
	defaultTimeout   = 15 * time.Minute
	killGrace        = 5 * time.Second
	observerPoll     = 5 * time.Second
	tailBytes        = 4096
)

// Task is one unit of agent work handed to Schedule.
type Task struct {
	Role          string
	IssueID       string
	Prompt        string
	Engine        string // empty takes the role policy's engine
	Model         string
	Timeout       time.Duration // zero takes the role policy's timeout
	WorkDir       string        // empty takes the scheduler default
	Metadata      map[string]string
	Env           map[string]string
	CorrelationID string
}

// RolePolicy is the per-role scheduling configuration.
type RolePolicy struct {
	Quota     int
	QueueSize int
	Timeout   time.Duration
	Engine    string
	Model     string
	Env       map[string]string
}

func (p RolePolicy) withDefaults() RolePolicy {
	if p.Quota < 1 {
		p.Quota = 1
	}
	if p.QueueSize <= 0 {
		p.QueueSize = defaultQueueSize
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.Engine == "" {
		p.Engine = "claude"
	}
	return p
}

// Options configures a Scheduler.
type Options struct {
	// SessionsDir holds session records and logs (.monoco/sessions).
	SessionsDir string

	// WorkDir is the default working directory for agents.
	WorkDir string

	// Roles maps role names to policies. Unknown roles get a default
	// policy with quota 1.
	Roles map[string]RolePolicy
}

// RoleStats is one row of the Stats snapshot.
type RoleStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	Uptime  time.Duration        `json:"uptime"`
	Roles   map[string]RoleStats `json:"roles"`
	ByState map[State]int        `json:"by_state"`
}

// running tracks one owned session and its child process.
type running struct {
	session   *Session
	cmd       *exec.Cmd
	terminate chan struct{}
	termOnce  sync.Once
}

func (r *running) requestTerminate() {
	r.termOnce.Do(func() { close(r.terminate) })
}

// queued is one task waiting for a role slot.
type queued struct {
	session *Session
	task    Task
	policy  RolePolicy
}

// Scheduler is the local-process AgentScheduler.
type Scheduler struct {
	opts    Options
	bus     *events.Bus
	store   *sessionStore
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	slots     map[string]chan struct{}
	queues    map[string][]*queued
	owned     map[string]*running
	observers map[string]*Session
	byState   map[State]int
}

// New creates a scheduler. Call Start before Schedule.
func New(bus *events.Bus, opts Options) *Scheduler {
	return &Scheduler{
		opts:      opts,
		bus:       bus,
		store:     newSessionStore(opts.SessionsDir),
		slots:     make(map[string]chan struct{}),
		queues:    make(map[string][]*queued),
		owned:     make(map[string]*running),
		observers: make(map[string]*Session),
		byState:   make(map[State]int),
	}
}

func (s *Scheduler) policy(role string) RolePolicy {
	if p, ok := s.opts.Roles[role]; ok {
		return p.withDefaults()
	}
	return RolePolicy{}.withDefaults()
}

// slot returns the semaphore channel for a role, creating it lazily.
// Callers must hold s.mu.
func (s *Scheduler) slot(role string) chan struct{} {
	ch, ok := s.slots[role]
	if !ok {
		ch = make(chan struct{}, s.policy(role).Quota)
		s.slots[role] = ch
	}
	return ch
}

// Start scans the session directory for survivors of a previous daemon
// and launches the observer liveness poller.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	sessions, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.State.Terminal() {
			s.mu.Lock()
			s.byState[sess.State]++
			s.mu.Unlock()
			continue
		}
		if sess.PID > 0 && pidAlive(sess.PID) {
			// The agent outlived the previous daemon. Adopt it read-only.
			sess.Observer = true
			s.mu.Lock()
			s.observers[sess.ID] = sess
			s.mu.Unlock()
			log.Info(log.CatSched, "adopted detached session", "session", sess.ID, "pid", sess.PID)
			continue
		}
		s.finishDetached(sess)
	}

	s.wg.Add(1)
	log.SafeGo("scheduler.observers", func() {
		defer s.wg.Done()
		s.pollObservers()
	})

	log.Info(log.CatSched, "scheduler started", "sessions_dir", s.opts.SessionsDir)
	return nil
}

// finishDetached marks a dead orphan terminated.
func (s *Scheduler) finishDetached(sess *Session) {
	now := time.Now()
	sess.State = StateTerminated
	sess.FinishedAt = &now
	if err := s.store.Save(sess); err != nil {
		log.ErrorErr(log.CatSched, "persisting orphaned session", err, "session", sess.ID)
	}
	s.mu.Lock()
	s.byState[StateTerminated]++
	s.mu.Unlock()
	s.publishChange(events.TopicSessionTerminated, sess, "")
}

// Schedule accepts a task and returns its session id. A full role queue
// fails with QuotaExhausted; a second active session for the same issue
// fails with Precondition.
func (s *Scheduler) Schedule(ctx context.Context, task Task) (string, error) {
	policy := s.policy(task.Role)
	if task.Engine == "" {
		task.Engine = policy.Engine
	}
	if task.Model == "" {
		task.Model = policy.Model
	}
	if task.Timeout <= 0 {
		task.Timeout = policy.Timeout
	}
	if task.WorkDir == "" {
		task.WorkDir = s.opts.WorkDir
	}

	if _, err := engine.Lookup(task.Engine); err != nil {
		return "", err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Role:      task.Role,
		IssueID:   task.IssueID,
		Engine:    task.Engine,
		Model:     task.Model,
		State:     StatePending,
		CreatedAt: time.Now(),
		Metadata:  task.Metadata,
	}

	s.mu.Lock()
	if task.IssueID != "" {
		if active := s.activeForIssueLocked(task.IssueID); active != "" {
			s.mu.Unlock()
			return "", fault.Newf(fault.Precondition,
				"issue %s already has active session %s", task.IssueID, active)
		}
	}

	slot := s.slot(task.Role)
	select {
	case slot <- struct{}{}:
		s.mu.Unlock()
		if err := s.store.Save(sess); err != nil {
			s.release(task.Role)
			return "", err
		}
		s.publishChange(events.TopicSessionScheduled, sess, task.CorrelationID)
		if err := s.spawn(sess, task, policy); err != nil {
			return "", err
		}
		return sess.ID, nil
	default:
	}

	// No slot free: queue or decline.
	if len(s.queues[task.Role]) >= policy.QueueSize {
		depth := len(s.queues[task.Role])
		s.mu.Unlock()
		return "", fault.Newf(fault.QuotaExhausted,
			"role %s queue full (%d)", task.Role, depth).WithDetail("role", task.Role)
	}
	// The pending record must be on disk before pump can see the task,
	// or a prompt promotion would write running first and the late
	// pending save would trip the monotone-state check.
	if err := s.store.Save(sess); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.queues[task.Role] = append(s.queues[task.Role], &queued{session: sess, task: task, policy: policy})
	s.mu.Unlock()

	s.publishChange(events.TopicSessionScheduled, sess, task.CorrelationID)
	log.Debug(log.CatSched, "task queued", "session", sess.ID, "role", task.Role)
	return sess.ID, nil
}

// activeForIssueLocked returns the id of any non-terminal session bound to
// the issue. Caller holds s.mu.
func (s *Scheduler) activeForIssueLocked(issueID string) string {
	for _, r := range s.owned {
		if r.session.IssueID == issueID && !r.session.State.Terminal() {
			return r.session.ID
		}
	}
	for _, sess := range s.observers {
		if sess.IssueID == issueID {
			return sess.ID
		}
	}
	for _, q := range s.queues {
		for _, item := range q {
			if item.task.IssueID == issueID {
				return item.session.ID
			}
		}
	}
	return ""
}

// spawn starts the agent process and its supervisor. The role slot is
// already held and is released when the supervisor finishes.
func (s *Scheduler) spawn(sess *Session, task Task, policy RolePolicy) error {
	adapter, err := engine.Lookup(task.Engine)
	if err != nil {
		s.fail(sess, task, err)
		return err
	}
	command, err := adapter.Build(engine.Spec{
		Prompt:  task.Prompt,
		Model:   task.Model,
		WorkDir: task.WorkDir,
	})
	if err != nil {
		s.fail(sess, task, err)
		return err
	}

	sess.LogPath = filepath.Join(s.opts.SessionsDir, sess.ID+".log")
	logFile, err := os.OpenFile(sess.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: daemon-generated path
	if err != nil {
		wrapped := fault.Wrapf(fault.TransientIO, err, "creating session log")
		s.fail(sess, task, wrapped)
		return wrapped
	}

	//nolint:gosec // G204: argv comes from the engine adapter
	cmd := exec.Command(command.Bin, command.Args...)
	cmd.Dir = task.WorkDir
	// Own session: the agent must outlive this daemon on a clean shutdown.
	cmd.SysProcAttr = detachSysProc()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.Env = append(cmd.Env,
		"MONOCO_SESSION_ID="+sess.ID,
		"MONOCO_ROLE="+sess.Role,
	)
	if sess.IssueID != "" {
		cmd.Env = append(cmd.Env, "MONOCO_ISSUE_ID="+sess.IssueID)
	}
	if task.CorrelationID != "" {
		cmd.Env = append(cmd.Env, "MONOCO_CORRELATION_ID="+task.CorrelationID)
	}
	for k, v := range policy.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		wrapped := fault.Wrapf(fault.AgentFailed, err, "starting %s agent", task.Engine)
		s.fail(sess, task, wrapped)
		return wrapped
	}

	now := time.Now()
	sess.PID = cmd.Process.Pid
	sess.State = StateRunning
	sess.StartedAt = &now
	if err := s.store.Save(sess); err != nil {
		log.ErrorErr(log.CatSched, "persisting running session", err, "session", sess.ID)
	}

	run := &running{session: sess, cmd: cmd, terminate: make(chan struct{})}
	s.mu.Lock()
	s.owned[sess.ID] = run
	s.mu.Unlock()

	s.publishChange(events.TopicSessionStarted, sess, task.CorrelationID)
	log.Info(log.CatSched, "session started",
		"session", sess.ID, "role", sess.Role, "engine", sess.Engine, "pid", sess.PID)

	s.wg.Add(1)
	log.SafeGo("scheduler.supervise", func() {
		defer s.wg.Done()
		defer logFile.Close()
		s.supervise(run, task)
	})
	return nil
}

// fail finalizes a session that never reached running and releases its slot.
func (s *Scheduler) fail(sess *Session, task Task, cause error) {
	now := time.Now()
	sess.State = StateFailed
	sess.FinishedAt = &now
	sess.ExitCode = -1
	if err := s.store.Save(sess); err != nil {
		log.ErrorErr(log.CatSched, "persisting failed session", err, "session", sess.ID)
	}
	s.release(task.Role)
	s.mu.Lock()
	s.byState[StateFailed]++
	s.mu.Unlock()
	s.publishChange(events.TopicSessionFailed, sess, task.CorrelationID)
	log.ErrorErr(log.CatSched, "session failed to spawn", cause, "session", sess.ID, "role", sess.Role)
}

// supervise waits for process exit, wall-clock timeout, or termination.
func (s *Scheduler) supervise(run *running, task Task) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- run.cmd.Wait() }()

	timer := time.NewTimer(task.Timeout)
	defer timer.Stop()

	var final State
	select {
	case <-waitCh:
		code := run.cmd.ProcessState.ExitCode()
		run.session.ExitCode = code
		if code == 0 {
			final = StateCompleted
		} else {
			final = StateFailed
		}

	case <-timer.C:
		log.Warn(log.CatSched, "session timed out", "session", run.session.ID, "timeout", task.Timeout)
		s.killAndWait(run, waitCh)
		final = StateTimeout

	case <-run.terminate:
		s.killAndWait(run, waitCh)
		final = StateTerminated

	case <-s.ctx.Done():
		// Daemon shutdown is not termination: leave the agent running in
		// its own session and the record at running. The next daemon
		// adopts it as an observer.
		s.detach(run)
		return
	}

	s.finish(run, task, final)
}

// detach abandons supervision without signaling the child.
func (s *Scheduler) detach(run *running) {
	s.mu.Lock()
	delete(s.owned, run.session.ID)
	s.mu.Unlock()
	log.Info(log.CatSched, "session detached",
		"session", run.session.ID, "pid", run.session.PID)
}

// killAndWait escalates SIGTERM → grace → SIGKILL and drains the waiter.
func (s *Scheduler) killAndWait(run *running, waitCh chan error) {
	if err := signalTerm(run.cmd.Process); err != nil {
		log.Debug(log.CatSched, "SIGTERM failed", "session", run.session.ID, "error", err)
	}
	select {
	case <-waitCh:
		run.session.ExitCode = run.cmd.ProcessState.ExitCode()
		return
	case <-time.After(killGrace):
	}
	_ = run.cmd.Process.Kill()
	<-waitCh
	run.session.ExitCode = run.cmd.ProcessState.ExitCode()
}

// finish persists the terminal state, publishes it, releases the slot,
// and pumps the role queue.
func (s *Scheduler) finish(run *running, task Task, final State) {
	sess := run.session
	now := time.Now()
	sess.State = final
	sess.FinishedAt = &now
	if err := s.store.Save(sess); err != nil {
		log.ErrorErr(log.CatSched, "persisting finished session", err, "session", sess.ID)
	}

	s.mu.Lock()
	delete(s.owned, sess.ID)
	s.byState[final]++
	s.mu.Unlock()
	s.release(task.Role)

	topic := events.TopicSessionCompleted
	switch final {
	case StateFailed:
		topic = events.TopicSessionFailed
	case StateTimeout:
		topic = events.TopicSessionTimeout
	case StateTerminated:
		topic = events.TopicSessionTerminated
	}
	s.publishChange(topic, sess, task.CorrelationID)
	log.Info(log.CatSched, "session finished",
		"session", sess.ID, "state", string(final), "exit_code", sess.ExitCode)

	s.pump(task.Role)
}

// release frees one slot for the role.
func (s *Scheduler) release(role string) {
	s.mu.Lock()
	slot := s.slot(role)
	s.mu.Unlock()
	select {
	case <-slot:
	default:
	}
}

// pump starts the next queued task for the role if a slot is free.
func (s *Scheduler) pump(role string) {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	q := s.queues[role]
	if len(q) == 0 {
		s.mu.Unlock()
		return
	}
	slot := s.slot(role)
	select {
	case slot <- struct{}{}:
	default:
		s.mu.Unlock()
		return
	}
	next := q[0]
	s.queues[role] = q[1:]
	s.mu.Unlock()

	if err := s.spawn(next.session, next.task, next.policy); err != nil {
		log.ErrorErr(log.CatSched, "spawning queued task", err, "session", next.session.ID)
	}
}

// Terminate requests best-effort termination. Idempotent: terminating a
// finished session is a no-op.
func (s *Scheduler) Terminate(sid string) error {
	s.mu.Lock()
	if run, ok := s.owned[sid]; ok {
		s.mu.Unlock()
		run.requestTerminate()
		return nil
	}
	if sess, ok := s.observers[sid]; ok {
		s.mu.Unlock()
		if p, err := os.FindProcess(sess.PID); err == nil {
			_ = signalTerm(p)
		}
		return nil
	}
	// Queued session: drop it from the queue and finalize.
	for role, q := range s.queues {
		for i, item := range q {
			if item.session.ID != sid {
				continue
			}
			s.queues[role] = append(q[:i:i], q[i+1:]...)
			s.byState[StateTerminated]++
			s.mu.Unlock()
			now := time.Now()
			item.session.State = StateTerminated
			item.session.FinishedAt = &now
			if err := s.store.Save(item.session); err != nil {
				log.ErrorErr(log.CatSched, "persisting cancelled session", err, "session", sid)
			}
			s.publishChange(events.TopicSessionTerminated, item.session, "")
			return nil
		}
	}
	s.mu.Unlock()

	if _, err := s.store.Load(sid); err != nil {
		return err
	}
	return nil // already terminal
}

// Status returns the current record for a session.
func (s *Scheduler) Status(sid string) (*Session, error) {
	s.mu.Lock()
	if run, ok := s.owned[sid]; ok {
		sess := *run.session
		s.mu.Unlock()
		return &sess, nil
	}
	if sess, ok := s.observers[sid]; ok {
		cp := *sess
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()
	return s.store.Load(sid)
}

// ListActive returns owned, observed, and queued sessions.
func (s *Scheduler) ListActive() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, run := range s.owned {
		cp := *run.session
		out = append(out, &cp)
	}
	for _, sess := range s.observers {
		cp := *sess
		out = append(out, &cp)
	}
	for _, q := range s.queues {
		for _, item := range q {
			cp := *item.session
			out = append(out, &cp)
		}
	}
	return out
}

// List returns every session record on disk.
func (s *Scheduler) List() ([]*Session, error) {
	return s.store.LoadAll()
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Uptime:  time.Since(s.started),
		Roles:   make(map[string]RoleStats),
		ByState: make(map[State]int, len(s.byState)),
	}
	for state, n := range s.byState {
		stats.ByState[state] = n
	}
	for _, run := range s.owned {
		rs := stats.Roles[run.session.Role]
		rs.Active++
		stats.Roles[run.session.Role] = rs
	}
	for _, sess := range s.observers {
		rs := stats.Roles[sess.Role]
		rs.Active++
		stats.Roles[sess.Role] = rs
	}
	for role, q := range s.queues {
		rs := stats.Roles[role]
		rs.Queued = len(q)
		stats.Roles[role] = rs
	}
	stats.ByState[StateRunning] = len(s.owned) + len(s.observers)
	stats.ByState[StatePending] = s.queuedCountLocked()
	return stats
}

func (s *Scheduler) queuedCountLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Stop cancels supervision and waits for it to drain. Owned agents are
// detached, not killed: Terminate and the role timeout are the only kill
// paths, so running sessions survive a clean daemon shutdown.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info(log.CatSched, "scheduler stopped")
}

// pollObservers watches adopted sessions' pids and finalizes them when the
// detached agent exits.
func (s *Scheduler) pollObservers() {
	ticker := time.NewTicker(observerPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		var dead []*Session
		for sid, sess := range s.observers {
			if !pidAlive(sess.PID) {
				dead = append(dead, sess)
				delete(s.observers, sid)
			}
		}
		s.mu.Unlock()
		for _, sess := range dead {
			log.Info(log.CatSched, "observed session exited", "session", sess.ID, "pid", sess.PID)
			s.finishDetached(sess)
		}
	}
}

func (s *Scheduler) publishChange(topic pubsub.EventType, sess *Session, correlationID string) {
	payload := events.SessionChange{
		Topic:     topic,
		SessionID: sess.ID,
		Role:      sess.Role,
		IssueID:   sess.IssueID,
		State:     string(sess.State),
		Engine:    sess.Engine,
		ExitCode:  sess.ExitCode,
		At:        time.Now(),
	}
	if sess.State == StateFailed || sess.State == StateTimeout {
		payload.LogTail = logTail(sess.LogPath, tailBytes)
	}
	if correlationID != "" {
		events.PublishCorrelated(s.bus, payload, correlationID)
	} else {
		events.Publish(s.bus, payload)
	}
}
