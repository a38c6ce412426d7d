package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"

	_ "github.com/monoco-io/monoco/internal/scheduler/engine/providers/mock"
)

func newTestScheduler(t *testing.T, roles map[string]RolePolicy) *Scheduler {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	s := New(bus, Options{
		SessionsDir: t.TempDir(),
		WorkDir:     t.TempDir(),
		Roles:       roles,
	})
	require.NoError(t, s.Start(context.Background()))
	// Stop detaches rather than kills, so reap stragglers explicitly.
	t.Cleanup(func() {
		for _, sess := range s.ListActive() {
			_ = s.Terminate(sess.ID)
		}
		s.Stop()
	})
	return s
}

func mockPolicy(quota int) RolePolicy {
	return RolePolicy{Quota: quota, Engine: "mock", Timeout: 30 * time.Second}
}

// waitState polls until the session reaches the wanted state.
func waitState(t *testing.T, s *Scheduler, sid string, want State) *Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := s.Status(sid)
		if err == nil && sess.State == want {
			return sess
		}
		time.Sleep(20 * time.Millisecond)
	}
	sess, _ := s.Status(sid)
	t.Fatalf("session %s never reached %s (now %v)", sid, want, sess)
	return nil
}

func TestScheduleCompletes(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "exit 0")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(2)})

	sid, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "do the thing"})
	require.NoError(t, err)
	_, err = uuid.Parse(sid)
	require.NoError(t, err, "session id must be a full UUID")

	sess := waitState(t, s, sid, StateCompleted)
	require.Equal(t, 0, sess.ExitCode)
	require.NotNil(t, sess.FinishedAt)

	// The record on disk is the terminal one.
	data, err := os.ReadFile(filepath.Join(s.opts.SessionsDir, sid+".json"))
	require.NoError(t, err)
	var onDisk Session
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, StateCompleted, onDisk.State)
}

func TestScheduleFailureCapturesOutput(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "echo boom; exit 3")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(1)})

	sid, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "x"})
	require.NoError(t, err)

	sess := waitState(t, s, sid, StateFailed)
	require.Equal(t, 3, sess.ExitCode)
	require.Contains(t, logTail(sess.LogPath, tailBytes), "boom")
}

func TestUnknownEngine(t *testing.T) {
	s := newTestScheduler(t, nil)

	_, err := s.Schedule(context.Background(), Task{Role: "engineer", Engine: "hal9000"})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Validation))
}

func TestQuotaQueuesThenDeclines(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	s := newTestScheduler(t, map[string]RolePolicy{
		"engineer": {Quota: 1, QueueSize: 1, Engine: "mock", Timeout: 30 * time.Second},
	})

	first, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "a"})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	// Second fills the queue.
	second, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "b"})
	require.NoError(t, err)
	sess, err := s.Status(second)
	require.NoError(t, err)
	require.Equal(t, StatePending, sess.State)

	// Third overflows.
	_, err = s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "c"})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.QuotaExhausted))

	// Freeing the slot promotes the queued task.
	require.NoError(t, s.Terminate(first))
	waitState(t, s, first, StateTerminated)
	waitState(t, s, second, StateRunning)
}

func TestTimeout(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(1)})

	sid, err := s.Schedule(context.Background(), Task{
		Role:    "engineer",
		Prompt:  "x",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	waitState(t, s, sid, StateTimeout)
}

func TestTerminateIdempotent(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(1)})

	sid, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "x"})
	require.NoError(t, err)
	waitState(t, s, sid, StateRunning)

	require.NoError(t, s.Terminate(sid))
	waitState(t, s, sid, StateTerminated)
	require.NoError(t, s.Terminate(sid))
}

func TestAtMostOneSessionPerIssue(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(2)})

	first, err := s.Schedule(context.Background(), Task{Role: "engineer", IssueID: "FIX-0001", Prompt: "x"})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	_, err = s.Schedule(context.Background(), Task{Role: "engineer", IssueID: "FIX-0001", Prompt: "y"})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Precondition))

	// A different issue is fine.
	_, err = s.Schedule(context.Background(), Task{Role: "engineer", IssueID: "FIX-0002", Prompt: "z"})
	require.NoError(t, err)
}

func TestStartupScanMarksDeadOrphans(t *testing.T) {
	dir := t.TempDir()
	store := newSessionStore(dir)

	orphan := &Session{
		ID:        "deadbeef",
		Role:      "engineer",
		Engine:    "mock",
		State:     StateRunning,
		PID:       1 << 30, // never a live pid
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(orphan))

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := New(bus, Options{SessionsDir: dir, WorkDir: t.TempDir()})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	sess, err := s.Status("deadbeef")
	require.NoError(t, err)
	require.Equal(t, StateTerminated, sess.State)
	require.NotNil(t, sess.FinishedAt)
}

func TestStartupScanAdoptsLiveSessions(t *testing.T) {
	dir := t.TempDir()
	store := newSessionStore(dir)

	// Our own pid is definitely alive.
	survivor := &Session{
		ID:        "cafe0001",
		Role:      "engineer",
		Engine:    "mock",
		State:     StateRunning,
		PID:       os.Getpid(),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(survivor))

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := New(bus, Options{SessionsDir: dir, WorkDir: t.TempDir()})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	sess, err := s.Status("cafe0001")
	require.NoError(t, err)
	require.Equal(t, StateRunning, sess.State)

	active := s.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, "cafe0001", active[0].ID)
}

func TestStopDetachesRunningAgents(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	dir := t.TempDir()
	work := t.TempDir()
	roles := map[string]RolePolicy{"engineer": mockPolicy(1)}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := New(bus, Options{SessionsDir: dir, WorkDir: work, Roles: roles})
	require.NoError(t, s.Start(context.Background()))

	sid, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "long haul"})
	require.NoError(t, err)
	sess := waitState(t, s, sid, StateRunning)
	pid := sess.PID
	t.Cleanup(func() {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Kill()
		}
	})

	s.Stop()

	// Clean shutdown leaves the agent alive and the record at running.
	require.True(t, pidAlive(pid), "agent must survive daemon shutdown")
	onDisk, err := s.store.Load(sid)
	require.NoError(t, err)
	require.Equal(t, StateRunning, onDisk.State)

	// The next daemon adopts the survivor read-only.
	bus2 := events.NewBus()
	t.Cleanup(bus2.Close)
	s2 := New(bus2, Options{SessionsDir: dir, WorkDir: work, Roles: roles})
	require.NoError(t, s2.Start(context.Background()))
	t.Cleanup(s2.Stop)

	adopted, err := s2.Status(sid)
	require.NoError(t, err)
	require.Equal(t, StateRunning, adopted.State)
	require.True(t, adopted.Observer)
}

func TestQueuedSessionPersistedBeforePromotion(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 0.3")
	s := newTestScheduler(t, map[string]RolePolicy{
		"engineer": {Quota: 1, QueueSize: 4, Engine: "mock", Timeout: 30 * time.Second},
	})

	first, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "a"})
	require.NoError(t, err)
	waitState(t, s, first, StateRunning)

	second, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "b"})
	require.NoError(t, err)

	// The pending record is already on disk when Schedule returns, so a
	// prompt promotion can only move it forward.
	onDisk, err := s.store.Load(second)
	require.NoError(t, err)
	require.Contains(t, []State{StatePending, StateRunning, StateCompleted}, onDisk.State)

	waitState(t, s, first, StateCompleted)
	waitState(t, s, second, StateCompleted)
}

func TestStatsSnapshot(t *testing.T) {
	t.Setenv("MONOCO_MOCK_SCRIPT", "sleep 30")
	s := newTestScheduler(t, map[string]RolePolicy{"engineer": mockPolicy(1)})

	sid, err := s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "x"})
	require.NoError(t, err)
	waitState(t, s, sid, StateRunning)

	_, err = s.Schedule(context.Background(), Task{Role: "engineer", Prompt: "y"})
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, 1, stats.Roles["engineer"].Active)
	require.Equal(t, 1, stats.Roles["engineer"].Queued)
	require.Positive(t, stats.Uptime)
}

func TestSessionStoreMonotoneStates(t *testing.T) {
	store := newSessionStore(t.TempDir())

	sess := &Session{ID: "s1", Role: "engineer", Engine: "mock", State: StateRunning, CreatedAt: time.Now()}
	require.NoError(t, store.Save(sess))

	sess.State = StateCompleted
	require.NoError(t, store.Save(sess))

	// Terminal never regresses.
	sess.State = StateRunning
	err := store.Save(sess)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.Precondition))

	sess.State = StateFailed
	err = store.Save(sess)
	require.Error(t, err)
}
