package router

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/scheduler"
)

// fakeDispatcher records scheduled tasks.
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []scheduler.Task
	err   error
}

func (f *fakeDispatcher) Schedule(_ context.Context, task scheduler.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, task)
	return "sid-1", nil
}

func (f *fakeDispatcher) scheduled() []scheduler.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Task(nil), f.tasks...)
}

// recordAction counts executions.
type recordAction struct {
	name string
	mu   sync.Mutex
	got  []events.Envelope
	err  error
}

func (a *recordAction) Name() string                    { return a.name }
func (a *recordAction) CanExecute(events.Envelope) bool { return true }
func (a *recordAction) Execute(_ context.Context, env events.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, env)
	return a.err
}

func (a *recordAction) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func envelope(p events.Payload) events.Envelope {
	return events.Envelope{
		Type:          p.Kind(),
		Payload:       p,
		Timestamp:     time.Now(),
		CorrelationID: "corr-1",
	}
}

func waitCount(t *testing.T, n func() int, want int, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: got %d, want %d", msg, n(), want)
}

func TestConditions(t *testing.T) {
	env := envelope(events.IssueFieldChanged{
		ID: "FIX-0001", Field: "stage", Old: "todo", New: "doing",
	})

	require.True(t, FieldEquals("field", "stage").Match(env))
	require.False(t, FieldEquals("field", "status").Match(env))
	require.True(t, FieldMatches("id", `^FIX-\d+$`).Match(env))
	require.False(t, FieldMatches("id", `^FEAT-`).Match(env))
	require.True(t, All(FieldEquals("field", "stage"), FieldEquals("new", "doing")).Match(env))
	require.False(t, All(FieldEquals("field", "stage"), FieldEquals("new", "review")).Match(env))
	require.True(t, Any(FieldEquals("new", "review"), FieldEquals("new", "doing")).Match(env))
	require.True(t, Not(FieldEquals("field", "status")).Match(env))
}

func TestTextCommand(t *testing.T) {
	slash := envelope(events.InboundReady{Provider: "telegram", Text: "/status"})
	require.True(t, TextCommand("monoco").Match(slash))

	mention := envelope(events.InboundReady{Provider: "telegram", Text: "hey", Mentions: []string{"monoco"}})
	require.True(t, TextCommand("monoco").Match(mention))

	inlineMention := envelope(events.InboundReady{Provider: "telegram", Text: "ping @monoco please"})
	require.True(t, TextCommand("monoco").Match(inlineMention))

	chatter := envelope(events.InboundReady{Provider: "telegram", Text: "lunch anyone?"})
	require.False(t, TextCommand("monoco").Match(chatter))

	// An unset bot name must not turn every message into a command.
	require.False(t, TextCommand("").Match(chatter))
	require.False(t, TextCommand("").Match(mention))
	require.True(t, TextCommand("").Match(slash))
}

func TestRouterDispatchesMatches(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	r := New(bus, 2)
	matched := &recordAction{name: "matched"}
	filtered := &recordAction{name: "filtered"}
	r.Bind(events.TopicIssueFieldChanged, FieldEquals("new", "doing"), matched)
	r.Bind(events.TopicIssueFieldChanged, FieldEquals("new", "review"), filtered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let the subscription attach

	events.Publish(bus, events.IssueFieldChanged{ID: "FIX-0001", Field: "stage", Old: "todo", New: "doing"})

	waitCount(t, matched.count, 1, "matched action executions")
	require.Equal(t, 0, filtered.count())
}

func TestRouterPublishesActionDeclined(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	declinedCh := make(chan events.Envelope, 1)
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := bus.Subscribe(subCtx)
	go func() {
		for env := range sub {
			if env.Type == events.TopicActionDeclined {
				declinedCh <- env
			}
		}
	}()

	r := New(bus, 1)
	quotaAction := &recordAction{name: "spawn-agent:engineer", err: fault.New(fault.QuotaExhausted, "queue full")}
	r.Bind(events.TopicTaskAdded, nil, quotaAction)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	events.Publish(bus, events.TaskAdded{Path: "tasks.md", Line: 1, Text: "do it"})

	select {
	case env := <-declinedCh:
		p := env.Payload.(events.ActionDeclined)
		require.Equal(t, "spawn-agent:engineer", p.Action)
		require.Contains(t, p.Reason, "queue full")
	case <-time.After(3 * time.Second):
		t.Fatal("expected action.declined")
	}
}

func TestSpawnAgentActionDrainsMemosFirst(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "MEMO_INBOX.md")
	content := "## [a1b2c3] 2026-03-01T10:00:00\n- **From**: user\n\nShip the login fix first.\n"
	require.NoError(t, os.WriteFile(inbox, []byte(content), 0o644))

	sched := &fakeDispatcher{}
	action := NewSpawnAgentAction(RoleArchitect, sched).WithMemoInbox(inbox)

	env := envelope(events.MemoPresent{InboxPath: inbox, Memos: []events.Memo{{ID: "a1b2c3"}}})
	require.NoError(t, action.Execute(context.Background(), env))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, RoleArchitect, tasks[0].Role)
	require.Contains(t, tasks[0].Prompt, "Ship the login fix first.")
	require.Equal(t, "corr-1", tasks[0].CorrelationID)

	// The drain truncated the inbox.
	data, err := os.ReadFile(inbox)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestSpawnAgentActionAbortsOnEmptyDrain(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "MEMO_INBOX.md")
	require.NoError(t, os.WriteFile(inbox, []byte("# Inbox\n"), 0o644))

	sched := &fakeDispatcher{}
	action := NewSpawnAgentAction(RoleArchitect, sched).WithMemoInbox(inbox)

	env := envelope(events.MemoPresent{InboxPath: inbox})
	require.NoError(t, action.Execute(context.Background(), env))
	require.Empty(t, sched.scheduled(), "another consumer won; no spawn")
}

func TestSpawnAgentActionBindsIssueID(t *testing.T) {
	sched := &fakeDispatcher{}
	action := NewSpawnAgentAction(RoleEngineer, sched)

	env := envelope(events.IssueFieldChanged{
		ID: "FIX-0042", Path: "/x/FIX-0042-f.md", Field: "stage", Old: "todo", New: "doing",
	})
	require.NoError(t, action.Execute(context.Background(), env))

	tasks := sched.scheduled()
	require.Len(t, tasks, 1)
	require.Equal(t, "FIX-0042", tasks[0].IssueID)
	require.Contains(t, tasks[0].Prompt, "FIX-0042")
}

func TestRunCommandAction(t *testing.T) {
	ok := &RunCommandAction{ActionName: "echo", Argv: []string{"sh", "-c", "echo {{.Fields.id}}"}}
	env := envelope(events.IssueCreated{ID: "FIX-0001"})
	require.NoError(t, ok.Execute(context.Background(), env))

	failing := &RunCommandAction{ActionName: "boom", Argv: []string{"sh", "-c", "echo broken; exit 1"}}
	err := failing.Execute(context.Background(), env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
}

func TestDefaultBindingsTable(t *testing.T) {
	sched := &fakeDispatcher{}
	bindings := DefaultBindings(sched, "/tmp/inbox.md", "monoco")
	require.Len(t, bindings, 6)

	roles := make(map[string]string)
	for _, b := range bindings {
		roles[string(b.Topic)] = b.Action.Name()
	}
	require.Equal(t, "spawn-agent:architect", roles["memo.present"])
	require.Equal(t, "spawn-agent:engineer", roles["issue.field_changed"])
	require.Equal(t, "spawn-agent:architect", roles["task.added"])
	require.Equal(t, "spawn-agent:reviewer", roles["pr.created"])
	require.Equal(t, "spawn-agent:coroner", roles["session.failed"])
	require.Equal(t, "spawn-agent:prime", roles["mailbox.inbound.ready"])

	// The coroner never autopsies itself.
	var coronerBinding Binding
	for _, b := range bindings {
		if b.Topic == events.TopicSessionFailed {
			coronerBinding = b
		}
	}
	selfFail := envelope(events.SessionChange{
		Topic: events.TopicSessionFailed, SessionID: "s1", Role: RoleCoroner, State: "failed",
	})
	require.False(t, coronerBinding.Condition.Match(selfFail))

	otherFail := envelope(events.SessionChange{
		Topic: events.TopicSessionFailed, SessionID: "s2", Role: RoleEngineer, State: "failed",
	})
	require.True(t, coronerBinding.Condition.Match(otherFail))
}
