package stats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/infrastructure/sqlite"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/mailbox"
)

func newRepo(t *testing.T) *sqlite.StatsRepository {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.NewStatsRepository(db)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecorderCountsTopics(t *testing.T) {
	repo := newRepo(t)
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewRecorder(bus, repo).Run(ctx)
	time.Sleep(20 * time.Millisecond)

	events.Publish(bus, events.IssueFieldChanged{ID: "FIX-0001", Field: "stage"})
	events.Publish(bus, events.IssueFieldChanged{ID: "FIX-0002", Field: "stage"})
	events.Publish(bus, events.TaskAdded{Path: "tasks.md", Line: 3, Text: "ship it"})

	waitFor(t, func() bool {
		counts, err := repo.EventCounts()
		return err == nil && counts["issue.field_changed"] == 2 && counts["task.added"] == 1
	})
}

func TestRecorderTracksSessionLifecycle(t *testing.T) {
	repo := newRepo(t)
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewRecorder(bus, repo).Run(ctx)
	time.Sleep(20 * time.Millisecond)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events.Publish(bus, events.SessionChange{
		Topic: events.TopicSessionStarted, SessionID: "sess-1",
		Role: "developer", IssueID: "FIX-0001", Engine: "claude-code",
		State: "running", At: base,
	})
	waitFor(t, func() bool {
		byState, err := repo.SessionsByState()
		return err == nil && byState["running"] == 1
	})

	events.Publish(bus, events.SessionChange{
		Topic: events.TopicSessionCompleted, SessionID: "sess-1",
		Role: "developer", IssueID: "FIX-0001", Engine: "claude-code",
		State: "completed", At: base.Add(45 * time.Second),
	})
	waitFor(t, func() bool {
		byState, err := repo.SessionsByState()
		return err == nil && byState["completed"] == 1 && byState["running"] == 0
	})

	means, err := repo.MeanDurationByRole()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, means["developer"])
}

func writeIssue(t *testing.T, root string, iss *issue.Issue) {
	t.Helper()
	path := issue.PathFor(root, iss)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, issue.Save(iss, path))
}

func TestDashboardAggregates(t *testing.T) {
	repo := newRepo(t)
	root := t.TempDir()
	issueRoot := filepath.Join(root, "Issues")
	store := mailbox.NewStore(filepath.Join(root, ".monoco", "mailbox"))

	now := issue.Now()
	writeIssue(t, issueRoot, &issue.Issue{
		ID: "FIX-0001", Type: issue.TypeFix, Status: issue.StatusOpen,
		Stage: issue.StageDoing, Title: "Login fix", CreatedAt: now, UpdatedAt: now,
	})
	writeIssue(t, issueRoot, &issue.Issue{
		ID: "FEAT-0001", Type: issue.TypeFeature, Status: issue.StatusClosed,
		Stage: issue.StageDone, Title: "Signup", CreatedAt: now, UpdatedAt: now,
		Solution: issue.SolutionImplemented,
	})

	require.NoError(t, store.EnsureTree("telegram"))
	require.NoError(t, store.MoveToDeadletter(mustWrite(t, store, "telegram")))

	require.NoError(t, repo.CountEvent("issue.created", time.Now()))

	svc := NewService(repo, nil, store, issueRoot, time.Now().Add(-time.Minute))
	d, err := svc.Dashboard()
	require.NoError(t, err)

	require.GreaterOrEqual(t, d.UptimeSeconds, int64(59))
	require.Equal(t, 1, d.IssuesByStatus["open"])
	require.Equal(t, 1, d.IssuesByStatus["closed"])
	require.Equal(t, 1, d.IssuesByStage["doing"])
	require.Equal(t, 1, d.IssuesByStage["done"])
	require.Equal(t, 1, d.DeadLetters["telegram"])
	require.Equal(t, int64(1), d.EventCounts["issue.created"])
}

func mustWrite(t *testing.T, store *mailbox.Store, provider string) *mailbox.Message {
	t.Helper()
	m := &mailbox.Message{
		ID:        "msg-1",
		Provider:  provider,
		Direction: mailbox.DirectionOutbound,
		Session:   mailbox.Session{ID: "sess-1"},
		Body:      "undeliverable",
	}
	_, err := store.Write(store.OutboundDir(provider), m)
	require.NoError(t, err)
	return m
}
