package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublish_RoutesOnPayloadKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(context.Background())

	Publish(bus, IssueFieldChanged{
		ID:    "FEAT-0042",
		Field: "stage",
		Old:   "draft",
		New:   "doing",
	})

	select {
	case env := <-ch:
		require.Equal(t, TopicIssueFieldChanged, env.Type)
		require.NotEmpty(t, env.CorrelationID)
		payload, ok := env.Payload.(IssueFieldChanged)
		require.True(t, ok)
		require.Equal(t, "FEAT-0042", payload.ID)
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestPublishCorrelated_ChainsID(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(context.Background())

	PublishCorrelated(bus, SessionChange{
		Topic:     TopicSessionFailed,
		SessionID: "sid-1",
		Role:      "Engineer",
		State:     "failed",
		ExitCode:  1,
	}, "corr-abc")

	env := <-ch
	require.Equal(t, TopicSessionFailed, env.Type)
	require.Equal(t, "corr-abc", env.CorrelationID)
}

func TestFields_ExposeConditionKeys(t *testing.T) {
	change := IssueFieldChanged{ID: "FIX-0001", Field: "stage", Old: "draft", New: "doing"}
	fields := change.Fields()
	require.Equal(t, "stage", fields["field"])
	require.Equal(t, "doing", fields["new"])

	inbound := InboundReady{
		Provider:   "chat",
		SessionID:  "s-9",
		MessageIDs: []string{"m1", "m2"},
		Text:       "/deploy now",
		Mentions:   []string{"all"},
	}
	fields = inbound.Fields()
	require.Equal(t, "m1,m2", fields["ids"])
	require.Equal(t, "/deploy now", fields["text"])

	memo := MemoPresent{InboxPath: "Memos/inbox.md", Memos: []Memo{{ID: "abc123"}}}
	require.Equal(t, "1", memo.Fields()["count"])
}
