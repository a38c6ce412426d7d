package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleMessage() *Message {
	return &Message{
		ID:          "m1",
		Provider:    "chat",
		Direction:   DirectionInbound,
		ContentType: "text/markdown",
		CreatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:      StatusPending,
		Session:     Session{ID: "s-42", ThreadKey: "thread-a"},
		Participant: Participants{
			From: "alice",
			To:   []string{"monoco"},
			Mentions: []Mention{
				{Type: "user", Target: "monoco", Name: "Monoco"},
			},
		},
		Artifacts: []Artifact{
			{ID: "ab12cd", Name: "screenshot.png", MimeType: "image/png", Size: 1024},
		},
		Body: "Hello /status\n",
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := sampleMessage()
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	require.Equal(t, m.ID, parsed.ID)
	require.Equal(t, m.Provider, parsed.Provider)
	require.Equal(t, m.Direction, parsed.Direction)
	require.Equal(t, m.Session, parsed.Session)
	require.Equal(t, m.Participant, parsed.Participant)
	require.Equal(t, m.Artifacts, parsed.Artifacts)
	require.Equal(t, "Hello /status\n", parsed.Body)
}

func TestMessageValidate(t *testing.T) {
	m := sampleMessage()
	require.NoError(t, m.Validate())

	missing := *m
	missing.Session.ID = ""
	require.Error(t, missing.Validate())

	badDir := *m
	badDir.Direction = "sideways"
	require.Error(t, badDir.Validate())

	badMention := sampleMessage()
	badMention.Participant.Mentions[0].Type = "group"
	require.Error(t, badMention.Validate())
}

func TestFilenameSortable(t *testing.T) {
	early := &Message{ID: "a", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	late := &Message{ID: "b", CreatedAt: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)}
	require.Less(t, early.Filename(), late.Filename())
}

func TestRetryPolicyBounds(t *testing.T) {
	policy := DefaultRetryPolicy()

	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 20).Draw(t, "attempt")
		delay := policy.Delay(attempt)

		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, policy.Cap)

		// Below the cap the delay stays within the jitter band.
		raw := float64(policy.Base)
		for i := 1; i < attempt; i++ {
			raw *= policy.Factor
		}
		if upper := raw * (1 + policy.Jitter); upper < float64(policy.Cap) {
			require.GreaterOrEqual(t, float64(delay), raw*(1-policy.Jitter)-1)
			require.LessOrEqual(t, float64(delay), upper+1)
		}
	})
}
