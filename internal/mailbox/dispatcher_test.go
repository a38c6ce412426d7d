package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monoco-io/monoco/internal/events"
)

// fakeAdapter records sends and fails on demand.
type fakeAdapter struct {
	name string

	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(_ context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("wire error")
	}
	f.sent = append(f.sent, m.ID)
	return nil
}

func (f *fakeAdapter) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestDispatcher(t *testing.T, adapter ProviderAdapter) (*Dispatcher, *Store) {
	t.Helper()
	s := newTestStore(t)
	registry := NewAdapterRegistry()
	if adapter != nil {
		registry.Register(adapter)
	}
	policy := DefaultRetryPolicy()
	policy.Base = time.Millisecond
	policy.MaxRetries = 2
	d := NewDispatcher(DispatcherConfig{
		Store:    s,
		Registry: registry,
		Policy:   policy,
		Bus:      events.NewBus(),
		Interval: 10 * time.Millisecond,
	})
	return d, s
}

func outboundDraft(id string) *Message {
	m := sampleMessage()
	m.ID = id
	m.Direction = DirectionOutbound
	return m
}

func TestDispatchSuccessArchives(t *testing.T) {
	adapter := &fakeAdapter{name: "chat"}
	d, s := newTestDispatcher(t, adapter)

	_, err := d.Submit(outboundDraft("o1"), "")
	require.NoError(t, err)

	d.sweep(context.Background())

	require.Equal(t, []string{"o1"}, adapter.sentIDs())

	archived, err := s.ListDir(s.ArchiveDir("chat"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.NotNil(t, archived[0].SentAt)
	require.Equal(t, StatusSent, archived[0].Status)
}

func TestDispatchFailureSchedulesRetry(t *testing.T) {
	adapter := &fakeAdapter{name: "chat", fails: 1}
	d, s := newTestDispatcher(t, adapter)

	_, err := d.Submit(outboundDraft("o1"), "")
	require.NoError(t, err)

	d.sweep(context.Background())

	pending, err := s.ListDir(s.OutboundDir("chat"))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].NextRetryAt)

	// Once the retry window passes the next sweep succeeds.
	time.Sleep(5 * time.Millisecond)
	d.sweep(context.Background())
	require.Equal(t, []string{"o1"}, adapter.sentIDs())
}

func TestDispatchExhaustionDeadletters(t *testing.T) {
	adapter := &fakeAdapter{name: "chat", fails: 10}
	d, s := newTestDispatcher(t, adapter)

	_, err := d.Submit(outboundDraft("o1"), "")
	require.NoError(t, err)

	for range 5 {
		d.sweep(context.Background())
		time.Sleep(5 * time.Millisecond)
	}

	dead, err := s.ListDir(s.DeadletterDir("chat"))
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, StatusDeadletter, dead[0].Status)
	require.Equal(t, "wire error", dead[0].ErrorMsg)
}

func TestDispatchUnknownProviderRetries(t *testing.T) {
	d, s := newTestDispatcher(t, nil)

	_, err := d.Submit(outboundDraft("o1"), "")
	require.NoError(t, err)

	d.sweep(context.Background())

	pending, err := s.ListDir(s.OutboundDir("chat"))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
}

func TestSendMovesDraft(t *testing.T) {
	adapter := &fakeAdapter{name: "chat"}
	d, s := newTestDispatcher(t, adapter)

	// Write a draft outside the outbound tree.
	draft := outboundDraft("o9")
	draftPath, err := s.Write(t.TempDir(), draft)
	require.NoError(t, err)

	m, err := d.Send(draftPath)
	require.NoError(t, err)
	require.Equal(t, "o9", m.ID)

	pending, err := s.ListDir(s.OutboundDir("chat"))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Draft removed after the atomic move.
	_, err = s.Load(draftPath)
	require.Error(t, err)
}
