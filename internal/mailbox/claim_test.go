package mailbox

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClaims(t *testing.T) (*Claims, *Store) {
	t.Helper()
	s := newTestStore(t)
	policy := DefaultRetryPolicy()
	policy.MaxRetries = 2
	return NewClaims(s, policy), s
}

func TestClaimDoneArchivesOnce(t *testing.T) {
	claims, s := newTestClaims(t)
	_, err := s.WriteInbound(sampleMessage())
	require.NoError(t, err)

	lock, err := claims.Claim("m1", "agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, lock.LeaseID)

	require.NoError(t, claims.Done("m1", lock.LeaseID))

	// Archived exactly once; the message is no longer in flight.
	archived, err := s.ListDir(s.ArchiveDir("chat"))
	require.NoError(t, err)
	require.Len(t, archived, 1)

	err = claims.Done("m1", lock.LeaseID)
	require.Error(t, err, "second done must not re-archive")
}

func TestClaimRejectsSecondClaimer(t *testing.T) {
	claims, s := newTestClaims(t)
	_, err := s.WriteInbound(sampleMessage())
	require.NoError(t, err)

	_, err = claims.Claim("m1", "agent-1")
	require.NoError(t, err)

	_, err = claims.Claim("m1", "agent-2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "agent-1")
}

func TestClaimFailClaimDone(t *testing.T) {
	claims, s := newTestClaims(t)
	_, err := s.WriteInbound(sampleMessage())
	require.NoError(t, err)

	lock, err := claims.Claim("m1", "agent-1")
	require.NoError(t, err)

	m, err := claims.Fail("m1", lock.LeaseID, "provider timeout")
	require.NoError(t, err)
	require.Equal(t, 1, m.RetryCount)
	require.NotNil(t, m.NextRetryAt)
	require.Equal(t, "provider timeout", m.ErrorMsg)

	// Lock released; the message can be claimed again and finished.
	lock2, err := claims.Claim("m1", "agent-2")
	require.NoError(t, err)
	require.NoError(t, claims.Done("m1", lock2.LeaseID))

	archived, err := s.ListDir(s.ArchiveDir("chat"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, 1, archived[0].RetryCount, "retry_count incremented exactly once")
}

func TestFailPastMaxDeadletters(t *testing.T) {
	claims, s := newTestClaims(t)
	_, err := s.WriteInbound(sampleMessage())
	require.NoError(t, err)

	for range 3 {
		lock, err := claims.Claim("m1", "agent-1")
		require.NoError(t, err)
		_, err = claims.Fail("m1", lock.LeaseID, "boom")
		require.NoError(t, err)
	}

	dead, err := s.ListDir(s.DeadletterDir("chat"))
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].RetryCount)
}

func TestDoneRequiresMatchingLease(t *testing.T) {
	claims, s := newTestClaims(t)
	m, err := s.WriteInbound(sampleMessage())
	require.NoError(t, err)
	_ = m

	_, err = claims.Claim("m1", "agent-1")
	require.NoError(t, err)

	err = claims.Done("m1", "wrong-lease")
	require.Error(t, err)

	// Lock file still present.
	found, err := s.Find("m1")
	require.NoError(t, err)
	_, statErr := os.Stat(found.Path + ".lock")
	require.NoError(t, statErr)
}
