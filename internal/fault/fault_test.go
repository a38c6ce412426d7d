package fault

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFault_Error(t *testing.T) {
	f := New(Validation, "unknown stage value").WithField("stage")
	require.Equal(t, "validation: unknown stage value (field stage)", f.Error())

	wrapped := Wrap(TransientIO, errors.New("read: interrupted"), "reading inbox")
	require.Equal(t, "transient_io: reading inbox: read: interrupted", wrapped.Error())
}

func TestFault_Unwrap(t *testing.T) {
	cause := syscall.EINTR
	f := Wrap(TransientIO, cause, "reading inbox")

	require.ErrorIs(t, f, syscall.EINTR)
	require.Equal(t, cause, f.Unwrap())
}

func TestCategoryOf(t *testing.T) {
	require.Equal(t, QuotaExhausted, CategoryOf(New(QuotaExhausted, "engineer queue full")))

	// Faults survive fmt wrapping.
	wrapped := fmt.Errorf("scheduling: %w", New(QuotaExhausted, "engineer queue full"))
	require.Equal(t, QuotaExhausted, CategoryOf(wrapped))

	// Plain errors classify as Fatal.
	require.Equal(t, Fatal, CategoryOf(errors.New("boom")))
}

func TestIs(t *testing.T) {
	err := New(MergeConflict, "a.txt conflicts").WithConflicts([]string{"a.txt"})

	require.True(t, Is(err, MergeConflict))
	require.False(t, Is(err, Validation))
	require.False(t, Is(errors.New("boom"), MergeConflict))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		cat  Category
		want int
	}{
		{Validation, http.StatusUnprocessableEntity},
		{Precondition, http.StatusConflict},
		{HookDenied, http.StatusForbidden},
		{QuotaExhausted, http.StatusTooManyRequests},
		{AgentFailed, http.StatusBadGateway},
		{MergeConflict, http.StatusConflict},
		{TransientIO, http.StatusServiceUnavailable},
		{NotFound, http.StatusNotFound},
		{Fatal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, HTTPStatus(New(tc.cat, "x")), "category %s", tc.cat)
	}

	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestRetryIO_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryIO("write session", func() error {
		attempts++
		if attempts < 3 {
			return syscall.EAGAIN
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryIO_EscalatesToFatal(t *testing.T) {
	attempts := 0
	err := RetryIO("write session", func() error {
		attempts++
		return syscall.EBUSY
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, Fatal, CategoryOf(err))
	require.ErrorIs(t, err, syscall.EBUSY)
}

func TestRetryIO_DiskFullNotRetried(t *testing.T) {
	attempts := 0
	err := RetryIO("write message", func() error {
		attempts++
		return syscall.ENOSPC
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts, "ENOSPC must not be retried")
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(syscall.EINTR))
	require.True(t, Retryable(New(TransientIO, "flaky read")))
	require.False(t, Retryable(syscall.ENOSPC))
	require.False(t, Retryable(errors.New("parse error")))
	require.False(t, Retryable(nil))
}
