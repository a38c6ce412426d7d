package fault

import (
	"errors"
	"syscall"
	"time"
)

const (
	ioAttempts  = 3
	ioBaseDelay = 50 * time.Millisecond
)

// RetryIO runs op, retrying transient filesystem errors with exponential
// backoff (50ms, 200ms). ENOSPC is never retried. When the final attempt
// still fails the error escalates to Fatal.
func RetryIO(opName string, op func() error) error {
	var err error
	delay := ioBaseDelay
	for attempt := 1; attempt <= ioAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt < ioAttempts {
			time.Sleep(delay)
			delay *= 4
		}
	}
	return Wrapf(Fatal, err, "%s failed after %d attempts", opName, ioAttempts)
}

// Retryable reports whether err is a transient filesystem error worth
// retrying. Disk-full is explicitly not transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return false
	}
	if Is(err, TransientIO) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EAGAIN,
		syscall.EINTR,
		syscall.EBUSY,
		syscall.EMFILE,
		syscall.ENFILE,
		syscall.ETXTBSY,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
