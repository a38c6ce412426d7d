package mailbox

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// Lock is the claim lock file content for one in-flight inbound message.
type Lock struct {
	Claimer   string    `json:"claimer"`
	LeaseID   string    `json:"lease_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Claims serializes claim/done/fail per message id and owns the lock files.
type Claims struct {
	store  *Store
	policy RetryPolicy

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per message id
}

// NewClaims creates the claim manager over a store.
func NewClaims(store *Store, policy RetryPolicy) *Claims {
	return &Claims{
		store:  store,
		policy: policy,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Claims) perMessage(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.locks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.locks[id] = m
	return m
}

func lockPath(messagePath string) string {
	return messagePath + ".lock"
}

// Claim creates the lock file for a message. The returned lease id must be
// presented to Done and Fail. An already-claimed message rejects with a
// Precondition fault naming the current claimer.
func (c *Claims) Claim(messageID, claimer string) (*Lock, error) {
	mu := c.perMessage(messageID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.Find(messageID)
	if err != nil {
		return nil, err
	}

	lock := &Lock{
		Claimer:   claimer,
		LeaseID:   uuid.NewString(),
		ClaimedAt: time.Now(),
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, err
	}

	// O_EXCL makes the lock creation the atomic claim point.
	f, err := os.OpenFile(lockPath(m.Path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // G304: path inside the mailbox tree
	if err != nil {
		if os.IsExist(err) {
			existing, readErr := c.readLock(m.Path)
			holder := "unknown"
			if readErr == nil {
				holder = existing.Claimer
			}
			return nil, fault.Newf(fault.Precondition, "message %s already claimed by %s", messageID, holder)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "creating lock for %s", messageID)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath(m.Path))
		return nil, fault.Wrapf(fault.TransientIO, err, "writing lock for %s", messageID)
	}
	if err := f.Close(); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "closing lock for %s", messageID)
	}

	log.Info(log.CatMailbox, "message claimed", "id", messageID, "claimer", claimer)
	return lock, nil
}

// Done archives the message and deletes the lock. Idempotence: a message
// already archived reports NotFound, never a double archive.
func (c *Claims) Done(messageID, leaseID string) error {
	mu := c.perMessage(messageID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.Find(messageID)
	if err != nil {
		return err
	}
	if err := c.checkLease(m.Path, leaseID); err != nil {
		return err
	}

	lock := lockPath(m.Path)
	if err := c.store.MoveToArchive(m); err != nil {
		return err
	}
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		return fault.Wrapf(fault.TransientIO, err, "removing lock for %s", messageID)
	}
	log.Info(log.CatMailbox, "message archived", "id", messageID)
	return nil
}

// Fail increments the retry counter, schedules the next attempt, and
// releases the lock. Past the policy maximum the message dead-letters.
// Returns the updated message so callers can publish the outcome.
func (c *Claims) Fail(messageID, leaseID, reason string) (*Message, error) {
	mu := c.perMessage(messageID)
	mu.Lock()
	defer mu.Unlock()

	m, err := c.store.Find(messageID)
	if err != nil {
		return nil, err
	}
	if err := c.checkLease(m.Path, leaseID); err != nil {
		return nil, err
	}

	lock := lockPath(m.Path)
	m.RetryCount++
	m.ErrorMsg = reason

	if m.RetryCount > c.policy.MaxRetries {
		if err := c.store.MoveToDeadletter(m); err != nil {
			return nil, err
		}
		log.Warn(log.CatMailbox, "message dead-lettered",
			"id", messageID, "retries", m.RetryCount, "reason", reason)
	} else {
		next := time.Now().Add(c.policy.Delay(m.RetryCount))
		m.NextRetryAt = &next
		if err := c.store.Rewrite(m); err != nil {
			return nil, err
		}
		log.Info(log.CatMailbox, "message failed, retry scheduled",
			"id", messageID, "retries", m.RetryCount, "next_retry_at", next.Format(time.RFC3339))
	}

	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		return nil, fault.Wrapf(fault.TransientIO, err, "removing lock for %s", messageID)
	}
	return m, nil
}

// checkLease verifies the caller holds the lock. An empty lease is a force
// override used by operator tooling.
func (c *Claims) checkLease(messagePath, leaseID string) error {
	lock, err := c.readLock(messagePath)
	if err != nil {
		return fault.New(fault.Precondition, "message is not claimed")
	}
	if leaseID != "" && lock.LeaseID != leaseID {
		return fault.New(fault.Precondition, "lease id does not match the current claim")
	}
	return nil
}

func (c *Claims) readLock(messagePath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath(messagePath)) //nolint:gosec // G304: path inside the mailbox tree
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}
