package scheduler

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// State is a session lifecycle state. Transitions are monotone: a session
// never leaves a terminal state and never moves backwards.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
	StateTimeout    State = "timeout"
)

// stateRank orders states for the monotonicity check. All terminal states
// share a rank; a terminal record never rewrites to another terminal state.
var stateRank = map[State]int{
	StatePending:    0,
	StateRunning:    1,
	StateCompleted:  2,
	StateFailed:     2,
	StateTerminated: 2,
	StateTimeout:    2,
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return stateRank[s] == 2
}

// Session is the persisted record of one agent run. One file per session
// under .monoco/sessions/.
type Session struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	IssueID    string            `json:"issue_id,omitempty"`
	Engine     string            `json:"engine"`
	Model      string            `json:"model,omitempty"`
	State      State             `json:"state"`
	PID        int               `json:"pid,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	LogPath    string            `json:"log_path,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// Observer marks a session loaded from disk after a restart: the
	// daemon has no child handle and only polls the pid.
	Observer bool `json:"-"`
}

// Duration returns the wall-clock run time, zero while not yet finished.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// sessionStore persists session records with atomic writes and enforces
// monotone state transitions.
type sessionStore struct {
	dir string
}

func newSessionStore(dir string) *sessionStore {
	return &sessionStore{dir: dir}
}

func (st *sessionStore) path(sid string) string {
	return filepath.Join(st.dir, sid+".json")
}

// Save writes the record atomically. A regression from an already
// persisted state is a Precondition fault; the disk record wins.
func (st *sessionStore) Save(s *Session) error {
	if prev, err := st.Load(s.ID); err == nil {
		if stateRank[s.State] < stateRank[prev.State] {
			return fault.Newf(fault.Precondition,
				"session %s: illegal state transition %s -> %s", s.ID, prev.State, s.State)
		}
		if prev.State.Terminal() && s.State != prev.State {
			return fault.Newf(fault.Precondition,
				"session %s: already terminal (%s)", s.ID, prev.State)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fault.Wrapf(fault.Fatal, err, "encoding session %s", s.ID)
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fault.Wrapf(fault.TransientIO, err, "creating %s", st.dir)
	}

	final := st.path(s.ID)
	return fault.RetryIO("session write", func() error {
		tmp, err := os.CreateTemp(st.dir, ".session-*.tmp")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
		return os.Rename(tmpPath, final)
	})
}

// Load reads one session record.
func (st *sessionStore) Load(sid string) (*Session, error) {
	data, err := os.ReadFile(st.path(sid)) //nolint:gosec // G304: sid is daemon-generated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.NotFound, "session %s not found", sid)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading session %s", sid)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fault.Wrapf(fault.Validation, err, "parsing session %s", sid)
	}
	return &s, nil
}

// LoadAll reads every session record, skipping unparseable files.
func (st *sessionStore) LoadAll() ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", st.dir)
	}
	var sessions []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sid := strings.TrimSuffix(e.Name(), ".json")
		s, err := st.Load(sid)
		if err != nil {
			log.Warn(log.CatSched, "skipping unreadable session record", "session", sid, "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// logTail returns the last at most n bytes of a session log, aligned to a
// line boundary when possible.
func logTail(path string, n int64) string {
	f, err := os.Open(path) //nolint:gosec // G304: path is daemon-generated
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	tail := string(buf)
	if offset > 0 {
		if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
			tail = tail[idx+1:]
		}
	}
	return tail
}
