package sqlite

import (
	"database/sql"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
)

// SessionRecord is one row of the sessions index. The scheduler's on-disk
// JSON stays authoritative; this table exists for aggregate queries.
type SessionRecord struct {
	ID         string
	Role       string
	IssueID    string
	Engine     string
	State      string
	ExitCode   *int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StatsRepository reads and writes the stats index.
type StatsRepository struct {
	db *DB
}

// NewStatsRepository wraps an open database.
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// RecordSession upserts the session row. Transitions arrive one at a time,
// each carrying only the timestamps it knows; the update keeps columns an
// earlier transition already filled and derives duration once both ends of
// the run are present.
func (r *StatsRepository) RecordSession(rec SessionRecord) error {
	var durationMs *int64
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		ms := rec.FinishedAt.Sub(*rec.StartedAt).Milliseconds()
		durationMs = &ms
	}
	_, err := r.db.Exec(`
		INSERT INTO sessions (id, role, issue_id, engine, state, exit_code, created_at, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			exit_code = COALESCE(excluded.exit_code, exit_code),
			started_at = COALESCE(excluded.started_at, started_at),
			finished_at = COALESCE(excluded.finished_at, finished_at),
			duration_ms = COALESCE(
				excluded.duration_ms,
				CAST(ROUND((julianday(COALESCE(excluded.finished_at, finished_at))
					- julianday(COALESCE(excluded.started_at, started_at))) * 86400000) AS INTEGER),
				duration_ms)`,
		rec.ID, rec.Role, rec.IssueID, rec.Engine, rec.State, rec.ExitCode,
		rec.CreatedAt, rec.StartedAt, rec.FinishedAt, durationMs,
	)
	if err != nil {
		return fault.Wrapf(fault.TransientIO, err, "recording session %s", rec.ID)
	}
	return nil
}

// CountEvent bumps the per-topic counter.
func (r *StatsRepository) CountEvent(topic string, at time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO event_counts (topic, count, last_seen) VALUES (?, 1, ?)
		ON CONFLICT (topic) DO UPDATE SET
			count = count + 1,
			last_seen = excluded.last_seen`,
		topic, at,
	)
	if err != nil {
		return fault.Wrapf(fault.TransientIO, err, "counting event %s", topic)
	}
	return nil
}

// SessionsByState returns session totals grouped by state.
func (r *StatsRepository) SessionsByState() (map[string]int, error) {
	return r.countBy("state")
}

// SessionsByRole returns session totals grouped by role.
func (r *StatsRepository) SessionsByRole() (map[string]int, error) {
	return r.countBy("role")
}

func (r *StatsRepository) countBy(column string) (map[string]int, error) {
	// column is one of two compile-time constants, never user input.
	rows, err := r.db.Query("SELECT " + column + ", COUNT(*) FROM sessions GROUP BY " + column)
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "grouping sessions by %s", column)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "scanning session counts")
		}
		out[key] = count
	}
	return out, rows.Err()
}

// MeanDurationByRole averages finished-session durations per role.
func (r *StatsRepository) MeanDurationByRole() (map[string]time.Duration, error) {
	rows, err := r.db.Query(`
		SELECT role, AVG(duration_ms) FROM sessions
		WHERE duration_ms IS NOT NULL
		GROUP BY role`)
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "averaging session durations")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]time.Duration)
	for rows.Next() {
		var role string
		var avgMs sql.NullFloat64
		if err := rows.Scan(&role, &avgMs); err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "scanning durations")
		}
		if avgMs.Valid {
			out[role] = time.Duration(avgMs.Float64) * time.Millisecond
		}
	}
	return out, rows.Err()
}

// EventCounts returns the per-topic event totals.
func (r *StatsRepository) EventCounts() (map[string]int64, error) {
	rows, err := r.db.Query("SELECT topic, count FROM event_counts")
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "reading event counts")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int64)
	for rows.Next() {
		var topic string
		var count int64
		if err := rows.Scan(&topic, &count); err != nil {
			return nil, fault.Wrap(fault.TransientIO, err, "scanning event counts")
		}
		out[topic] = count
	}
	return out, rows.Err()
}
