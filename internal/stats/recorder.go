// Package stats maintains the daemon's aggregate view: a sqlite index fed
// by bus traffic plus on-demand scans of the issue tree and mailbox. The
// filesystem stays authoritative; everything here is derived and can be
// rebuilt by deleting .monoco/monoco.db.
package stats

import (
	"context"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/infrastructure/sqlite"
	"github.com/monoco-io/monoco/internal/log"
)

// Recorder tails the event bus into the stats index. Every topic bumps its
// counter; session transitions additionally upsert the session row.
type Recorder struct {
	repo *sqlite.StatsRepository
	bus  *events.Bus
}

// NewRecorder wires a recorder to the bus and repository.
func NewRecorder(bus *events.Bus, repo *sqlite.StatsRepository) *Recorder {
	return &Recorder{repo: repo, bus: bus}
}

// Run consumes bus events until ctx is cancelled. Index write failures are
// logged and skipped; the index is derived state and must never stall the
// bus.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev events.Envelope) {
	if err := r.repo.CountEvent(string(ev.Type), ev.Timestamp); err != nil {
		log.Warn(log.CatStats, "event count failed", "topic", ev.Type, "error", err)
	}
	if sc, ok := ev.Payload.(events.SessionChange); ok {
		r.recordSession(sc)
	}
}

func (r *Recorder) recordSession(sc events.SessionChange) {
	rec := sqlite.SessionRecord{
		ID:        sc.SessionID,
		Role:      sc.Role,
		IssueID:   sc.IssueID,
		Engine:    sc.Engine,
		State:     sc.State,
		CreatedAt: sc.At,
	}
	at := sc.At
	switch sc.Topic {
	case events.TopicSessionStarted:
		rec.StartedAt = &at
	case events.TopicSessionCompleted, events.TopicSessionFailed,
		events.TopicSessionTerminated, events.TopicSessionTimeout:
		rec.FinishedAt = &at
		exit := sc.ExitCode
		rec.ExitCode = &exit
	}
	if err := r.repo.RecordSession(rec); err != nil {
		log.Warn(log.CatStats, "session record failed",
			"session", sc.SessionID, "state", sc.State, "error", err)
	}
}
