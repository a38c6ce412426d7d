package stats

import (
	"time"

	"github.com/monoco-io/monoco/internal/infrastructure/sqlite"
	"github.com/monoco-io/monoco/internal/issue"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/mailbox"
	"github.com/monoco-io/monoco/internal/scheduler"
)

// Dashboard is the aggregate snapshot served at /api/v1/stats/dashboard.
type Dashboard struct {
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	SessionsByState map[string]int        `json:"sessions_by_state"`
	SessionsByRole  map[string]int        `json:"sessions_by_role"`
	MeanDurationMs  map[string]int64      `json:"mean_duration_ms"`
	EventCounts     map[string]int64      `json:"event_counts"`
	Queues          map[string]QueueDepth `json:"queues"`
	DeadLetters     map[string]int        `json:"dead_letters"`
	IssuesByStatus  map[string]int        `json:"issues_by_status"`
	IssuesByStage   map[string]int        `json:"issues_by_stage"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// QueueDepth is one role's scheduler load.
type QueueDepth struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Service assembles dashboards from the index and live component state.
type Service struct {
	repo      *sqlite.StatsRepository
	sched     *scheduler.Scheduler
	store     *mailbox.Store
	issueRoot string
	started   time.Time
}

// NewService wires the dashboard sources. started anchors the uptime figure.
func NewService(repo *sqlite.StatsRepository, sched *scheduler.Scheduler, store *mailbox.Store, issueRoot string, started time.Time) *Service {
	return &Service{
		repo:      repo,
		sched:     sched,
		store:     store,
		issueRoot: issueRoot,
		started:   started,
	}
}

// Dashboard builds the snapshot. Index queries that fail degrade to empty
// maps; the live sections (queues, issue tree) always reflect current state.
func (s *Service) Dashboard() (*Dashboard, error) {
	d := &Dashboard{
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		SessionsByState: map[string]int{},
		SessionsByRole:  map[string]int{},
		MeanDurationMs:  map[string]int64{},
		EventCounts:     map[string]int64{},
		Queues:          map[string]QueueDepth{},
		DeadLetters:     map[string]int{},
		IssuesByStatus:  map[string]int{},
		IssuesByStage:   map[string]int{},
		GeneratedAt:     time.Now().UTC(),
	}

	if byState, err := s.repo.SessionsByState(); err == nil {
		d.SessionsByState = byState
	} else {
		log.Warn(log.CatStats, "session state query failed", "error", err)
	}
	if byRole, err := s.repo.SessionsByRole(); err == nil {
		d.SessionsByRole = byRole
	} else {
		log.Warn(log.CatStats, "session role query failed", "error", err)
	}
	if means, err := s.repo.MeanDurationByRole(); err == nil {
		for role, mean := range means {
			d.MeanDurationMs[role] = mean.Milliseconds()
		}
	} else {
		log.Warn(log.CatStats, "duration query failed", "error", err)
	}
	if counts, err := s.repo.EventCounts(); err == nil {
		d.EventCounts = counts
	} else {
		log.Warn(log.CatStats, "event count query failed", "error", err)
	}

	if s.sched != nil {
		snap := s.sched.Stats()
		for role, rs := range snap.Roles {
			d.Queues[role] = QueueDepth{Active: rs.Active, Queued: rs.Queued}
		}
	}

	if s.store != nil {
		for _, provider := range s.store.DeadletterProviders() {
			msgs, err := s.store.ListDir(s.store.DeadletterDir(provider))
			if err != nil {
				log.Warn(log.CatStats, "dead-letter scan failed", "provider", provider, "error", err)
				continue
			}
			if len(msgs) > 0 {
				d.DeadLetters[provider] = len(msgs)
			}
		}
	}

	issues, errs := issue.List(s.issueRoot)
	for _, err := range errs {
		log.Debug(log.CatStats, "skipping unparseable issue", "error", err)
	}
	for _, iss := range issues {
		d.IssuesByStatus[string(iss.Status)]++
		d.IssuesByStage[string(iss.Stage)]++
	}

	return d, nil
}
