package router

import (
	"context"
	"strings"
	"text/template"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/memo"
	"github.com/monoco-io/monoco/internal/scheduler"
	"github.com/monoco-io/monoco/internal/templates"
)

// Dispatcher is the scheduler surface the router needs.
type Dispatcher interface {
	Schedule(ctx context.Context, task scheduler.Task) (string, error)
}

// promptContext is the data a role template renders against.
type promptContext struct {
	Topic  string
	Fields map[string]string
	Memos  []events.Memo
}

// SpawnAgentAction renders a role prompt from the event and hands a task
// to the scheduler.
type SpawnAgentAction struct {
	// Role names the agent role to spawn.
	Role string

	// TemplateSource overrides the built-in template when non-empty.
	TemplateSource string

	// MemoInbox is the inbox path drained for memo.present events.
	MemoInbox string

	sched Dispatcher
}

// NewSpawnAgentAction creates the action.
func NewSpawnAgentAction(role string, sched Dispatcher) *SpawnAgentAction {
	return &SpawnAgentAction{Role: role, sched: sched}
}

// WithMemoInbox enables the atomic inbox drain for memo.present.
func (a *SpawnAgentAction) WithMemoInbox(path string) *SpawnAgentAction {
	a.MemoInbox = path
	return a
}

// WithTemplate overrides the built-in role template.
func (a *SpawnAgentAction) WithTemplate(src string) *SpawnAgentAction {
	a.TemplateSource = src
	return a
}

func (a *SpawnAgentAction) Name() string { return "spawn-agent:" + a.Role }

func (a *SpawnAgentAction) CanExecute(env events.Envelope) bool {
	return env.Payload != nil
}

// Execute builds the prompt and schedules the task. For memo.present the
// inbox drain happens first: the drain is the consumption point, and a
// concurrent consumer winning the race aborts this spawn silently.
func (a *SpawnAgentAction) Execute(ctx context.Context, env events.Envelope) error {
	pctx := promptContext{
		Topic:  string(env.Type),
		Fields: env.Payload.Fields(),
	}

	if env.Type == events.TopicMemoPresent && a.MemoInbox != "" {
		drained, err := memo.Drain(a.MemoInbox)
		if err != nil {
			return err
		}
		if len(drained) == 0 {
			log.Debug(log.CatRouter, "memo inbox already drained", "inbox", a.MemoInbox)
			return nil
		}
		for _, m := range drained {
			pctx.Memos = append(pctx.Memos, events.Memo{
				ID:        m.ID,
				Timestamp: m.Timestamp,
				From:      m.From,
				Body:      m.Body,
			})
		}
	}

	prompt, err := a.renderPrompt(pctx)
	if err != nil {
		return err
	}

	task := scheduler.Task{
		Role:          a.Role,
		Prompt:        prompt,
		CorrelationID: env.CorrelationID,
	}
	// Issue-scoped events bind the session to the issue.
	if env.Type == events.TopicIssueFieldChanged || env.Type == events.TopicIssueCreated {
		task.IssueID = pctx.Fields["id"]
	}

	sid, err := a.sched.Schedule(ctx, task)
	if err != nil {
		return err
	}
	log.Info(log.CatRouter, "agent scheduled",
		"role", a.Role, "session", sid, "topic", pctx.Topic)
	return nil
}

func (a *SpawnAgentAction) renderPrompt(pctx promptContext) (string, error) {
	src := a.TemplateSource
	if src == "" {
		var err error
		src, err = templates.RolePrompt(a.Role)
		if err != nil {
			return "", err
		}
	}
	tmpl, err := template.New(a.Role).Parse(src)
	if err != nil {
		return "", fault.Wrapf(fault.Validation, err, "parsing prompt template for role %s", a.Role)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, pctx); err != nil {
		return "", fault.Wrapf(fault.Validation, err, "rendering prompt for role %s", a.Role)
	}
	return sb.String(), nil
}
