package router

import (
	"github.com/monoco-io/monoco/internal/events"
)

// Roles the default binding table spawns.
const (
	RoleArchitect = "architect"
	RoleEngineer  = "engineer"
	RoleReviewer  = "reviewer"
	RoleCoroner   = "coroner"
	RolePrime     = "prime"
)

// DefaultBindings is the out-of-the-box routing table:
//
//	memo.present            →                     architect (after inbox drain)
//	issue.field_changed     stage → doing         engineer
//	task.added              →                     architect
//	pr.created              →                     reviewer
//	session.failed          role ≠ coroner        coroner
//	mailbox.inbound.ready   command or mention    prime
//
// The coroner guard keeps a failing coroner from scheduling its own
// post-mortem forever.
func DefaultBindings(sched Dispatcher, memoInbox, botName string) []Binding {
	return []Binding{
		{
			Topic:  events.TopicMemoPresent,
			Action: NewSpawnAgentAction(RoleArchitect, sched).WithMemoInbox(memoInbox),
		},
		{
			Topic: events.TopicIssueFieldChanged,
			Condition: All(
				FieldEquals("field", "stage"),
				FieldEquals("new", "doing"),
			),
			Action: NewSpawnAgentAction(RoleEngineer, sched),
		},
		{
			Topic:  events.TopicTaskAdded,
			Action: NewSpawnAgentAction(RoleArchitect, sched),
		},
		{
			Topic:  events.TopicPRCreated,
			Action: NewSpawnAgentAction(RoleReviewer, sched),
		},
		{
			Topic:     events.TopicSessionFailed,
			Condition: Not(FieldEquals("role", RoleCoroner)),
			Action:    NewSpawnAgentAction(RoleCoroner, sched),
		},
		{
			Topic:     events.TopicInboundReady,
			Condition: TextCommand(botName),
			Action:    NewSpawnAgentAction(RolePrime, sched),
		},
	}
}
