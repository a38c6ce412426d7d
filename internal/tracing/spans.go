package tracing

// Span attribute keys shared across the daemon.
const (
	AttrIssueID   = "issue.id"
	AttrIssueType = "issue.type"
	AttrStage     = "issue.stage"
	AttrSolution  = "issue.solution"

	AttrSessionID = "session.id"
	AttrRole      = "session.role"
	AttrEngine    = "session.engine"

	AttrHookID    = "hook.id"
	AttrHookEvent = "hook.event"
	AttrDecision  = "hook.decision"

	AttrProvider  = "mailbox.provider"
	AttrMessageID = "mailbox.message_id"

	AttrErrorCategory = "error.category"
)

// Span name prefixes, one per subsystem.
const (
	SpanPrefixTransition = "transition."
	SpanPrefixSession    = "session."
	SpanPrefixHook       = "hook."
	SpanPrefixOutbound   = "outbound."
)
