package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/pubsub"
)

// IssueCreated is published when a new issue file appears under the issue root.
type IssueCreated struct {
	ID    string
	Path  string
	Type  string
	Title string
	Stage string
}

func (IssueCreated) Kind() pubsub.EventType { return TopicIssueCreated }

func (p IssueCreated) Fields() map[string]string {
	return map[string]string{
		"id":    p.ID,
		"path":  p.Path,
		"type":  p.Type,
		"title": p.Title,
		"stage": p.Stage,
	}
}

// IssueDeleted is published when an issue file disappears.
type IssueDeleted struct {
	ID   string
	Path string
}

func (IssueDeleted) Kind() pubsub.EventType { return TopicIssueDeleted }

func (p IssueDeleted) Fields() map[string]string {
	return map[string]string{"id": p.ID, "path": p.Path}
}

// IssueFieldChanged is published when a preamble field's value transitions.
type IssueFieldChanged struct {
	ID    string
	Path  string
	Field string
	Old   string
	New   string
}

func (IssueFieldChanged) Kind() pubsub.EventType { return TopicIssueFieldChanged }

func (p IssueFieldChanged) Fields() map[string]string {
	return map[string]string{
		"id":    p.ID,
		"path":  p.Path,
		"field": p.Field,
		"old":   p.Old,
		"new":   p.New,
	}
}

// Memo is one parsed inbox block carried by MemoPresent.
type Memo struct {
	ID        string
	Timestamp string
	From      string
	Body      string
}

// MemoPresent is published while the memo inbox holds at least one block.
// Presence is the whole signal; consumption happens at scheduling time.
type MemoPresent struct {
	InboxPath string
	Memos     []Memo
}

func (MemoPresent) Kind() pubsub.EventType { return TopicMemoPresent }

func (p MemoPresent) Fields() map[string]string {
	return map[string]string{
		"inbox_path": p.InboxPath,
		"count":      strconv.Itoa(len(p.Memos)),
	}
}

// TaskAdded is published when a new task line appears in tasks.md.
type TaskAdded struct {
	Path string
	Line int
	Text string
}

func (TaskAdded) Kind() pubsub.EventType { return TopicTaskAdded }

func (p TaskAdded) Fields() map[string]string {
	return map[string]string{
		"path": p.Path,
		"line": strconv.Itoa(p.Line),
		"text": p.Text,
	}
}

// PRCreated is published when an external integration reports a new pull
// request for review.
type PRCreated struct {
	ID     string
	Title  string
	Branch string
	URL    string
}

func (PRCreated) Kind() pubsub.EventType { return TopicPRCreated }

func (p PRCreated) Fields() map[string]string {
	return map[string]string{
		"id":     p.ID,
		"title":  p.Title,
		"branch": p.Branch,
		"url":    p.URL,
	}
}

// InboundReady is published once per debounce window for a batch of inbound
// mailbox messages sharing (provider, session).
type InboundReady struct {
	Provider   string
	SessionID  string
	ThreadKey  string
	MessageIDs []string
	Paths      []string
	Text       string   // concatenated message bodies, oldest first
	Mentions   []string // mention targets across the batch
}

func (InboundReady) Kind() pubsub.EventType { return TopicInboundReady }

func (p InboundReady) Fields() map[string]string {
	return map[string]string{
		"provider":   p.Provider,
		"session_id": p.SessionID,
		"thread_key": p.ThreadKey,
		"ids":        strings.Join(p.MessageIDs, ","),
		"text":       p.Text,
		"mentions":   strings.Join(p.Mentions, ","),
	}
}

// MailboxSent is published when an outbound message dispatches successfully.
type MailboxSent struct {
	Provider  string
	MessageID string
	Path      string
}

func (MailboxSent) Kind() pubsub.EventType { return TopicMailboxSent }

func (p MailboxSent) Fields() map[string]string {
	return map[string]string{
		"provider": p.Provider,
		"id":       p.MessageID,
		"path":     p.Path,
	}
}

// MailboxDeadletter is published when a message exhausts its retries.
type MailboxDeadletter struct {
	Provider  string
	MessageID string
	Path      string
	Reason    string
}

func (MailboxDeadletter) Kind() pubsub.EventType { return TopicMailboxDeadletter }

func (p MailboxDeadletter) Fields() map[string]string {
	return map[string]string{
		"provider": p.Provider,
		"id":       p.MessageID,
		"path":     p.Path,
		"reason":   p.Reason,
	}
}

// SessionChange is published on every scheduler lifecycle transition. The
// topic distinguishes the transition; the payload shape is shared.
type SessionChange struct {
	Topic     pubsub.EventType
	SessionID string
	Role      string
	IssueID   string
	State     string
	Engine    string
	ExitCode  int
	LogTail   string
	At        time.Time
}

func (p SessionChange) Kind() pubsub.EventType { return p.Topic }

func (p SessionChange) Fields() map[string]string {
	return map[string]string{
		"session_id": p.SessionID,
		"role":       p.Role,
		"issue_id":   p.IssueID,
		"state":      p.State,
		"engine":     p.Engine,
		"exit_code":  strconv.Itoa(p.ExitCode),
		"log_tail":   p.LogTail,
	}
}

// ActionDeclined is published when a matched action cannot run, most
// commonly on quota exhaustion.
type ActionDeclined struct {
	Action string
	Topic  string
	Role   string
	Reason string
}

func (ActionDeclined) Kind() pubsub.EventType { return TopicActionDeclined }

func (p ActionDeclined) Fields() map[string]string {
	return map[string]string{
		"action": p.Action,
		"topic":  p.Topic,
		"role":   p.Role,
		"reason": p.Reason,
	}
}

// HookDenied is published when a hook vetoes an operation.
type HookDenied struct {
	Hook   string
	Event  string
	Reason string
}

func (HookDenied) Kind() pubsub.EventType { return TopicHookDenied }

func (p HookDenied) Fields() map[string]string {
	return map[string]string{
		"hook":   p.Hook,
		"event":  p.Event,
		"reason": p.Reason,
	}
}

// DaemonState is published at daemon start and at the beginning of shutdown.
type DaemonState struct {
	Topic pubsub.EventType
	PID   int
	Host  string
	Port  int
}

func (p DaemonState) Kind() pubsub.EventType { return p.Topic }

func (p DaemonState) Fields() map[string]string {
	return map[string]string{
		"pid":  strconv.Itoa(p.PID),
		"host": p.Host,
		"port": strconv.Itoa(p.Port),
	}
}
