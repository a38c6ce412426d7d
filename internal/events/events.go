// Package events defines the domain topics and payload types carried on the
// daemon's event bus. The bus itself is a pubsub.Broker; this package pins
// the topic vocabulary and gives the router a uniform way to read payload
// fields for condition evaluation.
package events

import (
	"github.com/monoco-io/monoco/internal/pubsub"
)

// Topics published on the daemon bus.
const (
	TopicIssueCreated      = pubsub.EventType("issue.created")
	TopicIssueDeleted      = pubsub.EventType("issue.deleted")
	TopicIssueFieldChanged = pubsub.EventType("issue.field_changed")
	TopicMemoPresent       = pubsub.EventType("memo.present")
	TopicTaskAdded         = pubsub.EventType("task.added")
	TopicPRCreated         = pubsub.EventType("pr.created")
	TopicInboundReady      = pubsub.EventType("mailbox.inbound.ready")
	TopicMailboxSent       = pubsub.EventType("mailbox.sent")
	TopicMailboxDeadletter = pubsub.EventType("mailbox.deadletter")
	TopicSessionScheduled  = pubsub.EventType("session.scheduled")
	TopicSessionStarted    = pubsub.EventType("session.started")
	TopicSessionCompleted  = pubsub.EventType("session.completed")
	TopicSessionFailed     = pubsub.EventType("session.failed")
	TopicSessionTerminated = pubsub.EventType("session.terminated")
	TopicSessionTimeout    = pubsub.EventType("session.timeout")
	TopicActionDeclined    = pubsub.EventType("action.declined")
	TopicHookDenied        = pubsub.EventType("hook.denied")
	TopicDaemonStarted     = pubsub.EventType("daemon.started")
	TopicDaemonStopping    = pubsub.EventType("daemon.stopping")
)

// Payload is implemented by every event payload. Kind names the topic the
// payload belongs on; Fields exposes a flat string view for the router's
// condition predicates.
type Payload interface {
	Kind() pubsub.EventType
	Fields() map[string]string
}

// Bus is the daemon-wide event bus.
type Bus = pubsub.Broker[Payload]

// Envelope is one delivered bus event.
type Envelope = pubsub.Event[Payload]

// NewBus creates the daemon event bus.
func NewBus() *Bus {
	return pubsub.NewBroker[Payload]()
}

// Publish sends p on its own topic with a fresh correlation id.
func Publish(bus *Bus, p Payload) {
	bus.Publish(p.Kind(), p)
}

// PublishCorrelated sends p on its own topic chained to an existing
// correlation id.
func PublishCorrelated(bus *Bus, p Payload, correlationID string) {
	bus.PublishCorrelated(p.Kind(), p, correlationID)
}
