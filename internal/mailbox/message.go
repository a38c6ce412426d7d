// Package mailbox implements the at-least-once, debounced, retryable message
// transport between external chat providers and a project: one file per
// message, a YAML preamble over a Markdown body, atomic writes, claim locks,
// retry with exponential backoff, and a dead-letter tree.
package mailbox

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monoco-io/monoco/internal/fault"
)

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus tracks a message through its transport lifecycle.
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusSent       MessageStatus = "sent"
	StatusArchived   MessageStatus = "archived"
	StatusDeadletter MessageStatus = "deadletter"
)

// Mention is one structured mention inside a message.
type Mention struct {
	Type   string `yaml:"type" json:"type"` // user | all | channel | role
	Target string `yaml:"target" json:"target"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Participants carries the structured address block.
type Participants struct {
	From     string    `yaml:"from,omitempty" json:"from,omitempty"`
	To       []string  `yaml:"to,omitempty" json:"to,omitempty"`
	CC       []string  `yaml:"cc,omitempty" json:"cc,omitempty"`
	BCC      []string  `yaml:"bcc,omitempty" json:"bcc,omitempty"`
	Mentions []Mention `yaml:"mentions,omitempty" json:"mentions,omitempty"`
}

// Artifact references a content-addressed blob by short hash.
type Artifact struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	MimeType string `yaml:"mime_type,omitempty" json:"mime_type,omitempty"`
	Size     int64  `yaml:"size,omitempty" json:"size,omitempty"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Session identifies the provider-side conversation.
type Session struct {
	ID        string `yaml:"id" json:"id"`
	ThreadKey string `yaml:"thread_key,omitempty" json:"thread_key,omitempty"`
}

// Message is one mailbox file: preamble plus Markdown body. Path is set when
// the message was loaded from disk.
type Message struct {
	ID          string        `yaml:"id"`
	Provider    string        `yaml:"provider"`
	Direction   Direction     `yaml:"direction"`
	ContentType string        `yaml:"content_type,omitempty"`
	CreatedAt   time.Time     `yaml:"created_at"`
	SentAt      *time.Time    `yaml:"sent_at,omitempty"`
	Status      MessageStatus `yaml:"status,omitempty"`
	RetryCount  int           `yaml:"retry_count,omitempty"`
	NextRetryAt *time.Time    `yaml:"next_retry_at,omitempty"`
	ErrorMsg    string        `yaml:"error_message,omitempty"`
	Session     Session       `yaml:"session"`
	Participant Participants  `yaml:"participants"`
	Artifacts   []Artifact    `yaml:"artifacts,omitempty"`

	Body string `yaml:"-"`
	Path string `yaml:"-"`
}

// Filename renders the time-sortable `<ISO-timestamp>_<id>.md` file name.
func (m *Message) Filename() string {
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s_%s.md", ts.UTC().Format("20060102T150405.000000000"), m.ID)
}

// Validate checks the preamble against the fixed schema.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fault.New(fault.Validation, "message id is required").WithField("id")
	}
	if m.Provider == "" {
		return fault.New(fault.Validation, "provider is required").WithField("provider")
	}
	switch m.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return fault.Newf(fault.Validation, "unknown direction %q", m.Direction).WithField("direction")
	}
	if m.Session.ID == "" {
		return fault.New(fault.Validation, "session.id is required").WithField("session.id")
	}
	for i, mention := range m.Participant.Mentions {
		switch mention.Type {
		case "user", "all", "channel", "role":
		default:
			return fault.Newf(fault.Validation, "unknown mention type %q", mention.Type).
				WithField(fmt.Sprintf("participants.mentions[%d].type", i))
		}
	}
	return nil
}

// EncodeMessage renders a message to its file form.
func EncodeMessage(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding message preamble: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("---\n")
	if m.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(m.Body)
		if !strings.HasSuffix(m.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// ParseMessage decodes a message file.
func ParseMessage(data []byte) (*Message, error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return nil, fault.New(fault.Validation, "missing preamble fence")
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fault.New(fault.Validation, "unterminated preamble fence")
	}
	var m Message
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &m); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed message preamble")
	}
	body := rest[end+4:]
	m.Body = strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n")
	return &m, nil
}
