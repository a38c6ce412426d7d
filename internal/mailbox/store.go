package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// Tree directory names under the mailbox root.
const (
	dirInbound    = "inbound"
	dirOutbound   = "outbound"
	dirArchive    = "archive"
	dirDeadletter = ".deadletter"
)

// Store owns the mailbox tree layout, the message codec, and the atomic
// move helpers. All writes are temp-then-rename.
type Store struct {
	root string
}

// NewStore creates a store rooted at the mailbox directory
// (typically <project>/.monoco/mailbox).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the mailbox root directory.
func (s *Store) Root() string { return s.root }

// InboundDir returns the inbound directory for a provider.
func (s *Store) InboundDir(provider string) string {
	return filepath.Join(s.root, dirInbound, provider)
}

// OutboundDir returns the outbound directory for a provider.
func (s *Store) OutboundDir(provider string) string {
	return filepath.Join(s.root, dirOutbound, provider)
}

// ArchiveDir returns the archive directory for a provider.
func (s *Store) ArchiveDir(provider string) string {
	return filepath.Join(s.root, dirArchive, provider)
}

// DeadletterDir returns the dead-letter directory for a provider.
func (s *Store) DeadletterDir(provider string) string {
	return filepath.Join(s.root, dirDeadletter, provider)
}

// EnsureTree creates the four trees for a provider.
func (s *Store) EnsureTree(provider string) error {
	for _, dir := range []string{
		s.InboundDir(provider),
		s.OutboundDir(provider),
		s.ArchiveDir(provider),
		s.DeadletterDir(provider),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Wrapf(fault.TransientIO, err, "creating mailbox dir %s", dir)
		}
	}
	return nil
}

// Write persists a message into dir using write-temp-then-rename so a
// concurrent reader never observes a half-written preamble. Returns the
// final path.
func (s *Store) Write(dir string, m *Message) (string, error) {
	data, err := EncodeMessage(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Wrapf(fault.TransientIO, err, "creating %s", dir)
	}
	final := filepath.Join(dir, m.Filename())
	err = fault.RetryIO("mailbox write", func() error {
		tmp, err := os.CreateTemp(dir, ".msg-*.tmp")
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
	if err != nil {
		return "", err
	}
	m.Path = final
	return final, nil
}

// WriteInbound validates and writes an inbound message into the provider's
// inbound directory.
func (s *Store) WriteInbound(m *Message) (string, error) {
	m.Direction = DirectionInbound
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	return s.Write(s.InboundDir(m.Provider), m)
}

// Rewrite re-encodes a loaded message in place (atomic), used to mutate
// retry fields through the codec rather than by string surgery.
func (s *Store) Rewrite(m *Message) error {
	if m.Path == "" {
		return fault.New(fault.Precondition, "message has no path")
	}
	_, err := s.Write(filepath.Dir(m.Path), m)
	return err
}

// Load reads and parses a message file.
func (s *Store) Load(path string) (*Message, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the mailbox tree
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrapf(fault.NotFound, err, "message %s", path)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", path)
	}
	m, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// Find locates an in-flight inbound message by id across providers.
func (s *Store) Find(messageID string) (*Message, error) {
	inboundRoot := filepath.Join(s.root, dirInbound)
	providers, err := os.ReadDir(inboundRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.NotFound, "message %s not found", messageID)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", inboundRoot)
	}
	for _, p := range providers {
		if !p.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(inboundRoot, p.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			if strings.HasSuffix(strings.TrimSuffix(e.Name(), ".md"), "_"+messageID) {
				return s.Load(filepath.Join(inboundRoot, p.Name(), e.Name()))
			}
		}
	}
	return nil, fault.Newf(fault.NotFound, "message %s not found", messageID)
}

// MoveToArchive moves a message file into archive/<provider>/.
func (s *Store) MoveToArchive(m *Message) error {
	m.Status = StatusArchived
	return s.move(m, s.ArchiveDir(m.Provider))
}

// MoveToDeadletter moves a message file into .deadletter/<provider>/.
func (s *Store) MoveToDeadletter(m *Message) error {
	m.Status = StatusDeadletter
	return s.move(m, s.DeadletterDir(m.Provider))
}

func (s *Store) move(m *Message, destDir string) error {
	if m.Path == "" {
		return fault.New(fault.Precondition, "message has no path")
	}
	oldPath := m.Path
	if _, err := s.Write(destDir, m); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		log.Warn(log.CatMailbox, "failed to remove moved message", "path", oldPath, "error", err)
	}
	return nil
}

// ListDir loads every message in a directory, oldest first by filename.
// Unparseable files are skipped: they may be mid-write by a concurrent
// adapter and will parse on the next pass.
func (s *Store) ListDir(dir string) ([]*Message, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", dir)
	}
	var messages []*Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		m, err := s.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Debug(log.CatMailbox, "skipping unparseable message", "path", e.Name(), "error", err)
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// InboundProviders lists providers with an inbound directory.
func (s *Store) InboundProviders() []string {
	return s.Providers(dirInbound)
}

// DeadletterProviders lists providers with a dead-letter directory.
func (s *Store) DeadletterProviders() []string {
	return s.Providers(dirDeadletter)
}

// Providers lists providers that have a directory under the given tree name.
func (s *Store) Providers(tree string) []string {
	entries, err := os.ReadDir(filepath.Join(s.root, tree))
	if err != nil {
		return nil
	}
	var providers []string
	for _, e := range entries {
		if e.IsDir() {
			providers = append(providers, e.Name())
		}
	}
	return providers
}
