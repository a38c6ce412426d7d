// Package memo reads and drains the memo inbox. Memos are signals, not
// records: consumption truncates the inbox file so a restart never re-fires
// on memos that already reached a scheduled agent. History lives in version
// control.
package memo

import (
	"os"
	"regexp"
	"strings"

	"github.com/monoco-io/monoco/internal/fault"
)

// Memo is one parsed inbox block.
type Memo struct {
	ID        string // stable 6-hex identifier
	Timestamp string
	From      string
	Body      string
}

// headerPattern matches `## [abc123] 2026-03-01T10:00:00`.
var headerPattern = regexp.MustCompile(`^##\s+\[([0-9a-fA-F]{6})\]\s*(\S*)\s*$`)

// fromPattern matches the optional `- **From**: user` line.
var fromPattern = regexp.MustCompile(`^-\s+\*\*From\*\*:\s*(.+)\s*$`)

// Parse extracts every memo block from inbox content. Text before the first
// header is ignored.
func Parse(content string) []Memo {
	var memos []Memo
	var current *Memo
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.TrimSpace(strings.Join(body, "\n"))
		memos = append(memos, *current)
		current = nil
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Memo{ID: strings.ToLower(m[1]), Timestamp: m[2]}
			continue
		}
		if current == nil {
			continue
		}
		if current.From == "" && len(body) == 0 {
			if m := fromPattern.FindStringSubmatch(line); m != nil {
				current.From = strings.TrimSpace(m[1])
				continue
			}
		}
		body = append(body, line)
	}
	flush()
	return memos
}

// Read parses the inbox file without consuming it. A missing inbox is an
// empty inbox.
func Read(path string) ([]Memo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the configured inbox
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading inbox %s", path)
	}
	return Parse(string(data)), nil
}

// Drain performs the atomic load-and-clear: read the inbox under an
// exclusive lock, truncate it to empty, and return the captured memos.
// Concurrent drains see disjoint (usually empty) result sets.
func Drain(path string) ([]Memo, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644) //nolint:gosec // G304: path is the configured inbox
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "opening inbox %s", path)
	}
	defer f.Close() //nolint:errcheck

	if err := lockFile(f); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "locking inbox %s", path)
	}
	defer unlockFile(f) //nolint:errcheck

	data, err := os.ReadFile(path) //nolint:gosec // G304: same configured inbox
	if err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "reading inbox %s", path)
	}
	memos := Parse(string(data))
	if len(memos) == 0 {
		return nil, nil
	}

	if err := f.Truncate(0); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "truncating inbox %s", path)
	}
	if err := f.Sync(); err != nil {
		return nil, fault.Wrapf(fault.TransientIO, err, "syncing inbox %s", path)
	}
	return memos, nil
}
