package memo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleInbox = `# Inbox

## [abc123] 2026-03-01T10:00:00
- **From**: user

Idea: add rate limit

## [DEF456] 2026-03-01T11:30:00

Second memo without an author,
spanning two lines.
`

func TestParse(t *testing.T) {
	memos := Parse(sampleInbox)
	require.Len(t, memos, 2)

	require.Equal(t, "abc123", memos[0].ID)
	require.Equal(t, "2026-03-01T10:00:00", memos[0].Timestamp)
	require.Equal(t, "user", memos[0].From)
	require.Equal(t, "Idea: add rate limit", memos[0].Body)

	// Ids normalize to lowercase.
	require.Equal(t, "def456", memos[1].ID)
	require.Empty(t, memos[1].From)
	require.Contains(t, memos[1].Body, "spanning two lines.")
}

func TestParseEmpty(t *testing.T) {
	require.Empty(t, Parse(""))
	require.Empty(t, Parse("# Inbox\n\nno memos here\n"))
}

func TestReadMissingFile(t *testing.T) {
	memos, err := Read(filepath.Join(t.TempDir(), "inbox.md"))
	require.NoError(t, err)
	require.Empty(t, memos)
}

func TestDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleInbox), 0o644))

	memos, err := Drain(path)
	require.NoError(t, err)
	require.Len(t, memos, 2)
	require.Equal(t, "abc123", memos[0].ID)

	// The inbox is empty afterwards; a second drain captures nothing.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)

	memos, err = Drain(path)
	require.NoError(t, err)
	require.Empty(t, memos)
}

func TestDrainMissingFile(t *testing.T) {
	memos, err := Drain(filepath.Join(t.TempDir(), "inbox.md"))
	require.NoError(t, err)
	require.Empty(t, memos)
}

func TestDrainConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleInbox), 0o644))

	const drains = 8
	results := make([][]Memo, drains)
	var wg sync.WaitGroup
	for i := range drains {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			memos, err := Drain(path)
			require.NoError(t, err)
			results[i] = memos
		}(i)
	}
	wg.Wait()

	// Exactly one drain wins the memos.
	total := 0
	for _, r := range results {
		total += len(r)
	}
	require.Equal(t, 2, total)
}
