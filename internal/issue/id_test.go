package issue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	prefix, n, err := ParseID("FEAT-0042")
	require.NoError(t, err)
	require.Equal(t, "FEAT", prefix)
	require.Equal(t, 42, n)

	// Overflow ids keep widening past four digits.
	_, n, err = ParseID("FIX-12345")
	require.NoError(t, err)
	require.Equal(t, 12345, n)

	for _, bad := range []string{"", "FEAT", "FEAT-", "FEAT-12", "TASK-0001", "feat-0001"} {
		_, _, err := ParseID(bad)
		require.Error(t, err, "id %q", bad)
	}
}

func TestFormatID(t *testing.T) {
	require.Equal(t, "FEAT-0007", FormatID(TypeFeature, 7))
	require.Equal(t, "CHORE-10000", FormatID(TypeChore, 10000))
}

func TestSlug(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Add rate limiting", "add-rate-limiting"},
		{"  Weird -- punctuation!!", "weird-punctuation"},
		{"", "untitled"},
		{"UPPER case Title", "upper-case-title"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Slug(tc.title), "title %q", tc.title)
	}

	long := Slug("a very long title that should be truncated to forty eight characters at most yes")
	require.LessOrEqual(t, len(long), 48)
}

func TestNextID(t *testing.T) {
	root := t.TempDir()

	// Empty tree allocates the first id.
	id, err := NextID(root, TypeFeature)
	require.NoError(t, err)
	require.Equal(t, "FEAT-0001", id)

	// Existing files across status directories count.
	for _, rel := range []string{
		"Features/open/FEAT-0003-x.md",
		"Features/closed/FEAT-0010-y.md",
		"Features/backlog/FEAT-0002-z.md",
	} {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("---\n---\n"), 0o644))
	}

	id, err = NextID(root, TypeFeature)
	require.NoError(t, err)
	require.Equal(t, "FEAT-0011", id)

	// Other types do not interfere.
	id, err = NextID(root, TypeFix)
	require.NoError(t, err)
	require.Equal(t, "FIX-0001", id)
}

func TestIDFromFilename(t *testing.T) {
	id, ok := IDFromFilename("FEAT-0097-add-rate-limiting.md")
	require.True(t, ok)
	require.Equal(t, "FEAT-0097", id)

	id, ok = IDFromFilename("EPIC-0001.md")
	require.True(t, ok)
	require.Equal(t, "EPIC-0001", id)

	_, ok = IDFromFilename("notes.md")
	require.False(t, ok)
}

func TestStatusFromPath(t *testing.T) {
	status, ok := StatusFromPath("Issues/Features/open/FEAT-0001-x.md")
	require.True(t, ok)
	require.Equal(t, StatusOpen, status)

	status, ok = StatusFromPath("Issues/Fixes/archived/2026/FIX-0002-y.md")
	require.True(t, ok)
	require.Equal(t, StatusArchived, status)

	_, ok = StatusFromPath("Issues/Features/FEAT-0001-x.md")
	require.False(t, ok)
}
