package issue

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/monoco-io/monoco/internal/fault"
)

var idPattern = regexp.MustCompile(`^(EPIC|FEAT|FIX|CHORE)-(\d{4,})$`)

// ParseID splits an issue id into prefix and number.
func ParseID(id string) (prefix string, number int, err error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, fault.Newf(fault.Validation, "invalid issue id %q", id).WithField("id")
	}
	n, convErr := strconv.Atoi(m[2])
	if convErr != nil {
		return "", 0, fault.Wrapf(fault.Validation, convErr, "invalid issue number in %q", id).WithField("id")
	}
	return m[1], n, nil
}

// FormatID renders an id from type and number, zero-padded to width 4.
// Numbers past 9999 keep widening.
func FormatID(t Type, number int) string {
	return fmt.Sprintf("%s-%04d", t.Prefix(), number)
}

// Slug derives a filename slug from a title: lowercased, non-alphanumeric
// runs collapsed to single dashes, capped at 48 chars.
func Slug(title string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// NextID allocates the next id for a type by scanning every status
// directory under the issue root for the highest existing number.
func NextID(root string, t Type) (string, error) {
	max := 0
	typeDir := filepath.Join(root, t.Plural())
	err := filepath.WalkDir(typeDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		id, ok := IDFromFilename(d.Name())
		if !ok {
			return nil
		}
		if prefix, n, err := ParseID(id); err == nil && prefix == t.Prefix() && n > max {
			max = n
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return "", fault.Wrapf(fault.TransientIO, err, "scanning %s for next id", typeDir)
	}
	return FormatID(t, max+1), nil
}

// IDFromFilename extracts the issue id from a `<id>-<slug>.md` filename.
func IDFromFilename(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".md")
	m := regexp.MustCompile(`^((?:EPIC|FEAT|FIX|CHORE)-\d{4,})(?:-|$)`).FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
