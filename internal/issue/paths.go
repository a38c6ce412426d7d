package issue

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/monoco-io/monoco/internal/fault"
)

// Dir returns the directory an issue belongs in given its status. Archived
// issues nest under the year they were archived.
func Dir(root string, t Type, status Status, year int) string {
	if status == StatusArchived {
		return filepath.Join(root, t.Plural(), string(status), strconv.Itoa(year))
	}
	return filepath.Join(root, t.Plural(), string(status))
}

// PathFor computes the canonical file path for an issue.
func PathFor(root string, iss *Issue) string {
	year := iss.UpdatedAt.Year()
	if year <= 1 {
		year = Now().Year()
	}
	name := iss.ID + "-" + Slug(iss.Title) + ".md"
	return filepath.Join(Dir(root, iss.Type, iss.Status, year), name)
}

// StatusFromPath derives the status encoded in an issue file's location.
// For archived issues the year segment sits between status and file.
func StatusFromPath(path string) (Status, bool) {
	dir := filepath.Dir(path)
	base := filepath.Base(dir)
	if _, err := strconv.Atoi(base); err == nil {
		base = filepath.Base(filepath.Dir(dir))
	}
	switch Status(base) {
	case StatusOpen, StatusClosed, StatusBacklog, StatusArchived:
		return Status(base), true
	}
	return "", false
}

// Find locates the issue with the given id anywhere under the issue root.
func Find(root, id string) (*Issue, error) {
	prefix, _, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	t, _ := TypeFromPrefix(prefix)

	var found *Issue
	walkErr := filepath.WalkDir(filepath.Join(root, t.Plural()), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		fileID, ok := IDFromFilename(d.Name())
		if !ok || fileID != id {
			return nil
		}
		iss, loadErr := Load(path)
		if loadErr != nil {
			return loadErr
		}
		found = iss
		return filepath.SkipAll
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if found == nil {
		return nil, fault.Newf(fault.NotFound, "issue %s not found", id)
	}
	return found, nil
}

// List loads every issue under the root. Parse failures are skipped and
// reported in the returned error slice so one bad file does not hide the
// rest of the tree.
func List(root string) ([]*Issue, []error) {
	var issues []*Issue
	var errs []error
	for _, t := range Types() {
		_ = filepath.WalkDir(filepath.Join(root, t.Plural()), func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				errs = append(errs, err)
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
				return nil
			}
			iss, loadErr := Load(path)
			if loadErr != nil {
				errs = append(errs, loadErr)
				return nil
			}
			issues = append(issues, iss)
			return nil
		})
	}
	return issues, errs
}
