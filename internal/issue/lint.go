package issue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/monoco-io/monoco/internal/fault"
)

// Violation is one lint finding.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Report is the outcome of linting one issue file.
type Report struct {
	Path       string      `json:"path"`
	ID         string      `json:"id,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	// Diff is the unified diff between the raw file and its normalized
	// form, populated by Fix.
	Diff string `json:"diff,omitempty"`
}

// OK reports whether the lint pass found no violations.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Err converts a failing report into a Validation fault, nil otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	v := r.Violations[0]
	f := fault.Newf(fault.Validation, "lint: %s", v.Message).WithField(v.Field)
	f = f.WithDetail("rule", v.Rule)
	f = f.WithDetail("violations", fmt.Sprintf("%d", len(r.Violations)))
	return f
}

// Linter checks issue files against the workflow invariants. resolve is
// consulted for dependency existence; nil disables that rule.
type Linter struct {
	Root string
	// Resolve reports whether an issue id exists. Defaults to a scan of
	// Root when nil.
	Resolve func(id string) bool
}

// NewLinter creates a linter rooted at the issue tree.
func NewLinter(root string) *Linter {
	return &Linter{Root: root}
}

// LintFile lints the issue at path.
func (l *Linter) LintFile(path string) Report {
	report := Report{Path: path}
	iss, err := Load(path)
	if err != nil {
		report.Violations = append(report.Violations, Violation{
			Rule:    "schema",
			Message: err.Error(),
		})
		return report
	}
	report.ID = iss.ID
	report.Violations = l.lint(iss, path)
	return report
}

// Lint lints an already-loaded issue against its path.
func (l *Linter) Lint(iss *Issue) Report {
	report := Report{Path: iss.Path, ID: iss.ID}
	report.Violations = l.lint(iss, iss.Path)
	return report
}

func (l *Linter) lint(iss *Issue, path string) []Violation {
	var violations []Violation

	if err := iss.Validate(); err != nil {
		field := ""
		var f *fault.Fault
		if errors.As(err, &f) {
			field = f.Field
		}
		violations = append(violations, Violation{
			Rule:    "schema",
			Field:   field,
			Message: err.Error(),
		})
	}

	if path != "" {
		if fileID, ok := IDFromFilename(filepath.Base(path)); !ok || fileID != iss.ID {
			violations = append(violations, Violation{
				Rule:    "filename",
				Field:   "id",
				Message: fmt.Sprintf("filename %s does not carry id %s", filepath.Base(path), iss.ID),
			})
		}
		if dirStatus, ok := StatusFromPath(path); ok && dirStatus != iss.Status {
			violations = append(violations, Violation{
				Rule:    "location",
				Field:   "status",
				Message: fmt.Sprintf("file lives under %s/ but status is %s", dirStatus, iss.Status),
			})
		}
	}

	resolve := l.Resolve
	if resolve == nil && l.Root != "" {
		resolve = func(id string) bool {
			_, err := Find(l.Root, id)
			return err == nil
		}
	}
	if resolve != nil {
		for _, dep := range iss.Dependencies {
			if !resolve(dep) {
				violations = append(violations, Violation{
					Rule:    "dependency",
					Field:   "dependencies",
					Message: fmt.Sprintf("dependency %s does not resolve to an existing issue", dep),
				})
			}
		}
		if iss.Parent != "" && !resolve(iss.Parent) {
			violations = append(violations, Violation{
				Rule:    "dependency",
				Field:   "parent",
				Message: fmt.Sprintf("parent %s does not resolve to an existing issue", iss.Parent),
			})
		}
	}

	// Stage/status agreement: done is the closed stage and only that.
	if iss.Status == StatusClosed && iss.Stage != StageDone {
		violations = append(violations, Violation{
			Rule:    "stage",
			Field:   "stage",
			Message: fmt.Sprintf("closed issue must be stage done, got %s", iss.Stage),
		})
	}
	if iss.Status == StatusOpen && iss.Stage == StageDone {
		violations = append(violations, Violation{
			Rule:    "stage",
			Field:   "stage",
			Message: "open issue cannot be stage done",
		})
	}

	return violations
}

// Fix re-encodes the issue file into normalized form and reports the
// unified diff. The file is rewritten only when write is true.
func (l *Linter) Fix(path string, write bool) (Report, error) {
	report := l.LintFile(path)
	raw, err := os.ReadFile(path) //nolint:gosec // G304: lint target inside the issue tree
	if err != nil {
		return report, fault.Wrapf(fault.TransientIO, err, "reading %s", path)
	}
	iss, err := Parse(raw)
	if err != nil {
		// Unparseable files cannot be normalized.
		return report, nil
	}
	normalized, err := Encode(iss)
	if err != nil {
		return report, err
	}
	if string(raw) != string(normalized) {
		report.Diff = unifiedDiff(string(raw), string(normalized))
		if write {
			iss.Path = path
			if err := Save(iss, path); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func unifiedDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	runes1, runes2, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(runes1, runes2, false), lines)

	var b strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			b.WriteString(prefix)
			b.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
