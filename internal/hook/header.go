package hook

import (
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/monoco-io/monoco/internal/fault"
)

// Header is the typed preamble every hook carries. Script hooks embed it as
// YAML inside the leading comment block so the file stays executable.
type Header struct {
	Type     Type   `yaml:"type"`
	Event    string `yaml:"event"`
	Matcher  string `yaml:"matcher,omitempty"`
	Provider string `yaml:"provider,omitempty"`
	Priority int    `yaml:"priority,omitempty"`
	Async    bool   `yaml:"async,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty"` // seconds; sync hooks only
}

func (h Header) validate() error {
	switch h.Type {
	case TypeGit, TypeIDE, TypeAgent, TypeIssue:
	default:
		return fault.Newf(fault.Validation, "unknown hook type %q", h.Type).WithField("type")
	}
	if h.Event == "" {
		return fault.New(fault.Validation, "hook header missing event").WithField("event")
	}
	if (h.Type == TypeAgent || h.Type == TypeIDE) && h.Provider == "" {
		return fault.Newf(fault.Validation, "hook type %s requires a provider", h.Type).WithField("provider")
	}
	if h.Matcher != "" {
		if _, err := path.Match(h.Matcher, "probe"); err != nil {
			return fault.Wrapf(fault.Validation, err, "bad matcher pattern %q", h.Matcher).WithField("matcher")
		}
	}
	return nil
}

// matchesTool reports whether the matcher accepts the tool name. An empty
// matcher accepts everything; otherwise exact name or glob.
func (h Header) matchesTool(tool string) bool {
	if h.Matcher == "" {
		return true
	}
	if h.Matcher == tool {
		return true
	}
	ok, err := path.Match(h.Matcher, tool)
	return err == nil && ok
}

// ParseHeader extracts the YAML header from a hook script's leading comment
// block. Both `#` and `//` line comments are recognized; a shebang line is
// skipped; the `---` fences inside the block are optional. Parsing stops at
// the first non-comment line.
func ParseHeader(content string) (Header, error) {
	lines := headerLines(content)
	if len(lines) == 0 {
		return Header{}, fault.New(fault.Validation, "hook has no header comment block")
	}

	var h Header
	if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &h); err != nil {
		return Header{}, fault.Wrap(fault.Validation, err, "parsing hook header")
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// headerLines collects the leading comment block, comment markers and
// optional `---` fences stripped.
func headerLines(content string) []string {
	var lines []string
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if i == 0 && strings.HasPrefix(trimmed, "#!") {
			continue
		}
		var body string
		switch {
		case strings.HasPrefix(trimmed, "//"):
			body = strings.TrimPrefix(trimmed, "//")
		case strings.HasPrefix(trimmed, "#"):
			body = strings.TrimPrefix(trimmed, "#")
		case trimmed == "" && len(lines) == 0:
			continue
		default:
			return lines
		}
		body = strings.TrimPrefix(body, " ")
		if strings.TrimSpace(body) == "---" {
			continue
		}
		lines = append(lines, body)
	}
	return lines
}
