// Package fault defines the error taxonomy shared by the daemon, the
// scheduler, and the HTTP surface. Failures are classified by how the caller
// recovers from them, not by which package produced them: hook denial, quota
// exhaustion, and merge conflicts are expected outcomes carried as values.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a failure by its recovery path.
type Category int

const (
	// Validation covers malformed preambles, unknown enum values, missing
	// required fields, and lint violations.
	Validation Category = iota
	// Precondition covers unsatisfied dependencies, illegal stage
	// transitions, and isolation that already exists.
	Precondition
	// HookDenied means a hook returned deny; the reason propagates verbatim.
	HookDenied
	// QuotaExhausted means the scheduler queue overflowed for the role.
	QuotaExhausted
	// AgentFailed means an agent process exited non-zero or timed out.
	AgentFailed
	// MergeConflict means a scoped merge conflicted on at least one file.
	MergeConflict
	// TransientIO is a retryable filesystem error.
	TransientIO
	// NotFound means the addressed entity does not exist.
	NotFound
	// Fatal covers disk full, foreign live PID files, missing configuration.
	Fatal
)

func (c Category) String() string {
	switch c {
	case Validation:
		return "validation"
	case Precondition:
		return "precondition"
	case HookDenied:
		return "hook_denied"
	case QuotaExhausted:
		return "quota_exhausted"
	case AgentFailed:
		return "agent_failed"
	case MergeConflict:
		return "merge_conflict"
	case TransientIO:
		return "transient_io"
	case NotFound:
		return "not_found"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault is an error with a recovery category and optional structured detail.
type Fault struct {
	Category  Category
	Message   string
	Field     string            // offending field path for validation faults
	Conflicts []string          // conflicting paths for merge faults
	Detail    map[string]string // extra context surfaced to API clients
	cause     error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Category, f.Message)
	if f.Field != "" {
		msg += fmt.Sprintf(" (field %s)", f.Field)
	}
	if f.cause != nil {
		msg += ": " + f.cause.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.cause
}

// New creates a fault with the given category and message.
func New(cat Category, msg string) *Fault {
	return &Fault{Category: cat, Message: msg}
}

// Newf creates a fault with a formatted message.
func Newf(cat Category, format string, args ...any) *Fault {
	return &Fault{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying cause.
func Wrap(cat Category, err error, msg string) *Fault {
	return &Fault{Category: cat, Message: msg, cause: err}
}

// Wrapf creates a fault wrapping a cause with a formatted message.
func Wrapf(cat Category, err error, format string, args ...any) *Fault {
	return &Fault{Category: cat, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithField annotates a fault with the offending field path.
func (f *Fault) WithField(field string) *Fault {
	f.Field = field
	return f
}

// WithConflicts annotates a fault with the conflicting file set.
func (f *Fault) WithConflicts(paths []string) *Fault {
	f.Conflicts = paths
	return f
}

// WithDetail attaches one key/value of client-visible context.
func (f *Fault) WithDetail(key, value string) *Fault {
	if f.Detail == nil {
		f.Detail = make(map[string]string)
	}
	f.Detail[key] = value
	return f
}

// CategoryOf extracts the category from err, unwrapping as needed.
// Non-fault errors classify as Fatal.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}
	return Fatal
}

// Is reports whether err carries the given category.
func Is(err error, cat Category) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category == cat
	}
	return false
}

// HTTPStatus maps an error to the response status the API surface returns.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case Validation:
		return http.StatusUnprocessableEntity
	case Precondition:
		return http.StatusConflict
	case HookDenied:
		return http.StatusForbidden
	case QuotaExhausted:
		return http.StatusTooManyRequests
	case AgentFailed:
		return http.StatusBadGateway
	case MergeConflict:
		return http.StatusConflict
	case TransientIO:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
