package router

import (
	"regexp"
	"strings"

	"github.com/monoco-io/monoco/internal/events"
)

// Condition is a predicate over an event envelope. A nil Condition always
// matches.
type Condition interface {
	Match(env events.Envelope) bool
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(env events.Envelope) bool

func (f ConditionFunc) Match(env events.Envelope) bool { return f(env) }

func fieldOf(env events.Envelope, field string) (string, bool) {
	if env.Payload == nil {
		return "", false
	}
	value, ok := env.Payload.Fields()[field]
	return value, ok
}

// FieldEquals matches when the payload field equals value exactly.
func FieldEquals(field, value string) Condition {
	return ConditionFunc(func(env events.Envelope) bool {
		got, ok := fieldOf(env, field)
		return ok && got == value
	})
}

// FieldMatches matches when the payload field matches the regular
// expression. The pattern is compiled at binding time; an invalid pattern
// panics there rather than on the hot path.
func FieldMatches(field, pattern string) Condition {
	re := regexp.MustCompile(pattern)
	return ConditionFunc(func(env events.Envelope) bool {
		got, ok := fieldOf(env, field)
		return ok && re.MatchString(got)
	})
}

// TextCommand matches inbound text that addresses the daemon: the body
// starts with a slash command or the bot is mentioned.
func TextCommand(botName string) Condition {
	return ConditionFunc(func(env events.Envelope) bool {
		text, _ := fieldOf(env, "text")
		if strings.HasPrefix(strings.TrimSpace(text), "/") {
			return true
		}
		// No bot name means no way to be mentioned; splitting an empty
		// mentions field would otherwise yield "" == "".
		if botName == "" {
			return false
		}
		mentions, _ := fieldOf(env, "mentions")
		for m := range strings.SplitSeq(mentions, ",") {
			if m == botName {
				return true
			}
		}
		return strings.Contains(text, "@"+botName)
	})
}

// All matches when every condition matches.
func All(conds ...Condition) Condition {
	return ConditionFunc(func(env events.Envelope) bool {
		for _, c := range conds {
			if c != nil && !c.Match(env) {
				return false
			}
		}
		return true
	})
}

// Any matches when at least one condition matches.
func Any(conds ...Condition) Condition {
	return ConditionFunc(func(env events.Envelope) bool {
		for _, c := range conds {
			if c == nil || c.Match(env) {
				return true
			}
		}
		return false
	})
}

// Not inverts a condition.
func Not(c Condition) Condition {
	return ConditionFunc(func(env events.Envelope) bool {
		return c == nil || !c.Match(env)
	})
}
