package hook

// claudeBridge speaks the Claude Code hook schema. The unified event
// vocabulary borrows Claude's names, so the event maps are identity; the
// decision schema still needs translation (permissionDecision plus
// hookSpecificOutput.additionalContext).
type claudeBridge struct{}

func init() { RegisterBridge(claudeBridge{}) }

func (claudeBridge) Provider() string { return "claude-code" }

var claudeEvents = map[string]string{
	"PreToolUse":       EventPreToolUse,
	"PostToolUse":      EventPostToolUse,
	"UserPromptSubmit": EventUserPromptSubmit,
	"SessionStart":     EventSessionStart,
	"SessionEnd":       EventSessionEnd,
	"Stop":             EventStop,
}

func (claudeBridge) UnifyEvent(native string) (string, bool) {
	unified, ok := claudeEvents[native]
	return unified, ok
}

func (claudeBridge) NativeEvent(unified string) (string, bool) {
	for native, u := range claudeEvents {
		if u == unified {
			return native, true
		}
	}
	return "", false
}

func (claudeBridge) UnifyDecision(raw map[string]any) Decision {
	d := Decision{Decision: Allow}
	if v, ok := raw["permissionDecision"].(string); ok {
		switch v {
		case "allow":
			d.Decision = Allow
		case "deny":
			d.Decision = Deny
		case "ask":
			d.Decision = Ask
		}
	}
	if v, ok := raw["permissionDecisionReason"].(string); ok {
		d.Reason = v
	}
	if out, ok := raw["hookSpecificOutput"].(map[string]any); ok {
		if v, ok := out["additionalContext"].(string); ok && v != "" {
			d.Metadata = map[string]any{AdditionalContext: v}
		}
	}
	return d
}

func (claudeBridge) NativeDecision(d Decision) map[string]any {
	out := map[string]any{
		"permissionDecision": string(d.Decision),
	}
	if d.Reason != "" {
		out["permissionDecisionReason"] = d.Reason
	}
	if ctx, ok := d.Metadata[AdditionalContext].(string); ok && ctx != "" {
		out["hookSpecificOutput"] = map[string]any{"additionalContext": ctx}
	}
	return out
}
