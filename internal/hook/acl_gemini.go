package hook

// geminiBridge speaks the Gemini CLI extension hook schema: kebab-case
// event names and a flat decision document.
type geminiBridge struct{}

func init() { RegisterBridge(geminiBridge{}) }

func (geminiBridge) Provider() string { return "gemini-cli" }

var geminiEvents = map[string]string{
	"BeforeTool":             EventPreToolUse,
	"AfterTool":              EventPostToolUse,
	"post-tool-call-failure": EventPostToolUseFailure,
	"BeforeAgent":            EventSessionStart,
	"AfterAgent":             EventSessionEnd,
}

func (geminiBridge) UnifyEvent(native string) (string, bool) {
	unified, ok := geminiEvents[native]
	return unified, ok
}

func (geminiBridge) NativeEvent(unified string) (string, bool) {
	for native, u := range geminiEvents {
		if u == unified {
			return native, true
		}
	}
	return "", false
}

func (geminiBridge) UnifyDecision(raw map[string]any) Decision {
	d := Decision{Decision: Allow}
	if v, ok := raw["decision"].(string); ok {
		switch v {
		case "allow", "approve":
			d.Decision = Allow
		case "deny", "block":
			d.Decision = Deny
		case "ask":
			d.Decision = Ask
		}
	}
	if v, ok := raw["reason"].(string); ok {
		d.Reason = v
	}
	if v, ok := raw["additionalContext"].(string); ok && v != "" {
		d.Metadata = map[string]any{AdditionalContext: v}
	}
	return d
}

func (geminiBridge) NativeDecision(d Decision) map[string]any {
	out := map[string]any{
		"decision": string(d.Decision),
	}
	if d.Reason != "" {
		out["reason"] = d.Reason
	}
	if ctx, ok := d.Metadata[AdditionalContext].(string); ok && ctx != "" {
		out["additionalContext"] = ctx
	}
	return out
}
