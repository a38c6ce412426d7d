package hook

import (
	"context"
	"sync"

	"github.com/monoco-io/monoco/internal/fault"
)

// Bridge is the anti-corruption layer for one agent provider. It translates
// the provider's native event names and decision schema into the unified
// protocol; the dispatch path never sees a native name.
type Bridge interface {
	Provider() string

	// UnifyEvent maps a native event name to the unified one.
	UnifyEvent(native string) (string, bool)

	// NativeEvent maps a unified event name back to the provider's.
	NativeEvent(unified string) (string, bool)

	// UnifyDecision converts a provider-native decision document.
	UnifyDecision(raw map[string]any) Decision

	// NativeDecision converts a unified decision into the provider's schema.
	NativeDecision(d Decision) map[string]any
}

var (
	bridgeMu sync.RWMutex
	bridges  = make(map[string]Bridge)
)

// RegisterBridge installs a provider bridge. Providers self-register from
// init.
func RegisterBridge(b Bridge) {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()
	bridges[b.Provider()] = b
}

// LookupBridge finds the bridge for a provider name.
func LookupBridge(provider string) (Bridge, error) {
	bridgeMu.RLock()
	defer bridgeMu.RUnlock()
	b, ok := bridges[provider]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "no hook bridge for provider %q", provider).WithField("provider")
	}
	return b, nil
}

// DispatchNative accepts a provider-native event, translates it through the
// provider's bridge, dispatches, and returns the decision in the provider's
// schema. Unknown native events allow by default so a provider upgrade
// never blocks tool calls.
func (e *Engine) DispatchNative(ctx context.Context, provider, nativeEvent, tool string, payload map[string]any) (map[string]any, error) {
	bridge, err := LookupBridge(provider)
	if err != nil {
		return nil, err
	}
	unified, ok := bridge.UnifyEvent(nativeEvent)
	if !ok {
		return bridge.NativeDecision(Allowed()), nil
	}

	d := e.Dispatch(ctx, Invocation{
		Type:     TypeAgent,
		Event:    unified,
		Provider: provider,
		Tool:     tool,
		Payload:  payload,
	})
	return bridge.NativeDecision(d), nil
}
