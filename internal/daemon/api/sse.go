package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/log"
)

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 30 * time.Second

// eventFrame is the SSE data payload for one bus envelope.
type eventFrame struct {
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// StreamEvents streams the event bus as SSE. `?streams=events,log` adds
// the daemon's rendered log lines as `log` events.
// GET /api/v1/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", nil)
		return
	}

	wantLog := false
	if streams := r.URL.Query().Get("streams"); streams != "" {
		for _, s := range strings.Split(streams, ",") {
			if strings.TrimSpace(s) == "log" {
				wantLog = true
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ctx := r.Context()
	sub := h.bus.Subscribe(ctx)
	var logSub <-chan log.LogEvent
	if wantLog {
		logSub = log.Subscribe(ctx)
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case env, ok := <-sub:
			if !ok {
				return
			}
			writeFrame(w, string(env.Type), envelopeFrame(env))
			flusher.Flush()
		case line, ok := <-logSub:
			if !ok {
				logSub = nil
				continue
			}
			writeFrame(w, "log", map[string]string{"line": line.Payload})
			flusher.Flush()
		}
	}
}

func envelopeFrame(env events.Envelope) eventFrame {
	frame := eventFrame{
		Type:          string(env.Type),
		CorrelationID: env.CorrelationID,
		Timestamp:     env.Timestamp,
	}
	if env.Payload != nil {
		frame.Fields = env.Payload.Fields()
	}
	return frame
}

func writeFrame(w http.ResponseWriter, event string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		log.Error(log.CatHTTP, "failed to marshal sse frame", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
}
