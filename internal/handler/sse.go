package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/mocktest/internal/session"
)

const keepaliveInterval = 15 * time.Second

// handleEvents streams session events to the agent as server-sent events.
// The first event is a snapshot of the current session. The stream ends with
// a "closed" event when the agent's controller is closed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID := agentFromCtx(r.Context())
	c := h.agents.Get(agentID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	events := make(chan session.Event, 64)
	unsubscribe := c.Subscribe(func(e session.Event) {
		select {
		case events <- e:
		default:
			slog.Debug("dropping event for slow client", "agent", agentID, "kind", e.Kind)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSEJSON(w, "snapshot", newSessionView(c.Snapshot())); err != nil {
		slog.Warn("failed to write SSE snapshot", "agent", agentID, "error", err)
		return
	}
	flusher.Flush()
	slog.Debug("SSE connection established", "agent", agentID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE connection closed", "agent", agentID)
			return
		case <-c.Done():
			slog.Debug("session closed, ending SSE stream", "agent", agentID)
			if err := writeSSE(w, "closed", `{"status":"closed"}`); err == nil {
				flusher.Flush()
			}
			return
		case e := <-events:
			if err := writeSSEJSON(w, string(e.Kind), e); err != nil {
				slog.Warn("failed to write SSE event", "agent", agentID, "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			h.agents.Touch(agentID)
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSE(w, event, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
