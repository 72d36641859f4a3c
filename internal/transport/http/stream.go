package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamKeepAlive = 15 * time.Second

// stream serves the push transport as server-sent events. The first frame is
// the participant's full client state; every frame after that is the same
// state snapshot a poller would read, so the two transports never diverge.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		badRequest(w, "streaming unsupported")
		return
	}
	sessionID := r.PathValue("id")
	participantID := r.URL.Query().Get("participantId")
	if participantID == "" {
		badRequest(w, "participantId is required")
		return
	}
	// A stream attach with a registered connection id counts as a heartbeat:
	// ownership is verified and liveness refreshed before any frame is sent.
	if connectionID := r.URL.Query().Get("connectionId"); connectionID != "" {
		if _, err := h.registry.Heartbeat(r.Context(), sessionID, participantID, connectionID, 0); err != nil {
			h.writeError(w, err)
			return
		}
	}

	updates, cancel, err := h.sessions.Subscribe(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cancel()

	state, err := h.sessions.ClientState(r.Context(), sessionID, participantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, "state", state); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-updates:
			if !open {
				return
			}
			if err := writeEvent(w, "state", snap); err != nil {
				h.log.Debug().Err(err).Str("sessionId", sessionID).Msg("stream write failed, closing")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
