package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Stream handles Server-Sent Events for security events (replay detections, mass revocations).
// Recent events are replayed first.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.events.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	for _, evt := range a.events.Recent() {
		writeEvent(w, evt.Type, evt)
	}
	flusher.Flush()

	for evt := range ch {
		writeEvent(w, evt.Type, evt)
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}
