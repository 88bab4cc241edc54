// Package stream encodes agent events as server-sent events for the HTTP
// facade.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentd/agent"
)

// HeartbeatInterval is how often a keepalive ping is written between
// events so proxies do not cut an idle stream.
const HeartbeatInterval = 500 * time.Millisecond

// Encode renders one agent event as the wire JSON payload.
func Encode(ev agent.Event) ([]byte, error) {
	switch {
	case ev.Message != nil:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message any    `json:"message"`
		}{"Message", ev.Message})
	case ev.Permission != nil:
		return json.Marshal(struct {
			Type       string `json:"type"`
			Permission any    `json:"permission"`
		}{"Permission", ev.Permission})
	case ev.Err != nil:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}{"Error", ev.Err.Error()})
	case ev.Finish != nil:
		return json.Marshal(struct {
			Type   string `json:"type"`
			Finish any    `json:"finish"`
		}{"Finish", ev.Finish})
	default:
		return nil, fmt.Errorf("event has no payload")
	}
}

// ServeSSE writes events to w as SSE data frames until the channel closes
// or the client goes away. It returns once the stream ends.
func ServeSSE(w http.ResponseWriter, r *http.Request, events <-chan agent.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := Encode(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
