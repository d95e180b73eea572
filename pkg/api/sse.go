package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams control-plane events via SSE.
// Supports ?type= filter (comma-separated event types, case-insensitive).
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	eb := s.svc.EventBuffer()
	if eb == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	types := parseTypes(r.URL.Query().Get("type"))

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sub := eb.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if len(types) > 0 && !types[strings.ToUpper(rec.Type)] {
				continue
			}
			seq++
			data, err := json.Marshal(eventEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), strings.ToLower(rec.Type), string(data))
		}
	}
}

// parseTypes parses a comma-separated event type list. Empty means all.
func parseTypes(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[strings.ToUpper(t)] = true
		}
	}
	return out
}
