package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// tailReadings streams every decoded reading as a server-sent event.
func (s *Server) tailReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.m.Subscribe()
	defer s.m.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case sample, ok := <-c:
			if !ok {
				// meter stopped
				return
			}
			payload, err := json.Marshal(sample)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: reading\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
