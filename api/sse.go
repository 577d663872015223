package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iv-ingestion/ingest/types"
)

// keepAliveInterval paces SSE comment frames so intermediaries keep
// idle streams open.
const keepAliveInterval = 15 * time.Second

// streamEvents serves the live event feed as server-sent events. The
// optional "filter" query narrows delivery to a wildcard pattern
// ("processing.*"); the default streams everything. A slow consumer
// loses oldest events rather than stalling publishers.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, types.CodeInternal,
			"streaming unsupported", nil)
		return
	}
	pattern := r.URL.Query().Get("filter")
	if pattern == "" {
		pattern = "*"
	}

	sub := s.deps.Bus.SubscribeChan(pattern)
	defer sub.Cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			body, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, body)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
