package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseBuffer = 64

// sseHandler streams coordinator events as server-sent events. A client that
// falls behind is disconnected by the bus and should reconnect.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Events == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream not available")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		client, unsubscribe := s.opts.Events.Subscribe(sseBuffer)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case event, ok := <-client:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					s.logger.Warn("encode event", "kind", event.Kind, "err", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Kind)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
