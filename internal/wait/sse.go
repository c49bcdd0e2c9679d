package wait

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// sseKeepAlive is the period of comment frames keeping idle
// connections open through proxies.
const sseKeepAlive = 30 * time.Second

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	l, ok := s.attach(w, r, false)
	if !ok {
		return
	}
	defer s.hub.Unregister(l)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(zap.String("connID", l.connID))
	logger.Debug("sse client connected", zap.String("remote_addr", r.RemoteAddr))

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("sse client disconnected")
			return
		case <-l.dropped:
			logger.Debug("sse listener dropped, buffer full")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case parts := <-l.send:
			for _, p := range parts {
				data, err := EncodePartJSON(p)
				if err != nil {
					logger.Error("failed to encode part", zap.Error(err))
					return
				}
				if _, err := fmt.Fprintf(w, "event: data\nid: %s\ndata: %s\n\n", p.MaxCursor(), data); err != nil {
					logger.Debug("failed to write to client", zap.Error(err))
					return
				}
			}
			flusher.Flush()
		}
	}
}
