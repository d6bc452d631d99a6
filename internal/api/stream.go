package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/job"
)

// stream handles a status stream over Server-Sent Events. The current
// snapshot is replayed first, live updates follow, and the connection closes
// once the job reaches a terminal phase. Clients that reconnect get the full
// current state again, so resuming is just re-requesting the stream.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, kind job.Kind, key string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session, err := s.reg.Subscribe(kind, key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer session.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	logger := s.logger.With(zap.String("kind", string(kind)), zap.String("key", key))
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("stream client disconnected")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				logger.Debug("stream heartbeat failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case rec, open := <-session.C():
			if !open {
				// Terminal event delivered; the stream is complete.
				return
			}
			if err := writeEvent(w, rec); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rec job.Record) error {
	data, err := json.Marshal(toStatusDTO(rec))
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write status event: %w", err)
	}
	return nil
}
