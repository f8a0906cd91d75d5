package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// handleEvents streams a session's events as Server-Sent Events. Events
// emitted before the client connected are replayed first; the stream ends
// after the finished event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("clear write deadline failed", zap.Error(err))
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	replay, sub := s.stream.Subscribe(id)
	defer sub.Close()
	for _, evt := range replay {
		if err := writeEvent(w, evt); err != nil {
			return
		}
		if evt.Kind == progress.KindFinished {
			_ = rc.Flush()
			return
		}
	}
	if err := rc.Flush(); err != nil {
		s.logger.Debug("flush event stream failed", zap.Error(err))
	}

	// A finished session whose finished event is still in flight gets a
	// short grace period before one is synthesized from the registry.
	var settle <-chan time.Time
	if info.State.Terminal() {
		timer := time.NewTimer(s.settle)
		defer timer.Stop()
		settle = timer.C
	}
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					s.logger.Warn("event subscriber lagged", zap.String("session_id", id))
					_, _ = fmt.Fprint(w, ": lagged\n\n")
					_ = rc.Flush()
				}
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			_ = rc.Flush()
			if evt.Kind == progress.KindFinished {
				return
			}
		case <-settle:
			latest, err := s.sessions.Get(id)
			if err != nil {
				return
			}
			_ = writeEvent(w, progress.Event{
				SessionID: id,
				TS:        time.Now().UTC(),
				Kind:      progress.KindFinished,
				State:     latest.State,
			})
			_ = rc.Flush()
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(evt.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Kind, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
		return fmt.Errorf("write %s event: %w", evt.Kind, err)
	}
	return nil
}
