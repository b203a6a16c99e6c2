package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"spacebook/internal/events"
	"spacebook/internal/ledger"
)

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, err
	}
	return &sseWriter{w: w, rc: rc}, nil
}

func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// pumpFeed forwards every snapshot of feed until ctx ends or the feed
// closes. Snapshot read failures are reported as "error" events and the
// stream continues.
func pumpFeed[T, D any](ctx context.Context, sse *sseWriter, feed *ledger.Feed[T], event string, convert func([]T) D, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return err
			}
		case u, ok := <-feed.Updates():
			if !ok {
				if err := feed.Err(); err != nil {
					_ = sse.send("error", errorResponse{Error: "live view closed"})
					return err
				}
				return nil
			}
			if u.Err != nil {
				_, body := errorStatus(u.Err)
				if err := sse.send("error", body); err != nil {
					return err
				}
				continue
			}
			if err := sse.send(event, convert(u.Items)); err != nil {
				return err
			}
		}
	}
}

// streamReservations handles GET /v1/reservations/stream. The stream ends
// on disconnect or when the caller's session ends.
func (s *Server) streamReservations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	ctx, done := s.sessions.Begin(r.Context(), user.ID)
	defer done()

	feed, err := s.bookings.ListActiveForOwner(ctx, user.ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer feed.Close()

	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err := pumpFeed(ctx, sse, feed, "reservations", toReservationDTOs, s.keepAlive); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("reservation stream ended")
	}
}

// streamTemplates handles GET /v1/templates/stream.
func (s *Server) streamTemplates(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	ctx, done := s.sessions.Begin(r.Context(), user.ID)
	defer done()

	feed, err := s.templates.ListForOwner(ctx, user.ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer feed.Close()

	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err := pumpFeed(ctx, sse, feed, "templates", toTemplateDTOs, s.keepAlive); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("template stream ended")
	}
}

// streamNotifications handles GET /v1/notifications/stream: one "reminder"
// event per reminder delivered to the caller.
func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	ctx, done := s.sessions.Begin(r.Context(), user.ID)
	defer done()

	fired := make(chan json.RawMessage, 16)
	unsubscribe := s.bus.Subscribe(events.TypeReminderFired, func(e events.Event) error {
		if e.Topic != user.ID {
			return nil
		}
		select {
		case fired <- json.RawMessage(e.Payload):
		default:
			zerolog.Ctx(ctx).Warn().Str("reminder_id", e.Key).Msg("notification dropped, client too slow")
		}
		return nil
	})
	defer unsubscribe()

	sse, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case payload := <-fired:
			if err := sse.send("reminder", payload); err != nil {
				return
			}
		}
	}
}
