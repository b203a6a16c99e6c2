package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spacebook/internal/identity"
)

// requestLogger attaches a request-scoped logger, retrievable with
// zerolog.Ctx, and writes one access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := s.logger.With().Str("request_id", reqID).Logger()
		ctx := logger.WithContext(r.Context())

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		zerolog.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

// authenticate resolves the caller through the user directory.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := s.directory.Get(r.Context(), id)
		if errors.Is(err, identity.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("user_id", id).Msg("user lookup failed")
			writeError(w, http.StatusInternalServerError, "user lookup failed")
			return
		}

		logger := zerolog.Ctx(r.Context()).With().Str("user_id", user.ID).Logger()
		ctx := identity.WithUser(logger.WithContext(r.Context()), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser is only called behind authenticate.
func currentUser(r *http.Request) *identity.User {
	u, _ := identity.CurrentUser(r.Context())
	return u
}
