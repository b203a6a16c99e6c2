// Package api exposes reservations and templates over HTTP with JSON bodies
// and server-sent event streams for live views.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"spacebook/internal/booking"
	"spacebook/internal/events"
	"spacebook/internal/identity"
	"spacebook/internal/model"
	"spacebook/internal/session"
	"spacebook/internal/templates"
)

// UserHeader carries the authenticated user id. Authentication itself
// happens upstream.
const UserHeader = "X-User-ID"

// Deps are the services behind the API.
type Deps struct {
	Bookings  *booking.Manager
	Templates *templates.Store
	Directory *identity.Directory
	Sessions  *session.Manager
	Bus       *events.EventBus
	Clock     model.Clock
}

type Server struct {
	bookings  *booking.Manager
	templates *templates.Store
	directory *identity.Directory
	sessions  *session.Manager
	bus       *events.EventBus
	clock     model.Clock
	logger    zerolog.Logger

	keepAlive time.Duration
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Server{
		bookings:  deps.Bookings,
		templates: deps.Templates,
		directory: deps.Directory,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		clock:     clock,
		logger:    logger.With().Str("component", "api").Logger(),
		keepAlive: 15 * time.Second,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/spaces", s.listSpaces)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/reservations", func(r chi.Router) {
				r.Post("/", s.createReservation)
				r.Get("/", s.listReservations)
				r.Get("/stream", s.streamReservations)
				r.Get("/export.xlsx", s.exportReservations)
				r.Get("/{id}", s.getReservation)
				r.Patch("/{id}", s.editReservation)
				r.Post("/{id}/cancel", s.cancelReservation)
				r.Post("/{id}/template", s.saveTemplateFromReservation)
			})

			r.Route("/templates", func(r chi.Router) {
				r.Post("/", s.saveTemplate)
				r.Get("/", s.listTemplates)
				r.Get("/stream", s.streamTemplates)
				r.Post("/{id}/book", s.bookTemplate)
			})

			r.Get("/me", s.getProfile)
			r.Patch("/me", s.updateProfile)
			r.Get("/notifications/stream", s.streamNotifications)
			r.Post("/session/logout", s.logout)
		})
	})

	return r
}

func (s *Server) listSpaces(w http.ResponseWriter, r *http.Request) {
	names := make([]string, len(model.Spaces))
	for i, sp := range model.Spaces {
		names[i] = string(sp)
	}
	writeJSON(w, http.StatusOK, names)
}

type profileUpdateRequest struct {
	DisplayName    *string `json:"displayName"`
	TelegramChatID *int64  `json:"telegramChatId"`
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// updateProfile handles PATCH /v1/me. Linking a Telegram chat enables
// reminder delivery there.
func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	u := *currentUser(r)
	if req.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.TelegramChatID != nil {
		u.TelegramChatID = *req.TelegramChatID
	}
	if err := s.directory.Put(r.Context(), &u); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &u)
}

// logout ends the caller's session: live streams close and pending
// reminders are retracted.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := s.sessions.End(r.Context(), user.ID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
