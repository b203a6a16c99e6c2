package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"spacebook/internal/booking"
	"spacebook/internal/model"
	"spacebook/internal/templates"
)

// saveTemplate handles POST /v1/templates.
func (s *Server) saveTemplate(w http.ResponseWriter, r *http.Request) {
	var req saveTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	space, err := model.ParseSpace(req.Space)
	if err != nil {
		s.writeFailure(w, r, &booking.ValidationError{Field: "space", Reason: err.Error()})
		return
	}
	start, err := model.ParseTimeOfDay(req.Start)
	if err != nil {
		s.writeFailure(w, r, &booking.ValidationError{Field: "start", Reason: "expected HH:MM"})
		return
	}
	end, err := model.ParseTimeOfDay(req.End)
	if err != nil {
		s.writeFailure(w, r, &booking.ValidationError{Field: "end", Reason: "expected HH:MM"})
		return
	}

	t, err := s.templates.Save(r.Context(), currentUser(r).ID, req.Name, space, start, end)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// listTemplates handles GET /v1/templates.
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.templates.ForOwner(r.Context(), currentUser(r).ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTemplateDTOs(list))
}

// bookTemplate handles POST /v1/templates/{id}/book. The template is placed
// on the requested day and booked like any other request.
func (s *Server) bookTemplate(w http.ResponseWriter, r *http.Request) {
	var req bookTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(req.Date), time.Local)
	if err != nil {
		s.writeFailure(w, r, &booking.ValidationError{Field: "date", Reason: "expected " + DateLayout})
		return
	}

	user := currentUser(r)
	t, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if t.OwnerID != user.ID {
		s.writeFailure(w, r, templates.ErrTemplateNotFound)
		return
	}

	email := req.ContactEmail
	if strings.TrimSpace(email) == "" {
		email = user.Email
	}

	res, err := s.bookings.Create(r.Context(), user.ID, t.Space, templates.Instantiate(t, day), email)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}
