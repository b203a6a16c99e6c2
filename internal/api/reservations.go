package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"spacebook/internal/booking"
	"spacebook/internal/model"
	"spacebook/shared/audit"
)

// createReservation handles POST /v1/reservations.
func (s *Server) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	space, err := model.ParseSpace(req.Space)
	if err != nil {
		s.writeFailure(w, r, &booking.ValidationError{Field: "space", Reason: err.Error()})
		return
	}
	interval, err := parseInterval(req.Start, req.End)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res, err := s.bookings.Create(r.Context(), currentUser(r).ID, space, interval, req.ContactEmail)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(res))
}

// listReservations handles GET /v1/reservations.
func (s *Server) listReservations(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ActiveForOwner(r.Context(), currentUser(r).ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(list))
}

// ownedReservation loads id and hides reservations of other users.
func (s *Server) ownedReservation(r *http.Request) (*model.Reservation, error) {
	res, err := s.bookings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if res.OwnerID != currentUser(r).ID {
		return nil, booking.ErrReservationNotFound
	}
	return res, nil
}

// getReservation handles GET /v1/reservations/{id}.
func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.ownedReservation(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// editReservation handles PATCH /v1/reservations/{id}.
func (s *Server) editReservation(w http.ResponseWriter, r *http.Request) {
	var req editReservationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	interval, err := parseInterval(req.Start, req.End)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res, err := s.ownedReservation(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	updated, err := s.bookings.Edit(r.Context(), res.ID, interval)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(updated))
}

// cancelReservation handles POST /v1/reservations/{id}/cancel.
func (s *Server) cancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.ownedReservation(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.bookings.Cancel(r.Context(), res.ID); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res.Status = model.StatusCancelled
	writeJSON(w, http.StatusOK, toReservationDTO(res))
}

// saveTemplateFromReservation handles POST /v1/reservations/{id}/template.
func (s *Server) saveTemplateFromReservation(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.ownedReservation(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	t, err := s.templates.SaveFromReservation(r.Context(), req.Name, res)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// exportReservations handles GET /v1/reservations/export.xlsx.
func (s *Server) exportReservations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	list, err := s.bookings.ActiveForOwner(r.Context(), user.ID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := audit.ExportReservations(&buf, list); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", audit.GenerateFilename(user.ID, s.clock.Now())))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
