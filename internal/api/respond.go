package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"spacebook/internal/booking"
	"spacebook/internal/model"
	"spacebook/internal/templates"
)

// DateLayout is the calendar day format used when booking a template.
const DateLayout = "2006-01-02"

type intervalDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func toIntervalDTO(i model.Interval) intervalDTO {
	return intervalDTO{Start: model.FormatTimestamp(i.Start), End: model.FormatTimestamp(i.End)}
}

type reservationDTO struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Space        string `json:"space"`
	Start        string `json:"start"`
	End          string `json:"end"`
	ContactEmail string `json:"contactEmail"`
	Status       string `json:"status"`
}

func toReservationDTO(r *model.Reservation) reservationDTO {
	return reservationDTO{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Space:        string(r.Space),
		Start:        model.FormatTimestamp(r.Interval.Start),
		End:          model.FormatTimestamp(r.Interval.End),
		ContactEmail: r.ContactEmail,
		Status:       string(r.Status),
	}
}

func toReservationDTOs(rs []*model.Reservation) []reservationDTO {
	booking.SortByStart(rs)
	out := make([]reservationDTO, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReservationDTO(r))
	}
	return out
}

func toTemplateDTOs(ts []*model.Template) []*model.Template {
	if ts == nil {
		return []*model.Template{}
	}
	return ts
}

type createReservationRequest struct {
	Space        string `json:"space"`
	Start        string `json:"start"`
	End          string `json:"end"`
	ContactEmail string `json:"contactEmail"`
}

type editReservationRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type saveTemplateRequest struct {
	Name  string `json:"name"`
	Space string `json:"space"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type bookTemplateRequest struct {
	Date         string `json:"date"`
	ContactEmail string `json:"contactEmail"`
}

type errorResponse struct {
	Error    string       `json:"error"`
	Field    string       `json:"field,omitempty"`
	Blocking *intervalDTO `json:"blocking,omitempty"`
	Partial  bool         `json:"partial,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// errorStatus maps a service error to a response.
func errorStatus(err error) (int, errorResponse) {
	var (
		validation *booking.ValidationError
		conflict   *booking.ConflictError
		partial    *booking.PartialUpdateError
		store      *booking.StoreError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorResponse{Error: validation.Error(), Field: validation.Field}
	case errors.As(err, &conflict):
		blocking := toIntervalDTO(conflict.Blocking)
		return http.StatusConflict, errorResponse{Error: conflict.Error(), Blocking: &blocking}
	case errors.Is(err, booking.ErrReservationNotFound):
		return http.StatusNotFound, errorResponse{Error: "reservation not found"}
	case errors.Is(err, templates.ErrTemplateNotFound):
		return http.StatusNotFound, errorResponse{Error: "template not found"}
	case errors.As(err, &partial):
		return http.StatusInternalServerError, errorResponse{Error: "reservation was only partially updated", Partial: true}
	case errors.As(err, &store):
		return http.StatusInternalServerError, errorResponse{Error: store.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	event := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(r.Context()).Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

func parseTimestampField(field, value string) (time.Time, error) {
	t, err := model.ParseTimestamp(value)
	if err != nil {
		return time.Time{}, &booking.ValidationError{Field: field, Reason: "expected " + model.TimestampLayout}
	}
	return t, nil
}

func parseInterval(start, end string) (model.Interval, error) {
	s, err := parseTimestampField("start", start)
	if err != nil {
		return model.Interval{}, err
	}
	e, err := parseTimestampField("end", end)
	if err != nil {
		return model.Interval{}, err
	}
	return model.NewInterval(s, e), nil
}
