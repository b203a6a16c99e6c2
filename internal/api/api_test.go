package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"spacebook/internal/booking"
	"spacebook/internal/events"
	"spacebook/internal/identity"
	"spacebook/internal/ledger"
	"spacebook/internal/lock"
	"spacebook/internal/model"
	"spacebook/internal/session"
	"spacebook/internal/templates"
)

var now = time.Date(2030, 5, 20, 8, 0, 0, 0, time.Local)

type fixture struct {
	bus      *events.EventBus
	bookings *booking.Manager
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewEventBus()
	l := ledger.NewMemory(bus)
	clock := model.FixedClock{At: now}

	dir := identity.NewDirectory(l, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, dir.Put(ctx, &identity.User{ID: "ann", Email: "ann@example.com", DisplayName: "Ann"}))
	require.NoError(t, dir.Put(ctx, &identity.User{ID: "bob", Email: "bob@example.com", DisplayName: "Bob"}))

	bookings := booking.NewManager(l, lock.NewLocal(), nil, clock, zerolog.Nop())
	srv := NewServer(Deps{
		Bookings:  bookings,
		Templates: templates.NewStore(l, zerolog.Nop()),
		Directory: dir,
		Sessions:  session.NewManager(nil, zerolog.Nop()),
		Bus:       bus,
		Clock:     clock,
	}, zerolog.Nop())

	return &fixture{bus: bus, bookings: bookings, handler: srv.Routes()}
}

func (f *fixture) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) book(t *testing.T, user, space, start, end string) reservationDTO {
	t.Helper()
	rec := f.do(t, user, http.MethodPost, "/v1/reservations", createReservationRequest{
		Space: space, Start: start, End: end, ContactEmail: user + "@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[reservationDTO](t, rec)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "", http.MethodGet, "/v1/reservations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "mallory", http.MethodGet, "/v1/reservations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "", http.MethodGet, "/v1/spaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Conference Room", "Meeting Room", "Event Hall", "Study Room"}, decode[[]string](t, rec))
}

func TestCreateAndGetReservation(t *testing.T) {
	f := newFixture(t)

	res := f.book(t, "ann", "meeting room", "2030-05-20 09:00", "2030-05-20 10:00")
	assert.Equal(t, "Meeting Room", res.Space)
	assert.Equal(t, "2030-05-20 09:00", res.Start)
	assert.Equal(t, "confirmed", res.Status)
	assert.Equal(t, "ann", res.OwnerID)

	rec := f.do(t, "ann", http.MethodGet, "/v1/reservations/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, res, decode[reservationDTO](t, rec))

	rec = f.do(t, "bob", http.MethodGet, "/v1/reservations/"+res.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "ann", http.MethodGet, "/v1/reservations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConflict(t *testing.T) {
	f := newFixture(t)
	f.book(t, "ann", "Event Hall", "2030-05-20 09:00", "2030-05-20 11:00")

	rec := f.do(t, "bob", http.MethodPost, "/v1/reservations", createReservationRequest{
		Space: "Event Hall", Start: "2030-05-20 10:00", End: "2030-05-20 12:00", ContactEmail: "bob@example.com",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorResponse](t, rec)
	require.NotNil(t, body.Blocking)
	assert.Equal(t, "2030-05-20 09:00", body.Blocking.Start)
	assert.Equal(t, "2030-05-20 11:00", body.Blocking.End)

	// touching intervals do not conflict
	f.book(t, "bob", "Event Hall", "2030-05-20 11:00", "2030-05-20 12:00")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name  string
		req   createReservationRequest
		field string
	}{
		{"bad start", createReservationRequest{Space: "Study Room", Start: "tomorrow", End: "2030-05-20 10:00", ContactEmail: "a@b.co"}, "start"},
		{"unknown space", createReservationRequest{Space: "Roof", Start: "2030-05-20 09:00", End: "2030-05-20 10:00", ContactEmail: "a@b.co"}, "space"},
		{"end before start", createReservationRequest{Space: "Study Room", Start: "2030-05-20 10:00", End: "2030-05-20 09:00", ContactEmail: "a@b.co"}, "interval"},
		{"in the past", createReservationRequest{Space: "Study Room", Start: "2030-05-20 07:00", End: "2030-05-20 09:00", ContactEmail: "a@b.co"}, "start"},
		{"bad email", createReservationRequest{Space: "Study Room", Start: "2030-05-20 09:00", End: "2030-05-20 10:00", ContactEmail: "nope"}, "contactEmail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, "ann", http.MethodPost, "/v1/reservations", tc.req)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.field, decode[errorResponse](t, rec).Field)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", strings.NewReader(`{"space":`))
	req.Header.Set(UserHeader, "ann")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditReservation(t *testing.T) {
	f := newFixture(t)
	res := f.book(t, "ann", "Conference Room", "2030-05-20 09:00", "2030-05-20 10:00")
	f.book(t, "bob", "Conference Room", "2030-05-20 13:00", "2030-05-20 14:00")

	rec := f.do(t, "ann", http.MethodPatch, "/v1/reservations/"+res.ID, editReservationRequest{
		Start: "2030-05-20 10:00", End: "2030-05-20 12:00",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[reservationDTO](t, rec)
	assert.Equal(t, "2030-05-20 10:00", edited.Start)
	assert.Equal(t, "2030-05-20 12:00", edited.End)

	rec = f.do(t, "ann", http.MethodPatch, "/v1/reservations/"+res.ID, editReservationRequest{
		Start: "2030-05-20 12:30", End: "2030-05-20 13:30",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "bob", http.MethodPatch, "/v1/reservations/"+res.ID, editReservationRequest{
		Start: "2030-05-20 15:00", End: "2030-05-20 16:00",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelReservation(t *testing.T) {
	f := newFixture(t)
	res := f.book(t, "ann", "Study Room", "2030-05-20 09:00", "2030-05-20 10:00")

	rec := f.do(t, "bob", http.MethodPost, "/v1/reservations/"+res.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "ann", http.MethodPost, "/v1/reservations/"+res.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[reservationDTO](t, rec).Status)

	rec = f.do(t, "ann", http.MethodGet, "/v1/reservations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]reservationDTO](t, rec))

	// the slot is free again
	f.book(t, "bob", "Study Room", "2030-05-20 09:00", "2030-05-20 10:00")
}

func TestListReservationsOrderedByStart(t *testing.T) {
	f := newFixture(t)
	late := f.book(t, "ann", "Study Room", "2030-05-21 09:00", "2030-05-21 10:00")
	early := f.book(t, "ann", "Event Hall", "2030-05-20 09:00", "2030-05-20 10:00")
	f.book(t, "bob", "Meeting Room", "2030-05-20 09:00", "2030-05-20 10:00")

	rec := f.do(t, "ann", http.MethodGet, "/v1/reservations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]reservationDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, early.ID, list[0].ID)
	assert.Equal(t, late.ID, list[1].ID)
}

func TestTemplateFlow(t *testing.T) {
	f := newFixture(t)
	res := f.book(t, "ann", "Meeting Room", "2030-05-20 09:00", "2030-05-20 10:30")

	rec := f.do(t, "ann", http.MethodPost, "/v1/reservations/"+res.ID+"/template", nameRequest{Name: "standup"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tpl := decode[model.Template](t, rec)
	assert.Equal(t, "standup", tpl.Name)
	assert.Equal(t, "09:00", tpl.Start.String())
	assert.Equal(t, "10:30", tpl.End.String())

	rec = f.do(t, "ann", http.MethodPost, "/v1/templates/"+tpl.ID+"/book", bookTemplateRequest{Date: "2030-05-22"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	booked := decode[reservationDTO](t, rec)
	assert.Equal(t, "2030-05-22 09:00", booked.Start)
	assert.Equal(t, "2030-05-22 10:30", booked.End)
	assert.Equal(t, "ann@example.com", booked.ContactEmail)

	// same day again goes through the conflict check
	rec = f.do(t, "ann", http.MethodPost, "/v1/templates/"+tpl.ID+"/book", bookTemplateRequest{Date: "2030-05-22"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "bob", http.MethodPost, "/v1/templates/"+tpl.ID+"/book", bookTemplateRequest{Date: "2030-05-23"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "ann", http.MethodPost, "/v1/templates/"+tpl.ID+"/book", bookTemplateRequest{Date: "22.05.2030"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "ann", http.MethodGet, "/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Template](t, rec), 1)

	rec = f.do(t, "bob", http.MethodGet, "/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]model.Template](t, rec))
}

func TestSaveTemplate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "ann", http.MethodPost, "/v1/templates", saveTemplateRequest{
		Name: "review", Space: "event hall", Start: "14:00", End: "15:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, model.SpaceEventHall, decode[model.Template](t, rec).Space)

	rec = f.do(t, "ann", http.MethodPost, "/v1/templates", saveTemplateRequest{
		Name: "  ", Space: "Event Hall", Start: "14:00", End: "15:00",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decode[errorResponse](t, rec).Field)

	rec = f.do(t, "ann", http.MethodPost, "/v1/templates", saveTemplateRequest{
		Name: "late", Space: "Event Hall", Start: "25:00", End: "15:00",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start", decode[errorResponse](t, rec).Field)
}

func TestExportReservations(t *testing.T) {
	f := newFixture(t)
	f.book(t, "ann", "Meeting Room", "2030-05-20 09:00", "2030-05-20 10:00")

	rec := f.do(t, "ann", http.MethodGet, "/v1/reservations/export.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "reservations_ann_2030-05-20.xlsx")

	wb, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Meeting Room")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestProfile(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "ann", http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ann", decode[identity.User](t, rec).DisplayName)

	chat := int64(4242)
	rec = f.do(t, "ann", http.MethodPatch, "/v1/me", profileUpdateRequest{TelegramChatID: &chat})
	require.Equal(t, http.StatusOK, rec.Code)
	u := decode[identity.User](t, rec)
	assert.Equal(t, chat, u.TelegramChatID)
	assert.Equal(t, "Ann", u.DisplayName)
	assert.Equal(t, "ann@example.com", u.Email)

	rec = f.do(t, "ann", http.MethodGet, "/v1/me", nil)
	assert.Equal(t, chat, decode[identity.User](t, rec).TelegramChatID)
}

func TestErrorStatus(t *testing.T) {
	status, body := errorStatus(&booking.PartialUpdateError{ReservationID: "b1", Written: []string{"startTime"}, Failed: "endTime", Err: errors.New("down")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.True(t, body.Partial)

	status, body = errorStatus(&booking.StoreError{Op: "create reservation", Err: errors.New("down")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.False(t, body.Partial)
	assert.Equal(t, "create reservation: ledger failure: down", body.Error)

	status, _ = errorStatus(templates.ErrTemplateNotFound)
	assert.Equal(t, http.StatusNotFound, status)
}

// sseReader reads server-sent events from a live response.
type sseReader struct {
	r *bufio.Reader
}

func (s *sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, user, path string) (*sseReader, *http.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, user)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseReader{r: bufio.NewReader(resp.Body)}, resp
}

func TestReservationStreamEndsOnLogout(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	stream, resp := openStream(t, srv, "ann", "/v1/reservations/stream")

	event, data := stream.next(t)
	assert.Equal(t, "reservations", event)
	assert.Equal(t, "[]", data)

	_, err := f.bookings.Create(context.Background(), "ann", model.SpaceStudyRoom,
		model.Interval{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}, "ann@example.com")
	require.NoError(t, err)

	// snapshots coalesce; read until the new reservation shows up
	var list []reservationDTO
	for i := 0; i < 5 && len(list) == 0; i++ {
		event, data = stream.next(t)
		require.Equal(t, "reservations", event)
		require.NoError(t, json.Unmarshal([]byte(data), &list))
	}
	require.Len(t, list, 1)
	assert.Equal(t, "Study Room", list[0].Space)

	rec := f.do(t, "ann", http.MethodPost, "/v1/session/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err, "stream should end cleanly after logout")
}

func TestNotificationStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	stream, _ := openStream(t, srv, "ann", "/v1/notifications/stream")

	f.bus.Publish(events.Event{Type: events.TypeReminderFired, Topic: "bob", Key: "x", Payload: []byte(`{"reservationId":"x"}`)})
	f.bus.Publish(events.Event{Type: events.TypeReminderFired, Topic: "ann", Key: "b1", Payload: []byte(`{"reservationId":"b1"}`)})

	event, data := stream.next(t)
	assert.Equal(t, "reminder", event)
	assert.JSONEq(t, `{"reservationId":"b1"}`, data)
}
