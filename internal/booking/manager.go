package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spacebook/internal/ledger"
	"spacebook/internal/lock"
	"spacebook/internal/metrics"
	"spacebook/internal/model"
)

// ReminderScheduler arms and retracts the reminder of a reservation.
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, r *model.Reservation) error
	Cancel(ctx context.Context, reservationID string) error
}

// ReservationFeed is the live view returned by ListActiveForOwner.
type ReservationFeed = ledger.Feed[*model.Reservation]

// Manager owns the reservation lifecycle: create, edit, cancel and the
// per-owner live listing.
type Manager struct {
	ledger    ledger.Ledger
	detector  *Detector
	locker    lock.Locker
	reminders ReminderScheduler
	clock     model.Clock
	logger    zerolog.Logger
}

func NewManager(
	l ledger.Ledger,
	locker lock.Locker,
	reminders ReminderScheduler,
	clock model.Clock,
	logger zerolog.Logger,
) *Manager {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Manager{
		ledger:    l,
		detector:  NewDetector(l, logger),
		locker:    locker,
		reminders: reminders,
		clock:     clock,
		logger:    logger.With().Str("component", "booking").Logger(),
	}
}

// Create books space for interval on behalf of owner.
func (m *Manager) Create(ctx context.Context, owner string, space model.Space, interval model.Interval, contactEmail string) (*model.Reservation, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &ValidationError{Field: "owner", Reason: "not authenticated"}
	}
	if !space.Valid() {
		return nil, &ValidationError{Field: "space", Reason: fmt.Sprintf("unknown space %q", space)}
	}
	interval = model.NewInterval(interval.Start, interval.End)
	if err := m.validateInterval(interval); err != nil {
		return nil, err
	}
	email, err := validateEmail(contactEmail)
	if err != nil {
		return nil, err
	}

	unlock, err := m.lockSpace(ctx, space)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := m.detector.CheckConflict(ctx, interval, space, "")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		metrics.IncBookingConflict(string(space), "create")
		return nil, &ConflictError{Space: space, Blocking: *result.Blocking, ReservationID: result.BlockingID}
	}

	r := &model.Reservation{
		ID:           m.ledger.NewID(),
		OwnerID:      owner,
		Space:        space,
		Interval:     interval,
		ContactEmail: email,
		Status:       model.StatusConfirmed,
	}
	if err := m.ledger.Put(ctx, model.CollectionBookings, r.ID, r.Record()); err != nil {
		return nil, &StoreError{Op: "create reservation", Err: err}
	}

	metrics.IncBookingCreated(string(space))
	m.logger.Info().
		Str("reservation_id", r.ID).
		Str("owner", owner).
		Str("space", string(space)).
		Str("interval", interval.String()).
		Msg("reservation created")

	m.scheduleReminder(ctx, r)
	return r, nil
}

// Edit moves an active reservation to newInterval. Start and end are written
// as two separate fields; if the second write fails the first is rolled
// back, and a *PartialUpdateError is returned only when that rollback fails
// as well.
func (m *Manager) Edit(ctx context.Context, id string, newInterval model.Interval) (*model.Reservation, error) {
	newInterval = model.NewInterval(newInterval.Start, newInterval.End)
	if err := m.validateInterval(newInterval); err != nil {
		return nil, err
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Active() {
		return nil, &ValidationError{Field: "status", Reason: "reservation is cancelled"}
	}

	unlock, err := m.lockSpace(ctx, current.Space)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent cancel may have landed.
	current, err = m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Active() {
		return nil, &ValidationError{Field: "status", Reason: "reservation is cancelled"}
	}

	result, err := m.detector.CheckConflict(ctx, newInterval, current.Space, id)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		metrics.IncBookingConflict(string(current.Space), "edit")
		return nil, &ConflictError{Space: current.Space, Blocking: *result.Blocking, ReservationID: result.BlockingID}
	}

	if err := m.writeInterval(ctx, current, newInterval); err != nil {
		return nil, err
	}

	updated := *current
	updated.Interval = newInterval
	if latest, err := m.Get(ctx, id); err == nil {
		updated.Status = latest.Status
	}

	metrics.IncBookingEdited("ok")
	m.logger.Info().
		Str("reservation_id", id).
		Str("from", current.Interval.String()).
		Str("to", newInterval.String()).
		Msg("reservation edited")

	m.scheduleReminder(ctx, &updated)
	return &updated, nil
}

func (m *Manager) writeInterval(ctx context.Context, current *model.Reservation, next model.Interval) error {
	id := current.ID
	if err := m.ledger.Set(ctx, model.CollectionBookings, id, model.FieldStart, model.FormatTimestamp(next.Start)); err != nil {
		metrics.IncBookingEdited("store_error")
		return &StoreError{Op: "edit reservation", Err: err}
	}

	writeErr := m.ledger.Set(ctx, model.CollectionBookings, id, model.FieldEnd, model.FormatTimestamp(next.End))
	if writeErr == nil {
		return nil
	}

	// Rollback must run even if the request was cancelled mid-edit.
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rollbackErr := m.ledger.Set(rollbackCtx, model.CollectionBookings, id, model.FieldStart, model.FormatTimestamp(current.Interval.Start))
	if rollbackErr != nil {
		metrics.IncBookingEdited("partial")
		m.logger.Error().
			Err(writeErr).
			AnErr("rollback_error", rollbackErr).
			Str("reservation_id", id).
			Msg("reservation left partially updated")
		return &PartialUpdateError{
			ReservationID: id,
			Written:       []string{model.FieldStart},
			Failed:        model.FieldEnd,
			Err:           errors.Join(writeErr, rollbackErr),
		}
	}

	metrics.IncBookingEdited("store_error")
	m.logger.Warn().Err(writeErr).Str("reservation_id", id).Msg("edit rolled back")
	return &StoreError{Op: "edit reservation", Err: writeErr}
}

// Cancel marks a reservation cancelled. Cancelling twice is a no-op for the
// reservation, but the reminder is retracted again so a retry can recover
// from a failed retraction.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	current, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock, err := m.lockSpace(ctx, current.Space)
	if err != nil {
		return err
	}
	defer unlock()

	current, err = m.Get(ctx, id)
	if err != nil {
		return err
	}

	if current.Active() {
		if err := m.ledger.Set(ctx, model.CollectionBookings, id, model.FieldStatus, string(model.StatusCancelled)); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return ErrReservationNotFound
			}
			return &StoreError{Op: "cancel reservation", Err: err}
		}
		metrics.IncBookingCancelled()
		m.logger.Info().Str("reservation_id", id).Str("owner", current.OwnerID).Msg("reservation cancelled")
	}

	if m.reminders != nil {
		if err := m.reminders.Cancel(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("reservation_id", id).Msg("failed to retract reminder")
		}
	}
	return nil
}

// IsActive reports whether the reservation exists and is not cancelled.
func (m *Manager) IsActive(ctx context.Context, id string) (bool, error) {
	r, err := m.Get(ctx, id)
	if errors.Is(err, ErrReservationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Active(), nil
}

// Get loads one reservation.
func (m *Manager) Get(ctx context.Context, id string) (*model.Reservation, error) {
	rec, err := m.ledger.Get(ctx, model.CollectionBookings, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get reservation", Err: err}
	}
	r, err := model.ReservationFromRecord(id, rec)
	if err != nil {
		return nil, &StoreError{Op: "decode reservation", Err: err}
	}
	return r, nil
}

// ActiveForOwner returns the owner's non-cancelled reservations ordered by
// start time.
func (m *Manager) ActiveForOwner(ctx context.Context, owner string) ([]*model.Reservation, error) {
	docs, err := m.ledger.QueryEqual(ctx, model.CollectionBookings, model.FieldUserID, owner)
	if err != nil {
		return nil, &StoreError{Op: "list reservations", Err: err}
	}
	out := make([]*model.Reservation, 0, len(docs))
	for _, doc := range docs {
		if r, ok := m.decodeActive(doc); ok {
			out = append(out, r)
		}
	}
	SortByStart(out)
	return out, nil
}

// ListActiveForOwner opens a live view of the owner's non-cancelled
// reservations. It ends when ctx is cancelled or the feed is closed.
func (m *Manager) ListActiveForOwner(ctx context.Context, owner string) (*ReservationFeed, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &ValidationError{Field: "owner", Reason: "not authenticated"}
	}
	sub, err := m.ledger.Subscribe(ctx, model.CollectionBookings, ledger.Filter{Field: model.FieldUserID, Value: owner})
	if err != nil {
		return nil, &StoreError{Op: "watch reservations", Err: err}
	}
	return ledger.NewFeed(sub, m.decodeActive, func(err error) error {
		return &StoreError{Op: "watch reservations", Err: err}
	}), nil
}

func (m *Manager) decodeActive(doc ledger.Document) (*model.Reservation, bool) {
	r, err := model.ReservationFromRecord(doc.ID, doc.Fields)
	if err != nil {
		m.logger.Warn().Err(err).Str("reservation_id", doc.ID).Msg("skipping malformed reservation")
		return nil, false
	}
	return r, r.Active()
}

func (m *Manager) validateInterval(i model.Interval) error {
	if err := i.Validate(); err != nil {
		return &ValidationError{Field: "interval", Reason: err.Error()}
	}
	now := m.clock.Now().Truncate(time.Minute)
	if i.Start.Before(now) {
		return &ValidationError{Field: "start", Reason: "must not be in the past"}
	}
	return nil
}

func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", &ValidationError{Field: "contactEmail", Reason: "required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "contactEmail", Reason: "not a valid email address"}
	}
	return email, nil
}

func (m *Manager) lockSpace(ctx context.Context, space model.Space) (func(), error) {
	started := time.Now()
	unlock, err := m.locker.Lock(ctx, string(space))
	metrics.ObserveLockWait(time.Since(started))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", space, err)
	}
	return unlock, nil
}

func (m *Manager) scheduleReminder(ctx context.Context, r *model.Reservation) {
	if m.reminders == nil {
		return
	}
	if err := m.reminders.ScheduleReminder(ctx, r); err != nil {
		m.logger.Warn().Err(err).Str("reservation_id", r.ID).Msg("failed to schedule reminder")
	}
}

// SortByStart orders reservations by start time, then id.
func SortByStart(rs []*model.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Interval.Start.Equal(rs[j].Interval.Start) {
			return rs[i].Interval.Start.Before(rs[j].Interval.Start)
		}
		return rs[i].ID < rs[j].ID
	})
}
