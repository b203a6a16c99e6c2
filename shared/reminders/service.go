package reminders

import (
	"context"

	"github.com/rs/zerolog"

	"spacebook/internal/model"
)

// Service schedules the reminder of each reservation. It satisfies the
// booking manager's reminder hook.
type Service struct {
	scheduler *Scheduler
	logger    zerolog.Logger
}

// NewService creates a new reminder service.
func NewService(scheduler *Scheduler, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: scheduler,
		logger:    logger.With().Str("component", "reminders").Logger(),
	}
}

// ScheduleReminder (re)arms the reminder of r to fire LeadTime before it
// starts. Inactive reservations have their reminder retracted instead.
func (s *Service) ScheduleReminder(ctx context.Context, r *model.Reservation) error {
	if !r.Status.Active() {
		return s.Cancel(ctx, r.ID)
	}

	fireAt := r.Interval.Start.Add(-LeadTime)
	if err := s.scheduler.ScheduleAt(ctx, fireAt, PayloadFor(r), r.ID); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("failed to schedule reminder")
		return err
	}
	return nil
}

// Cancel retracts the reminder of a reservation.
func (s *Service) Cancel(ctx context.Context, reservationID string) error {
	if err := s.scheduler.Cancel(ctx, reservationID); err != nil {
		s.logger.Error().Err(err).Str("reservation_id", reservationID).Msg("failed to cancel reminder")
		return err
	}
	return nil
}

// CancelForOwner retracts every pending reminder of owner.
func (s *Service) CancelForOwner(ctx context.Context, owner string) (int, error) {
	n, err := s.scheduler.CancelForOwner(ctx, owner)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info().Str("user_id", owner).Int("cancelled", n).Msg("reminders retracted")
	}
	return n, nil
}
