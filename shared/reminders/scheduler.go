package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spacebook/internal/events"
	"spacebook/internal/model"
)

// SchedulerConfig holds configuration for the reminder scheduler.
type SchedulerConfig struct {
	// SweepInterval is how often persisted alarms are re-checked. Alarms
	// written by another process are picked up here.
	SweepInterval time.Duration
	// CleanupEnabled enables automatic cleanup of finished reminders.
	CleanupEnabled bool
	// CleanupRetention is how long sent, failed and cancelled reminders are kept.
	CleanupRetention time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval:    1 * time.Minute,
		CleanupEnabled:   true,
		CleanupRetention: 24 * time.Hour,
	}
}

type armed struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler is the alarm facility: it persists alarms, arms an in-memory
// timer per dedupe key and delivers the reminder when it fires.
type Scheduler struct {
	config  SchedulerConfig
	store   *Store
	sender  *ReminderSender
	bus     *events.EventBus
	clock   model.Clock
	metrics *Metrics
	logger  zerolog.Logger
	checker ReservationChecker

	mu       sync.Mutex
	timers   map[string]armed
	gen      uint64
	running  bool
	runCtx   context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// NewScheduler creates a new reminder scheduler.
func NewScheduler(
	config SchedulerConfig,
	store *Store,
	sender *ReminderSender,
	bus *events.EventBus,
	clock model.Clock,
	metrics *Metrics,
	logger zerolog.Logger,
) *Scheduler {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSchedulerConfig().SweepInterval
	}
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Scheduler{
		config:  config,
		store:   store,
		sender:  sender,
		bus:     bus,
		clock:   clock,
		metrics: metrics,
		logger:  logger.With().Str("component", "reminder_scheduler").Logger(),
		timers:  make(map[string]armed),
		stopCh:  make(chan struct{}),
	}
}

// SetReservationChecker makes delivery skip reminders whose reservation
// is no longer active. It must be called before Start.
func (s *Scheduler) SetReservationChecker(c ReservationChecker) {
	s.checker = c
}

// ScheduleAt persists an alarm for at and arms it. Scheduling an existing
// dedupeKey replaces the previous alarm.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, payload Payload, dedupeKey string) error {
	if dedupeKey == "" {
		return errors.New("reminders: empty dedupe key")
	}

	now := s.clock.Now()
	r := &Reminder{
		ID:        dedupeKey,
		Payload:   payload,
		FireAt:    at,
		Status:    ReminderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Replace(ctx, r); err != nil {
		return err
	}

	s.arm(dedupeKey, at)
	s.logger.Debug().Str("reminder_id", dedupeKey).Time("fire_at", at).Msg("reminder scheduled")
	return nil
}

// Cancel retracts a pending alarm. Unknown keys are ignored.
func (s *Scheduler) Cancel(ctx context.Context, dedupeKey string) error {
	s.disarm(dedupeKey)
	_, err := s.store.Transition(ctx, dedupeKey, ReminderStatusCancelled, "cancelled", ReminderStatusPending)
	return err
}

// CancelForOwner retracts every pending alarm of owner and returns how many
// were cancelled.
func (s *Scheduler) CancelForOwner(ctx context.Context, owner string) (int, error) {
	list, err := s.store.FindByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, r := range list {
		if r.Status != ReminderStatusPending {
			continue
		}
		s.disarm(r.ID)
		ok, err := s.store.Transition(ctx, r.ID, ReminderStatusCancelled, "session_ended", ReminderStatusPending)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// Start restores persisted alarms and runs the sweep loop until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx = ctx
	s.mu.Unlock()

	s.logger.Info().Dur("sweep_interval", s.config.SweepInterval).Msg("reminder scheduler started")
	s.restore(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.logger.Info().Msg("reminder scheduler stopped by context")
			return
		case <-s.stopCh:
			s.shutdown()
			s.logger.Info().Msg("reminder scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Armed returns the number of alarms with a live timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RunNow forces an immediate sweep.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.logger.Info().Msg("manual reminder sweep triggered")
	s.sweep(ctx)
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.running = false
	for key, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.metrics.SetPending(0)

	s.inflight.Wait()
}

func (s *Scheduler) arm(key string, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.timers[key]; ok {
		a.timer.Stop()
		delete(s.timers, key)
	}
	if !s.running {
		return
	}

	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	s.timers[key] = armed{
		timer: time.AfterFunc(delay, func() { s.fire(key, gen) }),
		gen:   gen,
	}
	s.metrics.SetPending(len(s.timers))
}

func (s *Scheduler) disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[key]; ok {
		a.timer.Stop()
		delete(s.timers, key)
		s.metrics.SetPending(len(s.timers))
	}
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if a, ok := s.timers[key]; ok && a.gen == gen {
		delete(s.timers, key)
		s.metrics.SetPending(len(s.timers))
	}
	s.inflight.Add(1)
	ctx := s.runCtx
	s.mu.Unlock()

	defer s.inflight.Done()
	s.process(ctx, key)
}

// process delivers one due alarm. An alarm whose reservation has already
// started or was cancelled is suppressed instead of delivered.
func (s *Scheduler) process(ctx context.Context, key string) {
	now := s.clock.Now()
	r, acquired, err := s.store.TryAcquire(ctx, key, now)
	if err != nil {
		s.logger.Error().Err(err).Str("reminder_id", key).Msg("failed to acquire reminder")
		return
	}
	if !acquired {
		s.logger.Debug().Str("reminder_id", key).Msg("reminder not due or already handled")
		return
	}

	if !now.Before(r.Payload.StartTime) {
		s.suppress(ctx, r, now, "reservation_started")
		return
	}
	if s.checker != nil {
		active, err := s.checker.IsActive(ctx, r.Payload.ReservationID)
		if err != nil {
			s.logger.Warn().Err(err).Str("reminder_id", key).Msg("reservation lookup failed, delivering anyway")
		} else if !active {
			s.suppress(ctx, r, now, "reservation_cancelled")
			return
		}
	}

	status, err := s.sender.SendWithRetry(ctx, r)
	if err != nil {
		s.logger.Error().Err(err).Str("reminder_id", key).Msg("reminder delivery error")
	}
	if status == ReminderStatusSent {
		s.publishFired(r)
	}
}

func (s *Scheduler) suppress(ctx context.Context, r *Reminder, now time.Time, reason string) {
	r.Status = ReminderStatusCancelled
	r.LastError = reason
	r.UpdatedAt = now
	if err := s.store.Finish(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to suppress reminder")
	}
	s.metrics.IncSuppressed()
	s.logger.Info().Str("reminder_id", r.ID).Str("reason", reason).Msg("reminder suppressed")
}

func (s *Scheduler) publishFired(r *Reminder) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("encode reminder event")
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TypeReminderFired,
		Topic:   r.Payload.OwnerID,
		Key:     r.ID,
		Payload: payload,
	})
}

// restore re-arms persisted alarms after a restart. Deliveries interrupted
// mid-flight go back to pending.
func (s *Scheduler) restore(ctx context.Context) {
	stuck, err := s.store.FindByStatus(ctx, ReminderStatusProcessing)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load interrupted reminders")
	}
	for _, r := range stuck {
		if _, err := s.store.Transition(ctx, r.ID, ReminderStatusPending, "", ReminderStatusProcessing); err != nil {
			s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to reset interrupted reminder")
		}
	}

	pending, err := s.store.FindByStatus(ctx, ReminderStatusPending)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load pending reminders")
		return
	}
	for _, r := range pending {
		s.arm(r.ID, r.FireAt)
	}
	s.logger.Info().Int("restored", len(pending)).Int("interrupted", len(stuck)).Msg("pending reminders restored")
}

// sweep arms due alarms that have no timer in this process and cleans up
// finished reminders.
func (s *Scheduler) sweep(ctx context.Context) {
	pending, err := s.store.FindByStatus(ctx, ReminderStatusPending)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch pending reminders")
		return
	}

	for _, r := range pending {
		s.mu.Lock()
		_, armedHere := s.timers[r.ID]
		s.mu.Unlock()
		if !armedHere {
			s.arm(r.ID, r.FireAt)
		}
	}

	if s.config.CleanupEnabled {
		s.cleanupOldReminders(ctx)
	}
}

// cleanupOldReminders removes finished reminders past the retention window.
func (s *Scheduler) cleanupOldReminders(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.config.CleanupRetention)
	deleted := 0

	for _, status := range []ReminderStatus{ReminderStatusSent, ReminderStatusFailed, ReminderStatusCancelled} {
		list, err := s.store.FindByStatus(ctx, status)
		if err != nil {
			s.logger.Error().Err(err).Str("status", string(status)).Msg("failed to load reminders for cleanup")
			continue
		}
		for _, r := range list {
			if r.UpdatedAt.After(cutoff) {
				continue
			}
			if err := s.store.Delete(ctx, r.ID); err != nil {
				s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to delete reminder")
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		s.metrics.IncCleanedUp(deleted)
		s.logger.Info().Int("deleted", deleted).Msg("cleaned up old reminders")
	}
}
