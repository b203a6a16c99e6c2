package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
		},
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return time.Second
	}
	if attempt >= len(c.RetryDelays) {
		return c.RetryDelays[len(c.RetryDelays)-1]
	}
	return c.RetryDelays[attempt]
}

// TelegramError represents an error from Telegram API.
type TelegramError struct {
	Code       int
	Message    string
	RetryAfter int // seconds to wait before retrying (for 429 errors)
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsTelegramError checks if the error is a TelegramError.
func IsTelegramError(err error) (*TelegramError, bool) {
	var tgErr *TelegramError
	if errors.As(err, &tgErr) {
		return tgErr, true
	}
	return nil, false
}

// ReminderSender handles sending reminders with rate limiting and retry logic.
type ReminderSender struct {
	notifier    Notifier
	store       *Store
	rateLimiter *RateLimiter
	retryConfig RetryConfig
	metrics     *Metrics
	logger      zerolog.Logger
}

// ReminderSenderConfig holds configuration for the sender.
type ReminderSenderConfig struct {
	RateLimiter RateLimiterConfig
	Retry       RetryConfig
}

// DefaultReminderSenderConfig returns the default configuration.
func DefaultReminderSenderConfig() ReminderSenderConfig {
	return ReminderSenderConfig{
		RateLimiter: DefaultRateLimiterConfig(),
		Retry:       DefaultRetryConfig(),
	}
}

// NewReminderSender creates a new reminder sender.
func NewReminderSender(
	notifier Notifier,
	store *Store,
	config ReminderSenderConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *ReminderSender {
	return &ReminderSender{
		notifier:    notifier,
		store:       store,
		rateLimiter: NewRateLimiter(config.RateLimiter),
		retryConfig: config.Retry,
		metrics:     metrics,
		logger:      logger,
	}
}

// SendWithRetry delivers r and records the outcome on it. The returned
// status is what r was marked as.
func (s *ReminderSender) SendWithRetry(ctx context.Context, r *Reminder) (ReminderStatus, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return r.Status, fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	maxRetries := s.retryConfig.MaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		started := time.Now()
		err := s.notifier.SendReminder(ctx, r)
		s.metrics.ObserveSendDuration(time.Since(started).Seconds())
		if err == nil {
			return ReminderStatusSent, s.markAsSent(ctx, r)
		}

		lastErr = err

		if errors.Is(err, ErrRecipientUnreachable) {
			s.logger.Info().Str("user_id", r.Payload.OwnerID).Str("reminder_id", r.ID).
				Msg("no delivery channel for user")
			return ReminderStatusFailed, s.markAsFailed(ctx, r, "no_channel")
		}

		if tgErr, ok := IsTelegramError(err); ok {
			switch tgErr.Code {
			case 429: // Too Many Requests
				waitTime := time.Duration(tgErr.RetryAfter) * time.Second
				if waitTime == 0 {
					waitTime = s.retryConfig.delay(attempt)
				}
				s.logger.Info().
					Dur("retry_after", waitTime).
					Int("attempt", attempt).
					Str("reminder_id", r.ID).
					Msg("rate limited by Telegram, waiting")

				select {
				case <-time.After(waitTime):
					s.metrics.IncRetries()
					r.RetryCount++
					continue
				case <-ctx.Done():
					return r.Status, ctx.Err()
				}

			case 403: // Bot blocked by user
				s.logger.Info().Str("user_id", r.Payload.OwnerID).Str("reminder_id", r.ID).Msg("user blocked bot")
				return ReminderStatusFailed, s.markAsFailed(ctx, r, "user_blocked")

			case 400: // Bad Request
				s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("bad request to Telegram")
				return ReminderStatusFailed, s.markAsFailed(ctx, r, "bad_request")
			}
		}

		if attempt < maxRetries {
			delay := s.retryConfig.delay(attempt)
			s.logger.Info().
				Int("attempt", attempt+1).
				Int("max_retries", maxRetries).
				Dur("delay", delay).
				Err(err).
				Msg("retrying reminder send")

			select {
			case <-time.After(delay):
				s.metrics.IncRetries()
				r.RetryCount++
			case <-ctx.Done():
				return r.Status, ctx.Err()
			}
		}
	}

	s.logger.Error().
		Str("reminder_id", r.ID).
		Str("user_id", r.Payload.OwnerID).
		Err(lastErr).
		Msg("max retries exceeded for reminder")

	return ReminderStatusFailed, s.markAsFailed(ctx, r, "max_retries_exceeded")
}

// markAsSent marks a reminder as successfully sent.
func (s *ReminderSender) markAsSent(ctx context.Context, r *Reminder) error {
	now := time.Now()
	r.Status = ReminderStatusSent
	r.SentAt = &now
	r.UpdatedAt = now
	s.metrics.IncSent(r.Status)

	if err := s.store.Finish(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to mark reminder as sent")
		return err
	}

	s.logger.Info().
		Str("reminder_id", r.ID).
		Str("user_id", r.Payload.OwnerID).
		Str("space", string(r.Payload.Space)).
		Msg("reminder sent successfully")

	return nil
}

// markAsFailed marks a reminder as failed.
func (s *ReminderSender) markAsFailed(ctx context.Context, r *Reminder, reason string) error {
	now := time.Now()
	r.Status = ReminderStatusFailed
	r.LastError = reason
	r.SentAt = &now
	r.UpdatedAt = now
	s.metrics.IncSent(r.Status)

	if err := s.store.Finish(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("reminder_id", r.ID).Msg("failed to mark reminder as failed")
		return err
	}

	s.logger.Info().
		Str("reminder_id", r.ID).
		Str("user_id", r.Payload.OwnerID).
		Str("reason", reason).
		Msg("reminder marked as failed")

	return nil
}
