package reminders

import (
	"context"
	"errors"
	"strconv"
	"time"

	"spacebook/internal/model"
)

// LeadTime is how long before a reservation starts its reminder fires.
const LeadTime = 30 * time.Minute

// CollectionReminders is the ledger collection alarms are persisted in,
// keyed by their dedupe key.
const CollectionReminders = "reminders"

// Ledger field names of a persisted reminder.
const (
	fieldID         = "reminderId"
	fieldOwner      = "userId"
	fieldSpace      = "spaceType"
	fieldStart      = "startTime"
	fieldFireAt     = "fireAt"
	fieldStatus     = "status"
	fieldRetryCount = "retryCount"
	fieldLastError  = "lastError"
	fieldSentAt     = "sentAt"
	fieldCreatedAt  = "createdAt"
	fieldUpdatedAt  = "updatedAt"
)

// IndexedFields are the fields reminders are looked up by.
var IndexedFields = []string{fieldStatus, fieldOwner}

var (
	ErrReminderNotFound = errors.New("reminder not found")
	// ErrRecipientUnreachable means the user has no delivery channel.
	ErrRecipientUnreachable = errors.New("recipient has no delivery channel")
)

// ReminderStatus defines the status of a reminder.
type ReminderStatus string

const (
	ReminderStatusPending    ReminderStatus = "pending"
	ReminderStatusProcessing ReminderStatus = "processing"
	ReminderStatusSent       ReminderStatus = "sent"
	ReminderStatusFailed     ReminderStatus = "failed"
	ReminderStatusCancelled  ReminderStatus = "cancelled"
)

// Payload is what the user is reminded about.
type Payload struct {
	ReservationID string      `json:"reservationId"`
	OwnerID       string      `json:"ownerId"`
	Space         model.Space `json:"space"`
	StartTime     time.Time   `json:"startTime"`
}

// PayloadFor builds the reminder payload of a reservation.
func PayloadFor(r *model.Reservation) Payload {
	return Payload{
		ReservationID: r.ID,
		OwnerID:       r.OwnerID,
		Space:         r.Space,
		StartTime:     r.Interval.Start,
	}
}

// Reminder is a persisted alarm. ID is the dedupe key; scheduling the same
// key again replaces the alarm.
type Reminder struct {
	ID         string
	Payload    Payload
	FireAt     time.Time
	Status     ReminderStatus
	RetryCount int
	LastError  string
	SentAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *Reminder) record() map[string]string {
	rec := map[string]string{
		fieldID:         r.ID,
		fieldOwner:      r.Payload.OwnerID,
		fieldSpace:      string(r.Payload.Space),
		fieldStart:      r.Payload.StartTime.Format(time.RFC3339),
		fieldFireAt:     r.FireAt.Format(time.RFC3339),
		fieldStatus:     string(r.Status),
		fieldRetryCount: strconv.Itoa(r.RetryCount),
		fieldLastError:  r.LastError,
		fieldCreatedAt:  r.CreatedAt.Format(time.RFC3339),
		fieldUpdatedAt:  r.UpdatedAt.Format(time.RFC3339),
	}
	if r.SentAt != nil {
		rec[fieldSentAt] = r.SentAt.Format(time.RFC3339)
	}
	return rec
}

func reminderFromRecord(id string, rec map[string]string) (*Reminder, error) {
	start, err := time.Parse(time.RFC3339, rec[fieldStart])
	if err != nil {
		return nil, err
	}
	fireAt, err := time.Parse(time.RFC3339, rec[fieldFireAt])
	if err != nil {
		return nil, err
	}
	r := &Reminder{
		ID: id,
		Payload: Payload{
			ReservationID: id,
			OwnerID:       rec[fieldOwner],
			Space:         model.Space(rec[fieldSpace]),
			StartTime:     start,
		},
		FireAt:    fireAt,
		Status:    ReminderStatus(rec[fieldStatus]),
		LastError: rec[fieldLastError],
	}
	r.RetryCount, _ = strconv.Atoi(rec[fieldRetryCount])
	r.CreatedAt, _ = time.Parse(time.RFC3339, rec[fieldCreatedAt])
	r.UpdatedAt, _ = time.Parse(time.RFC3339, rec[fieldUpdatedAt])
	if v := rec[fieldSentAt]; v != "" {
		if sentAt, err := time.Parse(time.RFC3339, v); err == nil {
			r.SentAt = &sentAt
		}
	}
	return r, nil
}

// Notifier sends reminder notifications to users.
type Notifier interface {
	// SendReminder delivers the reminder to its owner.
	SendReminder(ctx context.Context, r *Reminder) error
}

// ChatResolver maps a user to their Telegram chat.
type ChatResolver interface {
	TelegramChatID(ctx context.Context, userID string) (int64, error)
}

// ReservationChecker reports whether a reservation is still active.
type ReservationChecker interface {
	IsActive(ctx context.Context, reservationID string) (bool, error)
}
