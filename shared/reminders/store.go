package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spacebook/internal/ledger"
	"spacebook/internal/lock"
	"spacebook/internal/model"
)

// Store persists reminders in the ledger.
type Store struct {
	ledger ledger.Ledger
	locker lock.Locker
	clock  model.Clock
}

func NewStore(l ledger.Ledger, locker lock.Locker, clock model.Clock) *Store {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if clock == nil {
		clock = model.RealClock{}
	}
	return &Store{ledger: l, locker: locker, clock: clock}
}

// Save writes the whole reminder.
func (s *Store) Save(ctx context.Context, r *Reminder) error {
	if err := s.ledger.Put(ctx, CollectionReminders, r.ID, r.record()); err != nil {
		return fmt.Errorf("save reminder %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Reminder, error) {
	rec, err := s.ledger.Get(ctx, CollectionReminders, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrReminderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return reminderFromRecord(id, rec)
}

func (s *Store) FindByStatus(ctx context.Context, status ReminderStatus) ([]*Reminder, error) {
	return s.find(ctx, fieldStatus, string(status))
}

func (s *Store) FindByOwner(ctx context.Context, owner string) ([]*Reminder, error) {
	return s.find(ctx, fieldOwner, owner)
}

func (s *Store) find(ctx context.Context, field, value string) ([]*Reminder, error) {
	docs, err := s.ledger.QueryEqual(ctx, CollectionReminders, field, value)
	if err != nil {
		return nil, fmt.Errorf("find reminders by %s: %w", field, err)
	}
	out := make([]*Reminder, 0, len(docs))
	for _, doc := range docs {
		r, err := reminderFromRecord(doc.ID, doc.Fields)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// TryAcquire atomically moves a pending reminder to processing. It returns
// false when the reminder is gone, already taken, or not yet due.
func (s *Store) TryAcquire(ctx context.Context, id string, now time.Time) (*Reminder, bool, error) {
	unlock, err := s.locker.Lock(ctx, "reminder:"+id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	r, err := s.Get(ctx, id)
	if errors.Is(err, ErrReminderNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if r.Status != ReminderStatusPending || r.FireAt.After(now) {
		return r, false, nil
	}

	r.Status = ReminderStatusProcessing
	r.UpdatedAt = now
	if err := s.ledger.Set(ctx, CollectionReminders, id, fieldStatus, string(r.Status)); err != nil {
		return nil, false, fmt.Errorf("acquire reminder %s: %w", id, err)
	}
	return r, true, nil
}

// Transition changes the status of a reminder under its lock, only if the
// current status is one of from.
func (s *Store) Transition(ctx context.Context, id string, to ReminderStatus, reason string, from ...ReminderStatus) (bool, error) {
	unlock, err := s.locker.Lock(ctx, "reminder:"+id)
	if err != nil {
		return false, err
	}
	defer unlock()

	r, err := s.Get(ctx, id)
	if errors.Is(err, ErrReminderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	allowed := len(from) == 0
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	r.Status = to
	r.LastError = reason
	r.UpdatedAt = s.clock.Now()
	return true, s.Save(ctx, r)
}

// Replace writes r under its lock so it cannot interleave with TryAcquire.
func (s *Store) Replace(ctx context.Context, r *Reminder) error {
	unlock, err := s.locker.Lock(ctx, "reminder:"+r.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.Save(ctx, r)
}

// Finish stores the outcome of a delivery. It is a no-op when the alarm was
// replaced or cancelled while it was being delivered.
func (s *Store) Finish(ctx context.Context, r *Reminder) error {
	unlock, err := s.locker.Lock(ctx, "reminder:"+r.ID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.Get(ctx, r.ID)
	if errors.Is(err, ErrReminderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status != ReminderStatusProcessing {
		return nil
	}
	return s.Save(ctx, r)
}

// Delete removes a reminder.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.ledger.Delete(ctx, CollectionReminders, id)
}
