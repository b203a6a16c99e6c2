// Package templates stores named (space, start, end) triples that users
// reuse to book the same slot on another day.
package templates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spacebook/internal/booking"
	"spacebook/internal/ledger"
	"spacebook/internal/model"
)

var ErrTemplateNotFound = errors.New("template not found")

// Feed is the live view returned by ListForOwner.
type Feed = ledger.Feed[*model.Template]

type Store struct {
	ledger ledger.Ledger
	logger zerolog.Logger
}

func NewStore(l ledger.Ledger, logger zerolog.Logger) *Store {
	return &Store{
		ledger: l,
		logger: logger.With().Str("component", "templates").Logger(),
	}
}

// Save persists a new template. Names need not be unique.
func (s *Store) Save(ctx context.Context, owner, name string, space model.Space, start, end model.TimeOfDay) (*model.Template, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &booking.ValidationError{Field: "owner", Reason: "not authenticated"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &booking.ValidationError{Field: "name", Reason: "required"}
	}
	if !space.Valid() {
		return nil, &booking.ValidationError{Field: "space", Reason: "unknown space " + string(space)}
	}
	if !start.Before(end) {
		return nil, &booking.ValidationError{Field: "interval", Reason: model.ErrInvalidInterval.Error()}
	}

	t := &model.Template{
		ID:      s.ledger.NewID(),
		OwnerID: owner,
		Name:    name,
		Space:   space,
		Start:   start,
		End:     end,
	}
	if err := s.ledger.Put(ctx, model.CollectionTemplates, t.ID, t.Record()); err != nil {
		return nil, &booking.StoreError{Op: "save template", Err: err}
	}

	s.logger.Info().Str("template_id", t.ID).Str("owner", owner).Str("name", name).Msg("template saved")
	return t, nil
}

// SaveFromReservation captures a reservation's space and times of day.
func (s *Store) SaveFromReservation(ctx context.Context, name string, r *model.Reservation) (*model.Template, error) {
	return s.Save(ctx, r.OwnerID, name, r.Space,
		model.TimeOfDayOf(r.Interval.Start), model.TimeOfDayOf(r.Interval.End))
}

func (s *Store) Get(ctx context.Context, id string) (*model.Template, error) {
	rec, err := s.ledger.Get(ctx, model.CollectionTemplates, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, &booking.StoreError{Op: "get template", Err: err}
	}
	t, err := model.TemplateFromRecord(id, rec)
	if err != nil {
		return nil, &booking.StoreError{Op: "decode template", Err: err}
	}
	return t, nil
}

// ForOwner returns the owner's templates once.
func (s *Store) ForOwner(ctx context.Context, owner string) ([]*model.Template, error) {
	docs, err := s.ledger.QueryEqual(ctx, model.CollectionTemplates, model.FieldUserID, owner)
	if err != nil {
		return nil, &booking.StoreError{Op: "list templates", Err: err}
	}
	out := make([]*model.Template, 0, len(docs))
	for _, doc := range docs {
		if t, ok := s.decode(doc); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListForOwner opens a live view of the owner's templates.
func (s *Store) ListForOwner(ctx context.Context, owner string) (*Feed, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &booking.ValidationError{Field: "owner", Reason: "not authenticated"}
	}
	sub, err := s.ledger.Subscribe(ctx, model.CollectionTemplates, ledger.Filter{Field: model.FieldUserID, Value: owner})
	if err != nil {
		return nil, &booking.StoreError{Op: "watch templates", Err: err}
	}
	return ledger.NewFeed(sub, s.decode, func(err error) error {
		return &booking.StoreError{Op: "watch templates", Err: err}
	}), nil
}

func (s *Store) decode(doc ledger.Document) (*model.Template, bool) {
	t, err := model.TemplateFromRecord(doc.ID, doc.Fields)
	if err != nil {
		s.logger.Warn().Err(err).Str("template_id", doc.ID).Msg("skipping malformed template")
		return nil, false
	}
	return t, true
}

// Instantiate places the template's times of day on date's calendar day.
// The result is an ordinary candidate interval; booking it still goes
// through the conflict check.
func Instantiate(t *model.Template, date time.Time) model.Interval {
	return model.Interval{
		Start: t.Start.On(date),
		End:   t.End.On(date),
	}
}
