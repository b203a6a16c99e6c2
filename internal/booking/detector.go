package booking

import (
	"context"

	"github.com/rs/zerolog"

	"spacebook/internal/ledger"
	"spacebook/internal/metrics"
	"spacebook/internal/model"
)

// Result of a conflict check. Blocking is set when OK is false.
type Result struct {
	OK         bool
	Blocking   *model.Interval
	BlockingID string
}

// Detector decides whether a candidate interval collides with existing
// reservations of the same space.
type Detector struct {
	ledger ledger.Ledger
	logger zerolog.Logger
}

func NewDetector(l ledger.Ledger, logger zerolog.Logger) *Detector {
	return &Detector{
		ledger: l,
		logger: logger.With().Str("component", "conflict_detector").Logger(),
	}
}

// CheckConflict reads the space's reservations and reports the first one,
// by start time, that overlaps candidate. Cancelled reservations, excludeID
// and records with unparsable times are ignored. A ledger failure is
// returned as a *StoreError, never as "no conflict".
func (d *Detector) CheckConflict(ctx context.Context, candidate model.Interval, space model.Space, excludeID string) (Result, error) {
	docs, err := d.ledger.QueryEqual(ctx, model.CollectionBookings, model.FieldSpace, string(space))
	if err != nil {
		return Result{}, &StoreError{Op: "check conflict", Err: err}
	}

	var (
		blocking   *model.Interval
		blockingID string
	)
	for _, doc := range docs {
		if doc.ID == excludeID {
			continue
		}
		if model.Status(doc.Fields[model.FieldStatus]) == model.StatusCancelled {
			continue
		}

		existing, err := model.IntervalFromRecord(doc.Fields)
		if err != nil {
			d.logger.Warn().Err(err).Str("reservation_id", doc.ID).Str("space", string(space)).
				Msg("skipping reservation with malformed times")
			metrics.IncMalformedSkipped(string(space))
			continue
		}

		if !model.Overlaps(candidate, existing) {
			continue
		}
		if blocking == nil || existing.Start.Before(blocking.Start) ||
			(existing.Start.Equal(blocking.Start) && doc.ID < blockingID) {
			found := existing
			blocking = &found
			blockingID = doc.ID
		}
	}

	if blocking == nil {
		return Result{OK: true}, nil
	}
	return Result{Blocking: blocking, BlockingID: blockingID}, nil
}
