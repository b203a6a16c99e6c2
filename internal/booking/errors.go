package booking

import (
	"errors"
	"fmt"
	"strings"

	"spacebook/internal/model"
)

var ErrReservationNotFound = errors.New("reservation not found")

// ValidationError is returned before any ledger access when a request is
// malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports the existing reservation that blocks a request.
type ConflictError struct {
	Space         model.Space
	Blocking      model.Interval
	ReservationID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already booked %s", e.Space, e.Blocking)
}

// StoreError wraps a ledger failure. Nothing was written, or a partial
// write was rolled back.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: ledger failure: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// PartialUpdateError means an edit wrote some fields, failed on the next one
// and could not restore the previous values.
type PartialUpdateError struct {
	ReservationID string
	Written       []string
	Failed        string
	Err           error
}

func (e *PartialUpdateError) Error() string {
	return fmt.Sprintf("reservation %s partially updated: wrote %s, failed %s: %v",
		e.ReservationID, strings.Join(e.Written, ","), e.Failed, e.Err)
}

func (e *PartialUpdateError) Unwrap() error { return e.Err }
