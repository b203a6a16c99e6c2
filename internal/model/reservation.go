package model

import (
	"errors"
	"fmt"
)

// Ledger collections and field names for reservations.
const (
	CollectionBookings = "bookings"

	FieldBookingID = "bookingId"
	FieldUserID    = "userId"
	FieldSpace     = "spaceType"
	FieldEmail     = "userEmail"
	FieldStart     = "startTime"
	FieldEnd       = "endTime"
	FieldStatus    = "status"
)

var ErrMalformedRecord = errors.New("malformed record")

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Active() bool {
	return s != StatusCancelled
}

type Reservation struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"ownerId"`
	Space        Space    `json:"space"`
	Interval     Interval `json:"-"`
	ContactEmail string   `json:"contactEmail"`
	Status       Status   `json:"status"`
}

func (r *Reservation) Active() bool {
	return r.Status.Active()
}

// Record encodes the reservation as flat ledger fields.
func (r *Reservation) Record() map[string]string {
	return map[string]string{
		FieldBookingID: r.ID,
		FieldUserID:    r.OwnerID,
		FieldSpace:     string(r.Space),
		FieldEmail:     r.ContactEmail,
		FieldStart:     FormatTimestamp(r.Interval.Start),
		FieldEnd:       FormatTimestamp(r.Interval.End),
		FieldStatus:    string(r.Status),
	}
}

// ReservationFromRecord decodes a stored reservation. id is used when the
// record lacks its own bookingId field.
func ReservationFromRecord(id string, rec map[string]string) (*Reservation, error) {
	interval, err := IntervalFromRecord(rec)
	if err != nil {
		return nil, err
	}
	if v := rec[FieldBookingID]; v != "" {
		id = v
	}
	status := Status(rec[FieldStatus])
	if status == "" {
		status = StatusConfirmed
	}
	return &Reservation{
		ID:           id,
		OwnerID:      rec[FieldUserID],
		Space:        Space(rec[FieldSpace]),
		Interval:     interval,
		ContactEmail: rec[FieldEmail],
		Status:       status,
	}, nil
}

// IntervalFromRecord parses the startTime/endTime pair of a stored record.
func IntervalFromRecord(rec map[string]string) (Interval, error) {
	start, err := ParseTimestamp(rec[FieldStart])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldStart, err)
	}
	end, err := ParseTimestamp(rec[FieldEnd])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, FieldEnd, err)
	}
	return Interval{Start: start, End: end}, nil
}
