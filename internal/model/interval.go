package model

import (
	"errors"
	"time"
)

// TimestampLayout is the minute-precision wall-clock layout used for stored
// reservation times and the JSON API.
const TimestampLayout = "2006-01-02 15:04"

var ErrInvalidInterval = errors.New("start must be before end")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval builds an interval truncated to minute granularity.
func NewInterval(start, end time.Time) Interval {
	return Interval{
		Start: start.Truncate(time.Minute),
		End:   end.Truncate(time.Minute),
	}
}

// Overlaps reports whether a and b share any instant.
// Touching intervals (a.End == b.Start) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func (i Interval) Overlaps(other Interval) bool {
	return Overlaps(i, other)
}

// Contains reports whether t falls inside [Start, End).
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Validate checks Start < End.
func (i Interval) Validate() error {
	if !i.Start.Before(i.End) {
		return ErrInvalidInterval
	}
	return nil
}

func (i Interval) String() string {
	return i.Start.Format(TimestampLayout) + " - " + i.End.Format(TimestampLayout)
}

// FormatTimestamp renders t in the stored layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp in the local zone.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}
