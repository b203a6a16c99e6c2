package model

import (
	"errors"
	"fmt"
	"time"
)

const (
	CollectionTemplates = "templates"

	FieldTemplateID   = "templateId"
	FieldTemplateName = "templateName"
)

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) Before(other TimeOfDay) bool { return t.Minutes() < other.Minutes() }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On combines the time of day with the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Template is a named reusable (space, start, end) triple.
type Template struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"ownerId"`
	Name    string    `json:"name"`
	Space   Space     `json:"space"`
	Start   TimeOfDay `json:"start"`
	End     TimeOfDay `json:"end"`
}

func (t *Template) Record() map[string]string {
	return map[string]string{
		FieldTemplateID:   t.ID,
		FieldUserID:       t.OwnerID,
		FieldTemplateName: t.Name,
		FieldSpace:        string(t.Space),
		FieldStart:        t.Start.String(),
		FieldEnd:          t.End.String(),
	}
}

func TemplateFromRecord(id string, rec map[string]string) (*Template, error) {
	start, err := ParseTimeOfDay(rec[FieldStart])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	end, err := ParseTimeOfDay(rec[FieldEnd])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if v := rec[FieldTemplateID]; v != "" {
		id = v
	}
	return &Template{
		ID:      id,
		OwnerID: rec[FieldUserID],
		Name:    rec[FieldTemplateName],
		Space:   Space(rec[FieldSpace]),
		Start:   start,
		End:     end,
	}, nil
}
