// Package audit exports reservations to spreadsheets.
package audit

import (
	"fmt"
	"io"
	"strings"
	"time"

	"spacebook/internal/model"
)

var exportColumns = []string{"Reservation", "Space", "Start", "End", "Duration (min)", "Contact email", "Status"}

// ExportReservations writes rs as a workbook with one sheet per space, in
// the order of model.Spaces. Spaces without reservations are left out.
func ExportReservations(out io.Writer, rs []*model.Reservation) error {
	bySpace := make(map[model.Space][]*model.Reservation)
	for _, r := range rs {
		bySpace[r.Space] = append(bySpace[r.Space], r)
	}

	w := NewExcelizeWriter()
	defer w.Close()

	sheets := 0
	for _, space := range model.Spaces {
		list := bySpace[space]
		if len(list) == 0 {
			continue
		}
		if err := writeSheet(w, string(space), list); err != nil {
			return fmt.Errorf("export %s: %w", space, err)
		}
		sheets++
	}
	if sheets == 0 {
		if err := writeSheet(w, "Reservations", nil); err != nil {
			return err
		}
	}

	return w.Save(out)
}

func writeSheet(w SheetWriter, name string, rs []*model.Reservation) error {
	if err := w.AddSheet(name); err != nil {
		return err
	}
	if err := w.WriteHeader(exportColumns); err != nil {
		return err
	}
	for _, r := range rs {
		row := []any{
			r.ID,
			string(r.Space),
			model.FormatTimestamp(r.Interval.Start),
			model.FormatTimestamp(r.Interval.End),
			int(r.Interval.Duration() / time.Minute),
			r.ContactEmail,
			string(r.Status),
		}
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

// GenerateFilename builds a download name like "reservations_u1_2030-05-20.xlsx".
func GenerateFilename(owner string, t time.Time) string {
	owner = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, owner)
	return fmt.Sprintf("reservations_%s_%s.xlsx", owner, t.Format("2006-01-02"))
}
