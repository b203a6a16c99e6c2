package audit

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"spacebook/internal/model"
)

func reservation(id string, space model.Space, hour int) *model.Reservation {
	start := time.Date(2030, 5, 20, hour, 0, 0, 0, time.Local)
	return &model.Reservation{
		ID:           id,
		OwnerID:      "u1",
		Space:        space,
		Interval:     model.Interval{Start: start, End: start.Add(90 * time.Minute)},
		ContactEmail: "ann@example.com",
		Status:       model.StatusConfirmed,
	}
}

func TestExportReservations(t *testing.T) {
	var buf bytes.Buffer
	err := ExportReservations(&buf, []*model.Reservation{
		reservation("b1", model.SpaceMeetingRoom, 9),
		reservation("b2", model.SpaceConferenceRoom, 11),
		reservation("b3", model.SpaceMeetingRoom, 14),
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Conference Room", "Meeting Room"}, f.GetSheetList())

	rows, err := f.GetRows("Meeting Room")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportColumns, rows[0])
	assert.Equal(t, []string{"b1", "Meeting Room", "2030-05-20 09:00", "2030-05-20 10:30", "90", "ann@example.com", "confirmed"}, rows[1])
	assert.Equal(t, "b3", rows[2][0])
}

func TestExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportReservations(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Reservations")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestGenerateFilename(t *testing.T) {
	day := time.Date(2030, 5, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "reservations_u_1_2030-05-20.xlsx", GenerateFilename("u/1", day))
}

func TestWriterRequiresSheet(t *testing.T) {
	w := NewExcelizeWriter()
	defer w.Close()
	assert.Error(t, w.WriteRow([]any{"x"}))
}
