package audit

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// SheetWriter writes tabular data to a spreadsheet.
type SheetWriter interface {
	AddSheet(name string) error
	WriteHeader(columns []string) error
	WriteRow(row []any) error
	Save(w io.Writer) error
	Close() error
}

// ExcelizeWriter implements SheetWriter with excelize.
type ExcelizeWriter struct {
	file         *excelize.File
	currentSheet string
	currentRow   int
	widths       map[int]int
}

func NewExcelizeWriter() *ExcelizeWriter {
	return &ExcelizeWriter{file: excelize.NewFile()}
}

// AddSheet starts a new sheet. The first call renames the default one.
func (w *ExcelizeWriter) AddSheet(name string) error {
	if err := w.fitColumns(); err != nil {
		return err
	}
	// Excel limit
	if len(name) > 31 {
		name = name[:31]
	}

	if w.currentSheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}

	w.currentSheet = name
	w.currentRow = 1
	w.widths = make(map[int]int)
	return nil
}

// WriteHeader writes a bold header row and freezes it.
func (w *ExcelizeWriter) WriteHeader(columns []string) error {
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	headerRow := w.currentRow
	if err := w.WriteRow(row); err != nil {
		return err
	}

	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, headerRow)
	last, _ := excelize.CoordinatesToCellName(len(columns), headerRow)
	if err := w.file.SetCellStyle(w.currentSheet, first, last, style); err != nil {
		return err
	}
	return w.file.SetPanes(w.currentSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      headerRow,
		TopLeftCell: fmt.Sprintf("A%d", headerRow+1),
		ActivePane:  "bottomLeft",
	})
}

func (w *ExcelizeWriter) WriteRow(row []any) error {
	if w.currentSheet == "" {
		return fmt.Errorf("no active sheet")
	}

	first, err := excelize.CoordinatesToCellName(1, w.currentRow)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.currentSheet, first, &row); err != nil {
		return err
	}
	for i, v := range row {
		if n := len(fmt.Sprint(v)); n > w.widths[i] {
			w.widths[i] = n
		}
	}

	w.currentRow++
	return nil
}

// Save writes the workbook to wr.
func (w *ExcelizeWriter) Save(wr io.Writer) error {
	if err := w.fitColumns(); err != nil {
		return err
	}
	return w.file.Write(wr)
}

func (w *ExcelizeWriter) Close() error {
	return w.file.Close()
}

func (w *ExcelizeWriter) fitColumns() error {
	if w.currentSheet == "" {
		return nil
	}
	for i, width := range w.widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := w.file.SetColWidth(w.currentSheet, col, col, float64(width+2)); err != nil {
			return err
		}
	}
	return nil
}
