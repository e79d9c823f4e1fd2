package exportsvc

import (
	"io"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/masomo-billing/core/billing"
)

const (
	recordsSheet = "Records"
	summarySheet = "Summary"
)

func renderExcel(w io.Writer, exp billing.Export) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return errors.Wrap(err, "naming records sheet")
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return errors.Wrap(err, "creating header style")
	}

	for i, header := range exp.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err = f.SetCellValue(recordsSheet, cell, header); err != nil {
			return errors.Wrap(err, "writing header")
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(exp.Columns), 1)
	_ = f.SetCellStyle(recordsSheet, "A1", last, bold)
	_ = f.SetColWidth(recordsSheet, "A", "M", 16)

	for r, row := range exp.Rows {
		for c, val := range row.Values() {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err = f.SetCellValue(recordsSheet, cell, val); err != nil {
				return errors.Wrapf(err, "writing row %d", r+2)
			}
		}
	}

	if _, err = f.NewSheet(summarySheet); err != nil {
		return errors.Wrap(err, "creating summary sheet")
	}
	_ = f.SetCellValue(summarySheet, "A1", exp.Title)
	_ = f.SetCellValue(summarySheet, "B1", exp.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	_ = f.SetCellStyle(summarySheet, "A1", "A1", bold)
	for i, line := range summaryLines(exp) {
		_ = f.SetCellValue(summarySheet, "A"+itoa(i+3), line[0])
		_ = f.SetCellValue(summarySheet, "B"+itoa(i+3), line[1])
	}
	_ = f.SetColWidth(summarySheet, "A", "B", 22)

	if err = f.Write(w); err != nil {
		return errors.Wrap(err, "writing workbook")
	}
	return nil
}
