package exportsvc

import (
	"io"
	"strconv"

	"github.com/go-pdf/fpdf"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core/billing"
)

// column widths in mm, A4 landscape minus 10mm margins
var pdfWidths = []float64{30, 22, 30, 22, 16, 20, 14, 18, 18, 18, 18, 20, 31}

const pdfRowHeight = 6

func itoa(i int) string { return strconv.Itoa(i) }

func renderPDF(w io.Writer, exp billing.Export) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	header := func() {
		pdf.SetFont("Helvetica", "B", 7)
		pdf.SetFillColor(230, 230, 230)
		for i, col := range exp.Columns {
			pdf.CellFormat(pdfWidths[i], pdfRowHeight, tr(col), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 7)
	}
	pdf.SetHeaderFunc(func() {
		if pdf.PageNo() > 1 {
			header()
		}
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, tr(exp.Title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 5, "Generated "+exp.GeneratedAt.UTC().Format("2006-01-02 15:04 MST")+" - amounts in "+exp.Currency, "", 1, "L", false, 0, "")
	pdf.Ln(3)
	header()

	for _, row := range exp.Rows {
		for i, val := range row.Values() {
			pdf.CellFormat(pdfWidths[i], pdfRowHeight, tr(fit(pdf, val, pdfWidths[i])), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(0, 6, "Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	for _, line := range summaryLines(exp) {
		pdf.CellFormat(40, 5, tr(line[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(60, 5, tr(line[1]), "", 1, "L", false, 0, "")
	}

	if err := pdf.Output(w); err != nil {
		return errors.Wrap(err, "writing pdf")
	}
	return nil
}

// fit shortens s with an ellipsis so it fits a cell of width w.
func fit(pdf *fpdf.Fpdf, s string, w float64) string {
	limit := w - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r)+"...") > limit {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}
