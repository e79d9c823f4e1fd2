package exportsvc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core/billing"
)

const (
	contentTypePDF   = "application/pdf"
	contentTypeExcel = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// exporter renders billing exports as PDF or Excel documents.
type exporter struct{}

var _ billing.Exporter = (*exporter)(nil) // interface compliance check

func NewExporter() *exporter {
	return &exporter{}
}

func (e exporter) Render(ctx context.Context, format billing.ExportFormat, exp billing.Export) (billing.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return billing.Artifact{}, err
	}

	var buf bytes.Buffer
	var err error
	art := billing.Artifact{}

	switch format {
	case billing.ExportPDF:
		err = renderPDF(&buf, exp)
		art.Filename = exp.FileStem() + ".pdf"
		art.ContentType = contentTypePDF
	case billing.ExportExcel:
		err = renderExcel(&buf, exp)
		art.Filename = exp.FileStem() + ".xlsx"
		art.ContentType = contentTypeExcel
	default:
		return billing.Artifact{}, errors.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return billing.Artifact{}, err
	}

	art.Content = buf.Bytes()
	return art, nil
}

// summaryLines is the aggregate block printed under the records table.
func summaryLines(exp billing.Export) [][2]string {
	places := billing.MinorUnitPlaces(exp.Currency)
	s := exp.Stats.Summary
	lines := [][2]string{
		{"Records", fmt.Sprintf("%d", s.RecordCount)},
		{"Total billed", s.TotalBilled.StringFixed(places) + " " + exp.Currency},
		{"Total paid", s.TotalPaid.StringFixed(places) + " " + exp.Currency},
		{"Outstanding", s.Outstanding.StringFixed(places) + " " + exp.Currency},
		{"Collection rate", s.CollectionRate.Shift(2).StringFixed(2) + " %"},
	}
	for _, st := range billing.Statuses {
		lines = append(lines, [2]string{"Status " + string(st), fmt.Sprintf("%d", s.CountsByStatus[st])})
	}
	return lines
}
