package billing

import (
	"strconv"
	"time"
)

type ExportFormat string

const (
	ExportPDF   ExportFormat = "pdf"
	ExportExcel ExportFormat = "excel"
)

func (f ExportFormat) Valid() bool {
	return f == ExportPDF || f == ExportExcel
}

// Artifact is a rendered, downloadable export.
type Artifact struct {
	Filename    string
	ContentType string
	Content     []byte
}

var ExportColumns = []string{
	"Invoice #", "School ID", "School", "Type", "Status", "Amount", "Students",
	"Period Start", "Period End", "Due Date", "Paid Date", "Payment Method", "Description",
}

// ExportRow is a record flattened to display strings, in ExportColumns order.
type ExportRow struct {
	InvoiceNumber string
	SchoolID      string
	SchoolName    string
	BillingType   string
	Status        string
	Amount        string
	StudentCount  string
	PeriodStart   string
	PeriodEnd     string
	DueDate       string
	PaidDate      string
	PaymentMethod string
	Description   string
}

func (r ExportRow) Values() []string {
	return []string{
		r.InvoiceNumber, r.SchoolID, r.SchoolName, r.BillingType, r.Status, r.Amount, r.StudentCount,
		r.PeriodStart, r.PeriodEnd, r.DueDate, r.PaidDate, r.PaymentMethod, r.Description,
	}
}

// Export is the format-agnostic projection handed to an Exporter.
type Export struct {
	Title       string
	GeneratedAt time.Time
	Currency    string
	Columns     []string
	Rows        []ExportRow
	Stats       Stats
}

func (e Export) FileStem() string {
	return "billing-records-" + e.GeneratedAt.UTC().Format("20060102-150405")
}

var typeLabels = map[Type]string{
	TypeSetupFee:        "Setup fee",
	TypeSubscriptionFee: "Subscription fee",
}

func fmtDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// BuildExport projects records and their aggregate into an Export. schoolNames may be partial.
func BuildExport(records []Record, schoolNames map[string]string, currency string, now time.Time) Export {
	places := MinorUnitPlaces(currency)
	rows := make([]ExportRow, 0, len(records))
	for _, rec := range records {
		row := ExportRow{
			InvoiceNumber: rec.InvoiceNumber,
			SchoolID:      rec.SchoolID,
			SchoolName:    schoolNames[rec.SchoolID],
			BillingType:   typeLabels[rec.BillingType],
			Status:        string(rec.Status),
			Amount:        rec.Amount.StringFixed(places),
			PeriodStart:   fmtDate(rec.BillingPeriodStart),
			PeriodEnd:     fmtDate(rec.BillingPeriodEnd),
			DueDate:       fmtDate(&rec.DueDate),
			PaidDate:      fmtDate(rec.PaidDate),
			PaymentMethod: rec.PaymentMethod,
			Description:   rec.Description,
		}
		if rec.StudentCount > 0 {
			row.StudentCount = strconv.Itoa(rec.StudentCount)
		}
		rows = append(rows, row)
	}

	return Export{
		Title:       "Billing Records",
		GeneratedAt: now,
		Currency:    currency,
		Columns:     ExportColumns,
		Rows:        rows,
		Stats:       Aggregate(records, currency),
	}
}
