package emailsvc

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

const (
	batchTemplate = "billing/batch_completed.txt"
	sweepTemplate = "billing/overdue_marked.txt"
)

var notifierTemplates = map[string]string{
	batchTemplate: `A {{.Type}} batch completed at {{.At}}.

Created: {{len .Result.Created}}
Skipped: {{len .Result.Skipped}}
Failed:  {{len .Result.Failed}}
{{range .Result.Failed}}
  - {{.SchoolID}}: {{.Reason}} ({{.Code}})
{{- end}}
`,
	sweepTemplate: `The overdue sweep as of {{.At}} marked {{len .Result.Marked}} record(s) overdue.
{{range .Result.Marked}}
  - {{.InvoiceNumber}} ({{.SchoolID}}) {{.Amount.String}} {{.Currency}} due {{.DueDate.Format "2006-01-02"}}
{{- end}}
{{- if .Result.Failed}}

{{len .Result.Failed}} record(s) could not be marked:
{{- range .Result.Failed}}
  - {{.InvoiceNumber}}: {{.Reason}}
{{- end}}
{{- end}}
`,
}

// billingNotifier emails batch and sweep summaries to the billing operators.
// Overdue summaries carry a spreadsheet of the marked records when an exporter is set.
type billingNotifier struct {
	svc      core.EmailService
	to       mail.Address
	exporter billing.Exporter
	logger   core.Logger
}

var _ billing.Notifier = (*billingNotifier)(nil) // interface compliance check

// NewBillingNotifier returns nil when no notification address is configured.
func NewBillingNotifier(svc core.EmailService, conf *core.Config, exporter billing.Exporter, logger core.Logger) (billing.Notifier, error) {
	to, ok := conf.Billing.NotifyAddress()
	if !ok {
		return nil, nil
	}
	for name, text := range notifierTemplates {
		if err := core.RegisterEmailTemplate(name, text); err != nil {
			return nil, err
		}
	}
	return &billingNotifier{svc: svc, to: to, exporter: exporter, logger: logger}, nil
}

func (n *billingNotifier) BatchCompleted(_ context.Context, res billing.BatchResult) {
	n.svc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{n.to},
		Subject:      "Billing batch completed",
		TemplateName: batchTemplate,
		TemplateData: map[string]interface{}{
			"Type":   res.BillingType,
			"At":     time.Now().UTC().Format(time.RFC1123),
			"Result": res,
		},
	})
}

func (n *billingNotifier) OverdueMarked(ctx context.Context, res billing.SweepResult) {
	msg := &core.EmailMessage{
		To:           []mail.Address{n.to},
		Subject:      "Invoices marked overdue",
		TemplateName: sweepTemplate,
		TemplateData: map[string]interface{}{
			"At":     res.AsOf.Format("2006-01-02 15:04 MST"),
			"Result": res,
		},
	}
	if att, ok := n.overdueSheet(ctx, res); ok {
		msg.Attachments = append(msg.Attachments, att)
	}
	n.svc.SendMessages(msg)
}

// overdueSheet renders the marked records as an Excel export; the summary is still sent without it.
func (n *billingNotifier) overdueSheet(ctx context.Context, res billing.SweepResult) (core.EmailAttachment, bool) {
	if n.exporter == nil || len(res.Marked) == 0 {
		return core.EmailAttachment{}, false
	}
	exp := billing.BuildExport(res.Marked, nil, res.Marked[0].Currency, res.AsOf)
	exp.Title = "Overdue Billing Records"

	art, err := n.exporter.Render(ctx, billing.ExportExcel, exp)
	if err != nil {
		if n.logger != nil {
			n.logger.Error(fmt.Sprintf("rendering overdue export: %v", err), err)
		}
		return core.EmailAttachment{}, false
	}
	return core.EmailAttachment{Filename: "overdue-" + art.Filename, ContentType: art.ContentType, Content: art.Content}, true
}
