package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
)

type (
	// Repository is the billing record store.
	// CreateRecord returns ErrDuplicateKey when the idempotency key is taken.
	// UpdateStatus and AmendRecord are compare-and-swap writes returning ErrConflict when the
	// record is no longer in the expected state, and ErrNotFound when it does not exist.
	Repository interface {
		CreateRecord(ctx context.Context, rec Record) (Record, error)
		GetRecord(ctx context.Context, id string) (Record, error)
		// ExistingKeys returns the subset of keys already held by a record.
		ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error)
		// LastInvoiceSequence returns the highest stored sequence for (prefix, year), 0 when none.
		LastInvoiceSequence(ctx context.Context, prefix string, year int) (int64, error)
		UpdateStatus(ctx context.Context, id string, from Status, upd StatusUpdate) (Record, error)
		// AmendRecord writes amount, description, due date and updated_at of a record still pending.
		AmendRecord(ctx context.Context, rec Record) (Record, error)
		QueryRecords(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, page *Pagination) ([]Record, error)
		CountRecords(ctx context.Context, filter *QueryFilter) (int, error)
	}

	// SchoolDirectory is the read-only view of schools and their active student counts.
	SchoolDirectory interface {
		ListSchools(ctx context.Context, filter SchoolFilter) ([]School, error)
	}

	// Exporter renders an export projection into a downloadable artifact.
	Exporter interface {
		Render(ctx context.Context, format ExportFormat, exp Export) (Artifact, error)
	}

	Metrics interface {
		BatchCompleted(res BatchResult, elapsed time.Duration)
		StatusChanged(from, to Status)
		OverdueSwept(res SweepResult)
	}

	// Notifier is told about completed batches and sweeps.
	Notifier interface {
		BatchCompleted(ctx context.Context, res BatchResult)
		OverdueMarked(ctx context.Context, res SweepResult)
	}

	ServiceInterface interface {
		CreateSetupFees(ctx context.Context, nsf NewSetupFees) (BatchResult, error)
		CreateSubscriptionFees(ctx context.Context, nsf NewSubscriptionFees) (BatchResult, error)
		CreateRecord(ctx context.Context, nr NewRecord) (Record, error)
		GetRecord(ctx context.Context, id string) (Record, error)
		ListRecords(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, page Pagination) (Page, error)
		TransitionStatus(ctx context.Context, id string, change StatusChange) (Record, error)
		Amend(ctx context.Context, id string, ar AmendRecord) (Record, error)
		SweepOverdue(ctx context.Context, asOf time.Time) (SweepResult, error)
		GetStats(ctx context.Context, filter *QueryFilter) (Stats, error)
		Export(ctx context.Context, filter *QueryFilter, format ExportFormat) (Artifact, error)
	}
)

// Options tunes the engine; zero values fall back to defaults.
type Options struct {
	Currency     string
	DueIn        time.Duration
	Workers      int
	BatchTimeout time.Duration
	StoreTimeout time.Duration
}

func OptionsFromConfig(conf *core.Config) Options {
	return Options{
		Currency:     conf.Billing.Currency,
		DueIn:        conf.Billing.DueIn,
		Workers:      conf.Billing.Workers,
		BatchTimeout: conf.Billing.BatchTimeout,
		StoreTimeout: conf.Billing.StoreTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
	if o.DueIn <= 0 {
		o.DueIn = 30 * 24 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 2 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(svc *Service) {
		if m != nil {
			svc.metrics = m
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(svc *Service) {
		if n != nil {
			svc.notifier = n
		}
	}
}

func WithExporter(e Exporter) Option {
	return func(svc *Service) { svc.exporter = e }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) {
		svc.now = now
		svc.numberer.now = now
	}
}

type Service struct {
	repo     Repository
	schools  SchoolDirectory
	numberer *InvoiceNumberer
	exporter Exporter
	metrics  Metrics
	notifier Notifier
	logger   core.Logger
	opts     Options
	now      func() time.Time
}

var _ ServiceInterface = (*Service)(nil) // interface compliance check

func NewService(
	repo Repository,
	schools SchoolDirectory,
	seq Sequencer,
	logger core.Logger,
	opts Options,
	options ...Option,
) *Service {
	svc := &Service{
		repo:     repo,
		schools:  schools,
		numberer: NewInvoiceNumberer(seq),
		metrics:  nopMetrics{},
		notifier: nopNotifier{},
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(svc)
	}
	return svc
}

func (svc *Service) Currency() string { return svc.opts.Currency }

// storeCtx bounds a single store call.
func (svc *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, svc.opts.StoreTimeout)
}

// stamp returns a UTC timestamp strictly after prev, at the microsecond precision stores keep.
func (svc *Service) stamp(prev time.Time) time.Time {
	now := svc.now().UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (svc *Service) CreateRecord(ctx context.Context, nr NewRecord) (Record, error) {
	if !nr.BillingType.Valid() {
		return Record{}, core.NewValidationError(nil, core.FieldError{Field: "billing_type", Error: "invalid billing type"})
	}

	var amount = nr.Amount
	var err error
	if nr.BillingType == TypeSetupFee {
		amount, err = ComputeSetupFee(nr.Amount, svc.opts.Currency)
		if err != nil {
			return Record{}, err
		}
	}

	now := svc.now().UTC()
	rec := Record{
		SchoolID:     nr.SchoolID,
		BillingType:  nr.BillingType,
		Amount:       amount,
		Currency:     svc.opts.Currency,
		Status:       StatusPending,
		StudentCount: nr.StudentCount,
		DueDate:      nr.DueDate.UTC(),
		Description:  nr.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	period := nr.period()
	if nr.BillingType == TypeSubscriptionFee && period != nil {
		start, end := period.Start.UTC(), period.End.UTC()
		rec.BillingPeriodStart, rec.BillingPeriodEnd = &start, &end
	} else {
		period = nil
	}
	if err = rec.Validate(); err != nil {
		return Record{}, err
	}
	if !nr.AllowDuplicate {
		rec.IdempotencyKey = IdempotencyKey(rec.SchoolID, rec.BillingType, period)
	}

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	return svc.insertNumbered(sctx, rec, period)
}

// numberingAttempts bounds how many invoice numbers one insert may try.
const numberingAttempts = 3

// insertNumbered assigns rec the next invoice number and stores it.
// A number the store already holds means the sequencer fell behind (e.g. a flushed redis counter):
// the counter is moved past the highest stored number and the insert retried.
func (svc *Service) insertNumbered(ctx context.Context, rec Record, period *Period) (Record, error) {
	for attempt := 1; ; attempt++ {
		number, err := svc.numberer.Next(ctx, rec.SchoolID, rec.BillingType, period)
		if err != nil {
			return Record{}, err
		}
		rec.InvoiceNumber = number

		created, err := svc.repo.CreateRecord(ctx, rec)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrInvoiceNumberTaken) || attempt == numberingAttempts {
			return Record{}, StoreError(err, "creating billing record")
		}
		svc.logger.Warn(fmt.Sprintf("invoice number %s already assigned, resyncing sequence", number), err)
		if err = svc.resyncSequence(ctx, number); err != nil {
			return Record{}, err
		}
	}
}

func (svc *Service) resyncSequence(ctx context.Context, taken string) error {
	prefix, year, _, err := ParseInvoiceNumber(taken)
	if err != nil {
		return err
	}
	last, err := svc.repo.LastInvoiceSequence(ctx, prefix, year)
	if err != nil {
		return StoreError(err, "finding last invoice number")
	}
	moved, err := svc.numberer.Rebase(ctx, prefix, year, last)
	if err == nil && !moved {
		svc.logger.Warn(fmt.Sprintf("%s-%d sequence cannot be rebased past %d, retrying with the next value", prefix, year, last))
	}
	return err
}

func (svc *Service) GetRecord(ctx context.Context, id string) (Record, error) {
	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	rec, err := svc.repo.GetRecord(sctx, id)
	if err != nil {
		return Record{}, StoreError(err, "finding billing record")
	}
	return rec, nil
}

func (svc *Service) ListRecords(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, page Pagination) (Page, error) {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.PageSize > MaxPageSize {
		page.PageSize = MaxPageSize
	}

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	total, err := svc.repo.CountRecords(sctx, filter)
	if err != nil {
		return Page{}, StoreError(err, "counting billing records")
	}
	records, err := svc.repo.QueryRecords(sctx, filter, ordering, &page)
	if err != nil {
		return Page{}, StoreError(err, "querying billing records")
	}
	return Page{Records: records, Total: total, Page: page.Page, PageSize: page.PageSize}, nil
}

func (svc *Service) GetStats(ctx context.Context, filter *QueryFilter) (Stats, error) {
	records, err := svc.queryAll(ctx, filter)
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(records, svc.opts.Currency), nil
}

func (svc *Service) Export(ctx context.Context, filter *QueryFilter, format ExportFormat) (Artifact, error) {
	if !format.Valid() {
		return Artifact{}, core.NewValidationError(nil, core.FieldError{
			Field: "format", Error: fmt.Sprintf("must be one of %q or %q", ExportPDF, ExportExcel),
		})
	}
	if svc.exporter == nil {
		return Artifact{}, errors.New("no exporter configured")
	}

	records, err := svc.queryAll(ctx, filter)
	if err != nil {
		return Artifact{}, err
	}
	exp := BuildExport(records, svc.schoolNames(ctx, records), svc.opts.Currency, svc.now().UTC())

	art, err := svc.exporter.Render(ctx, format, exp)
	if err != nil {
		return Artifact{}, errors.Wrapf(err, "rendering %s export", format)
	}
	return art, nil
}

func (svc *Service) queryAll(ctx context.Context, filter *QueryFilter) ([]Record, error) {
	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	ordering := []core.DBOrdering{{Field: "school_id", Ascending: true}, {Field: "invoice_number", Ascending: true}}
	records, err := svc.repo.QueryRecords(sctx, filter, ordering, nil)
	if err != nil {
		return nil, StoreError(err, "querying billing records")
	}
	return records, nil
}

// schoolNames is best effort: an export still lists school IDs when the directory is unreachable.
func (svc *Service) schoolNames(ctx context.Context, records []Record) map[string]string {
	names := make(map[string]string)
	if svc.schools == nil || len(records) == 0 {
		return names
	}
	ids := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if !seen[rec.SchoolID] {
			seen[rec.SchoolID] = true
			ids = append(ids, rec.SchoolID)
		}
	}

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	schools, err := svc.schools.ListSchools(sctx, SchoolFilter{IDs: ids})
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("listing schools for export: %v", err), err)
		return names
	}
	for _, s := range schools {
		names[s.ID] = s.Name
	}
	return names
}

type nopMetrics struct{}

func (nopMetrics) BatchCompleted(BatchResult, time.Duration) {}
func (nopMetrics) StatusChanged(Status, Status)              {}
func (nopMetrics) OverdueSwept(SweepResult)                  {}

type nopNotifier struct{}

func (nopNotifier) BatchCompleted(context.Context, BatchResult) {}
func (nopNotifier) OverdueMarked(context.Context, SweepResult)  {}
