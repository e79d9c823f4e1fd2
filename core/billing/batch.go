package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Failure explains why a school (or a record) could not be processed.
type Failure struct {
	SchoolID      string `json:"school_id"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	Reason        string `json:"reason"`
	Code          string `json:"code"`
}

// BatchResult is the complete summary of a batch: every requested school ends up in exactly one list.
type BatchResult struct {
	BillingType Type      `json:"billing_type"`
	Created     []Record  `json:"created"`
	Skipped     []string  `json:"skipped"`
	Failed      []Failure `json:"failed"`
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCreated
	outcomeSkipped
)

type schoolResult struct {
	outcome outcome
	record  Record
	failure Failure
}

// collector gathers per-school results from the worker pool in input order.
type collector struct {
	mu      sync.Mutex
	results []schoolResult
}

func newCollector(n int) *collector {
	return &collector{results: make([]schoolResult, n)}
}

func (c *collector) set(i int, r schoolResult) {
	c.mu.Lock()
	c.results[i] = r
	c.mu.Unlock()
}

func (c *collector) result(t Type) BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := BatchResult{BillingType: t, Created: make([]Record, 0), Skipped: make([]string, 0), Failed: make([]Failure, 0)}
	for _, r := range c.results {
		switch r.outcome {
		case outcomeCreated:
			res.Created = append(res.Created, r.record)
		case outcomeSkipped:
			res.Skipped = append(res.Skipped, r.record.SchoolID)
		default:
			res.Failed = append(res.Failed, r.failure)
		}
	}
	return res
}

// target is one school of a batch; err is set when the school cannot be billed at all.
type target struct {
	schoolID string
	school   School
	err      error
}

// plan is the billing policy applied to every school of a batch.
type plan struct {
	billingType Type
	amount      decimal.Decimal // setup fee
	rate        decimal.Decimal // subscription fee
	period      *Period
	dueDate     time.Time
	description string
}

func failed(schoolID string, err error) schoolResult {
	return schoolResult{
		outcome: outcomeFailed,
		record:  Record{SchoolID: schoolID},
		failure: Failure{SchoolID: schoolID, Reason: err.Error(), Code: failureCode(err)},
	}
}

func skipped(schoolID string) schoolResult {
	return schoolResult{outcome: outcomeSkipped, record: Record{SchoolID: schoolID}}
}

// CreateSetupFees bills a one-time setup fee to every school in scope that does not have one yet.
func (svc *Service) CreateSetupFees(ctx context.Context, nsf NewSetupFees) (BatchResult, error) {
	amount, err := ComputeSetupFee(nsf.Amount, svc.opts.Currency)
	if err != nil {
		return BatchResult{}, err
	}

	today := truncateDay(svc.now())
	p := plan{
		billingType: TypeSetupFee,
		amount:      amount,
		dueDate:     today.Add(svc.opts.DueIn),
		description: strings.TrimSpace(nsf.Description),
	}
	if nsf.DueDate != nil {
		p.dueDate = nsf.DueDate.UTC()
	}
	if p.description == "" {
		p.description = "One-time platform setup fee"
	}
	return svc.runBatch(ctx, nsf.Scope, p)
}

// CreateSubscriptionFees bills every school in scope its active student count times rate for the period.
func (svc *Service) CreateSubscriptionFees(ctx context.Context, nsf NewSubscriptionFees) (BatchResult, error) {
	period := nsf.Period()
	period.Start, period.End = period.Start.UTC(), period.End.UTC()
	if err := period.Validate(); err != nil {
		return BatchResult{}, err
	}
	if nsf.Rate.IsNegative() {
		return BatchResult{}, errors.Wrapf(ErrInvalidAmount, "per-student rate %s must not be negative", nsf.Rate)
	}

	p := plan{
		billingType: TypeSubscriptionFee,
		rate:        nsf.Rate,
		period:      &period,
		dueDate:     truncateDay(period.Start).Add(svc.opts.DueIn),
		description: strings.TrimSpace(nsf.Description),
	}
	if nsf.DueDate != nil {
		p.dueDate = nsf.DueDate.UTC()
	}
	return svc.runBatch(ctx, nsf.Scope, p)
}

func (svc *Service) runBatch(ctx context.Context, scope Scope, p plan) (BatchResult, error) {
	started := time.Now()

	targets, err := svc.resolveScope(ctx, scope)
	if err != nil {
		return BatchResult{}, err
	}

	keys := make([]string, len(targets))
	for i, tgt := range targets {
		keys[i] = IdempotencyKey(tgt.schoolID, p.billingType, p.period)
	}
	existing := svc.existingKeys(ctx, keys)

	batchCtx, cancel := context.WithTimeout(ctx, svc.opts.BatchTimeout)
	defer cancel()

	col := newCollector(len(targets))
	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(svc.opts.Workers)

	for i, tgt := range targets {
		i, tgt := i, tgt
		if err := gctx.Err(); err != nil {
			col.set(i, failed(tgt.schoolID, errors.Wrap(ErrStoreUnavailable, "batch deadline exceeded before processing")))
			continue
		}
		if tgt.err == nil && existing[keys[i]] {
			col.set(i, skipped(tgt.schoolID))
			continue
		}
		g.Go(func() error {
			col.set(i, svc.billSchool(gctx, tgt, keys[i], p))
			return nil // per-school failures never stop the batch
		})
	}
	_ = g.Wait()

	res := col.result(p.billingType)
	svc.metrics.BatchCompleted(res, time.Since(started))
	svc.notifier.BatchCompleted(ctx, res)
	svc.logger.Info(fmt.Sprintf(
		"%s batch: %d created, %d skipped, %d failed",
		p.billingType, len(res.Created), len(res.Skipped), len(res.Failed),
	))
	return res, nil
}

func (svc *Service) billSchool(ctx context.Context, tgt target, key string, p plan) schoolResult {
	if tgt.err != nil {
		return failed(tgt.schoolID, tgt.err)
	}

	now := svc.now().UTC()
	rec := Record{
		IdempotencyKey: key,
		SchoolID:       tgt.schoolID,
		BillingType:    p.billingType,
		Currency:       svc.opts.Currency,
		Status:         StatusPending,
		DueDate:        p.dueDate,
		Description:    p.description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch p.billingType {
	case TypeSetupFee:
		rec.Amount = p.amount
	case TypeSubscriptionFee:
		count := tgt.school.ActiveStudentCount // snapshot
		amount, err := ComputeSubscriptionFee(count, p.rate, svc.opts.Currency)
		if err != nil {
			return failed(tgt.schoolID, err)
		}
		start, end := p.period.Start, p.period.End
		rec.Amount = amount
		rec.StudentCount = count
		rec.BillingPeriodStart, rec.BillingPeriodEnd = &start, &end
		if rec.Description == "" {
			rec.Description = fmt.Sprintf(
				"Subscription fee %s to %s: %d students at %s %s",
				start.Format("2006-01-02"), end.Format("2006-01-02"), count, svc.opts.Currency, p.rate.StringFixed(MinorUnitPlaces(svc.opts.Currency)),
			)
		}
	}
	if err := rec.Validate(); err != nil {
		return failed(tgt.schoolID, err)
	}

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	created, err := svc.insertNumbered(sctx, rec, p.period)
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return skipped(tgt.schoolID) // lost the race to a concurrent batch
		}
		return failed(tgt.schoolID, err)
	}
	return schoolResult{outcome: outcomeCreated, record: created}
}

// resolveScope turns a scope into batch targets, in request order for explicit IDs.
func (svc *Service) resolveScope(ctx context.Context, scope Scope) ([]target, error) {
	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	if scope.All() {
		schools, err := svc.schools.ListSchools(sctx, SchoolFilter{ActiveOnly: true})
		if err != nil {
			return nil, StoreError(err, "listing active schools")
		}
		targets := make([]target, 0, len(schools))
		for _, s := range schools {
			targets = append(targets, target{schoolID: s.ID, school: s})
		}
		return targets, nil
	}

	scope.SchoolIDs = cleanIDs(scope.SchoolIDs)
	schools, err := svc.schools.ListSchools(sctx, SchoolFilter{IDs: scope.SchoolIDs})
	if err != nil {
		return nil, StoreError(err, "listing schools")
	}
	byID := make(map[string]School, len(schools))
	for _, s := range schools {
		byID[s.ID] = s
	}

	targets := make([]target, 0, len(scope.SchoolIDs))
	for _, id := range scope.SchoolIDs {
		tgt := target{schoolID: id}
		if s, ok := byID[id]; !ok {
			tgt.err = errors.Wrapf(ErrSchoolNotFound, "school %q", id)
		} else if !s.IsActive() {
			tgt.err = errors.Wrapf(ErrSchoolInactive, "school %q is %s", id, s.Status)
		} else {
			tgt.school = s
		}
		targets = append(targets, tgt)
	}
	return targets, nil
}

// existingKeys is the fast-path duplicate check; the store's unique constraint stays authoritative.
func (svc *Service) existingKeys(ctx context.Context, keys []string) map[string]bool {
	if len(keys) == 0 {
		return map[string]bool{}
	}
	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	existing, err := svc.repo.ExistingKeys(sctx, keys)
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("checking existing idempotency keys: %v", err), err)
		return map[string]bool{}
	}
	return existing
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
