package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
)

// transitions lists every allowed move; paid and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusOverdue, StatusCancelled},
	StatusOverdue: {StatusPaid, StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition evaluates the guards of moving rec to change.Status at `now`.
// Overdue may only be entered by the sweep, once the due date has passed.
func checkTransition(rec Record, change StatusChange, now time.Time, bySweep bool) (StatusUpdate, error) {
	if !CanTransition(rec.Status, change.Status) {
		return StatusUpdate{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s is not allowed", rec.Status, change.Status)
	}

	upd := StatusUpdate{Status: change.Status}
	switch change.Status {
	case StatusPaid:
		if change.PaymentMethod == "" {
			return StatusUpdate{}, errors.Wrap(ErrInvalidTransition, "a payment method is required to mark a record paid")
		}
		if change.PaidDate == nil || change.PaidDate.IsZero() {
			return StatusUpdate{}, errors.Wrap(ErrInvalidTransition, "a paid date is required to mark a record paid")
		}
		paid := change.PaidDate.UTC()
		if truncateDay(paid).Before(truncateDay(rec.CreatedAt)) { // a plain date on the creation day is fine
			return StatusUpdate{}, errors.Wrapf(ErrInvalidTransition, "paid date %s is before the record was created", paid.Format(time.RFC3339))
		}
		upd.PaymentMethod = change.PaymentMethod
		upd.PaidDate = &paid
	case StatusOverdue:
		if !bySweep {
			return StatusUpdate{}, errors.Wrap(ErrInvalidTransition, "records only become overdue through the overdue sweep")
		}
		if !now.After(rec.DueDate) {
			return StatusUpdate{}, errors.Wrapf(ErrInvalidTransition, "record is not past its due date %s", rec.DueDate.Format("2006-01-02"))
		}
	}
	return upd, nil
}

// TransitionStatus moves a record through the lifecycle.
// Guard violations return ErrInvalidTransition; losing a concurrent write returns ErrConflict.
func (svc *Service) TransitionStatus(ctx context.Context, id string, change StatusChange) (Record, error) {
	change.PaymentMethod = core.CleanString(change.PaymentMethod, true /* lower */)
	if !change.Status.Valid() {
		return Record{}, core.NewValidationError(nil, core.FieldError{Field: "status", Error: "invalid status"})
	}

	rec, err := svc.GetRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	upd, err := checkTransition(rec, change, svc.now().UTC(), false)
	if err != nil {
		return Record{}, err
	}
	return svc.applyTransition(ctx, rec, upd)
}

func (svc *Service) applyTransition(ctx context.Context, rec Record, upd StatusUpdate) (Record, error) {
	upd.UpdatedAt = svc.stamp(rec.UpdatedAt)

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	updated, err := svc.repo.UpdateStatus(sctx, rec.ID, rec.Status, upd)
	if err != nil {
		return Record{}, StoreError(err, fmt.Sprintf("updating status of %s", rec.InvoiceNumber))
	}
	svc.metrics.StatusChanged(rec.Status, upd.Status)
	return updated, nil
}

// SweepResult reports an overdue sweep.
type SweepResult struct {
	AsOf   time.Time `json:"as_of"`
	Marked []Record  `json:"marked"`
	Failed []Failure `json:"failed"`
}

// SweepOverdue marks every pending record whose due date is before asOf as overdue.
// Records changed concurrently are reported as failed, never fatal.
func (svc *Service) SweepOverdue(ctx context.Context, asOf time.Time) (SweepResult, error) {
	asOf = asOf.UTC()
	res := SweepResult{AsOf: asOf, Marked: make([]Record, 0), Failed: make([]Failure, 0)}

	filter := &QueryFilter{Statuses: []Status{StatusPending}, DueTo: asOf}
	candidates, err := svc.queryAll(ctx, filter)
	if err != nil {
		return res, err
	}

	for _, rec := range candidates {
		if err = ctx.Err(); err != nil {
			res.Failed = append(res.Failed, Failure{SchoolID: rec.SchoolID, InvoiceNumber: rec.InvoiceNumber, Reason: err.Error(), Code: CodeStoreUnavailable})
			continue
		}
		upd, err := checkTransition(rec, StatusChange{Status: StatusOverdue}, asOf, true)
		if err != nil {
			continue // due exactly at asOf
		}
		updated, err := svc.applyTransition(ctx, rec, upd)
		if err != nil {
			res.Failed = append(res.Failed, Failure{SchoolID: rec.SchoolID, InvoiceNumber: rec.InvoiceNumber, Reason: err.Error(), Code: failureCode(err)})
			continue
		}
		res.Marked = append(res.Marked, updated)
	}

	svc.metrics.OverdueSwept(res)
	if len(res.Marked) > 0 {
		svc.notifier.OverdueMarked(ctx, res)
	}
	svc.logger.Info(fmt.Sprintf("overdue sweep as of %s: %d marked, %d failed", asOf.Format(time.RFC3339), len(res.Marked), len(res.Failed)))
	return res, nil
}

// Amend changes the amount, description or due date of a pending record.
func (svc *Service) Amend(ctx context.Context, id string, ar AmendRecord) (Record, error) {
	if err := ar.Validate(); err != nil {
		return Record{}, err
	}

	rec, err := svc.GetRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, errors.Wrapf(ErrInvalidTransition, "only pending records can be amended; %s is %s", rec.InvoiceNumber, rec.Status)
	}

	if ar.Amount != nil {
		rec.Amount = *ar.Amount
	}
	if ar.Description != nil {
		rec.Description = *ar.Description
	}
	if ar.DueDate != nil {
		rec.DueDate = ar.DueDate.UTC()
	}
	if err = rec.Validate(); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = svc.stamp(rec.UpdatedAt)

	sctx, cancel := svc.storeCtx(ctx)
	defer cancel()

	amended, err := svc.repo.AmendRecord(sctx, rec)
	if err != nil {
		return Record{}, StoreError(err, fmt.Sprintf("amending %s", rec.InvoiceNumber))
	}
	return amended, nil
}
