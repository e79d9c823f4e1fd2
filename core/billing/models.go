package billing

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/masomo-billing/core"
)

// Type is the closed set of billing record kinds.
type Type string

const (
	TypeSetupFee        Type = "setup_fee"
	TypeSubscriptionFee Type = "subscription_fee"
)

var Types = []Type{TypeSetupFee, TypeSubscriptionFee}

func (t Type) Valid() bool {
	return t == TypeSetupFee || t == TypeSubscriptionFee
}

// Status is the closed set of payment lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

var Statuses = []Status{StatusPending, StatusPaid, StatusOverdue, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Period is an inclusive billing period.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Validate() error {
	var flds []core.FieldError
	if p.Start.IsZero() {
		flds = append(flds, core.FieldError{Field: "period_start", Error: "this field is required"})
	}
	if p.End.IsZero() {
		flds = append(flds, core.FieldError{Field: "period_end", Error: "this field is required"})
	}
	if flds == nil && p.End.Before(p.Start) {
		flds = append(flds, core.FieldError{Field: "period_end", Error: "must not be before period_start"})
	}
	if flds != nil {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// Record is a single charge issued to a school.
type Record struct {
	ID                 string          `json:"id"`
	InvoiceNumber      string          `json:"invoice_number"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	SchoolID           string          `json:"school_id"`
	BillingType        Type            `json:"billing_type"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Status             Status          `json:"status"`
	StudentCount       int             `json:"student_count,omitempty"`
	BillingPeriodStart *time.Time      `json:"billing_period_start,omitempty"`
	BillingPeriodEnd   *time.Time      `json:"billing_period_end,omitempty"`
	DueDate            time.Time       `json:"due_date"`
	PaidDate           *time.Time      `json:"paid_date,omitempty"`
	PaymentMethod      string          `json:"payment_method,omitempty"`
	Description        string          `json:"description"`
	CreatedAt          time.Time       `json:"created_at"` // UTC
	UpdatedAt          time.Time       `json:"updated_at"` // UTC
}

// Period returns the record's billing period, if any.
func (r Record) Period() *Period {
	if r.BillingPeriodStart == nil || r.BillingPeriodEnd == nil {
		return nil
	}
	return &Period{Start: *r.BillingPeriodStart, End: *r.BillingPeriodEnd}
}

// Validate checks the record invariants that hold in every state.
func (r Record) Validate() error {
	if !r.Amount.IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "amount %s must be greater than zero", r.Amount)
	}
	if !AmountFitsCurrency(r.Amount, r.Currency) {
		return errors.Wrapf(ErrInvalidAmount, "amount %s is finer than the %s minor unit", r.Amount, r.Currency)
	}

	var flds []core.FieldError
	if r.SchoolID == "" {
		flds = append(flds, core.FieldError{Field: "school_id", Error: "this field is required"})
	}
	if !r.BillingType.Valid() {
		flds = append(flds, core.FieldError{Field: "billing_type", Error: "invalid billing type"})
	}
	if !r.Status.Valid() {
		flds = append(flds, core.FieldError{Field: "status", Error: "invalid status"})
	}
	if r.DueDate.IsZero() {
		flds = append(flds, core.FieldError{Field: "due_date", Error: "this field is required"})
	}
	if strings.TrimSpace(r.Description) == "" {
		flds = append(flds, core.FieldError{Field: "description", Error: "this field cannot be blank"})
	}

	if r.BillingType == TypeSubscriptionFee {
		if r.StudentCount <= 0 {
			flds = append(flds, core.FieldError{Field: "student_count", Error: "must be greater than zero"})
		}
		if p := r.Period(); p == nil {
			flds = append(flds, core.FieldError{Field: "billing_period", Error: "this field is required"})
		} else if p.End.Before(p.Start) {
			flds = append(flds, core.FieldError{Field: "billing_period_end", Error: "must not be before billing_period_start"})
		}
	}

	if r.Status == StatusPaid {
		if r.PaidDate == nil {
			flds = append(flds, core.FieldError{Field: "paid_date", Error: "this field is required"})
		} else if !r.CreatedAt.IsZero() && truncateDay(*r.PaidDate).Before(truncateDay(r.CreatedAt)) {
			flds = append(flds, core.FieldError{Field: "paid_date", Error: "must not be before the day of created_at"})
		}
		if r.PaymentMethod == "" {
			flds = append(flds, core.FieldError{Field: "payment_method", Error: "this field is required"})
		}
	} else if r.PaidDate != nil || r.PaymentMethod != "" {
		flds = append(flds, core.FieldError{Field: "paid_date", Error: "only paid records carry payment details"})
	}

	if flds != nil {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// School is a billable tenant as seen through the SchoolDirectory.
type School struct {
	ID                 string `json:"id" db:"id"`
	Name               string `json:"name" db:"name"`
	ActiveStudentCount int    `json:"active_student_count" db:"active_student_count"`
	Status             string `json:"status" db:"status"`
}

const SchoolStatusActive = "active"

func (s School) IsActive() bool { return s.Status == SchoolStatusActive }

// SchoolFilter narrows a SchoolDirectory listing; an empty filter lists every school.
type SchoolFilter struct {
	IDs        []string
	ActiveOnly bool
}

// Scope selects the schools a batch applies to: explicit IDs, or all active schools when empty.
type Scope struct {
	SchoolIDs []string `json:"school_ids"`
}

func (s Scope) All() bool { return len(s.SchoolIDs) == 0 }

// NewSetupFees contains information needed to bill a one-time setup fee to a scope of schools.
type NewSetupFees struct {
	Scope
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"due_date"`
	Description string          `json:"description"`
}

func (n *NewSetupFees) Validate(validate *validator.Validate) error {
	n.Description = core.CleanString(n.Description)
	n.SchoolIDs = cleanIDs(n.SchoolIDs)
	if !n.Amount.IsPositive() {
		return core.NewValidationError(nil, core.FieldError{Field: "amount", Error: "must be greater than zero"})
	}
	return validate.Struct(n)
}

// NewSubscriptionFees contains information needed to bill a per-student fee for a period to a scope of schools.
type NewSubscriptionFees struct {
	Scope
	Rate        decimal.Decimal `json:"rate"`
	PeriodStart time.Time       `json:"period_start" validate:"required"`
	PeriodEnd   time.Time       `json:"period_end" validate:"required,gtefield=PeriodStart"`
	DueDate     *time.Time      `json:"due_date"`
	Description string          `json:"description"`
}

func (n *NewSubscriptionFees) Period() Period {
	return Period{Start: n.PeriodStart, End: n.PeriodEnd}
}

func (n *NewSubscriptionFees) Validate(validate *validator.Validate) error {
	n.Description = core.CleanString(n.Description)
	n.SchoolIDs = cleanIDs(n.SchoolIDs)
	if n.Rate.IsNegative() {
		return core.NewValidationError(nil, core.FieldError{Field: "rate", Error: "must not be negative"})
	}
	return validate.Struct(n)
}

// NewRecord contains information needed to create a single billing record directly.
type NewRecord struct {
	SchoolID     string          `json:"school_id" validate:"required,notblank"`
	BillingType  Type            `json:"billing_type" validate:"required,billing_type"`
	Amount       decimal.Decimal `json:"amount"`
	StudentCount int             `json:"student_count" validate:"omitempty,gt=0"`
	PeriodStart  *time.Time      `json:"period_start"`
	PeriodEnd    *time.Time      `json:"period_end"`
	DueDate      time.Time       `json:"due_date" validate:"required"`
	Description  string          `json:"description" validate:"required,notblank"`
	// AllowDuplicate skips the idempotency key, for corrective or extra charges.
	AllowDuplicate bool `json:"allow_duplicate"`
}

func (n *NewRecord) Validate(validate *validator.Validate) error {
	n.SchoolID = core.CleanString(n.SchoolID)
	n.Description = core.CleanString(n.Description)
	return validate.Struct(n)
}

func (n *NewRecord) period() *Period {
	if n.PeriodStart == nil || n.PeriodEnd == nil {
		return nil
	}
	return &Period{Start: *n.PeriodStart, End: *n.PeriodEnd}
}

// AmendRecord defines what information may be changed on a pending record.
type AmendRecord struct {
	Amount      *decimal.Decimal `json:"amount"`
	Description *string          `json:"description"`
	DueDate     *time.Time       `json:"due_date"`
}

func (a *AmendRecord) Validate() error {
	var flds []core.FieldError
	if a.Amount == nil && a.Description == nil && a.DueDate == nil {
		return core.NewValidationError(errors.New("nothing to amend"))
	}
	if a.Amount != nil && !a.Amount.IsPositive() {
		flds = append(flds, core.FieldError{Field: "amount", Error: "must be greater than zero"})
	}
	if a.Description != nil {
		desc := core.CleanString(*a.Description)
		a.Description = &desc
		if desc == "" {
			flds = append(flds, core.FieldError{Field: "description", Error: "this field cannot be blank"})
		}
	}
	if a.DueDate != nil && a.DueDate.IsZero() {
		flds = append(flds, core.FieldError{Field: "due_date", Error: "this field is required"})
	}
	if flds != nil {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// StatusChange is a request to move a record to another lifecycle state.
type StatusChange struct {
	Status        Status     `json:"status" validate:"required,billing_status"`
	PaymentMethod string     `json:"payment_method"`
	PaidDate      *time.Time `json:"paid_date"`
}

func (sc *StatusChange) Validate(validate *validator.Validate) error {
	sc.PaymentMethod = core.CleanString(sc.PaymentMethod, true /* lower */)
	return validate.Struct(sc)
}

// StatusUpdate is what the store writes on a successful transition.
type StatusUpdate struct {
	Status        Status
	PaymentMethod string
	PaidDate      *time.Time
	UpdatedAt     time.Time
}

// QueryFilter narrows record queries; every set field is ANDed.
// Search does a case-insensitive match on the invoice number or the description.
type QueryFilter struct {
	SchoolIDs   []string
	Statuses    []Status
	Types       []Type
	Search      string
	DueFrom     time.Time
	DueTo       time.Time
	CreatedFrom time.Time
	CreatedTo   time.Time
}

// Pagination is 1-based; a zero PageSize means no limit.
type Pagination struct {
	Page     int
	PageSize int
}

const MaxPageSize = 500

func (p Pagination) Offset() int {
	if p.Page <= 1 || p.PageSize <= 0 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Page is one slice of a record listing.
type Page struct {
	Records  []Record `json:"results"`
	Total    int      `json:"count"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

func cleanIDs(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = core.CleanString(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	return cleaned
}
