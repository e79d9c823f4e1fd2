package billing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
)

var (
	ErrNotFound           = errors.New("billing record not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateKey       = errors.New("billing record already exists")
	ErrConflict           = errors.New("billing record was modified concurrently")
	ErrStoreUnavailable   = errors.New("billing store unavailable")
	ErrSchoolNotFound     = errors.New("school not found")
	ErrSchoolInactive     = errors.New("school is not active")
	ErrInvoiceNumberTaken = errors.New("invoice number already assigned") // sequencer behind the store
)

// Failure codes reported per school in batch results.
const (
	CodeInvalidAmount    = "invalid_amount"
	CodeValidation       = "validation_error"
	CodeStoreUnavailable = "store_unavailable"
	CodeSchoolNotFound   = "school_not_found"
	CodeSchoolInactive   = "school_inactive"
	CodeConflict         = "conflict"
	CodeInternal         = "internal_error"
)

// IsRetryable reports whether err is transient and the operation may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvoiceNumberTaken)
}

// StoreError wraps store failures, mapping deadline and cancellation errors to ErrStoreUnavailable.
func StoreError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(ErrStoreUnavailable, msg+": "+err.Error())
	}
	return errors.Wrap(err, msg)
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case core.IsValidationError(err):
		return CodeValidation
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeStoreUnavailable
	case errors.Is(err, ErrSchoolNotFound):
		return CodeSchoolNotFound
	case errors.Is(err, ErrSchoolInactive):
		return CodeSchoolInactive
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvoiceNumberTaken):
		return CodeConflict
	}
	return CodeInternal
}
