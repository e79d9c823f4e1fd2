package billing

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-billing/core"
)

var (
	billingTypeTag  = "billing_type"
	billingTypeText = "must be one of setup_fee or subscription_fee"

	billingStatusTag  = "billing_status"
	billingStatusText = "must be one of pending, paid, overdue or cancelled"

	subscriptionTag  = "subscription"
	subscriptionText = "subscription fees need student_count, period_start and period_end"
)

// InitValidators registers the billing validation tags. core.InitValidators must run first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(billingTypeTag, func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, billingTypeTag, billingTypeText)

	_ = validate.RegisterValidation(billingStatusTag, func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, billingStatusTag, billingStatusText)

	validate.RegisterStructValidation(newRecordStructValidation, NewRecord{})
	core.RegisterCustomTranslation(validate, translator, subscriptionTag, subscriptionText)
}

func newRecordStructValidation(sl validator.StructLevel) {
	nr := sl.Current().Interface().(NewRecord)
	if nr.BillingType != TypeSubscriptionFee {
		return
	}
	if nr.StudentCount <= 0 {
		sl.ReportError(nr.StudentCount, "student_count", "StudentCount", subscriptionTag, "")
	}
	if nr.PeriodStart == nil {
		sl.ReportError(nr.PeriodStart, "period_start", "PeriodStart", subscriptionTag, "")
	}
	if nr.PeriodEnd == nil {
		sl.ReportError(nr.PeriodEnd, "period_end", "PeriodEnd", subscriptionTag, "")
	} else if nr.PeriodStart != nil && nr.PeriodEnd.Before(*nr.PeriodStart) {
		sl.ReportError(nr.PeriodEnd, "period_end", "PeriodEnd", subscriptionTag, "")
	}
}
