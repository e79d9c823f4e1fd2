package billing

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const DefaultCurrency = "KES"

// minor-unit exponents for the currencies the console bills in; anything else uses 2.
var minorUnits = map[string]int32{
	"KES": 2,
	"TZS": 2,
	"ZAR": 2,
	"NGN": 2,
	"GHS": 2,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"UGX": 0,
	"RWF": 0,
	"BIF": 0,
	"JPY": 0,
}

// MinorUnitPlaces returns the number of decimal places of the currency's minor unit.
func MinorUnitPlaces(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return places
	}
	return 2
}

// AmountFitsCurrency reports whether amount is a whole number of the currency's minor unit.
func AmountFitsCurrency(amount decimal.Decimal, currency string) bool {
	places := MinorUnitPlaces(currency)
	return amount.Equal(amount.Truncate(places))
}

// ToMinorUnits converts amount to an integer count of minor units. amount must fit the currency.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorUnitPlaces(currency)).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnitPlaces(currency))
}

// ComputeSetupFee returns the flat setup fee unchanged once it is known to be billable.
func ComputeSetupFee(flat decimal.Decimal, currency string) (decimal.Decimal, error) {
	if !flat.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "setup fee %s must be greater than zero", flat)
	}
	if !AmountFitsCurrency(flat, currency) {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "setup fee %s is finer than the %s minor unit", flat, currency)
	}
	return flat, nil
}

// ComputeSubscriptionFee returns studentCount * rate, rounded half-up to the currency's minor unit.
func ComputeSubscriptionFee(studentCount int, rate decimal.Decimal, currency string) (decimal.Decimal, error) {
	if studentCount <= 0 {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "student count %d must be greater than zero", studentCount)
	}
	if rate.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "per-student rate %s must not be negative", rate)
	}
	// both operands are non-negative so Round (half away from zero) is half-up
	return rate.Mul(decimal.NewFromInt(int64(studentCount))).Round(MinorUnitPlaces(currency)), nil
}
