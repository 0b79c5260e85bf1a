// Package calculator turns a pair of meter readings and a unit price into
// usage and a currency amount. It has no side effects.
package calculator

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	"github.com/smallbiznis/rentway/internal/config"
)

var (
	ErrInvalidReading   = errors.New("invalid_reading")
	ErrInvalidUnitPrice = errors.New("invalid_unit_price")
)

// CurrencyPlaces is the precision every persisted amount is rounded to.
const CurrencyPlaces = 2

type Result struct {
	Usage  decimal.Decimal `json:"usage"`
	Amount decimal.Decimal `json:"amount"`
}

// ComputeUsage requires 0 <= previous <= current and unitPrice > 0. Meters
// never roll over, so a decreasing reading is rejected.
func ComputeUsage(previous, current, unitPrice decimal.Decimal) (Result, error) {
	if previous.IsNegative() {
		return Result{}, apperror.Validation(ErrInvalidReading, "previous_reading", "previous reading cannot be negative")
	}
	if current.LessThan(previous) {
		return Result{}, apperror.Validation(ErrInvalidReading, "current_reading",
			"current reading "+current.String()+" is below previous reading "+previous.String())
	}
	if !unitPrice.IsPositive() {
		return Result{}, apperror.Validation(ErrInvalidUnitPrice, "unit_price", "unit price must be positive")
	}

	usage := current.Sub(previous)
	return Result{
		Usage:  usage,
		Amount: RoundAmount(usage.Mul(unitPrice)),
	}, nil
}

// RoundAmount rounds half away from zero, which is half-up for the
// non-negative amounts billing produces.
func RoundAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(CurrencyPlaces)
}

// ResolveUnitPrice picks the price used for a reading. An explicit override
// wins, then the configured meter price, then the billing default for the
// meter type. overridden reports whether the override was used.
func ResolveUnitPrice(cfg config.BillingConfig, meterType string, configured decimal.Decimal, override *decimal.Decimal) (price decimal.Decimal, overridden bool) {
	if override != nil && override.IsPositive() {
		return *override, true
	}
	if configured.IsPositive() {
		return configured, false
	}
	return cfg.DefaultUnitPrice(meterType), false
}

// WithinEpsilon reports whether two amounts differ by no more than the
// configured tolerance.
func WithinEpsilon(cfg config.BillingConfig, a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(cfg.Epsilon())
}
