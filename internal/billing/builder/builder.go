// Package builder turns meter readings into bill line items.
package builder

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/config"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
)

// Input is one reading to bill. OverridePrice replaces the configured price
// for this line only.
type Input struct {
	Reading       meterdomain.ReadingView
	OverridePrice *decimal.Decimal
}

// BuildDetail prices one reading. Zero usage still yields a line.
func BuildDetail(cfg config.BillingConfig, in Input) (billingdomain.DetailDraft, error) {
	r := in.Reading
	if r.IsBilled {
		return billingdomain.DetailDraft{}, apperror.Violation(billingdomain.ErrReadingAlreadyBilled,
			"reading "+r.ID.String()+" is already billed", "skip the reading or repair its billed flag")
	}

	configured := r.UnitPrice
	if !configured.IsPositive() {
		configured = r.MeterUnitPrice
	}
	price, overridden := calculator.ResolveUnitPrice(cfg, string(r.MeterType), configured, in.OverridePrice)

	computed, err := calculator.ComputeUsage(r.PreviousReading, r.CurrentReading, price)
	if err != nil {
		return billingdomain.DetailDraft{}, err
	}

	source := billingdomain.PriceSourceMeterConfig
	if overridden {
		source = billingdomain.PriceSourceManualOverride
	}

	return billingdomain.DetailDraft{
		Period: r.Period,
		Detail: billingdomain.BillDetail{
			MeterReadingID:  r.ID,
			MeterID:         r.MeterID,
			MeterType:       r.MeterType,
			MeterName:       r.MeterName,
			PreviousReading: r.PreviousReading,
			CurrentReading:  r.CurrentReading,
			Usage:           computed.Usage,
			UnitPrice:       price,
			Amount:          computed.Amount,
			PriceSource:     source,
		},
	}, nil
}

// BuildDetails prices every unbilled reading, skipping billed ones. With
// requireNonEmpty an empty result is an EmptyReadingSet validation error.
func BuildDetails(cfg config.BillingConfig, inputs []Input, requireNonEmpty bool) ([]billingdomain.DetailDraft, error) {
	drafts := make([]billingdomain.DetailDraft, 0, len(inputs))
	for _, in := range inputs {
		if in.Reading.IsBilled {
			continue
		}
		draft, err := BuildDetail(cfg, in)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	if requireNonEmpty && len(drafts) == 0 {
		return nil, apperror.Validation(billingdomain.ErrEmptyReadingSet, "readings", "at least one unbilled reading is required")
	}
	return drafts, nil
}
