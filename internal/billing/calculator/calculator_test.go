package calculator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeUsage(t *testing.T) {
	cases := []struct {
		name     string
		previous string
		current  string
		price    string
		usage    string
		amount   string
	}{
		{name: "electricity", previous: "100", current: "150", price: "0.6", usage: "50", amount: "30"},
		{name: "zero consumption", previous: "42", current: "42", price: "3.5", usage: "0", amount: "0"},
		{name: "fractional usage keeps precision", previous: "10.125", current: "12.5", price: "1", usage: "2.375", amount: "2.38"},
		{name: "half rounds up", previous: "0", current: "1", price: "0.125", usage: "1", amount: "0.13"},
		{name: "below half rounds down", previous: "0", current: "1", price: "0.124", usage: "1", amount: "0.12"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComputeUsage(dec(tc.previous), dec(tc.current), dec(tc.price))
			require.NoError(t, err)
			assert.True(t, got.Usage.Equal(dec(tc.usage)), "usage %s", got.Usage)
			assert.True(t, got.Amount.Equal(dec(tc.amount)), "amount %s", got.Amount)
		})
	}
}

func TestComputeUsageRejectsDecreasingReading(t *testing.T) {
	_, err := ComputeUsage(dec("150"), dec("100"), dec("0.6"))
	require.ErrorIs(t, err, ErrInvalidReading)

	verr, ok := apperror.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "current_reading", verr.Field)
}

func TestComputeUsageRejectsBadInput(t *testing.T) {
	_, err := ComputeUsage(dec("-1"), dec("5"), dec("1"))
	assert.ErrorIs(t, err, ErrInvalidReading)

	_, err = ComputeUsage(dec("1"), dec("5"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidUnitPrice)
}

func TestResolveUnitPrice(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	override := dec("0.9")

	price, overridden := ResolveUnitPrice(cfg, "ELECTRICITY", dec("0.7"), &override)
	assert.True(t, price.Equal(override))
	assert.True(t, overridden)

	price, overridden = ResolveUnitPrice(cfg, "ELECTRICITY", dec("0.7"), nil)
	assert.True(t, price.Equal(dec("0.7")))
	assert.False(t, overridden)

	price, overridden = ResolveUnitPrice(cfg, "cold_water", decimal.Zero, nil)
	assert.True(t, price.Equal(dec("3.5")))
	assert.False(t, overridden)
}

func TestWithinEpsilon(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	assert.True(t, WithinEpsilon(cfg, dec("45.00"), dec("45.01")))
	assert.False(t, WithinEpsilon(cfg, dec("45.00"), dec("50.00")))
}
