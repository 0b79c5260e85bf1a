package builder

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/config"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func view(id int64, meterType meterdomain.MeterType, prev, cur, price string) meterdomain.ReadingView {
	return meterdomain.ReadingView{
		MeterReading: meterdomain.MeterReading{
			ID:              snowflake.ID(id),
			MeterID:         snowflake.ID(id + 1000),
			PreviousReading: decimal.RequireFromString(prev),
			CurrentReading:  decimal.RequireFromString(cur),
			UnitPrice:       decimal.RequireFromString(price),
			Period:          "2024-01",
		},
		MeterName: string(meterType) + "-101",
		MeterType: meterType,
	}
}

func TestBuildDetailUsesMeterConfig(t *testing.T) {
	cfg := config.DefaultBillingConfig()

	draft, err := BuildDetail(cfg, Input{Reading: view(1, meterdomain.MeterTypeElectricity, "100", "150", "0.6")})
	require.NoError(t, err)

	assert.Equal(t, "2024-01", draft.Period)
	assert.Equal(t, billingdomain.PriceSourceMeterConfig, draft.Detail.PriceSource)
	assert.True(t, draft.Detail.Usage.Equal(decimal.NewFromInt(50)))
	assert.True(t, draft.Detail.Amount.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, "ELECTRICITY-101", draft.Detail.MeterName)
}

func TestBuildDetailOverride(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	override := decimal.RequireFromString("0.8")

	draft, err := BuildDetail(cfg, Input{
		Reading:       view(1, meterdomain.MeterTypeElectricity, "100", "150", "0.6"),
		OverridePrice: &override,
	})
	require.NoError(t, err)
	assert.Equal(t, billingdomain.PriceSourceManualOverride, draft.Detail.PriceSource)
	assert.True(t, draft.Detail.Amount.Equal(decimal.NewFromInt(40)))
}

func TestBuildDetailFallsBackToConfigDefault(t *testing.T) {
	cfg := config.DefaultBillingConfig()

	draft, err := BuildDetail(cfg, Input{Reading: view(1, meterdomain.MeterTypeColdWater, "10", "12", "0")})
	require.NoError(t, err)
	assert.True(t, draft.Detail.UnitPrice.Equal(decimal.RequireFromString("3.5")))
	assert.True(t, draft.Detail.Amount.Equal(decimal.NewFromInt(7)))
}

func TestBuildDetailsKeepsZeroUsageAndSkipsBilled(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	billed := view(3, meterdomain.MeterTypeGas, "1", "2", "2.8")
	billed.IsBilled = true

	drafts, err := BuildDetails(cfg, []Input{
		{Reading: view(1, meterdomain.MeterTypeElectricity, "100", "100", "0.6")},
		{Reading: view(2, meterdomain.MeterTypeColdWater, "5", "9", "3.5")},
		{Reading: billed},
	}, true)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.True(t, drafts[0].Detail.Amount.IsZero())
}

func TestBuildDetailsEmpty(t *testing.T) {
	cfg := config.DefaultBillingConfig()

	_, err := BuildDetails(cfg, nil, true)
	require.ErrorIs(t, err, billingdomain.ErrEmptyReadingSet)

	drafts, err := BuildDetails(cfg, nil, false)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestBuildDetailRejectsDecreasingReading(t *testing.T) {
	_, err := BuildDetail(config.DefaultBillingConfig(), Input{Reading: view(1, meterdomain.MeterTypeGas, "9", "3", "2.8")})
	assert.ErrorIs(t, err, calculator.ErrInvalidReading)
}
