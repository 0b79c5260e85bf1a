package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func detail(readingID int64, meterType meterdomain.MeterType, usage, price, amount string) BillDetail {
	return BillDetail{
		MeterReadingID: snowflake.ID(readingID),
		MeterType:      meterType,
		Usage:          decimal.RequireFromString(usage),
		UnitPrice:      decimal.RequireFromString(price),
		Amount:         decimal.RequireFromString(amount),
	}
}

func TestBuildBreakdown(t *testing.T) {
	b := BuildBreakdown([]BillDetail{
		detail(1, meterdomain.MeterTypeElectricity, "50", "0.6", "30"),
		detail(2, meterdomain.MeterTypeColdWater, "2", "3.5", "7"),
		detail(3, meterdomain.MeterTypeElectricity, "50", "0.8", "40"),
	})

	require.NotNil(t, b.Electricity)
	assert.True(t, b.Electricity.Usage.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Electricity.Amount.Equal(decimal.NewFromInt(70)))
	assert.True(t, b.Electricity.UnitPrice.Equal(decimal.RequireFromString("0.7")), b.Electricity.UnitPrice.String())
	require.NotNil(t, b.Water)
	assert.Nil(t, b.Gas)
	assert.True(t, b.Total().Equal(decimal.NewFromInt(77)))
	assert.Len(t, b.Entries(), 2)
}

func TestMetadataRoundTripAndReferences(t *testing.T) {
	legacy := snowflake.ID(9)
	ud := BuildUtilityDetails("AGGREGATED", []BillDetail{
		detail(1, meterdomain.MeterTypeElectricity, "50", "0.6", "30"),
		detail(1, meterdomain.MeterTypeElectricity, "50", "0.6", "30"),
		detail(2, meterdomain.MeterTypeGas, "1", "2.8", "2.8"),
	})
	ud.LegacyMeterReadingID = &legacy

	raw, err := EncodeMetadata(BillMetadata{UtilityDetails: ud})
	require.NoError(t, err)

	decoded, err := DecodeMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{1, 2, 9}, decoded.ReferencedReadingIDs())

	snap, ok := decoded.Snapshot(2)
	require.True(t, ok)
	assert.Equal(t, meterdomain.MeterTypeGas, snap.MeterType)
}

func TestDecodeMetadata(t *testing.T) {
	meta, err := DecodeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, meta.UtilityDetails)

	_, err = DecodeMetadata(datatypes.JSON(`{"utilityDetails": "broken"`))
	assert.Error(t, err)
}

func TestBillNumber(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	number := NewBillNumber(node.Generate())
	assert.True(t, ValidBillNumber(number), number)
	assert.True(t, ValidBillNumber(NewBillNumber(snowflake.ID(35))))
	assert.Equal(t, "BILL00000Z", NewBillNumber(snowflake.ID(35)))

	assert.False(t, ValidBillNumber("BILL-1234"))
	assert.False(t, ValidBillNumber("bill123456"))
	assert.False(t, ValidBillNumber("BILL12345"))
}
