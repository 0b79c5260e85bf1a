package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"gorm.io/gorm"
)

// Epoch is the fixed instant fixtures and fake clocks start from.
var Epoch = time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)

func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func SeedMeter(t *testing.T, db *gorm.DB, node *snowflake.Node, roomID snowflake.ID, name string, meterType meterdomain.MeterType, price string) meterdomain.Meter {
	t.Helper()
	m := meterdomain.Meter{
		ID:        node.Generate(),
		RoomID:    roomID,
		Code:      name,
		Name:      name,
		MeterType: meterType,
		UnitPrice: Dec(price),
		IsActive:  true,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("seed meter: %v", err)
	}
	return m
}

// SeedReading stores a priced, unbilled reading for the contract.
func SeedReading(t *testing.T, db *gorm.DB, node *snowflake.Node, meter meterdomain.Meter, contractID snowflake.ID, period, previous, current string) meterdomain.MeterReading {
	t.Helper()
	res, err := calculator.ComputeUsage(Dec(previous), Dec(current), meter.UnitPrice)
	if err != nil {
		t.Fatalf("compute usage: %v", err)
	}
	cid := contractID
	r := meterdomain.MeterReading{
		ID:              node.Generate(),
		MeterID:         meter.ID,
		ContractID:      &cid,
		PreviousReading: Dec(previous),
		CurrentReading:  Dec(current),
		Usage:           res.Usage,
		UnitPrice:       meter.UnitPrice,
		Amount:          res.Amount,
		Period:          period,
		ReadingDate:     Epoch,
		CreatedAt:       Epoch,
		UpdatedAt:       Epoch,
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed reading: %v", err)
	}
	return r
}
