// Package domain contains the persistence models for utility meters and their readings.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// MeterType identifies the utility a meter measures.
type MeterType string

const (
	MeterTypeElectricity MeterType = "ELECTRICITY"
	MeterTypeColdWater   MeterType = "COLD_WATER"
	MeterTypeHotWater    MeterType = "HOT_WATER"
	MeterTypeGas         MeterType = "GAS"
)

func (t MeterType) Valid() bool {
	switch t {
	case MeterTypeElectricity, MeterTypeColdWater, MeterTypeHotWater, MeterTypeGas:
		return true
	default:
		return false
	}
}

// MaxCodeLength bounds the slug stored in the indexed code column.
const MaxCodeLength = 128

// Meter is a physical measurement point attached to a room. A meter that has
// readings is only ever deactivated, never deleted.
type Meter struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	RoomID    snowflake.ID    `json:"room_id" gorm:"not null;uniqueIndex:ux_meters_room_code,priority:1"`
	Code      string          `json:"code" gorm:"type:varchar(128);not null;uniqueIndex:ux_meters_room_code,priority:2"`
	Name      string          `json:"name" gorm:"type:text;not null"`
	MeterType MeterType       `json:"meter_type" gorm:"type:varchar(32);not null;index"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,4);not null"`
	IsActive  bool            `json:"is_active" gorm:"not null"`
	CreatedAt time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"not null"`
}

func (Meter) TableName() string { return "meters" }

// MeterReading is one measurement event. Once IsBilled is set the reading is
// immutable and cannot be deleted.
type MeterReading struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	MeterID         snowflake.ID    `json:"meter_id" gorm:"not null;index"`
	ContractID      *snowflake.ID   `json:"contract_id,omitempty" gorm:"index"`
	PreviousReading decimal.Decimal `json:"previous_reading" gorm:"type:numeric(14,4);not null"`
	CurrentReading  decimal.Decimal `json:"current_reading" gorm:"type:numeric(14,4);not null"`
	Usage           decimal.Decimal `json:"usage" gorm:"column:usage_value;type:numeric(14,4);not null"`
	UnitPrice       decimal.Decimal `json:"unit_price" gorm:"type:numeric(12,4);not null"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	Period          string          `json:"period" gorm:"type:varchar(7);not null;index"`
	ReadingDate     time.Time       `json:"reading_date" gorm:"not null"`
	IsBilled        bool            `json:"is_billed" gorm:"not null;index"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (MeterReading) TableName() string { return "meter_readings" }

// ReadingView is a reading joined with the meter it belongs to. The meter
// columns stay resolvable after a soft delete.
type ReadingView struct {
	MeterReading
	RoomID         snowflake.ID    `json:"room_id"`
	MeterName      string          `json:"meter_name"`
	MeterType      MeterType       `json:"meter_type"`
	MeterUnitPrice decimal.Decimal `json:"meter_unit_price"`
	MeterActive    bool            `json:"meter_active"`
}

// RemovalAction tells which branch a meter removal took.
type RemovalAction string

const (
	RemovalSoftDeleted RemovalAction = "SOFT_DELETED"
	RemovalHardDeleted RemovalAction = "HARD_DELETED"
)

type RemovalOutcome struct {
	MeterID      snowflake.ID  `json:"meter_id"`
	Action       RemovalAction `json:"action"`
	ReadingCount int64         `json:"reading_count"`
}

// UsageStats totals readings of one meter type, including readings of
// deactivated meters.
type UsageStats struct {
	MeterType    MeterType       `json:"meter_type"`
	ReadingCount int64           `json:"reading_count"`
	TotalUsage   decimal.Decimal `json:"total_usage"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}
