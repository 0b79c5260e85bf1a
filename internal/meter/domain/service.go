package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	CreateMeter(ctx context.Context, req CreateMeterRequest) (*Meter, error)
	RecordReading(ctx context.Context, req RecordReadingRequest) (*RecordReadingResult, error)
	UpdateReading(ctx context.Context, req UpdateReadingRequest) (*MeterReading, error)
	DeleteReading(ctx context.Context, id snowflake.ID) error
	RemoveMeter(ctx context.Context, id snowflake.ID) (*RemovalOutcome, error)
	UsageStats(ctx context.Context, filter StatsFilter) (*UsageStats, error)
}

// AutoBiller generates bills for freshly recorded readings. It runs after the
// reading has committed, so its failure never loses the reading.
type AutoBiller interface {
	BillReadings(ctx context.Context, contractID snowflake.ID, readingIDs []snowflake.ID) ([]string, error)
}

type CreateMeterRequest struct {
	RoomID    string           `json:"room_id"`
	Name      string           `json:"name"`
	MeterType string           `json:"meter_type"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type RecordReadingRequest struct {
	MeterID         string           `json:"meter_id"`
	ContractID      string           `json:"contract_id,omitempty"`
	PreviousReading *decimal.Decimal `json:"previous_reading,omitempty"`
	CurrentReading  decimal.Decimal  `json:"current_reading"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	ReadingDate     time.Time        `json:"reading_date"`
	Period          string           `json:"period,omitempty"`
	AutoBill        bool             `json:"auto_bill"`
}

type RecordReadingResult struct {
	Reading  *MeterReading `json:"reading"`
	Billed   bool          `json:"billed"`
	Warnings []string      `json:"warnings,omitempty"`
}

type UpdateReadingRequest struct {
	ID              string           `json:"id"`
	PreviousReading *decimal.Decimal `json:"previous_reading,omitempty"`
	CurrentReading  *decimal.Decimal `json:"current_reading,omitempty"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	ReadingDate     *time.Time       `json:"reading_date,omitempty"`
}

var (
	ErrInvalidID        = errors.New("invalid_id")
	ErrInvalidRoom      = errors.New("invalid_room")
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidMeterType = errors.New("invalid_meter_type")
	ErrInvalidUnitPrice = errors.New("invalid_unit_price")
	ErrInvalidPeriod    = errors.New("invalid_period")
	ErrMeterInactive    = errors.New("meter_inactive")
	ErrMeterExists      = errors.New("meter_code_exists")
	ErrNotFound         = errors.New("not_found")
	ErrReadingBilled    = errors.New("reading_already_billed")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(value))
}

// PeriodOf formats the billing period label of a reading date.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func ValidPeriod(period string) bool {
	_, err := time.Parse("2006-01", period)
	return err == nil
}
