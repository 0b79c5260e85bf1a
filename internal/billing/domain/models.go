package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"gorm.io/datatypes"
)

type BillType string

const (
	BillTypeRent      BillType = "RENT"
	BillTypeDeposit   BillType = "DEPOSIT"
	BillTypeUtilities BillType = "UTILITIES"
	BillTypeOther     BillType = "OTHER"
)

type BillStatus string

const (
	BillStatusPending   BillStatus = "PENDING"
	BillStatusOverdue   BillStatus = "OVERDUE"
	BillStatusPaid      BillStatus = "PAID"
	BillStatusCompleted BillStatus = "COMPLETED"
)

type PriceSource string

const (
	PriceSourceMeterConfig    PriceSource = "METER_CONFIG"
	PriceSourceManualOverride PriceSource = "MANUAL_OVERRIDE"
)

// GroupKeyAggregate is the composition key shared by every reading of an
// aggregated bill. Itemized bills use ItemizedGroupKey.
const GroupKeyAggregate = "aggregate"

func ItemizedGroupKey(readingID snowflake.ID) string {
	return "reading:" + readingID.String()
}

// Bill is unique per (contract, period, type, group key). Amount always equals
// ReceivedAmount + PendingAmount; cash beyond Amount is kept in OverpaidAmount.
type Bill struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	ContractID     snowflake.ID    `json:"contract_id" gorm:"not null;uniqueIndex:ux_bills_composition,priority:1"`
	BillNumber     string          `json:"bill_number" gorm:"type:varchar(32);not null;uniqueIndex"`
	Type           BillType        `json:"type" gorm:"type:varchar(16);not null;uniqueIndex:ux_bills_composition,priority:3"`
	GroupKey       string          `json:"group_key" gorm:"type:varchar(64);not null;uniqueIndex:ux_bills_composition,priority:4"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(12,2);not null"`
	ReceivedAmount decimal.Decimal `json:"received_amount" gorm:"type:numeric(12,2);not null"`
	PendingAmount  decimal.Decimal `json:"pending_amount" gorm:"type:numeric(12,2);not null"`
	OverpaidAmount decimal.Decimal `json:"overpaid_amount" gorm:"type:numeric(12,2);not null"`
	Status         BillStatus      `json:"status" gorm:"type:varchar(16);not null;index"`
	Period         string          `json:"period" gorm:"type:varchar(7);not null;uniqueIndex:ux_bills_composition,priority:2"`
	DueDate        time.Time       `json:"due_date" gorm:"not null"`
	PaidDate       *time.Time      `json:"paid_date,omitempty"`
	PaymentMethod  *string         `json:"payment_method,omitempty" gorm:"type:text"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	Metadata       datatypes.JSON  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"not null"`
}

func (Bill) TableName() string { return "bills" }

// BillDetail is one line item of a bill, tied to exactly one reading. The
// reading columns are copied so the line stays readable without a join.
type BillDetail struct {
	ID              snowflake.ID          `json:"id" gorm:"primaryKey;autoIncrement:false"`
	BillID          snowflake.ID          `json:"bill_id" gorm:"not null;index:idx_bill_details_bill_reading,priority:1"`
	MeterReadingID  snowflake.ID          `json:"meter_reading_id" gorm:"not null;index:idx_bill_details_bill_reading,priority:2;index"`
	MeterID         snowflake.ID          `json:"meter_id" gorm:"not null"`
	MeterType       meterdomain.MeterType `json:"meter_type" gorm:"type:text;not null"`
	MeterName       string                `json:"meter_name" gorm:"type:text;not null"`
	PreviousReading decimal.Decimal       `json:"previous_reading" gorm:"type:numeric(14,4);not null"`
	CurrentReading  decimal.Decimal       `json:"current_reading" gorm:"type:numeric(14,4);not null"`
	Usage           decimal.Decimal       `json:"usage" gorm:"column:usage_value;type:numeric(14,4);not null"`
	UnitPrice       decimal.Decimal       `json:"unit_price" gorm:"type:numeric(12,4);not null"`
	Amount          decimal.Decimal       `json:"amount" gorm:"type:numeric(12,2);not null"`
	PriceSource     PriceSource           `json:"price_source" gorm:"type:text;not null"`
	CreatedAt       time.Time             `json:"created_at" gorm:"not null"`
}

func (BillDetail) TableName() string { return "bill_details" }

// SumAmounts totals detail amounts, the source of truth for a bill's amount.
func SumAmounts(details []BillDetail) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.Amount)
	}
	return total
}
