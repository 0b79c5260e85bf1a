package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	GenerateBills(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	RecordPayment(ctx context.Context, req PaymentRequest) (*Bill, error)
	MarkProcessed(ctx context.Context, billID string) (*Bill, error)
	QueryBillDetails(ctx context.Context, billID string) (*BillDetailsView, error)
	SweepOverdue(ctx context.Context) (*SweepResult, error)
}

// GenerateRequest bills the named readings, or every unbilled reading of the
// contract when ReadingIDs is empty. AggregationMode falls back to the
// billing config.
type GenerateRequest struct {
	ContractID      string                     `json:"contract_id"`
	ReadingIDs      []string                   `json:"reading_ids,omitempty"`
	AggregationMode string                     `json:"aggregation_mode,omitempty"`
	PriceOverrides  map[string]decimal.Decimal `json:"price_overrides,omitempty"`
}

// ItemMessage reports what happened to one reading or bill in a batch.
type ItemMessage struct {
	ReadingID string `json:"reading_id,omitempty"`
	BillID    string `json:"bill_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type GenerateCounts struct {
	Success  int `json:"success"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
}

type GenerateResult struct {
	CreatedBills []Bill         `json:"created_bills"`
	UpdatedBills []Bill         `json:"updated_bills"`
	Warnings     []ItemMessage  `json:"warnings"`
	Errors       []ItemMessage  `json:"errors"`
	Counts       GenerateCounts `json:"counts"`
	Summary      string         `json:"summary"`
}

type PaymentRequest struct {
	BillID              string          `json:"bill_id"`
	ReceivedAmountDelta decimal.Decimal `json:"received_amount_delta"`
	PaymentMethod       string          `json:"payment_method"`
	PaidDate            *time.Time      `json:"paid_date,omitempty"`
}

// DetailSource names the resolver that produced a detail view.
type DetailSource string

const (
	SourceBillDetails     DetailSource = "bill_details"
	SourceMeterReading    DetailSource = "meter_reading"
	SourceRelatedReadings DetailSource = "related_readings"
	SourceEmpty           DetailSource = "empty"
)

type DetailViewMetadata struct {
	Source DetailSource `json:"source"`
}

// BillDetailsView is the normalized read shape of a bill's line items.
// Synthesized lines of legacy bills carry a zero ID and are never persisted.
type BillDetailsView struct {
	BillID   snowflake.ID       `json:"bill_id"`
	IsLegacy bool               `json:"is_legacy"`
	Details  []BillDetail       `json:"details"`
	Total    decimal.Decimal    `json:"total"`
	Metadata DetailViewMetadata `json:"metadata"`
}

type SweepResult struct {
	MarkedOverdue int    `json:"marked_overdue"`
	Reopened      int    `json:"reopened"`
	Failed        int    `json:"failed"`
	Summary       string `json:"summary"`
}

// DetailDraft is a computed line item that has not been attached to a bill.
type DetailDraft struct {
	Period string
	Detail BillDetail
}
