package domain

import (
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"gorm.io/datatypes"
)

// BillMetadata is the typed form of Bill.Metadata.
type BillMetadata struct {
	UtilityDetails *UtilityDetails `json:"utilityDetails,omitempty"`
}

type UtilityDetails struct {
	Composition     string            `json:"composition,omitempty"`
	Breakdown       Breakdown         `json:"breakdown"`
	MeterReadingIDs []snowflake.ID    `json:"meterReadingIds,omitempty"`
	Readings        []ReadingSnapshot `json:"readings,omitempty"`

	// LegacyMeterReadingID is written by bills created before line items
	// existed. It is read but never written.
	LegacyMeterReadingID *snowflake.ID `json:"meterReadingId,omitempty"`
}

// Breakdown holds per utility subtotals. Water is cold water.
type Breakdown struct {
	Electricity *Subtotal `json:"electricity,omitempty"`
	Water       *Subtotal `json:"water,omitempty"`
	HotWater    *Subtotal `json:"hotWater,omitempty"`
	Gas         *Subtotal `json:"gas,omitempty"`
}

type Subtotal struct {
	Usage     decimal.Decimal `json:"usage"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Amount    decimal.Decimal `json:"amount"`
}

type BreakdownEntry struct {
	MeterType meterdomain.MeterType
	Subtotal  Subtotal
}

// ReadingSnapshot freezes one contributing reading at billing time so line
// items can be rebuilt even if the reading row is gone.
type ReadingSnapshot struct {
	MeterReadingID  snowflake.ID          `json:"meterReadingId"`
	MeterID         snowflake.ID          `json:"meterId"`
	MeterType       meterdomain.MeterType `json:"meterType"`
	MeterName       string                `json:"meterName"`
	PreviousReading decimal.Decimal       `json:"previousReading"`
	CurrentReading  decimal.Decimal       `json:"currentReading"`
	Usage           decimal.Decimal       `json:"usage"`
	UnitPrice       decimal.Decimal       `json:"unitPrice"`
	Amount          decimal.Decimal       `json:"amount"`
	PriceSource     PriceSource           `json:"priceSource"`
}

func DecodeMetadata(raw datatypes.JSON) (BillMetadata, error) {
	var meta BillMetadata
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return BillMetadata{}, err
	}
	return meta, nil
}

func EncodeMetadata(meta BillMetadata) (datatypes.JSON, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// ReferencedReadingIDs lists every reading the metadata points at, in order
// of first appearance.
func (m BillMetadata) ReferencedReadingIDs() []snowflake.ID {
	if m.UtilityDetails == nil {
		return nil
	}
	seen := map[snowflake.ID]struct{}{}
	var ids []snowflake.ID
	add := func(id snowflake.ID) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range m.UtilityDetails.MeterReadingIDs {
		add(id)
	}
	for _, snap := range m.UtilityDetails.Readings {
		add(snap.MeterReadingID)
	}
	if m.UtilityDetails.LegacyMeterReadingID != nil {
		add(*m.UtilityDetails.LegacyMeterReadingID)
	}
	return ids
}

func (m BillMetadata) Snapshot(readingID snowflake.ID) (ReadingSnapshot, bool) {
	if m.UtilityDetails == nil {
		return ReadingSnapshot{}, false
	}
	for _, snap := range m.UtilityDetails.Readings {
		if snap.MeterReadingID == readingID {
			return snap, true
		}
	}
	return ReadingSnapshot{}, false
}

// BuildUtilityDetails derives the whole envelope from a bill's line items.
func BuildUtilityDetails(composition string, details []BillDetail) *UtilityDetails {
	ud := &UtilityDetails{
		Composition:     composition,
		Breakdown:       BuildBreakdown(details),
		MeterReadingIDs: make([]snowflake.ID, 0, len(details)),
		Readings:        make([]ReadingSnapshot, 0, len(details)),
	}
	seen := map[snowflake.ID]struct{}{}
	for _, d := range details {
		if _, ok := seen[d.MeterReadingID]; ok {
			continue
		}
		seen[d.MeterReadingID] = struct{}{}
		ud.MeterReadingIDs = append(ud.MeterReadingIDs, d.MeterReadingID)
		ud.Readings = append(ud.Readings, SnapshotOf(d))
	}
	return ud
}

func SnapshotOf(d BillDetail) ReadingSnapshot {
	return ReadingSnapshot{
		MeterReadingID:  d.MeterReadingID,
		MeterID:         d.MeterID,
		MeterType:       d.MeterType,
		MeterName:       d.MeterName,
		PreviousReading: d.PreviousReading,
		CurrentReading:  d.CurrentReading,
		Usage:           d.Usage,
		UnitPrice:       d.UnitPrice,
		Amount:          d.Amount,
		PriceSource:     d.PriceSource,
	}
}

// BuildBreakdown sums details per utility. When prices differ within a
// utility the subtotal carries the usage weighted average price.
func BuildBreakdown(details []BillDetail) Breakdown {
	type acc struct {
		usage    decimal.Decimal
		amount   decimal.Decimal
		weighted decimal.Decimal
		price    decimal.Decimal
		mixed    bool
		seen     bool
	}
	totals := map[meterdomain.MeterType]*acc{}
	for _, d := range details {
		a, ok := totals[d.MeterType]
		if !ok {
			a = &acc{usage: decimal.Zero, amount: decimal.Zero, weighted: decimal.Zero}
			totals[d.MeterType] = a
		}
		if a.seen && !a.price.Equal(d.UnitPrice) {
			a.mixed = true
		}
		a.seen = true
		a.price = d.UnitPrice
		a.usage = a.usage.Add(d.Usage)
		a.amount = a.amount.Add(d.Amount)
		a.weighted = a.weighted.Add(d.Usage.Mul(d.UnitPrice))
	}

	var b Breakdown
	for meterType, a := range totals {
		price := a.price
		if a.mixed && a.usage.IsPositive() {
			price = a.weighted.Div(a.usage).Round(4)
		}
		b.set(meterType, &Subtotal{Usage: a.usage, UnitPrice: price, Amount: a.amount})
	}
	return b
}

func (b *Breakdown) set(meterType meterdomain.MeterType, s *Subtotal) {
	switch meterType {
	case meterdomain.MeterTypeElectricity:
		b.Electricity = s
	case meterdomain.MeterTypeColdWater:
		b.Water = s
	case meterdomain.MeterTypeHotWater:
		b.HotWater = s
	case meterdomain.MeterTypeGas:
		b.Gas = s
	}
}

func (b Breakdown) Get(meterType meterdomain.MeterType) *Subtotal {
	switch meterType {
	case meterdomain.MeterTypeElectricity:
		return b.Electricity
	case meterdomain.MeterTypeColdWater:
		return b.Water
	case meterdomain.MeterTypeHotWater:
		return b.HotWater
	case meterdomain.MeterTypeGas:
		return b.Gas
	default:
		return nil
	}
}

// Entries lists the populated subtotals in a fixed utility order.
func (b Breakdown) Entries() []BreakdownEntry {
	order := []meterdomain.MeterType{
		meterdomain.MeterTypeElectricity,
		meterdomain.MeterTypeColdWater,
		meterdomain.MeterTypeHotWater,
		meterdomain.MeterTypeGas,
	}
	var out []BreakdownEntry
	for _, t := range order {
		if s := b.Get(t); s != nil {
			out = append(out, BreakdownEntry{MeterType: t, Subtotal: *s})
		}
	}
	return out
}

func (b Breakdown) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.Entries() {
		total = total.Add(e.Subtotal.Amount)
	}
	return total
}
