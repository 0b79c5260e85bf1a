// Package resolver reads a bill's line items through a chain of sources so
// legacy bills without detail rows come back in the same shape as modern ones.
package resolver

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"gorm.io/gorm"
)

// Resolver produces the line items of a bill from one source. ok is false
// when the source has nothing for the bill and the next resolver should run.
type Resolver interface {
	Source() billingdomain.DetailSource
	Resolve(ctx context.Context, db *gorm.DB, bill *billingdomain.Bill, meta billingdomain.BillMetadata) (details []billingdomain.BillDetail, ok bool, err error)
}

type Chain struct {
	resolvers []Resolver
}

func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// DefaultChain tries persisted rows, then a single legacy reading, then
// several legacy readings.
func DefaultChain(bills billingdomain.Repository, meters meterdomain.Repository) *Chain {
	return NewChain(
		&detailRows{bills: bills},
		&legacyReading{meters: meters},
		&relatedReadings{meters: meters},
	)
}

// Resolve never fails on unreadable metadata: such a bill can still resolve
// from its detail rows, and otherwise comes back empty.
func (c *Chain) Resolve(ctx context.Context, db *gorm.DB, bill *billingdomain.Bill) (*billingdomain.BillDetailsView, error) {
	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	if err != nil {
		meta = billingdomain.BillMetadata{}
	}

	for _, r := range c.resolvers {
		details, ok, err := r.Resolve(ctx, db, bill, meta)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return &billingdomain.BillDetailsView{
			BillID:   bill.ID,
			IsLegacy: r.Source() != billingdomain.SourceBillDetails,
			Details:  details,
			Total:    billingdomain.SumAmounts(details),
			Metadata: billingdomain.DetailViewMetadata{Source: r.Source()},
		}, nil
	}

	return &billingdomain.BillDetailsView{
		BillID:   bill.ID,
		Details:  []billingdomain.BillDetail{},
		Total:    billingdomain.SumAmounts(nil),
		Metadata: billingdomain.DetailViewMetadata{Source: billingdomain.SourceEmpty},
	}, nil
}

type detailRows struct {
	bills billingdomain.Repository
}

func (r *detailRows) Source() billingdomain.DetailSource { return billingdomain.SourceBillDetails }

func (r *detailRows) Resolve(ctx context.Context, db *gorm.DB, bill *billingdomain.Bill, _ billingdomain.BillMetadata) ([]billingdomain.BillDetail, bool, error) {
	details, err := r.bills.ListDetails(ctx, db, bill.ID)
	if err != nil {
		return nil, false, err
	}
	return details, len(details) > 0, nil
}

type legacyReading struct {
	meters meterdomain.Repository
}

func (r *legacyReading) Source() billingdomain.DetailSource { return billingdomain.SourceMeterReading }

func (r *legacyReading) Resolve(ctx context.Context, db *gorm.DB, bill *billingdomain.Bill, meta billingdomain.BillMetadata) ([]billingdomain.BillDetail, bool, error) {
	views, err := ResolvableReadings(ctx, db, r.meters, meta)
	if err != nil {
		return nil, false, err
	}
	if len(views) != 1 {
		return nil, false, nil
	}
	return []billingdomain.BillDetail{DetailFromReading(bill.ID, views[0], meta)}, true, nil
}

type relatedReadings struct {
	meters meterdomain.Repository
}

func (r *relatedReadings) Source() billingdomain.DetailSource {
	return billingdomain.SourceRelatedReadings
}

func (r *relatedReadings) Resolve(ctx context.Context, db *gorm.DB, bill *billingdomain.Bill, meta billingdomain.BillMetadata) ([]billingdomain.BillDetail, bool, error) {
	views, err := ResolvableReadings(ctx, db, r.meters, meta)
	if err != nil {
		return nil, false, err
	}
	if len(views) < 2 {
		return nil, false, nil
	}
	details := make([]billingdomain.BillDetail, 0, len(views))
	for _, v := range views {
		details = append(details, DetailFromReading(bill.ID, v, meta))
	}
	return details, true, nil
}

// ResolvableReadings loads the readings the metadata references that still
// exist, in the order the metadata lists them.
func ResolvableReadings(ctx context.Context, db *gorm.DB, meters meterdomain.Repository, meta billingdomain.BillMetadata) ([]meterdomain.ReadingView, error) {
	ids := meta.ReferencedReadingIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	views, err := meters.ListReadingViews(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]meterdomain.ReadingView, len(views))
	for _, v := range views {
		byID[v.ID] = v
	}
	ordered := make([]meterdomain.ReadingView, 0, len(views))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			ordered = append(ordered, v)
		}
	}
	return ordered, nil
}

// RecoverDetails rebuilds line items for a bill that has none, from the
// reading snapshots in its metadata or else from the referenced readings that
// still exist. The returned rows carry no ids.
func RecoverDetails(ctx context.Context, db *gorm.DB, meters meterdomain.Repository, billID snowflake.ID, meta billingdomain.BillMetadata) ([]billingdomain.BillDetail, string, error) {
	if meta.UtilityDetails != nil && len(meta.UtilityDetails.Readings) > 0 {
		details := make([]billingdomain.BillDetail, 0, len(meta.UtilityDetails.Readings))
		for _, snap := range meta.UtilityDetails.Readings {
			details = append(details, DetailFromSnapshot(billID, snap))
		}
		return details, "reading snapshots", nil
	}

	views, err := ResolvableReadings(ctx, db, meters, meta)
	if err != nil {
		return nil, "", err
	}
	if len(views) == 0 {
		return nil, "", nil
	}
	details := make([]billingdomain.BillDetail, 0, len(views))
	for _, v := range views {
		details = append(details, DetailFromReading(billID, v, meta))
	}
	return details, "referenced readings", nil
}

// DetailFromReading synthesizes a line item from a reading. A snapshot in
// the metadata wins over the live reading because it is what was billed.
func DetailFromReading(billID snowflake.ID, v meterdomain.ReadingView, meta billingdomain.BillMetadata) billingdomain.BillDetail {
	if snap, ok := meta.Snapshot(v.ID); ok {
		return DetailFromSnapshot(billID, snap)
	}
	return billingdomain.BillDetail{
		BillID:          billID,
		MeterReadingID:  v.ID,
		MeterID:         v.MeterID,
		MeterType:       v.MeterType,
		MeterName:       v.MeterName,
		PreviousReading: v.PreviousReading,
		CurrentReading:  v.CurrentReading,
		Usage:           v.Usage,
		UnitPrice:       v.UnitPrice,
		Amount:          v.Amount,
		PriceSource:     billingdomain.PriceSourceMeterConfig,
	}
}

func DetailFromSnapshot(billID snowflake.ID, snap billingdomain.ReadingSnapshot) billingdomain.BillDetail {
	source := snap.PriceSource
	if source == "" {
		source = billingdomain.PriceSourceMeterConfig
	}
	return billingdomain.BillDetail{
		BillID:          billID,
		MeterReadingID:  snap.MeterReadingID,
		MeterID:         snap.MeterID,
		MeterType:       snap.MeterType,
		MeterName:       snap.MeterName,
		PreviousReading: snap.PreviousReading,
		CurrentReading:  snap.CurrentReading,
		Usage:           snap.Usage,
		UnitPrice:       snap.UnitPrice,
		Amount:          snap.Amount,
		PriceSource:     source,
	}
}
