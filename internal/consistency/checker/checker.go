// Package checker scans persisted bills and readings for drift. It only
// reads; every finding is returned as an issue.
package checker

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/billing/lifecycle"
	"github.com/smallbiznis/rentway/internal/billing/resolver"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/smallbiznis/rentway/internal/consistency/domain"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BillState is everything the bill checks look at for one bill.
type BillState struct {
	Bill    billingdomain.Bill
	Details []billingdomain.BillDetail
	Meta    billingdomain.BillMetadata
	MetaErr error
}

type billCheck struct {
	name    string
	inspect func(ctx context.Context, c *Checker, s *BillState) ([]domain.Issue, error)
}

// Checks run in this order and appear in the report in this order.
var billChecks = []billCheck{
	{name: domain.CheckMissingBillDetails, inspect: missingDetails},
	{name: domain.CheckDuplicateBillDetails, inspect: duplicateDetails},
	{name: domain.CheckAmountInconsistency, inspect: amountInconsistency},
	{name: domain.CheckBalanceInvariant, inspect: balanceInvariant},
	{name: domain.CheckUnparseableMetadata, inspect: unparseableMetadata},
	{name: domain.CheckOverpayment, inspect: overpayment},
}

type Checker struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	bills   billingdomain.Repository
	meters  meterdomain.Repository
	billing *config.BillingConfigHolder
}

func New(db *gorm.DB, log *zap.Logger, clk clock.Clock, bills billingdomain.Repository, meters meterdomain.Repository, billing *config.BillingConfigHolder) *Checker {
	return &Checker{
		db:      db,
		log:     log.Named("consistency.checker"),
		clock:   clk,
		bills:   bills,
		meters:  meters,
		billing: billing,
	}
}

// Run executes every check. A record that cannot be evaluated becomes an
// issue; only storage failures abort the run.
func (c *Checker) Run(ctx context.Context) ([]domain.CheckResult, error) {
	cfg := c.billing.Get()
	executedAt := c.clock.Now()

	results := make([]domain.CheckResult, 0, len(billChecks)+1)
	byName := make(map[string]*domain.CheckResult, len(billChecks))
	for _, bc := range billChecks {
		results = append(results, domain.CheckResult{Name: bc.name, Issues: []domain.Issue{}, ExecutedAt: executedAt})
	}
	for i := range results {
		byName[results[i].Name] = &results[i]
	}

	referenced := map[snowflake.ID]struct{}{}
	batch := cfg.CheckBatchSize
	if batch <= 0 {
		batch = config.DefaultBillingConfig().CheckBatchSize
	}

	var after snowflake.ID
	scanned := 0
	for {
		bills, err := c.bills.ListBillsAfter(ctx, c.db, after, batch)
		if err != nil {
			return nil, err
		}
		if len(bills) == 0 {
			break
		}
		after = bills[len(bills)-1].ID
		scanned += len(bills)

		ids := make([]snowflake.ID, 0, len(bills))
		for _, b := range bills {
			ids = append(ids, b.ID)
		}
		details, err := c.bills.ListDetailsForBills(ctx, c.db, ids)
		if err != nil {
			return nil, err
		}
		byBill := map[snowflake.ID][]billingdomain.BillDetail{}
		for _, d := range details {
			byBill[d.BillID] = append(byBill[d.BillID], d)
		}

		for _, b := range bills {
			state := &BillState{Bill: b, Details: byBill[b.ID]}
			state.Meta, state.MetaErr = billingdomain.DecodeMetadata(b.Metadata)
			for _, id := range state.Meta.ReferencedReadingIDs() {
				referenced[id] = struct{}{}
			}
			for _, bc := range billChecks {
				issues, err := bc.inspect(ctx, c, state)
				if err != nil {
					return nil, err
				}
				r := byName[bc.name]
				r.Issues = append(r.Issues, issues...)
			}
		}
		if len(bills) < batch {
			break
		}
	}

	orphans, err := c.orphanedBilledStatus(ctx, referenced, batch)
	if err != nil {
		return nil, err
	}
	results = append(results, domain.CheckResult{
		Name:       domain.CheckOrphanedBilledStatus,
		Issues:     orphans,
		ExecutedAt: executedAt,
	})

	for i := range results {
		domain.SortIssues(results[i].Issues)
		results[i].Passed = len(results[i].Issues) == 0
	}

	c.log.Debug("consistency scan finished", zap.Int("bills", scanned))
	return results, nil
}

func billRef(b billingdomain.Bill) domain.EntityRef {
	return domain.EntityRef{Kind: domain.EntityBill, ID: b.ID.String()}
}

// missingDetails flags UTILITIES bills without line items unless the legacy
// single reading format can still be read back.
func missingDetails(ctx context.Context, c *Checker, s *BillState) ([]domain.Issue, error) {
	if s.Bill.Type != billingdomain.BillTypeUtilities || len(s.Details) > 0 {
		return nil, nil
	}
	views, err := resolver.ResolvableReadings(ctx, c.db, c.meters, s.Meta)
	if err != nil {
		return nil, err
	}
	if len(views) == 1 {
		return nil, nil
	}

	description := fmt.Sprintf("bill %s has no line items and no resolvable reading", s.Bill.BillNumber)
	fix := "rebuild line items from bill metadata, or review manually if metadata has no reading data"
	if len(views) > 1 {
		description = fmt.Sprintf("bill %s has no line items but its metadata references %d readings", s.Bill.BillNumber, len(views))
		fix = "rebuild line items from the referenced readings"
	}
	return []domain.Issue{
		domain.NewIssue(domain.IssueMissingBillDetails, domain.SeverityHigh, billRef(s.Bill), description, fix),
	}, nil
}

func duplicateDetails(_ context.Context, _ *Checker, s *BillState) ([]domain.Issue, error) {
	seen := map[snowflake.ID]int{}
	for _, d := range s.Details {
		seen[d.MeterReadingID]++
	}
	extra := 0
	for _, n := range seen {
		if n > 1 {
			extra += n - 1
		}
	}
	if extra == 0 {
		return nil, nil
	}
	return []domain.Issue{
		domain.NewIssue(domain.IssueDuplicateBillDetails, domain.SeverityMedium, billRef(s.Bill),
			fmt.Sprintf("bill %s has %d duplicate line items", s.Bill.BillNumber, extra),
			"keep the earliest line item per reading and recompute the bill amount"),
	}, nil
}

func amountInconsistency(_ context.Context, c *Checker, s *BillState) ([]domain.Issue, error) {
	if len(s.Details) == 0 {
		return nil, nil
	}
	sum := billingdomain.SumAmounts(s.Details)
	if calculator.WithinEpsilon(c.billing.Get(), sum, s.Bill.Amount) {
		return nil, nil
	}
	return []domain.Issue{
		domain.NewIssue(domain.IssueAmountInconsistency, domain.SeverityHigh, billRef(s.Bill),
			fmt.Sprintf("bill %s amount %s differs from line item total %s",
				s.Bill.BillNumber, s.Bill.Amount.StringFixed(2), sum.StringFixed(2)),
			"recompute the bill amount from its line items"),
	}, nil
}

func balanceInvariant(_ context.Context, _ *Checker, s *BillState) ([]domain.Issue, error) {
	if lifecycle.CheckBalance(&s.Bill) == nil {
		return nil, nil
	}
	return []domain.Issue{
		domain.NewIssue(domain.IssueBalanceInvariant, domain.SeverityHigh, billRef(s.Bill),
			fmt.Sprintf("bill %s has amount %s, received %s, pending %s",
				s.Bill.BillNumber, s.Bill.Amount.StringFixed(2),
				s.Bill.ReceivedAmount.StringFixed(2), s.Bill.PendingAmount.StringFixed(2)),
			"recompute pending as amount minus received"),
	}, nil
}

func unparseableMetadata(_ context.Context, _ *Checker, s *BillState) ([]domain.Issue, error) {
	if s.MetaErr == nil {
		return nil, nil
	}
	return []domain.Issue{
		domain.NewIssue(domain.IssueUnparseableMetadata, domain.SeverityMedium, billRef(s.Bill),
			fmt.Sprintf("bill %s metadata cannot be decoded: %v", s.Bill.BillNumber, s.MetaErr),
			"review the metadata manually"),
	}, nil
}

func overpayment(_ context.Context, _ *Checker, s *BillState) ([]domain.Issue, error) {
	if !s.Bill.OverpaidAmount.GreaterThan(decimal.Zero) {
		return nil, nil
	}
	return []domain.Issue{OverpaymentIssue(s.Bill)}, nil
}

func OverpaymentIssue(b billingdomain.Bill) domain.Issue {
	return domain.NewIssue(domain.IssueOverpayment, domain.SeverityLow, billRef(b),
		fmt.Sprintf("bill %s holds %s received beyond its amount", b.BillNumber, b.OverpaidAmount.StringFixed(2)),
		"refund or credit the excess to the renter")
}

// orphanedBilledStatus finds billed readings that no line item and no bill
// metadata points at. The metadata text match covers bills whose metadata
// did not decode.
func (c *Checker) orphanedBilledStatus(ctx context.Context, referenced map[snowflake.ID]struct{}, batch int) ([]domain.Issue, error) {
	billed, err := c.meters.ListBilledReadingIDs(ctx, c.db)
	if err != nil {
		return nil, err
	}

	issues := []domain.Issue{}
	for start := 0; start < len(billed); start += batch {
		end := start + batch
		if end > len(billed) {
			end = len(billed)
		}
		chunk := billed[start:end]

		withDetails, err := c.bills.ListDetailReadingIDs(ctx, c.db, chunk)
		if err != nil {
			return nil, err
		}
		covered := make(map[snowflake.ID]struct{}, len(withDetails))
		for _, id := range withDetails {
			covered[id] = struct{}{}
		}

		for _, id := range chunk {
			if _, ok := covered[id]; ok {
				continue
			}
			if _, ok := referenced[id]; ok {
				continue
			}
			bills, err := c.bills.FindBillsReferencingReading(ctx, c.db, id)
			if err != nil {
				return nil, err
			}
			if len(bills) > 0 {
				continue
			}
			issues = append(issues, domain.NewIssue(domain.IssueOrphanedBilledStatus, domain.SeverityMedium,
				domain.EntityRef{Kind: domain.EntityReading, ID: id.String()},
				fmt.Sprintf("reading %s is marked billed but no bill references it", id),
				"clear the billed flag so the reading can be billed again"))
		}
	}
	return issues, nil
}
