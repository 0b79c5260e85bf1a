// Package repairer applies corrective transactions for consistency issues.
// Each issue gets its own transaction and is re-verified inside it, so a
// stale issue is skipped instead of applied twice.
package repairer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/billing/lifecycle"
	"github.com/smallbiznis/rentway/internal/billing/resolver"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/smallbiznis/rentway/internal/consistency/checker"
	"github.com/smallbiznis/rentway/internal/consistency/domain"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errDryRun rolls back a repair after it has been evaluated.
var errDryRun = errors.New("dry_run")

type skipError struct {
	reason string
}

func (e *skipError) Error() string { return e.reason }

func skip(format string, args ...any) error {
	return &skipError{reason: fmt.Sprintf(format, args...)}
}

// change describes what a repair did, for the audit trail.
type change struct {
	summary   string
	metadata  map[string]any
	followUps []domain.Issue
}

type Repairer struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	bills   billingdomain.Repository
	meters  meterdomain.Repository
	billing *config.BillingConfigHolder
	audit   auditdomain.Service
	metrics *metrics.Metrics
}

type Deps struct {
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Bills   billingdomain.Repository
	Meters  meterdomain.Repository
	Billing *config.BillingConfigHolder
	Audit   auditdomain.Service
	Metrics *metrics.Metrics
}

func New(d Deps) *Repairer {
	return &Repairer{
		db:      d.DB,
		log:     d.Log.Named("consistency.repairer"),
		genID:   d.GenID,
		clock:   d.Clock,
		bills:   d.Bills,
		meters:  d.Meters,
		billing: d.Billing,
		audit:   d.Audit,
		metrics: d.Metrics,
	}
}

// Repair processes every issue even when earlier ones fail. Failures are
// collected in the result, never returned.
func (r *Repairer) Repair(ctx context.Context, runID string, issues []domain.Issue, opts domain.RepairOptions) *domain.RepairResult {
	result := &domain.RepairResult{
		RunID:     runID,
		DryRun:    opts.DryRun,
		Outcomes:  []domain.RepairOutcome{},
		Errors:    []domain.RepairError{},
		FollowUps: []domain.Issue{},
	}
	for _, issue := range issues {
		outcome, followUps := r.repairOne(ctx, runID, issue, opts)
		result.Add(outcome)
		result.FollowUps = append(result.FollowUps, followUps...)
		r.metrics.RecordRepair(string(issue.Type), strings.ToLower(string(outcome.Status)))
	}
	result.Summarize()
	return result
}

func (r *Repairer) repairOne(ctx context.Context, runID string, issue domain.Issue, opts domain.RepairOptions) (domain.RepairOutcome, []domain.Issue) {
	outcome := domain.RepairOutcome{IssueID: issue.ID, Type: issue.Type}

	var applied *change
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := r.apply(ctx, tx, issue)
		if err != nil {
			return err
		}
		applied = c
		if opts.DryRun {
			return errDryRun
		}
		return r.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  actorOf(opts),
			Action:     auditdomain.ActionRepairApplied,
			TargetType: issue.EntityRef.Kind,
			TargetID:   issue.EntityRef.ID,
			Metadata:   auditMetadata(runID, issue, c),
		})
	})

	var skipped *skipError
	switch {
	case err == nil, errors.Is(err, errDryRun):
		outcome.Status = domain.RepairStatusRepaired
		outcome.Reason = applied.summary
		if opts.DryRun {
			outcome.Reason = "dry run: " + applied.summary
		}
		return outcome, applied.followUps
	case errors.As(err, &skipped):
		outcome.Status = domain.RepairStatusSkipped
		outcome.Reason = skipped.reason
		return outcome, nil
	default:
		r.log.Warn("repair failed", zap.String("issue_id", issue.ID), zap.Error(err))
		outcome.Status = domain.RepairStatusFailed
		outcome.Reason = err.Error()
		return outcome, nil
	}
}

func (r *Repairer) apply(ctx context.Context, tx *gorm.DB, issue domain.Issue) (*change, error) {
	switch issue.Type {
	case domain.IssueMissingBillDetails:
		return r.withBill(ctx, tx, issue, r.rebuildDetails)
	case domain.IssueDuplicateBillDetails:
		return r.withBill(ctx, tx, issue, r.dedupeDetails)
	case domain.IssueAmountInconsistency:
		return r.withBill(ctx, tx, issue, r.recomputeAmount)
	case domain.IssueBalanceInvariant:
		return r.withBill(ctx, tx, issue, r.rebalance)
	case domain.IssueOrphanedBilledStatus:
		return r.clearOrphan(ctx, tx, issue)
	case domain.IssueUnparseableMetadata:
		return nil, skip("metadata needs manual review")
	case domain.IssueOverpayment:
		return nil, skip("excess payment must be refunded or credited manually")
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownIssueType, issue.Type)
	}
}

type billRepair func(ctx context.Context, tx *gorm.DB, bill *billingdomain.Bill) (*change, error)

func (r *Repairer) withBill(ctx context.Context, tx *gorm.DB, issue domain.Issue, fn billRepair) (*change, error) {
	if issue.EntityRef.Kind != domain.EntityBill {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidIssueID, issue.ID)
	}
	id, err := snowflake.ParseString(issue.EntityRef.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidIssueID, issue.ID)
	}
	bill, err := r.bills.LockBill(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, skip("bill %s no longer exists", id)
	}
	c, err := fn(ctx, tx, bill)
	if err != nil {
		return nil, err
	}
	bill.UpdatedAt = r.clock.Now()
	if err := r.bills.UpdateBill(ctx, tx, bill); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuildDetails materializes line items from the reading snapshots in
// metadata or else the readings the metadata references, then reprices the
// bill to their sum. A reading that no longer exists cannot back a line item.
func (r *Repairer) rebuildDetails(ctx context.Context, tx *gorm.DB, bill *billingdomain.Bill) (*change, error) {
	existing, err := r.bills.ListDetails(ctx, tx, bill.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, skip("bill %s already has line items", bill.BillNumber)
	}
	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	if err != nil {
		return nil, skip("bill %s metadata is unreadable, needs manual review", bill.BillNumber)
	}
	if meta.UtilityDetails == nil {
		return nil, skip("bill %s has no utility metadata, unrecoverable, needs manual review", bill.BillNumber)
	}

	details, source, err := resolver.RecoverDetails(ctx, tx, r.meters, bill.ID, meta)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		if refs := meta.ReferencedReadingIDs(); len(refs) > 0 {
			return nil, skip("bill %s references readings %s that no longer exist, unrecoverable, needs manual review",
				bill.BillNumber, strings.Join(idStrings(refs), ","))
		}
		return nil, skip("bill %s has no reading data in metadata, unrecoverable, needs manual review", bill.BillNumber)
	}

	sum := calculator.RoundAmount(billingdomain.SumAmounts(details))
	if bill.Status == billingdomain.BillStatusCompleted && sum.GreaterThan(bill.ReceivedAmount) {
		return nil, skip("bill %s is completed and its rebuilt line items would reopen a balance, needs manual review", bill.BillNumber)
	}

	now := r.clock.Now()
	for i := range details {
		details[i].ID = r.genID.Generate()
		details[i].BillID = bill.ID
		details[i].CreatedAt = now
	}
	if err := r.bills.InsertDetails(ctx, tx, details); err != nil {
		return nil, err
	}
	for _, d := range details {
		// A reading already flagged billed keeps its flag; only unbilled
		// ones are claimed for this bill.
		if _, err := r.meters.MarkBilled(ctx, tx, d.MeterReadingID, bill.ContractID, now); err != nil {
			return nil, err
		}
	}

	meta.UtilityDetails = billingdomain.BuildUtilityDetails(meta.UtilityDetails.Composition, details)
	raw, err := billingdomain.EncodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	bill.Metadata = raw

	before := bill.Amount
	c, err := r.reprice(bill, sum)
	if err != nil {
		return nil, err
	}
	c.summary = fmt.Sprintf("rebuilt %d line items from %s", len(details), source)
	if !before.Equal(bill.Amount) {
		c.summary += fmt.Sprintf(", amount %s -> %s", before.StringFixed(2), bill.Amount.StringFixed(2))
	}
	c.metadata["source"] = source
	c.metadata["detail_count"] = len(details)
	c.metadata["detail_total"] = sum.StringFixed(2)
	return c, nil
}

func (r *Repairer) dedupeDetails(ctx context.Context, tx *gorm.DB, bill *billingdomain.Bill) (*change, error) {
	details, err := r.bills.ListDetails(ctx, tx, bill.ID)
	if err != nil {
		return nil, err
	}

	// ListDetails orders by creation, so the first row per reading is kept.
	seen := map[snowflake.ID]struct{}{}
	kept := make([]billingdomain.BillDetail, 0, len(details))
	var drop []snowflake.ID
	for _, d := range details {
		if _, ok := seen[d.MeterReadingID]; ok {
			drop = append(drop, d.ID)
			continue
		}
		seen[d.MeterReadingID] = struct{}{}
		kept = append(kept, d)
	}
	if len(drop) == 0 {
		return nil, skip("bill %s has no duplicate line items", bill.BillNumber)
	}
	if err := r.bills.DeleteDetails(ctx, tx, drop); err != nil {
		return nil, err
	}

	before := bill.Amount
	c, err := r.reprice(bill, billingdomain.SumAmounts(kept))
	if err != nil {
		return nil, err
	}
	if err := r.refreshMetadata(bill, kept); err != nil {
		return nil, err
	}
	c.summary = fmt.Sprintf("removed %d duplicate line items, amount %s -> %s",
		len(drop), before.StringFixed(2), bill.Amount.StringFixed(2))
	c.metadata["removed_detail_ids"] = idStrings(drop)
	return c, nil
}

func (r *Repairer) recomputeAmount(ctx context.Context, tx *gorm.DB, bill *billingdomain.Bill) (*change, error) {
	details, err := r.bills.ListDetails(ctx, tx, bill.ID)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, skip("bill %s has no line items to recompute from", bill.BillNumber)
	}
	sum := calculator.RoundAmount(billingdomain.SumAmounts(details))
	if calculator.WithinEpsilon(r.billing.Get(), sum, bill.Amount) {
		return nil, skip("bill %s amount already matches its line items", bill.BillNumber)
	}
	if bill.Status == billingdomain.BillStatusCompleted && sum.GreaterThan(bill.ReceivedAmount) {
		return nil, skip("bill %s is completed and the new amount would reopen a balance, needs manual review", bill.BillNumber)
	}

	before := bill.Amount
	c, err := r.reprice(bill, sum)
	if err != nil {
		return nil, err
	}
	c.summary = fmt.Sprintf("amount %s -> %s", before.StringFixed(2), bill.Amount.StringFixed(2))
	return c, nil
}

func (r *Repairer) rebalance(_ context.Context, _ *gorm.DB, bill *billingdomain.Bill) (*change, error) {
	if lifecycle.CheckBalance(bill) == nil {
		return nil, skip("bill %s balance is already consistent", bill.BillNumber)
	}
	if bill.ReceivedAmount.IsNegative() || bill.Amount.IsNegative() {
		return nil, skip("bill %s has negative amounts, needs manual review", bill.BillNumber)
	}
	before := bill.PendingAmount
	c, err := r.reprice(bill, bill.Amount)
	if err != nil {
		return nil, err
	}
	c.summary = fmt.Sprintf("pending %s -> %s", before.StringFixed(2), bill.PendingAmount.StringFixed(2))
	return c, nil
}

// reprice moves the bill to a new amount. Received cash beyond it is kept as
// overpaid and reported as a follow-up issue; a cleared balance settles the
// status the way a clearing payment would.
func (r *Repairer) reprice(bill *billingdomain.Bill, amount decimal.Decimal) (*change, error) {
	before := bill.Amount
	excess, err := lifecycle.Reprice(bill, amount)
	if err != nil {
		return nil, err
	}
	status := bill.Status
	cfg := r.billing.Get()
	lifecycle.Settle(bill, lifecycle.Policy{RequireDownstreamAck: cfg.RequireDownstreamAck})
	c := &change{
		metadata: map[string]any{
			"amount_before": before.StringFixed(2),
			"amount_after":  bill.Amount.StringFixed(2),
			"pending_after": bill.PendingAmount.StringFixed(2),
		},
	}
	if bill.Status != status {
		c.metadata["status_before"] = string(status)
		c.metadata["status_after"] = string(bill.Status)
	}
	if excess.IsPositive() {
		c.metadata["overpaid_excess"] = excess.StringFixed(2)
		c.followUps = append(c.followUps, checker.OverpaymentIssue(*bill))
	}
	return c, nil
}

func (r *Repairer) refreshMetadata(bill *billingdomain.Bill, details []billingdomain.BillDetail) error {
	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	if err != nil {
		return skip("bill %s metadata is unreadable, needs manual review", bill.BillNumber)
	}
	composition := ""
	if meta.UtilityDetails != nil {
		composition = meta.UtilityDetails.Composition
	}
	meta.UtilityDetails = billingdomain.BuildUtilityDetails(composition, details)
	raw, err := billingdomain.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	bill.Metadata = raw
	return nil
}

// clearOrphan re-checks under the reading lock that nothing references the
// reading before clearing the flag.
func (r *Repairer) clearOrphan(ctx context.Context, tx *gorm.DB, issue domain.Issue) (*change, error) {
	if issue.EntityRef.Kind != domain.EntityReading {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidIssueID, issue.ID)
	}
	id, err := snowflake.ParseString(issue.EntityRef.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidIssueID, issue.ID)
	}

	reading, err := r.meters.LockReading(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if reading == nil {
		return nil, skip("reading %s no longer exists", id)
	}
	if !reading.IsBilled {
		return nil, skip("reading %s is already unbilled", id)
	}

	count, err := r.bills.CountDetailsForReading(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, skip("reading %s is now referenced by a line item", id)
	}
	bills, err := r.bills.FindBillsReferencingReading(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	for _, b := range bills {
		meta, err := billingdomain.DecodeMetadata(b.Metadata)
		if err != nil {
			return nil, skip("bill %s may reference reading %s but its metadata is unreadable", b.BillNumber, id)
		}
		for _, ref := range meta.ReferencedReadingIDs() {
			if ref == id {
				return nil, skip("reading %s is referenced by bill %s", id, b.BillNumber)
			}
		}
	}

	cleared, err := r.meters.ClearBilled(ctx, tx, id, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if !cleared {
		return nil, skip("reading %s changed concurrently", id)
	}
	return &change{
		summary:  "cleared billed flag",
		metadata: map[string]any{"reading_id": id.String()},
	}, nil
}

func actorOf(opts domain.RepairOptions) auditdomain.ActorType {
	switch auditdomain.ActorType(opts.Actor) {
	case auditdomain.ActorTypeCLI:
		return auditdomain.ActorTypeCLI
	case auditdomain.ActorTypeOperator:
		return auditdomain.ActorTypeOperator
	default:
		return auditdomain.ActorTypeSystem
	}
}

func auditMetadata(runID string, issue domain.Issue, c *change) map[string]any {
	out := map[string]any{
		"run_id":     runID,
		"issue_id":   issue.ID,
		"issue_type": string(issue.Type),
		"summary":    c.summary,
	}
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

func idStrings(ids []snowflake.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
