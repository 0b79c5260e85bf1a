package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	"github.com/smallbiznis/rentway/internal/billing/builder"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	"github.com/smallbiznis/rentway/internal/billing/composition"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/billing/lifecycle"
	"github.com/smallbiznis/rentway/internal/billing/resolver"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("rentway/billing")

// errNothingBilled rolls back a draft whose every line lost the billed race.
var errNothingBilled = errors.New("nothing_billed")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Bills   billingdomain.Repository
	Meters  meterdomain.Repository
	Billing *config.BillingConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	bills   billingdomain.Repository
	meters  meterdomain.Repository
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
	chain   *resolver.Chain
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billing.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		bills:   p.Bills,
		meters:  p.Meters,
		billing: p.Billing,
		metrics: p.Metrics,
		chain:   resolver.DefaultChain(p.Bills, p.Meters),
	}
}

type draftOutcome struct {
	bill     *billingdomain.Bill
	created  bool
	billed   int
	warnings []billingdomain.ItemMessage
}

func (s *Service) GenerateBills(ctx context.Context, req billingdomain.GenerateRequest) (*billingdomain.GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "billing.generate")
	defer span.End()

	contractID, err := snowflake.ParseString(strings.TrimSpace(req.ContractID))
	if err != nil || contractID == 0 {
		return nil, apperror.Validation(billingdomain.ErrInvalidContract, "contract_id", "invalid contract id")
	}
	span.SetAttributes(attribute.String("contract.id", contractID.String()))

	cfg := s.billing.Get()
	mode := req.AggregationMode
	if strings.TrimSpace(mode) == "" {
		mode = cfg.AggregationMode
	}
	strategy, err := composition.ForMode(mode)
	if err != nil {
		return nil, err
	}

	result := &billingdomain.GenerateResult{
		CreatedBills: []billingdomain.Bill{},
		UpdatedBills: []billingdomain.Bill{},
		Warnings:     []billingdomain.ItemMessage{},
		Errors:       []billingdomain.ItemMessage{},
	}

	ids, err := s.requestedReadings(ctx, contractID, req.ReadingIDs, result)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && len(result.Errors) == 0 && strategy.Mode() == config.AggregationModeAggregated {
		return nil, apperror.Validation(billingdomain.ErrEmptyReadingSet, "reading_ids", "no unbilled readings to bill")
	}

	overrides, err := parseOverrides(req.PriceOverrides)
	if err != nil {
		return nil, err
	}

	views, err := s.meters.ListReadingViews(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[snowflake.ID]struct{}, len(views))
	for _, v := range views {
		found[v.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			result.Errors = append(result.Errors, itemError(id, billingdomain.ErrReadingNotFound.Error(), "reading does not exist"))
		}
	}

	lines := make([]billingdomain.DetailDraft, 0, len(views))
	for _, v := range views {
		if v.IsBilled {
			result.Warnings = append(result.Warnings, billingdomain.ItemMessage{
				ReadingID: v.ID.String(),
				Code:      billingdomain.ErrReadingAlreadyBilled.Error(),
				Message:   "reading is already billed and was skipped",
			})
			s.metrics.RecordGenerationItem("skipped")
			continue
		}
		if v.ContractID != nil && *v.ContractID != contractID {
			result.Errors = append(result.Errors, itemError(v.ID, billingdomain.ErrReadingContractChanged.Error(),
				"reading belongs to contract "+v.ContractID.String()))
			s.metrics.RecordGenerationItem("failed")
			continue
		}
		line, err := builder.BuildDetail(cfg, builder.Input{Reading: v, OverridePrice: overrides[v.ID]})
		if err != nil {
			result.Errors = append(result.Errors, itemError(v.ID, codeOf(err), err.Error()))
			s.metrics.RecordGenerationItem("failed")
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) > 0 {
		drafts, err := strategy.Compose(contractID, lines)
		if err != nil {
			return nil, err
		}
		for _, draft := range drafts {
			outcome, err := s.persistDraft(ctx, cfg, draft)
			if err != nil {
				s.log.Warn("bill draft failed",
					zap.String("contract_id", contractID.String()),
					zap.String("period", draft.Key.Period),
					zap.Error(err),
				)
				for _, d := range draft.Details {
					result.Errors = append(result.Errors, itemError(d.MeterReadingID, codeOf(err), err.Error()))
					s.metrics.RecordGenerationItem("failed")
				}
				continue
			}
			result.Warnings = append(result.Warnings, outcome.warnings...)
			result.Counts.Success += outcome.billed
			if outcome.bill == nil {
				continue
			}
			if outcome.created {
				result.CreatedBills = append(result.CreatedBills, *outcome.bill)
				s.metrics.RecordBill(strategy.Mode(), "created")
			} else {
				result.UpdatedBills = append(result.UpdatedBills, *outcome.bill)
				s.metrics.RecordBill(strategy.Mode(), "appended")
			}
			s.metrics.RecordDetails(outcome.billed)
		}
	}

	result.Counts.Warnings = len(result.Warnings)
	result.Counts.Errors = len(result.Errors)
	result.Summary = fmt.Sprintf("%d bill(s) created, %d bill(s) updated, %d reading(s) billed, %d warning(s), %d error(s)",
		len(result.CreatedBills), len(result.UpdatedBills), result.Counts.Success, result.Counts.Warnings, result.Counts.Errors)

	s.log.Info("bills generated",
		zap.String("contract_id", contractID.String()),
		zap.String("mode", strategy.Mode()),
		zap.Int("created", len(result.CreatedBills)),
		zap.Int("updated", len(result.UpdatedBills)),
		zap.Int("warnings", result.Counts.Warnings),
		zap.Int("errors", result.Counts.Errors),
	)
	return result, nil
}

func (s *Service) requestedReadings(ctx context.Context, contractID snowflake.ID, raw []string, result *billingdomain.GenerateResult) ([]snowflake.ID, error) {
	if len(raw) == 0 {
		return s.meters.ListUnbilledByContract(ctx, s.db, contractID)
	}
	seen := map[snowflake.ID]struct{}{}
	ids := make([]snowflake.ID, 0, len(raw))
	for _, value := range raw {
		id, err := snowflake.ParseString(strings.TrimSpace(value))
		if err != nil || id == 0 {
			result.Errors = append(result.Errors, billingdomain.ItemMessage{
				ReadingID: value,
				Code:      billingdomain.ErrInvalidID.Error(),
				Message:   "invalid reading id",
			})
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOverrides(raw map[string]decimal.Decimal) (map[snowflake.ID]*decimal.Decimal, error) {
	out := make(map[snowflake.ID]*decimal.Decimal, len(raw))
	for key, price := range raw {
		id, err := snowflake.ParseString(strings.TrimSpace(key))
		if err != nil {
			return nil, apperror.Validation(billingdomain.ErrInvalidID, "price_overrides", "invalid reading id "+key)
		}
		if !price.IsPositive() {
			return nil, apperror.Validation(billingdomain.ErrInvalidPayment, "price_overrides", "override price must be positive")
		}
		p := price
		out[id] = &p
	}
	return out, nil
}

// persistDraft runs lookup-or-create and append in one transaction. The
// loser of a concurrent insert locks the winner's bill and appends to it.
func (s *Service) persistDraft(ctx context.Context, cfg config.BillingConfig, draft composition.Draft) (*draftOutcome, error) {
	outcome := &draftOutcome{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		id := s.genID.Generate()
		candidate := &billingdomain.Bill{
			ID:         id,
			ContractID: draft.Key.ContractID,
			BillNumber: billingdomain.NewBillNumber(id),
			Type:       draft.Key.Type,
			GroupKey:   draft.Key.GroupKey,
			Period:     draft.Key.Period,
			DueDate:    now.AddDate(0, 0, cfg.DueDays),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		lifecycle.NewBill(candidate, decimal.Zero)

		inserted, err := s.bills.InsertBillIfAbsent(ctx, tx, candidate)
		if err != nil {
			return err
		}
		bill, err := s.bills.LockBillByKey(ctx, tx, draft.Key)
		if err != nil {
			return err
		}
		if bill == nil {
			return fmt.Errorf("bill for %s/%s vanished after insert", draft.Key.ContractID, draft.Key.Period)
		}
		if !inserted && bill.Status == billingdomain.BillStatusCompleted {
			return apperror.Violation(billingdomain.ErrBillCompleted,
				"bill "+bill.BillNumber+" for period "+bill.Period+" is completed",
				"bill the readings under a new period or bill type")
		}

		existing, err := s.bills.ListDetails(ctx, tx, bill.ID)
		if err != nil {
			return err
		}
		if !inserted && len(existing) == 0 {
			existing, err = s.adoptLegacyCharge(ctx, tx, cfg, bill, now)
			if err != nil {
				return err
			}
		}
		onBill := make(map[snowflake.ID]struct{}, len(existing))
		for _, d := range existing {
			onBill[d.MeterReadingID] = struct{}{}
		}

		var warnings []billingdomain.ItemMessage
		accepted := make([]billingdomain.BillDetail, 0, len(draft.Details))
		for _, d := range draft.Details {
			if _, ok := onBill[d.MeterReadingID]; ok {
				warnings = append(warnings, billingdomain.ItemMessage{
					ReadingID: d.MeterReadingID.String(),
					BillID:    bill.ID.String(),
					Code:      billingdomain.ErrReadingAlreadyBilled.Error(),
					Message:   "reading already has a line on this bill",
				})
				continue
			}
			won, err := s.meters.MarkBilled(ctx, tx, d.MeterReadingID, draft.Key.ContractID, now)
			if err != nil {
				return err
			}
			if !won {
				warnings = append(warnings, billingdomain.ItemMessage{
					ReadingID: d.MeterReadingID.String(),
					Code:      billingdomain.ErrReadingAlreadyBilled.Error(),
					Message:   "reading was billed concurrently and was skipped",
				})
				continue
			}
			d.ID = s.genID.Generate()
			d.BillID = bill.ID
			d.CreatedAt = now
			accepted = append(accepted, d)
		}
		outcome.warnings = warnings

		if len(accepted) == 0 {
			return errNothingBilled
		}
		if err := s.bills.InsertDetails(ctx, tx, accepted); err != nil {
			return err
		}

		all := append(existing, accepted...)
		if _, err := lifecycle.Reprice(bill, billingdomain.SumAmounts(all)); err != nil {
			return err
		}

		meta, err := billingdomain.DecodeMetadata(bill.Metadata)
		if err != nil {
			s.log.Warn("replacing unreadable bill metadata", zap.String("bill_id", bill.ID.String()), zap.Error(err))
			meta = billingdomain.BillMetadata{}
		}
		legacy := meta.ReferencedReadingIDs()
		meta.UtilityDetails = billingdomain.BuildUtilityDetails(draft.Composition, all)
		for _, ref := range legacy {
			if _, ok := onBill[ref]; ok {
				continue
			}
			if !containsID(meta.UtilityDetails.MeterReadingIDs, ref) {
				meta.UtilityDetails.MeterReadingIDs = append(meta.UtilityDetails.MeterReadingIDs, ref)
			}
		}
		raw, err := billingdomain.EncodeMetadata(meta)
		if err != nil {
			return err
		}
		bill.Metadata = raw
		bill.UpdatedAt = now

		if err := s.bills.UpdateBill(ctx, tx, bill); err != nil {
			return err
		}

		outcome.bill = bill
		outcome.created = inserted
		outcome.billed = len(accepted)
		return nil
	})
	if errors.Is(err, errNothingBilled) {
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// adoptLegacyCharge turns the charge of a bill stored before line items
// existed into line items, so appending to it keeps what was already billed.
// A charge that cannot be matched to readings blocks the append.
func (s *Service) adoptLegacyCharge(ctx context.Context, tx *gorm.DB, cfg config.BillingConfig, bill *billingdomain.Bill, now time.Time) ([]billingdomain.BillDetail, error) {
	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	if err != nil {
		if bill.Amount.IsZero() {
			return nil, nil
		}
		return nil, apperror.Violation(billingdomain.ErrLegacyChargeUnresolved,
			"bill "+bill.BillNumber+" has no line items and unreadable metadata",
			"repair the bill before billing more readings into it")
	}

	details, source, err := resolver.RecoverDetails(ctx, tx, s.meters, bill.ID, meta)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		if bill.Amount.IsZero() {
			return nil, nil
		}
		return nil, apperror.Violation(billingdomain.ErrLegacyChargeUnresolved,
			"bill "+bill.BillNumber+" carries "+bill.Amount.StringFixed(2)+" without line items or readings to back it",
			"repair the bill before billing more readings into it")
	}
	total := calculator.RoundAmount(billingdomain.SumAmounts(details))
	if !calculator.WithinEpsilon(cfg, total, bill.Amount) {
		return nil, apperror.Violation(billingdomain.ErrLegacyChargeUnresolved,
			"bill "+bill.BillNumber+" amount "+bill.Amount.StringFixed(2)+" does not match its legacy readings total "+total.StringFixed(2),
			"repair the bill before billing more readings into it")
	}

	for i := range details {
		details[i].ID = s.genID.Generate()
		details[i].BillID = bill.ID
		details[i].CreatedAt = now
	}
	if err := s.bills.InsertDetails(ctx, tx, details); err != nil {
		return nil, err
	}
	for _, d := range details {
		if _, err := s.meters.MarkBilled(ctx, tx, d.MeterReadingID, bill.ContractID, now); err != nil {
			return nil, err
		}
	}
	s.log.Info("adopted legacy bill charge as line items",
		zap.String("bill_id", bill.ID.String()),
		zap.String("source", source),
		zap.Int("details", len(details)),
	)
	return details, nil
}

// BillReadings bills freshly recorded readings with the configured mode.
func (s *Service) BillReadings(ctx context.Context, contractID snowflake.ID, readingIDs []snowflake.ID) ([]string, error) {
	raw := make([]string, 0, len(readingIDs))
	for _, id := range readingIDs {
		raw = append(raw, id.String())
	}
	result, err := s.GenerateBills(ctx, billingdomain.GenerateRequest{
		ContractID: contractID.String(),
		ReadingIDs: raw,
	})
	if err != nil {
		return nil, err
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, w.Message)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return warnings, errors.New(strings.Join(msgs, "; "))
	}
	return warnings, nil
}

func (s *Service) RecordPayment(ctx context.Context, req billingdomain.PaymentRequest) (*billingdomain.Bill, error) {
	billID, err := parseBillID(req.BillID)
	if err != nil {
		return nil, err
	}

	cfg := s.billing.Get()
	policy := lifecycle.Policy{
		AllowOverpayment:     cfg.AllowOverpayment,
		RequireDownstreamAck: cfg.RequireDownstreamAck,
	}

	var (
		updated *billingdomain.Bill
		from    billingdomain.BillStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.LockBill(ctx, tx, billID)
		if err != nil {
			return err
		}
		if bill == nil {
			return billingdomain.ErrBillNotFound
		}
		from = bill.Status

		now := s.clock.Now()
		paidAt := now
		if req.PaidDate != nil {
			paidAt = *req.PaidDate
		}
		if err := lifecycle.ApplyPayment(bill, req.ReceivedAmountDelta, req.PaymentMethod, paidAt, policy); err != nil {
			return err
		}
		bill.UpdatedAt = now
		if err := s.bills.UpdateBill(ctx, tx, bill); err != nil {
			return err
		}
		updated = bill
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayment(req.PaymentMethod)
	s.metrics.RecordTransition(string(from), string(updated.Status))
	s.log.Info("payment recorded",
		zap.String("bill_id", updated.ID.String()),
		zap.String("amount", req.ReceivedAmountDelta.StringFixed(2)),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
	)
	return updated, nil
}

func (s *Service) MarkProcessed(ctx context.Context, id string) (*billingdomain.Bill, error) {
	billID, err := parseBillID(id)
	if err != nil {
		return nil, err
	}

	var (
		updated *billingdomain.Bill
		from    billingdomain.BillStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.LockBill(ctx, tx, billID)
		if err != nil {
			return err
		}
		if bill == nil {
			return billingdomain.ErrBillNotFound
		}
		from = bill.Status
		if bill.Status == billingdomain.BillStatusCompleted {
			updated = bill
			return nil
		}

		now := s.clock.Now()
		if err := lifecycle.MarkProcessed(bill, now); err != nil {
			return err
		}
		bill.UpdatedAt = now
		if err := s.bills.UpdateBill(ctx, tx, bill); err != nil {
			return err
		}
		updated = bill
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(from), string(updated.Status))
	return updated, nil
}

func (s *Service) QueryBillDetails(ctx context.Context, id string) (*billingdomain.BillDetailsView, error) {
	billID, err := parseBillID(id)
	if err != nil {
		return nil, err
	}
	bill, err := s.bills.FindBill(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, billingdomain.ErrBillNotFound
	}
	return s.chain.Resolve(ctx, s.db, bill)
}

// SweepOverdue applies the time driven edges. Each bill is re-checked under
// its row lock, so a payment that landed meanwhile wins.
func (s *Service) SweepOverdue(ctx context.Context) (*billingdomain.SweepResult, error) {
	ctx, span := tracer.Start(ctx, "billing.sweep_overdue")
	defer span.End()

	now := s.clock.Now()
	result := &billingdomain.SweepResult{}

	overdue, err := s.bills.ListBillIDsForSweep(ctx, s.db, billingdomain.BillStatusPending, now)
	if err != nil {
		return nil, err
	}
	for _, id := range overdue {
		changed, err := s.sweepOne(ctx, id, func(b *billingdomain.Bill) bool { return lifecycle.MarkOverdue(b, now) })
		switch {
		case err != nil:
			result.Failed++
			s.log.Warn("overdue sweep failed", zap.String("bill_id", id.String()), zap.Error(err))
		case changed:
			result.MarkedOverdue++
			s.metrics.RecordTransition(string(billingdomain.BillStatusPending), string(billingdomain.BillStatusOverdue))
		}
	}

	reopen, err := s.bills.ListBillIDsForSweep(ctx, s.db, billingdomain.BillStatusOverdue, now)
	if err != nil {
		return nil, err
	}
	for _, id := range reopen {
		changed, err := s.sweepOne(ctx, id, func(b *billingdomain.Bill) bool { return lifecycle.Reopen(b, now) })
		switch {
		case err != nil:
			result.Failed++
			s.log.Warn("overdue reopen failed", zap.String("bill_id", id.String()), zap.Error(err))
		case changed:
			result.Reopened++
			s.metrics.RecordTransition(string(billingdomain.BillStatusOverdue), string(billingdomain.BillStatusPending))
		}
	}

	result.Summary = fmt.Sprintf("%d bill(s) marked overdue, %d reopened, %d failed", result.MarkedOverdue, result.Reopened, result.Failed)
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, id snowflake.ID, apply func(*billingdomain.Bill) bool) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.bills.LockBill(ctx, tx, id)
		if err != nil || bill == nil {
			return err
		}
		if !apply(bill) {
			return nil
		}
		bill.UpdatedAt = s.clock.Now()
		if err := s.bills.UpdateBill(ctx, tx, bill); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func parseBillID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, apperror.Validation(billingdomain.ErrInvalidID, "bill_id", "invalid bill id")
	}
	return id, nil
}

func itemError(readingID snowflake.ID, code, message string) billingdomain.ItemMessage {
	return billingdomain.ItemMessage{ReadingID: readingID.String(), Code: code, Message: message}
}

func codeOf(err error) string {
	if v, ok := apperror.AsValidation(err); ok {
		return v.Code
	}
	if v, ok := apperror.AsViolation(err); ok {
		return v.Rule
	}
	return "internal_error"
}

func containsID(ids []snowflake.ID, id snowflake.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
