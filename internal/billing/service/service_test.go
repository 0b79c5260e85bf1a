package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/billing/repository"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	meterrepo "github.com/smallbiznis/rentway/internal/meter/repository"
	"github.com/smallbiznis/rentway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	svc    *Service
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	meters meterdomain.Repository
	cfg    config.BillingConfig
}

func newHarness(t *testing.T, mutate ...func(*config.BillingConfig)) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(testutil.Epoch)
	cfg := config.DefaultBillingConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	meters := meterrepo.Provide()

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Bills:   repository.Provide(),
		Meters:  meters,
		Billing: config.NewStaticBillingConfigHolder(cfg),
	})
	return &harness{svc: svc, db: db, node: node, clock: clk, meters: meters, cfg: cfg}
}

func (h *harness) reading(t *testing.T, id snowflake.ID) *meterdomain.MeterReading {
	t.Helper()
	r, err := h.meters.FindReading(context.Background(), h.db, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func (h *harness) details(t *testing.T, billID snowflake.ID) []billingdomain.BillDetail {
	t.Helper()
	var out []billingdomain.BillDetail
	require.NoError(t, h.db.Where("bill_id = ?", billID).Order("created_at, id").Find(&out).Error)
	return out
}

func ids(readings ...meterdomain.MeterReading) []string {
	out := make([]string, 0, len(readings))
	for _, r := range readings {
		out = append(out, r.ID.String())
	}
	return out
}

func TestGenerateAggregatedBill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()

	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")

	res, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r1)})
	require.NoError(t, err)
	require.Len(t, res.CreatedBills, 1)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Counts.Success)

	bill := res.CreatedBills[0]
	assert.Equal(t, billingdomain.BillTypeUtilities, bill.Type)
	assert.Equal(t, "2024-01", bill.Period)
	assert.Equal(t, billingdomain.BillStatusPending, bill.Status)
	assert.True(t, billingdomain.ValidBillNumber(bill.BillNumber), bill.BillNumber)
	assert.True(t, bill.Amount.Equal(testutil.Dec("30")), bill.Amount.String())
	assert.True(t, bill.PendingAmount.Equal(bill.Amount))
	assert.True(t, testutil.Epoch.AddDate(0, 0, h.cfg.DueDays).Equal(bill.DueDate), bill.DueDate.String())

	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.UtilityDetails)
	elecTotal := meta.UtilityDetails.Breakdown.Electricity
	require.NotNil(t, elecTotal)
	assert.True(t, elecTotal.Usage.Equal(testutil.Dec("50")))
	assert.True(t, elecTotal.UnitPrice.Equal(testutil.Dec("0.6")))
	assert.True(t, elecTotal.Amount.Equal(testutil.Dec("30")))
	assert.Equal(t, []snowflake.ID{r1.ID}, meta.UtilityDetails.MeterReadingIDs)

	assert.True(t, h.reading(t, r1.ID).IsBilled)
	details := h.details(t, bill.ID)
	require.Len(t, details, 1)
	assert.Equal(t, billingdomain.PriceSourceMeterConfig, details[0].PriceSource)
}

func TestGenerateAppendsToExistingBill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()

	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")

	first, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r1)})
	require.NoError(t, err)
	require.Len(t, first.CreatedBills, 1)

	r2 := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")
	second, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r2)})
	require.NoError(t, err)
	assert.Empty(t, second.CreatedBills)
	require.Len(t, second.UpdatedBills, 1)

	updated := second.UpdatedBills[0]
	assert.Equal(t, first.CreatedBills[0].ID, updated.ID)
	assert.True(t, updated.Amount.Equal(testutil.Dec("37")), updated.Amount.String())
	assert.True(t, updated.PendingAmount.Equal(testutil.Dec("37")))
	assert.Len(t, h.details(t, updated.ID), 2)

	var count int64
	require.NoError(t, h.db.Model(&billingdomain.Bill{}).Where("contract_id = ?", contract).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	meta, err := billingdomain.DecodeMetadata(updated.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.UtilityDetails.Breakdown.Water)
	assert.True(t, meta.UtilityDetails.Breakdown.Water.Amount.Equal(testutil.Dec("7")))
	assert.ElementsMatch(t, []snowflake.ID{r1.ID, r2.ID}, meta.UtilityDetails.MeterReadingIDs)
}

func TestGenerateIsIdempotentForBilledReadings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()

	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	gas := testutil.SeedMeter(t, h.db, h.node, room, "Gas-101", meterdomain.MeterTypeGas, "2.8")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	r2 := testutil.SeedReading(t, h.db, h.node, gas, contract, "2024-01", "3", "8")
	req := billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r1, r2)}

	_, err := h.svc.GenerateBills(ctx, req)
	require.NoError(t, err)

	again, err := h.svc.GenerateBills(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, again.CreatedBills)
	assert.Empty(t, again.UpdatedBills)
	assert.Empty(t, again.Errors)
	assert.Len(t, again.Warnings, 2)
	assert.Equal(t, 0, again.Counts.Success)
	for _, w := range again.Warnings {
		assert.Equal(t, billingdomain.ErrReadingAlreadyBilled.Error(), w.Code)
	}

	var details int64
	require.NoError(t, h.db.Model(&billingdomain.BillDetail{}).Count(&details).Error)
	assert.Equal(t, int64(2), details)
}

func TestGenerateSplitsPeriods(t *testing.T) {
	h := newHarness(t)
	contract := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, h.node.Generate(), "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	jan := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	feb := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-02", "150", "190")

	res, err := h.svc.GenerateBills(context.Background(), billingdomain.GenerateRequest{ContractID: contract.String()})
	require.NoError(t, err)
	require.Len(t, res.CreatedBills, 2)
	assert.Equal(t, "2024-01", res.CreatedBills[0].Period)
	assert.Equal(t, "2024-02", res.CreatedBills[1].Period)
	assert.True(t, res.CreatedBills[1].Amount.Equal(testutil.Dec("24")))
	assert.True(t, h.reading(t, jan.ID).IsBilled)
	assert.True(t, h.reading(t, feb.ID).IsBilled)
}

func TestGenerateItemized(t *testing.T) {
	h := newHarness(t, func(c *config.BillingConfig) { c.AggregationMode = config.AggregationModeItemized })
	contract := h.node.Generate()
	room := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	r2 := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")

	res, err := h.svc.GenerateBills(context.Background(), billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r1, r2)})
	require.NoError(t, err)
	require.Len(t, res.CreatedBills, 2)

	total := res.CreatedBills[0].Amount.Add(res.CreatedBills[1].Amount)
	assert.True(t, total.Equal(testutil.Dec("37")))
	assert.NotEqual(t, res.CreatedBills[0].GroupKey, res.CreatedBills[1].GroupKey)
}

func TestGenerateReportsPerItemErrors(t *testing.T) {
	h := newHarness(t)
	contract := h.node.Generate()
	other := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, h.node.Generate(), "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	good := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	foreign := testutil.SeedReading(t, h.db, h.node, elec, other, "2024-01", "150", "160")

	res, err := h.svc.GenerateBills(context.Background(), billingdomain.GenerateRequest{
		ContractID: contract.String(),
		ReadingIDs: append(ids(good, foreign), "not-an-id", h.node.Generate().String()),
	})
	require.NoError(t, err)
	require.Len(t, res.CreatedBills, 1)
	assert.Len(t, res.Errors, 3)
	assert.Equal(t, 3, res.Counts.Errors)
	assert.False(t, h.reading(t, foreign.ID).IsBilled)
	assert.Contains(t, res.Summary, "1 bill(s) created")
}

func TestGenerateRejectsAppendToCompletedBill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")

	first, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r1)})
	require.NoError(t, err)
	_, err = h.svc.RecordPayment(ctx, billingdomain.PaymentRequest{
		BillID:              first.CreatedBills[0].ID.String(),
		ReceivedAmountDelta: testutil.Dec("30"),
		PaymentMethod:       "cash",
	})
	require.NoError(t, err)

	r2 := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")
	res, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(r2)})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billingdomain.ErrBillCompleted.Error(), res.Errors[0].Code)
	assert.False(t, h.reading(t, r2.ID).IsBilled, "a rejected draft must roll back the billed flag")
}

func seedBill(t *testing.T, h *harness, amount, received string, status billingdomain.BillStatus, meta *billingdomain.BillMetadata) billingdomain.Bill {
	t.Helper()
	id := h.node.Generate()
	b := billingdomain.Bill{
		ID:             id,
		ContractID:     h.node.Generate(),
		BillNumber:     billingdomain.NewBillNumber(id),
		Type:           billingdomain.BillTypeUtilities,
		GroupKey:       billingdomain.GroupKeyAggregate,
		Amount:         testutil.Dec(amount),
		ReceivedAmount: testutil.Dec(received),
		PendingAmount:  testutil.Dec(amount).Sub(testutil.Dec(received)),
		OverpaidAmount: testutil.Dec("0"),
		Status:         status,
		Period:         "2024-01",
		DueDate:        testutil.Epoch.AddDate(0, 0, 15),
		CreatedAt:      testutil.Epoch,
		UpdatedAt:      testutil.Epoch,
	}
	if meta != nil {
		raw, err := billingdomain.EncodeMetadata(*meta)
		require.NoError(t, err)
		b.Metadata = raw
	}
	require.NoError(t, h.db.Create(&b).Error)
	return b
}

// seedLegacyBillFor stores a bill without line items under the key a draft
// for contract and period composes to.
func seedLegacyBillFor(t *testing.T, h *harness, contract snowflake.ID, amount string, meta *billingdomain.BillMetadata) billingdomain.Bill {
	t.Helper()
	b := seedBill(t, h, amount, "0", billingdomain.BillStatusPending, meta)
	require.NoError(t, h.db.Model(&billingdomain.Bill{}).Where("id = ?", b.ID).Update("contract_id", contract).Error)
	b.ContractID = contract
	return b
}

func TestGenerateAppendsToLegacyBillKeepsLegacyCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")

	billed := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	won, err := h.meters.MarkBilled(ctx, h.db, billed.ID, contract, h.clock.Now())
	require.NoError(t, err)
	require.True(t, won)
	legacy := seedLegacyBillFor(t, h, contract, "30", &billingdomain.BillMetadata{
		UtilityDetails: &billingdomain.UtilityDetails{LegacyMeterReadingID: &billed.ID},
	})

	fresh := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")
	res, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(fresh)})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.CreatedBills)
	require.Len(t, res.UpdatedBills, 1)

	bill := res.UpdatedBills[0]
	assert.Equal(t, legacy.ID, bill.ID)
	assert.True(t, bill.Amount.Equal(testutil.Dec("37")), bill.Amount.String())
	assert.True(t, bill.PendingAmount.Equal(testutil.Dec("37")), bill.PendingAmount.String())

	details := h.details(t, bill.ID)
	require.Len(t, details, 2)
	assert.Equal(t, billed.ID, details[0].MeterReadingID)
	assert.Equal(t, fresh.ID, details[1].MeterReadingID)
	assert.True(t, billingdomain.SumAmounts(details).Equal(bill.Amount))

	meta, err := billingdomain.DecodeMetadata(bill.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.UtilityDetails)
	assert.ElementsMatch(t, []snowflake.ID{billed.ID, fresh.ID}, meta.UtilityDetails.MeterReadingIDs)
	assert.True(t, h.reading(t, fresh.ID).IsBilled)
}

func TestGenerateRejectsAppendToUnresolvableLegacyCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	water := testutil.SeedMeter(t, h.db, h.node, h.node.Generate(), "Water-101", meterdomain.MeterTypeColdWater, "3.5")
	legacy := seedLegacyBillFor(t, h, contract, "30", nil)

	fresh := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")
	res, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(fresh)})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, billingdomain.ErrLegacyChargeUnresolved.Error(), res.Errors[0].Code)
	assert.False(t, h.reading(t, fresh.ID).IsBilled)
	assert.Empty(t, h.details(t, legacy.ID))

	var stored billingdomain.Bill
	require.NoError(t, h.db.Where("id = ?", legacy.ID).Take(&stored).Error)
	assert.True(t, stored.Amount.Equal(testutil.Dec("30")), stored.Amount.String())
}

func TestConcurrentGenerateForSameKeyAppends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")
	r1 := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	r2 := testutil.SeedReading(t, h.db, h.node, water, contract, "2024-01", "20", "22")

	results := make([]*billingdomain.GenerateResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, r := range []meterdomain.MeterReading{r1, r2} {
		wg.Add(1)
		go func(i int, r meterdomain.MeterReading) {
			defer wg.Done()
			results[i], errs[i] = h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{
				ContractID: contract.String(),
				ReadingIDs: ids(r),
			})
		}(i, r)
	}
	wg.Wait()

	created, updated := 0, 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Empty(t, results[i].Errors)
		created += len(results[i].CreatedBills)
		updated += len(results[i].UpdatedBills)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)

	var bills []billingdomain.Bill
	require.NoError(t, h.db.Where("contract_id = ?", contract).Find(&bills).Error)
	require.Len(t, bills, 1)
	assert.True(t, bills[0].Amount.Equal(testutil.Dec("37")), bills[0].Amount.String())
	assert.Len(t, h.details(t, bills[0].ID), 2)
	assert.True(t, h.reading(t, r1.ID).IsBilled)
	assert.True(t, h.reading(t, r2.ID).IsBilled)
}

func TestRecordPaymentCompletesBill(t *testing.T) {
	h := newHarness(t)
	bill := seedBill(t, h, "500", "200", billingdomain.BillStatusPaid, nil)

	updated, err := h.svc.RecordPayment(context.Background(), billingdomain.PaymentRequest{
		BillID:              bill.ID.String(),
		ReceivedAmountDelta: testutil.Dec("300"),
		PaymentMethod:       "transfer",
	})
	require.NoError(t, err)
	assert.True(t, updated.ReceivedAmount.Equal(testutil.Dec("500")))
	assert.True(t, updated.PendingAmount.IsZero())
	assert.Equal(t, billingdomain.BillStatusCompleted, updated.Status)

	stored, err := h.svc.bills.FindBill(context.Background(), h.db, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusCompleted, stored.Status)
	assert.True(t, stored.Amount.Equal(stored.ReceivedAmount.Add(stored.PendingAmount)))
}

func TestRecordPaymentErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bill := seedBill(t, h, "100", "0", billingdomain.BillStatusPending, nil)

	_, err := h.svc.RecordPayment(ctx, billingdomain.PaymentRequest{BillID: h.node.Generate().String(), ReceivedAmountDelta: testutil.Dec("1")})
	assert.ErrorIs(t, err, billingdomain.ErrBillNotFound)

	_, err = h.svc.RecordPayment(ctx, billingdomain.PaymentRequest{BillID: bill.ID.String(), ReceivedAmountDelta: testutil.Dec("150")})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidPayment)

	_, err = h.svc.RecordPayment(ctx, billingdomain.PaymentRequest{BillID: bill.ID.String(), ReceivedAmountDelta: testutil.Dec("-1")})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidPayment)
}

func TestMarkProcessedWithDownstreamAck(t *testing.T) {
	h := newHarness(t, func(c *config.BillingConfig) { c.RequireDownstreamAck = true })
	ctx := context.Background()
	bill := seedBill(t, h, "80", "0", billingdomain.BillStatusPending, nil)

	paid, err := h.svc.RecordPayment(ctx, billingdomain.PaymentRequest{BillID: bill.ID.String(), ReceivedAmountDelta: testutil.Dec("80")})
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusPaid, paid.Status)

	done, err := h.svc.MarkProcessed(ctx, bill.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusCompleted, done.Status)
	assert.NotNil(t, done.ProcessedAt)
}

func TestSweepOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	late := seedBill(t, h, "100", "0", billingdomain.BillStatusPending, nil)
	settled := seedBill(t, h, "100", "100", billingdomain.BillStatusCompleted, nil)

	h.clock.Advance(20 * 24 * time.Hour)
	res, err := h.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedOverdue)

	stored, err := h.svc.bills.FindBill(ctx, h.db, late.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusOverdue, stored.Status)

	untouched, err := h.svc.bills.FindBill(ctx, h.db, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusCompleted, untouched.Status)

	require.NoError(t, h.db.Model(&billingdomain.Bill{}).Where("id = ?", late.ID).
		Update("due_date", h.clock.Now().AddDate(0, 0, 10)).Error)
	res, err = h.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reopened)

	stored, err = h.svc.bills.FindBill(ctx, h.db, late.ID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusPending, stored.Status)
}

func TestQueryBillDetailsResolverChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	contract := h.node.Generate()
	room := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, room, "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	water := testutil.SeedMeter(t, h.db, h.node, room, "Water-101", meterdomain.MeterTypeColdWater, "3.5")

	modern := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "100", "150")
	res, err := h.svc.GenerateBills(ctx, billingdomain.GenerateRequest{ContractID: contract.String(), ReadingIDs: ids(modern)})
	require.NoError(t, err)
	view, err := h.svc.QueryBillDetails(ctx, res.CreatedBills[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.SourceBillDetails, view.Metadata.Source)
	assert.False(t, view.IsLegacy)
	assert.Len(t, view.Details, 1)

	single := testutil.SeedReading(t, h.db, h.node, elec, contract, "2023-12", "50", "100")
	legacy := seedBill(t, h, "30", "0", billingdomain.BillStatusPending, &billingdomain.BillMetadata{
		UtilityDetails: &billingdomain.UtilityDetails{LegacyMeterReadingID: &single.ID},
	})
	view, err = h.svc.QueryBillDetails(ctx, legacy.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.SourceMeterReading, view.Metadata.Source)
	assert.True(t, view.IsLegacy)
	require.Len(t, view.Details, 1)
	assert.Zero(t, view.Details[0].ID)
	assert.True(t, view.Total.Equal(testutil.Dec("30")))

	w := testutil.SeedReading(t, h.db, h.node, water, contract, "2023-11", "1", "3")
	e := testutil.SeedReading(t, h.db, h.node, elec, contract, "2023-11", "10", "50")
	related := seedBill(t, h, "31", "0", billingdomain.BillStatusPending, &billingdomain.BillMetadata{
		UtilityDetails: &billingdomain.UtilityDetails{MeterReadingIDs: []snowflake.ID{w.ID, e.ID}},
	})
	view, err = h.svc.QueryBillDetails(ctx, related.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.SourceRelatedReadings, view.Metadata.Source)
	assert.Len(t, view.Details, 2)

	empty := seedBill(t, h, "10", "0", billingdomain.BillStatusPending, nil)
	view, err = h.svc.QueryBillDetails(ctx, empty.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.SourceEmpty, view.Metadata.Source)
	assert.Empty(t, view.Details)

	var persisted int64
	require.NoError(t, h.db.Model(&billingdomain.BillDetail{}).Count(&persisted).Error)
	assert.Equal(t, int64(1), persisted, "legacy reads must not persist synthesized details")

	_, err = h.svc.QueryBillDetails(ctx, h.node.Generate().String())
	assert.ErrorIs(t, err, billingdomain.ErrBillNotFound)
}

func TestBillReadingsForAutoBilling(t *testing.T) {
	h := newHarness(t)
	contract := h.node.Generate()
	elec := testutil.SeedMeter(t, h.db, h.node, h.node.Generate(), "Electricity-101", meterdomain.MeterTypeElectricity, "0.6")
	r := testutil.SeedReading(t, h.db, h.node, elec, contract, "2024-01", "0", "10")

	warnings, err := h.svc.BillReadings(context.Background(), contract, []snowflake.ID{r.ID})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.True(t, h.reading(t, r.ID).IsBilled)
}
