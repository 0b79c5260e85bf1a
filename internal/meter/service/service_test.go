package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	auditrepo "github.com/smallbiznis/rentway/internal/audit/repository"
	auditservice "github.com/smallbiznis/rentway/internal/audit/service"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
	billingrepo "github.com/smallbiznis/rentway/internal/billing/repository"
	billingservice "github.com/smallbiznis/rentway/internal/billing/service"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/internal/meter/repository"
	"github.com/smallbiznis/rentway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockBiller struct {
	mock.Mock
}

func (m *mockBiller) BillReadings(ctx context.Context, contractID snowflake.ID, readingIDs []snowflake.ID) ([]string, error) {
	args := m.Called(ctx, contractID, readingIDs)
	warnings, _ := args.Get(0).([]string)
	return warnings, args.Error(1)
}

type harness struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	audit auditdomain.Service
}

func newHarness(t *testing.T, biller meterdomain.AutoBiller) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(testutil.Epoch)
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Billing: holder,
		Audit:   audit,
		Biller:  biller,
	}).(*Service)

	return &harness{svc: svc, db: db, node: node, clock: clk, audit: audit}
}

func (h *harness) meter(t *testing.T, name, meterType string) *meterdomain.Meter {
	t.Helper()
	m, err := h.svc.CreateMeter(context.Background(), meterdomain.CreateMeterRequest{
		RoomID:    h.node.Generate().String(),
		Name:      name,
		MeterType: meterType,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMeter(t *testing.T) {
	h := newHarness(t, nil)

	m := h.meter(t, "Electricity 101", "electricity")
	assert.Equal(t, "electricity-101", m.Code)
	assert.Equal(t, meterdomain.MeterTypeElectricity, m.MeterType)
	assert.True(t, m.UnitPrice.Equal(testutil.Dec("0.6")))
	assert.True(t, m.IsActive)

	_, err := h.svc.CreateMeter(context.Background(), meterdomain.CreateMeterRequest{
		RoomID:    m.RoomID.String(),
		Name:      "Electricity 101",
		MeterType: "ELECTRICITY",
	})
	var violation *apperror.BusinessRuleViolation
	require.ErrorAs(t, err, &violation)
	assert.ErrorIs(t, err, meterdomain.ErrMeterExists)

	_, err = h.svc.CreateMeter(context.Background(), meterdomain.CreateMeterRequest{
		RoomID:    m.RoomID.String(),
		Name:      "Steam",
		MeterType: "STEAM",
	})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidMeterType)

	_, err = h.svc.CreateMeter(context.Background(), meterdomain.CreateMeterRequest{
		RoomID:    m.RoomID.String(),
		Name:      strings.Repeat("a", meterdomain.MaxCodeLength+1),
		MeterType: "WATER",
	})
	assert.ErrorIs(t, err, meterdomain.ErrInvalidName)
}

func TestRecordReadingChainsPreviousReading(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := h.meter(t, "Electricity-101", "ELECTRICITY")

	first, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
		MeterID:         m.ID.String(),
		PreviousReading: ptr(testutil.Dec("100")),
		CurrentReading:  testutil.Dec("150"),
		ReadingDate:     testutil.Epoch,
	})
	require.NoError(t, err)
	assert.True(t, first.Reading.Usage.Equal(testutil.Dec("50")))
	assert.True(t, first.Reading.Amount.Equal(testutil.Dec("30")))
	assert.Equal(t, "2024-01", first.Reading.Period)
	assert.False(t, first.Billed)

	h.clock.Advance(24 * time.Hour)
	second, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
		MeterID:        m.ID.String(),
		CurrentReading: testutil.Dec("175"),
		ReadingDate:    h.clock.Now(),
	})
	require.NoError(t, err)
	assert.True(t, second.Reading.PreviousReading.Equal(testutil.Dec("150")))
	assert.True(t, second.Reading.Amount.Equal(testutil.Dec("15")))
	assert.Equal(t, "2024-02", second.Reading.Period)

	_, err = h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
		MeterID:        m.ID.String(),
		CurrentReading: testutil.Dec("120"),
	})
	assert.ErrorIs(t, err, calculator.ErrInvalidReading)
}

func TestRecordReadingAutoBills(t *testing.T) {
	db := testutil.NewDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(testutil.Epoch)
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	biller := billingservice.New(billingservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Bills:   billingrepo.Provide(),
		Meters:  repository.Provide(),
		Billing: holder,
	})
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	svc := New(Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repository.Provide(), Billing: holder, Audit: audit, Biller: biller})

	ctx := context.Background()
	m, err := svc.CreateMeter(ctx, meterdomain.CreateMeterRequest{RoomID: node.Generate().String(), Name: "Water-101", MeterType: "COLD_WATER"})
	require.NoError(t, err)

	res, err := svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
		MeterID:        m.ID.String(),
		ContractID:     node.Generate().String(),
		CurrentReading: testutil.Dec("4"),
		ReadingDate:    testutil.Epoch,
		AutoBill:       true,
	})
	require.NoError(t, err)
	assert.True(t, res.Billed)
	assert.True(t, res.Reading.IsBilled)
	assert.Empty(t, res.Warnings)
}

func TestRecordReadingKeepsReadingWhenBillingFails(t *testing.T) {
	biller := &mockBiller{}
	biller.On("BillReadings", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("bills table locked"))
	h := newHarness(t, biller)
	ctx := context.Background()
	m := h.meter(t, "Gas-101", "GAS")

	res, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
		MeterID:        m.ID.String(),
		ContractID:     h.node.Generate().String(),
		CurrentReading: testutil.Dec("12"),
		AutoBill:       true,
	})
	require.NoError(t, err)
	assert.False(t, res.Billed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "billing failed")

	stored, err := h.svc.repo.FindReading(ctx, h.db, res.Reading.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	biller.AssertExpectations(t)
}

func TestBilledReadingsAreImmutable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := h.meter(t, "Electricity-101", "ELECTRICITY")

	res, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{MeterID: m.ID.String(), CurrentReading: testutil.Dec("10")})
	require.NoError(t, err)

	updated, err := h.svc.UpdateReading(ctx, meterdomain.UpdateReadingRequest{ID: res.Reading.ID.String(), CurrentReading: ptr(testutil.Dec("20"))})
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(testutil.Dec("12")))

	won, err := h.svc.repo.MarkBilled(ctx, h.db, res.Reading.ID, h.node.Generate(), h.clock.Now())
	require.NoError(t, err)
	require.True(t, won)

	_, err = h.svc.UpdateReading(ctx, meterdomain.UpdateReadingRequest{ID: res.Reading.ID.String(), CurrentReading: ptr(testutil.Dec("30"))})
	assert.ErrorIs(t, err, meterdomain.ErrReadingBilled)
	_, isViolation := apperror.AsViolation(err)
	assert.True(t, isViolation)

	assert.ErrorIs(t, h.svc.DeleteReading(ctx, res.Reading.ID), meterdomain.ErrReadingBilled)

	other, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{MeterID: m.ID.String(), CurrentReading: testutil.Dec("40")})
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteReading(ctx, other.Reading.ID))
	gone, err := h.svc.repo.FindReading(ctx, h.db, other.Reading.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRemoveMeterHardDeletesWithoutHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := h.meter(t, "Spare", "GAS")

	outcome, err := h.svc.RemoveMeter(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, meterdomain.RemovalHardDeleted, outcome.Action)
	assert.Zero(t, outcome.ReadingCount)

	found, err := h.svc.repo.FindMeter(ctx, h.db, m.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = h.svc.RemoveMeter(ctx, m.ID)
	assert.ErrorIs(t, err, meterdomain.ErrNotFound)
}

func TestRemoveMeterSoftDeletesAndKeepsStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := h.meter(t, "Electricity-101", "ELECTRICITY")

	for i := 1; i <= 12; i++ {
		_, err := h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{
			MeterID:        m.ID.String(),
			CurrentReading: decimal.NewFromInt(int64(i * 10)),
			ReadingDate:    testutil.Epoch.AddDate(0, i-1, 0),
		})
		require.NoError(t, err)
	}

	before, err := h.svc.UsageStats(ctx, meterdomain.StatsFilter{MeterType: meterdomain.MeterTypeElectricity})
	require.NoError(t, err)

	outcome, err := h.svc.RemoveMeter(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, meterdomain.RemovalSoftDeleted, outcome.Action)
	assert.Equal(t, int64(12), outcome.ReadingCount)

	stored, err := h.svc.repo.FindMeter(ctx, h.db, m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)

	after, err := h.svc.UsageStats(ctx, meterdomain.StatsFilter{MeterType: meterdomain.MeterTypeElectricity})
	require.NoError(t, err)
	assert.Equal(t, int64(12), after.ReadingCount)
	assert.True(t, after.TotalUsage.Equal(testutil.Dec("120")), after.TotalUsage.String())
	assert.True(t, after.TotalAmount.Equal(testutil.Dec("72")), after.TotalAmount.String())
	assert.True(t, before.TotalAmount.Equal(after.TotalAmount))

	_, err = h.svc.RecordReading(ctx, meterdomain.RecordReadingRequest{MeterID: m.ID.String(), CurrentReading: testutil.Dec("500")})
	assert.ErrorIs(t, err, meterdomain.ErrMeterInactive)

	logs, err := h.audit.List(ctx, auditdomain.ListFilter{TargetType: "meter", TargetID: m.ID.String()})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, auditdomain.ActionMeterSoftDeleted, logs[0].Action)
}

// staleMeterRepo serves meter reads from before a concurrent deactivation.
type staleMeterRepo struct {
	meterdomain.Repository
}

func (r staleMeterRepo) FindMeter(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*meterdomain.Meter, error) {
	m, err := r.Repository.FindMeter(ctx, conn, id)
	if err != nil || m == nil {
		return m, err
	}
	m.IsActive = true
	return m, nil
}

func TestRecordReadingRechecksMeterUnderLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	m := h.meter(t, "Water-101", "WATER")
	require.NoError(t, h.svc.repo.DeactivateMeter(ctx, h.db, m.ID, h.clock.Now()))

	stale := New(Params{
		DB:      h.db,
		Log:     zap.NewNop(),
		GenID:   h.node,
		Clock:   h.clock,
		Repo:    staleMeterRepo{Repository: repository.Provide()},
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Audit:   h.audit,
	})

	_, err := stale.RecordReading(ctx, meterdomain.RecordReadingRequest{MeterID: m.ID.String(), CurrentReading: testutil.Dec("10")})
	assert.ErrorIs(t, err, meterdomain.ErrMeterInactive)

	count, err := h.svc.repo.CountReadings(ctx, h.db, m.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func ptr[T any](v T) *T { return &v }
