package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	"github.com/smallbiznis/rentway/internal/billing/calculator"
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

var tracer = otel.Tracer("rentway/meter")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    meterdomain.Repository
	Billing *config.BillingConfigHolder
	Audit   auditdomain.Service
	Metrics *metrics.Metrics       `optional:"true"`
	Biller  meterdomain.AutoBiller `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    meterdomain.Repository
	billing *config.BillingConfigHolder
	audit   auditdomain.Service
	metrics *metrics.Metrics
	biller  meterdomain.AutoBiller
}

func New(p Params) meterdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("meter.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		billing: p.Billing,
		audit:   p.Audit,
		metrics: p.Metrics,
		biller:  p.Biller,
	}
}

func (s *Service) CreateMeter(ctx context.Context, req meterdomain.CreateMeterRequest) (*meterdomain.Meter, error) {
	roomID, err := meterdomain.ParseID(req.RoomID)
	if err != nil || roomID == 0 {
		return nil, apperror.Validation(meterdomain.ErrInvalidRoom, "room_id", "room id is required")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperror.Validation(meterdomain.ErrInvalidName, "name", "name is required")
	}
	code := slug.Make(name)
	if len(code) > meterdomain.MaxCodeLength {
		return nil, apperror.Validation(meterdomain.ErrInvalidName, "name", "name is too long")
	}

	meterType := meterdomain.MeterType(strings.ToUpper(strings.TrimSpace(req.MeterType)))
	if !meterType.Valid() {
		return nil, apperror.Validation(meterdomain.ErrInvalidMeterType, "meter_type", "unsupported meter type")
	}

	price := s.billing.Get().DefaultUnitPrice(string(meterType))
	if req.UnitPrice != nil {
		price = *req.UnitPrice
	}
	if !price.IsPositive() {
		return nil, apperror.Validation(meterdomain.ErrInvalidUnitPrice, "unit_price", "unit price must be positive")
	}

	now := s.clock.Now()
	m := &meterdomain.Meter{
		ID:        s.genID.Generate(),
		RoomID:    roomID,
		Code:      code,
		Name:      name,
		MeterType: meterType,
		UnitPrice: price,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.InsertMeter(ctx, s.db, m); err != nil {
		if errors.Is(err, meterdomain.ErrMeterExists) {
			return nil, apperror.Violation(err, "room already has a meter with code "+m.Code, "choose a different meter name")
		}
		return nil, err
	}
	return m, nil
}

// RecordReading commits the reading before any billing happens. A billing
// failure afterwards is reported as a warning and leaves the reading unbilled.
func (s *Service) RecordReading(ctx context.Context, req meterdomain.RecordReadingRequest) (*meterdomain.RecordReadingResult, error) {
	ctx, span := tracer.Start(ctx, "meter.record_reading")
	defer span.End()

	meterID, err := meterdomain.ParseID(req.MeterID)
	if err != nil {
		return nil, apperror.Validation(meterdomain.ErrInvalidID, "meter_id", "invalid meter id")
	}

	var contractID *snowflake.ID
	if strings.TrimSpace(req.ContractID) != "" {
		parsed, err := meterdomain.ParseID(req.ContractID)
		if err != nil || parsed == 0 {
			return nil, apperror.Validation(meterdomain.ErrInvalidID, "contract_id", "invalid contract id")
		}
		contractID = &parsed
	}

	meter, err := s.repo.FindMeter(ctx, s.db, meterID)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrNotFound
	}
	if !meter.IsActive {
		return nil, apperror.Violation(meterdomain.ErrMeterInactive, "meter "+meter.Code+" is deactivated", "record readings on an active meter")
	}

	previous := decimal.Zero
	if req.PreviousReading != nil {
		previous = *req.PreviousReading
	} else {
		latest, err := s.repo.LatestReading(ctx, s.db, meter.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			previous = latest.CurrentReading
		}
	}

	price, _ := calculator.ResolveUnitPrice(s.billing.Get(), string(meter.MeterType), meter.UnitPrice, req.UnitPrice)
	computed, err := calculator.ComputeUsage(previous, req.CurrentReading, price)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	readingDate := req.ReadingDate.UTC()
	if req.ReadingDate.IsZero() {
		readingDate = now
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		period = meterdomain.PeriodOf(readingDate)
	}
	if !meterdomain.ValidPeriod(period) {
		return nil, apperror.Validation(meterdomain.ErrInvalidPeriod, "period", "period must be formatted YYYY-MM")
	}

	reading := &meterdomain.MeterReading{
		ID:              s.genID.Generate(),
		MeterID:         meter.ID,
		ContractID:      contractID,
		PreviousReading: previous,
		CurrentReading:  req.CurrentReading,
		Usage:           computed.Usage,
		UnitPrice:       price,
		Amount:          computed.Amount,
		Period:          period,
		ReadingDate:     readingDate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// Deactivation may land between the read above and the insert; the locked
	// re-check keeps readings off deactivated meters.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.LockMeter(ctx, tx, meter.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return meterdomain.ErrNotFound
		}
		if !locked.IsActive {
			return apperror.Violation(meterdomain.ErrMeterInactive, "meter "+locked.Code+" is deactivated", "record readings on an active meter")
		}
		return s.repo.InsertReading(ctx, tx, reading)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("reading.id", reading.ID.String()))

	result := &meterdomain.RecordReadingResult{Reading: reading}
	if !req.AutoBill {
		return result, nil
	}
	if contractID == nil {
		result.Warnings = append(result.Warnings, "auto billing skipped: reading has no contract")
		return result, nil
	}
	if s.biller == nil {
		result.Warnings = append(result.Warnings, "auto billing skipped: billing is not configured")
		return result, nil
	}

	warnings, err := s.biller.BillReadings(ctx, *contractID, []snowflake.ID{reading.ID})
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		s.log.Warn("bill generation after reading failed",
			zap.String("reading_id", reading.ID.String()),
			zap.String("contract_id", contractID.String()),
			zap.Error(err),
		)
		result.Warnings = append(result.Warnings, "reading saved but billing failed: "+err.Error())
		return result, nil
	}

	refreshed, err := s.repo.FindReading(ctx, s.db, reading.ID)
	if err != nil {
		s.log.Warn("reload reading after billing failed", zap.String("reading_id", reading.ID.String()), zap.Error(err))
		return result, nil
	}
	if refreshed != nil {
		result.Reading = refreshed
		result.Billed = refreshed.IsBilled
	}
	return result, nil
}

func (s *Service) UpdateReading(ctx context.Context, req meterdomain.UpdateReadingRequest) (*meterdomain.MeterReading, error) {
	readingID, err := meterdomain.ParseID(req.ID)
	if err != nil {
		return nil, apperror.Validation(meterdomain.ErrInvalidID, "id", "invalid reading id")
	}

	var updated *meterdomain.MeterReading
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reading, err := s.repo.LockReading(ctx, tx, readingID)
		if err != nil {
			return err
		}
		if reading == nil {
			return meterdomain.ErrNotFound
		}
		if reading.IsBilled {
			return billedViolation(reading.ID)
		}

		meter, err := s.repo.FindMeter(ctx, tx, reading.MeterID)
		if err != nil {
			return err
		}
		if meter == nil {
			return meterdomain.ErrNotFound
		}

		if req.PreviousReading != nil {
			reading.PreviousReading = *req.PreviousReading
		}
		if req.CurrentReading != nil {
			reading.CurrentReading = *req.CurrentReading
		}
		if req.UnitPrice != nil {
			reading.UnitPrice, _ = calculator.ResolveUnitPrice(s.billing.Get(), string(meter.MeterType), meter.UnitPrice, req.UnitPrice)
		}
		if req.ReadingDate != nil {
			reading.ReadingDate = req.ReadingDate.UTC()
		}

		computed, err := calculator.ComputeUsage(reading.PreviousReading, reading.CurrentReading, reading.UnitPrice)
		if err != nil {
			return err
		}
		reading.Usage = computed.Usage
		reading.Amount = computed.Amount
		reading.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdateReading(ctx, tx, reading); err != nil {
			if errors.Is(err, meterdomain.ErrReadingBilled) {
				return billedViolation(reading.ID)
			}
			return err
		}
		updated = reading
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) DeleteReading(ctx context.Context, id snowflake.ID) error {
	reading, err := s.repo.FindReading(ctx, s.db, id)
	if err != nil {
		return err
	}
	if reading == nil {
		return meterdomain.ErrNotFound
	}
	if reading.IsBilled {
		return billedViolation(reading.ID)
	}
	if err := s.repo.DeleteReading(ctx, s.db, id); err != nil {
		if errors.Is(err, meterdomain.ErrReadingBilled) {
			return billedViolation(id)
		}
		return err
	}
	return nil
}

// RemoveMeter deactivates a meter that has history and deletes one that has
// none. The branch is decided under the meter row lock.
func (s *Service) RemoveMeter(ctx context.Context, id snowflake.ID) (*meterdomain.RemovalOutcome, error) {
	ctx, span := tracer.Start(ctx, "meter.remove")
	defer span.End()

	var outcome *meterdomain.RemovalOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meter, err := s.repo.LockMeter(ctx, tx, id)
		if err != nil {
			return err
		}
		if meter == nil {
			return meterdomain.ErrNotFound
		}

		count, err := s.repo.CountReadings(ctx, tx, meter.ID)
		if err != nil {
			return err
		}

		result := &meterdomain.RemovalOutcome{MeterID: meter.ID, ReadingCount: count}
		action := auditdomain.ActionMeterHardDeleted
		if count > 0 {
			result.Action = meterdomain.RemovalSoftDeleted
			action = auditdomain.ActionMeterSoftDeleted
			if err := s.repo.DeactivateMeter(ctx, tx, meter.ID, s.clock.Now()); err != nil {
				return err
			}
		} else {
			result.Action = meterdomain.RemovalHardDeleted
			if err := s.repo.DeleteMeter(ctx, tx, meter.ID); err != nil {
				return err
			}
		}

		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     action,
			TargetType: "meter",
			TargetID:   meter.ID.String(),
			Metadata: map[string]any{
				"room_id":       meter.RoomID.String(),
				"meter_type":    string(meter.MeterType),
				"reading_count": count,
			},
		}); err != nil {
			return err
		}

		outcome = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordMeterRemoval(string(outcome.Action))
	s.log.Info("meter removed",
		zap.String("meter_id", outcome.MeterID.String()),
		zap.String("action", string(outcome.Action)),
		zap.Int64("reading_count", outcome.ReadingCount),
	)
	return outcome, nil
}

func (s *Service) UsageStats(ctx context.Context, filter meterdomain.StatsFilter) (*meterdomain.UsageStats, error) {
	if filter.MeterType != "" {
		filter.MeterType = meterdomain.MeterType(strings.ToUpper(strings.TrimSpace(string(filter.MeterType))))
		if !filter.MeterType.Valid() {
			return nil, apperror.Validation(meterdomain.ErrInvalidMeterType, "meter_type", "unsupported meter type")
		}
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, apperror.Validation(meterdomain.ErrInvalidPeriod, "from", "from must not be after to")
	}

	stats, err := s.repo.Stats(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func billedViolation(id snowflake.ID) error {
	return apperror.Violation(meterdomain.ErrReadingBilled,
		"reading "+id.String()+" is already billed and immutable",
		"record a correcting reading for the next period instead",
	)
}
