package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() meterdomain.Repository {
	return &repo{}
}

const readingColumns = `id, meter_id, contract_id, previous_reading, current_reading, usage_value, unit_price, amount,
	period, reading_date, is_billed, created_at, updated_at`

func (r *repo) InsertMeter(ctx context.Context, conn *gorm.DB, m *meterdomain.Meter) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO meters (id, room_id, code, name, meter_type, unit_price, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.RoomID,
		m.Code,
		m.Name,
		m.MeterType,
		m.UnitPrice,
		m.IsActive,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return meterdomain.ErrMeterExists
	}
	return err
}

func (r *repo) FindMeter(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*meterdomain.Meter, error) {
	var meter meterdomain.Meter
	err := conn.WithContext(ctx).Raw(
		`SELECT id, room_id, code, name, meter_type, unit_price, is_active, created_at, updated_at
		 FROM meters WHERE id = ?`,
		id,
	).Scan(&meter).Error
	if err != nil {
		return nil, err
	}
	if meter.ID == 0 {
		return nil, nil
	}
	return &meter, nil
}

func (r *repo) LockMeter(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*meterdomain.Meter, error) {
	var meter meterdomain.Meter
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("id = ?", id).
		Take(&meter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meter, nil
}

func (r *repo) DeactivateMeter(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE meters SET is_active = ?, updated_at = ? WHERE id = ?`,
		false,
		at,
		id,
	).Error
}

func (r *repo) DeleteMeter(ctx context.Context, conn *gorm.DB, id snowflake.ID) error {
	return conn.WithContext(ctx).Exec(`DELETE FROM meters WHERE id = ?`, id).Error
}

func (r *repo) CountReadings(ctx context.Context, conn *gorm.DB, meterID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM meter_readings WHERE meter_id = ?`,
		meterID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertReading(ctx context.Context, conn *gorm.DB, m *meterdomain.MeterReading) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO meter_readings (`+readingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		m.MeterID,
		m.ContractID,
		m.PreviousReading,
		m.CurrentReading,
		m.Usage,
		m.UnitPrice,
		m.Amount,
		m.Period,
		m.ReadingDate,
		m.IsBilled,
		m.CreatedAt,
		m.UpdatedAt,
	).Error
}

func (r *repo) FindReading(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*meterdomain.MeterReading, error) {
	var reading meterdomain.MeterReading
	err := conn.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM meter_readings WHERE id = ?`,
		id,
	).Scan(&reading).Error
	if err != nil {
		return nil, err
	}
	if reading.ID == 0 {
		return nil, nil
	}
	return &reading, nil
}

func (r *repo) LockReading(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*meterdomain.MeterReading, error) {
	var reading meterdomain.MeterReading
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("id = ?", id).
		Take(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

func (r *repo) LatestReading(ctx context.Context, conn *gorm.DB, meterID snowflake.ID) (*meterdomain.MeterReading, error) {
	var reading meterdomain.MeterReading
	err := conn.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM meter_readings
		 WHERE meter_id = ?
		 ORDER BY reading_date DESC, id DESC
		 LIMIT 1`,
		meterID,
	).Scan(&reading).Error
	if err != nil {
		return nil, err
	}
	if reading.ID == 0 {
		return nil, nil
	}
	return &reading, nil
}

// UpdateReading only touches unbilled rows, so a reading billed concurrently
// is left untouched and reported as ErrReadingBilled.
func (r *repo) UpdateReading(ctx context.Context, conn *gorm.DB, m *meterdomain.MeterReading) error {
	res := conn.WithContext(ctx).Exec(
		`UPDATE meter_readings
		 SET previous_reading = ?, current_reading = ?, usage_value = ?, unit_price = ?, amount = ?,
		     period = ?, reading_date = ?, updated_at = ?
		 WHERE id = ? AND is_billed = ?`,
		m.PreviousReading,
		m.CurrentReading,
		m.Usage,
		m.UnitPrice,
		m.Amount,
		m.Period,
		m.ReadingDate,
		m.UpdatedAt,
		m.ID,
		false,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return meterdomain.ErrReadingBilled
	}
	return nil
}

func (r *repo) DeleteReading(ctx context.Context, conn *gorm.DB, id snowflake.ID) error {
	res := conn.WithContext(ctx).Exec(
		`DELETE FROM meter_readings WHERE id = ? AND is_billed = ?`,
		id,
		false,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return meterdomain.ErrReadingBilled
	}
	return nil
}

func (r *repo) ListReadingViews(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) ([]meterdomain.ReadingView, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []meterdomain.ReadingView
	err := conn.WithContext(ctx).Raw(
		`SELECT r.id, r.meter_id, r.contract_id, r.previous_reading, r.current_reading, r.usage_value,
		        r.unit_price, r.amount, r.period, r.reading_date, r.is_billed, r.created_at, r.updated_at,
		        m.room_id AS room_id, m.name AS meter_name, m.meter_type AS meter_type,
		        m.unit_price AS meter_unit_price, m.is_active AS meter_active
		 FROM meter_readings r
		 JOIN meters m ON m.id = r.meter_id
		 WHERE r.id IN ?
		 ORDER BY r.period ASC, r.reading_date ASC, r.id ASC`,
		ids,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnbilledByContract(ctx context.Context, conn *gorm.DB, contractID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT id FROM meter_readings
		 WHERE contract_id = ? AND is_billed = ?
		 ORDER BY period ASC, reading_date ASC, id ASC`,
		contractID,
		false,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListBilledReadingIDs(ctx context.Context, conn *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT id FROM meter_readings WHERE is_billed = ? ORDER BY id ASC`,
		true,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) MarkBilled(ctx context.Context, conn *gorm.DB, id snowflake.ID, contractID snowflake.ID, at time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE meter_readings
		 SET is_billed = ?, contract_id = COALESCE(contract_id, ?), updated_at = ?
		 WHERE id = ? AND is_billed = ?`,
		true,
		contractID,
		at,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClearBilled(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE meter_readings SET is_billed = ?, updated_at = ? WHERE id = ? AND is_billed = ?`,
		false,
		at,
		id,
		true,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type statsRow struct {
	ReadingCount int64
	TotalUsage   decimal.NullDecimal
	TotalAmount  decimal.NullDecimal
}

// Stats joins meters without filtering on is_active: deactivated meters keep
// contributing their history.
func (r *repo) Stats(ctx context.Context, conn *gorm.DB, filter meterdomain.StatsFilter) (meterdomain.UsageStats, error) {
	query := conn.WithContext(ctx).
		Table("meter_readings AS r").
		Select("COUNT(r.id) AS reading_count, SUM(r.usage_value) AS total_usage, SUM(r.amount) AS total_amount").
		Joins("JOIN meters m ON m.id = r.meter_id")

	if filter.MeterType != "" {
		query = query.Where("m.meter_type = ?", filter.MeterType)
	}
	if filter.RoomID != nil {
		query = query.Where("m.room_id = ?", *filter.RoomID)
	}
	if filter.From != nil {
		query = query.Where("r.reading_date >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("r.reading_date < ?", *filter.To)
	}

	var row statsRow
	if err := query.Scan(&row).Error; err != nil {
		return meterdomain.UsageStats{}, err
	}

	stats := meterdomain.UsageStats{
		MeterType:    filter.MeterType,
		ReadingCount: row.ReadingCount,
		TotalUsage:   decimal.Zero,
		TotalAmount:  decimal.Zero,
	}
	if row.TotalUsage.Valid {
		stats.TotalUsage = row.TotalUsage.Decimal.Round(4)
	}
	if row.TotalAmount.Valid {
		stats.TotalAmount = row.TotalAmount.Decimal.Round(2)
	}
	return stats, nil
}
