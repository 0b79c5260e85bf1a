package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type StatsFilter struct {
	MeterType MeterType
	RoomID    *snowflake.ID
	From      *time.Time
	To        *time.Time
}

// Repository takes the connection per call so the same code runs inside or
// outside a transaction.
type Repository interface {
	InsertMeter(ctx context.Context, db *gorm.DB, meter *Meter) error
	FindMeter(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Meter, error)
	LockMeter(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Meter, error)
	DeactivateMeter(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	DeleteMeter(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	CountReadings(ctx context.Context, db *gorm.DB, meterID snowflake.ID) (int64, error)

	InsertReading(ctx context.Context, db *gorm.DB, reading *MeterReading) error
	FindReading(ctx context.Context, db *gorm.DB, id snowflake.ID) (*MeterReading, error)
	LockReading(ctx context.Context, db *gorm.DB, id snowflake.ID) (*MeterReading, error)
	LatestReading(ctx context.Context, db *gorm.DB, meterID snowflake.ID) (*MeterReading, error)
	UpdateReading(ctx context.Context, db *gorm.DB, reading *MeterReading) error
	DeleteReading(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListReadingViews(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]ReadingView, error)
	ListUnbilledByContract(ctx context.Context, db *gorm.DB, contractID snowflake.ID) ([]snowflake.ID, error)
	ListBilledReadingIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)

	// MarkBilled flips is_billed false→true and reports whether this call won.
	MarkBilled(ctx context.Context, db *gorm.DB, id snowflake.ID, contractID snowflake.ID, at time.Time) (bool, error)
	// ClearBilled flips is_billed true→false and reports whether a row changed.
	ClearBilled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	Stats(ctx context.Context, db *gorm.DB, filter StatsFilter) (UsageStats, error)
}
