package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CompositionKey struct {
	ContractID snowflake.ID
	Period     string
	Type       BillType
	GroupKey   string
}

type Repository interface {
	// InsertBillIfAbsent reports false when a bill with the same composition
	// key already exists. The existing row is left untouched.
	InsertBillIfAbsent(ctx context.Context, db *gorm.DB, bill *Bill) (bool, error)
	LockBillByKey(ctx context.Context, db *gorm.DB, key CompositionKey) (*Bill, error)
	FindBill(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bill, error)
	LockBill(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bill, error)
	UpdateBill(ctx context.Context, db *gorm.DB, bill *Bill) error
	ListBillsAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Bill, error)
	ListBillIDsForSweep(ctx context.Context, db *gorm.DB, status BillStatus, now time.Time) ([]snowflake.ID, error)
	FindBillsReferencingReading(ctx context.Context, db *gorm.DB, readingID snowflake.ID) ([]Bill, error)

	InsertDetails(ctx context.Context, db *gorm.DB, details []BillDetail) error
	ListDetails(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]BillDetail, error)
	ListDetailsForBills(ctx context.Context, db *gorm.DB, billIDs []snowflake.ID) ([]BillDetail, error)
	DeleteDetails(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	CountDetailsForReading(ctx context.Context, db *gorm.DB, readingID snowflake.ID) (int64, error)
	ListDetailReadingIDs(ctx context.Context, db *gorm.DB, readingIDs []snowflake.ID) ([]snowflake.ID, error)
}
