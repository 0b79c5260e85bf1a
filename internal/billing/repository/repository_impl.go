package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

const billColumns = `id, contract_id, bill_number, type, group_key, amount, received_amount, pending_amount,
	overpaid_amount, status, period, due_date, paid_date, payment_method, processed_at, metadata,
	created_at, updated_at`

const detailColumns = `id, bill_id, meter_reading_id, meter_id, meter_type, meter_name, previous_reading,
	current_reading, usage_value, unit_price, amount, price_source, created_at`

// InsertBillIfAbsent relies on the composition unique index. The insert and
// the conflict check are one statement, so concurrent callers cannot both win.
func (r *repo) InsertBillIfAbsent(ctx context.Context, conn *gorm.DB, bill *billingdomain.Bill) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "contract_id"},
				{Name: "period"},
				{Name: "type"},
				{Name: "group_key"},
			},
			DoNothing: true,
		}).
		Create(bill)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) LockBillByKey(ctx context.Context, conn *gorm.DB, key billingdomain.CompositionKey) (*billingdomain.Bill, error) {
	var bill billingdomain.Bill
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("contract_id = ? AND period = ? AND type = ? AND group_key = ?",
			key.ContractID, key.Period, key.Type, key.GroupKey).
		Take(&bill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func (r *repo) FindBill(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*billingdomain.Bill, error) {
	var bill billingdomain.Bill
	err := conn.WithContext(ctx).Raw(
		`SELECT `+billColumns+` FROM bills WHERE id = ?`,
		id,
	).Scan(&bill).Error
	if err != nil {
		return nil, err
	}
	if bill.ID == 0 {
		return nil, nil
	}
	return &bill, nil
}

func (r *repo) LockBill(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*billingdomain.Bill, error) {
	var bill billingdomain.Bill
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("id = ?", id).
		Take(&bill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func (r *repo) UpdateBill(ctx context.Context, conn *gorm.DB, bill *billingdomain.Bill) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE bills
		 SET amount = ?, received_amount = ?, pending_amount = ?, overpaid_amount = ?, status = ?,
		     due_date = ?, paid_date = ?, payment_method = ?, processed_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		bill.Amount,
		bill.ReceivedAmount,
		bill.PendingAmount,
		bill.OverpaidAmount,
		bill.Status,
		bill.DueDate,
		bill.PaidDate,
		bill.PaymentMethod,
		bill.ProcessedAt,
		bill.Metadata,
		bill.UpdatedAt,
		bill.ID,
	).Error
}

func (r *repo) ListBillsAfter(ctx context.Context, conn *gorm.DB, afterID snowflake.ID, limit int) ([]billingdomain.Bill, error) {
	var bills []billingdomain.Bill
	err := conn.WithContext(ctx).Raw(
		`SELECT `+billColumns+` FROM bills
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&bills).Error
	return bills, err
}

func (r *repo) ListBillIDsForSweep(ctx context.Context, conn *gorm.DB, status billingdomain.BillStatus, now time.Time) ([]snowflake.ID, error) {
	query := `SELECT id FROM bills WHERE status = ? AND due_date < ? AND pending_amount > 0 ORDER BY id ASC`
	if status == billingdomain.BillStatusOverdue {
		query = `SELECT id FROM bills WHERE status = ? AND due_date >= ? ORDER BY id ASC`
	}
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(query, status, now).Scan(&ids).Error
	return ids, err
}

// FindBillsReferencingReading narrows candidates with a text match on the
// metadata column. Callers decode the metadata to confirm the reference.
func (r *repo) FindBillsReferencingReading(ctx context.Context, conn *gorm.DB, readingID snowflake.ID) ([]billingdomain.Bill, error) {
	pattern := "%\"" + readingID.String() + "\"%"
	var bills []billingdomain.Bill
	err := conn.WithContext(ctx).Raw(
		`SELECT `+billColumns+` FROM bills WHERE `+metadataText(conn)+` LIKE ?`,
		pattern,
	).Scan(&bills).Error
	return bills, err
}

func metadataText(conn *gorm.DB) string {
	if conn.Dialector == nil {
		return "metadata"
	}
	switch conn.Dialector.Name() {
	case "postgres":
		return "CAST(metadata AS TEXT)"
	case "mysql":
		return "CAST(metadata AS CHAR)"
	default:
		return "metadata"
	}
}

func (r *repo) InsertDetails(ctx context.Context, conn *gorm.DB, details []billingdomain.BillDetail) error {
	if len(details) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(&details).Error
}

func (r *repo) ListDetails(ctx context.Context, conn *gorm.DB, billID snowflake.ID) ([]billingdomain.BillDetail, error) {
	var details []billingdomain.BillDetail
	err := conn.WithContext(ctx).Raw(
		`SELECT `+detailColumns+` FROM bill_details
		 WHERE bill_id = ?
		 ORDER BY created_at ASC, id ASC`,
		billID,
	).Scan(&details).Error
	return details, err
}

func (r *repo) ListDetailsForBills(ctx context.Context, conn *gorm.DB, billIDs []snowflake.ID) ([]billingdomain.BillDetail, error) {
	if len(billIDs) == 0 {
		return nil, nil
	}
	var details []billingdomain.BillDetail
	err := conn.WithContext(ctx).Raw(
		`SELECT `+detailColumns+` FROM bill_details
		 WHERE bill_id IN ?
		 ORDER BY bill_id ASC, created_at ASC, id ASC`,
		billIDs,
	).Scan(&details).Error
	return details, err
}

func (r *repo) DeleteDetails(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(`DELETE FROM bill_details WHERE id IN ?`, ids).Error
}

func (r *repo) CountDetailsForReading(ctx context.Context, conn *gorm.DB, readingID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM bill_details WHERE meter_reading_id = ?`,
		readingID,
	).Scan(&count).Error
	return count, err
}

// ListDetailReadingIDs returns which of the given readings have at least one
// line item.
func (r *repo) ListDetailReadingIDs(ctx context.Context, conn *gorm.DB, readingIDs []snowflake.ID) ([]snowflake.ID, error) {
	if len(readingIDs) == 0 {
		return nil, nil
	}
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT DISTINCT meter_reading_id FROM bill_details WHERE meter_reading_id IN ?`,
		readingIDs,
	).Scan(&ids).Error
	return ids, err
}
