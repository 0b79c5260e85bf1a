package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const (
	ActionMeterSoftDeleted = "meter.soft_deleted"
	ActionMeterHardDeleted = "meter.hard_deleted"
	ActionRepairApplied    = "consistency.repair_applied"
)

type Entry struct {
	ActorType  ActorType
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type Service interface {
	// Record writes the entry through tx so the audit row commits or rolls
	// back together with the change it describes.
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidTarget = errors.New("invalid_target")
)
