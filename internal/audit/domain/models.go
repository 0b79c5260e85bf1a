package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeOperator ActorType = "operator"
	ActorTypeCLI      ActorType = "cli"
)

// AuditLog records one applied change to billing or meter state.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	Action     string            `json:"action" gorm:"type:varchar(64);not null;index"`
	TargetType string            `json:"target_type" gorm:"type:varchar(32);not null;index:idx_audit_logs_target,priority:1"`
	TargetID   string            `json:"target_id" gorm:"type:varchar(64);not null;index:idx_audit_logs_target,priority:2"`
	RequestID  *string           `json:"request_id,omitempty" gorm:"type:text"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	Since      *time.Time
	Limit      int
}
