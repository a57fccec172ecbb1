package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditLog is an append-only record of a marketplace state change.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorID    string            `json:"actor_id" gorm:"type:text;not null;index"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   string            `json:"target_id" gorm:"type:text;not null;index"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

// ListFilter narrows an audit listing. Empty fields match everything and
// AfterID resumes after a previously returned entry.
type ListFilter struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	AfterID    snowflake.ID
	Limit      int
}
