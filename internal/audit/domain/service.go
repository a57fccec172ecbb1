package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListAuditLogRequest struct {
	ActorID    string       `json:"actor_id"`
	Action     string       `json:"action"`
	TargetType string       `json:"target_type"`
	TargetID   string       `json:"target_id"`
	AfterID    snowflake.ID `json:"after_id"`
	Limit      int          `json:"limit"`
}

type Service interface {
	AuditLog(ctx context.Context, actorID string, action string, targetType string, targetID string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) ([]AuditLog, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidTarget = errors.New("invalid_target")
)
