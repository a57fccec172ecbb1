package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/minutely/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (
			id, actor_id, action, target_type, target_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

// List returns entries in id order. Snowflake ids follow insertion order on a
// single node, which is the only writer of audit rows.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{})
	for column, value := range map[string]string{
		"actor_id":    filter.ActorID,
		"action":      filter.Action,
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
	} {
		if value = strings.TrimSpace(value); value != "" {
			stmt = stmt.Where(column+" = ?", value)
		}
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id > ?", int64(filter.AfterID))
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var logs []domain.AuditLog
	if err := stmt.Order("id ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
