package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/minutely/internal/audit/domain"
	"github.com/smallbiznis/minutely/internal/callercontext"
	"github.com/smallbiznis/minutely/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

// AuditLog appends one entry. An empty actor falls back to the caller in ctx,
// then to "system" for scheduler driven changes.
func (s *Service) AuditLog(ctx context.Context, actorID string, action string, targetType string, targetID string, metadata map[string]any) error {
	entry, err := s.newEntry(ctx, actorID, action, targetType, targetID, metadata)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("target_id", entry.TargetID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) newEntry(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any) (*auditdomain.AuditLog, error) {
	entry := &auditdomain.AuditLog{
		ActorID:    strings.TrimSpace(actorID),
		Action:     strings.TrimSpace(action),
		TargetType: strings.TrimSpace(targetType),
		TargetID:   strings.TrimSpace(targetID),
		Metadata:   datatypes.JSONMap{},
	}
	switch {
	case entry.Action == "":
		return nil, auditdomain.ErrInvalidAction
	case entry.TargetID == "":
		return nil, auditdomain.ErrInvalidTarget
	}
	if entry.TargetType == "" {
		entry.TargetType = "unknown"
	}
	if entry.ActorID == "" {
		entry.ActorID = "system"
		if caller, ok := callercontext.CallerFromContext(ctx); ok {
			entry.ActorID = caller
		}
	}
	for key, value := range metadata {
		if key != "" && value != nil {
			entry.Metadata[key] = value
		}
	}
	entry.ID = s.genID.Generate()
	entry.CreatedAt = s.clock.Now().UTC()
	return entry, nil
}

// List clamps the page size to [1, maxListLimit], defaulting to defaultListLimit.
func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) ([]auditdomain.AuditLog, error) {
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	return s.repo.List(ctx, s.db, auditdomain.ListFilter{
		ActorID:    req.ActorID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		AfterID:    req.AfterID,
		Limit:      limit,
	})
}
