package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/minutely/internal/audit/domain"
	"github.com/smallbiznis/minutely/internal/audit/repository"
	"github.com/smallbiznis/minutely/internal/callercontext"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) auditdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
}

func TestAuditLogRecordsCallerFromContext(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	ctx := callercontext.WithCaller(context.Background(), "bob.testnet")
	err := svc.AuditLog(ctx, "", "lease.opened", "pay_log", "svc_0_0", map[string]any{"amount": 10})
	require.NoError(t, err)

	logs, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Action: "lease.opened"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "bob.testnet", logs[0].ActorID)
	assert.Equal(t, "pay_log", logs[0].TargetType)
	assert.Equal(t, "svc_0_0", logs[0].TargetID)
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	require.NoError(t, svc.AuditLog(context.Background(), "", "lease.settled", "", "svc_0_0", nil))

	logs, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "svc_0_0"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "system", logs[0].ActorID)
	assert.Equal(t, "unknown", logs[0].TargetType)
}

func TestAuditLogRejectsMissingAction(t *testing.T) {
	svc := newTestService(t, setupTestDB(t))

	err := svc.AuditLog(context.Background(), "alice", " ", "service", "svc", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)

	err = svc.AuditLog(context.Background(), "alice", "service.registered", "service", "", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTarget)
}

func TestListFiltersAndResumes(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	require.NoError(t, svc.AuditLog(ctx, "alice", "service.registered", "service", "alice_0", nil))
	require.NoError(t, svc.AuditLog(ctx, "bob", "lease.opened", "pay_log", "alice_0_0", nil))
	require.NoError(t, svc.AuditLog(ctx, "bob", "lease.closed", "pay_log", "alice_0_0", nil))

	byType, err := svc.List(ctx, auditdomain.ListAuditLogRequest{TargetType: "pay_log"})
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.Equal(t, "lease.opened", byType[0].Action)
	assert.Equal(t, "lease.closed", byType[1].Action)

	page, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "service.registered", page[0].Action)

	rest, err := svc.List(ctx, auditdomain.ListAuditLogRequest{AfterID: page[0].ID})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "bob", rest[0].ActorID)
}

func TestAuditLogStampsClockAndDropsNilMetadata(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(at),
	})

	require.NoError(t, svc.AuditLog(context.Background(), "alice", "service.registered", "service", "alice_0", map[string]any{
		"uuid":  "u-1",
		"note":  nil,
		"":      "ignored",
		"price": 10,
	}))

	logs, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "alice_0"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, at.Equal(logs[0].CreatedAt))
	assert.Equal(t, "u-1", logs[0].Metadata["uuid"])
	assert.NotContains(t, logs[0].Metadata, "note")
	assert.NotContains(t, logs[0].Metadata, "")
}
