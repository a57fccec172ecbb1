package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/smallbiznis/minutely/internal/marketplace/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	repo  marketdomain.Repository
	query marketdomain.Query
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:query_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&marketdomain.Service{},
		&marketdomain.PayLog{},
		&marketdomain.UsageHistoryLog{},
		&marketdomain.ProviderBalance{},
		&marketdomain.ConsumerLease{},
	))

	cfg := config.DefaultMarketplaceConfig()
	cfg.AdminAddress = "root.testnet"

	repo := repository.Provide()
	return &fixture{
		db:   db,
		repo: repo,
		query: New(Params{
			DB:             db,
			Log:            zap.NewNop(),
			Repo:           repo,
			Clock:          clock.NewFakeClock(now),
			MarketplaceCfg: config.NewStaticMarketplaceConfigHolder(cfg),
		}),
	}
}

func (f *fixture) service(t *testing.T, seq int64, provider string, end time.Time, status marketdomain.ServiceStatus) marketdomain.Service {
	t.Helper()
	service := marketdomain.Service{
		Seq:             seq,
		ID:              fmt.Sprintf("%s_%d", provider, seq),
		ProviderAddress: provider,
		PricePerMinute:  100,
		StartTime:       now.Add(-time.Hour).UnixNano(),
		EndTime:         end.UnixNano(),
		Status:          status,
	}
	require.NoError(t, f.repo.InsertService(context.Background(), f.db, &service))
	return service
}

func (f *fixture) payLog(t *testing.T, seq int64, serviceID, consumer string, created time.Time, minutes int64) marketdomain.PayLog {
	t.Helper()
	payLog := marketdomain.PayLog{
		Seq:             seq,
		ID:              fmt.Sprintf("%s_%d", serviceID, seq),
		ConsumerAddress: consumer,
		ServiceID:       serviceID,
		CreatedAt:       created.UnixNano(),
		DueTime:         created.Add(time.Duration(minutes) * time.Minute).UnixNano(),
		PaidMinutes:     minutes,
		PaidAmount:      minutes * 100,
	}
	require.NoError(t, f.repo.InsertPayLog(context.Background(), f.db, &payLog))
	return payLog
}

func ids(services []marketdomain.Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.ID)
	}
	return out
}

func TestServiceListings(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	free := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	leased := f.service(t, 1, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	f.service(t, 2, "alice", now.Add(-time.Minute), marketdomain.ServiceStatusRunning)
	f.service(t, 3, "bob", now.Add(time.Hour), marketdomain.ServiceStatusStopped)
	f.payLog(t, 0, leased.ID, "carol", now.Add(-time.Minute), 10)

	all, err := f.query.GetAllServiceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice_0", "alice_1", "alice_2", "bob_3"}, ids(all))

	running, err := f.query.GetServiceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice_0", "alice_1"}, ids(running))

	available, err := f.query.GetAvailableServiceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{free.ID}, ids(available))

	again, err := f.query.GetAvailableServiceList(ctx)
	require.NoError(t, err)
	assert.Equal(t, available, again)

	byProvider, err := f.query.GetServiceListByProvider(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice_0", "alice_1"}, ids(byProvider))

	byProvider, err = f.query.GetServiceListByProvider(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob_3"}, ids(byProvider))
}

func TestGetServiceByConsumer(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	active := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	lapsed := f.service(t, 1, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	activeLog := f.payLog(t, 0, active.ID, "carol", now.Add(-time.Minute), 10)
	lapsedLog := f.payLog(t, 1, lapsed.ID, "dave", now.Add(-time.Hour), 10)

	require.NoError(t, f.repo.UpsertConsumerLease(ctx, f.db, &marketdomain.ConsumerLease{ConsumerAddress: "carol", ServiceID: active.ID, PayLogID: activeLog.ID}))
	require.NoError(t, f.repo.UpsertConsumerLease(ctx, f.db, &marketdomain.ConsumerLease{ConsumerAddress: "dave", ServiceID: lapsed.ID, PayLogID: lapsedLog.ID}))

	service, err := f.query.GetServiceByConsumer(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, service)
	assert.Equal(t, active.ID, service.ID)

	service, err = f.query.GetServiceByConsumer(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, service)

	service, err = f.query.GetServiceByConsumer(ctx, "erin")
	require.NoError(t, err)
	assert.Nil(t, service)
}

func TestBalancesAndAccrual(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	service := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	f.payLog(t, 0, service.ID, "carol", now.Add(-30*time.Minute), 10)
	f.payLog(t, 1, service.ID, "dave", now.Add(-15*time.Minute), 5)
	f.payLog(t, 2, service.ID, "erin", now.Add(-time.Minute), 10)

	accrued, err := f.query.GetAccruedPayAmount(ctx, service.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500), accrued)

	require.NoError(t, f.repo.EnsureProviderBalance(ctx, f.db, "alice"))
	require.NoError(t, f.repo.AdjustProviderLedger(ctx, f.db, "alice", 2_500))

	ledger, err := f.query.GetLedgerByProvider(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), ledger)

	earned, err := f.query.GetEarnedByProvider(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, earned)

	unknown, err := f.query.GetLedgerByProvider(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, unknown)

	assert.Equal(t, "root.testnet", f.query.GetAdminAddress(ctx))
}

func TestPayLogLists(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	second := f.service(t, 1, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	f.payLog(t, 0, first.ID, "carol", now.Add(-time.Hour), 5)
	f.payLog(t, 1, second.ID, "dave", now.Add(-time.Minute), 5)
	f.payLog(t, 2, first.ID, "erin", now.Add(-30*time.Minute), 5)

	all, err := f.query.GetPayLogList(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{0, 1, 2}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

	byService, err := f.query.GetPayLogsByService(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, byService, 2)
	assert.Equal(t, "carol", byService[0].ConsumerAddress)
	assert.Equal(t, "erin", byService[1].ConsumerAddress)

	none, err := f.query.GetPayLogsByService(ctx, "missing_9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListPayLogsPaginates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	service := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	for i := int64(0); i < 5; i++ {
		f.payLog(t, i, service.ID, "carol", now.Add(-time.Hour), 1)
	}

	first, err := f.query.ListPayLogs(ctx, marketdomain.ListPayLogsRequest{ServiceID: service.ID, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.PayLogs, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "alice_0_0", first.PayLogs[0].ID)

	second, err := f.query.ListPayLogs(ctx, marketdomain.ListPayLogsRequest{ServiceID: service.ID, PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.PayLogs, 2)
	assert.Equal(t, "alice_0_2", second.PayLogs[0].ID)

	third, err := f.query.ListPayLogs(ctx, marketdomain.ListPayLogsRequest{ServiceID: service.ID, PageSize: 2, PageToken: second.NextPageToken})
	require.NoError(t, err)
	require.Len(t, third.PayLogs, 1)
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextPageToken)

	_, err = f.query.ListPayLogs(ctx, marketdomain.ListPayLogsRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, marketdomain.ErrInvalidPageToken)
}

func TestUsageHistoryQueries(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	service := f.service(t, 0, "alice", now.Add(time.Hour), marketdomain.ServiceStatusRunning)
	payLog := f.payLog(t, 0, service.ID, "carol", now.Add(-time.Hour), 10)
	require.NoError(t, f.repo.InsertUsageHistory(ctx, f.db, &marketdomain.UsageHistoryLog{
		Seq:          0,
		ServiceID:    service.ID,
		PayLogID:     payLog.ID,
		UsageMinutes: 4,
		CreatedAt:    now,
	}))

	all, err := f.query.GetUsageHistoryLogs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(4), all[0].UsageMinutes)

	byService, err := f.query.GetUsageHistoryByService(ctx, "missing_9")
	require.NoError(t, err)
	assert.Empty(t, byService)

	page, err := f.query.ListUsageHistory(ctx, marketdomain.ListUsageHistoryRequest{})
	require.NoError(t, err)
	assert.Len(t, page.UsageHistoryLogs, 1)
	assert.False(t, page.HasMore)

	available, err := f.query.IsAvailableService(ctx, service.ID)
	require.NoError(t, err)
	assert.True(t, available)
}
