package query

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/smallbiznis/minutely/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Repo           marketdomain.Repository
	Clock          clock.Clock
	MarketplaceCfg *config.MarketplaceConfigHolder `optional:"true"`
}

// Query serves read-only projections. It never takes the engine serializer.
type Query struct {
	db             *gorm.DB
	log            *zap.Logger
	repo           marketdomain.Repository
	clock          clock.Clock
	marketplaceCfg *config.MarketplaceConfigHolder
}

func New(p Params) marketdomain.Query {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Query{
		db:             p.DB,
		log:            p.Log.Named("marketplace.query"),
		repo:           p.Repo,
		clock:          clk,
		marketplaceCfg: p.MarketplaceCfg,
	}
}

func (q *Query) GetAdminAddress(ctx context.Context) string {
	return q.marketplaceCfg.Get().AdminAddress
}

func (q *Query) IsAvailableService(ctx context.Context, serviceID string) (bool, error) {
	return marketdomain.IsServiceAvailable(ctx, q.repo, q.db, strings.TrimSpace(serviceID), q.now())
}

func (q *Query) GetService(ctx context.Context, serviceID string) (*marketdomain.Service, error) {
	return q.repo.FindService(ctx, q.db, serviceID)
}

// GetServiceByConsumer returns nil when the consumer holds no lease or the
// lease has lapsed.
func (q *Query) GetServiceByConsumer(ctx context.Context, consumer string) (*marketdomain.Service, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, nil
	}
	return marketdomain.ActiveServiceForConsumer(ctx, q.repo, q.db, consumer, q.now())
}

func (q *Query) GetAllServiceList(ctx context.Context) ([]marketdomain.Service, error) {
	return q.repo.ListServices(ctx, q.db, marketdomain.ServiceFilter{})
}

// GetServiceList returns running services that have not reached their end time.
func (q *Query) GetServiceList(ctx context.Context) ([]marketdomain.Service, error) {
	return q.repo.ListServices(ctx, q.db, marketdomain.ServiceFilter{
		Status:     marketdomain.ServiceStatusRunning,
		MinEndTime: q.now(),
	})
}

func (q *Query) GetAvailableServiceList(ctx context.Context) ([]marketdomain.Service, error) {
	now := q.now()
	candidates, err := q.repo.ListServices(ctx, q.db, marketdomain.ServiceFilter{
		Status:     marketdomain.ServiceStatusRunning,
		MinEndTime: now,
	})
	if err != nil {
		return nil, err
	}

	available := make([]marketdomain.Service, 0, len(candidates))
	for _, service := range candidates {
		ok, err := marketdomain.IsServiceAvailable(ctx, q.repo, q.db, service.ID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			available = append(available, service)
		}
	}
	return available, nil
}

// GetServiceListByProvider returns the provider's services whose end time is
// still ahead.
func (q *Query) GetServiceListByProvider(ctx context.Context, provider string) ([]marketdomain.Service, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return []marketdomain.Service{}, nil
	}
	return q.repo.ListServices(ctx, q.db, marketdomain.ServiceFilter{
		ProviderAddress: provider,
		MinEndTime:      q.now() + 1,
	})
}

func (q *Query) GetLedgerByProvider(ctx context.Context, provider string) (int64, error) {
	balance, err := q.repo.FindProviderBalance(ctx, q.db, strings.TrimSpace(provider))
	if err != nil || balance == nil {
		return 0, err
	}
	return balance.Ledger, nil
}

func (q *Query) GetEarnedByProvider(ctx context.Context, provider string) (int64, error) {
	balance, err := q.repo.FindProviderBalance(ctx, q.db, strings.TrimSpace(provider))
	if err != nil || balance == nil {
		return 0, err
	}
	return balance.Earned, nil
}

func (q *Query) GetPayLog(ctx context.Context, payLogID string) (*marketdomain.PayLog, error) {
	return q.repo.FindPayLog(ctx, q.db, strings.TrimSpace(payLogID))
}

func (q *Query) GetPayLogList(ctx context.Context) ([]marketdomain.PayLog, error) {
	return q.repo.ListPayLogs(ctx, q.db, marketdomain.PayLogFilter{})
}

func (q *Query) GetPayLogsByService(ctx context.Context, serviceID string) ([]marketdomain.PayLog, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return []marketdomain.PayLog{}, nil
	}
	return q.repo.ListPayLogs(ctx, q.db, marketdomain.PayLogFilter{ServiceID: serviceID})
}

// GetAccruedPayAmount sums paid amounts of the service's leases that are past due.
func (q *Query) GetAccruedPayAmount(ctx context.Context, serviceID string) (int64, error) {
	return q.repo.SumAccrued(ctx, q.db, strings.TrimSpace(serviceID), q.now())
}

func (q *Query) GetUsageHistoryLogs(ctx context.Context) ([]marketdomain.UsageHistoryLog, error) {
	return q.repo.ListUsageHistory(ctx, q.db, marketdomain.UsageHistoryFilter{})
}

func (q *Query) GetUsageHistoryByService(ctx context.Context, serviceID string) ([]marketdomain.UsageHistoryLog, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return []marketdomain.UsageHistoryLog{}, nil
	}
	return q.repo.ListUsageHistory(ctx, q.db, marketdomain.UsageHistoryFilter{ServiceID: serviceID})
}

func (q *Query) ListPayLogs(ctx context.Context, req marketdomain.ListPayLogsRequest) (marketdomain.ListPayLogsResponse, error) {
	size := pagination.NormalizePageSize(req.PageSize)
	after, err := decodePageToken(req.PageToken)
	if err != nil {
		return marketdomain.ListPayLogsResponse{}, err
	}

	items, err := q.repo.ListPayLogs(ctx, q.db, marketdomain.PayLogFilter{
		ServiceID: strings.TrimSpace(req.ServiceID),
		FromSeq:   after + 1,
		Limit:     int(size) + 1,
	})
	if err != nil {
		return marketdomain.ListPayLogsResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(items, size, func(p marketdomain.PayLog) string {
		return seqToken(p.Seq)
	})
	if page == nil {
		page = []marketdomain.PayLog{}
	}
	return marketdomain.ListPayLogsResponse{PageInfo: info, PayLogs: page}, nil
}

func (q *Query) ListUsageHistory(ctx context.Context, req marketdomain.ListUsageHistoryRequest) (marketdomain.ListUsageHistoryResponse, error) {
	size := pagination.NormalizePageSize(req.PageSize)
	after, err := decodePageToken(req.PageToken)
	if err != nil {
		return marketdomain.ListUsageHistoryResponse{}, err
	}

	items, err := q.repo.ListUsageHistory(ctx, q.db, marketdomain.UsageHistoryFilter{
		ServiceID: strings.TrimSpace(req.ServiceID),
		FromSeq:   after + 1,
		Limit:     int(size) + 1,
	})
	if err != nil {
		return marketdomain.ListUsageHistoryResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(items, size, func(u marketdomain.UsageHistoryLog) string {
		return seqToken(u.Seq)
	})
	if page == nil {
		page = []marketdomain.UsageHistoryLog{}
	}
	return marketdomain.ListUsageHistoryResponse{PageInfo: info, UsageHistoryLogs: page}, nil
}

func (q *Query) now() int64 {
	return q.clock.Now().UnixNano()
}

func decodePageToken(token string) (int64, error) {
	after, err := pagination.DecodeSeqCursor(token)
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return 0, marketdomain.ErrInvalidPageToken
	}
	return after, err
}

func seqToken(seq int64) string {
	token, _ := pagination.EncodeSeqCursor(seq)
	return token
}
