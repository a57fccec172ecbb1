package receipt

import (
	"context"
	"strings"

	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
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
	Renderer       Renderer                        `optional:"true"`
	MarketplaceCfg *config.MarketplaceConfigHolder `optional:"true"`
}

// Service assembles lease receipts from committed marketplace state.
type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	repo           marketdomain.Repository
	clock          clock.Clock
	renderer       Renderer
	marketplaceCfg *config.MarketplaceConfigHolder
}

func NewService(p Params) *Service {
	renderer := p.Renderer
	if renderer == nil {
		renderer = NewPDFRenderer()
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("receipt.service"),
		repo:           p.Repo,
		clock:          p.Clock,
		renderer:       renderer,
		marketplaceCfg: p.MarketplaceCfg,
	}
}

// Load gathers the receipt data for a pay log.
func (s *Service) Load(ctx context.Context, payLogID string) (Data, error) {
	payLog, err := s.repo.FindPayLog(ctx, s.db, strings.TrimSpace(payLogID))
	if err != nil {
		return Data{}, err
	}
	if payLog == nil {
		return Data{}, marketdomain.ErrPayLogNotFound
	}
	service, err := s.repo.FindService(ctx, s.db, payLog.ServiceID)
	if err != nil {
		return Data{}, err
	}
	if service == nil {
		return Data{}, marketdomain.ErrServiceNotFound
	}
	closure, err := s.repo.FindUsageHistoryByPayLog(ctx, s.db, payLog.ID)
	if err != nil {
		return Data{}, err
	}
	refunds, err := s.repo.ListRefundsByPayLog(ctx, s.db, payLog.ID)
	if err != nil {
		return Data{}, err
	}

	cfg := s.marketplaceCfg.Get()
	return Data{
		Service:  *service,
		PayLog:   *payLog,
		Closure:  closure,
		Refunds:  refunds,
		Currency: cfg.Currency,
		Decimals: cfg.CurrencyDecimals,
		IssuedAt: s.clock.Now(),
	}, nil
}

// LeaseReceipt renders the receipt document for a pay log.
func (s *Service) LeaseReceipt(ctx context.Context, payLogID string) ([]byte, error) {
	data, err := s.Load(ctx, payLogID)
	if err != nil {
		return nil, err
	}
	doc, err := s.renderer.Render(ctx, data)
	if err != nil {
		s.log.Error("render receipt failed", zap.String("pay_log_id", data.PayLog.ID), zap.Error(err))
		return nil, err
	}
	return doc, nil
}
