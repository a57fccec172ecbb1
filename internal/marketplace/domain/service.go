package domain

import (
	"context"

	"gorm.io/gorm"
)

// Engine is the only writer of marketplace state. Every mutating call reads
// the acting account from the context.
type Engine interface {
	RegisterService(ctx context.Context, req RegisterServiceRequest) (*Service, error)
	PayService(ctx context.Context, req PayServiceRequest) (*PayLog, error)
	StopUseService(ctx context.Context, req StopUseServiceRequest) (*UsageHistoryLog, error)
	StopServiceEmergency(ctx context.Context, req StopServiceEmergencyRequest) (*UsageHistoryLog, error)
	IsAvailable(ctx context.Context, serviceID string) (bool, error)

	// SettleLapsed closes leases whose due time passed without a stop.
	SettleLapsed(ctx context.Context, limit int) (int, error)
	// ReconcileRefunds confirms refunds whose outcome was not observed.
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

// Query is the read-only projection over marketplace state.
type Query interface {
	GetAdminAddress(ctx context.Context) string
	IsAvailableService(ctx context.Context, serviceID string) (bool, error)
	GetService(ctx context.Context, serviceID string) (*Service, error)
	GetServiceByConsumer(ctx context.Context, consumer string) (*Service, error)
	GetAllServiceList(ctx context.Context) ([]Service, error)
	GetServiceList(ctx context.Context) ([]Service, error)
	GetAvailableServiceList(ctx context.Context) ([]Service, error)
	GetServiceListByProvider(ctx context.Context, provider string) ([]Service, error)
	GetLedgerByProvider(ctx context.Context, provider string) (int64, error)
	GetEarnedByProvider(ctx context.Context, provider string) (int64, error)
	GetPayLog(ctx context.Context, payLogID string) (*PayLog, error)
	GetPayLogList(ctx context.Context) ([]PayLog, error)
	GetPayLogsByService(ctx context.Context, serviceID string) ([]PayLog, error)
	GetAccruedPayAmount(ctx context.Context, serviceID string) (int64, error)
	GetUsageHistoryLogs(ctx context.Context) ([]UsageHistoryLog, error)
	GetUsageHistoryByService(ctx context.Context, serviceID string) ([]UsageHistoryLog, error)
	ListPayLogs(ctx context.Context, req ListPayLogsRequest) (ListPayLogsResponse, error)
	ListUsageHistory(ctx context.Context, req ListUsageHistoryRequest) (ListUsageHistoryResponse, error)
}

type ServiceFilter struct {
	ProviderAddress string
	Status          ServiceStatus
	// MinEndTime keeps services with end_time >= MinEndTime when non-zero.
	MinEndTime int64
}

// PayLogFilter selects pay logs in seq order starting at FromSeq.
type PayLogFilter struct {
	ServiceID string
	FromSeq   int64
	Limit     int
}

type UsageHistoryFilter struct {
	ServiceID string
	FromSeq   int64
	Limit     int
}

// Repository is the entity store. Every method takes the handle to run on so
// that callers can compose writes inside one transaction.
type Repository interface {
	NextServiceSeq(ctx context.Context, db *gorm.DB) (int64, error)
	InsertService(ctx context.Context, db *gorm.DB, service *Service) error
	FindService(ctx context.Context, db *gorm.DB, id string) (*Service, error)
	ListServices(ctx context.Context, db *gorm.DB, filter ServiceFilter) ([]Service, error)
	UpdateServiceStatus(ctx context.Context, db *gorm.DB, id string, status ServiceStatus) error

	NextPayLogSeq(ctx context.Context, db *gorm.DB) (int64, error)
	InsertPayLog(ctx context.Context, db *gorm.DB, payLog *PayLog) error
	FindPayLog(ctx context.Context, db *gorm.DB, id string) (*PayLog, error)
	LatestPayLog(ctx context.Context, db *gorm.DB, serviceID string) (*PayLog, error)
	ListPayLogs(ctx context.Context, db *gorm.DB, filter PayLogFilter) ([]PayLog, error)
	DecrementPaidAmount(ctx context.Context, db *gorm.DB, payLogID string, amount int64) error
	SumAccrued(ctx context.Context, db *gorm.DB, serviceID string, now int64) (int64, error)
	ListLapsedOpenPayLogs(ctx context.Context, db *gorm.DB, now int64, limit int) ([]PayLog, error)

	NextUsageHistorySeq(ctx context.Context, db *gorm.DB) (int64, error)
	InsertUsageHistory(ctx context.Context, db *gorm.DB, log *UsageHistoryLog) error
	FindUsageHistoryByPayLog(ctx context.Context, db *gorm.DB, payLogID string) (*UsageHistoryLog, error)
	ListUsageHistory(ctx context.Context, db *gorm.DB, filter UsageHistoryFilter) ([]UsageHistoryLog, error)

	EnsureProviderBalance(ctx context.Context, db *gorm.DB, provider string) error
	AdjustProviderLedger(ctx context.Context, db *gorm.DB, provider string, delta int64) error
	FindProviderBalance(ctx context.Context, db *gorm.DB, provider string) (*ProviderBalance, error)

	UpsertConsumerLease(ctx context.Context, db *gorm.DB, lease *ConsumerLease) error
	FindConsumerLease(ctx context.Context, db *gorm.DB, consumer string) (*ConsumerLease, error)
	DeleteConsumerLease(ctx context.Context, db *gorm.DB, consumer string) error
	DeleteConsumerLeaseForService(ctx context.Context, db *gorm.DB, consumer string, serviceID string) error

	InsertRefund(ctx context.Context, db *gorm.DB, refund *Refund) error
	SetRefundTransfer(ctx context.Context, db *gorm.DB, refundID int64, transferID string) error
	// SettleRefund moves a pending refund to its final status and reports
	// whether this call performed the transition.
	SettleRefund(ctx context.Context, db *gorm.DB, refund *Refund) (bool, error)
	ListPendingRefunds(ctx context.Context, db *gorm.DB, limit int) ([]Refund, error)
	ListRefundsByPayLog(ctx context.Context, db *gorm.DB, payLogID string) ([]Refund, error)
}
