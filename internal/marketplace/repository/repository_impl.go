package repository

import (
	"context"
	"strings"
	"time"

	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() marketdomain.Repository {
	return &repo{}
}

const serviceColumns = `seq, id, uuid, provider_address, price_per_minute, start_time, end_time, status`

const payLogColumns = `seq, id, consumer_address, service_id, due_time, created_at, paid_minutes, paid_amount`

const usageHistoryColumns = `seq, service_id, pay_log_id, usage_minutes, created_at`

const refundColumns = `id, kind, service_id, pay_log_id, consumer_address, amount, transfer_id, status, failure_reason, created_at, settled_at`

func (r *repo) NextServiceSeq(ctx context.Context, db *gorm.DB) (int64, error) {
	return nextSeq(ctx, db, "services")
}

func (r *repo) InsertService(ctx context.Context, db *gorm.DB, service *marketdomain.Service) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO services (`+serviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		service.Seq,
		service.ID,
		service.UUID,
		service.ProviderAddress,
		service.PricePerMinute,
		service.StartTime,
		service.EndTime,
		string(service.Status),
	).Error
}

func (r *repo) FindService(ctx context.Context, db *gorm.DB, id string) (*marketdomain.Service, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	var service marketdomain.Service
	err := db.WithContext(ctx).Raw(
		`SELECT `+serviceColumns+` FROM services WHERE id = ? LIMIT 1`,
		id,
	).Scan(&service).Error
	if err != nil {
		return nil, err
	}
	if service.ID == "" {
		return nil, nil
	}
	return &service, nil
}

func (r *repo) ListServices(ctx context.Context, db *gorm.DB, filter marketdomain.ServiceFilter) ([]marketdomain.Service, error) {
	query := db.WithContext(ctx).Model(&marketdomain.Service{})
	if provider := strings.TrimSpace(filter.ProviderAddress); provider != "" {
		query = query.Where("provider_address = ?", provider)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.MinEndTime != 0 {
		query = query.Where("end_time >= ?", filter.MinEndTime)
	}

	var items []marketdomain.Service
	if err := query.Order("seq ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateServiceStatus(ctx context.Context, db *gorm.DB, id string, status marketdomain.ServiceStatus) error {
	return db.WithContext(ctx).Exec(
		`UPDATE services SET status = ? WHERE id = ?`,
		string(status),
		id,
	).Error
}

func (r *repo) NextPayLogSeq(ctx context.Context, db *gorm.DB) (int64, error) {
	return nextSeq(ctx, db, "pay_logs")
}

func (r *repo) InsertPayLog(ctx context.Context, db *gorm.DB, payLog *marketdomain.PayLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO pay_logs (`+payLogColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payLog.Seq,
		payLog.ID,
		payLog.ConsumerAddress,
		payLog.ServiceID,
		payLog.DueTime,
		payLog.CreatedAt,
		payLog.PaidMinutes,
		payLog.PaidAmount,
	).Error
}

func (r *repo) FindPayLog(ctx context.Context, db *gorm.DB, id string) (*marketdomain.PayLog, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	return scanPayLog(db.WithContext(ctx).Raw(
		`SELECT `+payLogColumns+` FROM pay_logs WHERE id = ? LIMIT 1`,
		id,
	))
}

// LatestPayLog picks the most recently appended pay log by seq.
func (r *repo) LatestPayLog(ctx context.Context, db *gorm.DB, serviceID string) (*marketdomain.PayLog, error) {
	return scanPayLog(db.WithContext(ctx).Raw(
		`SELECT `+payLogColumns+` FROM pay_logs
		 WHERE service_id = ?
		 ORDER BY seq DESC
		 LIMIT 1`,
		serviceID,
	))
}

func (r *repo) ListPayLogs(ctx context.Context, db *gorm.DB, filter marketdomain.PayLogFilter) ([]marketdomain.PayLog, error) {
	query := db.WithContext(ctx).Model(&marketdomain.PayLog{})
	if serviceID := strings.TrimSpace(filter.ServiceID); serviceID != "" {
		query = query.Where("service_id = ?", serviceID)
	}
	if filter.FromSeq > 0 {
		query = query.Where("seq >= ?", filter.FromSeq)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var items []marketdomain.PayLog
	if err := query.Order("seq ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DecrementPaidAmount(ctx context.Context, db *gorm.DB, payLogID string, amount int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE pay_logs SET paid_amount = paid_amount - ? WHERE id = ?`,
		amount,
		payLogID,
	).Error
}

func (r *repo) SumAccrued(ctx context.Context, db *gorm.DB, serviceID string, now int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(paid_amount), 0) FROM pay_logs
		 WHERE service_id = ? AND due_time < ?`,
		serviceID,
		now,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListLapsedOpenPayLogs(ctx context.Context, db *gorm.DB, now int64, limit int) ([]marketdomain.PayLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []marketdomain.PayLog
	err := db.WithContext(ctx).Raw(
		`SELECT p.seq, p.id, p.consumer_address, p.service_id, p.due_time, p.created_at, p.paid_minutes, p.paid_amount
		 FROM pay_logs p
		 WHERE p.due_time < ?
		   AND NOT EXISTS (SELECT 1 FROM usage_history_logs u WHERE u.pay_log_id = p.id)
		 ORDER BY p.seq ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) NextUsageHistorySeq(ctx context.Context, db *gorm.DB) (int64, error) {
	return nextSeq(ctx, db, "usage_history_logs")
}

func (r *repo) InsertUsageHistory(ctx context.Context, db *gorm.DB, log *marketdomain.UsageHistoryLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_history_logs (`+usageHistoryColumns+`)
		 VALUES (?, ?, ?, ?, ?)`,
		log.Seq,
		log.ServiceID,
		log.PayLogID,
		log.UsageMinutes,
		log.CreatedAt,
	).Error
}

func (r *repo) FindUsageHistoryByPayLog(ctx context.Context, db *gorm.DB, payLogID string) (*marketdomain.UsageHistoryLog, error) {
	var items []marketdomain.UsageHistoryLog
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageHistoryColumns+` FROM usage_history_logs WHERE pay_log_id = ? LIMIT 1`,
		payLogID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) ListUsageHistory(ctx context.Context, db *gorm.DB, filter marketdomain.UsageHistoryFilter) ([]marketdomain.UsageHistoryLog, error) {
	query := db.WithContext(ctx).Model(&marketdomain.UsageHistoryLog{})
	if serviceID := strings.TrimSpace(filter.ServiceID); serviceID != "" {
		query = query.Where("service_id = ?", serviceID)
	}
	if filter.FromSeq > 0 {
		query = query.Where("seq >= ?", filter.FromSeq)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var items []marketdomain.UsageHistoryLog
	if err := query.Order("seq ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) EnsureProviderBalance(ctx context.Context, db *gorm.DB, provider string) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO provider_balances (provider_address, ledger, earned)
		 VALUES (?, 0, 0)
		 ON CONFLICT (provider_address) DO NOTHING`,
		provider,
	).Error
}

func (r *repo) AdjustProviderLedger(ctx context.Context, db *gorm.DB, provider string, delta int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE provider_balances SET ledger = ledger + ? WHERE provider_address = ?`,
		delta,
		provider,
	).Error
}

func (r *repo) FindProviderBalance(ctx context.Context, db *gorm.DB, provider string) (*marketdomain.ProviderBalance, error) {
	var items []marketdomain.ProviderBalance
	err := db.WithContext(ctx).Raw(
		`SELECT provider_address, ledger, earned FROM provider_balances WHERE provider_address = ? LIMIT 1`,
		provider,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) UpsertConsumerLease(ctx context.Context, db *gorm.DB, lease *marketdomain.ConsumerLease) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO consumer_leases (consumer_address, service_id, pay_log_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT (consumer_address) DO UPDATE
		 SET service_id = excluded.service_id, pay_log_id = excluded.pay_log_id`,
		lease.ConsumerAddress,
		lease.ServiceID,
		lease.PayLogID,
	).Error
}

func (r *repo) FindConsumerLease(ctx context.Context, db *gorm.DB, consumer string) (*marketdomain.ConsumerLease, error) {
	var items []marketdomain.ConsumerLease
	err := db.WithContext(ctx).Raw(
		`SELECT consumer_address, service_id, pay_log_id FROM consumer_leases WHERE consumer_address = ? LIMIT 1`,
		consumer,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) DeleteConsumerLease(ctx context.Context, db *gorm.DB, consumer string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM consumer_leases WHERE consumer_address = ?`,
		consumer,
	).Error
}

func (r *repo) DeleteConsumerLeaseForService(ctx context.Context, db *gorm.DB, consumer string, serviceID string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM consumer_leases WHERE consumer_address = ? AND service_id = ?`,
		consumer,
		serviceID,
	).Error
}

func (r *repo) InsertRefund(ctx context.Context, db *gorm.DB, refund *marketdomain.Refund) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refunds (`+refundColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID,
		string(refund.Kind),
		refund.ServiceID,
		refund.PayLogID,
		refund.ConsumerAddress,
		refund.Amount,
		refund.TransferID,
		string(refund.Status),
		refund.FailureReason,
		refund.CreatedAt,
		refund.SettledAt,
	).Error
}

func (r *repo) SetRefundTransfer(ctx context.Context, db *gorm.DB, refundID int64, transferID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE refunds SET transfer_id = ? WHERE id = ? AND status = ?`,
		transferID,
		refundID,
		string(marketdomain.RefundStatusPending),
	).Error
}

func (r *repo) SettleRefund(ctx context.Context, db *gorm.DB, refund *marketdomain.Refund) (bool, error) {
	settledAt := refund.SettledAt
	if settledAt == nil {
		now := time.Now().UTC()
		settledAt = &now
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE refunds
		 SET status = ?, failure_reason = ?, transfer_id = ?, settled_at = ?
		 WHERE id = ? AND status = ?`,
		string(refund.Status),
		refund.FailureReason,
		refund.TransferID,
		settledAt,
		refund.ID,
		string(marketdomain.RefundStatusPending),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListPendingRefunds(ctx context.Context, db *gorm.DB, limit int) ([]marketdomain.Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []marketdomain.Refund
	err := db.WithContext(ctx).Raw(
		`SELECT `+refundColumns+` FROM refunds
		 WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		string(marketdomain.RefundStatusPending),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListRefundsByPayLog(ctx context.Context, db *gorm.DB, payLogID string) ([]marketdomain.Refund, error) {
	var items []marketdomain.Refund
	err := db.WithContext(ctx).Raw(
		`SELECT `+refundColumns+` FROM refunds WHERE pay_log_id = ? ORDER BY id ASC`,
		payLogID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func scanPayLog(query *gorm.DB) (*marketdomain.PayLog, error) {
	var items []marketdomain.PayLog
	if err := query.Scan(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// nextSeq returns the next 0-based position in table. Callers hold the
// engine serializer, so MAX+1 cannot race.
func nextSeq(ctx context.Context, db *gorm.DB, table string) (int64, error) {
	var next int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM ` + table,
	).Scan(&next).Error
	return next, err
}
