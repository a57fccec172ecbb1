package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/minutely/internal/audit/domain"
	"github.com/smallbiznis/minutely/internal/callercontext"
	"github.com/smallbiznis/minutely/internal/clock"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"github.com/smallbiznis/minutely/internal/ratelimit"
	"github.com/smallbiznis/minutely/pkg/units"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchLimit = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       marketdomain.Repository
	Ledger     ledgerdomain.Service
	Clock      clock.Clock
	Serializer ratelimit.Serializer `optional:"true"`
	Audit      auditdomain.Service  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Engine struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       marketdomain.Repository
	ledger     ledgerdomain.Service
	clock      clock.Clock
	serializer ratelimit.Serializer
	audit      auditdomain.Service
	obsMetrics *obsmetrics.Metrics

	// wallNow stamps UsageHistoryLog.CreatedAt and refund settlement times.
	wallNow func() time.Time
}

func NewEngine(p Params) marketdomain.Engine {
	return newEngine(p)
}

func newEngine(p Params) *Engine {
	serializer := p.Serializer
	if serializer == nil {
		serializer = ratelimit.NewLocalSerializer()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		db:         p.DB,
		log:        p.Log.Named("marketplace.engine"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledger:     p.Ledger,
		clock:      clk,
		serializer: serializer,
		audit:      p.Audit,
		obsMetrics: p.ObsMetrics,
		wallNow:    time.Now,
	}
}

func (e *Engine) RegisterService(ctx context.Context, req marketdomain.RegisterServiceRequest) (*marketdomain.Service, error) {
	provider, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()
	if req.EndTime < now {
		return nil, marketdomain.ErrInvalidSchedule
	}

	var service *marketdomain.Service
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := e.repo.NextServiceSeq(ctx, tx)
		if err != nil {
			return err
		}
		service = &marketdomain.Service{
			Seq:             seq,
			ID:              fmt.Sprintf("%s_%d", provider, seq),
			UUID:            strings.TrimSpace(req.UUID),
			ProviderAddress: provider,
			PricePerMinute:  req.PricePerMinute,
			StartTime:       now,
			EndTime:         req.EndTime,
			Status:          marketdomain.ServiceStatusRunning,
		}
		if err := e.repo.InsertService(ctx, tx, service); err != nil {
			return err
		}
		return e.repo.EnsureProviderBalance(ctx, tx, provider)
	})
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, provider, "service.registered", "service", service.ID, map[string]any{
		"uuid":             service.UUID,
		"price_per_minute": service.PricePerMinute,
		"end_time":         service.EndTime,
	})
	e.obsMetrics.RecordServiceRegistered(ctx)
	e.log.Info("service registered",
		zap.String("service_id", service.ID),
		zap.String("provider", provider),
		zap.Int64("price_per_minute", service.PricePerMinute),
	)
	return service, nil
}

func (e *Engine) PayService(ctx context.Context, req marketdomain.PayServiceRequest) (*marketdomain.PayLog, error) {
	consumer, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	serviceID := strings.TrimSpace(req.ServiceID)

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()

	var (
		payLog *marketdomain.PayLog
		refund *marketdomain.Refund
		price  int64
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		available, err := marketdomain.IsServiceAvailable(ctx, e.repo, tx, serviceID, now)
		if err != nil {
			return err
		}
		if !available {
			return marketdomain.ErrServiceUnavailable
		}

		active, err := marketdomain.ActiveServiceForConsumer(ctx, e.repo, tx, consumer, now)
		if err != nil {
			return err
		}
		if active != nil {
			return marketdomain.ErrAlreadyLeased
		}

		service, err := e.repo.FindService(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if service == nil {
			return marketdomain.ErrServiceNotFound
		}

		price, err = units.MulMantissa(service.PricePerMinute, req.UsageMinutes)
		if err != nil {
			return marketdomain.ErrAmountOverflow
		}
		if req.TransferAmount < price {
			return marketdomain.ErrInsufficientPayment
		}

		span, err := units.MinutesToNanos(req.UsageMinutes)
		if err != nil {
			return marketdomain.ErrAmountOverflow
		}
		dueTime, err := units.AddMantissa(now, span)
		if err != nil {
			return marketdomain.ErrAmountOverflow
		}

		seq, err := e.repo.NextPayLogSeq(ctx, tx)
		if err != nil {
			return err
		}
		payLog = &marketdomain.PayLog{
			Seq:             seq,
			ID:              fmt.Sprintf("%s_%d", service.ID, seq),
			ConsumerAddress: consumer,
			ServiceID:       service.ID,
			DueTime:         dueTime,
			CreatedAt:       now,
			PaidMinutes:     req.UsageMinutes,
			PaidAmount:      req.TransferAmount,
		}
		if err := e.repo.InsertPayLog(ctx, tx, payLog); err != nil {
			return err
		}
		if err := e.repo.UpsertConsumerLease(ctx, tx, &marketdomain.ConsumerLease{
			ConsumerAddress: consumer,
			ServiceID:       service.ID,
			PayLogID:        payLog.ID,
		}); err != nil {
			return err
		}
		if err := e.repo.EnsureProviderBalance(ctx, tx, service.ProviderAddress); err != nil {
			return err
		}
		if err := e.repo.AdjustProviderLedger(ctx, tx, service.ProviderAddress, price); err != nil {
			return err
		}

		if err := e.ledger.WithTx(tx).RecordDeposit(ctx, ledgerdomain.DepositRequest{
			From:      consumer,
			Amount:    req.TransferAmount,
			Reference: payLog.ID,
		}); err != nil {
			return fmt.Errorf("record deposit: %w", err)
		}

		if excess := req.TransferAmount - price; excess > 0 {
			refund = e.newRefund(marketdomain.RefundKindOverpayment, payLog, excess)
			if err := e.repo.InsertRefund(ctx, tx, refund); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, consumer, "lease.opened", "pay_log", payLog.ID, map[string]any{
		"service_id":    payLog.ServiceID,
		"paid_minutes":  payLog.PaidMinutes,
		"paid_amount":   payLog.PaidAmount,
		"price":         price,
		"due_time":      payLog.DueTime,
		"refund_amount": refundAmount(refund),
	})
	e.obsMetrics.RecordLeaseEvent(ctx, "opened")
	e.log.Info("lease opened",
		zap.String("service_id", payLog.ServiceID),
		zap.String("pay_log_id", payLog.ID),
		zap.String("consumer", consumer),
		zap.Int64("price", price),
	)

	if refund != nil {
		if _, err := e.settleRefund(ctx, refund); err != nil {
			e.log.Error("overpayment refund left pending", zap.String("pay_log_id", payLog.ID), zap.Error(err))
		}
		if current, err := e.repo.FindPayLog(ctx, e.db, payLog.ID); err == nil && current != nil {
			payLog = current
		}
	}
	return payLog, nil
}

func (e *Engine) StopUseService(ctx context.Context, req marketdomain.StopUseServiceRequest) (*marketdomain.UsageHistoryLog, error) {
	consumer, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	serviceID := strings.TrimSpace(req.ServiceID)

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()

	var (
		closure *marketdomain.UsageHistoryLog
		refund  *marketdomain.Refund
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		service, err := e.repo.FindService(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if service == nil {
			return marketdomain.ErrServiceNotFound
		}
		latest, err := e.repo.LatestPayLog(ctx, tx, service.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return marketdomain.ErrPayLogNotFound
		}
		if latest.ConsumerAddress != consumer {
			return marketdomain.ErrNotAuthorized
		}
		if err := e.checkLeaseOpen(ctx, tx, latest, now); err != nil {
			return err
		}

		closure, refund, err = e.closeLease(ctx, tx, service, latest, now)
		if err != nil {
			return err
		}
		return e.repo.DeleteConsumerLease(ctx, tx, consumer)
	})
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, consumer, "lease.closed", "pay_log", closure.PayLogID, map[string]any{
		"service_id":    closure.ServiceID,
		"usage_minutes": closure.UsageMinutes,
		"refund_amount": refundAmount(refund),
	})
	e.obsMetrics.RecordLeaseEvent(ctx, "closed")
	e.log.Info("lease closed",
		zap.String("service_id", closure.ServiceID),
		zap.String("pay_log_id", closure.PayLogID),
		zap.Int64("usage_minutes", closure.UsageMinutes),
	)

	if refund != nil {
		if _, err := e.settleRefund(ctx, refund); err != nil {
			e.log.Error("unused time refund left pending", zap.String("pay_log_id", closure.PayLogID), zap.Error(err))
		}
	}
	return closure, nil
}

func (e *Engine) StopServiceEmergency(ctx context.Context, req marketdomain.StopServiceEmergencyRequest) (*marketdomain.UsageHistoryLog, error) {
	provider, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	serviceID := strings.TrimSpace(req.ServiceID)

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()

	var (
		closure *marketdomain.UsageHistoryLog
		refund  *marketdomain.Refund
		lessee  string
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		service, err := e.repo.FindService(ctx, tx, serviceID)
		if err != nil {
			return err
		}
		if service == nil {
			return marketdomain.ErrServiceNotFound
		}
		if service.ProviderAddress != provider {
			return marketdomain.ErrNotAuthorized
		}
		latest, err := e.repo.LatestPayLog(ctx, tx, service.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return marketdomain.ErrPayLogNotFound
		}
		if err := e.checkLeaseOpen(ctx, tx, latest, now); err != nil {
			return err
		}

		if err := e.repo.UpdateServiceStatus(ctx, tx, service.ID, marketdomain.ServiceStatusStopped); err != nil {
			return err
		}
		service.Status = marketdomain.ServiceStatusStopped

		// A stopped service is never available, so the open lease is always
		// closed here and refunded to its consumer.
		lessee = latest.ConsumerAddress
		closure, refund, err = e.closeLease(ctx, tx, service, latest, now)
		if err != nil {
			return err
		}
		return e.repo.DeleteConsumerLeaseForService(ctx, tx, lessee, service.ID)
	})
	if err != nil {
		return nil, err
	}

	e.recordAudit(ctx, provider, "service.emergency_stopped", "service", closure.ServiceID, map[string]any{
		"pay_log_id":    closure.PayLogID,
		"consumer":      lessee,
		"usage_minutes": closure.UsageMinutes,
		"refund_amount": refundAmount(refund),
	})
	e.obsMetrics.RecordLeaseEvent(ctx, "emergency_stopped")
	e.log.Warn("service emergency stopped",
		zap.String("service_id", closure.ServiceID),
		zap.String("pay_log_id", closure.PayLogID),
		zap.String("consumer", lessee),
	)

	if refund != nil {
		if _, err := e.settleRefund(ctx, refund); err != nil {
			e.log.Error("emergency refund left pending", zap.String("pay_log_id", closure.PayLogID), zap.Error(err))
		}
	}
	return closure, nil
}

func (e *Engine) IsAvailable(ctx context.Context, serviceID string) (bool, error) {
	return marketdomain.IsServiceAvailable(ctx, e.repo, e.db.WithContext(ctx), strings.TrimSpace(serviceID), e.now())
}

// SettleLapsed closes up to limit leases whose due time passed without a
// stop. The full paid time counts as used and nothing is refunded.
func (e *Engine) SettleLapsed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	now := e.now()
	lapsed, err := e.repo.ListLapsedOpenPayLogs(ctx, e.db, now, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range lapsed {
		payLog := lapsed[i]
		var closure *marketdomain.UsageHistoryLog
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			existing, err := e.repo.FindUsageHistoryByPayLog(ctx, tx, payLog.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
			seq, err := e.repo.NextUsageHistorySeq(ctx, tx)
			if err != nil {
				return err
			}
			closure = &marketdomain.UsageHistoryLog{
				Seq:          seq,
				ServiceID:    payLog.ServiceID,
				PayLogID:     payLog.ID,
				UsageMinutes: payLog.PaidMinutes,
				CreatedAt:    e.wallNow().UTC(),
			}
			if err := e.repo.InsertUsageHistory(ctx, tx, closure); err != nil {
				return err
			}
			return e.repo.DeleteConsumerLeaseForService(ctx, tx, payLog.ConsumerAddress, payLog.ServiceID)
		})
		if err != nil {
			return settled, fmt.Errorf("settle pay log %s: %w", payLog.ID, err)
		}
		if closure == nil {
			continue
		}

		settled++
		e.recordAudit(ctx, "system", "lease.settled", "pay_log", payLog.ID, map[string]any{
			"service_id":    payLog.ServiceID,
			"consumer":      payLog.ConsumerAddress,
			"usage_minutes": closure.UsageMinutes,
		})
		e.obsMetrics.RecordLeaseEvent(ctx, "settled")
	}

	if settled > 0 {
		e.log.Info("lapsed leases settled", zap.Int("count", settled))
	}
	return settled, nil
}

// ReconcileRefunds retries confirmation of refunds whose outcome was not
// observed, requesting the transfer first when none was recorded.
func (e *Engine) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	release, err := e.serializer.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	pending, err := e.repo.ListPendingRefunds(ctx, e.db, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		refund := pending[i]
		status, err := e.settleRefund(ctx, &refund)
		if err != nil {
			e.log.Warn("refund reconcile failed",
				zap.String("refund_id", refund.ID.String()),
				zap.String("pay_log_id", refund.PayLogID),
				zap.Error(err),
			)
			continue
		}
		if status != marketdomain.RefundStatusPending {
			resolved++
		}
	}
	return resolved, nil
}

func (e *Engine) checkLeaseOpen(ctx context.Context, tx *gorm.DB, payLog *marketdomain.PayLog, now int64) error {
	if now > payLog.DueTime {
		return marketdomain.ErrAlreadyEnded
	}
	closure, err := e.repo.FindUsageHistoryByPayLog(ctx, tx, payLog.ID)
	if err != nil {
		return err
	}
	if closure != nil {
		return marketdomain.ErrAlreadyStopped
	}
	return nil
}

// closeLease appends the closure record and, when minutes are left, a
// pending refund for them. Balances move only once the refund settles.
func (e *Engine) closeLease(ctx context.Context, tx *gorm.DB, service *marketdomain.Service, payLog *marketdomain.PayLog, now int64) (*marketdomain.UsageHistoryLog, *marketdomain.Refund, error) {
	usage, left := leaseMinutes(payLog, now)

	seq, err := e.repo.NextUsageHistorySeq(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	closure := &marketdomain.UsageHistoryLog{
		Seq:          seq,
		ServiceID:    service.ID,
		PayLogID:     payLog.ID,
		UsageMinutes: usage,
		CreatedAt:    e.wallNow().UTC(),
	}
	if err := e.repo.InsertUsageHistory(ctx, tx, closure); err != nil {
		return nil, nil, err
	}

	if left == 0 {
		return closure, nil, nil
	}
	amount, err := units.MulMantissa(service.PricePerMinute, left)
	if err != nil {
		return nil, nil, marketdomain.ErrAmountOverflow
	}
	refund := e.newRefund(marketdomain.RefundKindUnusedTime, payLog, amount)
	if err := e.repo.InsertRefund(ctx, tx, refund); err != nil {
		return nil, nil, err
	}
	return closure, refund, nil
}

// leaseMinutes bills every started minute and refunds whole minutes left.
func leaseMinutes(payLog *marketdomain.PayLog, now int64) (usage int64, left int64) {
	usage = units.NanosToMinutesCeil(now - payLog.CreatedAt)
	if usage > payLog.PaidMinutes {
		usage = payLog.PaidMinutes
	}
	left = payLog.PaidMinutes - usage
	return usage, left
}

func (e *Engine) newRefund(kind marketdomain.RefundKind, payLog *marketdomain.PayLog, amount int64) *marketdomain.Refund {
	return &marketdomain.Refund{
		ID:              e.genID.Generate(),
		Kind:            kind,
		ServiceID:       payLog.ServiceID,
		PayLogID:        payLog.ID,
		ConsumerAddress: payLog.ConsumerAddress,
		Amount:          amount,
		Status:          marketdomain.RefundStatusPending,
		CreatedAt:       e.wallNow().UTC(),
	}
}

// settleRefund drives a refund through the two-phase transfer. A confirmation
// that cannot be observed leaves the refund pending for ReconcileRefunds.
func (e *Engine) settleRefund(ctx context.Context, refund *marketdomain.Refund) (marketdomain.RefundStatus, error) {
	if refund.TransferID == "" {
		transferID, err := e.ledger.RequestTransfer(ctx, ledgerdomain.TransferRequest{
			To:        refund.ConsumerAddress,
			Amount:    refund.Amount,
			Reference: refundReference(refund),
		})
		if err != nil {
			return e.finishRefund(ctx, refund, marketdomain.RefundStatusFailed, err.Error())
		}
		refund.TransferID = transferID
		if err := e.repo.SetRefundTransfer(ctx, e.db, refund.ID.Int64(), transferID); err != nil {
			return marketdomain.RefundStatusPending, err
		}
	}

	outcome, err := e.ledger.ConfirmTransfer(ctx, refund.TransferID)
	if err != nil {
		e.log.Warn("refund transfer unconfirmed",
			zap.String("refund_id", refund.ID.String()),
			zap.String("transfer_id", refund.TransferID),
			zap.Error(err),
		)
		return marketdomain.RefundStatusPending, nil
	}
	if outcome.Succeeded() {
		return e.finishRefund(ctx, refund, marketdomain.RefundStatusSucceeded, "")
	}
	return e.finishRefund(ctx, refund, marketdomain.RefundStatusFailed, outcome.Reason)
}

// finishRefund records the final refund status and applies bookkeeping on
// success. Only the call that moves the refund out of pending applies it.
func (e *Engine) finishRefund(ctx context.Context, refund *marketdomain.Refund, status marketdomain.RefundStatus, reason string) (marketdomain.RefundStatus, error) {
	settledAt := e.wallNow().UTC()
	refund.Status = status
	refund.FailureReason = reason
	refund.SettledAt = &settledAt

	applied := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := e.repo.SettleRefund(ctx, tx, refund)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true
		if status != marketdomain.RefundStatusSucceeded {
			return nil
		}

		if err := e.repo.DecrementPaidAmount(ctx, tx, refund.PayLogID, refund.Amount); err != nil {
			return err
		}
		if refund.Kind != marketdomain.RefundKindUnusedTime {
			return nil
		}
		service, err := e.repo.FindService(ctx, tx, refund.ServiceID)
		if err != nil {
			return err
		}
		if service == nil {
			return marketdomain.ErrServiceNotFound
		}
		return e.repo.AdjustProviderLedger(ctx, tx, service.ProviderAddress, -refund.Amount)
	})
	if err != nil {
		return marketdomain.RefundStatusPending, err
	}
	if !applied {
		return status, nil
	}

	e.obsMetrics.RecordRefund(ctx, string(status), refund.Amount)
	if status == marketdomain.RefundStatusFailed {
		e.log.Warn("refund transfer failed",
			zap.String("service_id", refund.ServiceID),
			zap.String("pay_log_id", refund.PayLogID),
			zap.String("consumer", refund.ConsumerAddress),
			zap.Int64("amount", refund.Amount),
			zap.String("reason", reason),
		)
		e.recordAudit(ctx, "system", "refund.failed", "refund", refund.ID.String(), map[string]any{
			"kind":        string(refund.Kind),
			"pay_log_id":  refund.PayLogID,
			"consumer":    refund.ConsumerAddress,
			"amount":      refund.Amount,
			"transfer_id": refund.TransferID,
			"reason":      reason,
		})
	}
	return status, nil
}

func (e *Engine) recordAudit(ctx context.Context, actorID, action, targetType, targetID string, metadata map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AuditLog(ctx, actorID, action, targetType, targetID, metadata); err != nil {
		e.log.Warn("audit log failed", zap.String("action", action), zap.String("target_id", targetID), zap.Error(err))
	}
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixNano()
}

func callerFrom(ctx context.Context) (string, error) {
	caller, ok := callercontext.CallerFromContext(ctx)
	if !ok || strings.TrimSpace(caller) == "" {
		return "", marketdomain.ErrInvalidCaller
	}
	return strings.TrimSpace(caller), nil
}

func refundReference(refund *marketdomain.Refund) string {
	return fmt.Sprintf("refund:%s:%s", refund.Kind, refund.PayLogID)
}

func refundAmount(refund *marketdomain.Refund) int64 {
	if refund == nil {
		return 0
	}
	return refund.Amount
}
