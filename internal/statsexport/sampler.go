package statsexport

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/minutely/internal/clock"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"gorm.io/gorm"
)

// Snapshot is a point-in-time view of marketplace state.
type Snapshot struct {
	RunningServices int64
	OpenLeases      int64
	PendingRefunds  int64
	EscrowBalance   int64
}

// Sampler reads marketplace totals and mirrors them into gauges on its own
// registry.
type Sampler struct {
	db     *gorm.DB
	ledger ledgerdomain.Service
	clock  clock.Clock

	registry        *prometheus.Registry
	runningServices prometheus.Gauge
	openLeases      prometheus.Gauge
	pendingRefunds  prometheus.Gauge
	escrowBalance   prometheus.Gauge
}

func NewSampler(db *gorm.DB, ledger ledgerdomain.Service, clk clock.Clock) *Sampler {
	registry := prometheus.NewRegistry()
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		registry.MustRegister(g)
		return g
	}
	return &Sampler{
		db:              db,
		ledger:          ledger,
		clock:           clk,
		registry:        registry,
		runningServices: gauge("minutely_services_running", "Services in RUNNING status before their end time."),
		openLeases:      gauge("minutely_leases_open", "Leases that are neither closed nor past due."),
		pendingRefunds:  gauge("minutely_refunds_pending", "Refunds awaiting transfer confirmation."),
		escrowBalance:   gauge("minutely_escrow_balance", "Escrow balance in minor currency units."),
	}
}

func (s *Sampler) Registry() *prometheus.Registry {
	return s.registry
}

// Sample refreshes every gauge and returns the values it set.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	now := s.clock.Now().UnixNano()
	db := s.db.WithContext(ctx)

	var snap Snapshot
	if err := db.Model(&marketdomain.Service{}).
		Where("status = ? AND end_time >= ?", string(marketdomain.ServiceStatusRunning), now).
		Count(&snap.RunningServices).Error; err != nil {
		return Snapshot{}, err
	}
	if err := db.Model(&marketdomain.PayLog{}).
		Where("due_time >= ?", now).
		Where("NOT EXISTS (SELECT 1 FROM usage_history_logs u WHERE u.pay_log_id = pay_logs.id)").
		Count(&snap.OpenLeases).Error; err != nil {
		return Snapshot{}, err
	}
	if err := db.Model(&marketdomain.Refund{}).
		Where("status = ?", string(marketdomain.RefundStatusPending)).
		Count(&snap.PendingRefunds).Error; err != nil {
		return Snapshot{}, err
	}
	if s.ledger != nil {
		balance, err := s.ledger.EscrowBalance(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.EscrowBalance = balance
	}

	s.runningServices.Set(float64(snap.RunningServices))
	s.openLeases.Set(float64(snap.OpenLeases))
	s.pendingRefunds.Set(float64(snap.PendingRefunds))
	s.escrowBalance.Set(float64(snap.EscrowBalance))
	return snap, nil
}
