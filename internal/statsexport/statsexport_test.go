package statsexport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/minutely/internal/ledger/repository"
	ledgersvc "github.com/smallbiznis/minutely/internal/ledger/service"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:stats_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&marketdomain.Service{},
		&marketdomain.PayLog{},
		&marketdomain.UsageHistoryLog{},
		&marketdomain.Refund{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&ledgerdomain.LedgerTransfer{},
	))
	return db
}

func TestSamplerCountsMarketplaceState(t *testing.T) {
	db := setupDB(t)
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	ledger := ledgersvc.NewService(ledgersvc.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepo.Provide(),
	})

	future := now.Add(time.Hour).UnixNano()
	past := now.Add(-time.Hour).UnixNano()
	require.NoError(t, db.Create(&[]marketdomain.Service{
		{Seq: 0, ID: "alice.testnet_0", ProviderAddress: "alice.testnet", PricePerMinute: 1, EndTime: future, Status: marketdomain.ServiceStatusRunning},
		{Seq: 1, ID: "alice.testnet_1", ProviderAddress: "alice.testnet", PricePerMinute: 1, EndTime: past, Status: marketdomain.ServiceStatusRunning},
		{Seq: 2, ID: "alice.testnet_2", ProviderAddress: "alice.testnet", PricePerMinute: 1, EndTime: future, Status: marketdomain.ServiceStatusStopped},
	}).Error)
	require.NoError(t, db.Create(&[]marketdomain.PayLog{
		{Seq: 0, ID: "alice.testnet_0_0", ServiceID: "alice.testnet_0", ConsumerAddress: "bob.testnet", DueTime: future, PaidMinutes: 1, PaidAmount: 1},
		{Seq: 1, ID: "alice.testnet_2_1", ServiceID: "alice.testnet_2", ConsumerAddress: "carol.testnet", DueTime: future, PaidMinutes: 1, PaidAmount: 1},
		{Seq: 2, ID: "alice.testnet_1_2", ServiceID: "alice.testnet_1", ConsumerAddress: "dave.testnet", DueTime: past, PaidMinutes: 1, PaidAmount: 1},
	}).Error)
	require.NoError(t, db.Create(&marketdomain.UsageHistoryLog{
		Seq: 0, ServiceID: "alice.testnet_2", PayLogID: "alice.testnet_2_1", UsageMinutes: 1, CreatedAt: now,
	}).Error)
	require.NoError(t, db.Create(&marketdomain.Refund{
		ID: node.Generate(), Kind: marketdomain.RefundKindUnusedTime, ServiceID: "alice.testnet_2",
		PayLogID: "alice.testnet_2_1", ConsumerAddress: "carol.testnet", Amount: 1,
		Status: marketdomain.RefundStatusPending, CreatedAt: now,
	}).Error)
	require.NoError(t, ledger.RecordDeposit(context.Background(), ledgerdomain.DepositRequest{
		From: "bob.testnet", Amount: 2_500_000, Reference: "deposit:alice.testnet_0_0",
	}))

	sampler := NewSampler(db, ledger, clock.NewFakeClock(now))
	snap, err := sampler.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		RunningServices: 1,
		OpenLeases:      1,
		PendingRefunds:  1,
		EscrowBalance:   2_500_000,
	}, snap)

	families, err := sampler.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, family := range families {
		values[family.GetName()] = family.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, float64(1), values["minutely_services_running"])
	assert.Equal(t, float64(2_500_000), values["minutely_escrow_balance"])
}

func TestRemoteWritePusherSendsSeries(t *testing.T) {
	var received prompb.WriteRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, received.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "minutely_test_gauge"}, []string{"zone"})
	registry.MustRegister(gauge)
	gauge.WithLabelValues("a").Set(42)
	registry.MustRegister(prometheus.NewHistogram(prometheus.HistogramOpts{Name: "minutely_test_histogram"}))

	pusher := NewRemoteWritePusher(srv.URL, " secret ")
	pusher.now = func() time.Time { return now }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, received.Timeseries, 1)
	series := received.Timeseries[0]
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "minutely_test_gauge"},
		{Name: "zone", Value: "a"},
	}, series.Labels)
	require.Len(t, series.Samples, 1)
	assert.Equal(t, float64(42), series.Samples[0].Value)
	assert.Equal(t, now.UnixMilli(), series.Samples[0].Timestamp)
}

func TestRemoteWritePusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "minutely_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewPusher(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))

	cfg := config.Config{AppName: "minutely", Stats: config.StatsConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://collector/api/v1/write"}}
	assert.IsType(t, &RemoteWritePusher{}, NewPusher(cfg, log))

	cfg.Stats.Endpoint = "not a url"
	assert.Nil(t, NewPusher(cfg, log))

	cfg.Stats = config.StatsConfig{Exporter: ExporterPushgateway, Endpoint: "http://pushgateway:9091"}
	assert.IsType(t, &PushgatewayPusher{}, NewPusher(cfg, log))

	cfg.Stats.Exporter = "statsd"
	assert.Nil(t, NewPusher(cfg, log))
}

func TestPushgatewayPusherRequiresJob(t *testing.T) {
	err := NewPushgatewayPusher("http://pushgateway:9091", " ", nil).Push(context.Background(), prometheus.NewRegistry())
	assert.EqualError(t, err, "pushgateway job is required")
}
