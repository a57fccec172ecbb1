package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/minutely/internal/audit/domain"
	auditrepo "github.com/smallbiznis/minutely/internal/audit/repository"
	auditsvc "github.com/smallbiznis/minutely/internal/audit/service"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/minutely/internal/ledger/repository"
	ledgersvc "github.com/smallbiznis/minutely/internal/ledger/service"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/smallbiznis/minutely/internal/marketplace/query"
	"github.com/smallbiznis/minutely/internal/marketplace/repository"
	marketsvc "github.com/smallbiznis/minutely/internal/marketplace/service"
	"github.com/smallbiznis/minutely/internal/observability"
	"github.com/smallbiznis/minutely/internal/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	provider = "alice.testnet"
	consumer = "bob.testnet"
	stranger = "carol.testnet"

	unitPrice = int64(1_000_000)
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	engine *gin.Engine
	clock  *clock.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&marketdomain.Service{},
		&marketdomain.PayLog{},
		&marketdomain.UsageHistoryLog{},
		&marketdomain.ProviderBalance{},
		&marketdomain.ConsumerLease{},
		&marketdomain.Refund{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&ledgerdomain.LedgerTransfer{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	clk := clock.NewFakeClock(testStart)
	repo := repository.Provide()
	ledger := ledgersvc.NewService(ledgersvc.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepo.Provide(),
	})

	cfg := config.DefaultMarketplaceConfig()
	cfg.AdminAddress = "root.testnet"

	cfgHolder := config.NewStaticMarketplaceConfigHolder(cfg)
	audit := auditsvc.NewService(auditsvc.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	engine := NewEngine(observability.Config{}, nil)
	srv := NewServer(ServerParams{
		Gin: engine,
		Cfg: config.Config{Environment: "test"},
		Engine: marketsvc.NewEngine(marketsvc.Params{
			DB:     db,
			Log:    zap.NewNop(),
			GenID:  node,
			Repo:   repo,
			Ledger: ledger,
			Clock:  clk,
			Audit:  audit,
		}),
		Query: query.New(query.Params{
			DB:             db,
			Log:            zap.NewNop(),
			Repo:           repo,
			Clock:          clk,
			MarketplaceCfg: cfgHolder,
		}),
		Receipts: receipt.NewService(receipt.Params{
			DB:             db,
			Log:            zap.NewNop(),
			Repo:           repo,
			Clock:          clk,
			MarketplaceCfg: cfgHolder,
		}),
		Audit: audit,
	})
	srv.RegisterRoutes()

	return &testServer{engine: engine, clock: clk}
}

func (ts *testServer) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(HeaderAccount, caller)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	PageInfo *struct {
		NextPageToken string `json:"next_page_token"`
		HasMore       bool   `json:"has_more"`
	} `json:"page_info"`
	Error *errorPayload `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func (ts *testServer) registerService(t *testing.T, ttl time.Duration) marketdomain.Service {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/services", provider, gin.H{
		"uuid":             "uuid-1",
		"price_per_minute": unitPrice,
		"end_time":         ts.clock.Now().Add(ttl).UnixNano(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var service marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &service))
	return service
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterServiceRequiresCaller(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/services", "", gin.H{"price_per_minute": unitPrice})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env := decode(t, w)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Type)
	assert.Equal(t, "caller_required", env.Error.Code)
}

func TestRegisterServiceValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/services", provider, gin.H{
		"price_per_minute": 0,
		"end_time":         ts.clock.Now().Add(time.Hour).UnixNano(),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_error", env.Error.Type)
	require.Len(t, env.Error.Errors, 1)
	assert.Equal(t, "invalid_price", env.Error.Errors[0].Code)
	assert.Equal(t, "price", env.Error.Errors[0].Field)

	w = ts.do(t, http.MethodPost, "/v1/services", provider, "not-an-object")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w).Error.Errors[0].Code)
}

func TestLeaseLifecycle(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)
	assert.Equal(t, provider+"_0", service.ID)
	assert.Equal(t, marketdomain.ServiceStatusRunning, service.Status)

	w := ts.do(t, http.MethodGet, "/v1/services/"+service.ID+"/availability", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"service_id":%q,"available":true}`, service.ID), string(decode(t, w).Data))

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
		"usage_minutes":   10,
		"transfer_amount": 12_500_000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var payLog marketdomain.PayLog
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &payLog))
	assert.Equal(t, service.ID+"_0", payLog.ID)
	assert.Equal(t, int64(10), payLog.PaidMinutes)
	assert.Equal(t, 10*unitPrice, payLog.PaidAmount)

	w = ts.do(t, http.MethodGet, "/v1/consumers/"+consumer+"/service", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var leased marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &leased))
	assert.Equal(t, service.ID, leased.ID)

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", stranger, gin.H{
		"usage_minutes":   1,
		"transfer_amount": unitPrice,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "service_unavailable", decode(t, w).Error.Code)

	other := ts.registerService(t, time.Hour)
	w = ts.do(t, http.MethodPost, "/v1/services/"+other.ID+"/pay", consumer, gin.H{
		"usage_minutes":   1,
		"transfer_amount": unitPrice,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_leased", decode(t, w).Error.Code)

	ts.clock.Advance(3 * time.Minute)

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/stop", stranger, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_authorized", decode(t, w).Error.Code)

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/stop", consumer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage marketdomain.UsageHistoryLog
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &usage))
	assert.Equal(t, int64(3), usage.UsageMinutes)
	assert.Equal(t, payLog.ID, usage.PayLogID)

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/stop", consumer, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_stopped", decode(t, w).Error.Code)

	w = ts.do(t, http.MethodGet, "/v1/providers/"+provider+"/ledger", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"provider_address":%q,"ledger":%d}`, provider, 3*unitPrice), string(decode(t, w).Data))

	w = ts.do(t, http.MethodGet, "/v1/consumers/"+consumer+"/service", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", string(decode(t, w).Data))
}

func TestPayServiceInsufficientPayment(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
		"usage_minutes":   10,
		"transfer_amount": unitPrice,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	env := decode(t, w)
	assert.Equal(t, "payment_required", env.Error.Type)
	assert.Equal(t, "insufficient_payment", env.Error.Code)
}

func TestEmergencyStop(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
		"usage_minutes":   10,
		"transfer_amount": 10 * unitPrice,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/emergency-stop", consumer, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	ts.clock.Advance(4 * time.Minute)
	w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/emergency-stop", provider, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/v1/services/"+service.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stopped marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &stopped))
	assert.Equal(t, marketdomain.ServiceStatusStopped, stopped.Status)

	w = ts.do(t, http.MethodGet, "/v1/services?scope=running", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(decode(t, w).Data))

	w = ts.do(t, http.MethodGet, "/v1/services?scope=all", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &all))
	assert.Len(t, all, 1)
}

func TestGetServiceNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/services/missing_0", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "service_not_found", decode(t, w).Error.Code)

	w = ts.do(t, http.MethodPost, "/v1/services/missing_0/pay", consumer, gin.H{
		"usage_minutes":   1,
		"transfer_amount": unitPrice,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "service_unavailable", decode(t, w).Error.Code)

	w = ts.do(t, http.MethodGet, "/v1/pay-logs/missing_0_0", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "pay_log_not_found", decode(t, w).Error.Code)
}

func TestListServicesScope(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)

	w := ts.do(t, http.MethodGet, "/v1/services?scope=available", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var available []marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &available))
	require.Len(t, available, 1)
	assert.Equal(t, service.ID, available[0].ID)

	w = ts.do(t, http.MethodGet, "/v1/services?provider="+provider, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var owned []marketdomain.Service
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &owned))
	assert.Len(t, owned, 1)

	w = ts.do(t, http.MethodGet, "/v1/providers/"+stranger+"/services", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(decode(t, w).Data))

	w = ts.do(t, http.MethodGet, "/v1/services?scope=bogus", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_scope", decode(t, w).Error.Errors[0].Code)
}

func TestListPayLogsPagination(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, 10*time.Hour)

	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
			"usage_minutes":   1,
			"transfer_amount": unitPrice,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		// Stopping inside the only paid minute bills it fully, so nothing is refunded.
		ts.clock.Advance(30 * time.Second)
		w = ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/stop", consumer, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		ts.clock.Advance(90 * time.Second)
	}

	w := ts.do(t, http.MethodGet, "/v1/pay-logs?page_size=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	var page []marketdomain.PayLog
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 2)
	require.NotNil(t, env.PageInfo)
	assert.True(t, env.PageInfo.HasMore)

	w = ts.do(t, http.MethodGet, "/v1/pay-logs?page_size=2&page_token="+env.PageInfo.NextPageToken, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decode(t, w)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, service.ID+"_2", page[0].ID)
	assert.False(t, env.PageInfo.HasMore)

	w = ts.do(t, http.MethodGet, "/v1/services/"+service.ID+"/accrued", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"service_id":%q,"accrued":%d}`, service.ID, 3*unitPrice), string(decode(t, w).Data))

	w = ts.do(t, http.MethodGet, "/v1/pay-logs?page_token=%25%25%25", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_page_token", decode(t, w).Error.Errors[0].Code)

	w = ts.do(t, http.MethodGet, "/v1/usage-history?page_size=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_page_size", decode(t, w).Error.Errors[0].Code)
}

func TestGetAdmin(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/admin", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin_address":"root.testnet"}`, string(decode(t, w).Data))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{marketdomain.ErrInvalidUsageMinutes, http.StatusBadRequest, "validation_error"},
		{marketdomain.ErrNotAuthorized, http.StatusForbidden, "forbidden"},
		{marketdomain.ErrAlreadyEnded, http.StatusConflict, "conflict"},
		{fmt.Errorf("wrap: %w", marketdomain.ErrPayLogNotFound), http.StatusNotFound, "not_found"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.typ, payload.Type, tc.err.Error())
	}

	typ, code := classifyErrorForLog(marketdomain.ErrAmountOverflow)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "amount_overflow", code)
}

func TestPayLogReceipt(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
		"usage_minutes":   5,
		"transfer_amount": 5 * unitPrice,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var payLog marketdomain.PayLog
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &payLog))

	w = ts.do(t, http.MethodGet, "/v1/pay-logs/"+payLog.ID+"/receipt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), payLog.ID)
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))

	w = ts.do(t, http.MethodGet, "/v1/pay-logs/missing/receipt", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "pay_log_not_found", decode(t, w).Error.Code)
}

func TestListAuditLogs(t *testing.T) {
	ts := newTestServer(t)
	service := ts.registerService(t, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/services/"+service.ID+"/pay", consumer, gin.H{
		"usage_minutes":   2,
		"transfer_amount": 2 * unitPrice,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/v1/audit-logs?target_type=service&target_id="+service.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var logs []auditdomain.AuditLog
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "service.registered", logs[0].Action)
	assert.Equal(t, provider, logs[0].ActorID)

	w = ts.do(t, http.MethodGet, "/v1/audit-logs?actor_id="+consumer, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "lease.opened", logs[0].Action)

	w = ts.do(t, http.MethodGet, "/v1/audit-logs?after_id=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_after_id", decode(t, w).Error.Errors[0].Code)
}
