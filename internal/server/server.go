package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/minutely/internal/audit/domain"
	"github.com/smallbiznis/minutely/internal/config"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	"github.com/smallbiznis/minutely/internal/observability"
	obsmiddleware "github.com/smallbiznis/minutely/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	obstracing "github.com/smallbiznis/minutely/internal/observability/tracing"
	"github.com/smallbiznis/minutely/internal/ratelimit"
	"github.com/smallbiznis/minutely/internal/receipt"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

// RunHTTP serves the engine for the lifetime of the app.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	engineSvc    marketdomain.Engine
	querySvc     marketdomain.Query
	writeLimiter *ratelimit.WriteLimiter
	obsMetrics   *obsmetrics.Metrics
	receipts     *receipt.Service
	auditSvc     auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Engine       marketdomain.Engine
	Query        marketdomain.Query
	WriteLimiter *ratelimit.WriteLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
	Receipts     *receipt.Service        `optional:"true"`
	Audit        auditdomain.Service     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		engineSvc:    p.Engine,
		querySvc:     p.Query,
		writeLimiter: p.WriteLimiter,
		obsMetrics:   p.ObsMetrics,
		receipts:     p.Receipts,
		auditSvc:     p.Audit,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterRoutes mounts the marketplace API under /v1.
func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/admin", s.GetAdmin)

	services := v1.Group("/services")
	{
		services.GET("", s.ListServices)
		services.POST("", s.CallerRequired(), s.WriteRateLimit(), s.RegisterService)
		services.GET("/:id", s.GetService)
		services.GET("/:id/availability", s.GetServiceAvailability)
		services.GET("/:id/pay-logs", s.ListServicePayLogs)
		services.GET("/:id/usage-history", s.ListServiceUsageHistory)
		services.GET("/:id/accrued", s.GetAccruedPayAmount)

		services.POST("/:id/pay", s.CallerRequired(), s.WriteRateLimit(), s.PayService)
		services.POST("/:id/stop", s.CallerRequired(), s.WriteRateLimit(), s.StopUseService)
		services.POST("/:id/emergency-stop", s.CallerRequired(), s.WriteRateLimit(), s.StopServiceEmergency)
	}

	v1.GET("/consumers/:address/service", s.GetServiceByConsumer)
	v1.GET("/providers/:address/services", s.ListProviderServices)
	v1.GET("/providers/:address/ledger", s.GetProviderLedger)
	v1.GET("/providers/:address/earned", s.GetProviderEarned)

	v1.GET("/pay-logs", s.ListPayLogs)
	v1.GET("/pay-logs/:id", s.GetPayLog)
	if s.receipts != nil {
		v1.GET("/pay-logs/:id/receipt", s.GetPayLogReceipt)
	}
	if s.auditSvc != nil {
		v1.GET("/audit-logs", s.ListAuditLogs)
	}
	v1.GET("/usage-history", s.ListUsageHistory)
}
