package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/config"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"github.com/smallbiznis/trustmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/trustmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/trustmeter/internal/observability/tracing"
	"github.com/smallbiznis/trustmeter/internal/plan"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
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
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	ingestSvc  ingestiondomain.Service
	usageSvc   usagedomain.Service
	kpiSvc     kpidomain.Service
	billingSvc billingdomain.Service
	plans      *plan.Registry
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	IngestSvc  ingestiondomain.Service
	UsageSvc   usagedomain.Service
	KPISvc     kpidomain.Service
	BillingSvc billingdomain.Service
	Plans      *plan.Registry
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		log:    p.Log.Named("http.server"),

		ingestSvc:  p.IngestSvc,
		usageSvc:   p.UsageSvc,
		kpiSvc:     p.KPISvc,
		billingSvc: p.BillingSvc,
		plans:      p.Plans,
	}

	svc.registerAdapterRoutes()
	svc.registerTenantRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAdapterRoutes() {
	adapters := s.engine.Group("/adapters", BodyLimit(s.cfg.HTTPMaxBodyBytes))

	adapters.POST("/:source/webhook", s.AdapterWebhook)
}

func (s *Server) registerTenantRoutes() {
	tenants := s.engine.Group("/v1/tenants/:tenant_id", BodyLimit(s.cfg.HTTPMaxBodyBytes), TenantScope())

	// -------- Usage & Quota --------
	tenants.GET("/usage", s.GetUsageReport)
	tenants.POST("/usage", s.RecordUsage)
	tenants.GET("/quota/:metric", s.GetQuota)
	tenants.POST("/quota/:metric/enforce", s.EnforceQuota)

	// -------- KPI --------
	env := tenants.Group("/environments/:environment")
	{
		env.GET("/kpi", s.GetLatestKPI)
		env.GET("/kpi/history", s.ListKPIHistory)
		env.POST("/kpi/recompute", s.RecomputeKPI)
		env.POST("/telemetry", s.RecordTelemetry)
		env.PUT("/baselines/:key", s.UpsertBaseline)
		env.GET("/baselines", s.ListBaselines)
	}

	// -------- Billing --------
	tenants.GET("/invoices", s.ListInvoices)
	tenants.DELETE("/subscription", s.CancelSubscription)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/plans/reload", s.ReloadPlans)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
