package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/config"
	consistencydomain "github.com/smallbiznis/rentway/internal/consistency/domain"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/internal/observability"
	obslogger "github.com/smallbiznis/rentway/internal/observability/logger"
	obstracing "github.com/smallbiznis/rentway/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	engine         *gin.Engine
	cfg            config.Config
	billingSvc     billingdomain.Service
	meterSvc       meterdomain.Service
	consistencySvc consistencydomain.Service
	auditSvc       auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	BillingSvc     billingdomain.Service
	MeterSvc       meterdomain.Service
	ConsistencySvc consistencydomain.Service
	AuditSvc       auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		billingSvc:     p.BillingSvc,
		meterSvc:       p.MeterSvc,
		consistencySvc: p.ConsistencySvc,
		auditSvc:       p.AuditSvc,
	}
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/contracts/:id/bills/generate", s.GenerateBills)
	v1.POST("/bills/overdue-sweep", s.SweepOverdue)
	v1.POST("/bills/:id/payments", s.RecordPayment)
	v1.POST("/bills/:id/processed", s.MarkBillProcessed)
	v1.GET("/bills/:id/details", s.GetBillDetails)

	v1.POST("/consistency/check", s.RunConsistencyCheck)
	v1.GET("/consistency/reports/latest", s.GetLatestConsistencyReport)
	v1.POST("/consistency/repair", s.RunConsistencyRepair)

	v1.POST("/meters", s.CreateMeter)
	v1.GET("/meters/stats", s.GetUsageStats)
	v1.DELETE("/meters/:id", s.RemoveMeter)
	v1.POST("/meters/:id/readings", s.RecordReading)
	v1.PATCH("/readings/:id", s.UpdateReading)
	v1.DELETE("/readings/:id", s.DeleteReading)

	v1.GET("/audit-logs", s.ListAuditLogs)
}
