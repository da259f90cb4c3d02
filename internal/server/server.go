package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/medvoya/core/internal/booking"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	"github.com/medvoya/core/internal/clock"
	"github.com/medvoya/core/internal/config"
	"github.com/medvoya/core/internal/ledger"
	ledgerdomain "github.com/medvoya/core/internal/ledger/domain"
	"github.com/medvoya/core/internal/observability"
	obsmiddleware "github.com/medvoya/core/internal/observability/logger"
	obstracing "github.com/medvoya/core/internal/observability/tracing"
	"github.com/medvoya/core/internal/payment"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	"github.com/medvoya/core/internal/reconciliation"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
	"github.com/medvoya/core/internal/routing"
	routingdomain "github.com/medvoya/core/internal/routing/domain"
	"github.com/medvoya/core/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	routing.Module,
	booking.Module,
	payment.Module,
	ledger.Module,
	reconciliation.Module,
	scheduler.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	clock      clock.Clock
	routingSvc routingdomain.Service
	bookingSvc bookingdomain.Service
	paymentSvc paymentdomain.Service
	webhookSvc paymentdomain.WebhookService
	ledgerSvc  ledgerdomain.Service
	reconSvc   recondomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	Clock      clock.Clock
	RoutingSvc routingdomain.Service
	BookingSvc bookingdomain.Service
	PaymentSvc paymentdomain.Service
	WebhookSvc paymentdomain.WebhookService
	LedgerSvc  ledgerdomain.Service
	ReconSvc   recondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		clock:      p.Clock,
		routingSvc: p.RoutingSvc,
		bookingSvc: p.BookingSvc,
		paymentSvc: p.PaymentSvc,
		webhookSvc: p.WebhookSvc,
		ledgerSvc:  p.LedgerSvc,
		reconSvc:   p.ReconSvc,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/routing/candidates", s.FindRoutingCandidates)

	api.POST("/bookings", s.CreateBooking)
	api.POST("/bookings/:id/confirm", s.ConfirmBooking)
	api.POST("/bookings/:id/cancel", s.CancelBooking)
	api.GET("/transactions/:id/events", s.ListTransactionEvents)

	api.POST("/payments/confirm", s.ConfirmPayment)

	api.POST("/reconciliation/run", s.RunReconciliation)
	api.GET("/reconciliation/reports", s.ListReconciliationReports)
	api.GET("/reconciliation/reports/:id", s.GetReconciliationReport)
}

// registerWebhookRoutes puts every webhook behind the signature gate.
// There is no unauthenticated variant in any mode.
func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks", s.WebhookSignatureGate())
	hooks.POST("/payment", s.PaymentWebhook)
}
