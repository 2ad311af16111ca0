package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/authorization"
	catalogdomain "github.com/smallbiznis/inspectbill/internal/catalog/domain"
	"github.com/smallbiznis/inspectbill/internal/config"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	"github.com/smallbiznis/inspectbill/internal/observability"
	obsmiddleware "github.com/smallbiznis/inspectbill/internal/observability/logger"
	obstracing "github.com/smallbiznis/inspectbill/internal/observability/tracing"
	"github.com/smallbiznis/inspectbill/internal/pricing"
	"github.com/smallbiznis/inspectbill/internal/ratelimit"
	subdomain "github.com/smallbiznis/inspectbill/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(func(s *pricing.Service) PricingService { return s }),
	fx.Provide(func(t *exchangerate.Table) RateRefresher { return t }),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

// PricingService is the quote surface exposed over HTTP.
type PricingService interface {
	DetectTier(ctx context.Context, inspectionCount int64) (*catalogdomain.Tier, error)
	SmartPacks(ctx context.Context, extra int64, tierID snowflake.ID, currency string) (*pricing.PackSelection, error)
	QuoteModule(ctx context.Context, orgID, moduleID snowflake.ID, currency string) (*pricing.Quote, error)
	QuoteBundle(ctx context.Context, bundleID snowflake.ID, currency string) (*pricing.Quote, error)
}

type RateRefresher interface {
	Refresh(ctx context.Context) (exchangerate.Snapshot, error)
}

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

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	credits       creditdomain.Service
	subscriptions subdomain.Service
	webhooks      webhookdomain.Service
	pricing       PricingService
	rates         RateRefresher
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	limiter       *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Credits       creditdomain.Service
	Subscriptions subdomain.Service
	Webhooks      webhookdomain.Service
	Pricing       PricingService
	Rates         RateRefresher
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service       `optional:"true"`
	Limiter       *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		webhooks:      p.Webhooks,
		pricing:       p.Pricing,
		rates:         p.Rates,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		limiter:       p.Limiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.throttleWebhooks(), s.HandleWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Pricing --------
	v1.GET("/pricing/tier", s.DetectTier)
	v1.GET("/pricing/packs", s.SmartPacks)
	v1.GET("/pricing/bundles/:bundleId", s.QuoteBundle)

	org := v1.Group("/orgs/:orgId")

	// -------- Credits --------
	org.GET("/credits", s.GetBalance)
	org.GET("/credits/batches", s.ListBatches)
	org.GET("/credits/entries", s.ListEntries)
	org.POST("/credits/consume", s.ConsumeCredits)
	org.POST("/credits/grant", s.AdminRequired(), s.authorize(authorization.ObjectCredits, authorization.ActionGrant), s.GrantCredits)

	// -------- Subscription --------
	org.GET("/subscription", s.GetSubscriptionStatus)
	org.PUT("/modules/:moduleId", s.ToggleModule)
	org.GET("/modules/:moduleId/availability", s.ModuleAvailability)
	org.GET("/modules/:moduleId/quote", s.QuoteModule)
	org.POST("/bundles/:bundleId/activate", s.ActivateBundle)
	org.POST("/bundles/:bundleId/deactivate", s.DeactivateBundle)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	// -------- Webhook events --------
	admin.GET("/events", s.authorize(authorization.ObjectEvents, authorization.ActionView), s.ListEvents)
	admin.POST("/events/:eventId/replay", s.authorize(authorization.ObjectEvents, authorization.ActionReplay), s.ReplayEvent)

	// -------- FX --------
	admin.POST("/fx/refresh", s.authorize(authorization.ObjectFX, authorization.ActionRefresh), s.RefreshRates)

	// -------- Ledger --------
	admin.GET("/orgs/:orgId/credits/verify", s.authorize(authorization.ObjectCredits, authorization.ActionVerify), s.VerifyCredits)
	admin.POST("/orgs/:orgId/credits/repair", s.authorize(authorization.ObjectCredits, authorization.ActionRepair), s.RepairCredits)

	// -------- Subscriptions and catalog --------
	admin.POST("/orgs/:orgId/subscription/close", s.authorize(authorization.ObjectSubscription, authorization.ActionClose), s.CloseSubscription)
	admin.DELETE("/catalog/bundles/:bundleId/modules/:moduleId", s.authorize(authorization.ObjectCatalog, authorization.ActionEdit), s.RemoveModuleFromBundle)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
