package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/api/handlers"
	"github.com/pricesentry/pricesentry/internal/api/middleware"
	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/models"
	"github.com/pricesentry/pricesentry/internal/monitor"
	"github.com/pricesentry/pricesentry/internal/secrets"
	"github.com/pricesentry/pricesentry/internal/waf"
)

// Deps carries the wired services into route registration.
type Deps struct {
	DB        *gorm.DB
	Cfg       config.Config
	WAF       *waf.Service
	Intrusion *intrusion.Service
	DDoS      *ddos.Service
	Anomaly   *anomaly.Service
	Secrets   *secrets.Service
	Monitor   *monitor.Service
	Breakers  *breaker.Registry
	Metrics   *prometheus.Registry
}

// Register runs migrations, installs the middleware chain and wires up all
// API routes. Metrics scrapes and challenge issuance are registered before
// the admission pipeline so neither can be rejected by it.
func Register(router *gin.Engine, deps Deps) error {
	if err := deps.DB.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.LoginAttempt{},
		&models.Violation{},
		&models.IPBlockRecord{},
		&models.UserBehaviorProfile{},
		&models.AnomalyDetection{},
		&models.SecurityAlert{},
		&models.SecurityIncident{},
		&models.SecretRotationRecord{},
		&models.SecurityAudit{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	isDev := deps.Cfg.Environment == "development"

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery(isDev))
	router.Use(middleware.SecurityHeaders(isDev))

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	securityHandler := handlers.NewSecurityHandler(
		deps.Monitor, deps.Intrusion, deps.DDoS, deps.Anomaly, deps.Secrets, deps.WAF, deps.Breakers)

	// Challenge issuance sits in front of the pipeline: a client that is
	// being asked for a challenge token could never fetch one through the
	// stage that demands it.
	router.POST("/api/v1/challenge", securityHandler.IssueChallenge)

	// Identity must precede the pipeline so the behavioral stage can see
	// the authenticated user.
	router.Use(middleware.Identity(deps.Cfg.JWTSecret))
	pipeline := &middleware.Pipeline{
		WAF:       deps.WAF,
		Intrusion: deps.Intrusion,
		DDoS:      deps.DDoS,
		Anomaly:   deps.Anomaly,
	}
	router.Use(pipeline.Handler())

	router.GET("/api/v1/health", handlers.HealthHandler)

	api := router.Group("/api/v1")

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Cfg.JWTSecret, deps.Anomaly)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/password-reset", authHandler.PasswordReset)

	searchHandler := handlers.NewSearchHandler()
	api.GET("/search", searchHandler.Search)
	api.GET("/search/suggest", searchHandler.Suggest)

	protected := api.Group("/")
	protected.Use(middleware.RequireAuth())
	{
		protected.POST("/auth/logout", authHandler.Logout)

		security := protected.Group("/security")
		security.GET("/dashboard", securityHandler.Dashboard)
		security.GET("/alerts", securityHandler.ListAlerts)
		security.POST("/alerts/:uuid/acknowledge", securityHandler.AcknowledgeAlert)
		security.POST("/alerts/:uuid/resolve", securityHandler.ResolveAlert)
		security.GET("/incidents", securityHandler.ListIncidents)
		security.POST("/incidents", securityHandler.CreateIncident)
		security.PATCH("/incidents/:uuid", securityHandler.UpdateIncident)
		security.GET("/violations/stats", securityHandler.ViolationStats)
		security.GET("/blocked", securityHandler.ListBlocked)
		security.POST("/blocked", securityHandler.BlockIP)
		security.DELETE("/blocked/:ip", securityHandler.UnblockIP)
		security.GET("/threat/:ip", securityHandler.ThreatScore)
		security.POST("/secrets/rotate", securityHandler.RotateSecret)
		security.GET("/secrets/status", securityHandler.RotationStatus)
		security.GET("/secrets/history", securityHandler.RotationHistory)
		security.POST("/users/:id/unlock", securityHandler.UnlockAccount)
		security.GET("/breakers", securityHandler.BreakerStates)
		security.GET("/report", securityHandler.Report)
	}

	return nil
}
