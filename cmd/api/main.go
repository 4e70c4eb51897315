package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/api/routes"
	"github.com/pricesentry/pricesentry/internal/breaker"
	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/database"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/metrics"
	"github.com/pricesentry/pricesentry/internal/models"
	"github.com/pricesentry/pricesentry/internal/monitor"
	"github.com/pricesentry/pricesentry/internal/scheduler"
	"github.com/pricesentry/pricesentry/internal/secrets"
	"github.com/pricesentry/pricesentry/internal/server"
	"github.com/pricesentry/pricesentry/internal/version"
	"github.com/pricesentry/pricesentry/internal/waf"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "logs")
	_ = os.MkdirAll(logDir, 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "pricesentry.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	isDev := cfg.Environment == "development"
	logger.Init(isDev, io.MultiWriter(os.Stdout, rotator))

	log := logger.WithComponent("main")
	log.WithFields(map[string]interface{}{
		"version": version.Full(),
		"env":     cfg.Environment,
	}).Info("Starting " + version.Name)

	if cfg.JWTSecret == "" {
		if !isDev {
			log.Fatal("PS_JWT_SECRET must be set outside development")
		}
		cfg.JWTSecret = randomHex(32)
		log.Warn("PS_JWT_SECRET not set, generated an ephemeral secret")
	}
	if cfg.MasterKeyHex == "" {
		if !isDev {
			log.Fatal("PS_MASTER_KEY must be set outside development")
		}
		cfg.MasterKeyHex = randomHex(32)
		log.Warn("PS_MASTER_KEY not set, generated an ephemeral key")
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to open database")
	}

	var kv kvstore.Store
	if cfg.RedisAddr != "" {
		redisKV, err := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to connect to redis")
		}
		kv = redisKV
		log.WithField("addr", cfg.RedisAddr).Info("Using redis counter store")
	} else {
		kv = kvstore.NewMemoryStore()
		log.Info("Using in-process counter store, single node only")
	}
	defer kv.Close()

	rules := waf.DefaultRules()
	if cfg.WAFRulesPath != "" {
		rules, err = waf.LoadRules(cfg.WAFRulesPath)
		if err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to load firewall rules")
		}
		log.WithField("rules", len(rules)).Info("Loaded firewall rule table")
	}

	intrusionSvc := intrusion.NewService(db, kv, cfg.Threat)
	ddosSvc := ddos.NewService(kv, intrusionSvc, intrusionSvc, cfg.DDoS)
	anomalySvc := anomaly.NewService(db, kv, intrusionSvc, cfg.Anomaly)
	wafSvc := waf.NewService(db, rules, intrusionSvc)
	monitorSvc := monitor.NewService(db, ddosSvc, intrusionSvc, anomalySvc, wafSvc, cfg.Monitor, cfg.AlertURLs)
	secretsSvc, err := secrets.NewService(db, cfg.MasterKeyHex, cfg.Secrets)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to initialize secrets service")
	}

	// Alert pushes go through a breaker so a dead notification channel
	// stops being retried during an attack instead of piling up sends.
	breakers := breaker.NewRegistry(breaker.Settings{})
	notifyBreaker := breakers.Get("notifications")
	monitorSvc.SetNotifier(func(message string) {
		for _, url := range cfg.AlertURLs {
			go func(u string) {
				_, err := notifyBreaker.Execute(func() (any, error) {
					return nil, shoutrrr.Send(u, message)
				}, nil)
				if err != nil {
					logger.WithComponent("monitor").WithField("error", err.Error()).
						Warn("Failed to push alert notification")
				}
			}(url)
		}
	})

	metricsRegistry := prometheus.NewRegistry()
	metrics.Register(metricsRegistry)

	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := routes.Register(router, routes.Deps{
		DB:        db,
		Cfg:       cfg,
		WAF:       wafSvc,
		Intrusion: intrusionSvc,
		DDoS:      ddosSvc,
		Anomaly:   anomalySvc,
		Secrets:   secretsSvc,
		Monitor:   monitorSvc,
		Breakers:  breakers,
		Metrics:   metricsRegistry,
	}); err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to register routes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New()
	sched.AddEvery("security-monitor", cfg.Monitor.Interval, func() {
		monitorSvc.RunCheck(ctx)
	})
	if err := sched.AddCron("rotation-check", "0 3 * * *", func() {
		checkRotation(secretsSvc, monitorSvc)
	}); err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to schedule rotation check")
	}
	if err := sched.AddCron("retention-cleanup", "30 * * * *", func() {
		if err := monitorSvc.CleanupStale(); err != nil {
			logger.WithComponent("monitor").WithField("error", err.Error()).
				Warn("Retention cleanup failed")
		}
	}); err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to schedule retention cleanup")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(":"+cfg.HTTPPort, router)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithField("error", err.Error()).Fatal("Server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("Shutdown did not complete cleanly")
	}
}

// checkRotation raises an operator alert for each secret past its rotation
// deadline. Rotation itself stays a manual, audited action.
func checkRotation(secretsSvc *secrets.Service, monitorSvc *monitor.Service) {
	for _, typ := range []string{secrets.TypeJWT, secrets.TypeSession} {
		status, err := secretsSvc.CheckRotationNeeded(typ)
		if err != nil {
			logger.WithComponent("secrets").WithField("error", err.Error()).
				Warn("Rotation status check failed")
			continue
		}
		if status.RotationDue {
			monitorSvc.RaiseAlert(monitor.AlertTypeRotationOverdue, models.SeverityMedium,
				fmt.Sprintf("Secret %q is overdue for rotation", typ))
		}
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
