package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/audit"
	"github.com/zaqqye/seb_integrity/internal/config"
	"github.com/zaqqye/seb_integrity/internal/database"
	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/logging"
	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/monitor"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/routes"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/ws"
)

func main() {
	// Load .env (non-fatal if missing in production)
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer logger.Sync()

	db, err := database.Connect(cfg, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}
	if cfg.SeedDefaultPolicy {
		if err := database.SeedDefaultPolicy(db, logger); err != nil {
			logger.Fatal("policy seed failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubs := ws.NewHubs(logger)
	hubs.Run(ctx)

	policies := policy.NewStore(db)
	violations := ledger.New(db)
	sessions := session.NewMachine(db, violations, policies, cfg.MinClientVersion, logger)

	opts := monitor.DefaultOptions()
	opts.Behavior.KeystrokeCapacity = cfg.KeystrokeCapacity
	opts.Behavior.PointerCapacity = cfg.PointerCapacity
	opts.Behavior.Retention = cfg.TelemetryRetention
	opts.Behavior.PointerSpeedLimit = cfg.PointerSpeedLimit
	opts.DeliveryMaxElapsed = cfg.DeliveryMaxElapsed
	monitors := monitor.NewManager(sessions, violations, hubs.Student, logger, opts)

	recorder := audit.NewRecorder(db, logger, hubs.Proctor, hubs.Student)
	sessions.Subscribe(recorder)
	sessions.Subscribe(monitors)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.RequestLogger(logger), gin.Recovery(), middleware.Metrics())
	routes.Register(r, routes.Deps{
		JWTSecret: cfg.JWTSecret,
		Sessions:  sessions,
		Ledger:    violations,
		Policies:  policies,
		Monitors:  monitors,
		Audit:     recorder,
		Hubs:      hubs,
	})

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("db_driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited with error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	monitors.Shutdown()
}
