package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tiersync/internal/client/commerce"
	"tiersync/internal/client/mailer"
	"tiersync/internal/config"
	cronrunner "tiersync/internal/cron"
	"tiersync/internal/db"
	"tiersync/internal/handler"
	"tiersync/internal/logger"
	gormrepository "tiersync/internal/repository/gorm"
	"tiersync/internal/service"
)

func main() {
	cfgPath := os.Getenv("TS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TS_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	mailerHTTP := &http.Client{Timeout: cfg.Mailer.Timeout}
	mailerClient := mailer.NewClient(mailerHTTP, cfg.Mailer.BaseURL, cfg.Mailer.APIKey, cfg.Mailer.RequestsPerSecond)
	commerceHTTP := &http.Client{Timeout: cfg.Commerce.Timeout}
	commerceClient := commerce.NewClient(commerceHTTP, cfg.Commerce.BaseURL, cfg.Commerce.APIKey)
	store := gormrepository.New(dbConn.Gorm)

	reconcileSvc := &service.ReconcileService{
		Store:         store,
		Platform:      mailerClient,
		Oracle:        commerceClient,
		Tiers:         cfg.Sync.TierList(),
		PageSize:      cfg.Sync.PageSize,
		QueueCap:      cfg.Sync.ErrorQueueCap,
		RetryAttempts: cfg.Sync.PlatformMaxAttempts,
		RetryDelay:    cfg.Sync.PlatformRetryDelay,
		Logger:        logger,
	}
	syncSvc := &service.SyncService{
		Store:    store,
		Platform: mailerClient,
		Oracle:   commerceClient,
		Cfg:      cfg.Sync,
		Logger:   logger,
	}
	transitionSvc := &service.TransitionService{
		Store:         store,
		Platform:      mailerClient,
		Oracle:        commerceClient,
		PageSize:      cfg.Sync.PageSize,
		QueueCap:      cfg.Sync.ErrorQueueCap,
		RetryAttempts: cfg.Sync.PlatformMaxAttempts,
		RetryDelay:    cfg.Sync.PlatformRetryDelay,
		Logger:        logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	auth := handler.BearerAuth(cfg.Server.AuthToken)

	healthHandler := &handler.HealthHandler{DB: dbConn}
	healthHandler.Register(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	syncHandler := &handler.SyncHandler{Sync: syncSvc, Store: store, Logger: logger}
	syncHandler.Register(engine, auth)
	reconcileHandler := &handler.ReconcileHandler{Reconcile: reconcileSvc, Logger: logger}
	reconcileHandler.Register(engine, auth)
	campaignHandler := &handler.CampaignHandler{Store: store, Platform: mailerClient, Logger: logger}
	campaignHandler.Register(engine, auth)
	transitionHandler := &handler.TransitionHandler{
		Transitions: transitionSvc,
		Store:       store,
		Rules:       cfg.Transition.Rules,
		Logger:      logger,
	}
	transitionHandler.Register(engine, auth)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add(cfg.Cron.SyncTick, func(ctx context.Context) {
			report, err := syncSvc.Run(ctx)
			if err != nil {
				if errors.Is(err, service.ErrRunActive) {
					return
				}
				logger.Warn("cron sync tick failed", zap.Error(err))
				return
			}
			logger.Info("cron sync tick ok",
				zap.Uint64("run_id", report.RunID),
				zap.String("status", report.Status),
				zap.Int("pages", report.Pages),
				zap.Int("subscribers", report.Subscribers),
				zap.Int("moves", report.Moves),
				zap.Bool("done", report.Done),
			)
		})
		if err != nil {
			logger.Warn("cron register sync tick failed", zap.Error(err))
		}

		_, err = cronRunner.Add(cfg.Cron.Reconcile, func(ctx context.Context) {
			result, err := reconcileSvc.ReconcileAll(ctx)
			if err != nil {
				logger.Warn("cron reconcile failed", zap.Error(err))
				return
			}
			logger.Info("cron reconcile ok",
				zap.Int("campaigns", result.Campaigns),
				zap.Int("fields", result.Fields),
				zap.Int("groups", result.Groups),
				zap.Int("associations", result.Associations),
				zap.Int("item_errors", result.ItemErrors),
			)
		})
		if err != nil {
			logger.Warn("cron register reconcile failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		syncSvc.StopActive()
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
