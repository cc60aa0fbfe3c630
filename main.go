package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailsync/config"
	controller "mailsync/controllers"
	"mailsync/events"
	"mailsync/middleware"
	"mailsync/provider"
	"mailsync/repository"
	"mailsync/routes"
	"mailsync/syncer"
	"mailsync/utils"
	"mailsync/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	utils.InitLogger(config.AppConfig.LogLevel, config.AppConfig.Environment)

	if err := utils.InitSentry(config.AppConfig.SentryDSN, config.AppConfig.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	store := repository.NewSyncRepository(config.DB)

	redisClient, err := config.NewRedisClient()
	if err != nil {
		logrus.Fatalf("Failed to connect to Redis: %v", err)
	}
	var quota syncer.QuotaObserver = syncer.NopQuotaObserver()
	if redisClient != nil {
		quota = syncer.NewRedisQuotaObserver(redisClient)
		defer redisClient.Close()
	}

	var publisher syncer.Publisher = syncer.NopPublisher()
	if config.AppConfig.NATSURL != "" {
		natsPublisher, err := events.NewPublisher(config.AppConfig.NATSURL)
		if err != nil {
			logrus.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	syncCfg := config.AppConfig.Sync
	registry := provider.NewRegistry(
		provider.NewGrantFetcher(config.AppConfig.Provider.BaseURL, config.AppConfig.Provider.APIKey, config.AppConfig.Provider.Timeout),
		provider.NewGmailFetcher(config.AppConfig.Google.ClientID, config.AppConfig.Google.ClientSecret, utils.Decrypt),
		provider.NewIMAPFetcher(utils.Decrypt, config.AppConfig.Provider.Timeout),
	)
	logrus.WithField("providers", registry.Names()).Info("Provider registry ready")

	guard := syncer.NewCircuitGuard(syncer.GuardSettings{
		Threshold:   uint32(syncCfg.CircuitThreshold),
		Window:      syncCfg.CircuitWindow,
		Cooldown:    syncCfg.CircuitCooldown,
		MaxCooldown: syncCfg.CircuitMaxCooldown,
	}, quota)

	retry := syncer.DefaultRetryPolicy()
	retry.MaxRetries = syncCfg.MaxRetries

	writer := syncer.NewRecordWriter(store, publisher)
	opts := syncer.DefaultOptions()
	if syncCfg.PageSize > 0 {
		opts.PageSize = syncCfg.PageSize
	}
	if syncCfg.ProgressEvery > 0 {
		opts.ProgressEvery = syncCfg.ProgressEvery
	}
	if syncCfg.StopPollEvery > 0 {
		opts.StopPollEvery = syncCfg.StopPollEvery
	}
	if syncCfg.FallbackTotal > 0 {
		opts.FallbackTotal = syncCfg.FallbackTotal
	}
	opts.InterPageDelay = syncCfg.InterPageDelay
	engine := syncer.NewEngine(store, registry, guard, retry, writer, syncer.RealClock(), opts)

	var dispatcher syncer.Dispatcher
	if syncCfg.ContinuationMode == "http" {
		dispatcher = syncer.NewHTTPDispatcher(syncCfg.SelfURL, utils.GenerateContinuationToken, 10*time.Second)
	}

	service := syncer.NewService(store, engine, registry, syncer.NewAdmissionQueue(syncCfg.MaxConcurrent), guard, dispatcher, syncer.RealClock(), syncer.ServiceConfig{
		ExecutionLimit:   syncCfg.ExecutionLimit,
		Budget:           syncCfg.Budget(),
		StuckAfter:       syncCfg.StuckAfter,
		MaxContinuations: syncCfg.MaxContinuations,
		FallbackTotal:    syncCfg.FallbackTotal,
	})

	resumeWorker, err := worker.NewResumeWorker(syncCfg.ResumeSchedule, service)
	if err != nil {
		logrus.Fatalf("Failed to create resume worker: %v", err)
	}
	resumeWorker.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "mailsync",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   config.AppConfig.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Retry-After"},
		MaxAge:           3600,
	}))

	routes.SetupRoutes(app, controller.NewSyncController(service), redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
		if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")

	resumeWorker.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Sync loops did not checkpoint in time")
	}
	writer.Wait()
}
