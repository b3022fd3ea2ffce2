package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creator-payment-system/config"
	"creator-payment-system/handlers"
	"creator-payment-system/ledger"
	"creator-payment-system/logger"
	"creator-payment-system/metrics"
	"creator-payment-system/middleware"
	"creator-payment-system/models"
	"creator-payment-system/services"
	"creator-payment-system/utils"
	"creator-payment-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	envPath := flag.String("env", ".", "directory holding .env files")
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Config{Debug: cfg.Debug}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database, cfg.Debug)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.PayableResource{},
		&models.Item{},
		&models.Bounty{},
		&models.SellOrder{},
		&models.RedeemCode{},
		&models.BountyClaim{},
		&models.SettledPayment{},
		&models.Trustline{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	chain, err := ledger.DialEVM(ctx, cfg.Ledger.RPCURL, ledger.EVMConfig{
		ChainID:          big.NewInt(cfg.Ledger.ChainID),
		PlatformToken:    cfg.Ledger.PlatformToken,
		PlatformDecimals: cfg.Ledger.PlatformDecimals,
		NativeDecimals:   cfg.Ledger.NativeDecimals,
		StableDecimals:   cfg.Ledger.StableDecimals,
		CallTimeout:      cfg.Ledger.CallTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize ledger", zap.Error(err))
	}

	var media services.MediaResolver
	if cfg.R2.Bucket != "" {
		store, err := utils.InitR2(ctx, cfg.R2)
		if err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		media = store
	} else {
		logger.Warn("R2 bucket not configured, media references are stored as given")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(registry)

	rates, err := services.NewStaticRates(cfg.Pricing, cfg.Ledger)
	if err != nil {
		logger.Fatal("invalid pricing configuration", zap.Error(err))
	}
	oracle := services.NewPricingOracle(rates)
	validator := services.NewPayloadValidator(cfg.Bounty.MaxWinners)
	issuers := services.NewIssuers(cfg.Issuers)
	hub := services.NewOutcomeHub()

	envelopes := services.NewEnvelopeBuilder(chain, services.NewTrustlineStore(db), recorder)
	gate := services.NewConfirmationGate(db, oracle, chain, recorder, cfg.Ledger.ConfirmTimeout, cfg.Ledger.PollInterval)
	rewards := services.NewRewardService(db, chain, oracle, hub, recorder, cfg.Bounty.CodeLength)
	materializer := services.NewMaterializer(db, rewards, media, validator, recorder)
	deferred := services.NewDeferredPayments(db, oracle, envelopes, gate, materializer, issuers, hub)

	paymentService := services.NewPaymentService(db, services.PaymentServiceDeps{
		Validator:    validator,
		Oracle:       oracle,
		Envelopes:    envelopes,
		Gate:         gate,
		Materializer: materializer,
		Deferred:     deferred,
		Rewards:      rewards,
		Issuers:      issuers,
		Notifier:     hub,
	})

	sched, err := materializer.StartReconciliationScheduler(ctx, cfg.Scheduler.Interval, cfg.Scheduler.BatchSize)
	if err != nil {
		logger.Fatal("failed to start reconciliation scheduler", zap.Error(err))
	}

	if syncClient, err := workers.NewTrustlineSyncClient(db, cfg.Sync); err != nil {
		logger.Warn("trustline sync disabled", zap.Error(err))
	} else {
		go workers.PollTrustlines(ctx, syncClient, cfg.Sync.Interval)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: cfg.Server.BodyLimit,
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// 🔐 GLOBAL: only Gateway requests allowed past this point
	app.Use(middleware.GatewayAuthMiddleware(cfg.Server.ServiceToken))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.Origins(),
		AllowMethods:     "GET,POST,DELETE,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Cache-Control, X-Service-Token, X-User-ID, X-Wallet-Account, X-Wallet-Kind",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// 🔐 Secured routes, identity forwarded by the gateway
	secured := app.Group("/s", middleware.UserContextMiddleware())
	handlers.SetupPaymentRoutes(app, secured, paymentService, hub)
	handlers.SetupBountyRoutes(app, secured, paymentService)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("server listening", zap.String("addr", addr), zap.String("origins", cfg.Server.Origins()))
		if err := app.Listen(addr); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Shutdown(); err != nil {
		logger.Error("failed to stop scheduler", zap.Error(err))
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("failed to stop server", zap.Error(err))
	}
}

func openDatabase(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return db, nil
}
