package cmd

import (
	"context"
	"fmt"
	"time"

	"escrowbet/cache"
	"escrowbet/config"
	"escrowbet/database"
	"escrowbet/events"
	"escrowbet/ledger"
	"escrowbet/messaging"
	"escrowbet/metrics"
	"escrowbet/repository"
	"escrowbet/service"
	"escrowbet/worker"

	log "github.com/sirupsen/logrus"
)

// Run initializes and starts the application
func Run(ctx context.Context) error {
	cfg := config.Get()
	ConfigureLogging(cfg)

	log.WithFields(log.Fields{
		"environment": cfg.Environment,
		"config":      cfg.String(),
	}).Info("Starting escrowbet")

	databaseURL, err := cfg.DatabaseConnectionURL()
	if err != nil {
		return err
	}
	db, err := database.NewConnection(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("Database connection established")

	gateway, err := ledger.NewClient(ledger.Config{
		RPCURL:            cfg.LedgerRPCURL,
		Timeout:           cfg.LedgerRPCTimeout,
		RequestsPerSecond: cfg.LedgerRPCRPS,
		MaxReadRetries:    cfg.LedgerRPCReadRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	eventBus := events.NewBus()
	uowFactory := repository.NewUnitOfWorkFactory(db, eventBus)

	var verifier service.PaymentVerifier = service.NewTransactionVerifier(gateway, service.VerifierConfig{
		MaxAge:  cfg.VerifyMaxAge,
		Timeout: cfg.VerifyTimeout,
	})
	if cfg.RedisAddr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		verifier = cache.NewCachedVerifier(verifier, rdb, cfg.VerifyCacheTTL, cfg.VerifyMaxAge)
	} else {
		log.Info("REDIS_ADDR not set, verification cache disabled")
	}

	var natsClient *messaging.NATSClient
	if cfg.NATSServers != "" {
		natsClient = messaging.NewNATSClient(cfg.NATSServers)
		if err := natsClient.Connect(ctx); err != nil {
			return err
		}
		defer natsClient.Close()
		if err := natsClient.EnsureStream(messaging.StreamName, messaging.AllSubjects()); err != nil {
			return err
		}
		messaging.NewEventForwarder(natsClient).Attach(eventBus)
	} else {
		log.Info("NATS_SERVERS not set, event forwarding disabled")
	}

	clock, err := service.NewPeriodClock(cfg.PeriodEpoch, cfg.PeriodCycleWeeks)
	if err != nil {
		return fmt.Errorf("invalid period clock: %w", err)
	}
	betLedger := service.NewBetLedger(uowFactory, service.LedgerRules{
		MinBet:        cfg.MinBet,
		MaxBet:        cfg.MaxBet,
		WinMultiplier: cfg.WinMultiplier,
		ClaimLease:    cfg.PayoutClaimLease,
	}, clock, service.NewBonusRoller(nil, cfg.BonusProbability))

	payouts := service.NewEscrowPayoutEngine(gateway, service.EscrowConfig{
		EscrowAddress:  cfg.EscrowAddress,
		EscrowSecret:   cfg.EscrowSecret,
		AssetMint:      cfg.AssetMint,
		AssetDecimals:  cfg.AssetDecimals,
		ConfirmTimeout: cfg.PayoutConfirmTimeout,
	})
	if err := payouts.ConfigError(); err != nil {
		log.WithError(err).Error("Escrow payouts are disabled; won bets will be parked until the escrow is configured")
	}

	bettingService := service.NewBettingService(verifier, betLedger, payouts, service.BettingConfig{
		EscrowAddress:    cfg.EscrowAddress,
		AssetMint:        cfg.AssetMint,
		TolerancePercent: cfg.PayoutTolerancePercent,
		TargetScore:      cfg.TargetScore,
	})

	stopWorker, err := worker.NewPayoutRetryWorker(bettingService, cfg.PayoutRetrySchedule, 50).Start(ctx)
	if err != nil {
		return err
	}

	metricsServer := metrics.StartServer(cfg.MetricsPort, func(ctx context.Context) error {
		if err := db.Healthy(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if natsClient != nil && !natsClient.IsConnected() {
			return fmt.Errorf("nats: not connected")
		}
		return nil
	})
	log.WithField("port", cfg.MetricsPort).Info("Metrics server listening")

	log.Info("escrowbet is running")
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopWorker()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Metrics server shutdown failed")
	}

	log.Info("Shutdown completed")
	return nil
}

// ConfigureLogging selects the log format and level for the environment
func ConfigureLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
