// Package app wires the teocoin-chain service together and owns its
// lifecycle.
//
// Inbound: HTTP (gin) for purchases, preflight, escrows and admin calls;
// Kafka purchase requests when kafka.enabled is set.
// Outbound: payment-settled and escrow events plus user notifications on
// Kafka, and ERC-20 transfers on the configured chain.
// Background: escrow expiry sweep, pending transaction reconciliation and
// task cleanup, scheduled by cron.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teocoin/teocoin-chain/internal/blockchain"
	"github.com/teocoin/teocoin-chain/internal/cache"
	"github.com/teocoin/teocoin-chain/internal/config"
	"github.com/teocoin/teocoin-chain/internal/contract"
	"github.com/teocoin/teocoin-chain/internal/handler"
	"github.com/teocoin/teocoin-chain/internal/kafka"
	"github.com/teocoin/teocoin-chain/internal/repository"
	"github.com/teocoin/teocoin-chain/internal/scheduler"
	"github.com/teocoin/teocoin-chain/internal/service"
	"github.com/teocoin/teocoin-chain/pkg/lock"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

const lockPrefix = "teo:lock:"

type App struct {
	cfg *config.Config

	db    *gorm.DB
	redis redis.UniversalClient
	cache cache.Cache

	chain    *blockchain.Client
	nonces   *blockchain.NonceManager
	token    *contract.TeoCoin
	fees     *contract.FeeEstimator
	rates    *service.StaticCommissionRates
	locker   lock.Locker
	jobLocks lock.Locker

	ledgerRepo  repository.LedgerRepository
	paymentRepo repository.SplitPaymentRepository
	escrowRepo  repository.EscrowRepository
	reconRepo   repository.ReconciliationRepository

	walletLedger *service.WalletLedger
	paymentSvc   *service.PaymentService
	escrowSvc    *service.EscrowService
	reconcileSvc *service.ReconciliationService

	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	scheduler *scheduler.Scheduler

	health       *handler.HealthHandler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	stopCh chan struct{}
}

func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}
	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}
	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initServers()
	return app, nil
}

func (a *App) initInfrastructure() error {
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(a.cfg.Postgres.ConnMaxLifetime)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if err := repository.AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Without Redis every lock, nonce and cache is process local, which is
	// only safe for a single instance.
	if !a.cfg.Redis.Enabled() {
		a.cache = cache.NewMemoryCache(a.cfg.Cache.TokenInfoTTL, time.Minute)
		a.locker = lock.NewLocalLocker()
		a.jobLocks = a.locker
		logger.Warn("redis not configured, running single instance")
		return nil
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	a.cache = cache.NewRedisCache(a.redis, "teo:cache:")
	a.locker = lock.NewRedisLocker(a.redis, lockPrefix, a.cfg.Settlement.NonceLockTTL)
	a.jobLocks = lock.NewRedisLocker(a.redis, lockPrefix, a.cfg.Scheduler.LockTTL)

	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

func (a *App) initBlockchain() error {
	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:             a.cfg.Chain.ChainID,
		PrivateKey:          a.cfg.Chain.PrivateKey,
		RPCURLs:             a.cfg.Chain.RPCURLs,
		MaxRetries:          a.cfg.Chain.MaxRetries,
		RetryInterval:       a.cfg.Chain.RetryInterval,
		HealthCheckFreq:     a.cfg.Chain.HealthCheckInterval,
		RequestTimeout:      a.cfg.Chain.RequestTimeout,
		ReceiptPollInterval: a.cfg.Chain.ReceiptPollInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chain = client

	a.nonces = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		ChainID:       a.cfg.Chain.ChainID,
		LockTTL:       a.cfg.Settlement.NonceLockTTL,
		LockWait:      a.cfg.Settlement.NonceLockWait,
		RetryInterval: 100 * time.Millisecond,
	})

	a.token, err = contract.NewTeoCoin(&contract.TeoCoinConfig{
		Address: common.HexToAddress(a.cfg.Chain.TokenAddress),
		InfoTTL: a.cfg.Cache.TokenInfoTTL,
	}, client, a.cache)
	if err != nil {
		return fmt.Errorf("failed to bind token: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.token.VerifyDecimals(ctx); err != nil {
		return fmt.Errorf("token check: %w", err)
	}

	gas := a.cfg.Gas
	a.fees = contract.NewFeeEstimator(&contract.FeeEstimatorConfig{
		MinGasPrice:        contract.Gwei(gas.MinGwei),
		MaxGasPrice:        contract.Gwei(gas.MaxGwei),
		CeilingGasPrice:    contract.Gwei(gas.CeilingGwei),
		FallbackGasPrice:   contract.Gwei(gas.FallbackGwei),
		BufferPercent:      gas.BufferPercent,
		RetryBumpPercent:   gas.RetryBumpPercent,
		GasLimitMultiplier: gas.GasLimitMultiplier,
		MaxGasLimit:        gas.MaxGasLimit,
		CacheTTL:           gas.PriceCacheTTL,
	}, client)

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Chain.ChainID),
		zap.String("hot_wallet", client.Address().Hex()),
		zap.String("token", a.cfg.Chain.TokenAddress))
	return nil
}

func (a *App) initRepositories() {
	a.ledgerRepo = repository.NewLedgerRepository(a.db)
	a.paymentRepo = repository.NewSplitPaymentRepository(a.db)
	a.escrowRepo = repository.NewEscrowRepository(a.db)
	a.reconRepo = repository.NewReconciliationRepository(a.db)
}

func (a *App) initServices() error {
	rates, err := service.NewStaticCommissionRates(
		a.cfg.Settlement.DefaultCommissionRate,
		a.cfg.Settlement.CommissionOverridesByTeacher(),
	)
	if err != nil {
		return err
	}
	a.rates = rates

	tokenAddr := common.HexToAddress(a.cfg.Chain.TokenAddress)
	a.walletLedger = service.NewWalletLedger(&service.WalletLedgerConfig{
		TokenAddress:     tokenAddr,
		MinStudentGas:    a.cfg.Gas.MinStudentGas,
		MinPoolBalance:   a.cfg.Gas.MinPoolBalance,
		LowThreshold:     a.cfg.Gas.LowBalanceAlert,
		TreasuryCacheTTL: a.cfg.Cache.TreasuryTTL,
	}, a.chain, a.fees, a.cache)

	a.paymentSvc = service.NewPaymentService(&service.PaymentConfig{
		TokenAddress:   tokenAddr,
		RewardPool:     common.HexToAddress(a.cfg.Chain.RewardPoolAddress),
		MaxAttempts:    a.cfg.Settlement.MaxAttempts,
		ReceiptTimeout: a.cfg.Chain.ReceiptTimeout,
		MinGasPrice:    contract.Gwei(a.cfg.Gas.MinGwei),
		MaxGasPrice:    contract.Gwei(a.cfg.Gas.MaxGwei),
	}, a.chain, a.token, a.fees, a.nonces, a.walletLedger, a.ledgerRepo, a.paymentRepo, a.locker)

	a.escrowSvc = service.NewEscrowService(&service.EscrowConfig{
		Duration:       a.cfg.Escrow.Duration(),
		SweepBatchSize: a.cfg.Escrow.SweepBatchSize,
	}, a.escrowRepo, a.ledgerRepo, a.paymentSvc, a.rates, a.locker)

	a.reconcileSvc = service.NewReconciliationService(&service.ReconcileConfig{
		MinAge:    a.cfg.Scheduler.ReconcileMinAge,
		DropAfter: a.cfg.Scheduler.DropAfter,
		BatchSize: a.cfg.Scheduler.ReconcileBatch,
	}, a.chain, a.ledgerRepo, a.paymentSvc, a.escrowSvc)
	a.reconcileSvc.SetAuditLog(a.reconRepo)

	logger.Info("services initialized")
	return nil
}

func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled, events and notifications are dropped")
		return nil
	}

	topics := a.cfg.Kafka.Topics
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		Topics: kafka.Topics{
			PaymentSettled: topics.PaymentSettled,
			EscrowEvents:   topics.EscrowEvents,
			Notifications:  topics.Notifications,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	a.paymentSvc.SetEventPublisher(producer)
	a.paymentSvc.SetNotifier(producer)
	a.escrowSvc.SetEventPublisher(producer)
	a.escrowSvc.SetNotifier(producer)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		GroupID:  a.cfg.Kafka.GroupID,
		ClientID: a.cfg.Kafka.ClientID,
		Topic:    topics.PurchaseRequests,
		Payments: a.paymentSvc,
		Escrows:  a.escrowSvc,
		Rates:    a.rates,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	if !sc.Enabled {
		return nil
	}

	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{Locker: a.jobLocks})

	jobs := []struct {
		job  scheduler.Job
		spec string
	}{
		{scheduler.NewEscrowSweepJob(a.escrowSvc, sc.LockTTL), sc.SweepCron},
		{scheduler.NewReconcileJob(a.reconcileSvc, sc.ReconcileBatch, sc.LockTTL), sc.ReconcileCron},
		{scheduler.NewTaskCleanupJob(a.reconcileSvc, time.Hour), sc.CleanupCron},
	}
	for _, j := range jobs {
		if err := a.scheduler.RegisterJob(j.job, j.spec); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initServers() {
	checks := map[string]handler.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"chain": a.chain.HealthCheck,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	a.health = handler.NewHealthHandler(checks)

	router := handler.NewRouter(&handler.RouterDeps{
		Chain:  handler.NewChainHandler(a.paymentSvc, a.walletLedger, a.reconcileSvc, a.rates),
		Escrow: handler.NewEscrowHandler(a.escrowSvc),
		Health: a.health,
	})
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC only carries the standard health service for the mesh.
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// Run blocks until SIGINT/SIGTERM or Stop, then shuts down.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.health.SetReady(false)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// stop intake first so in-flight settlements can finish
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Warn("kafka consumer stop", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	a.grpcServer.GracefulStop()

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}

	a.chain.Close()

	if a.redis != nil {
		a.redis.Close()
	}

	if sqlDB, _ := a.db.DB(); sqlDB != nil {
		sqlDB.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

func (a *App) Stop() {
	close(a.stopCh)
}
