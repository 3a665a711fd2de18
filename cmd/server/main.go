package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"

	grpcadapter "github.com/simaogato/transferflow-backend/internal/adapter/grpc"
	"github.com/simaogato/transferflow-backend/internal/adapter/httpapi"
	"github.com/simaogato/transferflow-backend/internal/adapter/rabbitmq"
	"github.com/simaogato/transferflow-backend/internal/adapter/repository/memory"
	"github.com/simaogato/transferflow-backend/internal/adapter/repository/postgres"
	redisstore "github.com/simaogato/transferflow-backend/internal/adapter/repository/redis"
	"github.com/simaogato/transferflow-backend/internal/config"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/logging"
	"github.com/simaogato/transferflow-backend/internal/usecase/progress"
	"github.com/simaogato/transferflow-backend/internal/usecase/seeder"
	"github.com/simaogato/transferflow-backend/internal/usecase/sweeper"
	"github.com/simaogato/transferflow-backend/internal/usecase/transferform"
	"github.com/simaogato/transferflow-backend/internal/usecase/verifier"
)

// accountLedger is the balance authority plus the account lookups the seeder needs
type accountLedger interface {
	domain.Ledger
	domain.AccountRepository
}

type storage struct {
	transfers domain.TransferRepository
	ledger    accountLedger
	closeFn   func()
}

func main() {
	// Missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("transferflow stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// 1. Shared Redis client, when configured
	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		redisClient = client
	}

	// 2. Storage driver
	store, err := openStorage(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer store.closeFn()

	// 3. Message broker
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, notifications will only be logged", zap.Error(err))
		} else {
			publisher = producer
		}
	}
	defer publisher.Close()
	notifier := rabbitmq.NewNotifier(publisher, cfg.NotificationExchange, rabbitmq.DefaultBreakerSettings(), logger)

	thresholds, err := cfg.Thresholds()
	if err != nil {
		return err
	}

	// 4. Security code verifier
	codeVerifier, err := newVerifier(cfg, len(thresholds), redisClient, notifier)
	if err != nil {
		return err
	}

	// 5. Locker and driver leases: distributed when Redis is available
	var locker domain.Locker = memory.NewKeyedLocker()
	var leases domain.Leaser = memory.NewLeaser()
	if redisClient != nil {
		locker = redisstore.NewLocker(redisClient, cfg.RedisKeyPrefix, redisstore.DefaultLockOptions(), logger)
		leases = redisstore.NewLeaser(redisClient, cfg.RedisKeyPrefix)
	} else if cfg.StorageDriver == config.StoragePostgres {
		logger.Warn("REDIS_URL not set; run a single instance against this database")
	}

	// 6. Use cases
	engineCfg := progress.DefaultConfig()
	engineCfg.Thresholds = thresholds
	engineCfg.Step = cfg.ProgressStep
	engineCfg.TickInterval = cfg.TickInterval()
	engineCfg.SettleDelay = cfg.SettleDelay()
	engineCfg.MaxChallengeAttempts = cfg.ChallengeMaxAttempts

	engine, err := progress.NewEngine(store.transfers, store.ledger, codeVerifier, notifier, locker, logger, engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create progress engine: %w", err)
	}
	engine.Leases = leases
	defer engine.Close()

	formService := transferform.NewTransferFormService(store.transfers, store.ledger, logger)

	if cfg.SeedDemoAccounts {
		if err := seeder.NewAccountSeeder(store.ledger, logger).Seed(ctx); err != nil {
			return fmt.Errorf("failed to seed demo accounts: %w", err)
		}
		if token, err := httpapi.IssueToken(cfg.JWTSecret, seeder.DEMO_CHECKING, 24*time.Hour); err == nil {
			logger.Info("demo account token issued",
				zap.String("account_id", seeder.DEMO_CHECKING.String()),
				zap.String("token", token),
			)
		}
	}

	recovered, err := engine.RecoverActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover active transfers: %w", err)
	}
	logger.Info("active transfers recovered", zap.Int("count", recovered))

	staleSweeper := sweeper.NewSweeper(store.transfers, engine, cfg.TransferTimeout(), logger)
	if err := staleSweeper.Start(cfg.SweepSchedule); err != nil {
		return err
	}

	// 7. gRPC server
	grpcServer := grpclib.NewServer(
		grpclib.ChainUnaryInterceptor(
			grpcadapter.LoggingInterceptor(logger),
			grpcadapter.AuthInterceptor(cfg.APIToken),
		),
	)
	grpcadapter.RegisterTransferServiceServer(grpcServer, grpcadapter.NewServer(formService, engine, logger))

	grpcAddr := ":" + cfg.GRPCPort
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	// 8. HTTP server
	handlers := httpapi.NewHandlers(formService, engine, store.transfers, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpapi.NewRouter(handlers, cfg.JWTSecret, cfg.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", grpcAddr))
		serverErrors <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	// Graceful shutdown
	var runErr error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-serverErrors:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	grpcServer.GracefulStop()

	select {
	case <-staleSweeper.Stop().Done():
	case <-shutdownCtx.Done():
	}
	logger.Info("servers stopped")
	return runErr
}

func openStorage(ctx context.Context, cfg *config.Config, redisClient *goredis.Client, logger *zap.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := postgres.NewDB(cfg.DBConnStr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("using postgres storage")
		return &storage{
			transfers: postgres.NewTransferRepository(db),
			ledger:    postgres.NewLedgerRepository(db),
			closeFn:   func() { db.Close() },
		}, nil

	case config.StorageRedis:
		logger.Info("using redis storage", zap.String("prefix", cfg.RedisKeyPrefix))
		return &storage{
			transfers: redisstore.NewTransferStore(redisClient, cfg.RedisKeyPrefix),
			ledger:    redisstore.NewLedger(redisClient, cfg.RedisKeyPrefix),
			closeFn:   func() {},
		}, nil

	default:
		logger.Warn("using in-memory storage; transfers are lost on restart")
		return &storage{
			transfers: memory.NewTransferStore(),
			ledger:    memory.NewLedger(),
			closeFn:   func() {},
		}, nil
	}
}

func newVerifier(cfg *config.Config, levels int, redisClient *goredis.Client, delivery domain.CodeDelivery) (domain.SecurityCodeVerifier, error) {
	if cfg.VerifierMode == config.VerifierOTP {
		opts := redisstore.DefaultOTPOptions()
		opts.TTL = cfg.OTPTTL()
		opts.MaxAttempts = cfg.OTPMaxAttempts
		codes := redisstore.NewOTPStore(redisClient, delivery, cfg.RedisKeyPrefix, opts)
		return verifier.NewOTPVerifier(codes), nil
	}

	codes := cfg.StaticCodes()
	if len(codes) == 0 {
		codes = verifier.DefaultStaticCodes
	}
	if len(codes) < levels {
		return nil, fmt.Errorf("%d static challenge codes configured for %d challenge levels", len(codes), levels)
	}
	static, err := verifier.NewStaticVerifier(codes)
	if err != nil {
		return nil, fmt.Errorf("invalid static challenge codes: %w", err)
	}
	return static, nil
}
