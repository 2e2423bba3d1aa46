package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering"
	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/internal/config"
	"github.com/crosslogic/metering-agent/internal/gateway"
	"github.com/crosslogic/metering-agent/internal/meter"
	"github.com/crosslogic/metering-agent/internal/notifications"
	"github.com/crosslogic/metering-agent/internal/store"
	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/database"
	"github.com/crosslogic/metering-agent/pkg/events"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// dimensionStore is a billing.DimensionStore that owns its connection.
type dimensionStore interface {
	billing.DimensionStore
	Close() error
}

// backend is the opened counter store plus what else the process shares
// with it.
type backend struct {
	store  dimensionStore
	checks map[string]gateway.HealthCheck
	// cache is set for the Redis backend and reused for notification dedup.
	cache *cache.Cache
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Sprintf("failed to load .env: %v", err))
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting metering agent",
		zap.String("provider", cfg.Metering.Provider),
		zap.String("store", cfg.Store.Backend),
		zap.Strings("dimensions", cfg.Metering.Dimensions),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var awsCfg aws.Config
	if cfg.Store.Backend == config.StoreDynamoDB || cfg.Metering.Provider == config.ProviderMarketplace {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Fatal("failed to load AWS configuration", zap.Error(err))
		}
	}

	be, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		logger.Fatal("failed to open dimension store", zap.Error(err))
	}
	defer be.store.Close()
	logger.Info("opened dimension store", zap.String("backend", cfg.Store.Backend))

	submitter := newSubmitter(cfg, awsCfg, logger)

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize notification service
	notificationConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}

	notificationService := notifications.NewService(notificationConfig, be.cache, logger, eventBus)
	if err := notificationService.Start(ctx); err != nil {
		logger.Fatal("failed to start notification service", zap.Error(err))
	}

	loc, err := cfg.Metering.Location()
	if err != nil {
		logger.Fatal("invalid metering timezone", zap.Error(err))
	}

	engine, err := billing.NewEngine(be.store, submitter, logger, billing.Config{
		Dimensions:   cfg.Metering.Dimensions,
		PurgeOnStart: cfg.Metering.PurgeOnStart,
		Thresholds: billing.Thresholds{
			Interval:            cfg.Metering.Interval,
			MaxIntervalsWarning: cfg.Metering.MaxIntervalsWarning,
			MaxIntervalsStop:    cfg.Metering.MaxIntervalsStop,
		},
		Version:  cfg.Metering.Version,
		Location: loc,
	}, billing.WithEventBus(eventBus))
	if err != nil {
		logger.Fatal("failed to create metering engine", zap.Error(err))
	}

	// A failed init is reported through the API, so keep serving.
	if err := engine.Init(ctx); err == nil {
		if err := engine.Start(ctx); err != nil {
			logger.Fatal("failed to start metering loop", zap.Error(err))
		}
	}

	gw := gateway.NewGateway(engine, logger, gateway.Options{
		MetricsPath: cfg.Monitoring.MetricsPath,
		Checks:      be.checks,
	})
	gw.StartHealthMetrics(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Let an in-flight cycle finish before the store goes away
	if err := engine.Close(); err != nil {
		logger.Error("failed to stop metering loop", zap.Error(err))
	}

	if err := notificationService.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop notification service gracefully", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = atomicLevel
	return zapCfg.Build()
}

// openStore connects the configured counter backend.
func openStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (*backend, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		redisCache, err := cache.NewCache(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return &backend{
			store:  store.NewRedis(redisCache, cfg.Redis.KeyPrefix),
			checks: map[string]gateway.HealthCheck{"redis": redisCache.Health},
			cache:  redisCache,
		}, nil

	case config.StorePostgres:
		db, err := database.NewDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pg, err := store.NewPostgres(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &backend{
			store:  pg,
			checks: map[string]gateway.HealthCheck{"postgres": db.Health},
		}, nil

	case config.StoreSQLite:
		s, err := store.NewSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return &backend{store: s}, nil

	case config.StoreDynamoDB:
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		return &backend{store: store.NewDynamoDB(client, cfg.DynamoDB.Table)}, nil

	default:
		return &backend{store: store.NewMemory()}, nil
	}
}

func newSubmitter(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) billing.Submitter {
	if cfg.Metering.Provider == config.ProviderStripe {
		return meter.NewStripe(meter.StripeConfig{
			SecretKey:         cfg.Stripe.SecretKey,
			APIURL:            cfg.Stripe.APIURL,
			SubscriptionItems: cfg.Stripe.SubscriptionItems,
		}, logger)
	}

	client := marketplacemetering.NewFromConfig(awsCfg, func(o *marketplacemetering.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return meter.NewMarketplace(client, cfg.Metering.ProductCode, logger)
}
