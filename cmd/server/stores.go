package main

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"conveyor/cmd/server/config"
	ordersdb "conveyor/internal/db/orders"
	"conveyor/internal/events"
	"conveyor/internal/orders"
)

var openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// stores bundles the persistence interfaces the sagas run against.
type stores struct {
	orders   orders.OrderStore
	payments orders.PaymentStore
	events   orders.EventStore
}

// buildStores wires Postgres-backed stores from DATABASE_URL. When the DSN
// is empty or initialization fails, everything falls back to in-memory.
func buildStores(ctx context.Context, logger *zap.Logger) (stores, func()) {
	cleanup := func() {}
	memory := orders.NewMemoryStore()
	st := stores{orders: memory, payments: memory, events: memory}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Info("no DATABASE_URL, using in-memory stores")
		return st, cleanup
	}

	sqlDB, err := openOrdersDB("pgx", dsn)
	if err != nil {
		logger.Warn("postgres open failed, falling back to in-memory stores", zap.Error(err))
		return st, cleanup
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := ordersdb.NewStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		logger.Warn("postgres init failed, falling back to in-memory stores", zap.Error(err))
		_ = sqlDB.Close()
		return st, cleanup
	}

	logger.Info("postgres stores enabled")
	st = stores{orders: store, payments: store, events: store}
	cleanup = func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("close postgres", zap.Error(err))
		}
	}
	return st, cleanup
}

// buildPublisher assembles the event fan-out: the WebSocket hub always, the
// Redis stream when configured. A nil return disables publishing.
func buildPublisher(ctx context.Context, cfg config.RedisConfig, hub events.Broadcaster, logger *zap.Logger) (events.Publisher, func()) {
	cleanup := func() {}

	var targets []events.Publisher
	if hub != nil {
		targets = append(targets, events.NewHubPublisher(hub))
	}

	if cfg.URL != "" {
		client, err := openRedis(ctx, cfg)
		if err != nil {
			logger.Warn("redis unavailable, stream publishing disabled", zap.Error(err))
		} else {
			logger.Info("redis stream publishing enabled", zap.String("stream", cfg.Stream))
			targets = append(targets, events.NewRedisStreamPublisher(client, cfg.Stream, cfg.StreamMaxLen))
			cleanup = func() {
				if err := client.Close(); err != nil {
					logger.Warn("close redis", zap.Error(err))
				}
			}
		}
	}

	if len(targets) == 0 {
		return nil, cleanup
	}
	if len(targets) == 1 {
		return targets[0], cleanup
	}
	return events.NewFanoutPublisher(targets...), cleanup
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}

	client := redis.NewClient(opts)

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
