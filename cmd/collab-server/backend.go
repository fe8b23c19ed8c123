package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// backend is the persistence gateway selected by persistence.driver plus the
// connections it owns.
type backend struct {
	gateway persistence.Gateway
	closers []func()
}

func (b *backend) close() {
	for index := len(b.closers) - 1; index >= 0; index-- {
		b.closers[index]()
	}
}

func openBackend(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*backend, error) {
	opened := &backend{}
	var store persistence.Loader
	switch appConfig.PersistenceDriver {
	case config.DriverSQLite:
		sqlStore, err := persistence.NewSQLStore(persistence.SQLStoreConfig{Database: db, Logger: logger})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		opened.closers = append(opened.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			opened.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		redisStore, err := persistence.NewRedisStore(persistence.RedisStoreConfig{Client: client, Logger: logger})
		if err != nil {
			opened.close()
			return nil, err
		}
		store = redisStore
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, appConfig.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		opened.closers = append(opened.closers, pool.Close)
		postgresStore, err := persistence.NewPostgresStore(persistence.PostgresStoreConfig{Pool: pool, Logger: logger})
		if err != nil {
			opened.close()
			return nil, err
		}
		if err := postgresStore.EnsureSchema(ctx); err != nil {
			opened.close()
			return nil, err
		}
		store = postgresStore
	case config.DriverMemory:
		store = persistence.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", appConfig.PersistenceDriver)
	}

	gateway, err := persistence.NewGateway(persistence.GatewayConfig{
		Mode:         appConfig.PersistenceMode,
		Store:        store,
		CompactEvery: appConfig.CompactEvery,
		Logger:       logger,
	})
	if err != nil {
		opened.close()
		return nil, err
	}
	opened.gateway = gateway
	return opened, nil
}
