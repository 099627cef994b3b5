package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/statestore"
)

// clients bundles the connections every subcommand needs: the hot
// state store and the cold definition/history repository.
type clients struct {
	store  statestore.StateStore
	repo   *repository.Repository
	db     *repository.DB
	redis  *redis.Client
	logger *zap.Logger
}

func connect(ctx context.Context) (*clients, error) {
	logger := zap.NewNop()

	redisClient := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})
	store, err := statestore.NewRedisStore(ctx, redisClient, logger)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	db, err := repository.Open(viper.GetString("db"))
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("migrate repository: %w", err)
	}

	return &clients{
		store:  store,
		repo:   repository.New(db),
		db:     db,
		redis:  redisClient,
		logger: logger,
	}, nil
}

func (c *clients) Close() {
	c.db.Close()
	c.redis.Close()
}
