package redisdb

import (
	"context"
	"time"

	"coscribe/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// Connect opens the shared Redis instance that serves both as the broadcast
// transport and as the persistence target for document snapshots.
func Connect(addr, password string, db int) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for i := 0; i < 5; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			logger.Sugar.Infof("Connected to Redis at %s", addr)
			return rdb
		}
		logger.Sugar.Infof("Redis connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	logger.Sugar.Fatalf("Could not connect to Redis after retries: %v", err)
	return nil
}
