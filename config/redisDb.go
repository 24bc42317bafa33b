package config

import (
	"context"
	"errors"
	"os"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock returns nil until ConnectRedisWithRetry succeeds; callers
// treat a nil locker as "proceed without the distributed lock".
func GetRedisLock() *redislock.Client {
	return locker
}

// RedisEnabled is false when REDIS_ADDRESS is unset; Redis only backs
// best-effort locking and rate limiting.
func RedisEnabled() bool {
	return os.Getenv("REDIS_ADDRESS") != ""
}

func redisOptions() *redis.Options {
	return &redis.Options{
		Addr:     os.Getenv("REDIS_ADDRESS"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
}

// ConnectRedisWithRetry pings until Redis answers or ctx ends, then sets the
// global client and locker. Without REDIS_ADDRESS it returns at once.
func ConnectRedisWithRetry(ctx context.Context) {
	entry := GetLogger().WithFields(logrus.Fields{"field": "redis"})
	if !RedisEnabled() {
		entry.Info("REDIS_ADDRESS not set; locks and rate limits run without redis")
		return
	}
	opts := redisOptions()
	err := retryWithBackoff(ctx, func(attempt int) error {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			entry.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr}).Warn("ping failed: " + err.Error())
			return err
		}
		rdb = client
		locker = redislock.New(client)
		entry.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr}).Info("redis connected")
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.Warn("gave up on redis: " + err.Error())
	}
}
