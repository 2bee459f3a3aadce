package main

import (
	"context"
	"log"
	"time"

	"coursepay/cmd/server/config"
	"coursepay/internal/events"

	"github.com/redis/go-redis/v9"
)

const defaultDedupTTL = 24 * time.Hour

// buildDeduper returns the webhook dedup store: Redis when configured, an
// in-process window otherwise.
func buildDeduper(ctx context.Context) (events.Deduper, func(), error) {
	if !config.RedisConfigured() {
		log.Printf("REDIS_URL unset, using in-memory webhook dedup")
		return events.NewMemoryDeduper(defaultDedupTTL), func() {}, nil
	}

	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
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
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return events.NewRedisDeduper(client, cfg.DedupTTL), cleanup, nil
}
