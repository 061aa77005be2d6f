package app

import (
	"context"
	"fmt"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Pinger covers a pgx pool for the readiness probe.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the status reply of a Redis PING.
type RedisPingResult interface{ Err() error }

// RedisClient narrows go-redis to what readiness needs.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildReadinessChecks returns the database and Redis probes consumed by the
// /readyz handler. A nil dependency fails its probe rather than passing
// silently: a process that should have a database is not ready without one.
func BuildReadinessChecks(pool Pinger, rdb RedisClient) (dbCheck, redisCheck func(ctx context.Context) error) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("op=app.readyz: database not configured: %w", domain.ErrUnavailable)
		}
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("op=app.readyz: database: %w", err)
		}
		return nil
	}
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("op=app.readyz: redis not configured: %w", domain.ErrUnavailable)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("op=app.readyz: redis: %w", err)
		}
		return nil
	}
	return dbCheck, redisCheck
}
