package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal health-probe interface; both the Redis queue and the
// pgx pool satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the redis and db readiness probes. The db
// check is nil when no ledger pool is configured, and the readiness handler
// skips it.
func BuildReadinessChecks(queue Pinger, pool Pinger) (redisCheck, dbCheck func(ctx context.Context) error) {
	redisCheck = func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("redis not configured")
		}
		return queue.Ping(ctx)
	}
	if pool != nil {
		dbCheck = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	return redisCheck, dbCheck
}
