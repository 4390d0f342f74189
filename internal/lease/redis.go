package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lease only if the caller still holds it.
// KEYS[1] = lease key
// ARGV[1] = holder id
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the caller still holds it.
// KEYS[1] = lease key
// ARGV[1] = holder id
// ARGV[2] = ttl in milliseconds
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisGuard holds leases as expiring redis keys, for deployments running
// several instances against shared infrastructure
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisGuard creates a guard on client
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *RedisGuard {
	return &RedisGuard{
		client: client,
		prefix: "nextaction:lease:",
		ttl:    ttl,
		log:    log.With().Str("component", "redis_lease").Logger(),
	}
}

// NewRedisClient creates the client used by RedisGuard
func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}

// TryAcquire implements Guard
func (g *RedisGuard) TryAcquire(ctx context.Context, name string) (Release, error) {
	key := g.prefix + name
	holder := newHolderID()

	ok, err := g.client.SetNX(ctx, key, holder, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrTickInProgress
	}

	stop := heartbeat(name, g.ttl, func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, g.client, []string{key}, holder, g.ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
		}
		return n == 1, nil
	}, g.log)

	return once(func() {
		stop()
		if err := releaseScript.Run(context.Background(), g.client, []string{key}, holder).Err(); err != nil {
			g.log.Error().Err(err).Str("lease", name).Msg("Failed to release lease")
		}
	}), nil
}
