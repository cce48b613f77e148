package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/CourseForge/internal/logger"
)

const redisKeyPrefix = "courseforge:lock:"

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = lease token
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's TTL only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = lease token
// ARGV[2] = ttl in milliseconds
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares leases between processes through SET NX PX.
type RedisLocker struct {
	rdb *goredis.Client
	ttl time.Duration
	log *logger.Logger
}

// NewRedisLocker connects to addr and verifies the server answers.
func NewRedisLocker(addr string, ttl time.Duration, log *logger.Logger) (*RedisLocker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLocker{rdb: rdb, ttl: ttl, log: log.With("service", "RedisLocker")}, nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, redisKeyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	r.log.Debug("Lock acquired", "key", key)
	return &redisLease{locker: r, key: key, token: token}, nil
}

func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (l *redisLease) Renew(ctx context.Context) error {
	ttl := l.locker.ttl.Milliseconds()
	n, err := renewScript.Run(ctx, l.locker.rdb, []string{redisKeyPrefix + l.key}, l.token, ttl).Int64()
	if err != nil {
		return fmt.Errorf("redis renew %s: %w", l.key, err)
	}
	if n == 0 {
		l.locker.log.Warn("Lock lost before renewal", "key", l.key)
		return ErrNotHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.rdb, []string{redisKeyPrefix + l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	if n == 0 {
		l.locker.log.Warn("Lock expired before release", "key", l.key)
		return ErrNotHeld
	}
	return nil
}
