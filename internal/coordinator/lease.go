package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseState is the result of a lease acquisition attempt.
type LeaseState int

const (
	LeaseAcquired LeaseState = iota
	LeaseHeld                // another instance is generating a reply
	LeaseDone                // another instance finished a reply recently
)

// Lease is an optional cross-instance admission guard acquired after the
// local claim. It narrows duplicate provider calls between instances; the
// store's unique reply index remains the authoritative guard.
type Lease interface {
	Acquire(ctx context.Context, roomID, messageID string) (token string, state LeaseState, err error)
	// Release frees a lease held under token. With completed set the key is
	// kept as a "done" marker until it expires.
	Release(ctx context.Context, roomID, messageID, token string, completed bool) error
}

const leaseDoneValue = "done"

// releaseScript swaps the lease for a done marker (or deletes it) only when
// the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if ARGV[2] == "1" then
		return redis.call("SET", KEYS[1], "done", "PX", ARGV[3])
	end
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX on a shared Redis.
type RedisLease struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLease creates a lease backend. ttl bounds how long a crashed
// holder can block other instances; ttl <= 0 means 2 minutes.
func NewRedisLease(rdb redis.UniversalClient, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLease{rdb: rdb, ttl: ttl, prefix: "roomclaw:reply:"}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (l *RedisLease) key(roomID, messageID string) string {
	return l.prefix + roomID + ":" + messageID
}

func (l *RedisLease) Acquire(ctx context.Context, roomID, messageID string) (string, LeaseState, error) {
	key := l.key(roomID, messageID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", LeaseHeld, err
	}
	if ok {
		return token, LeaseAcquired, nil
	}

	val, err := l.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; report held and let the caller's
		// next trigger retry rather than looping here.
		return "", LeaseHeld, nil
	case err != nil:
		return "", LeaseHeld, err
	case val == leaseDoneValue:
		return "", LeaseDone, nil
	default:
		return "", LeaseHeld, nil
	}
}

func (l *RedisLease) Release(ctx context.Context, roomID, messageID, token string, completed bool) error {
	if token == "" {
		return nil
	}
	flag := "0"
	if completed {
		flag = "1"
	}
	err := releaseScript.Run(ctx, l.rdb, []string{l.key(roomID, messageID)}, token, flag, l.ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
