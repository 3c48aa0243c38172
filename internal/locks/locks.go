// Package locks provides the per-sender serialization point used when the
// service runs several replicas against one database.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/txguard/internal/idgen"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// wait deadline.
var ErrNotAcquired = errors.New("locks: lock not acquired")

// ErrInvalidURL is returned by Dial for a malformed connection URL.
var ErrInvalidURL = errors.New("locks: invalid redis url")

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker hands out mutually exclusive locks by key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
	// TTL is how long a lock stays held if never released. Zero means
	// until released. Work under the lock must finish within it.
	TTL() time.Duration
}

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was re-taken by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tune the distributed lock.
type RedisOptions struct {
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration
	// Wait bounds how long Lock retries before giving up.
	Wait time.Duration
	// Retry is the pause between attempts.
	Retry time.Duration
	// Prefix namespaces the keys.
	Prefix string
}

// DefaultRedisOptions suit a sub-second evaluation.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		TTL:    10 * time.Second,
		Wait:   5 * time.Second,
		Retry:  25 * time.Millisecond,
		Prefix: "txguard:lock:",
	}
}

// RedisLocker is a single-instance Redis lock: SET NX PX to take it, a
// compare-and-delete script to release it.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	def := DefaultRedisOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Wait <= 0 {
		opts.Wait = def.Wait
	}
	if opts.Retry <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	return &RedisLocker{client: client, opts: opts}
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// TTL returns the expiry set on every lock key.
func (l *RedisLocker) TTL() time.Duration { return l.opts.TTL }

// Lock blocks until key is held, the wait budget is spent or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := l.opts.Prefix + key
	token := idgen.New()

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.Wait)
	defer cancel()

	ticker := time.NewTicker(l.opts.Retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, fullKey, token, l.opts.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", fullKey, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
					return fmt.Errorf("release %s: %w", fullKey, err)
				}
				return nil
			}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrNotAcquired, fullKey, l.opts.Wait)
		case <-ticker.C:
		}
	}
}
