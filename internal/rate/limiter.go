package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window counter under a key namespace.
type Window struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	period time.Duration
}

// NewWindow returns a counter allowing limit hits per period for each key.
func NewWindow(client redis.UniversalClient, prefix string, limit int, period time.Duration) *Window {
	return &Window{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		period: period,
	}
}

// Hit counts one attempt for key and returns ErrRateLimited once the
// window's budget is exceeded.
func (w *Window) Hit(ctx context.Context, key string) error {
	if w == nil || w.limit <= 0 {
		return nil
	}
	count, err := w.incr(ctx, w.prefix+key)
	if err != nil {
		return err
	}
	if count > int64(w.limit) {
		return ErrRateLimited
	}
	return nil
}

// Check reports ErrRateLimited without counting.
func (w *Window) Check(ctx context.Context, key string) error {
	if w == nil || w.limit <= 0 {
		return nil
	}
	count, err := w.redis.Get(ctx, w.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(w.limit) {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the counters for keys.
func (w *Window) Reset(ctx context.Context, keys ...string) error {
	if w == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = w.prefix + k
	}
	if err := w.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Count returns the current counter for key. Missing keys count as zero.
func (w *Window) Count(ctx context.Context, key string) (int, error) {
	count, err := w.redis.Get(ctx, w.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (w *Window) incr(ctx context.Context, key string) (int64, error) {
	count, err := w.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count == 1 {
		if err := w.redis.Expire(ctx, key, w.period).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

// Config holds login limiter tuning parameters.
type Config struct {
	Prefix           string
	EnableIPThrottle bool
	MaxLoginAttempts int
	LoginCooldown    time.Duration
}

// Limiter throttles failed logins per identifier and, optionally, per IP.
type Limiter struct {
	user   *Window
	ip     *Window
	config Config
}

// New creates a login [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "arl"
	}
	return &Limiter{
		user:   NewWindow(redisClient, cfg.Prefix+":l:", cfg.MaxLoginAttempts, cfg.LoginCooldown),
		ip:     NewWindow(redisClient, cfg.Prefix+":li:", cfg.MaxLoginAttempts, cfg.LoginCooldown),
		config: cfg,
	}
}

// CheckLogin reports ErrRateLimited when the identifier (or IP) has used up
// its failure budget. It does not count.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if l == nil {
		return nil
	}
	if err := l.user.Check(ctx, identifier); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		return l.ip.Check(ctx, ip)
	}
	return nil
}

// IncrementLogin records a failed login attempt.
func (l *Limiter) IncrementLogin(ctx context.Context, identifier, ip string) error {
	if l == nil {
		return nil
	}
	if err := l.user.Hit(ctx, identifier); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		return l.ip.Hit(ctx, ip)
	}
	return nil
}

// ResetLogin clears the identifier's failure counter after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, identifier string) error {
	if l == nil {
		return nil
	}
	return l.user.Reset(ctx, identifier)
}

// LoginAttempts returns the failure counter for identifier.
func (l *Limiter) LoginAttempts(ctx context.Context, identifier string) (int, error) {
	if l == nil {
		return 0, nil
	}
	return l.user.Count(ctx, identifier)
}
