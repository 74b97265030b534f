package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth/internal/rate"
)

var (
	ErrResetRateLimited      = errors.New("reset rate limited")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

type PasswordResetConfig struct {
	Prefix              string
	MaxRequests         int
	RequestWindow       time.Duration
	MaxConfirmAttempts  int
	ConfirmWindow       time.Duration
	EnableConfirmLimits bool
}

// PasswordResetLimiter throttles reset requests per identifier and reset
// confirmations per reset id.
type PasswordResetLimiter struct {
	request *rate.Window
	confirm *rate.Window
	config  PasswordResetConfig
}

func NewPasswordResetLimiter(redisClient redis.UniversalClient, cfg PasswordResetConfig) *PasswordResetLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "apr"
	}
	l := &PasswordResetLimiter{
		request: rate.NewWindow(redisClient, cfg.Prefix+":rq:", cfg.MaxRequests, cfg.RequestWindow),
		config:  cfg,
	}
	if cfg.EnableConfirmLimits {
		l.confirm = rate.NewWindow(redisClient, cfg.Prefix+":cf:", cfg.MaxConfirmAttempts, cfg.ConfirmWindow)
	}
	return l
}

func (l *PasswordResetLimiter) CheckRequest(ctx context.Context, identifier string) error {
	if l == nil {
		return nil
	}
	return mapResetErr(l.request.Hit(ctx, identifier))
}

func (l *PasswordResetLimiter) CheckConfirm(ctx context.Context, resetID string) error {
	if l == nil {
		return nil
	}
	return mapResetErr(l.confirm.Hit(ctx, resetID))
}

func mapResetErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrResetRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
}
