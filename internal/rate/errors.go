package rate

import "errors"

var (
	// ErrRateLimited is returned once a window's budget is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter backend failures.
	ErrRedisUnavailable = errors.New("rate limit redis unavailable")
)
