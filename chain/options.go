package chain

import "time"

type options struct {
	retention time.Duration
	maxWalk   int
	now       func() time.Time
}

// Option customizes a store.
type Option func(*options)

// WithRetention sets the TTL applied to newly written records by stores that
// support expiry. Zero keeps records forever.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithMaxWalk bounds chain walks.
func WithMaxWalk(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWalk = n
		}
	}
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxWalk: DefaultMaxWalk,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
