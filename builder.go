package chainauth

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth/chain"
	internalaudit "github.com/idatt2105/chainauth/internal/audit"
	"github.com/idatt2105/chainauth/internal/limiters"
	"github.com/idatt2105/chainauth/internal/logging"
	"github.com/idatt2105/chainauth/internal/rate"
	"github.com/idatt2105/chainauth/internal/stores"
	"github.com/idatt2105/chainauth/jwt"
	"github.com/idatt2105/chainauth/password"
)

// Builder assembles an [Engine]. It is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  chain.Store

	userProvider UserProvider
	principals   PrincipalResolver
	hasher       PasswordHasher
	mailer       ResetMailer
	auditSink    AuditSink
	logger       Logger

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for rate limiting, password reset records
// and, unless WithChainStore is used, the chain store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithChainStore overrides the default Redis chain store, e.g. with a
// [chain.PostgresStore].
func (b *Builder) WithChainStore(store chain.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithPrincipalResolver(r PrincipalResolver) *Builder {
	b.principals = r
	return b
}

// WithPasswordHasher replaces the Argon2id hasher derived from Config.Password.
func (b *Builder) WithPasswordHasher(h PasswordHasher) *Builder {
	b.hasher = h
	return b
}

func (b *Builder) WithResetMailer(m ResetMailer) *Builder {
	b.mailer = m
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and collaborators and returns a ready
// engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if b.principals == nil {
		return nil, errors.New("principal resolver required")
	}
	if b.redis == nil {
		if b.store == nil {
			return nil, errors.New("redis client or chain store required")
		}
		if cfg.Security.EnableLoginThrottle {
			return nil, errors.New("login throttling requires redis client")
		}
		if cfg.PasswordReset.Enabled {
			return nil, errors.New("password reset requires redis client")
		}
	}
	if cfg.PasswordReset.Enabled && b.mailer == nil {
		return nil, errors.New("password reset requires a reset mailer")
	}

	store := b.store
	if store == nil {
		store = chain.NewRedisStore(b.redis, cfg.Chain.RedisPrefix,
			chain.WithRetention(cfg.Chain.RecordRetention),
			chain.WithMaxWalk(cfg.Chain.MaxChainWalk),
		)
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}

	hasher := b.hasher
	if hasher == nil {
		ph, err := password.NewArgon2(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,

			MaxPasswordBytes: cfg.Password.MaxLength,
		})
		if err != nil {
			return nil, err
		}
		hasher = ph
	}

	logger := b.logger
	if logger == nil {
		logger = logging.Nop{}
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		tokens:       jm,
		store:        store,
		customStore:  b.store != nil,
		userProvider: b.userProvider,
		principals:   b.principals,
		passwordHash: hasher,
		mailer:       b.mailer,
		logger:       logger.With("component", "chainauth"),
		metrics:      NewMetrics(cfg.Metrics),
	}
	var warnDrop sync.Once
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop: func() {
			warnDrop.Do(func() {
				engine.logger.Warn(context.Background(), "audit events are being dropped", "buffer_size", cfg.Audit.BufferSize)
			})
		},
	}, b.auditSink)

	if cfg.Security.EnableLoginThrottle {
		engine.rateLimiter = rate.New(b.redis, rate.Config{
			Prefix:           cfg.Security.RateLimitPrefix,
			EnableIPThrottle: cfg.Security.EnableIPThrottle,
			MaxLoginAttempts: cfg.Security.MaxLoginAttempts,
			LoginCooldown:    cfg.Security.LoginCooldownDuration,
		})
	}
	if cfg.PasswordReset.Enabled {
		engine.resetStore = stores.NewPasswordResetStore(b.redis, cfg.PasswordReset.RedisPrefix)
		engine.resetLimiter = limiters.NewPasswordResetLimiter(b.redis, limiters.PasswordResetConfig{
			Prefix:              cfg.PasswordReset.RedisPrefix,
			MaxRequests:         cfg.PasswordReset.MaxRequests,
			RequestWindow:       cfg.PasswordReset.RequestWindow,
			MaxConfirmAttempts:  cfg.PasswordReset.MaxConfirmAttempts,
			ConfirmWindow:       cfg.PasswordReset.ConfirmWindow,
			EnableConfirmLimits: cfg.PasswordReset.EnableConfirmLimits,
		})
	}

	engine.flows = engine.buildFlowDeps()
	b.built = true

	return engine, nil
}
