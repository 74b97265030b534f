package chainauth

import (
	"errors"
	"time"
)

// Config is the complete engine configuration. Build freezes a copy; later
// changes to the caller's value have no effect.
type Config struct {
	JWT           JWTConfig
	Chain         ChainConfig
	Password      PasswordConfig
	PasswordReset PasswordResetConfig
	Security      SecurityConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// JWTConfig configures the token codec.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	// Leeway tolerates clock skew on iat. It never extends exp.
	Leeway        time.Duration
	KeyID         string
}

// ChainConfig configures the default Redis chain store. It is ignored when a
// store is supplied with [Builder.WithChainStore].
type ChainConfig struct {
	RedisPrefix string
	// RecordRetention is the Redis TTL applied to chain records. Zero keeps
	// records forever.
	RecordRetention time.Duration
	MaxChainWalk    int
}

type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	MaxLength   int
}

type PasswordResetConfig struct {
	Enabled             bool
	RedisPrefix         string
	ResetTTL            time.Duration
	MaxRequests         int
	RequestWindow       time.Duration
	EnableConfirmLimits bool
	MaxConfirmAttempts  int
	ConfirmWindow       time.Duration
	// DeliveryTimeout bounds each asynchronous mailer call.
	DeliveryTimeout time.Duration
}

type SecurityConfig struct {
	EnableLoginThrottle   bool
	EnableIPThrottle      bool
	RateLimitPrefix       string
	MaxLoginAttempts      int
	LoginCooldownDuration time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the baseline configuration. Signing keys must still
// be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Chain: ChainConfig{
			RedisPrefix:     "arc",
			RecordRetention: 30 * 24 * time.Hour,
			MaxChainWalk:    100000,
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
			MaxLength:   1024,
		},
		PasswordReset: PasswordResetConfig{
			Enabled:             true,
			RedisPrefix:         "apr",
			ResetTTL:            15 * time.Minute,
			MaxRequests:         3,
			RequestWindow:       time.Hour,
			EnableConfirmLimits: true,
			MaxConfirmAttempts:  5,
			ConfirmWindow:       15 * time.Minute,
			DeliveryTimeout:     10 * time.Second,
		},
		Security: SecurityConfig{
			EnableLoginThrottle:   true,
			EnableIPThrottle:      false,
			RateLimitPrefix:       "arl",
			MaxLoginAttempts:      5,
			LoginCooldownDuration: 15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// Validate checks cross-field constraints and returns the first violation.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be greater than AccessTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Chain
	if c.Chain.RedisPrefix == "" {
		return errors.New("Chain RedisPrefix must not be empty")
	}
	if c.Chain.RecordRetention < 0 {
		return errors.New("Chain RecordRetention must be >= 0")
	}
	if c.Chain.RecordRetention > 0 && c.Chain.RecordRetention <= c.JWT.RefreshTTL {
		return errors.New("Chain RecordRetention must exceed JWT RefreshTTL")
	}
	if c.Chain.MaxChainWalk <= 0 {
		return errors.New("Chain MaxChainWalk must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 10 {
		return errors.New("Password MinLength must be >= 10")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}

	// Password reset
	if c.PasswordReset.Enabled {
		if c.PasswordReset.RedisPrefix == "" {
			return errors.New("PasswordReset RedisPrefix must not be empty")
		}
		if c.PasswordReset.ResetTTL <= 0 {
			return errors.New("PasswordReset ResetTTL must be > 0")
		}
		if c.PasswordReset.ResetTTL > time.Hour {
			return errors.New("PasswordReset ResetTTL must be <= 1h")
		}
		if c.PasswordReset.MaxRequests <= 0 || c.PasswordReset.RequestWindow <= 0 {
			return errors.New("PasswordReset MaxRequests and RequestWindow must be > 0")
		}
		if c.PasswordReset.EnableConfirmLimits &&
			(c.PasswordReset.MaxConfirmAttempts <= 0 || c.PasswordReset.ConfirmWindow <= 0) {
			return errors.New("PasswordReset MaxConfirmAttempts and ConfirmWindow must be > 0 when confirm limits are enabled")
		}
		if c.PasswordReset.DeliveryTimeout <= 0 {
			return errors.New("PasswordReset DeliveryTimeout must be > 0")
		}
	}

	// Security
	if c.Security.EnableLoginThrottle {
		if c.Security.MaxLoginAttempts <= 0 {
			return errors.New("Security MaxLoginAttempts must be > 0")
		}
		if c.Security.LoginCooldownDuration <= 0 {
			return errors.New("Security LoginCooldownDuration must be > 0")
		}
	}
	if c.Security.EnableIPThrottle && !c.Security.EnableLoginThrottle {
		return errors.New("Security EnableIPThrottle requires EnableLoginThrottle")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
