package chainauth

import (
	"time"

	"github.com/idatt2105/chainauth/internal/security"
)

// SecurityReport is a read-only snapshot of the engine's effective posture,
// returned by [Engine.SecurityReport].
type SecurityReport struct {
	SigningAlgorithm    string
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	Argon2              PasswordConfigReport
	ChainStore          string
	RecordRetention     time.Duration
	RetentionCoversTTL  bool
	LoginThrottleActive bool
	IPThrottleActive    bool
	PasswordResetActive bool
	ResetConfirmLimited bool
	ResetTTL            time.Duration
	AuditEnabled        bool
	MetricsEnabled      bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// SecurityReport contains no key material.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	r := security.BuildReport(security.ReportInput{
		SigningAlgorithm: e.config.JWT.SigningMethod,
		AccessTTL:        e.config.JWT.AccessTTL,
		RefreshTTL:       e.config.JWT.RefreshTTL,
		Password: security.PasswordReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		CustomStore:           e.customStore,
		RecordRetention:       e.config.Chain.RecordRetention,
		EnableLoginThrottle:   e.rateLimiter != nil,
		EnableIPThrottle:      e.config.Security.EnableIPThrottle,
		MaxLoginAttempts:      e.config.Security.MaxLoginAttempts,
		LoginCooldownDuration: e.config.Security.LoginCooldownDuration,
		PasswordResetEnabled:  e.config.PasswordReset.Enabled,
		EnableConfirmLimits:   e.config.PasswordReset.EnableConfirmLimits,
		ResetTTL:              e.config.PasswordReset.ResetTTL,
		AuditEnabled:          e.config.Audit.Enabled,
		MetricsEnabled:        e.config.Metrics.Enabled,
	})

	return SecurityReport{
		SigningAlgorithm:    r.SigningAlgorithm,
		AccessTTL:           r.AccessTTL,
		RefreshTTL:          r.RefreshTTL,
		Argon2:              PasswordConfigReport(r.Argon2),
		ChainStore:          r.ChainStore,
		RecordRetention:     r.RecordRetention,
		RetentionCoversTTL:  r.RetentionCoversTTL,
		LoginThrottleActive: r.LoginThrottleActive,
		IPThrottleActive:    r.IPThrottleActive,
		PasswordResetActive: r.PasswordResetActive,
		ResetConfirmLimited: r.ResetConfirmLimited,
		ResetTTL:            r.ResetTTL,
		AuditEnabled:        r.AuditEnabled,
		MetricsEnabled:      r.MetricsEnabled,
	}
}
