package security

import "time"

type PasswordReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Report summarizes the effective security posture of a built engine.
type Report struct {
	SigningAlgorithm    string
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	Argon2              PasswordReport
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

type ReportInput struct {
	SigningAlgorithm      string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	Password              PasswordReport
	CustomStore           bool
	RecordRetention       time.Duration
	EnableLoginThrottle   bool
	EnableIPThrottle      bool
	MaxLoginAttempts      int
	LoginCooldownDuration time.Duration
	PasswordResetEnabled  bool
	EnableConfirmLimits   bool
	ResetTTL              time.Duration
	AuditEnabled          bool
	MetricsEnabled        bool
}

func BuildReport(input ReportInput) Report {
	throttle := input.EnableLoginThrottle &&
		input.MaxLoginAttempts > 0 &&
		input.LoginCooldownDuration > 0

	store := "redis"
	retention := input.RecordRetention
	if input.CustomStore {
		store = "custom"
		retention = 0
	}

	return Report{
		SigningAlgorithm:    input.SigningAlgorithm,
		AccessTTL:           input.AccessTTL,
		RefreshTTL:          input.RefreshTTL,
		Argon2:              input.Password,
		ChainStore:          store,
		RecordRetention:     retention,
		RetentionCoversTTL:  retention == 0 || retention > input.RefreshTTL,
		LoginThrottleActive: throttle,
		IPThrottleActive:    throttle && input.EnableIPThrottle,
		PasswordResetActive: input.PasswordResetEnabled,
		ResetConfirmLimited: input.PasswordResetEnabled && input.EnableConfirmLimits,
		ResetTTL:            input.ResetTTL,
		AuditEnabled:        input.AuditEnabled,
		MetricsEnabled:      input.MetricsEnabled,
	}
}
