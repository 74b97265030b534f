package flows

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type PasswordResetUser struct {
	SubjectID  string
	Identifier string
}

type PasswordResetStoreRecord struct {
	TokenID   string
	SubjectID string
	ExpiresAt int64
	Consumed  bool
}

// PasswordResetDeliveryRecord is what the mailer receives.
type PasswordResetDeliveryRecord struct {
	SubjectID  string
	Identifier string
	TokenID    string
	ExpiresAt  time.Time
}

type PasswordResetMetrics struct {
	PasswordResetRequest        int
	PasswordResetRateLimited    int
	PasswordResetConfirmSuccess int
	PasswordResetConfirmFailure int
	PasswordResetReplay         int
}

type PasswordResetEvents struct {
	PasswordResetRequest string
	PasswordResetConfirm string
	PasswordResetReplay  string
}

type PasswordResetErrors struct {
	EngineNotReady            error
	PasswordResetInvalid      error
	PasswordResetExpired      error
	PasswordResetConsumed     error
	PasswordResetRateLimited  error
	PasswordResetUnavailable  error
	PasswordPolicy            error
	SessionInvalidationFailed error
}

type PasswordResetDeps struct {
	ResetTTL time.Duration
	Now      func() time.Time

	CheckRequestLimiter func(context.Context, string) error
	CheckConfirmLimiter func(context.Context, string) error
	IsRateLimited       func(error) bool

	GetUserByIdentifier func(context.Context, string) (PasswordResetUser, error)
	CheckPasswordPolicy func(string) error
	HashPassword        func(string) (string, error)
	UpdatePasswordHash  func(context.Context, string, string) error
	InvalidateSubject   func(context.Context, string) (int, error)

	NewResetID         func() (string, error)
	ValidResetID       func(string) bool
	SaveResetRecord    func(context.Context, PasswordResetStoreRecord, time.Duration) error
	ConsumeResetRecord func(context.Context, string, time.Time) (PasswordResetStoreRecord, error)
	MapStoreError      func(error) error

	Deliver func(context.Context, PasswordResetDeliveryRecord)

	// SleepEnumerationDelay pads the unknown-identifier path so it takes
	// about as long as a real request.
	SleepEnumerationDelay func(context.Context) error

	MetricInc     func(int)
	EmitAudit     func(ctx context.Context, event string, success bool, subjectID, tokenID string, err error, metadata func() map[string]string)
	EmitRateLimit func(ctx context.Context, scope string, metadata func() map[string]string)

	Metrics PasswordResetMetrics
	Events  PasswordResetEvents
	Errors  PasswordResetErrors
}

// RunRequestPasswordReset issues a single-use reset token for identifier and
// hands it to the mailer. Unknown identifiers succeed without side effects.
func RunRequestPasswordReset(ctx context.Context, identifier string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)

	if deps.GetUserByIdentifier == nil || deps.NewResetID == nil || deps.SaveResetRecord == nil || deps.Deliver == nil {
		return deps.Errors.EngineNotReady
	}
	if identifier == "" {
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, "", "", deps.Errors.PasswordResetInvalid, func() map[string]string {
			return map[string]string{
				"reason": "empty_identifier",
			}
		})
		return deps.Errors.PasswordResetInvalid
	}

	identifierMeta := func() map[string]string {
		return map[string]string{
			"identifier": identifier,
		}
	}

	if deps.CheckRequestLimiter != nil {
		if err := deps.CheckRequestLimiter(ctx, identifier); err != nil {
			mapped := deps.Errors.PasswordResetUnavailable
			if deps.IsRateLimited(err) {
				mapped = deps.Errors.PasswordResetRateLimited
				deps.MetricInc(deps.Metrics.PasswordResetRateLimited)
				deps.EmitRateLimit(ctx, "password_reset_request", identifierMeta)
			}
			deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, "", "", mapped, identifierMeta)
			return mapped
		}
	}

	user, err := deps.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if deps.SleepEnumerationDelay != nil {
			if err := deps.SleepEnumerationDelay(ctx); err != nil {
				return err
			}
		}
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, true, "", "", nil, func() map[string]string {
			return map[string]string{
				"identifier":       identifier,
				"enumeration_safe": "true",
			}
		})
		deps.MetricInc(deps.Metrics.PasswordResetRequest)
		return nil
	}

	resetID, err := deps.NewResetID()
	if err != nil {
		return fmt.Errorf("%w: %v", deps.Errors.PasswordResetUnavailable, err)
	}

	expiresAt := deps.Now().Add(deps.ResetTTL)
	record := PasswordResetStoreRecord{
		TokenID:   resetID,
		SubjectID: user.SubjectID,
		ExpiresAt: expiresAt.Unix(),
	}
	if err := deps.SaveResetRecord(ctx, record, deps.ResetTTL); err != nil {
		mapped := deps.MapStoreError(err)
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, user.SubjectID, "", mapped, identifierMeta)
		return mapped
	}

	deps.Deliver(ctx, PasswordResetDeliveryRecord{
		SubjectID:  user.SubjectID,
		Identifier: identifier,
		TokenID:    resetID,
		ExpiresAt:  expiresAt,
	})

	deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, true, user.SubjectID, "", nil, identifierMeta)
	deps.MetricInc(deps.Metrics.PasswordResetRequest)
	return nil
}

// RunConfirmPasswordReset consumes a reset token, stores the new password hash
// and invalidates every chain of the subject. The password policy is checked
// before the token is consumed so a rejected password leaves it usable.
func RunConfirmPasswordReset(ctx context.Context, tokenID, newPassword string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)

	if deps.ConsumeResetRecord == nil ||
		deps.HashPassword == nil ||
		deps.UpdatePasswordHash == nil ||
		deps.InvalidateSubject == nil {
		return deps.Errors.EngineNotReady
	}

	fail := func(subjectID string, err error, reason string) error {
		deps.MetricInc(deps.Metrics.PasswordResetConfirmFailure)
		deps.EmitAudit(ctx, deps.Events.PasswordResetConfirm, false, subjectID, "", err, func() map[string]string {
			return map[string]string{
				"reset_id": tokenID,
				"reason":   reason,
			}
		})
		return err
	}

	if tokenID == "" || !deps.ValidResetID(tokenID) {
		return fail("", deps.Errors.PasswordResetInvalid, "malformed_id")
	}

	if deps.CheckConfirmLimiter != nil {
		if err := deps.CheckConfirmLimiter(ctx, tokenID); err != nil {
			if deps.IsRateLimited(err) {
				deps.EmitRateLimit(ctx, "password_reset_confirm", func() map[string]string {
					return map[string]string{
						"reset_id": tokenID,
					}
				})
				return fail("", deps.Errors.PasswordResetRateLimited, "rate_limited")
			}
			return fail("", deps.Errors.PasswordResetUnavailable, "limiter_unavailable")
		}
	}

	if err := deps.CheckPasswordPolicy(newPassword); err != nil {
		return fail("", deps.Errors.PasswordPolicy, "password_policy")
	}

	// Hash first so a hasher rejection leaves the reset token usable.
	newHash, err := deps.HashPassword(newPassword)
	if err != nil {
		return fail("", deps.Errors.PasswordPolicy, "hash_policy")
	}

	record, err := deps.ConsumeResetRecord(ctx, tokenID, deps.Now())
	if err != nil {
		mapped := deps.MapStoreError(err)
		if errors.Is(mapped, deps.Errors.PasswordResetConsumed) {
			deps.MetricInc(deps.Metrics.PasswordResetReplay)
			deps.EmitAudit(ctx, deps.Events.PasswordResetReplay, false, "", "", mapped, func() map[string]string {
				return map[string]string{
					"reset_id": tokenID,
				}
			})
		}
		return fail("", mapped, "consume_failed")
	}

	if err := deps.UpdatePasswordHash(ctx, record.SubjectID, newHash); err != nil {
		_ = fail(record.SubjectID, err, "update_hash_failed")
		return err
	}

	if _, err := deps.InvalidateSubject(ctx, record.SubjectID); err != nil {
		_ = fail(record.SubjectID, deps.Errors.SessionInvalidationFailed, "chain_invalidation_failed")
		return errors.Join(deps.Errors.SessionInvalidationFailed, err)
	}

	deps.MetricInc(deps.Metrics.PasswordResetConfirmSuccess)
	deps.EmitAudit(ctx, deps.Events.PasswordResetConfirm, true, record.SubjectID, "", nil, nil)
	return nil
}

func normalizePasswordResetDeps(deps *PasswordResetDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.EmitRateLimit == nil {
		deps.EmitRateLimit = func(context.Context, string, func() map[string]string) {}
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.MapStoreError == nil {
		deps.MapStoreError = func(error) error { return deps.Errors.PasswordResetUnavailable }
	}
	if deps.ValidResetID == nil {
		deps.ValidResetID = func(string) bool { return true }
	}
	if deps.CheckPasswordPolicy == nil {
		deps.CheckPasswordPolicy = func(string) error { return nil }
	}
}
