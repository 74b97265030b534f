package chainauth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	internalflows "github.com/idatt2105/chainauth/internal/flows"
	"github.com/idatt2105/chainauth/internal/limiters"
	"github.com/idatt2105/chainauth/internal/stores"
)

// RequestPasswordReset issues a single-use reset token for identifier and
// hands it to the [ResetMailer] in the background. Unknown identifiers
// return nil so callers cannot probe for accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) error {
	if e == nil || !e.config.PasswordReset.Enabled {
		return ErrEngineNotReady
	}
	return internalflows.RunRequestPasswordReset(ctx, identifier, e.flows.PasswordReset)
}

// ConfirmPasswordReset redeems tokenID, stores the hash of newPassword and
// revokes every chain of the subject. A token is redeemable once.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, tokenID, newPassword string) error {
	if e == nil || !e.config.PasswordReset.Enabled {
		return ErrEngineNotReady
	}
	return internalflows.RunConfirmPasswordReset(ctx, tokenID, newPassword, e.flows.PasswordReset)
}

func (e *Engine) passwordResetFlowDeps() internalflows.PasswordResetDeps {
	cfg := e.config

	deps := internalflows.PasswordResetDeps{
		ResetTTL:      cfg.PasswordReset.ResetTTL,
		Now:           time.Now,
		IsRateLimited: isResetRateLimited,
		GetUserByIdentifier: func(ctx context.Context, identifier string) (internalflows.PasswordResetUser, error) {
			user, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
			if err != nil {
				return internalflows.PasswordResetUser{}, err
			}
			return internalflows.PasswordResetUser{
				SubjectID:  user.SubjectID,
				Identifier: user.Identifier,
			}, nil
		},
		CheckPasswordPolicy: e.checkPasswordPolicy,
		HashPassword:        e.passwordHash.Hash,
		UpdatePasswordHash:  e.userProvider.UpdatePasswordHash,
		InvalidateSubject: func(ctx context.Context, subjectID string) (int, error) {
			n, err := e.store.InvalidateSubject(ctx, subjectID)
			if err == nil && n > 0 {
				e.metricInc(MetricChainInvalidated)
			}
			return n, err
		},
		NewResetID:            newTokenID,
		ValidResetID:          validResetID,
		MapStoreError:         mapPasswordResetStoreError,
		Deliver:               e.deliverPasswordReset,
		SleepEnumerationDelay: sleepPasswordResetEnumerationDelay,
		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		EmitAudit:     e.emitAudit,
		EmitRateLimit: e.emitRateLimit,
		Metrics: internalflows.PasswordResetMetrics{
			PasswordResetRequest:        int(MetricPasswordResetRequest),
			PasswordResetRateLimited:    int(MetricPasswordResetRateLimited),
			PasswordResetConfirmSuccess: int(MetricPasswordResetConfirmSuccess),
			PasswordResetConfirmFailure: int(MetricPasswordResetConfirmFailure),
			PasswordResetReplay:         int(MetricPasswordResetReplay),
		},
		Events: internalflows.PasswordResetEvents{
			PasswordResetRequest: auditEventPasswordResetRequest,
			PasswordResetConfirm: auditEventPasswordResetConfirm,
			PasswordResetReplay:  auditEventPasswordResetReplay,
		},
		Errors: internalflows.PasswordResetErrors{
			EngineNotReady:            ErrEngineNotReady,
			PasswordResetInvalid:      ErrPasswordResetInvalid,
			PasswordResetExpired:      ErrPasswordResetExpired,
			PasswordResetConsumed:     ErrPasswordResetConsumed,
			PasswordResetRateLimited:  ErrPasswordResetRateLimited,
			PasswordResetUnavailable:  ErrPasswordResetUnavailable,
			PasswordPolicy:            ErrPasswordPolicy,
			SessionInvalidationFailed: ErrSessionInvalidationFailed,
		},
	}

	if e.resetLimiter != nil {
		deps.CheckRequestLimiter = e.resetLimiter.CheckRequest
		deps.CheckConfirmLimiter = e.resetLimiter.CheckConfirm
	}
	if e.resetStore != nil {
		deps.SaveResetRecord = func(ctx context.Context, record internalflows.PasswordResetStoreRecord, ttl time.Duration) error {
			return e.resetStore.Save(ctx, &stores.PasswordResetRecord{
				TokenID:   record.TokenID,
				SubjectID: record.SubjectID,
				ExpiresAt: record.ExpiresAt,
			}, ttl)
		}
		deps.ConsumeResetRecord = func(ctx context.Context, resetID string, now time.Time) (internalflows.PasswordResetStoreRecord, error) {
			record, err := e.resetStore.Consume(ctx, resetID, now)
			if err != nil {
				return internalflows.PasswordResetStoreRecord{}, err
			}
			return internalflows.PasswordResetStoreRecord{
				TokenID:   record.TokenID,
				SubjectID: record.SubjectID,
				ExpiresAt: record.ExpiresAt,
				Consumed:  record.Consumed,
			}, nil
		}
	}

	return deps
}

// deliverPasswordReset runs the mailer detached from the request context.
// Close waits for in-flight deliveries.
func (e *Engine) deliverPasswordReset(ctx context.Context, d internalflows.PasswordResetDeliveryRecord) {
	if e.mailer == nil {
		return
	}
	e.deliveries.Add(1)
	go func() {
		defer e.deliveries.Done()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.PasswordReset.DeliveryTimeout)
		defer cancel()

		err := e.mailer.SendPasswordReset(dctx, PasswordResetDelivery{
			SubjectID:  d.SubjectID,
			Identifier: d.Identifier,
			TokenID:    d.TokenID,
			ExpiresAt:  d.ExpiresAt,
		})
		if err != nil {
			e.metricInc(MetricResetDeliveryFailure)
			e.logger.Error(dctx, "password reset delivery failed", "subject_id", d.SubjectID, "error", err)
		}
	}()
}

func (e *Engine) checkPasswordPolicy(pw string) error {
	if len(pw) < e.config.Password.MinLength || len(pw) > e.config.Password.MaxLength {
		return ErrPasswordPolicy
	}
	return nil
}

func validResetID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isResetRateLimited(err error) bool {
	return errors.Is(err, limiters.ErrResetRateLimited)
}

func mapPasswordResetStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrResetNotFound):
		return ErrPasswordResetInvalid
	case errors.Is(err, stores.ErrResetExpired):
		return ErrPasswordResetExpired
	case errors.Is(err, stores.ErrResetConsumed):
		return ErrPasswordResetConsumed
	default:
		return ErrPasswordResetUnavailable
	}
}

func sleepPasswordResetEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
