package chainauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventLoginRateLimited     = "login_rate_limited"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshFailure       = "refresh_failure"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventUnknownToken         = "refresh_unknown_token"
	auditEventChainInvalidated     = "chain_invalidated"
	auditEventLogoutAll            = "logout_all"
	auditEventLogoutEverywhere     = "logout_everywhere"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventPasswordResetReplay  = "password_reset_replay"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
)

// AuditErrorCode is the stable error label written to audit events.
type AuditErrorCode string

const (
	auditErrUnauthorized        AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrRefreshReuse        AuditErrorCode = "refresh_reuse"
	auditErrUnknownToken        AuditErrorCode = "unknown_token"
	auditErrInvalidToken        AuditErrorCode = "invalid_token"
	auditErrExpiredToken        AuditErrorCode = "expired_token"
	auditErrNotFound            AuditErrorCode = "not_found"
	auditErrPasswordPolicy      AuditErrorCode = "password_policy"
	auditErrResetConsumed       AuditErrorCode = "reset_consumed"
	auditErrSessionInvalidation AuditErrorCode = "session_invalidation_failed"
	auditErrConflict            AuditErrorCode = "conflict"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subjectID string,
	tokenID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		SubjectID: subjectID,
		TokenID:   tokenID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, metadataBuilder func() map[string]string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", nil, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrLoginRateLimited),
		errors.Is(err, ErrPasswordResetRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrUnknownToken):
		return auditErrUnknownToken
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrPasswordResetExpired):
		return auditErrExpiredToken
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrPasswordResetInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrRefreshTokenNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordResetConsumed):
		return auditErrResetConsumed
	case errors.Is(err, ErrSessionInvalidationFailed):
		return auditErrSessionInvalidation
	case errors.Is(err, ErrConflict):
		return auditErrConflict
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrPrincipalUnavailable),
		errors.Is(err, ErrPasswordResetUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
