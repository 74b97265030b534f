package chainauth

import "errors"

var (
	// ErrMalformed is returned for tokens that cannot be decoded or carry the wrong kind.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned when a token's signature does not verify.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrUnknownToken is returned for well-formed refresh tokens with no chain record.
	ErrUnknownToken = errors.New("unknown refresh token")
	// ErrRefreshReuse is returned when a rotated or revoked refresh token is
	// presented again. The chain from that token onward has been invalidated.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginRateLimited   = errors.New("login rate limited")
	ErrUnauthorized       = errors.New("unauthorized")

	// ErrPrincipalNotFound is returned by a PrincipalResolver when the subject
	// no longer exists.
	ErrPrincipalNotFound    = errors.New("principal not found")
	ErrPrincipalUnavailable = errors.New("principal resolver unavailable")

	ErrConflict         = errors.New("chain record conflict")
	ErrStoreUnavailable = errors.New("chain store unavailable")
	ErrTokenIssue       = errors.New("token issue failed")

	ErrPasswordResetInvalid     = errors.New("password reset token invalid")
	ErrPasswordResetExpired     = errors.New("password reset token expired")
	ErrPasswordResetConsumed    = errors.New("password reset token already used")
	ErrPasswordResetRateLimited = errors.New("password reset rate limited")
	ErrPasswordResetUnavailable = errors.New("password reset backend unavailable")
	ErrPasswordPolicy           = errors.New("password policy violation")
	// ErrSessionInvalidationFailed is joined with the store error when a
	// password was changed but the subject's chains could not be revoked.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")

	ErrEngineNotReady = errors.New("engine not initialized")
)
