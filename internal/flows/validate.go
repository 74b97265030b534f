package flows

import (
	"errors"

	"github.com/idatt2105/chainauth/jwt"
)

// ValidateFailureKind classifies access token validation failures.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureMalformed
	ValidateFailureSignature
	ValidateFailureExpired
)

// ValidateResult returns either the claims or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.Claims
}

// ValidateDeps captures access validation dependencies.
type ValidateDeps struct {
	VerifyKind func(token string, kind jwt.Kind) (*jwt.Claims, error)
}

// RunValidateAccess verifies an access token without touching storage.
func RunValidateAccess(token string, deps ValidateDeps) ValidateResult {
	claims, err := deps.VerifyKind(token, jwt.KindAccess)
	if err == nil {
		return ValidateResult{Claims: claims}
	}
	return ValidateResult{Failure: ClassifyTokenError(err), Err: err}
}

// ClassifyTokenError maps codec errors onto validation failure kinds.
func ClassifyTokenError(err error) ValidateFailureKind {
	switch {
	case err == nil:
		return ValidateFailureNone
	case errors.Is(err, jwt.ErrExpired):
		return ValidateFailureExpired
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return ValidateFailureSignature
	default:
		return ValidateFailureMalformed
	}
}
