package flows

import (
	"context"
	"errors"

	"github.com/idatt2105/chainauth/chain"
	"github.com/idatt2105/chainauth/jwt"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureVerify
	RefreshFailureUnknownToken
	RefreshFailureReuse
	RefreshFailurePrincipal
	RefreshFailureTokenID
	RefreshFailureStore
	RefreshFailureIssue
)

// RefreshResult carries either the issued token pair or failure metadata.
// TokenID is the presented token's id; NewTokenID is the minted successor.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	SubjectID    string
	TokenID      string
	NewTokenID   string
	Invalidated  int
	Roles        []string
	AccessToken  string
	RefreshToken string
}

// TokenIssuer is the token codec surface used by the flows.
type TokenIssuer interface {
	VerifyKind(token string, kind jwt.Kind) (*jwt.Claims, error)
	Mint(subjectID string, roles []string, kind jwt.Kind) (string, string, error)
	MintWithID(tokenID, subjectID string, roles []string, kind jwt.Kind) (string, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Tokens            TokenIssuer
	Store             chain.Store
	ResolveRoles      func(ctx context.Context, subjectID string) ([]string, error)
	PrincipalNotFound error
	NewTokenID        func() (string, error)
	Warn              func(ctx context.Context, msg string, args ...any)
}

// RunRefresh exchanges a refresh token for a new pair. The store's Rotate is
// the only step that decides a race: whoever loses it is treated as a replay
// and the chain from the presented token onward is invalidated.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	warn := deps.Warn
	if warn == nil {
		warn = func(context.Context, string, ...any) {}
	}

	claims, err := deps.Tokens.VerifyKind(refreshToken, jwt.KindRefresh)
	if err != nil {
		return RefreshResult{
			Failure: RefreshFailureVerify,
			Err:     err,
		}
	}
	tokenID := claims.TokenID()
	subjectID := claims.SubjectID()

	rec, err := deps.Store.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return RefreshResult{
				Failure:   RefreshFailureUnknownToken,
				Err:       err,
				SubjectID: subjectID,
				TokenID:   tokenID,
			}
		}
		return RefreshResult{
			Failure:   RefreshFailureStore,
			Err:       err,
			SubjectID: subjectID,
			TokenID:   tokenID,
		}
	}
	if rec.SubjectID != subjectID {
		return RefreshResult{
			Failure:   RefreshFailureUnknownToken,
			Err:       errors.New("chain record subject mismatch"),
			SubjectID: subjectID,
			TokenID:   tokenID,
		}
	}

	roles, err := deps.ResolveRoles(ctx, subjectID)
	if err != nil {
		kind := RefreshFailurePrincipal
		if deps.PrincipalNotFound != nil && errors.Is(err, deps.PrincipalNotFound) {
			kind = RefreshFailureUnknownToken
		}
		return RefreshResult{
			Failure:   kind,
			Err:       err,
			SubjectID: subjectID,
			TokenID:   tokenID,
		}
	}

	newTokenID, err := deps.NewTokenID()
	if err != nil {
		return RefreshResult{
			Failure:   RefreshFailureTokenID,
			Err:       err,
			SubjectID: subjectID,
			TokenID:   tokenID,
		}
	}

	if _, err := deps.Store.Rotate(ctx, tokenID, newTokenID); err != nil {
		switch {
		case errors.Is(err, chain.ErrStaleOrReused):
			n, invErr := deps.Store.InvalidateFrom(ctx, tokenID)
			if invErr != nil {
				warn(ctx, "chainauth: cascade invalidation after reuse failed",
					"token_id", tokenID, "error", invErr)
			}
			return RefreshResult{
				Failure:     RefreshFailureReuse,
				Err:         err,
				SubjectID:   subjectID,
				TokenID:     tokenID,
				Invalidated: n,
			}
		case errors.Is(err, chain.ErrNotFound):
			return RefreshResult{
				Failure:   RefreshFailureUnknownToken,
				Err:       err,
				SubjectID: subjectID,
				TokenID:   tokenID,
			}
		default:
			return RefreshResult{
				Failure:   RefreshFailureStore,
				Err:       err,
				SubjectID: subjectID,
				TokenID:   tokenID,
			}
		}
	}

	access, _, err := deps.Tokens.Mint(subjectID, roles, jwt.KindAccess)
	if err == nil {
		var refresh string
		refresh, err = deps.Tokens.MintWithID(newTokenID, subjectID, roles, jwt.KindRefresh)
		if err == nil {
			return RefreshResult{
				Failure:      RefreshFailureNone,
				SubjectID:    subjectID,
				TokenID:      tokenID,
				NewTokenID:   newTokenID,
				Roles:        roles,
				AccessToken:  access,
				RefreshToken: refresh,
			}
		}
	}

	// The successor was stored but never handed out; kill it so no live tip
	// exists that nobody holds.
	if _, invErr := deps.Store.InvalidateFrom(ctx, newTokenID); invErr != nil {
		warn(ctx, "chainauth: invalidating unissued successor failed",
			"token_id", newTokenID, "error", invErr)
	}
	return RefreshResult{
		Failure:    RefreshFailureIssue,
		Err:        err,
		SubjectID:  subjectID,
		TokenID:    tokenID,
		NewTokenID: newTokenID,
	}
}
