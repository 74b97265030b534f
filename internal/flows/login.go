package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/idatt2105/chainauth/chain"
	"github.com/idatt2105/chainauth/jwt"
)

// LoginResult is the flow-local login response shape.
type LoginResult struct {
	SubjectID    string
	TokenID      string
	Roles        []string
	AccessToken  string
	RefreshToken string
}

// LoginUserRecord is a flow-local user model.
type LoginUserRecord struct {
	SubjectID    string
	Identifier   string
	PasswordHash string
}

// LoginMetrics carries metric IDs needed by the login flow.
type LoginMetrics struct {
	LoginSuccess     int
	LoginFailure     int
	LoginRateLimited int
	ChainCreated     int
}

// LoginEvents carries audit event names used by the login flow.
type LoginEvents struct {
	LoginSuccess     string
	LoginFailure     string
	LoginRateLimited string
}

// LoginErrors carries host-level sentinel errors used by the login flow.
type LoginErrors struct {
	EngineNotReady       error
	InvalidCredentials   error
	LoginRateLimited     error
	PrincipalUnavailable error
	StoreUnavailable     error
	Conflict             error
	TokenIssue           error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	ClientIPFromContext func(context.Context) string

	CheckLoginRate     func(context.Context, string, string) error
	IncrementLoginRate func(context.Context, string, string) error
	ResetLoginRate     func(context.Context, string) error

	GetUserByIdentifier func(context.Context, string) (LoginUserRecord, error)
	VerifyPassword      func(string, string) (bool, error)
	ResolveRoles        func(context.Context, string) ([]string, error)

	Tokens TokenIssuer
	Store  chain.Store

	MetricInc     func(int)
	EmitAudit     func(ctx context.Context, event string, success bool, subjectID, tokenID string, err error, metadata func() map[string]string)
	EmitRateLimit func(ctx context.Context, scope string, metadata func() map[string]string)
	Warn          func(ctx context.Context, msg string, args ...any)

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

func normalizeLoginDeps(deps *LoginDeps) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.EmitRateLimit == nil {
		deps.EmitRateLimit = func(context.Context, string, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(context.Context, string, ...any) {}
	}
	if deps.ClientIPFromContext == nil {
		deps.ClientIPFromContext = func(context.Context) string { return "" }
	}
}

// RunLogin verifies credentials and opens a new chain with a fresh token pair.
// Unknown identifiers and wrong passwords are indistinguishable to the caller.
func RunLogin(ctx context.Context, identifier, password string, deps LoginDeps) (*LoginResult, error) {
	normalizeLoginDeps(&deps)
	if deps.GetUserByIdentifier == nil ||
		deps.VerifyPassword == nil ||
		deps.ResolveRoles == nil ||
		deps.Tokens == nil ||
		deps.Store == nil {
		return nil, deps.Errors.EngineNotReady
	}

	ip := deps.ClientIPFromContext(ctx)
	identifierMeta := func() map[string]string {
		return map[string]string{
			"identifier": identifier,
		}
	}

	rateLimited := func(subjectID string) (*LoginResult, error) {
		deps.MetricInc(deps.Metrics.LoginRateLimited)
		deps.EmitAudit(ctx, deps.Events.LoginRateLimited, false, subjectID, "", deps.Errors.LoginRateLimited, identifierMeta)
		deps.EmitRateLimit(ctx, "login", identifierMeta)
		return nil, deps.Errors.LoginRateLimited
	}

	invalid := func(subjectID, reason string) (*LoginResult, error) {
		if deps.IncrementLoginRate != nil {
			if err := deps.IncrementLoginRate(ctx, identifier, ip); err != nil {
				return rateLimited(subjectID)
			}
		}
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, subjectID, "", deps.Errors.InvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     reason,
			}
		})
		return nil, deps.Errors.InvalidCredentials
	}

	if deps.CheckLoginRate != nil {
		if err := deps.CheckLoginRate(ctx, identifier, ip); err != nil {
			return rateLimited("")
		}
	}

	if identifier == "" || password == "" {
		return invalid("", "empty_credentials")
	}

	user, err := deps.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return invalid("", "user_not_found")
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return invalid(user.SubjectID, "password_mismatch")
	}
	password = ""

	roles, err := deps.ResolveRoles(ctx, user.SubjectID)
	if err != nil {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.SubjectID, "", deps.Errors.PrincipalUnavailable, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "principal_lookup_failed",
			}
		})
		return nil, fmt.Errorf("%w: %v", deps.Errors.PrincipalUnavailable, err)
	}

	access, _, err := deps.Tokens.Mint(user.SubjectID, roles, jwt.KindAccess)
	if err != nil {
		deps.MetricInc(deps.Metrics.LoginFailure)
		return nil, fmt.Errorf("%w: %v", deps.Errors.TokenIssue, err)
	}
	refresh, tokenID, err := deps.Tokens.Mint(user.SubjectID, roles, jwt.KindRefresh)
	if err != nil {
		deps.MetricInc(deps.Metrics.LoginFailure)
		return nil, fmt.Errorf("%w: %v", deps.Errors.TokenIssue, err)
	}

	if _, err := deps.Store.CreateHead(ctx, tokenID, user.SubjectID); err != nil {
		deps.MetricInc(deps.Metrics.LoginFailure)
		mapped := deps.Errors.StoreUnavailable
		if errors.Is(err, chain.ErrConflict) {
			mapped = deps.Errors.Conflict
		}
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.SubjectID, tokenID, mapped, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "chain_create_failed",
			}
		})
		return nil, fmt.Errorf("%w: %v", mapped, err)
	}

	if deps.ResetLoginRate != nil {
		if err := deps.ResetLoginRate(ctx, identifier); err != nil {
			deps.Warn(ctx, "chainauth: login limiter reset failed", "error", err)
		}
	}

	deps.MetricInc(deps.Metrics.ChainCreated)
	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, user.SubjectID, tokenID, nil, identifierMeta)

	return &LoginResult{
		SubjectID:    user.SubjectID,
		TokenID:      tokenID,
		Roles:        roles,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}
