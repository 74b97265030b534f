package chainauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idatt2105/chainauth/chain"
	internalaudit "github.com/idatt2105/chainauth/internal/audit"
	internalflows "github.com/idatt2105/chainauth/internal/flows"
	"github.com/idatt2105/chainauth/internal/limiters"
	"github.com/idatt2105/chainauth/internal/rate"
	"github.com/idatt2105/chainauth/internal/stores"
	"github.com/idatt2105/chainauth/jwt"
)

// Engine is the authentication facade: login, refresh-token rotation with
// reuse detection, chain invalidation and password reset. It holds no
// per-request mutable state; the chain store's Rotate is the only point
// where concurrent requests are ordered.
type Engine struct {
	config       Config
	tokens       *jwt.Manager
	store        chain.Store
	customStore  bool
	rateLimiter  *rate.Limiter
	resetStore   *stores.PasswordResetStore
	resetLimiter *limiters.PasswordResetLimiter
	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	passwordHash PasswordHasher
	userProvider UserProvider
	principals   PrincipalResolver
	mailer       ResetMailer
	logger       Logger
	flows        internalflows.Deps

	deliveries sync.WaitGroup
}

// Close waits for in-flight reset deliveries and drains the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.deliveries.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Ping reports chain store availability when the store supports it.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	p, ok := e.store.(interface {
		Ping(context.Context) (time.Duration, error)
	})
	if !ok {
		return nil
	}
	if _, err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login verifies credentials and opens a new chain. Unknown identifiers and
// wrong passwords both yield [ErrInvalidCredentials].
func (e *Engine) Login(ctx context.Context, identifier, password string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	res, err := internalflows.RunLogin(ctx, identifier, password, e.flows.Login)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenID:      res.TokenID,
		SubjectID:    res.SubjectID,
	}, nil
}

// Refresh rotates the presented refresh token. A token that was already
// rotated or revoked yields [ErrRefreshReuse] after the chain from it
// onward has been invalidated.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.store == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	res := internalflows.RunRefresh(ctx, refreshToken, e.flows.Refresh)
	e.metrics.Observe(MetricRefreshLatency, time.Since(start))

	if res.Failure == internalflows.RefreshFailureNone {
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.SubjectID, res.NewTokenID, nil, func() map[string]string {
			return map[string]string{
				"previous_token_id": res.TokenID,
			}
		})
		return &TokenPair{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			TokenID:      res.NewTokenID,
			SubjectID:    res.SubjectID,
		}, nil
	}

	e.metricInc(MetricRefreshFailure)
	err := e.mapRefreshFailure(res)

	switch res.Failure {
	case internalflows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		if res.Invalidated > 0 {
			e.metricInc(MetricChainInvalidated)
		}
		e.logger.Warn(ctx, "refresh token reuse detected",
			"subject_id", res.SubjectID, "token_id", res.TokenID, "invalidated", res.Invalidated)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.SubjectID, res.TokenID, err, func() map[string]string {
			return map[string]string{
				"invalidated": fmt.Sprint(res.Invalidated),
			}
		})
	case internalflows.RefreshFailureUnknownToken:
		e.metricInc(MetricUnknownToken)
		e.emitAudit(ctx, auditEventUnknownToken, false, res.SubjectID, res.TokenID, err, nil)
	case internalflows.RefreshFailureIssue:
		e.logger.Error(ctx, "minting after rotation failed",
			"subject_id", res.SubjectID, "token_id", res.TokenID, "error", res.Err)
		e.emitAudit(ctx, auditEventRefreshFailure, false, res.SubjectID, res.TokenID, err, nil)
	default:
		e.emitAudit(ctx, auditEventRefreshFailure, false, res.SubjectID, res.TokenID, err, nil)
	}

	return nil, err
}

func (e *Engine) mapRefreshFailure(res internalflows.RefreshResult) error {
	switch res.Failure {
	case internalflows.RefreshFailureVerify:
		return mapTokenError(res.Err)
	case internalflows.RefreshFailureUnknownToken:
		return ErrUnknownToken
	case internalflows.RefreshFailureReuse:
		return ErrRefreshReuse
	case internalflows.RefreshFailurePrincipal:
		return fmt.Errorf("%w: %v", ErrPrincipalUnavailable, res.Err)
	case internalflows.RefreshFailureStore:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	case internalflows.RefreshFailureTokenID, internalflows.RefreshFailureIssue:
		return fmt.Errorf("%w: %v", ErrTokenIssue, res.Err)
	default:
		return ErrEngineNotReady
	}
}

func mapTokenError(err error) error {
	switch internalflows.ClassifyTokenError(err) {
	case internalflows.ValidateFailureExpired:
		return ErrTokenExpired
	case internalflows.ValidateFailureSignature:
		return ErrSignatureInvalid
	default:
		return ErrMalformed
	}
}

// ValidateAccess verifies an access token. It never touches storage, so a
// revoked chain's access tokens stay valid until they expire.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	res := internalflows.RunValidateAccess(accessToken, e.flows.Validate)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))

	if res.Failure != internalflows.ValidateFailureNone {
		return nil, mapTokenError(res.Err)
	}

	out := &AuthResult{
		SubjectID: res.Claims.SubjectID(),
		TokenID:   res.Claims.TokenID(),
		Roles:     append([]string(nil), res.Claims.Roles...),
	}
	if res.Claims.ExpiresAt != nil {
		out.ExpiresAt = res.Claims.ExpiresAt.Time
	}
	return out, nil
}

// InvalidateSubsequentTokens marks tokenID and every successor invalid and
// returns how many records changed. Repeating the call returns 0.
func (e *Engine) InvalidateSubsequentTokens(ctx context.Context, tokenID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	res := internalflows.RunInvalidateChain(ctx, tokenID, e.flows.Chain)
	if err := mapChainFailure(res); err != nil {
		return 0, err
	}
	if res.Invalidated > 0 {
		e.metricInc(MetricChainInvalidated)
	}
	e.emitAudit(ctx, auditEventChainInvalidated, true, "", tokenID, nil, func() map[string]string {
		return map[string]string{
			"invalidated": fmt.Sprint(res.Invalidated),
		}
	})
	return res.Invalidated, nil
}

// ChainRecord returns the stored record for tokenID.
func (e *Engine) ChainRecord(ctx context.Context, tokenID string) (*ChainRecordView, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	res := internalflows.RunChainLookup(ctx, tokenID, e.flows.Chain)
	if err := mapChainFailure(res); err != nil {
		return nil, err
	}
	view := recordView(res.Record)
	return &view, nil
}

// ChainLineage returns tokenID's record followed by every successor still
// held by the store.
func (e *Engine) ChainLineage(ctx context.Context, tokenID string) ([]ChainRecordView, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	recs, err := chain.Walk(ctx, e.store, tokenID, e.config.Chain.MaxChainWalk)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	out := make([]ChainRecordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView(rec))
	}
	return out, nil
}

// LogoutAll invalidates the chain from tokenID on behalf of subjectID. A
// record owned by someone else is reported as [ErrRefreshTokenNotFound]
// unless admin is set.
func (e *Engine) LogoutAll(ctx context.Context, subjectID, tokenID string, admin bool) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	res := internalflows.RunLogoutAll(ctx, subjectID, tokenID, admin, e.flows.Chain)
	if err := mapChainFailure(res); err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, subjectID, tokenID, err, nil)
		return 0, err
	}
	e.metricInc(MetricLogoutAll)
	if res.Invalidated > 0 {
		e.metricInc(MetricChainInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, subjectID, tokenID, nil, func() map[string]string {
		return map[string]string{
			"invalidated": fmt.Sprint(res.Invalidated),
			"admin":       fmt.Sprint(admin),
		}
	})
	return res.Invalidated, nil
}

// LogoutEverywhere invalidates every live chain of subjectID.
func (e *Engine) LogoutEverywhere(ctx context.Context, subjectID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	res := internalflows.RunLogoutEverywhere(ctx, subjectID, e.flows.Chain)
	if err := mapChainFailure(res); err != nil {
		e.emitAudit(ctx, auditEventLogoutEverywhere, false, subjectID, "", err, nil)
		return 0, err
	}
	e.metricInc(MetricLogoutEverywhere)
	e.emitAudit(ctx, auditEventLogoutEverywhere, true, subjectID, "", nil, func() map[string]string {
		return map[string]string{
			"invalidated": fmt.Sprint(res.Invalidated),
		}
	})
	return res.Invalidated, nil
}

func mapChainFailure(res internalflows.ChainResult) error {
	switch res.Failure {
	case internalflows.ChainFailureNone:
		return nil
	case internalflows.ChainFailureNotFound, internalflows.ChainFailureForbidden:
		return ErrRefreshTokenNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	}
}

func recordView(rec *chain.Record) ChainRecordView {
	return ChainRecordView{
		TokenID:   rec.TokenID,
		SubjectID: rec.SubjectID,
		Valid:     rec.Valid,
		Next:      rec.Next,
		State:     rec.State().String(),
		CreatedAt: rec.CreatedAt,
	}
}

func newTokenID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (e *Engine) buildFlowDeps() internalflows.Deps {
	return internalflows.Deps{
		Login: e.loginFlowDeps(),
		Refresh: internalflows.RefreshDeps{
			Tokens:            e.tokens,
			Store:             e.store,
			ResolveRoles:      e.principals.ResolveRoles,
			PrincipalNotFound: ErrPrincipalNotFound,
			NewTokenID:        newTokenID,
			Warn:              e.logger.Warn,
		},
		Validate: internalflows.ValidateDeps{
			VerifyKind: e.tokens.VerifyKind,
		},
		Chain: internalflows.ChainDeps{
			Store: e.store,
		},
		PasswordReset: e.passwordResetFlowDeps(),
	}
}

func (e *Engine) loginFlowDeps() internalflows.LoginDeps {
	deps := internalflows.LoginDeps{
		ClientIPFromContext: clientIPFromContext,
		GetUserByIdentifier: func(ctx context.Context, identifier string) (internalflows.LoginUserRecord, error) {
			user, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
			if err != nil {
				return internalflows.LoginUserRecord{}, err
			}
			return internalflows.LoginUserRecord{
				SubjectID:    user.SubjectID,
				Identifier:   user.Identifier,
				PasswordHash: user.PasswordHash,
			}, nil
		},
		VerifyPassword: e.passwordHash.Verify,
		ResolveRoles:   e.principals.ResolveRoles,
		Tokens:         e.tokens,
		Store:          e.store,
		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		EmitAudit:     e.emitAudit,
		EmitRateLimit: e.emitRateLimit,
		Warn:          e.logger.Warn,
		Metrics: internalflows.LoginMetrics{
			LoginSuccess:     int(MetricLoginSuccess),
			LoginFailure:     int(MetricLoginFailure),
			LoginRateLimited: int(MetricLoginRateLimited),
			ChainCreated:     int(MetricChainCreated),
		},
		Events: internalflows.LoginEvents{
			LoginSuccess:     auditEventLoginSuccess,
			LoginFailure:     auditEventLoginFailure,
			LoginRateLimited: auditEventLoginRateLimited,
		},
		Errors: internalflows.LoginErrors{
			EngineNotReady:       ErrEngineNotReady,
			InvalidCredentials:   ErrInvalidCredentials,
			LoginRateLimited:     ErrLoginRateLimited,
			PrincipalUnavailable: ErrPrincipalUnavailable,
			StoreUnavailable:     ErrStoreUnavailable,
			Conflict:             ErrConflict,
			TokenIssue:           ErrTokenIssue,
		},
	}
	if e.rateLimiter != nil {
		deps.CheckLoginRate = e.rateLimiter.CheckLogin
		deps.IncrementLoginRate = e.rateLimiter.IncrementLogin
		deps.ResetLoginRate = e.rateLimiter.ResetLogin
	}
	return deps
}
