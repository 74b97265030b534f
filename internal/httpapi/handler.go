// Package httpapi exposes the engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/idatt2105/chainauth"
	"github.com/idatt2105/chainauth/internal/logging"
	"github.com/idatt2105/chainauth/middleware"
)

const maxBodyBytes = 1 << 16

// Service is the subset of *chainauth.Engine served over HTTP.
type Service interface {
	middleware.AccessValidator
	Login(ctx context.Context, identifier, password string) (*chainauth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*chainauth.TokenPair, error)
	LogoutAll(ctx context.Context, subjectID, tokenID string, admin bool) (int, error)
	RequestPasswordReset(ctx context.Context, identifier string) error
	ConfirmPasswordReset(ctx context.Context, tokenID, newPassword string) error
	ChainRecord(ctx context.Context, tokenID string) (*chainauth.ChainRecordView, error)
	Ping(ctx context.Context) error
}

type Options struct {
	TokenSource middleware.TokenSource
	// AdminRole may target any chain in logout-all and read chain records.
	AdminRole string
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	Logger  logging.Logger
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Password   string `json:"password" validate:"required,max=4096"`
}

type logoutAllRequest struct {
	TokenID string `json:"token_id" validate:"required,uuid"`
}

type forgotPasswordRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenID      string `json:"token_id"`
}

type api struct {
	svc      Service
	opts     Options
	validate *validator.Validate
	logger   logging.Logger
}

// NewHandler returns the routed handler.
func NewHandler(svc Service, opts Options) http.Handler {
	if opts.TokenSource.Header == "" {
		opts.TokenSource = middleware.DefaultTokenSource
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	a := &api{
		svc:      svc,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger,
	}
	if a.logger == nil {
		a.logger = logging.NewSlogLogger(nil)
	}

	guard := middleware.RequireAuth(svc, opts.TokenSource)
	admin := func(h http.HandlerFunc) http.Handler {
		return guard(middleware.RequireRole(opts.AdminRole)(h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", a.login)
	mux.HandleFunc("POST /auth/refresh", a.refresh)
	mux.Handle("POST /auth/logout-all", guard(http.HandlerFunc(a.logoutAll)))
	mux.HandleFunc("POST /auth/forgot-password", a.forgotPassword)
	mux.HandleFunc("POST /auth/reset-password/{id}", a.resetPassword)
	mux.Handle("GET /auth/chain/{id}", admin(a.chainRecord))
	mux.HandleFunc("GET /healthz", a.healthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}

	pair, err := a.svc.Login(requestContext(r), req.Identifier, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pairResponse(pair))
	case errors.Is(err, chainauth.ErrInvalidCredentials):
		middleware.WriteError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, chainauth.ErrLoginRateLimited):
		middleware.WriteError(w, http.StatusTooManyRequests, "rate_limited")
	default:
		a.internal(w, r, "login failed", err)
	}
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := a.opts.TokenSource.Token(r)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "malformed")
		return
	}

	pair, err := a.svc.Refresh(requestContext(r), token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pairResponse(pair))
	case errors.Is(err, chainauth.ErrStoreUnavailable), errors.Is(err, chainauth.ErrPrincipalUnavailable):
		a.unavailable(w, r, "refresh unavailable", err)
	case errors.Is(err, chainauth.ErrTokenIssue), errors.Is(err, chainauth.ErrEngineNotReady):
		a.internal(w, r, "refresh failed", err)
	default:
		middleware.WriteError(w, http.StatusUnauthorized, middleware.TokenErrorCode(err))
	}
}

func (a *api) logoutAll(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req logoutAllRequest
	if !a.decode(w, r, &req) {
		return
	}

	n, err := a.svc.LogoutAll(requestContext(r), res.SubjectID, req.TokenID, res.HasRole(a.opts.AdminRole))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	case errors.Is(err, chainauth.ErrRefreshTokenNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, chainauth.ErrStoreUnavailable):
		a.unavailable(w, r, "logout-all unavailable", err)
	default:
		a.internal(w, r, "logout-all failed", err)
	}
}

// forgotPassword answers 202 whatever happened so callers cannot probe
// which identifiers exist.
func (a *api) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.RequestPasswordReset(requestContext(r), req.Identifier); err != nil {
		a.logger.Warn(r.Context(), "password reset request failed", "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !a.decode(w, r, &req) {
		return
	}

	err := a.svc.ConfirmPasswordReset(requestContext(r), r.PathValue("id"), req.Password)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, chainauth.ErrPasswordResetInvalid):
		middleware.WriteError(w, http.StatusBadRequest, "reset_invalid")
	case errors.Is(err, chainauth.ErrPasswordResetExpired):
		middleware.WriteError(w, http.StatusBadRequest, "reset_expired")
	case errors.Is(err, chainauth.ErrPasswordResetConsumed):
		middleware.WriteError(w, http.StatusBadRequest, "reset_consumed")
	case errors.Is(err, chainauth.ErrPasswordPolicy):
		middleware.WriteError(w, http.StatusBadRequest, "password_policy")
	case errors.Is(err, chainauth.ErrPasswordResetRateLimited):
		middleware.WriteError(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, chainauth.ErrPasswordResetUnavailable):
		a.unavailable(w, r, "password reset unavailable", err)
	default:
		a.internal(w, r, "password reset failed", err)
	}
}

func (a *api) chainRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.ChainRecord(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, chainauth.ErrRefreshTokenNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, chainauth.ErrStoreUnavailable):
		a.unavailable(w, r, "chain lookup unavailable", err)
	default:
		a.internal(w, r, "chain lookup failed", err)
	}
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.svc.Ping(ctx); err != nil {
		a.unavailable(w, r, "health check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid_body",
				"field": verrs[0].Field(),
				"rule":  verrs[0].Tag(),
			})
			return false
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	return true
}

func (a *api) internal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(r.Context(), msg, "error", err, "path", r.URL.Path)
	middleware.WriteError(w, http.StatusInternalServerError, "internal")
}

func (a *api) unavailable(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Warn(r.Context(), msg, "error", err, "path", r.URL.Path)
	middleware.WriteError(w, http.StatusServiceUnavailable, "unavailable")
}

func requestContext(r *http.Request) context.Context {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return chainauth.WithClientIP(r.Context(), host)
}

func pairResponse(p *chainauth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenID:      p.TokenID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
