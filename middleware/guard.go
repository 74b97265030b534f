package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/idatt2105/chainauth"
)

// AccessValidator is satisfied by *chainauth.Engine.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, accessToken string) (*chainauth.AuthResult, error)
}

type authResultContextKey struct{}

func AuthResultFromContext(ctx context.Context) (*chainauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*chainauth.AuthResult)
	return res, ok
}

// WithAuthResult stores res in ctx for handlers behind a guard.
func WithAuthResult(ctx context.Context, res *chainauth.AuthResult) context.Context {
	return context.WithValue(ctx, authResultContextKey{}, res)
}

// TokenSource extracts a bearer token from a request header.
type TokenSource struct {
	Header string
	Scheme string
}

// DefaultTokenSource reads "Authorization: Bearer <token>".
var DefaultTokenSource = TokenSource{Header: "Authorization", Scheme: "Bearer"}

// Token returns the token carried by r. An empty Scheme means the header
// value is the raw token.
func (s TokenSource) Token(r *http.Request) (string, bool) {
	header := s.Header
	if header == "" {
		header = DefaultTokenSource.Header
	}
	value := strings.TrimSpace(r.Header.Get(header))
	if s.Scheme != "" {
		scheme, token, ok := strings.Cut(value, " ")
		if !ok || !strings.EqualFold(scheme, s.Scheme) {
			return "", false
		}
		value = strings.TrimSpace(token)
	}
	return value, value != ""
}

// RequireAuth verifies the access token and stores the [chainauth.AuthResult]
// in the request context. Verification is stateless.
func RequireAuth(v AccessValidator, src TokenSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			token, ok := src.Token(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			res, err := v.ValidateAccess(r.Context(), token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, TokenErrorCode(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthResult(r.Context(), res)))
		})
	}
}

// RequireRole rejects requests whose auth result lacks role. It must run
// behind RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := AuthResultFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !res.HasRole(role) {
				WriteError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenErrorCode maps token and chain errors to the stable codes returned in
// 401 bodies.
func TokenErrorCode(err error) string {
	switch {
	case errors.Is(err, chainauth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, chainauth.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, chainauth.ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, chainauth.ErrRefreshReuse):
		return "reuse_detected"
	default:
		return "malformed"
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes {"error": code} with status.
func WriteError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code})
}
