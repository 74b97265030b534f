package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/idatt2105/chainauth"
)

type stubValidator struct {
	res *chainauth.AuthResult
	err error
	got string
}

func (s *stubValidator) ValidateAccess(_ context.Context, token string) (*chainauth.AuthResult, error) {
	s.got = token
	return s.res, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := AuthResultFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(res.SubjectID))
	})
}

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRequireAuthPassesResult(t *testing.T) {
	v := &stubValidator{res: &chainauth.AuthResult{SubjectID: "u1"}}
	h := RequireAuth(v, DefaultTokenSource)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer tok-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "u1" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if v.got != "tok-1" {
		t.Fatalf("expected token tok-1, got %q", v.got)
	}
}

func TestRequireAuthCustomHeader(t *testing.T) {
	v := &stubValidator{res: &chainauth.AuthResult{SubjectID: "u1"}}
	h := RequireAuth(v, TokenSource{Header: "X-Access-Token"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Access-Token", "raw-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || v.got != "raw-token" {
		t.Fatalf("unexpected response %d token=%q", rec.Code, v.got)
	}
}

func TestRequireAuthRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		code   string
	}{
		{"missing header", "", nil, "unauthorized"},
		{"wrong scheme", "Basic abc", nil, "unauthorized"},
		{"expired", "Bearer t", chainauth.ErrTokenExpired, "expired"},
		{"bad signature", "Bearer t", chainauth.ErrSignatureInvalid, "signature_invalid"},
		{"wrapped malformed", "Bearer t", fmt.Errorf("x: %w", chainauth.ErrMalformed), "malformed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := RequireAuth(&stubValidator{err: tc.err}, DefaultTokenSource)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if got := decodeCode(t, rec); got != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, got)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithAuthResult(req.Context(), &chainauth.AuthResult{SubjectID: "u1", Roles: []string{"member"}}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = req.WithContext(WithAuthResult(req.Context(), &chainauth.AuthResult{SubjectID: "a1", Roles: []string{"admin"}}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTokenErrorCodeReuse(t *testing.T) {
	if got := TokenErrorCode(chainauth.ErrRefreshReuse); got != "reuse_detected" {
		t.Fatalf("expected reuse_detected, got %q", got)
	}
	if got := TokenErrorCode(chainauth.ErrUnknownToken); got != "unknown_token" {
		t.Fatalf("expected unknown_token, got %q", got)
	}
}
