package chainauth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/idatt2105/chainauth/chain"
	"github.com/idatt2105/chainauth/jwt"
)

func TestLoginOpensChainHead(t *testing.T) {
	env := newTestEnv(t, testConfig())

	pair := env.login(t)
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenID == "" {
		t.Fatalf("expected populated token pair, got %+v", pair)
	}
	if pair.SubjectID != "u1" {
		t.Fatalf("expected subject u1, got %q", pair.SubjectID)
	}

	rec, err := env.engine.ChainRecord(context.Background(), pair.TokenID)
	if err != nil {
		t.Fatalf("ChainRecord failed: %v", err)
	}
	if !rec.Valid || rec.Next != "" || rec.State != chain.StateActive.String() {
		t.Fatalf("expected active head, got %+v", rec)
	}
	if got := env.engine.metrics.Value(MetricChainCreated); got != 1 {
		t.Fatalf("expected chain created metric 1, got %d", got)
	}
}

func TestLoginInvalidCredentialsIndistinguishable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	_, errUnknown := env.engine.Login(ctx, "mallory", testPassword)
	_, errWrong := env.engine.Login(ctx, "alice", "wrong-password-123")

	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("error messages must match: %q vs %q", errUnknown, errWrong)
	}
}

func TestLoginRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxLoginAttempts = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Login(ctx, "alice", "wrong-password-123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := env.engine.Login(ctx, "alice", testPassword); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}
	if got := env.engine.metrics.Value(MetricLoginRateLimited); got != 1 {
		t.Fatalf("expected rate limited metric 1, got %d", got)
	}
}

func TestLoginSuccessResetsThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxLoginAttempts = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = env.engine.Login(ctx, "alice", "wrong-password-123")
	}
	env.login(t)

	n, err := env.engine.rateLimiter.LoginAttempts(ctx, "alice")
	if err != nil {
		t.Fatalf("LoginAttempts failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected counter reset after success, got %d", n)
	}
}

func TestRefreshRotatesChain(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	first := env.login(t)
	second := env.refresh(t, first.RefreshToken)

	if second.TokenID == first.TokenID {
		t.Fatal("expected a new token id after rotation")
	}

	old, err := env.engine.ChainRecord(ctx, first.TokenID)
	if err != nil {
		t.Fatalf("ChainRecord failed: %v", err)
	}
	if old.Valid || old.Next != second.TokenID {
		t.Fatalf("expected rotated record pointing at successor, got %+v", old)
	}

	tip, err := env.engine.ChainRecord(ctx, second.TokenID)
	if err != nil {
		t.Fatalf("ChainRecord failed: %v", err)
	}
	if !tip.Valid || tip.Next != "" {
		t.Fatalf("expected active tip, got %+v", tip)
	}

	res, err := env.engine.ValidateAccess(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if res.SubjectID != "u1" || !res.HasRole("member") {
		t.Fatalf("unexpected auth result %+v", res)
	}
}

func TestRefreshNRotationsYieldNPlusOneRecords(t *testing.T) {
	env := newTestEnv(t, testConfig())

	pair := env.login(t)
	head := pair.TokenID
	const rotations = 5
	for i := 0; i < rotations; i++ {
		pair = env.refresh(t, pair.RefreshToken)
	}

	lineage, err := env.engine.ChainLineage(context.Background(), head)
	if err != nil {
		t.Fatalf("ChainLineage failed: %v", err)
	}
	if len(lineage) != rotations+1 {
		t.Fatalf("expected %d records, got %d", rotations+1, len(lineage))
	}
	seen := map[string]bool{}
	for i, rec := range lineage {
		if seen[rec.TokenID] {
			t.Fatalf("cycle at %s", rec.TokenID)
		}
		seen[rec.TokenID] = true
		last := i == len(lineage)-1
		if rec.Valid != last {
			t.Fatalf("record %d: expected valid=%v, got %+v", i, last, rec)
		}
	}
	if lineage[len(lineage)-1].TokenID != pair.TokenID {
		t.Fatalf("expected tip %s, got %s", pair.TokenID, lineage[len(lineage)-1].TokenID)
	}
}

func TestRefreshReuseOfOriginalTokenRevokesDescendants(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	original := env.login(t)
	rotated := env.refresh(t, original.RefreshToken)

	if _, err := env.engine.Refresh(ctx, original.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse on replay, got %v", err)
	}

	tip, err := env.engine.ChainRecord(ctx, rotated.TokenID)
	if err != nil {
		t.Fatalf("ChainRecord failed: %v", err)
	}
	if tip.Valid {
		t.Fatal("expected descendant to be invalidated by reuse")
	}

	if _, err := env.engine.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected legitimate holder to be locked out, got %v", err)
	}
	if got := env.engine.metrics.Value(MetricRefreshReuseDetected); got != 2 {
		t.Fatalf("expected reuse metric 2, got %d", got)
	}
}

func TestLogoutAllAfterThreeRotations(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)
	head := pair.TokenID
	for i := 0; i < 3; i++ {
		pair = env.refresh(t, pair.RefreshToken)
	}

	n, err := env.engine.LogoutAll(ctx, "u1", head, false)
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the live tip to be invalidated, got %d", n)
	}

	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected refresh after logout-all to fail with reuse, got %v", err)
	}

	lineage, err := env.engine.ChainLineage(ctx, head)
	if err != nil {
		t.Fatalf("ChainLineage failed: %v", err)
	}
	for _, rec := range lineage {
		if rec.Valid {
			t.Fatalf("expected every record invalid, got %+v", rec)
		}
	}
}

func TestLogoutAllForeignChainHidden(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)

	if _, err := env.engine.LogoutAll(ctx, "u2", pair.TokenID, false); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound for foreign chain, got %v", err)
	}
	rec, err := env.engine.ChainRecord(ctx, pair.TokenID)
	if err != nil || !rec.Valid {
		t.Fatalf("expected chain untouched, got %+v err=%v", rec, err)
	}

	n, err := env.engine.LogoutAll(ctx, "admin-1", pair.TokenID, true)
	if err != nil || n != 1 {
		t.Fatalf("expected admin override to invalidate 1, got %d err=%v", n, err)
	}
}

func TestInvalidateSubsequentTokensIdempotent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)
	head := pair.TokenID
	pair = env.refresh(t, pair.RefreshToken)

	n, err := env.engine.InvalidateSubsequentTokens(ctx, head)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 invalidated, got %d err=%v", n, err)
	}
	n, err = env.engine.InvalidateSubsequentTokens(ctx, head)
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent second call, got %d err=%v", n, err)
	}

	if _, err := env.engine.InvalidateSubsequentTokens(ctx, "00000000-0000-4000-8000-000000000000"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
}

func TestLogoutEverywhereRevokesAllChains(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	a := env.login(t)
	b := env.login(t)
	b = env.refresh(t, b.RefreshToken)

	n, err := env.engine.LogoutEverywhere(ctx, "u1")
	if err != nil {
		t.Fatalf("LogoutEverywhere failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both tips invalidated, got %d", n)
	}
	for _, tok := range []string{a.RefreshToken, b.RefreshToken} {
		if _, err := env.engine.Refresh(ctx, tok); !errors.Is(err, ErrRefreshReuse) {
			t.Fatalf("expected revoked chain, got %v", err)
		}
	}
}

func TestRefreshRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)

	if _, err := env.engine.Refresh(ctx, "not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected access token to be rejected as refresh, got %v", err)
	}

	other := foreignTokens(t, []byte("ffffffffffffffffffffffffffffffff"), nil)
	forged, _, err := other.Mint("u1", []string{"admin"}, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, forged); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	past := foreignTokens(t, testSecret, func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) })
	expired, _, err := past.Mint("u1", nil, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	unknown, _, err := foreignTokens(t, testSecret, nil).Mint("u1", nil, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, unknown); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if got := env.engine.metrics.Value(MetricUnknownToken); got != 1 {
		t.Fatalf("expected unknown token metric 1, got %d", got)
	}
}

func TestRefreshWithAnotherSubjectsTokenIDIsUnknown(t *testing.T) {
	env := newTestEnv(t, testConfig())

	pair := env.login(t)
	spoofed, err := foreignTokens(t, testSecret, nil).MintWithID(pair.TokenID, "u2", nil, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("MintWithID failed: %v", err)
	}
	if _, err := env.engine.Refresh(context.Background(), spoofed); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	rec, err := env.engine.ChainRecord(context.Background(), pair.TokenID)
	if err != nil || !rec.Valid {
		t.Fatalf("expected chain untouched, got %+v err=%v", rec, err)
	}
}

func TestRoleChangeOnlyAffectsTokensMintedAfterward(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	before := env.login(t)
	env.roles.set("u1", "member", "admin")

	old, err := env.engine.ValidateAccess(ctx, before.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if old.HasRole("admin") {
		t.Fatal("existing access token must keep its role snapshot")
	}

	after := env.refresh(t, before.RefreshToken)
	res, err := env.engine.ValidateAccess(ctx, after.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if !slices.Equal(res.Roles, []string{"member", "admin"}) {
		t.Fatalf("expected refreshed roles, got %v", res.Roles)
	}
}

func TestRefreshForRemovedPrincipalLeavesChainIntact(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)
	env.roles.remove("u1")

	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	rec, err := env.engine.ChainRecord(ctx, pair.TokenID)
	if err != nil || !rec.Valid || rec.Next != "" {
		t.Fatalf("expected untouched head, got %+v err=%v", rec, err)
	}
}

func TestRefreshStoreOutageIsNotReuse(t *testing.T) {
	env := newTestEnv(t, testConfig())

	pair := env.login(t)
	env.mr.SetError("ERR injected failure")
	defer env.mr.SetError("")

	_, err := env.engine.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, chain.ErrUnavailable) {
		t.Fatal("store sentinel must not leak past the engine")
	}
}

func TestValidateAccessClassifiesErrors(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	pair := env.login(t)
	if _, err := env.engine.ValidateAccess(ctx, pair.RefreshToken); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected refresh token rejected as access, got %v", err)
	}

	past := foreignTokens(t, testSecret, func() time.Time { return time.Now().Add(-time.Hour) })
	expired, _, err := past.Mint("u1", nil, jwt.KindAccess)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateAccessAvoidsProviderCalls(t *testing.T) {
	env := newTestEnv(t, testConfig())

	pair := env.login(t)
	before, _ := env.users.calls()

	if _, err := env.engine.ValidateAccess(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	after, _ := env.users.calls()
	if after != before {
		t.Fatalf("expected no provider calls, got %d", after-before)
	}

	snap := env.engine.MetricsSnapshot()
	buckets := snap.Histograms[MetricValidateLatency]
	var total uint64
	for _, v := range buckets {
		total += v
	}
	if total != 1 {
		t.Fatalf("expected one latency observation, got %d", total)
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	if _, err := New().WithConfig(testConfig()).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected missing user provider to fail")
	}

	hasher := newTestHasher(t)
	up := newMockUserProvider(t, hasher)
	if _, err := New().WithConfig(testConfig()).WithRedis(rdb).WithUserProvider(up).Build(); err == nil {
		t.Fatal("expected missing principal resolver to fail")
	}

	cfg := testConfig()
	if _, err := New().WithConfig(cfg).WithUserProvider(up).WithPrincipalResolver(newRoleDirectory()).Build(); err == nil {
		t.Fatal("expected missing redis and store to fail")
	}

	b := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(up).
		WithPrincipalResolver(newRoleDirectory()).WithResetMailer(newCaptureMailer())
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestBuildWithCustomStoreNoRedis(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	cfg := testConfig()
	cfg.Security.EnableLoginThrottle = false
	cfg.PasswordReset.Enabled = false

	hasher := newTestHasher(t)
	engine, err := New().
		WithConfig(cfg).
		WithChainStore(chain.NewRedisStore(rdb, "custom")).
		WithUserProvider(newMockUserProvider(t, hasher)).
		WithPrincipalResolver(newRoleDirectory()).
		WithPasswordHasher(hasher).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	pair, err := engine.Login(context.Background(), "alice", testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	keys := mr.Keys()
	if !slices.Contains(keys, "custom:r:"+pair.TokenID) {
		t.Fatalf("expected record under custom prefix, got %v", keys)
	}
	if err := engine.RequestPasswordReset(context.Background(), "alice"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected reset disabled, got %v", err)
	}
}

func TestJustExpiredTokensRejectedDespiteLeeway(t *testing.T) {
	cfg := testConfig()
	if cfg.JWT.Leeway == 0 {
		t.Fatalf("expected a non-zero default leeway")
	}
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	pair := env.login(t)

	stale := foreignTokens(t, testSecret, func() time.Time {
		return time.Now().Add(-7*24*time.Hour - 2*time.Second)
	})
	expiredRefresh, err := stale.MintWithID(pair.TokenID, "u1", nil, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("MintWithID failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, expiredRefresh); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	rec, err := env.engine.ChainRecord(ctx, pair.TokenID)
	if err != nil || rec.State != "active" {
		t.Fatalf("expected expired token to leave the chain tip active, got %+v err=%v", rec, err)
	}

	staleAccess := foreignTokens(t, testSecret, func() time.Time {
		return time.Now().Add(-5*time.Minute - 2*time.Second)
	})
	expiredAccess, _, err := staleAccess.Mint("u1", nil, jwt.KindAccess)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, expiredAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}
