package chainauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth/jwt"
	"github.com/idatt2105/chainauth/password"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const testPassword = "correct-password-123"

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, rdb
}

func newTestHasher(t testing.TB) *password.Argon2 {
	t.Helper()

	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = testSecret
	cfg.JWT.Issuer = "chainauth-test"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

// foreignTokens mints tokens with the test secret but a caller-chosen clock,
// bypassing the engine and its store.
func foreignTokens(t testing.TB, secret []byte, now func() time.Time) *jwt.Manager {
	t.Helper()

	m, err := jwt.NewManager(jwt.Config{
		AccessTTL:     5 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    secret,
		Issuer:        "chainauth-test",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

type mockUserProvider struct {
	mu           sync.Mutex
	users        map[string]UserRecord
	byIdentifier map[string]string

	getByIdentifierCalls int
	updatePasswordCalls  int
}

func newMockUserProvider(t testing.TB, hasher PasswordHasher) *mockUserProvider {
	t.Helper()

	hash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	return &mockUserProvider{
		users: map[string]UserRecord{
			"u1": {SubjectID: "u1", Identifier: "alice", PasswordHash: hash},
			"u2": {SubjectID: "u2", Identifier: "bob", PasswordHash: hash},
		},
		byIdentifier: map[string]string{"alice": "u1", "bob": "u2"},
	}
}

func (m *mockUserProvider) GetUserByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getByIdentifierCalls++
	id, ok := m.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, errors.New("user not found")
	}
	return m.users[id], nil
}

func (m *mockUserProvider) UpdatePasswordHash(_ context.Context, subjectID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updatePasswordCalls++
	u, ok := m.users[subjectID]
	if !ok {
		return errors.New("user not found")
	}
	u.PasswordHash = newHash
	m.users[subjectID] = u
	return nil
}

func (m *mockUserProvider) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByIdentifierCalls, m.updatePasswordCalls
}

type roleDirectory struct {
	mu    sync.RWMutex
	roles map[string][]string
}

func newRoleDirectory() *roleDirectory {
	return &roleDirectory{roles: map[string][]string{
		"u1": {"member"},
		"u2": {"member"},
	}}
}

func (d *roleDirectory) ResolveRoles(_ context.Context, subjectID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles, ok := d.roles[subjectID]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return append([]string(nil), roles...), nil
}

func (d *roleDirectory) set(subjectID string, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[subjectID] = roles
}

func (d *roleDirectory) remove(subjectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roles, subjectID)
}

type captureMailer struct {
	deliveries chan PasswordResetDelivery
	err        error
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{deliveries: make(chan PasswordResetDelivery, 16)}
}

func (m *captureMailer) SendPasswordReset(_ context.Context, d PasswordResetDelivery) error {
	if m.err != nil {
		return m.err
	}
	m.deliveries <- d
	return nil
}

func (m *captureMailer) next(t *testing.T) PasswordResetDelivery {
	t.Helper()

	select {
	case d := <-m.deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("expected reset delivery")
		return PasswordResetDelivery{}
	}
}

type testEnv struct {
	engine *Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	users  *mockUserProvider
	roles  *roleDirectory
	mailer *captureMailer
}

func newTestEnv(t testing.TB, cfg Config, configure ...func(*Builder)) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)
	hasher := newTestHasher(t)
	env := &testEnv{
		mr:     mr,
		rdb:    rdb,
		users:  newMockUserProvider(t, hasher),
		roles:  newRoleDirectory(),
		mailer: newCaptureMailer(),
	}

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(env.users).
		WithPrincipalResolver(env.roles).
		WithPasswordHasher(hasher).
		WithResetMailer(env.mailer)
	for _, fn := range configure {
		fn(b)
	}

	engine, err := b.Build()
	if err != nil {
		_ = rdb.Close()
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	env.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return env
}

func (env *testEnv) login(t testing.TB) *TokenPair {
	t.Helper()

	pair, err := env.engine.Login(context.Background(), "alice", testPassword)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return pair
}

func (env *testEnv) refresh(t testing.TB, token string) *TokenPair {
	t.Helper()

	pair, err := env.engine.Refresh(context.Background(), token)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	return pair
}
