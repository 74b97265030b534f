package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/idatt2105/chainauth/chain"
	"github.com/idatt2105/chainauth/jwt"
)

var errNoPrincipal = errors.New("principal not found")

func newTestTokens(t *testing.T) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager(jwt.Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func newTestStore(t *testing.T) *chain.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return chain.NewRedisStore(rdb, "flows")
}

func newUUID() (string, error) { return uuid.NewString(), nil }

type roleTable map[string][]string

func (r roleTable) resolve(_ context.Context, subjectID string) ([]string, error) {
	roles, ok := r[subjectID]
	if !ok {
		return nil, errNoPrincipal
	}
	return roles, nil
}

// issueHead mints a refresh token for subject and stores its chain head.
func issueHead(t *testing.T, tokens *jwt.Manager, store chain.Store, subject string) string {
	t.Helper()
	token, id, err := tokens.Mint(subject, nil, jwt.KindRefresh)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := store.CreateHead(context.Background(), id, subject); err != nil {
		t.Fatalf("CreateHead: %v", err)
	}
	return token
}

type failingStore struct {
	chain.Store
	rotateErr     error
	invalidateErr error
	invalidated   []string
}

func (f *failingStore) Rotate(ctx context.Context, tokenID, newTokenID string) (*chain.Record, error) {
	if f.rotateErr != nil {
		return nil, f.rotateErr
	}
	return f.Store.Rotate(ctx, tokenID, newTokenID)
}

func (f *failingStore) InvalidateFrom(ctx context.Context, tokenID string) (int, error) {
	f.invalidated = append(f.invalidated, tokenID)
	if f.invalidateErr != nil {
		return 0, f.invalidateErr
	}
	return f.Store.InvalidateFrom(ctx, tokenID)
}

type brokenRefreshMint struct {
	*jwt.Manager
}

func (b brokenRefreshMint) MintWithID(string, string, []string, jwt.Kind) (string, error) {
	return "", errors.New("signer offline")
}
