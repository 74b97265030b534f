package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "arc", opts...)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return store, mr, cleanup
}

// buildChain creates a head and rotates it n times, returning ids from head to tip.
func buildChain(t *testing.T, store Store, subject string, rotations int) []string {
	t.Helper()
	ctx := context.Background()

	head := uuid.NewString()
	if _, err := store.CreateHead(ctx, head, subject); err != nil {
		t.Fatalf("create head: %v", err)
	}
	ids := []string{head}
	for i := 0; i < rotations; i++ {
		next := uuid.NewString()
		rec, err := store.Rotate(ctx, ids[len(ids)-1], next)
		if err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
		if rec.TokenID != next || rec.SubjectID != subject || !rec.Valid {
			t.Fatalf("unexpected rotated record: %+v", rec)
		}
		ids = append(ids, next)
	}
	return ids
}

func mustGet(t *testing.T, store Store, id string) *Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestRedisCreateHeadAndGet(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	id := uuid.NewString()
	created, err := store.CreateHead(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("create head: %v", err)
	}
	if !created.Valid || created.Next != "" || created.State() != StateActive {
		t.Fatalf("expected active head, got %+v", created)
	}

	got := mustGet(t, store, id)
	if got.SubjectID != "user-1" || !got.Valid || got.Next != "" {
		t.Fatalf("unexpected stored record: %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created time mismatch: %v vs %v", got.CreatedAt, created.CreatedAt)
	}

	if _, err := store.CreateHead(ctx, id, "user-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate head, got %v", err)
	}
	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRotateMovesTip(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ids := buildChain(t, store, "user-1", 1)
	old := mustGet(t, store, ids[0])
	if old.Valid || old.Next != ids[1] || old.State() != StateRotated {
		t.Fatalf("expected rotated record pointing at successor, got %+v", old)
	}
	tip := mustGet(t, store, ids[1])
	if !tip.Valid || tip.Next != "" {
		t.Fatalf("expected live tip, got %+v", tip)
	}

	if _, err := store.Rotate(ctx, ids[0], uuid.NewString()); !errors.Is(err, ErrStaleOrReused) {
		t.Fatalf("expected ErrStaleOrReused rotating a rotated record, got %v", err)
	}
	if _, err := store.Rotate(ctx, uuid.NewString(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown record, got %v", err)
	}
	if _, err := store.Rotate(ctx, ids[1], ids[0]); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for an existing successor id, got %v", err)
	}
	if still := mustGet(t, store, ids[1]); !still.Valid || still.Next != "" {
		t.Fatalf("failed rotate must not change the tip, got %+v", still)
	}
}

func TestRedisRotateRevokedRecordIsStale(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ids := buildChain(t, store, "user-1", 0)
	if _, err := store.InvalidateFrom(ctx, ids[0]); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if rec := mustGet(t, store, ids[0]); rec.State() != StateRevoked {
		t.Fatalf("expected revoked state, got %v", rec.State())
	}
	if _, err := store.Rotate(ctx, ids[0], uuid.NewString()); !errors.Is(err, ErrStaleOrReused) {
		t.Fatalf("expected ErrStaleOrReused for revoked record, got %v", err)
	}
}

func TestRedisChainIsAcyclicAfterRotations(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()

	const rotations = 7
	ids := buildChain(t, store, "user-1", rotations)

	records, err := Walk(context.Background(), store, ids[0], 0)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(records) != rotations+1 {
		t.Fatalf("expected %d records, got %d", rotations+1, len(records))
	}
	for i, rec := range records {
		if rec.TokenID != ids[i] {
			t.Fatalf("record %d: expected %s, got %s", i, ids[i], rec.TokenID)
		}
		last := i == len(records)-1
		if rec.Valid != last {
			t.Fatalf("record %d: valid=%v, only the tip may be valid", i, rec.Valid)
		}
	}
}

func TestRedisInvalidateFromCascade(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ids := buildChain(t, store, "user-1", 4)
	const k = 2

	before := make([]*Record, k)
	for i := 0; i < k; i++ {
		before[i] = mustGet(t, store, ids[i])
	}

	n, err := store.InvalidateFrom(ctx, ids[k])
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the live tip to be newly invalidated, got %d", n)
	}

	for i := k; i < len(ids); i++ {
		if rec := mustGet(t, store, ids[i]); rec.Valid {
			t.Fatalf("record %d still valid after cascade", i)
		}
	}
	for i := 0; i < k; i++ {
		after := mustGet(t, store, ids[i])
		if after.Valid != before[i].Valid || after.Next != before[i].Next || !after.CreatedAt.Equal(before[i].CreatedAt) {
			t.Fatalf("record %d before the cascade point changed: %+v -> %+v", i, before[i], after)
		}
	}
}

func TestRedisInvalidateFromIsIdempotent(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ids := buildChain(t, store, "user-1", 3)
	n, err := store.InvalidateFrom(ctx, ids[0])
	if err != nil {
		t.Fatalf("first invalidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 newly invalidated record, got %d", n)
	}

	n, err = store.InvalidateFrom(ctx, ids[0])
	if err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op on invalidated chain, got %d", n)
	}

	if _, err := store.InvalidateFrom(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisInvalidateFromDetectsCycle(t *testing.T) {
	store, mr, done := newRedisStoreTest(t, WithMaxWalk(10))
	defer done()

	a, b := uuid.NewString(), uuid.NewString()
	mr.HSet(store.key(a), "s", "user-1", "v", "0", "n", b, "c", "0")
	mr.HSet(store.key(b), "s", "user-1", "v", "0", "n", a, "c", "0")

	if _, err := store.InvalidateFrom(context.Background(), a); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for cyclic chain, got %v", err)
	}
}

func TestRedisConcurrentRotateHasSingleWinner(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	ids := buildChain(t, store, "user-1", 0)
	tip := ids[0]

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		stale    int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next := uuid.NewString()
			_, err := store.Rotate(ctx, tip, next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, next)
			case errors.Is(err, ErrStaleOrReused):
				stale++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if len(winners) != 1 || stale != workers-1 {
		t.Fatalf("expected exactly one winner, got winners=%d stale=%d", len(winners), stale)
	}

	records, err := Walk(ctx, store, tip, 0)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(records) != 2 || records[1].TokenID != winners[0] {
		t.Fatalf("expected a single successor %s, got %+v", winners[0], records)
	}
}

func TestRedisInvalidateSubject(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	first := buildChain(t, store, "user-1", 2)
	second := buildChain(t, store, "user-1", 0)
	other := buildChain(t, store, "user-2", 1)

	n, err := store.InvalidateSubject(ctx, "user-1")
	if err != nil {
		t.Fatalf("invalidate subject: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both live tips invalidated, got %d", n)
	}
	if mustGet(t, store, first[len(first)-1]).Valid || mustGet(t, store, second[0]).Valid {
		t.Fatal("expected user-1 tips to be invalid")
	}
	if !mustGet(t, store, other[len(other)-1]).Valid {
		t.Fatal("expected other subject's tip to stay valid")
	}

	if n, err := store.InvalidateSubject(ctx, "user-1"); err != nil || n != 0 {
		t.Fatalf("expected idempotent subject sweep, got n=%d err=%v", n, err)
	}
}

func TestRedisRetentionSetsTTL(t *testing.T) {
	store, mr, done := newRedisStoreTest(t, WithRetention(48*time.Hour))
	defer done()

	ids := buildChain(t, store, "user-1", 1)
	for _, id := range ids {
		if ttl := mr.TTL(store.key(id)); ttl <= 0 || ttl > 48*time.Hour {
			t.Fatalf("expected retention ttl on %s, got %v", id, ttl)
		}
	}
	if ttl := mr.TTL(store.subjectKey("user-1")); ttl <= 0 {
		t.Fatalf("expected retention ttl on subject index, got %v", ttl)
	}
}

func TestRedisNoRetentionKeepsRecords(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()

	ids := buildChain(t, store, "user-1", 0)
	if ttl := mr.TTL(store.key(ids[0])); ttl != 0 {
		t.Fatalf("expected no ttl without retention, got %v", ttl)
	}
}

func TestRedisCorruptRecord(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	id := uuid.NewString()
	mr.HSet(store.key(id), "v", "1")

	if _, err := store.Get(ctx, id); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on get, got %v", err)
	}
	if _, err := store.Rotate(ctx, id, uuid.NewString()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on rotate, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	mr.Close()
	ctx := context.Background()

	if _, err := store.CreateHead(ctx, uuid.NewString(), "user-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on create, got %v", err)
	}
	if _, err := store.Rotate(ctx, uuid.NewString(), uuid.NewString()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on rotate, got %v", err)
	}
	if _, err := store.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on ping, got %v", err)
	}
}

func TestRedisRejectsClusterClient(t *testing.T) {
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{"127.0.0.1:1"}})
	defer func() { _ = client.Close() }()
	store := NewRedisStore(client, "")
	ctx := context.Background()

	if _, err := store.CreateHead(ctx, uuid.NewString(), "user-1"); !errors.Is(err, ErrClusterUnsupported) {
		t.Fatalf("expected ErrClusterUnsupported on create, got %v", err)
	}
	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on get, got %v", err)
	}
	if _, err := store.Rotate(ctx, uuid.NewString(), uuid.NewString()); !errors.Is(err, ErrClusterUnsupported) {
		t.Fatalf("expected ErrClusterUnsupported on rotate, got %v", err)
	}
	if _, err := store.InvalidateFrom(ctx, uuid.NewString()); !errors.Is(err, ErrClusterUnsupported) {
		t.Fatalf("expected ErrClusterUnsupported on invalidate, got %v", err)
	}
	if _, err := store.InvalidateSubject(ctx, "user-1"); !errors.Is(err, ErrClusterUnsupported) {
		t.Fatalf("expected ErrClusterUnsupported on subject invalidate, got %v", err)
	}
	if _, err := store.Ping(ctx); !errors.Is(err, ErrClusterUnsupported) {
		t.Fatalf("expected ErrClusterUnsupported on ping, got %v", err)
	}
}
