package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scriptStatusNotFound int64 = 0
	scriptStatusOK       int64 = 1
	scriptStatusStale    int64 = 2
	scriptStatusConflict int64 = 3
	scriptStatusCorrupt  int64 = 4
)

// Record hashes use short field names:
// s = subject, v = "1" while valid, n = successor token id, c = created (unix ms).
const createHeadScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 3
end
redis.call("HSET", KEYS[1], "s", ARGV[1], "v", "1", "n", "", "c", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[4])
local retention = tonumber(ARGV[3])
if retention > 0 then
  redis.call("PEXPIRE", KEYS[1], retention)
  redis.call("PEXPIRE", KEYS[2], retention)
end
return 1
`

var createHeadLua = redis.NewScript(createHeadScript)

const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local fields = redis.call("HMGET", KEYS[1], "s", "v", "n")
local subject = fields[1]
if not subject or subject == "" then
  return {4}
end
if fields[2] ~= "1" or (fields[3] and fields[3] ~= "") then
  return {2}
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return {3}
end
redis.call("HSET", KEYS[1], "v", "0", "n", ARGV[1])
redis.call("HSET", KEYS[2], "s", subject, "v", "1", "n", "", "c", ARGV[2])
local subject_key = ARGV[4] .. subject
redis.call("SADD", subject_key, ARGV[1])
local retention = tonumber(ARGV[3])
if retention > 0 then
  redis.call("PEXPIRE", KEYS[2], retention)
  redis.call("PEXPIRE", subject_key, retention)
end
return {1, subject}
`

var rotateLua = redis.NewScript(rotateScript)

// The walk continues while a successor exists and only counts records that
// were still valid, so rotated links are traversed but never re-marked.
const invalidateFromScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return -1
end
local limit = tonumber(ARGV[2])
local count = 0
local steps = 0
while true do
  steps = steps + 1
  if steps > limit then
    return -2
  end
  local fields = redis.call("HMGET", key, "v", "n")
  if fields[1] == "1" then
    redis.call("HSET", key, "v", "0")
    count = count + 1
  end
  local nxt = fields[2]
  if not nxt or nxt == "" then
    break
  end
  key = ARGV[1] .. nxt
  if redis.call("EXISTS", key) == 0 then
    break
  end
end
return count
`

var invalidateFromLua = redis.NewScript(invalidateFromScript)

const invalidateSubjectScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local count = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "v") == "1" then
    redis.call("HSET", key, "v", "0")
    count = count + 1
  end
end
return count
`

var invalidateSubjectLua = redis.NewScript(invalidateSubjectScript)

// RedisStore keeps each record in its own hash and performs every mutation
// in a Lua script.
//
// The scripts touch keys derived inside the script (successors and the
// subject index), so a deployment must keep the keyspace on a single node
// (standalone or sentinel).
type RedisStore struct {
	options
	redis    redis.UniversalClient
	prefix   string
	rejected error
}

// ErrClusterUnsupported is returned by every operation of a [RedisStore]
// built on a *redis.ClusterClient. It wraps [ErrUnavailable].
var ErrClusterUnsupported = fmt.Errorf("%w: redis cluster clients are not supported", ErrUnavailable)

// NewRedisStore returns a store using keys under prefix (default "arc").
//
// client must address a single keyspace: a standalone node, a failover
// (sentinel) client or a ring shard is fine. A *redis.ClusterClient is
// accepted but every operation fails with [ErrClusterUnsupported] without
// touching the network, since the scripts would cross hash slots.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "arc"
	}
	s := &RedisStore{
		options: buildOptions(opts),
		redis:   client,
		prefix:  prefix,
	}
	if _, ok := client.(*redis.ClusterClient); ok {
		s.rejected = ErrClusterUnsupported
	}
	return s
}

func (s *RedisStore) recordPrefix() string { return s.prefix + ":r:" }

func (s *RedisStore) subjectPrefix() string { return s.prefix + ":s:" }

func (s *RedisStore) key(tokenID string) string { return s.recordPrefix() + tokenID }

func (s *RedisStore) subjectKey(subjectID string) string { return s.subjectPrefix() + subjectID }

// CreateHead implements [Store].
func (s *RedisStore) CreateHead(ctx context.Context, tokenID, subjectID string) (*Record, error) {
	if s.rejected != nil {
		return nil, s.rejected
	}
	if tokenID == "" || subjectID == "" {
		return nil, errors.New("token id and subject id are required")
	}
	created := s.now().UTC()
	code, err := createHeadLua.Run(
		ctx,
		s.redis,
		[]string{s.key(tokenID), s.subjectKey(subjectID)},
		subjectID,
		created.UnixMilli(),
		s.retention.Milliseconds(),
		tokenID,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code {
	case scriptStatusOK:
		return &Record{
			TokenID:   tokenID,
			SubjectID: subjectID,
			Valid:     true,
			CreatedAt: time.UnixMilli(created.UnixMilli()).UTC(),
		}, nil
	case scriptStatusConflict:
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("%w: unknown create status %d", ErrUnavailable, code)
	}
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, tokenID string) (*Record, error) {
	if s.rejected != nil {
		return nil, s.rejected
	}
	if tokenID == "" {
		return nil, ErrNotFound
	}
	fields, err := s.redis.HGetAll(ctx, s.key(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(tokenID, fields)
}

// Rotate implements [Store].
func (s *RedisStore) Rotate(ctx context.Context, tokenID, newTokenID string) (*Record, error) {
	if s.rejected != nil {
		return nil, s.rejected
	}
	if tokenID == "" {
		return nil, ErrNotFound
	}
	if newTokenID == "" || newTokenID == tokenID {
		return nil, errors.New("rotate requires a distinct new token id")
	}

	created := s.now().UTC()
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(tokenID), s.key(newTokenID)},
		newTokenID,
		created.UnixMilli(),
		s.retention.Milliseconds(),
		s.subjectPrefix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case scriptStatusOK:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated subject", ErrUnavailable)
		}
		subject, ok := parts[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: invalid rotated subject", ErrUnavailable)
		}
		return &Record{
			TokenID:   newTokenID,
			SubjectID: subject,
			Valid:     true,
			CreatedAt: time.UnixMilli(created.UnixMilli()).UTC(),
		}, nil
	case scriptStatusNotFound:
		return nil, ErrNotFound
	case scriptStatusStale:
		return nil, ErrStaleOrReused
	case scriptStatusConflict:
		return nil, ErrConflict
	case scriptStatusCorrupt:
		return nil, ErrCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrUnavailable, code)
	}
}

// InvalidateFrom implements [Store].
func (s *RedisStore) InvalidateFrom(ctx context.Context, tokenID string) (int, error) {
	if s.rejected != nil {
		return 0, s.rejected
	}
	if tokenID == "" {
		return 0, ErrNotFound
	}
	count, err := invalidateFromLua.Run(
		ctx,
		s.redis,
		[]string{s.key(tokenID)},
		s.recordPrefix(),
		s.maxWalk,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case count == -1:
		return 0, ErrNotFound
	case count == -2:
		return 0, ErrCorrupt
	case count < 0:
		return 0, fmt.Errorf("%w: unknown invalidate status %d", ErrUnavailable, count)
	}
	return int(count), nil
}

// InvalidateSubject implements [Store].
func (s *RedisStore) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	if s.rejected != nil {
		return 0, s.rejected
	}
	if subjectID == "" {
		return 0, nil
	}
	count, err := invalidateSubjectLua.Run(
		ctx,
		s.redis,
		[]string{s.subjectKey(subjectID)},
		s.recordPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// Ping reports Redis availability and round-trip latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	if s.rejected != nil {
		return 0, s.rejected
	}
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeRecord(tokenID string, fields map[string]string) (*Record, error) {
	subject := fields["s"]
	if subject == "" {
		return nil, fmt.Errorf("%w: record %s has no subject", ErrCorrupt, tokenID)
	}
	createdMillis, err := strconv.ParseInt(fields["c"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s has invalid created time", ErrCorrupt, tokenID)
	}
	return &Record{
		TokenID:   tokenID,
		SubjectID: subject,
		Valid:     fields["v"] == "1",
		Next:      fields["n"],
		CreatedAt: time.UnixMilli(createdMillis).UTC(),
	}, nil
}
