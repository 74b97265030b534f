package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetRecordVersionV1 = 1

	resetFlagConsumed = 1 << 0
)

var (
	ErrResetNotFound         = errors.New("reset record not found")
	ErrResetExpired          = errors.New("reset record expired")
	ErrResetConsumed         = errors.New("reset record already consumed")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

// PasswordResetRecord is a single-use password reset grant.
type PasswordResetRecord struct {
	TokenID   string
	SubjectID string
	ExpiresAt int64
	Consumed  bool
}

type PasswordResetStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPasswordResetStore(redisClient redis.UniversalClient, prefix string) *PasswordResetStore {
	if prefix == "" {
		prefix = "apr"
	}
	return &PasswordResetStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PasswordResetStore) key(resetID string) string {
	return s.prefix + ":t:" + resetID
}

// Save writes record under its TokenID with the given ttl.
func (s *PasswordResetStore) Save(ctx context.Context, record *PasswordResetRecord, ttl time.Duration) error {
	if record == nil || record.TokenID == "" || record.SubjectID == "" {
		return errors.New("reset record requires token id and subject id")
	}
	if ttl <= 0 {
		return errors.New("reset record ttl must be > 0")
	}
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(record.TokenID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
	if !ok {
		return errors.New("reset record already exists")
	}
	return nil
}

// Consume marks the record consumed and returns it. It fails with
// ErrResetNotFound, ErrResetExpired or ErrResetConsumed without changing
// anything.
func (s *PasswordResetStore) Consume(ctx context.Context, resetID string, now time.Time) (*PasswordResetRecord, error) {
	const maxRetries = 4
	key := s.key(resetID)

	for i := 0; i < maxRetries; i++ {
		var matched *PasswordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}
			record.TokenID = resetID

			if record.Consumed {
				return ErrResetConsumed
			}
			if now.Unix() >= record.ExpiresAt {
				return ErrResetExpired
			}

			record.Consumed = true
			updated, err := encodePasswordResetRecord(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrResetNotFound
			case errors.Is(err, ErrResetConsumed), errors.Is(err, ErrResetExpired):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, fmt.Errorf("%w: consume contention", ErrResetRedisUnavailable)
}

// Get returns the record without consuming it.
func (s *PasswordResetStore) Get(ctx context.Context, resetID string) (*PasswordResetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(resetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return nil, err
	}
	record.TokenID = resetID
	return record, nil
}

func encodePasswordResetRecord(record *PasswordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)
	var flags byte
	if record.Consumed {
		flags |= resetFlagConsumed
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.SubjectID) > 65535 {
		return nil, errors.New("reset record subject id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.SubjectID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.SubjectID)

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*PasswordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &PasswordResetRecord{
		Consumed: flags&resetFlagConsumed != 0,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var subjectLen uint16
	if err := binary.Read(reader, binary.BigEndian, &subjectLen); err != nil {
		return nil, err
	}

	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(reader, subject); err != nil {
		return nil, err
	}
	record.SubjectID = string(subject)

	return record, nil
}
