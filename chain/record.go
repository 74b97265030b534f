package chain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a token id.
	ErrNotFound = errors.New("chain record not found")
	// ErrConflict is returned when a record already exists for a new token id.
	ErrConflict = errors.New("chain record already exists")
	// ErrStaleOrReused is returned by Rotate when the record is no longer the live tip.
	ErrStaleOrReused = errors.New("chain record stale or reused")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("chain store unavailable")
	// ErrCorrupt is returned when a stored record or chain cannot be interpreted.
	ErrCorrupt = errors.New("chain store corrupt")
)

// DefaultMaxWalk bounds chain walks so a damaged, cyclic chain cannot loop forever.
const DefaultMaxWalk = 100000

// State is the lifecycle position of a single record.
type State uint8

const (
	// StateActive is the live tip: valid with no successor.
	StateActive State = iota
	// StateRotated records were exchanged for a successor.
	StateRotated
	// StateRevoked records were invalidated without being rotated.
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotated:
		return "rotated"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Record is one link of a revocation chain. Next is empty when absent.
type Record struct {
	TokenID   string    `json:"token_id"`
	SubjectID string    `json:"subject_id"`
	Valid     bool      `json:"valid"`
	Next      string    `json:"next,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// State derives the lifecycle state from Valid and Next.
func (r *Record) State() State {
	switch {
	case r.Next != "":
		return StateRotated
	case r.Valid:
		return StateActive
	default:
		return StateRevoked
	}
}

// Store is the persistence contract for revocation chains.
//
// Implementations must make Rotate atomic with respect to its validity and
// successor check, and InvalidateFrom idempotent.
type Store interface {
	// CreateHead inserts a valid record with no successor. ErrConflict if tokenID exists.
	CreateHead(ctx context.Context, tokenID, subjectID string) (*Record, error)
	// Get returns the record for tokenID or ErrNotFound.
	Get(ctx context.Context, tokenID string) (*Record, error)
	// Rotate moves the tip from tokenID to newTokenID and returns the new record.
	Rotate(ctx context.Context, tokenID, newTokenID string) (*Record, error)
	// InvalidateFrom marks tokenID and every record reachable through Next
	// invalid and returns how many records changed.
	InvalidateFrom(ctx context.Context, tokenID string) (int, error)
	// InvalidateSubject marks every valid record of subjectID invalid.
	InvalidateSubject(ctx context.Context, subjectID string) (int, error)
}

// Walk follows Next from tokenID and returns the visited records in order.
// It is a read-only helper for audits and tests.
func Walk(ctx context.Context, store Store, tokenID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultMaxWalk
	}
	var out []*Record
	id := tokenID
	for id != "" {
		if len(out) >= limit {
			return out, ErrCorrupt
		}
		rec, err := store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(out) > 0 {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
		id = rec.Next
	}
	return out, nil
}
