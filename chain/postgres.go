package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/idatt2105/chainauth/chain/migrations"
	"github.com/idatt2105/chainauth/internal/dbx"
)

const (
	insertHeadQuery = `
		INSERT INTO refresh_chain (token_id, subject_id, valid, next_id, created_at)
		VALUES ($1, $2, TRUE, NULL, $3)
		ON CONFLICT (token_id) DO NOTHING
	`
	selectRecordQuery = `
		SELECT subject_id, valid, next_id::text, created_at
		FROM refresh_chain
		WHERE token_id = $1
	`
	rotateTipQuery = `
		UPDATE refresh_chain
		SET valid = FALSE, next_id = $2
		WHERE token_id = $1 AND valid AND next_id IS NULL
		RETURNING subject_id
	`
	recordExistsQuery = `
		SELECT EXISTS (SELECT 1 FROM refresh_chain WHERE token_id = $1)
	`
	lockLinkQuery = `
		SELECT valid, next_id::text
		FROM refresh_chain
		WHERE token_id = $1
		FOR UPDATE
	`
	invalidateLinkQuery = `
		UPDATE refresh_chain SET valid = FALSE
		WHERE token_id = $1 AND valid
	`
	invalidateSubjectQuery = `
		UPDATE refresh_chain SET valid = FALSE
		WHERE subject_id = $1 AND valid
	`
)

// subjectSweepPasses bounds repeated subject sweeps. A second pass catches a
// tip inserted by a rotation that committed while the first pass ran.
const subjectSweepPasses = 4

// PostgresStore persists chains in the refresh_chain table.
//
// Rotation relies on the row lock taken by the conditional UPDATE: a
// concurrent rotation of the same tip blocks, then re-evaluates the predicate
// against the committed row and matches nothing.
type PostgresStore struct {
	options
	db *sql.DB
}

// NewPostgresStore returns a store bound to db. Retention options are ignored.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{
		options: buildOptions(opts),
		db:      db,
	}
}

// OpenPostgres opens a pgx-backed *sql.DB for dsn and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return db, nil
}

// gooseUpContext is a seam for tests.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// CreateHead implements [Store].
func (s *PostgresStore) CreateHead(ctx context.Context, tokenID, subjectID string) (*Record, error) {
	if !validID(tokenID) || subjectID == "" {
		return nil, errors.New("token id must be a uuid and subject id is required")
	}
	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx, insertHeadQuery, tokenID, subjectID, created)
	if err != nil {
		return nil, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr(err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return &Record{TokenID: tokenID, SubjectID: subjectID, Valid: true, CreatedAt: created}, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, tokenID string) (*Record, error) {
	if !validID(tokenID) {
		return nil, ErrNotFound
	}
	rec := &Record{TokenID: tokenID}
	var next sql.NullString
	err := s.db.QueryRowContext(ctx, selectRecordQuery, tokenID).Scan(&rec.SubjectID, &rec.Valid, &next, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	rec.Next = next.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// Rotate implements [Store].
func (s *PostgresStore) Rotate(ctx context.Context, tokenID, newTokenID string) (*Record, error) {
	if !validID(tokenID) {
		return nil, ErrNotFound
	}
	if !validID(newTokenID) || newTokenID == tokenID {
		return nil, errors.New("rotate requires a distinct uuid token id")
	}

	created := s.now().UTC()
	var subject string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		err := tx.QueryRowContext(ctx, rotateTipQuery, tokenID, newTokenID).Scan(&subject)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, recordExistsQuery, tokenID).Scan(&exists); err != nil {
				return storeErr(err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStaleOrReused
		}
		if err != nil {
			return storeErr(err)
		}

		res, err := tx.ExecContext(ctx, insertHeadQuery, newTokenID, subject, created)
		if err != nil {
			return storeErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeErr(err)
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	return &Record{TokenID: newTokenID, SubjectID: subject, Valid: true, CreatedAt: created}, nil
}

// InvalidateFrom implements [Store]. Each link is locked before it is read so
// a rotation racing with the walk either commits first and is followed, or
// waits and then fails its predicate.
func (s *PostgresStore) InvalidateFrom(ctx context.Context, tokenID string) (int, error) {
	if !validID(tokenID) {
		return 0, ErrNotFound
	}

	count := 0
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		id := tokenID
		for step := 0; ; step++ {
			if step >= s.maxWalk {
				return ErrCorrupt
			}

			var valid bool
			var next sql.NullString
			err := tx.QueryRowContext(ctx, lockLinkQuery, id).Scan(&valid, &next)
			if errors.Is(err, sql.ErrNoRows) {
				if step == 0 {
					return ErrNotFound
				}
				return nil
			}
			if err != nil {
				return storeErr(err)
			}

			if valid {
				res, err := tx.ExecContext(ctx, invalidateLinkQuery, id)
				if err != nil {
					return storeErr(err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return storeErr(err)
				}
				count += int(n)
			}

			if !next.Valid || next.String == "" {
				return nil
			}
			id = next.String
		}
	})
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

// InvalidateSubject implements [Store].
func (s *PostgresStore) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	if subjectID == "" {
		return 0, nil
	}
	total := 0
	for pass := 0; pass < subjectSweepPasses; pass++ {
		res, err := s.db.ExecContext(ctx, invalidateSubjectQuery, subjectID)
		if err != nil {
			return total, storeErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, storeErr(err)
		}
		if n == 0 {
			break
		}
		total += int(n)
	}
	return total, nil
}

// Ping reports database availability and round-trip latency.
func (s *PostgresStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return time.Since(start), storeErr(err)
	}
	return time.Since(start), nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrStaleOrReused),
		errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
