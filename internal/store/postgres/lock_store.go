package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// LockStore implements store.LockStore over the sync_lock table. Acquire is
// an insert; a unique-violation on the primary key means another replica
// already holds this bucket's lock, reported as ok=false rather than an
// error, per spec.md §4.3 "skip silently".
type LockStore struct {
	db *sql.DB
}

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_lock (id, holder_id, acquired_at, expires_at) VALUES ($1,$2,$3,$4)`,
		name, holderID, now, now.Add(ttl))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.stealIfExpired(ctx, name, holderID, ttl)
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return true, nil
}

// stealIfExpired handles the case where the existing lock row's expires_at
// has already passed (its holder crashed without releasing); it reclaims
// the row atomically via a conditional update rather than delete+insert.
func (s *LockStore) stealIfExpired(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_lock SET holder_id = $1, acquired_at = $2, expires_at = $3
		 WHERE id = $4 AND expires_at < $2`,
		holderID, now, now.Add(ttl), name)
	if err != nil {
		return false, fmt.Errorf("steal expired lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("steal expired lock rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *LockStore) Release(ctx context.Context, name, holderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_lock WHERE id = $1 AND holder_id = $2`, name, holderID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
