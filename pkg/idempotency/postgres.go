package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps entries in the inbox table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Claim implements Store with a single upsert, so two consumers racing on
// the same key cannot both win.
func (s *PostgresStore) Claim(ctx context.Context, e *Entry, staleAfter time.Duration) (bool, *Entry, error) {
	const claim = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		RETURNING idempotency_key
	`

	var key string
	err := s.pool.QueryRow(ctx, claim, e.Key, e.Handler, e.Payload, e.ExpiresAt, staleAfter.Seconds()).Scan(&key)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, err
	}

	existing := &Entry{}
	var expiresAt *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`, e.Key).Scan(
		&existing.Key, &existing.Handler, &existing.Status, &existing.Payload,
		&existing.Result, &existing.CreatedAt, &existing.UpdatedAt, &expiresAt,
	)
	if err != nil {
		return false, nil, err
	}
	if expiresAt != nil {
		existing.ExpiresAt = *expiresAt
	}
	return false, existing, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// DeleteExpired implements Store.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats counts entries by status.
func (s *PostgresStore) Stats(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
