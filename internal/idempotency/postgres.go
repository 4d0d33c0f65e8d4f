package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	pgStatePending = "PENDING"
	pgStateDone    = "DONE"
)

// PostgresStore keeps reservations in the idempotency_records table. An
// expired row is reclaimed by the same INSERT that claims a new key.
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	wait  time.Duration
	lease time.Duration
}

func NewPostgresStore(db *sql.DB, ttl, wait time.Duration, opts ...Option) *PostgresStore {
	o := buildOptions(ttl, opts)
	return &PostgresStore{db: db, ttl: ttl, wait: wait, lease: o.lease}
}

func (s *PostgresStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	return reserveOrWait(ctx, key, s.wait, func(ctx context.Context) (bool, error) {
		query := `
			INSERT INTO idempotency_records (key, state, result, expires_at, created_at, updated_at)
			VALUES ($1, $2, NULL, $3, NOW(), NOW())
			ON CONFLICT (key) DO UPDATE
				SET state = EXCLUDED.state, result = NULL, expires_at = EXCLUDED.expires_at, updated_at = NOW()
				WHERE idempotency_records.expires_at <= NOW()
			RETURNING key
		`
		var claimed string
		err := s.db.QueryRowContext(ctx, query, key, pgStatePending, time.Now().Add(s.lease)).Scan(&claimed)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to insert idempotency record: %w", err)
		}
		return true, nil
	}, func(ctx context.Context) (recordState, []byte, error) {
		query := `SELECT state, result FROM idempotency_records WHERE key = $1 AND expires_at > NOW()`
		var state string
		var result []byte
		err := s.db.QueryRowContext(ctx, query, key).Scan(&state, &result)
		if errors.Is(err, sql.ErrNoRows) {
			return stateMissing, nil, nil
		}
		if err != nil {
			return stateMissing, nil, fmt.Errorf("failed to read idempotency record: %w", err)
		}
		if state != pgStateDone {
			return statePending, nil, nil
		}
		return stateDone, result, nil
	})
}

func (s *PostgresStore) Save(ctx context.Context, key string, result []byte) error {
	ctx, cancel := settle(ctx)
	defer cancel()

	query := `
		INSERT INTO idempotency_records (key, state, result, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE
			SET state = EXCLUDED.state, result = EXCLUDED.result, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, key, pgStateDone, result, time.Now().Add(s.ttl)); err != nil {
		return fmt.Errorf("failed to save idempotency result: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	ctx, cancel := settle(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}
