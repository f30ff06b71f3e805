package vote

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/risingstars/internal/domain"
)

const codeUniqueViolation = "23505"

type PostgresConfig struct {
	DB  *pgxpool.Pool
	TTL time.Duration
}

// PostgresStore keeps votes in a table keyed by (identity, video_id).
type PostgresStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

func NewPostgresStore(c PostgresConfig) *PostgresStore {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	return &PostgresStore{db: c.DB, ttl: ttl}
}

// Migrate creates the votes table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS votes (
	identity   TEXT        NOT NULL,
	video_id   TEXT        NOT NULL,
	state      TEXT        NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL,
	cast_at    TIMESTAMPTZ,
	PRIMARY KEY (identity, video_id)
);`

	if _, err := s.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("migrate votes: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, key domain.VoteKey) (bool, error) {
	const (
		insStmt = `INSERT INTO votes (identity, video_id, state, claimed_at) VALUES ($1, $2, 'pending', $3);`
		// Takes over a claim whose owner never confirmed nor released it.
		takeoverStmt = `
UPDATE votes SET claimed_at = $3
WHERE identity = $1 AND video_id = $2 AND state = 'pending' AND claimed_at < $4;`
	)

	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, insStmt, key.Identity, key.VideoID, now)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		tag, err := s.db.Exec(ctx, takeoverStmt, key.Identity, key.VideoID, now, now.Add(-s.ttl))
		if err != nil {
			return false, fmt.Errorf("take over claim: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Confirm(ctx context.Context, rec domain.VoteRecord) error {
	const stmt = `
INSERT INTO votes (identity, video_id, state, claimed_at, cast_at) VALUES ($1, $2, 'confirmed', $3, $3)
ON CONFLICT (identity, video_id) DO UPDATE SET state = 'confirmed', cast_at = EXCLUDED.cast_at;`

	if _, err := s.db.Exec(ctx, stmt, rec.Key.Identity, rec.Key.VideoID, rec.CastAt.UTC()); err != nil {
		return fmt.Errorf("confirm vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key domain.VoteKey) error {
	const stmt = `DELETE FROM votes WHERE identity = $1 AND video_id = $2 AND state = 'pending';`

	if _, err := s.db.Exec(ctx, stmt, key.Identity, key.VideoID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, identity string) ([]domain.VoteRecord, error) {
	const stmt = `
SELECT video_id, cast_at
FROM votes
WHERE identity = $1 AND state = 'confirmed'
ORDER BY cast_at;`

	rows, err := s.db.Query(ctx, stmt, identity)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.VoteRecord, error) {
		rec := domain.VoteRecord{Key: domain.VoteKey{Identity: identity}}
		if err := r.Scan(&rec.Key.VideoID, &rec.CastAt); err != nil {
			return domain.VoteRecord{}, err
		}
		return rec, nil
	})
}
