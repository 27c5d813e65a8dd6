package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultListLimit = 50

// PostgresStore keeps session records in a sessions table with the
// state document as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// Open connects a pgx pool through database/sql and verifies it with a
// ping. Callers run Migrate before constructing the store.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Save upserts a record. The immutable flag and owner token hash are
// written on insert only; the publish path owns the flag and nothing
// rotates the token. Saving over a published record is refused.
func (s *PostgresStore) Save(ctx context.Context, rec *SessionRecord) error {
	const upsert = `
		INSERT INTO sessions (id, name, created_at, updated_at, last_accessed_at, remixed_from, remix_count, immutable, owner_token_hash, state)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    updated_at = EXCLUDED.updated_at,
		    last_accessed_at = EXCLUDED.last_accessed_at,
		    state = EXCLUDED.state
		WHERE sessions.immutable = FALSE
	`
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, upsert,
		rec.ID, rec.Name, rec.CreatedAt, rec.UpdatedAt, rec.LastAccessedAt,
		rec.RemixedFrom, rec.RemixCount, rec.Immutable, rec.OwnerTokenHash, stateJSON)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	if rows == 0 {
		return ErrImmutable
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	const query = `
		SELECT id, name, created_at, updated_at, last_accessed_at,
		       COALESCE(remixed_from, ''), remix_count, immutable, owner_token_hash, state
		FROM sessions WHERE id = $1
	`
	var rec SessionRecord
	var stateJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastAccessedAt,
		&rec.RemixedFrom, &rec.RemixCount, &rec.Immutable, &rec.OwnerTokenHash, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if err := json.Unmarshal(stateJSON, &rec.State); err != nil {
		return nil, fmt.Errorf("unmarshal state for %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	const query = `
		SELECT id, name, created_at, updated_at, remix_count, immutable,
		       COALESCE(jsonb_array_length(state->'tracks'), 0)
		FROM sessions ORDER BY updated_at DESC LIMIT $1
	`
	return s.summaries(ctx, query, clampLimit(limit))
}

// Search is a plain substring match on the name. Ranked full-text
// search lives in the directory service; this is its fallback.
func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]SessionSummary, error) {
	const q = `
		SELECT id, name, created_at, updated_at, remix_count, immutable,
		       COALESCE(jsonb_array_length(state->'tracks'), 0)
		FROM sessions WHERE name ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC LIMIT $2
	`
	return s.summaries(ctx, q, query, clampLimit(limit))
}

func (s *PostgresStore) summaries(ctx context.Context, query string, args ...any) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.CreatedAt, &sum.UpdatedAt, &sum.RemixCount, &sum.Immutable, &sum.TrackCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_accessed_at = $2 WHERE id = $1 AND last_accessed_at < $2`, id, at)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) IncrementRemixCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET remix_count = remix_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment remix count for %s: %w", id, err)
	}
	return nil
}

// SetImmutable publishes a session. Publishing twice is a no-op.
func (s *PostgresStore) SetImmutable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET immutable = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("publish session %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish session %s: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
