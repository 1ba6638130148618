package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecord is the durable row shape mirrored for each live session.
// It exists so a restarted bridge (or an external operator dashboard) can
// see session history beyond the in-memory Store's lifetime; it is never
// consulted for authentication decisions — that remains the in-memory
// Store's exclusive responsibility per the shared-resource policy.
type PostgresRecord struct {
	ID           string
	AppName      string
	AppURL       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// PostgresStore mirrors session lifecycle events to a Postgres table for
// deployments that want durable history across bridge restarts. It is an
// optional, best-effort sink: failures are returned to the caller but never
// feed back into the in-memory Store's admission decisions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against dsn and verifies it with
// a ping. Callers should skip constructing this entirely when no DSN is
// configured (the bridge runs perfectly well in-memory-only).
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Record upserts a session's current state.
func (p *PostgresStore) Record(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO bridge_sessions (id, app_name, app_url, created_at, expires_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET expires_at = EXCLUDED.expires_at, last_activity = EXCLUDED.last_activity
	`
	_, err := p.pool.Exec(ctx, query, sess.ID, sess.AppName, sess.AppURL, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("session: postgres record: %w", err)
	}
	return nil
}

// Get retrieves one session's durable record by id.
func (p *PostgresStore) Get(ctx context.Context, id string) (*PostgresRecord, error) {
	query := `
		SELECT id, app_name, app_url, created_at, expires_at, last_activity
		FROM bridge_sessions WHERE id = $1
	`
	var rec PostgresRecord
	err := p.pool.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.AppName, &rec.AppURL, &rec.CreatedAt, &rec.ExpiresAt, &rec.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: postgres get: %w", err)
	}
	return &rec, nil
}

// Delete removes a session's durable record, e.g. on explicit revocation.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM bridge_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("session: postgres delete: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired purges rows past their expiry, mirroring the in-memory
// sweeper so the durable table doesn't grow unbounded.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM bridge_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("session: postgres delete expired: %w", err)
	}
	return result.RowsAffected(), nil
}

// List returns recent durable session records, most recent first.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*PostgresRecord, error) {
	query := `
		SELECT id, app_name, app_url, created_at, expires_at, last_activity
		FROM bridge_sessions
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("session: postgres list: %w", err)
	}
	defer rows.Close()

	var out []*PostgresRecord
	for rows.Next() {
		var rec PostgresRecord
		if err := rows.Scan(&rec.ID, &rec.AppName, &rec.AppURL, &rec.CreatedAt, &rec.ExpiresAt, &rec.LastActivity); err != nil {
			return nil, fmt.Errorf("session: postgres scan: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: postgres rows: %w", err)
	}
	return out, nil
}
