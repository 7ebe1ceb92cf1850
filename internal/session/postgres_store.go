package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a Postgres table for deployments that
// already run Postgres and do not want a Redis dependency. The conditional
// reserve is an INSERT ... ON CONFLICT DO NOTHING and the consume claim is a
// single DELETE ... RETURNING, so both remain one atomic statement.
//
// Expected schema:
//
//	CREATE TABLE transfer_sessions (
//	    id             TEXT PRIMARY KEY,
//	    storage_server TEXT NOT NULL,
//	    size           BIGINT,
//	    flow_id        TEXT,
//	    flow_token     TEXT,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    expires_at     TIMESTAMPTZ
//	);
//
// Postgres has no key TTL, so expiry is an expires_at column enforced by the
// consume predicate and swept by PurgeExpired from a background worker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// reservedRowGrace bounds how long a reserved-but-never-completed row
// survives before the purge worker removes it.
const reservedRowGrace = 10 * time.Minute

// NewPostgresStore opens a Postgres-backed coordination store using the
// provided DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Reserve conditionally inserts the session row; the primary key conflict
// makes the first writer the sole binder of id.
func (s *PostgresStore) Reserve(ctx context.Context, id, storageServer string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO transfer_sessions (id, storage_server)
VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING
`, id, storageServer)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete records the flow fields on the reserved row.
func (s *PostgresStore) Complete(ctx context.Context, id string, size int64, flowID, flowToken string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE transfer_sessions
SET size = $2, flow_id = $3, flow_token = $4
WHERE id = $1
`, id, size, flowID, flowToken)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("complete %s: row missing", id)
	}
	return nil
}

// Expire arms the row's expiry timestamp.
func (s *PostgresStore) Expire(ctx context.Context, id string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE transfer_sessions
SET expires_at = now() + make_interval(secs => $2)
WHERE id = $1
`, id, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("expire %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("expire %s: row missing", id)
	}
	return nil
}

// Consume claims the session with a single compare-and-delete: only a
// complete, unexpired row matches the predicate, and DELETE ... RETURNING
// hands its fields to exactly one concurrent caller.
func (s *PostgresStore) Consume(ctx context.Context, id string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx, `
DELETE FROM transfer_sessions
WHERE id = $1
  AND flow_id IS NOT NULL
  AND flow_token IS NOT NULL
  AND size IS NOT NULL
  AND expires_at > now()
RETURNING storage_server, size, flow_id, flow_token
`, id)
	var record Record
	if err := row.Scan(&record.StorageServer, &record.Size, &record.FlowID, &record.FlowToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("consume %s: %w", id, err)
	}
	return record, true, nil
}

// Publish delivers the notification through Postgres LISTEN/NOTIFY.
func (s *PostgresStore) Publish(ctx context.Context, channel, payload string) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// PurgeExpired removes rows past their expiry and reserved rows that never
// completed within the grace window. The redis driver needs no equivalent;
// key TTLs expire server-side.
func (s *PostgresStore) PurgeExpired() error {
	_, err := s.pool.Exec(context.Background(), `
DELETE FROM transfer_sessions
WHERE (expires_at IS NOT NULL AND expires_at < now())
   OR (expires_at IS NULL AND created_at < now() - make_interval(secs => $1))
`, reservedRowGrace.Seconds())
	if err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	return nil
}

// Ping reports Postgres reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the Postgres connection pool, bounded by the context.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
