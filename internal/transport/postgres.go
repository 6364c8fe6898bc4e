package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lineage-stats/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS lineage_events (
	event_id      TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	job_namespace TEXT NOT NULL,
	job_name      TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	event_time    TIMESTAMPTZ NOT NULL,
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS lineage_events_run_id_idx ON lineage_events (run_id);
`

const pgInsert = `
INSERT INTO lineage_events (event_id, run_id, job_namespace, job_name, event_type, event_time, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING
`

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresTransport inserts events into a lineage_events table. Inserting
// an event id twice is a no-op, which makes redelivery safe.
type PostgresTransport struct {
	db   pgExecer
	pool *pgxpool.Pool

	schemaMu    sync.Mutex
	schemaReady atomic.Bool
}

var _ domain.Transport = (*PostgresTransport)(nil)

// NewPostgresTransport creates a pool for dsn. The pool connects lazily and
// the table is created on the first Send, so a database that is down at
// startup only delays delivery.
func NewPostgresTransport(ctx context.Context, dsn string) (*PostgresTransport, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres transport: %w", err)
	}
	return &PostgresTransport{db: pool, pool: pool}, nil
}

// ensureSchema creates the table once. A failed attempt is retried by the
// next Send.
func (t *PostgresTransport) ensureSchema(ctx context.Context) error {
	if t.schemaReady.Load() {
		return nil
	}
	t.schemaMu.Lock()
	defer t.schemaMu.Unlock()
	if t.schemaReady.Load() {
		return nil
	}
	if _, err := t.db.Exec(ctx, pgSchema); err != nil {
		return domain.Retryable(fmt.Errorf("postgres transport: ensure schema: %w", err))
	}
	t.schemaReady.Store(true)
	return nil
}

// Name implements domain.Transport.
func (t *PostgresTransport) Name() string { return "postgres" }

// Send implements domain.Transport.
func (t *PostgresTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	if err := t.ensureSchema(ctx); err != nil {
		return err
	}
	ev := env.Event
	_, err := t.db.Exec(ctx, pgInsert,
		ev.EventID, ev.Run.ID, ev.Job.Namespace, ev.Job.Name,
		string(ev.EventType), ev.EventTime.UTC(), env.Payload,
	)
	if err != nil {
		return pgError(fmt.Errorf("postgres transport: insert %s: %w", ev.EventID, err))
	}
	return nil
}

// Close closes the pool.
func (t *PostgresTransport) Close() error {
	if t.pool != nil {
		t.pool.Close()
	}
	return nil
}

// pgError retries connection, resource and serialization failures.
func pgError(err error) error {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return domain.Retryable(err)
	}
	switch {
	case strings.HasPrefix(pe.Code, "08"), // connection exception
		strings.HasPrefix(pe.Code, "40"), // transaction rollback
		strings.HasPrefix(pe.Code, "53"), // insufficient resources
		strings.HasPrefix(pe.Code, "57P"): // operator intervention
		return domain.Retryable(err)
	default:
		return err
	}
}
