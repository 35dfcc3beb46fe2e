// Package postgres provides the PostgreSQL store for deployments where several
// terminals of one site share a database server instead of a local file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// payload is BYTEA: store.Plan compares the stored bytes exactly.
const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq        BIGSERIAL,
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	payload    BYTEA       NOT NULL,
	synced     BOOLEAN     NOT NULL DEFAULT FALSE,
	revision   BIGINT      NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, id)
);
CREATE TABLE IF NOT EXISTS outbox (
	kind        TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	retry_count INT         NOT NULL DEFAULT 0,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS outbox_created_at_idx ON outbox (created_at);
`

// Store is a store.Backend on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ store.Backend = (*Store)(nil)

// NewStore wraps a pool and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}, nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, kind entity.Kind, id string) (*store.Row, error) {
	row, err := scanRow(s.pool.QueryRow(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = $1 AND id = $2`, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return row, err
}

// List returns all rows of a kind in insertion order.
func (s *Store) List(ctx context.Context, kind entity.Kind) ([]*store.Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = $1 ORDER BY seq ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*store.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert serializes writers of one key with a transaction-scoped advisory
// lock, so the read and the insert-or-update never interleave with another
// writer of the same key, even when the row does not exist yet.
func (s *Store) Upsert(ctx context.Context, kind entity.Kind, id string, fn store.Mutation) (store.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "postgres_upsert",
		trace.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("id", id),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(kind)+"/"+id); err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("lock %s %s: %w", kind, id, err)
	}

	existing, err := scanRow(tx.QueryRow(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = $1 AND id = $2`, string(kind), id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing = nil
	case err != nil:
		span.RecordError(err)
		return store.OutcomeUnchanged, fmt.Errorf("read %s %s: %w", kind, id, err)
	}

	next, err := fn(existing)
	if err != nil {
		return store.OutcomeUnchanged, err
	}

	outcome := store.Plan(existing, next)
	if outcome == store.OutcomeSkipped || outcome == store.OutcomeUnchanged {
		return outcome, tx.Commit(ctx)
	}

	if outcome == store.OutcomeInserted {
		_, err = tx.Exec(ctx, `
			INSERT INTO records (kind, id, payload, synced)
			VALUES ($1, $2, $3, $4)`, string(kind), id, []byte(next.Payload), next.Synced)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE records SET payload = $1, synced = $2, revision = revision + 1, updated_at = NOW()
			WHERE kind = $3 AND id = $4`, []byte(next.Payload), next.Synced, string(kind), id)
	}
	if err != nil {
		span.RecordError(err)
		return store.OutcomeUnchanged, fmt.Errorf("write %s %s: %w", kind, id, err)
	}

	if err := writeOutbox(ctx, tx, kind, id, next.Synced); err != nil {
		span.RecordError(err)
		return store.OutcomeUnchanged, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRow(row pgx.Row) (*store.Row, error) {
	var (
		r       store.Row
		kind    string
		payload []byte
		updated time.Time
	)
	if err := row.Scan(&kind, &r.ID, &payload, &r.Synced, &r.Revision, &updated); err != nil {
		return nil, err
	}
	r.Kind = entity.Kind(kind)
	r.Payload = payload
	r.UpdatedAt = updated.UTC()
	return &r, nil
}
