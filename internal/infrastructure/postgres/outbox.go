package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// writeOutbox keeps the outbox in step with a row write inside the same
// transaction. Re-queuing an already queued row keeps its original position.
func writeOutbox(ctx context.Context, tx pgx.Tx, kind entity.Kind, id string, synced bool) error {
	var err error
	if synced {
		_, err = tx.Exec(ctx, `DELETE FROM outbox WHERE kind = $1 AND id = $2`, string(kind), id)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (kind, id) VALUES ($1, $2)
			ON CONFLICT (kind, id) DO NOTHING`, string(kind), id)
	}
	if err != nil {
		return fmt.Errorf("outbox %s %s: %w", kind, id, err)
	}
	return nil
}

// PendingOutbox returns unsynced rows, oldest enqueued first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	ctx, span := s.tracer.Start(ctx, "postgres_pending_outbox")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT o.kind, o.id, r.revision, r.payload, o.retry_count, COALESCE(o.last_error, ''), o.created_at
		FROM outbox o
		JOIN records r ON r.kind = o.kind AND r.id = o.id
		ORDER BY o.created_at ASC, r.seq ASC
		LIMIT $1`, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		var (
			e       store.OutboxEntry
			kind    string
			payload []byte
			created time.Time
		)
		if err := rows.Scan(&kind, &e.ID, &e.Revision, &payload, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Kind = entity.Kind(kind)
		e.Payload = payload
		e.EnqueuedAt = created.UTC()
		entries = append(entries, &e)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))
	return entries, rows.Err()
}

// MarkSynced acknowledges delivery of a given revision. A row rewritten since
// it was read keeps its newer revision queued.
func (s *Store) MarkSynced(ctx context.Context, kind entity.Kind, id string, revision int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(kind)+"/"+id); err != nil {
		return false, fmt.Errorf("lock %s %s: %w", kind, id, err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE records SET synced = TRUE, updated_at = NOW()
		WHERE kind = $1 AND id = $2 AND revision = $3 AND synced = FALSE`,
		string(kind), id, revision)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE kind = $1 AND id = $2`, string(kind), id); err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RecordPushFailure bumps the retry count and keeps the last error.
func (s *Store) RecordPushFailure(ctx context.Context, kind entity.Kind, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET retry_count = retry_count + 1, last_error = $1
		WHERE kind = $2 AND id = $3`, reason, string(kind), id)
	if err != nil {
		s.logger.Error("failed to update retry count", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		return fmt.Errorf("record push failure: %w", err)
	}
	return nil
}

// OutboxSize counts pending entries.
func (s *Store) OutboxSize(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
