// Package sqlite provides the terminal-local store backed by a single SQLite
// file. Entities are kept as JSON payloads keyed by (kind, id) next to an
// outbox table of rows still awaiting upstream delivery.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	synced     INTEGER NOT NULL DEFAULT 0,
	revision   INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE TABLE IF NOT EXISTS outbox (
	kind        TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT    NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	PRIMARY KEY (kind, id)
);
`

// Store is a store.Backend on SQLite. All access goes through one connection,
// so every upsert transaction is serialized against every other.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ store.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "pod.db"
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A second connection to :memory: would be a different database.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return &Store{
		db:     db,
		path:   path,
		logger: logger,
		tracer: otel.Tracer("sqlite-store"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get loads one row.
func (s *Store) Get(ctx context.Context, kind entity.Kind, id string) (*store.Row, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = ? AND id = ?`, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return row, err
}

// List returns all rows of a kind in insertion order.
func (s *Store) List(ctx context.Context, kind entity.Kind) ([]*store.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = ? ORDER BY rowid ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

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

// Upsert reads the current row, applies fn and writes the result in one
// transaction, maintaining the outbox alongside.
func (s *Store) Upsert(ctx context.Context, kind entity.Kind, id string, fn store.Mutation) (outcome store.Outcome, retErr error) {
	ctx, span := s.tracer.Start(ctx, "sqlite_upsert",
		trace.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("id", id),
		))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
			span.RecordError(retErr)
		}
	}()

	existing, err := scanRow(tx.QueryRowContext(ctx, `
		SELECT kind, id, payload, synced, revision, updated_at
		FROM records WHERE kind = ? AND id = ?`, string(kind), id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = nil
	case err != nil:
		return store.OutcomeUnchanged, fmt.Errorf("read %s %s: %w", kind, id, err)
	}

	next, err := fn(existing)
	if err != nil {
		return store.OutcomeUnchanged, err
	}

	outcome = store.Plan(existing, next)
	if outcome == store.OutcomeSkipped || outcome == store.OutcomeUnchanged {
		return outcome, tx.Commit()
	}

	now := s.now().UnixMilli()
	if outcome == store.OutcomeInserted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (kind, id, payload, synced, revision, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)`, string(kind), id, []byte(next.Payload), boolInt(next.Synced), now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET payload = ?, synced = ?, revision = revision + 1, updated_at = ?
			WHERE kind = ? AND id = ?`, []byte(next.Payload), boolInt(next.Synced), now, string(kind), id)
	}
	if err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("write %s %s: %w", kind, id, err)
	}

	if next.Synced {
		_, err = tx.ExecContext(ctx, `DELETE FROM outbox WHERE kind = ? AND id = ?`, string(kind), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (kind, id, enqueued_at) VALUES (?, ?, ?)
			ON CONFLICT (kind, id) DO NOTHING`, string(kind), id, now)
	}
	if err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("outbox %s %s: %w", kind, id, err)
	}

	if err := tx.Commit(); err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// PendingOutbox returns unsynced rows, oldest enqueued first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.kind, o.id, r.revision, r.payload, o.attempts, o.last_error, o.enqueued_at
		FROM outbox o
		JOIN records r ON r.kind = o.kind AND r.id = o.id
		ORDER BY o.enqueued_at ASC, o.rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.OutboxEntry
	for rows.Next() {
		var (
			e        store.OutboxEntry
			kind     string
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&kind, &e.ID, &e.Revision, &payload, &e.Attempts, &e.LastError, &enqueued); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Kind = entity.Kind(kind)
		e.Payload = payload
		e.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkSynced acknowledges delivery of a given revision.
func (s *Store) MarkSynced(ctx context.Context, kind entity.Kind, id string, revision int64) (acked bool, retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET synced = 1, updated_at = ?
		WHERE kind = ? AND id = ? AND revision = ? AND synced = 0`,
		s.now().UnixMilli(), string(kind), id, revision)
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Rewritten since it was read; the newer revision stays queued.
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	return true, tx.Commit()
}

// RecordPushFailure notes a failed delivery attempt.
func (s *Store) RecordPushFailure(ctx context.Context, kind entity.Kind, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?
		WHERE kind = ? AND id = ?`, reason, string(kind), id)
	if err != nil {
		return fmt.Errorf("record push failure: %w", err)
	}
	return nil
}

// OutboxSize counts pending entries.
func (s *Store) OutboxSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	s.logger.Info("sqlite store closed", zap.String("path", s.path))
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*store.Row, error) {
	var (
		r       store.Row
		kind    string
		payload []byte
		synced  int
		updated int64
	)
	if err := sc.Scan(&kind, &r.ID, &payload, &synced, &r.Revision, &updated); err != nil {
		return nil, err
	}
	r.Kind = entity.Kind(kind)
	r.Payload = payload
	r.Synced = synced != 0
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
