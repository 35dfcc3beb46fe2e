// Package store defines the local keyed collections that replicated entities
// are upserted into, and the outbox of rows awaiting upstream delivery.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

// ErrNotFound is returned when no row exists for a kind and id.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned by Insert when the id is already present.
var ErrExists = errors.New("record already exists")

// Row is one stored entity. Payload is the canonical JSON encoding of the
// typed variant. Revision increases on every write.
type Row struct {
	Kind      entity.Kind
	ID        string
	Payload   json.RawMessage
	Synced    bool
	Revision  int64
	UpdatedAt time.Time
}

// Mutation computes the next row from the current one (nil when absent).
// Returning a nil row leaves the store untouched. Only Payload and Synced of
// the returned row are used.
type Mutation func(existing *Row) (*Row, error)

// Outcome reports what an upsert did.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unchanged"
	}
}

// OutboxEntry is an unsynced row awaiting delivery.
type OutboxEntry struct {
	Kind       entity.Kind
	ID         string
	Revision   int64
	Payload    json.RawMessage
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// Backend is the persistent store shared by all collections.
//
// Upsert runs the mutation and the resulting insert-or-update atomically per
// key. Every write of an unsynced row places it in the outbox in the same
// transaction; every write of a synced row removes it.
type Backend interface {
	Get(ctx context.Context, kind entity.Kind, id string) (*Row, error)
	List(ctx context.Context, kind entity.Kind) ([]*Row, error)
	Upsert(ctx context.Context, kind entity.Kind, id string, fn Mutation) (Outcome, error)

	// PendingOutbox returns up to limit outbox entries, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error)
	// MarkSynced flips a row to synced only when its revision still matches.
	MarkSynced(ctx context.Context, kind entity.Kind, id string, revision int64) (bool, error)
	// RecordPushFailure bumps the attempt counter of an outbox entry.
	RecordPushFailure(ctx context.Context, kind entity.Kind, id string, reason string) error
	// OutboxSize counts pending entries.
	OutboxSize(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Collection is the keyed store for one entity kind.
type Collection struct {
	backend Backend
	kind    entity.Kind
}

// NewCollection binds a backend to a kind.
func NewCollection(b Backend, kind entity.Kind) *Collection {
	return &Collection{backend: b, kind: kind}
}

// Kind returns the bound kind.
func (c *Collection) Kind() entity.Kind { return c.kind }

// Get loads a row by id.
func (c *Collection) Get(ctx context.Context, id string) (*Row, error) {
	return c.backend.Get(ctx, c.kind, id)
}

// List returns all rows in insertion order.
func (c *Collection) List(ctx context.Context) ([]*Row, error) {
	return c.backend.List(ctx, c.kind)
}

// Upsert applies fn atomically for id.
func (c *Collection) Upsert(ctx context.Context, id string, fn Mutation) (Outcome, error) {
	return c.backend.Upsert(ctx, c.kind, id, fn)
}

// Insert stores v under id, failing with ErrExists when already present.
func (c *Collection) Insert(ctx context.Context, id string, v any, synced bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", c.kind, id, err)
	}
	_, err = c.backend.Upsert(ctx, c.kind, id, func(existing *Row) (*Row, error) {
		if existing != nil {
			return nil, ErrExists
		}
		return &Row{Payload: payload, Synced: synced}, nil
	})
	return err
}

// Put writes v under id whether or not it exists.
func (c *Collection) Put(ctx context.Context, id string, v any, synced bool) (Outcome, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("encode %s %s: %w", c.kind, id, err)
	}
	return c.backend.Upsert(ctx, c.kind, id, func(*Row) (*Row, error) {
		return &Row{Payload: payload, Synced: synced}, nil
	})
}

// Update rewrites an existing row through fn, failing with ErrNotFound when absent.
func (c *Collection) Update(ctx context.Context, id string, fn Mutation) (Outcome, error) {
	return c.backend.Upsert(ctx, c.kind, id, func(existing *Row) (*Row, error) {
		if existing == nil {
			return nil, ErrNotFound
		}
		return fn(existing)
	})
}

// Decode unmarshals a row payload into v.
func Decode(row *Row, v any) error {
	if err := json.Unmarshal(row.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", row.Kind, row.ID, err)
	}
	return nil
}

// Plan classifies the write of next over existing. Byte-identical payloads
// with the same sync flag are unchanged and must not bump the revision.
func Plan(existing, next *Row) Outcome {
	switch {
	case next == nil:
		return OutcomeSkipped
	case existing == nil:
		return OutcomeInserted
	case existing.Synced == next.Synced && bytes.Equal(existing.Payload, next.Payload):
		return OutcomeUnchanged
	default:
		return OutcomeUpdated
	}
}
