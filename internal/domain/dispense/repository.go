package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/store"
)

// ErrRecordNotFound is returned when a dispense record does not exist locally.
var ErrRecordNotFound = errors.New("dispense record not found")

// Repository persists dispense records and tickets in the local store. The
// synced flag of a loaded record always reflects the row, which the outbox
// flips on delivery without rewriting the payload.
type Repository struct {
	records *store.Collection
	tickets *store.Collection
	tracer  trace.Tracer
}

// NewRepository creates a repository over a store backend.
func NewRepository(b store.Backend) *Repository {
	return &Repository{
		records: store.NewCollection(b, entity.KindDispenseRecord),
		tickets: store.NewCollection(b, entity.KindTicket),
		tracer:  otel.Tracer("dispense-repository"),
	}
}

// Create stores a new, unsynced record.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	ctx, span := r.tracer.Start(ctx, "dispense_create",
		trace.WithAttributes(attribute.String("record_id", rec.ID)))
	defer span.End()

	if err := rec.Validate(); err != nil {
		return err
	}
	if err := r.records.Insert(ctx, rec.ID, rec, rec.Synced); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create dispense record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a record.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	row, err := r.records.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(row)
}

// List returns all records in creation order.
func (r *Repository) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.records.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update applies fn to the stored record and writes it back atomically.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	ctx, span := r.tracer.Start(ctx, "dispense_update",
		trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	var updated *Record
	_, err := r.records.Update(ctx, id, func(existing *store.Row) (*store.Row, error) {
		rec, err := decodeRecord(existing)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		payload, err := encode(rec)
		if err != nil {
			return nil, err
		}
		updated = rec
		return &store.Row{Payload: payload, Synced: rec.Synced}, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// CreateTicket stores a new, unsynced ticket.
func (r *Repository) CreateTicket(ctx context.Context, t *Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := r.tickets.Insert(ctx, t.ID, t, t.Synced); err != nil {
		return fmt.Errorf("create ticket %s: %w", t.ID, err)
	}
	return nil
}

// Tickets returns all tickets in creation order.
func (r *Repository) Tickets(ctx context.Context) ([]*Ticket, error) {
	rows, err := r.tickets.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Ticket, 0, len(rows))
	for _, row := range rows {
		var t Ticket
		if err := store.Decode(row, &t); err != nil {
			return nil, err
		}
		t.Synced = row.Synced
		out = append(out, &t)
	}
	return out, nil
}

func decodeRecord(row *store.Row) (*Record, error) {
	var rec Record
	if err := store.Decode(row, &rec); err != nil {
		return nil, err
	}
	rec.Synced = row.Synced
	if !rec.Synced {
		rec.SyncedAt = nil
	}
	return &rec, nil
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}
