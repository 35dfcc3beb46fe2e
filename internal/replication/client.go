// Package replication keeps the local store eventually consistent with the
// pharmacy backend: it pulls every entity kind, pushes locally created records
// from the outbox, and schedules both on a timer.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/pkg/circuitbreaker"
)

// DefaultRequestTimeout bounds every backend call.
const DefaultRequestTimeout = 15 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 64 << 20

// Credentials address the backend for one sync session.
type Credentials struct {
	BaseURL string
	Token   string
}

func (c Credentials) endpoint(resource string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/" + resource
}

// Item is one pulled entity with its canonical encoding.
type Item struct {
	ID      string
	Payload json.RawMessage
	Entity  entity.Entity
}

// Rejection is a pulled row that failed to decode or validate.
type Rejection struct {
	Index int
	ID    string
	Err   error
}

// Batch is the result of one successful pull.
type Batch struct {
	Kind     entity.Kind
	Items    []Item
	Rejected []Rejection
}

// Puller reads every entity of one kind from the backend.
type Puller interface {
	Kind() entity.Kind
	Pull(ctx context.Context, creds Credentials) (*Batch, error)
}

type entityPtr[T any] interface {
	*T
	entity.Entity
}

// Client performs the remote read for one kind and decodes the {data: [...]}
// envelope into T. It is safe for concurrent use.
type Client[T any, PT entityPtr[T]] struct {
	kind    entity.Kind
	http    *http.Client
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	tracer  trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	http    *http.Client
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.http = c }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) ClientOption {
	return func(o *clientOptions) { o.breaker = cb }
}

// NewClient creates the client for kind.
func NewClient[T any, PT entityPtr[T]](kind entity.Kind, opts ...ClientOption) *Client[T, PT] {
	o := clientOptions{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultRequestTimeout
	}
	if o.http == nil {
		o.http = &http.Client{Timeout: o.timeout}
	}
	return &Client[T, PT]{
		kind:    kind,
		http:    o.http,
		timeout: o.timeout,
		breaker: o.breaker,
		tracer:  otel.Tracer("replication-client"),
	}
}

// Kind returns the kind this client reads.
func (c *Client[T, PT]) Kind() entity.Kind { return c.kind }

// Fetch reads and decodes the full list. Rows that fail to decode or validate
// are returned as rejections; the envelope itself failing is a decode error.
func (c *Client[T, PT]) Fetch(ctx context.Context, creds Credentials) ([]PT, []Rejection, error) {
	if creds.Token == "" {
		return nil, nil, ErrUnauthenticated
	}

	ctx, span := c.tracer.Start(ctx, "replication_fetch",
		trace.WithAttributes(attribute.String("kind", string(c.kind))))
	defer span.End()

	var (
		raw []json.RawMessage
		err error
	)
	if c.breaker != nil {
		raw, err = circuitbreaker.Do(ctx, c.breaker, func() ([]json.RawMessage, error) {
			return c.get(ctx, creds)
		})
		if circuitbreaker.IsRejected(err) {
			err = &FetchError{Kind: c.kind, Class: ClassTransient, Err: err}
		}
	} else {
		raw, err = c.get(ctx, creds)
	}
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	items := make([]PT, 0, len(raw))
	var rejected []Rejection
	for i, r := range raw {
		v := PT(new(T))
		if err := json.Unmarshal(r, v); err != nil {
			rejected = append(rejected, Rejection{Index: i, Err: err})
			continue
		}
		if err := v.Validate(); err != nil {
			rejected = append(rejected, Rejection{Index: i, ID: v.EntityID(), Err: err})
			continue
		}
		items = append(items, v)
	}
	span.SetAttributes(
		attribute.Int("items", len(items)),
		attribute.Int("rejected", len(rejected)))
	return items, rejected, nil
}

// Pull implements Puller.
func (c *Client[T, PT]) Pull(ctx context.Context, creds Credentials) (*Batch, error) {
	items, rejected, err := c.Fetch(ctx, creds)
	if err != nil {
		return nil, err
	}
	b := &Batch{Kind: c.kind, Items: make([]Item, 0, len(items)), Rejected: rejected}
	for i, v := range items {
		payload, err := json.Marshal(v)
		if err != nil {
			b.Rejected = append(b.Rejected, Rejection{Index: i, ID: v.EntityID(), Err: err})
			continue
		}
		b.Items = append(b.Items, Item{ID: v.EntityID(), Payload: payload, Entity: v})
	}
	return b, nil
}

type envelope struct {
	Data []json.RawMessage `json:"data"`
}

func (c *Client[T, PT]) get(ctx context.Context, creds Credentials) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.endpoint(c.kind.Resource()), nil)
	if err != nil {
		return nil, &FetchError{Kind: c.kind, Class: ClassTransient, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: c.kind, Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: c.kind, Class: ClassStatus, Status: resp.StatusCode,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &FetchError{Kind: c.kind, Class: ClassTransient, Err: err}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &FetchError{Kind: c.kind, Class: ClassDecode, Err: err}
	}
	return env.Data, nil
}
