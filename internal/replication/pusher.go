package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-pod/internal/store"
	"github.com/drfirst/go-pod/pkg/circuitbreaker"
)

// ErrPushRejected is returned when the backend answers 2xx with success:false.
var ErrPushRejected = errors.New("backend rejected record")

// Pusher delivers one outbox entry upstream. A nil error means the backend
// acknowledged the exact revision carried by the entry.
type Pusher interface {
	Push(ctx context.Context, creds Credentials, entry *store.OutboxEntry) error
}

// HTTPPusher posts records to the backend REST API.
type HTTPPusher struct {
	http     *http.Client
	timeout  time.Duration
	breakers *circuitbreaker.Manager
	tracer   trace.Tracer
}

// NewHTTPPusher creates an HTTP pusher. breakers may be nil.
func NewHTTPPusher(client *http.Client, timeout time.Duration, breakers *circuitbreaker.Manager) *HTTPPusher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPPusher{
		http:     client,
		timeout:  timeout,
		breakers: breakers,
		tracer:   otel.Tracer("replication-pusher"),
	}
}

// Push implements Pusher.
func (p *HTTPPusher) Push(ctx context.Context, creds Credentials, entry *store.OutboxEntry) error {
	if creds.Token == "" {
		return ErrUnauthenticated
	}
	ctx, span := p.tracer.Start(ctx, "replication_push",
		trace.WithAttributes(
			attribute.String("kind", string(entry.Kind)),
			attribute.String("id", entry.ID),
			attribute.Int64("revision", entry.Revision),
		))
	defer span.End()

	var err error
	if p.breakers != nil {
		var cb *circuitbreaker.CircuitBreaker
		cb, err = p.breakers.GetOrCreate("push:" + entry.Kind.Resource())
		if err != nil {
			return err
		}
		_, err = circuitbreaker.Do(ctx, cb, func() (struct{}, error) {
			return struct{}{}, p.post(ctx, creds, entry)
		})
		if circuitbreaker.IsRejected(err) {
			err = &FetchError{Kind: entry.Kind, Class: ClassTransient, Err: err}
		}
	} else {
		err = p.post(ctx, creds, entry)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

type pushAck struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (p *HTTPPusher) post(ctx context.Context, creds Credentials, entry *store.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		creds.endpoint(entry.Kind.Resource()), bytes.NewReader(entry.Payload))
	if err != nil {
		return &FetchError{Kind: entry.Kind, Class: ClassTransient, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return &FetchError{Kind: entry.Kind, Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &FetchError{Kind: entry.Kind, Class: ClassTransient, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FetchError{Kind: entry.Kind, Class: ClassStatus, Status: resp.StatusCode,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var ack pushAck
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &ack) == nil &&
		ack.Success != nil && !*ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = ack.Message
		}
		return fmt.Errorf("%s %s: %w: %s", entry.Kind, entry.ID, ErrPushRejected, msg)
	}
	return nil
}
