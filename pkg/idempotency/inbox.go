// Package idempotency provides the Inbox pattern for exactly-once request
// handling. A terminal that retries a request with the same key gets the
// first response back instead of a second side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

// ErrMessageInProgress indicates the key is currently being processed
var ErrMessageInProgress = errors.New("request in progress under the same idempotency key")

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a finished result is replayed.
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Result is a stored response.
type Result struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       Result
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (Result, error)

type entry struct {
	status    Status
	result    Result
	updatedAt time.Time
}

// Inbox remembers results per key in memory. It is safe for concurrent use.
type Inbox struct {
	config  InboxConfig
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewInbox creates a new inbox
func NewInbox(cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		config:  cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logger,
		tracer:  otel.Tracer("idempotency-inbox"),
	}
}

// Process runs fn once per key. A finished key replays its result; a key
// still in progress returns ErrMessageInProgress; a failed run is forgotten
// so the caller may retry.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	now := i.now()
	recovered := false

	i.mu.Lock()
	i.purgeLocked(now)
	if e, ok := i.entries[key]; ok {
		switch e.status {
		case StatusFinished:
			i.mu.Unlock()
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: e.result}, nil
		case StatusStarted:
			if now.Sub(e.updatedAt) <= i.config.RecoveryTimeout {
				i.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			recovered = true
			i.logger.Warn("recovering abandoned idempotency key", zap.String("key", key))
		}
	}
	i.entries[key] = &entry{status: StatusStarted, updatedAt: now}
	i.mu.Unlock()

	result, err := fn(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		delete(i.entries, key)
		span.RecordError(err)
		return nil, err
	}
	i.entries[key] = &entry{status: StatusFinished, result: result, updatedAt: i.now()}
	return &ProcessResult{IsNew: !recovered, WasRecovered: recovered, Result: result}, nil
}

// Len returns the number of remembered keys.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

func (i *Inbox) purgeLocked(now time.Time) {
	for k, e := range i.entries {
		if e.status == StatusFinished && now.Sub(e.updatedAt) > i.config.TTL {
			delete(i.entries, k)
		}
	}
}

// GenerateKey scopes a client-supplied key, e.g. by operator, so two
// operators reusing a key never collide.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
