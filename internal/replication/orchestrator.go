package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/observability/metrics"
	"github.com/drfirst/go-pod/internal/store"
	"github.com/drfirst/go-pod/pkg/workerpool"
)

// Config holds orchestrator configuration.
type Config struct {
	// Parallelism bounds how many kinds are pulled at once. 1 is sequential.
	Parallelism int
	// OutboxBatchSize is how many outbox entries are read per push round.
	OutboxBatchSize int
	// Kinds is the pull order.
	Kinds []entity.Kind
}

// DefaultConfig returns sequential pulls over every kind.
func DefaultConfig() Config {
	return Config{
		Parallelism:     1,
		OutboxBatchSize: 50,
		Kinds:           entity.SyncOrder(),
	}
}

// Orchestrator runs sync sessions: push the outbox, then pull every kind.
// At most one session runs at a time.
type Orchestrator struct {
	cfg     Config
	backend store.Backend
	pullers map[entity.Kind]Puller
	pusher  Pusher
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	running atomic.Bool
}

// NewOrchestrator wires the pullers and pusher to a store. pusher may be nil,
// in which case the push phase is skipped.
func NewOrchestrator(cfg Config, backend store.Backend, pullers []Puller, pusher Pusher, m *metrics.Metrics, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.OutboxBatchSize <= 0 {
		cfg.OutboxBatchSize = DefaultConfig().OutboxBatchSize
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = entity.SyncOrder()
	}

	byKind := make(map[entity.Kind]Puller, len(pullers))
	for _, p := range pullers {
		byKind[p.Kind()] = p
	}
	for _, k := range cfg.Kinds {
		if _, ok := byKind[k]; !ok {
			return nil, fmt.Errorf("no puller for kind %s", k)
		}
	}

	return &Orchestrator{
		cfg:     cfg,
		backend: backend,
		pullers: byKind,
		pusher:  pusher,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("sync-orchestrator"),
		now:     time.Now,
	}, nil
}

// Running reports whether a session is in progress.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// RunFullSync runs one session. A canceled ctx stops the session before the
// next kind starts; kinds already in flight finish their writes and the
// returned report is marked canceled.
func (o *Orchestrator) RunFullSync(ctx context.Context, creds Credentials) (*Report, error) {
	if creds.Token == "" {
		o.metrics.ObserveSync("rejected", 0)
		return nil, ErrUnauthenticated
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	ctx, span := o.tracer.Start(ctx, "full_sync",
		trace.WithAttributes(attribute.Int("kinds", len(o.cfg.Kinds))))
	defer span.End()

	start := o.now()
	rep := newReport(start, o.cfg.Kinds)

	o.push(ctx, creds, rep)
	o.pull(ctx, creds, rep)

	rep.finish(o.now(), ctx.Err() != nil)

	if n, err := o.backend.OutboxSize(context.WithoutCancel(ctx)); err == nil {
		o.metrics.SetOutboxPending(n)
	}
	o.metrics.ObserveSync(rep.Result(), time.Since(start))

	pushed, pushFailed := rep.Pushed()
	span.SetAttributes(
		attribute.String("result", rep.Result()),
		attribute.Int("pushed", pushed),
		attribute.Int("push_failed", pushFailed))

	o.logger.Info("sync session finished",
		zap.String("result", rep.Result()),
		zap.Int("pushed", pushed),
		zap.Int("push_failed", pushFailed),
		zap.Int("failed_kinds", len(rep.Failures())),
		zap.Duration("duration", time.Since(start)))

	return rep, nil
}

func (o *Orchestrator) pull(ctx context.Context, creds Credentials, rep *Report) {
	tasks := make([]*workerpool.Task, 0, len(o.cfg.Kinds))
	for _, k := range o.cfg.Kinds {
		tasks = append(tasks, &workerpool.Task{ID: string(k), Payload: k, Context: ctx})
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = o.cfg.Parallelism

	results, err := workerpool.Run(ctx, poolCfg, tasks, func(taskCtx context.Context, t *workerpool.Task) *workerpool.Result {
		kind := t.Payload.(entity.Kind)
		kr := o.pullKind(context.WithoutCancel(taskCtx), kind, creds)
		rep.setKind(kr)
		return &workerpool.Result{Success: kr.Err == nil, Error: kr.Err}
	}, o.logger)
	if err != nil {
		o.logger.Error("pull phase failed to start", zap.Error(err))
		return
	}
	for _, r := range results {
		switch {
		case r == nil:
		case r.Skipped:
			o.logger.Info("kind not run, session canceled", zap.String("kind", r.TaskID))
		case errors.Is(r.Error, workerpool.ErrTaskPanicked):
			o.metrics.ObserveKindFailure(r.TaskID)
			rep.setKind(KindReport{Kind: entity.Kind(r.TaskID), Err: r.Error})
		}
	}
}

func (o *Orchestrator) pullKind(ctx context.Context, kind entity.Kind, creds Credentials) KindReport {
	kr := KindReport{Kind: kind}

	batch, err := o.pullers[kind].Pull(ctx, creds)
	if err != nil {
		kr.Err = err
		o.metrics.ObserveKindFailure(string(kind))
		o.logger.Warn("pull failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return kr
	}

	kr.Rejected = len(batch.Rejected)
	for _, rej := range batch.Rejected {
		o.logger.Warn("rejected pulled row",
			zap.String("kind", string(kind)),
			zap.Int("index", rej.Index),
			zap.String("id", rej.ID),
			zap.Error(rej.Err))
	}

	for _, item := range batch.Items {
		outcome, err := o.backend.Upsert(ctx, kind, item.ID, reconcile(kind, item.Payload))
		if err != nil {
			kr.Err = fmt.Errorf("upsert %s %s: %w", kind, item.ID, err)
			o.metrics.ObserveKindFailure(string(kind))
			o.logger.Error("upsert failed",
				zap.String("kind", string(kind)),
				zap.String("id", item.ID),
				zap.Error(err))
			return kr
		}
		kr.Pulled++
		kr.count(outcome)
	}

	o.metrics.ObservePulled(string(kind), "inserted", kr.Inserted)
	o.metrics.ObservePulled(string(kind), "updated", kr.Updated)
	o.metrics.ObservePulled(string(kind), "unchanged", kr.Unchanged)
	o.metrics.ObservePulled(string(kind), "skipped", kr.Skipped)
	o.metrics.ObservePulled(string(kind), "rejected", kr.Rejected)

	o.logger.Debug("kind pulled",
		zap.String("kind", string(kind)),
		zap.Int("pulled", kr.Pulled),
		zap.Int("inserted", kr.Inserted),
		zap.Int("updated", kr.Updated),
		zap.Int("skipped", kr.Skipped))
	return kr
}

// reconcile merges a pulled payload into the local row. Reference data always
// takes the server copy. Locally created kinds keep an unsynced local row
// unless the server already holds the same content, in which case the local
// row is only marked synced.
func reconcile(kind entity.Kind, pulled json.RawMessage) store.Mutation {
	return func(existing *store.Row) (*store.Row, error) {
		if existing == nil || !kind.Transactional() || existing.Synced {
			return &store.Row{Payload: pulled, Synced: true}, nil
		}
		if sameContent(existing.Payload, pulled) {
			return &store.Row{Payload: existing.Payload, Synced: true}, nil
		}
		return nil, nil
	}
}

// sameContent compares two payloads ignoring sync bookkeeping.
func sameContent(a, b json.RawMessage) bool {
	var ma, mb map[string]any
	if json.Unmarshal(a, &ma) != nil || json.Unmarshal(b, &mb) != nil {
		return false
	}
	for _, k := range []string{"synced", "syncedAt"} {
		delete(ma, k)
		delete(mb, k)
	}
	return reflect.DeepEqual(ma, mb)
}

type outboxKey struct {
	kind     entity.Kind
	id       string
	revision int64
}

// push drains the outbox once. Each entry is attempted at most once per
// session; a failed entry stays queued for the next session.
func (o *Orchestrator) push(ctx context.Context, creds Credentials, rep *Report) {
	if o.pusher == nil {
		return
	}
	wctx := context.WithoutCancel(ctx)
	attempted := make(map[outboxKey]struct{})

	for ctx.Err() == nil {
		entries, err := o.backend.PendingOutbox(wctx, o.cfg.OutboxBatchSize+len(attempted))
		if err != nil {
			o.logger.Error("read outbox failed", zap.Error(err))
			return
		}

		fresh := 0
		for _, e := range entries {
			key := outboxKey{e.Kind, e.ID, e.Revision}
			if _, seen := attempted[key]; seen {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			attempted[key] = struct{}{}
			fresh++
			o.pushOne(wctx, creds, e, rep)
		}
		if fresh == 0 {
			return
		}
	}
}

func (o *Orchestrator) pushOne(ctx context.Context, creds Credentials, e *store.OutboxEntry, rep *Report) {
	err := o.pusher.Push(ctx, creds, e)
	if err != nil {
		rep.addPush(false)
		o.metrics.ObservePush(string(e.Kind), false)
		o.logger.Warn("push failed",
			zap.String("kind", string(e.Kind)),
			zap.String("id", e.ID),
			zap.Int("attempts", e.Attempts+1),
			zap.Error(err))
		if ferr := o.backend.RecordPushFailure(ctx, e.Kind, e.ID, err.Error()); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			o.logger.Error("record push failure", zap.String("id", e.ID), zap.Error(ferr))
		}
		return
	}

	rep.addPush(true)
	o.metrics.ObservePush(string(e.Kind), true)
	ok, err := o.backend.MarkSynced(ctx, e.Kind, e.ID, e.Revision)
	switch {
	case err != nil:
		o.logger.Error("mark synced failed", zap.String("id", e.ID), zap.Error(err))
	case !ok:
		o.logger.Debug("row rewritten during push, left queued",
			zap.String("kind", string(e.Kind)),
			zap.String("id", e.ID),
			zap.Int64("revision", e.Revision))
	}
}

// PendingCount returns the number of outbox entries awaiting delivery.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.backend.OutboxSize(ctx)
}
