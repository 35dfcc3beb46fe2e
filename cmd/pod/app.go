package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-pod/internal/catalog"
	"github.com/drfirst/go-pod/internal/config"
	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/infrastructure/postgres"
	"github.com/drfirst/go-pod/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pod/internal/infrastructure/sqlite"
	"github.com/drfirst/go-pod/internal/observability/metrics"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/risk"
	"github.com/drfirst/go-pod/internal/store"
	"github.com/drfirst/go-pod/internal/workflow"
	"github.com/drfirst/go-pod/pkg/circuitbreaker"
)

// app is the wired terminal core shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	store     store.Backend
	breakers  *circuitbreaker.Manager
	orch      *replication.Orchestrator
	scheduler *replication.Scheduler
	workflow  *workflow.Workflow

	closers []func() error
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc.Level = level
	return zc.Build(zap.Fields(zap.String("device_id", cfg.DeviceID)))
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		st, err := postgres.NewStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		return sqlite.Open(ctx, cfg.DBPath, logger)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	logger.Info("store opened", zap.String("driver", cfg.StoreDriver))

	base := circuitbreaker.DefaultConfig("")
	base.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, replication.ErrDecode) ||
			errors.Is(err, replication.ErrUnauthenticated) ||
			errors.Is(err, replication.ErrPushRejected)
	}
	base.OnStateChange = func(name string, _, to circuitbreaker.State) {
		a.metrics.SetBreakerOpen(name, to == circuitbreaker.StateOpen)
	}
	a.breakers = circuitbreaker.NewManager(base, logger)

	orchCfg := cfg.Orchestrator()
	pullers, err := replication.NewPullers(orchCfg.Kinds, func(k entity.Kind) ([]replication.ClientOption, error) {
		cb, err := a.breakers.GetOrCreate("pull:" + k.Resource())
		if err != nil {
			return nil, err
		}
		return []replication.ClientOption{
			replication.WithTimeout(cfg.SyncRequestTimeout),
			replication.WithBreaker(cb),
		}, nil
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	pusher, err := a.newPusher()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch, err = replication.NewOrchestrator(orchCfg, st, pullers, pusher, a.metrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scheduler, err = replication.NewScheduler(a.orch, cfg.Credentials, cfg.Scheduler(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := risk.DefaultPolicy()
	if cfg.RiskPolicyFile != "" {
		policy, err = risk.LoadPolicy(cfg.RiskPolicyFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("risk policy loaded", zap.String("file", cfg.RiskPolicyFile))
	}

	a.workflow = workflow.New(cfg.Workflow(), workflow.Deps{
		Catalog:  catalog.New(st, logger),
		Matcher:  dosing.NewMatcher(logger),
		Assessor: risk.NewAssessor(policy),
		Records:  dispense.NewRepository(st),
		Metrics:  a.metrics,
	}, logger)

	return a, nil
}

func (a *app) newPusher() (replication.Pusher, error) {
	if a.cfg.PushTransport != config.TransportRedpanda {
		return replication.NewHTTPPusher(nil, a.cfg.SyncRequestTimeout, a.breakers), nil
	}
	p, err := redpanda.NewProducer(a.cfg.Producer(), a.cfg.DeviceID, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	a.closers = append(a.closers, p.Close)
	a.logger.Info("pushing outbox to redpanda", zap.Strings("brokers", a.cfg.KafkaBrokers))
	return p, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
