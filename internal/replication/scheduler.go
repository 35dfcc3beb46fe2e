package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Auto-sync interval bounds.
const (
	MinInterval     = 30 * time.Second
	MaxInterval     = time.Hour
	DefaultInterval = 5 * time.Minute
)

// CredentialsFunc supplies the credentials for a scheduled session.
type CredentialsFunc func() Credentials

// SchedulerConfig holds auto-sync configuration.
type SchedulerConfig struct {
	Interval   time.Duration
	RunOnStart bool
}

// Validate checks the interval bounds.
func (c SchedulerConfig) Validate() error {
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		return fmt.Errorf("sync interval %s outside %s..%s", c.Interval, MinInterval, MaxInterval)
	}
	return nil
}

// Status is the scheduler state exposed to collaborators.
type Status struct {
	IsSyncing    bool      `json:"isSyncing"`
	LastSyncAt   time.Time `json:"lastSyncAt,omitempty"`
	LastReport   *Report   `json:"lastReport,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	PendingCount int       `json:"pendingCount"`
}

// Scheduler runs full syncs on a ticker and on demand.
type Scheduler struct {
	orch   *Orchestrator
	creds  CredentialsFunc
	config SchedulerConfig
	logger *zap.Logger

	trigger chan struct{}

	mu         sync.RWMutex
	lastSyncAt time.Time
	lastReport *Report
	lastErr    error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler for orch.
func NewScheduler(orch *Orchestrator, creds CredentialsFunc, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orch:    orch,
		creds:   creds,
		config:  cfg,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start begins the sync loop.
func (s *Scheduler) Start() {
	go s.processLoop()
	s.logger.Info("sync scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Bool("run_on_start", s.config.RunOnStart))
}

// Stop cancels a running session between kinds and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("sync scheduler stopped")
}

// Trigger requests a sync as soon as the loop is free. Requests made while one
// is already queued are coalesced.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunNow runs a session synchronously with caller-supplied credentials and
// records it as the latest.
func (s *Scheduler) RunNow(ctx context.Context, creds Credentials) (*Report, error) {
	rep, err := s.orch.RunFullSync(ctx, creds)
	s.record(rep, err)
	return rep, err
}

// Status returns the current scheduler state.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.RLock()
	st := Status{
		IsSyncing:  s.orch.Running(),
		LastSyncAt: s.lastSyncAt,
		LastReport: s.lastReport,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	n, err := s.orch.PendingCount(ctx)
	if err != nil {
		s.logger.Warn("outbox size unavailable", zap.Error(err))
	}
	st.PendingCount = n
	return st
}

func (s *Scheduler) processLoop() {
	defer close(s.done)

	if s.config.RunOnStart {
		s.runOnce()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		case <-s.trigger:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	creds := s.creds()
	if creds.Token == "" {
		s.logger.Debug("skipping scheduled sync, no credentials")
		return
	}
	rep, err := s.orch.RunFullSync(s.ctx, creds)
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	s.record(rep, err)
}

func (s *Scheduler) record(rep *Report, err error) {
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if rep != nil {
		s.lastReport = rep
		s.lastSyncAt = rep.FinishedAt()
	}
	if err != nil {
		s.logger.Warn("sync session failed", zap.Error(err))
	}
}
