// Package workflow drives a dispense from dose resolution through the risk
// gate to a persisted record.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/catalog"
	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/observability/metrics"
	"github.com/drfirst/go-pod/internal/risk"
)

// Config holds workflow configuration.
type Config struct {
	// PendingTTL is how long a pending confirmation can be acknowledged.
	PendingTTL time.Duration
	// SweepInterval is how often expired confirmations are dropped.
	SweepInterval time.Duration
}

// DefaultConfig returns a 15 minute confirmation window.
func DefaultConfig() Config {
	return Config{
		PendingTTL:    15 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Catalog  *catalog.Catalog
	Matcher  *dosing.Matcher
	Composer *dosing.Composer
	Assessor *risk.Assessor
	Records  *dispense.Repository
	Metrics  *metrics.Metrics
}

type pending struct {
	session    Session
	req        CommitRequest
	assessment risk.Assessment
	expiresAt  time.Time
}

// Workflow is safe for concurrent use. Writes to one record id, and
// acknowledgements of one pending id, are serialized.
type Workflow struct {
	cfg      Config
	catalog  *catalog.Catalog
	matcher  *dosing.Matcher
	composer *dosing.Composer
	assessor *risk.Assessor
	records  *dispense.Repository
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	locks   *keyLock

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a workflow.
func New(cfg Config, deps Deps, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultConfig().PendingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if deps.Matcher == nil {
		deps.Matcher = dosing.NewMatcher(logger)
	}
	if deps.Composer == nil {
		deps.Composer = dosing.NewComposer(nil)
	}
	if deps.Assessor == nil {
		deps.Assessor = risk.NewAssessor(risk.DefaultPolicy())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workflow{
		cfg:      cfg,
		catalog:  deps.Catalog,
		matcher:  deps.Matcher,
		composer: deps.Composer,
		assessor: deps.Assessor,
		records:  deps.Records,
		metrics:  deps.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("dispense-workflow"),
		now:      time.Now,
		pending:  make(map[string]*pending),
		locks:    newKeyLock(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ResolveDose selects the regimen for the patient and composes a proposal.
// When no regimen applies the error is a *dosing.NoApplicableRegimenError;
// no default dose is ever substituted.
func (w *Workflow) ResolveDose(ctx context.Context, s Session, drugID string, patient dosing.PatientContext) (*Proposal, error) {
	ctx, span := w.tracer.Start(ctx, "resolve_dose",
		trace.WithAttributes(
			attribute.String("drug_id", drugID),
			attribute.String("operator_id", s.OperatorID),
		))
	defer span.End()

	if err := patient.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	drug, err := w.catalog.Drug(ctx, drugID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	regimens, err := w.catalog.Regimens(ctx, drugID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	regimen, err := w.matcher.Match(drugID, regimens, patient)
	if err != nil {
		if errors.Is(err, dosing.ErrNoApplicableRegimen) {
			w.metrics.ObserveRegimenMiss()
		}
		span.RecordError(err)
		return nil, err
	}

	dose := w.composer.Compose(drug, regimen, patient)
	span.SetAttributes(attribute.String("regimen_id", regimen.ID))
	return &Proposal{
		DrugID:    drugID,
		RegimenID: regimen.ID,
		Patient:   patient,
		Dose:      dose,
	}, nil
}

// Commit runs the risk gate over the confirmed dose. High-risk dispenses are
// held as a PendingConfirmation and nothing is stored; everything else is
// persisted as an unsynced record.
func (w *Workflow) Commit(ctx context.Context, s Session, req CommitRequest) (Outcome, error) {
	ctx, span := w.tracer.Start(ctx, "commit_dispense",
		trace.WithAttributes(
			attribute.String("drug_id", req.Dose.DrugID),
			attribute.String("operator_id", s.OperatorID),
		))
	defer span.End()

	if err := s.validate(); err != nil {
		return nil, err
	}
	if err := req.Patient.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Dose.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	assessment, err := w.assess(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("risk_score", assessment.Score),
		attribute.String("risk_category", string(assessment.Category)))

	if assessment.HighRisk {
		id := uuid.NewString()
		expires := w.now().Add(w.cfg.PendingTTL)
		w.mu.Lock()
		w.pending[id] = &pending{session: s, req: req, assessment: assessment, expiresAt: expires}
		w.mu.Unlock()

		w.metrics.ObservePendingConfirmation()
		w.logger.Info("dispense held for risk confirmation",
			zap.String("pending_id", id),
			zap.String("drug_id", req.Dose.DrugID),
			zap.Int("risk_score", assessment.Score),
			zap.String("risk_category", string(assessment.Category)))
		return &PendingConfirmation{ID: id, Assessment: assessment, ExpiresAt: expires}, nil
	}

	rec, err := w.persist(ctx, s, req, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	w.metrics.ObserveCommit(assessment.Score)
	return &Committed{Record: rec, Assessment: assessment}, nil
}

// assess derives the dispensing context from the drug as currently stored,
// never from anything captured at proposal time.
func (w *Workflow) assess(ctx context.Context, req CommitRequest) (risk.Assessment, error) {
	drug, err := w.catalog.Drug(ctx, req.Dose.DrugID)
	if err != nil {
		return risk.Assessment{}, err
	}
	return w.assessor.Assess(risk.DispensingContext{
		IsPrescription:               req.IsPrescription,
		IsControlledDrug:             drug.Controlled(),
		IsAntibiotic:                 drug.Antibiotic(),
		STGCompliant:                 req.STGCompliant,
		OverrideFlag:                 req.OverrideFlag,
		OverrideReason:               req.OverrideReason,
		PatientIsPregnant:            req.Patient.Pregnant(),
		PatientAgeGroup:              req.Patient.EffectiveAgeGroup(),
		DrugID:                       drug.ID,
		PatientWeightKg:              req.Patient.Weight,
		DrugPregnancyCategory:        drug.PregnancyCategory,
		DrugContraindicatedAgeGroups: drug.ContraindicatedAgeGroups,
		DrugForm:                     drug.Form,
	}), nil
}

func (w *Workflow) persist(ctx context.Context, s Session, req CommitRequest, attach func(*dispense.Record, time.Time)) (*dispense.Record, error) {
	now := w.now()
	age := req.Patient.Age
	patient := dispense.PatientSnapshot{
		Name:        req.PatientName,
		PhoneNumber: req.PatientPhoneNumber,
		Age:         &age,
	}
	if req.Patient.WeightKnown() {
		weight := req.Patient.Weight
		patient.Weight = &weight
	}

	rec, err := dispense.NewRecord(dispense.NewID(now), now, s.OperatorID, s.OperatorName, s.DeviceID,
		patient, req.Dose, req.Acknowledgements)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if attach != nil {
		attach(rec, now)
	}

	unlock := w.locks.Lock(rec.ID)
	defer unlock()
	if err := w.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	w.logger.Info("dispense committed",
		zap.String("record_id", rec.ID),
		zap.String("drug_id", rec.DrugID),
		zap.String("operator_id", s.OperatorID))
	return rec, nil
}

// Acknowledge is the only way out of a pending confirmation: it persists the
// record with the assessment embedded and opens a review ticket.
func (w *Workflow) Acknowledge(ctx context.Context, s Session, pendingID string) (*dispense.Record, error) {
	ctx, span := w.tracer.Start(ctx, "acknowledge_risk",
		trace.WithAttributes(
			attribute.String("pending_id", pendingID),
			attribute.String("operator_id", s.OperatorID),
		))
	defer span.End()

	if err := s.validate(); err != nil {
		return nil, err
	}

	unlock := w.locks.Lock("pending/" + pendingID)
	defer unlock()

	p, err := w.lookup(pendingID)
	if err != nil {
		return nil, err
	}

	snap := dispense.RiskSnapshot{
		ID:       uuid.NewString(),
		Score:    p.assessment.Score,
		Category: string(p.assessment.Category),
		Flags:    append([]string(nil), p.assessment.Flags...),
	}
	rec, err := w.persist(ctx, p.session, p.req, func(rec *dispense.Record, now time.Time) {
		rec.AttachRisk(now, snap, s.OperatorID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	w.mu.Lock()
	delete(w.pending, pendingID)
	w.mu.Unlock()
	w.metrics.ObserveCommit(p.assessment.Score)

	ticket, err := dispense.NewRiskTicket(uuid.NewString(), w.now(), rec)
	if err == nil {
		err = w.records.CreateTicket(ctx, ticket)
	}
	if err != nil {
		w.logger.Error("failed to open risk ticket",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
	return rec, nil
}

// Discard drops a pending confirmation without persisting anything.
func (w *Workflow) Discard(_ context.Context, s Session, pendingID string) error {
	unlock := w.locks.Lock("pending/" + pendingID)
	defer unlock()

	if _, err := w.lookup(pendingID); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.pending, pendingID)
	w.mu.Unlock()

	w.logger.Info("pending dispense discarded",
		zap.String("pending_id", pendingID),
		zap.String("operator_id", s.OperatorID))
	return nil
}

// Pending returns the assessment held under pendingID.
func (w *Workflow) Pending(pendingID string) (*PendingConfirmation, error) {
	p, err := w.lookup(pendingID)
	if err != nil {
		return nil, err
	}
	return &PendingConfirmation{ID: pendingID, Assessment: p.assessment, ExpiresAt: p.expiresAt}, nil
}

func (w *Workflow) lookup(pendingID string) (*pending, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[pendingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPendingNotFound, pendingID)
	}
	if !w.now().Before(p.expiresAt) {
		delete(w.pending, pendingID)
		return nil, fmt.Errorf("%w: %s", ErrPendingExpired, pendingID)
	}
	return p, nil
}

// CancelRecord flips a record inactive and queues the change for sync.
func (w *Workflow) CancelRecord(ctx context.Context, s Session, id, reason string) (*dispense.Record, error) {
	ctx, span := w.tracer.Start(ctx, "cancel_record",
		trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	rec, err := w.updateRecord(ctx, s, id, func(r *dispense.Record) error {
		return r.Cancel(w.now(), s.OperatorID, reason)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	w.logger.Info("dispense canceled",
		zap.String("record_id", id),
		zap.String("operator_id", s.OperatorID))
	return rec, nil
}

// MarkPrinted stamps the label print time on a record.
func (w *Workflow) MarkPrinted(ctx context.Context, s Session, id string) (*dispense.Record, error) {
	return w.updateRecord(ctx, s, id, func(r *dispense.Record) error {
		return r.MarkPrinted(w.now(), s.OperatorID)
	})
}

// Record loads a record.
func (w *Workflow) Record(ctx context.Context, id string) (*dispense.Record, error) {
	return w.records.Get(ctx, id)
}

func (w *Workflow) updateRecord(ctx context.Context, s Session, id string, fn func(*dispense.Record) error) (*dispense.Record, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	unlock := w.locks.Lock(id)
	defer unlock()
	return w.records.Update(ctx, id, fn)
}

// SweepExpired drops expired pending confirmations and returns how many.
func (w *Workflow) SweepExpired() int {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, p := range w.pending {
		if !now.Before(p.expiresAt) {
			delete(w.pending, id)
			n++
		}
	}
	return n
}

// Start begins sweeping expired confirmations.
func (w *Workflow) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.sweepLoop()
	}
}

// Stop ends the sweeper.
func (w *Workflow) Stop() {
	w.cancel()
	if w.started.Load() {
		<-w.done
	}
}

func (w *Workflow) sweepLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if n := w.SweepExpired(); n > 0 {
				w.logger.Info("expired pending confirmations dropped", zap.Int("count", n))
			}
		}
	}
}
