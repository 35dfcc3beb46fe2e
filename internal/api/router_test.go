package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pod/internal/api/handlers"
	"github.com/drfirst/go-pod/internal/api/middleware"
	"github.com/drfirst/go-pod/internal/catalog"
	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/infrastructure/sqlite"
	"github.com/drfirst/go-pod/internal/observability/metrics"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/store"
	"github.com/drfirst/go-pod/internal/workflow"
)

const backendToken = "terminal-token"

// backend accepts every push and serves empty lists.
type backend struct {
	mu     sync.Mutex
	pushes int
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+backendToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Method == http.MethodPost {
		b.mu.Lock()
		b.pushes++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
		return
	}
	_, _ = w.Write([]byte(`{"data":[]}`))
}

type server struct {
	t       *testing.T
	handler http.Handler
	backend *backend
	store   *sqlite.Store
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	be := &backend{}
	ts := httptest.NewServer(be)
	t.Cleanup(ts.Close)

	st, err := sqlite.Open(ctx, sqlite.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = store.NewCollection(st, entity.KindDrug).Put(ctx, "AMOX-500", entity.Drug{
		ID: "AMOX-500", GenericName: "Amoxicillin", Strength: "500mg", Route: "oral",
		Category: "antibiotic", STGReference: "18.2", IsAntibiotic: true,
	}, true)
	require.NoError(t, err)
	_, err = store.NewCollection(st, entity.KindDoseRegimen).Put(ctx, "amox-adult", entity.DoseRegimen{
		ID: "amox-adult", DrugID: "AMOX-500", AgeGroup: entity.AgeGroupAdult,
		Dose: "500 mg", Frequency: "TDS", Duration: "7 days",
	}, true)
	require.NoError(t, err)

	m := metrics.New()
	pullers, err := replication.NewPullers(entity.SyncOrder(), nil)
	require.NoError(t, err)
	orch, err := replication.NewOrchestrator(replication.DefaultConfig(), st, pullers,
		replication.NewHTTPPusher(nil, 2*time.Second, nil), m, nil)
	require.NoError(t, err)
	sched, err := replication.NewScheduler(orch, func() replication.Credentials {
		return replication.Credentials{}
	}, replication.SchedulerConfig{Interval: replication.DefaultInterval}, nil)
	require.NoError(t, err)

	wf := workflow.New(workflow.DefaultConfig(), workflow.Deps{
		Catalog: catalog.New(st, nil),
		Records: dispense.NewRepository(st),
		Metrics: m,
	}, nil)

	h := NewRouter(RouterConfig{
		DeviceID:   "term-01",
		BackendURL: ts.URL,
		Workflow:   wf,
		Scheduler:  sched,
		Store:      st,
		Metrics:    m,
	})
	return &server{t: t, handler: h, backend: be, store: st}
}

func (s *server) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) as(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, body, map[string]string{
		middleware.HeaderOperatorID:   "op-1",
		middleware.HeaderOperatorName: "Ama Mensah",
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func adult() dosing.PatientContext {
	return dosing.PatientContext{Age: 30, Weight: 70, Pregnancy: dosing.PregnancyNo}
}

func (s *server) resolve(p dosing.PatientContext) workflow.Proposal {
	s.t.Helper()
	rec := s.as(http.MethodPost, "/api/v1/doses/resolve", handlers.ResolveRequest{DrugID: "AMOX-500", Patient: p})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[workflow.Proposal](s.t, rec)
}

func TestHealthAndReady(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", nil, nil).Code)

	rec := s.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pod_outbox_pending_entries")
}

func TestDispenseRoutesRequireOperator(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/v1/doses/resolve",
		handlers.ResolveRequest{DrugID: "AMOX-500", Patient: adult()}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLowRiskDispenseLifecycle(t *testing.T) {
	s := newServer(t)
	prop := s.resolve(adult())
	assert.Equal(t, 500.0, prop.Dose.DoseMg)

	rec := s.as(http.MethodPost, "/api/v1/dispenses", workflow.CommitRequest{
		Dose: prop.Dose, Patient: adult(), PatientName: "Kofi", STGCompliant: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	committed := decode[handlers.CommittedResponse](t, rec)
	assert.Equal(t, handlers.StateCommitted, committed.State)
	require.NotNil(t, committed.Record)
	id := committed.Record.ID
	assert.Equal(t, "term-01", committed.Record.DeviceID)
	assert.Equal(t, "op-1", committed.Record.PharmacistID)

	rec = s.as(http.MethodGet, "/api/v1/dispenses/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.as(http.MethodPost, "/api/v1/dispenses/"+id+"/printed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[dispense.Record](t, rec).PrintedAt)

	rec = s.as(http.MethodPost, "/api/v1/dispenses/"+id+"/cancel", handlers.CancelRequest{Reason: "wrong patient"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[dispense.Record](t, rec).IsActive)

	rec = s.as(http.MethodPost, "/api/v1/dispenses/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.as(http.MethodGet, "/api/v1/dispenses/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHighRiskDispenseNeedsConfirmation(t *testing.T) {
	s := newServer(t)
	patient := adult()
	patient.Pregnancy = dosing.PregnancyYes
	prop := s.resolve(patient)

	req := workflow.CommitRequest{
		Dose: prop.Dose, Patient: patient,
		OverrideFlag: true, OverrideReason: "stock-out", STGCompliant: false,
	}
	rec := s.as(http.MethodPost, "/api/v1/dispenses", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	pend := decode[handlers.PendingResponse](t, rec)
	assert.Equal(t, handlers.StatePendingConfirmation, pend.State)
	assert.Equal(t, 70, pend.RiskScore)
	assert.Equal(t, "high", pend.RiskCategory)
	assert.NotEmpty(t, pend.RiskFlags)

	rec = s.as(http.MethodGet, "/api/v1/dispenses/pending/"+pend.PendingID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.as(http.MethodPost, "/api/v1/dispenses/pending/"+pend.PendingID+"/confirm", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	confirmed := decode[handlers.CommittedResponse](t, rec)
	assert.Equal(t, 70, confirmed.RiskScore)
	require.NotNil(t, confirmed.Record.RiskAssessment)
	assert.Equal(t, "op-1", confirmed.Record.RiskAssessment.AcknowledgedBy)

	// a confirmed entry is gone
	rec = s.as(http.MethodPost, "/api/v1/dispenses/pending/"+pend.PendingID+"/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.as(http.MethodPost, "/api/v1/dispenses", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	other := decode[handlers.PendingResponse](t, rec)
	assert.Equal(t, http.StatusNoContent, s.as(http.MethodDelete, "/api/v1/dispenses/pending/"+other.PendingID, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.as(http.MethodDelete, "/api/v1/dispenses/pending/"+other.PendingID, nil).Code)
}

func TestResolveWithoutRegimenIsUnprocessable(t *testing.T) {
	s := newServer(t)
	rec := s.as(http.MethodPost, "/api/v1/doses/resolve", handlers.ResolveRequest{
		DrugID:  "AMOX-500",
		Patient: dosing.PatientContext{Age: 5, Weight: 18},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AMOX-500", body["drugId"])
	assert.EqualValues(t, 1, body["regimensConsidered"])
	assert.NotEmpty(t, body["constraints"])

	rec = s.as(http.MethodPost, "/api/v1/doses/resolve", handlers.ResolveRequest{DrugID: "NOPE", Patient: adult()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.as(http.MethodPost, "/api/v1/doses/resolve", handlers.ResolveRequest{
		DrugID: "AMOX-500", Patient: dosing.PatientContext{Age: -1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestManualSync(t *testing.T) {
	s := newServer(t)
	prop := s.resolve(adult())
	rec := s.as(http.MethodPost, "/api/v1/dispenses", workflow.CommitRequest{
		Dose: prop.Dose, Patient: adult(), STGCompliant: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/sync", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/sync", nil, map[string]string{"Authorization": "Bearer " + backendToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "ok", rep["result"])
	assert.EqualValues(t, 1, rep["pushed"])

	s.backend.mu.Lock()
	assert.Equal(t, 1, s.backend.pushes)
	s.backend.mu.Unlock()

	rec = s.do(http.MethodGet, "/api/v1/sync/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, status["pendingCount"])
	assert.Equal(t, false, status["isSyncing"])
	assert.NotContains(t, status, "lastError")
	assert.Contains(t, status, "lastReport")
}

func TestCommitWithIdempotencyKeyIsReplayed(t *testing.T) {
	s := newServer(t)
	prop := s.resolve(adult())
	req := workflow.CommitRequest{Dose: prop.Dose, Patient: adult(), STGCompliant: true}
	headers := map[string]string{
		middleware.HeaderOperatorID:   "op-1",
		handlers.HeaderIdempotencyKey: "click-1",
	}

	first := s.do(http.MethodPost, "/api/v1/dispenses", req, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(http.MethodPost, "/api/v1/dispenses", req, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(handlers.HeaderReplayed))

	a := decode[handlers.CommittedResponse](t, first)
	b := decode[handlers.CommittedResponse](t, second)
	assert.Equal(t, a.Record.ID, b.Record.ID)

	n, err := s.store.OutboxSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
