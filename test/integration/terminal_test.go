// Package integration exercises a terminal end to end against a fake backend
// with a file-backed store.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pod/internal/catalog"
	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/infrastructure/sqlite"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/workflow"
)

const token = "site-token"

// pharmacyBackend serves reference data and stores pushed rows, echoing them
// back as synced on the next pull.
type pharmacyBackend struct {
	mu     sync.Mutex
	data   map[string][]json.RawMessage
	pushed map[string]map[string]json.RawMessage
}

func newPharmacyBackend(t *testing.T) *pharmacyBackend {
	t.Helper()
	b := &pharmacyBackend{
		data:   map[string][]json.RawMessage{},
		pushed: map[string]map[string]json.RawMessage{},
	}
	b.add(t, entity.KindDrug, entity.Drug{
		ID: "PARA-500", GenericName: "Paracetamol", Strength: "500mg",
		Route: "oral", Category: "analgesic", STGReference: "3.1",
	})
	b.add(t, entity.KindDoseRegimen, entity.DoseRegimen{
		ID: "para-adult", DrugID: "PARA-500", AgeGroup: entity.AgeGroupAdult,
		Dose: "1000 mg", Frequency: "QDS", Duration: "3 days",
	})
	return b
}

func (b *pharmacyBackend) add(t *testing.T, k entity.Kind, v any) {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	b.data[k.Resource()] = append(b.data[k.Resource()], raw)
}

func (b *pharmacyBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, "/api/")

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		var row map[string]any
		if err := json.Unmarshal(body, &row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		row["synced"] = true
		echo, _ := json.Marshal(row)
		if b.pushed[resource] == nil {
			b.pushed[resource] = map[string]json.RawMessage{}
		}
		b.pushed[resource][row["id"].(string)] = echo
		_, _ = w.Write([]byte(`{"success":true}`))
		return
	}

	rows := append([]json.RawMessage{}, b.data[resource]...)
	for _, raw := range b.pushed[resource] {
		rows = append(rows, raw)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": rows})
}

func (b *pharmacyBackend) pushedCount(resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushed[resource])
}

type terminal struct {
	store *sqlite.Store
	orch  *replication.Orchestrator
	wf    *workflow.Workflow
	repo  *dispense.Repository
}

func openTerminal(t *testing.T, path string) *terminal {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, path, nil)
	require.NoError(t, err)

	pullers, err := replication.NewPullers(entity.SyncOrder(), func(entity.Kind) ([]replication.ClientOption, error) {
		return []replication.ClientOption{replication.WithTimeout(5 * time.Second)}, nil
	})
	require.NoError(t, err)
	cfg := replication.DefaultConfig()
	cfg.Parallelism = 3
	orch, err := replication.NewOrchestrator(cfg, st, pullers,
		replication.NewHTTPPusher(nil, 5*time.Second, nil), nil, nil)
	require.NoError(t, err)

	repo := dispense.NewRepository(st)
	wf := workflow.New(workflow.DefaultConfig(), workflow.Deps{
		Catalog: catalog.New(st, nil),
		Records: repo,
	}, nil)
	return &terminal{store: st, orch: orch, wf: wf, repo: repo}
}

func TestDispenseSurvivesRestartAndSyncs(t *testing.T) {
	ctx := context.Background()
	be := newPharmacyBackend(t)
	srv := httptest.NewServer(be)
	defer srv.Close()
	creds := replication.Credentials{BaseURL: srv.URL, Token: token}
	dbPath := filepath.Join(t.TempDir(), "pod.db")
	session := workflow.Session{OperatorID: "op-3", OperatorName: "Yaw", DeviceID: "term-02"}

	// first boot: pull the formulary, then dispense offline
	term := openTerminal(t, dbPath)
	rep, err := term.orch.RunFullSync(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, "ok", rep.Result())
	kr, ok := rep.Kind(entity.KindDrug)
	require.True(t, ok)
	assert.Equal(t, 1, kr.Inserted)

	patient := dosing.PatientContext{Age: 40, Weight: 72, Pregnancy: dosing.PregnancyNo}
	prop, err := term.wf.ResolveDose(ctx, session, "PARA-500", patient)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, prop.Dose.DoseMg)

	out, err := term.wf.Commit(ctx, session, workflow.CommitRequest{
		Dose: prop.Dose, Patient: patient, STGCompliant: true,
	})
	require.NoError(t, err)
	committed, ok := out.(*workflow.Committed)
	require.True(t, ok)
	id := committed.Record.ID
	require.NoError(t, term.store.Close())

	// second boot: the record is still queued
	term = openTerminal(t, dbPath)
	defer term.store.Close()
	n, err := term.store.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := term.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Synced)
	assert.Equal(t, "term-02", rec.DeviceID)

	rep, err = term.orch.RunFullSync(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, "ok", rep.Result())
	pushed, failed := rep.Pushed()
	assert.Equal(t, 1, pushed)
	assert.Zero(t, failed)
	assert.Equal(t, 1, be.pushedCount(entity.KindDispenseRecord.Resource()))

	n, err = term.store.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	rec, err = term.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Synced)

	// the next session pushes nothing and changes nothing
	rep, err = term.orch.RunFullSync(ctx, creds)
	require.NoError(t, err)
	pushed, _ = rep.Pushed()
	assert.Zero(t, pushed)
	kr, _ = rep.Kind(entity.KindDispenseRecord)
	assert.Equal(t, 1, kr.Unchanged)
}
