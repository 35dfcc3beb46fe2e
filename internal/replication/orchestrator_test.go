package replication

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/infrastructure/sqlite"
	"github.com/drfirst/go-pod/internal/store"
)

const testToken = "tok"

// fakeBackend serves GET /api/{resource} from fixtures and accepts POSTs.
type fakeBackend struct {
	mu      sync.Mutex
	data    map[string][]any
	raw     map[string]string
	status  map[string]int
	gets    map[string]int
	posts   map[string][]json.RawMessage
	pushAck string
	onGet   func(resource string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		data: map[string][]any{
			"roles":            {map[string]any{"id": "r1", "name": "pharmacist"}},
			"users":            {map[string]any{"id": "u1", "email": "ama@example.org", "fullName": "Ama Mensah", "isActive": true}},
			"drugs":            {map[string]any{"id": "AMOX-500", "genericName": "Amoxicillin", "strength": "500mg", "route": "oral", "category": "antibiotic"}},
			"dose-regimens":    {map[string]any{"id": "reg1", "drugId": "AMOX-500", "ageMin": 12, "doseMg": "500 mg", "frequency": "TDS", "duration": "7 days"}},
			"printer-settings": {map[string]any{"id": "p1", "name": "Zebra"}},
			"templates":        {map[string]any{"id": "t1", "name": "Label", "content": "{{drugName}}"}},
			"system-settings":  {map[string]any{"id": "sys", "facilityName": "Korle Bu"}},
			"smtp-settings":    {map[string]any{"id": "smtp", "host": "mail.example.org", "port": 587, "enabled": true}},
			"pharmacies":       {map[string]any{"id": "ph1", "name": "Main", "isActive": true}},
			"dispenses":        {},
			"tickets":          {},
		},
		raw:     map[string]string{},
		status:  map[string]int{},
		gets:    map[string]int{},
		posts:   map[string][]json.RawMessage{},
		pushAck: `{"success":true}`,
	}
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, "/api/")

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.posts[resource] = append(f.posts[resource], body)
		status, ack := f.status["POST "+resource], f.pushAck
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(ack))
		return
	}

	f.mu.Lock()
	f.gets[resource]++
	onGet := f.onGet
	status, raw, rows := f.status[resource], f.raw[resource], f.data[resource]
	f.mu.Unlock()

	if onGet != nil {
		onGet(resource)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if raw != "" {
		_, _ = w.Write([]byte(raw))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": rows})
}

func (f *fakeBackend) totalGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.gets {
		n += c
	}
	return n
}

func (f *fakeBackend) getsOf(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[resource]
}

func (f *fakeBackend) postsTo(resource string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.posts[resource]...)
}

type harness struct {
	orch  *Orchestrator
	store *sqlite.Store
	repo  *dispense.Repository
	creds Credentials
}

func newHarness(t *testing.T, fb *fakeBackend, pusher Pusher) *harness {
	t.Helper()
	ts := httptest.NewServer(fb)
	t.Cleanup(ts.Close)

	st, err := sqlite.Open(context.Background(), sqlite.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pullers, err := NewPullers(entity.SyncOrder(), func(entity.Kind) ([]ClientOption, error) {
		return []ClientOption{WithTimeout(2 * time.Second)}, nil
	})
	require.NoError(t, err)

	if pusher == nil {
		pusher = NewHTTPPusher(nil, 2*time.Second, nil)
	}
	orch, err := NewOrchestrator(DefaultConfig(), st, pullers, pusher, nil, nil)
	require.NoError(t, err)

	return &harness{
		orch:  orch,
		store: st,
		repo:  dispense.NewRepository(st),
		creds: Credentials{BaseURL: ts.URL, Token: testToken},
	}
}

func newLocalRecord(t *testing.T, h *harness) *dispense.Record {
	t.Helper()
	now := time.Now()
	rec, err := dispense.NewRecord(dispense.NewID(now), now, "op-1", "Ama Mensah", "term-01",
		dispense.PatientSnapshot{Name: "Kofi"},
		dispense.DoseCalculation{DrugID: "AMOX-500", DrugName: "Amoxicillin", DoseMg: 500, Frequency: "TDS", Warnings: []string{}},
		nil)
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(context.Background(), rec))
	return rec
}

func TestRunFullSyncRequiresToken(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)

	rep, err := h.orch.RunFullSync(context.Background(), Credentials{BaseURL: h.creds.BaseURL})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Nil(t, rep)
	assert.Zero(t, fb.totalGets())
}

func TestRunFullSyncPullsEveryKind(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	assert.Equal(t, "ok", rep.Result())
	assert.False(t, rep.Canceled())

	kinds := rep.Kinds()
	require.Len(t, kinds, len(entity.SyncOrder()))
	for i, kr := range kinds {
		assert.Equal(t, entity.SyncOrder()[i], kr.Kind)
		assert.NoError(t, kr.Err)
		if kr.Kind.Transactional() {
			assert.Zero(t, kr.Pulled, kr.Kind)
			continue
		}
		assert.Equal(t, 1, kr.Pulled, kr.Kind)
		assert.Equal(t, 1, kr.Inserted, kr.Kind)
	}

	row, err := h.store.Get(ctx, entity.KindDoseRegimen, "reg1")
	require.NoError(t, err)
	assert.True(t, row.Synced)
	var reg entity.DoseRegimen
	require.NoError(t, store.Decode(row, &reg))
	assert.Equal(t, entity.DoseExpr("500 mg"), reg.Dose)
}

func TestRunFullSyncIsolatesFailingKind(t *testing.T) {
	fb := newFakeBackend()
	fb.status["printer-settings"] = http.StatusInternalServerError
	fb.raw["templates"] = `{"data": not-json`
	h := newHarness(t, fb, nil)

	rep, err := h.orch.RunFullSync(context.Background(), h.creds)
	require.NoError(t, err)
	assert.Equal(t, "partial", rep.Result())

	printers, _ := rep.Kind(entity.KindPrinterSetting)
	assert.ErrorIs(t, printers.Err, ErrStatus)
	var fe *FetchError
	require.True(t, errors.As(printers.Err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.Status)
	assert.NotEmpty(t, printers.Error)

	templates, _ := rep.Kind(entity.KindPrintTemplate)
	assert.ErrorIs(t, templates.Err, ErrDecode)

	assert.Len(t, rep.Failures(), 2)
	for _, kr := range rep.Kinds() {
		if kr.Kind == entity.KindPrinterSetting || kr.Kind == entity.KindPrintTemplate || kr.Kind.Transactional() {
			continue
		}
		assert.NoError(t, kr.Err, kr.Kind)
		assert.Equal(t, 1, kr.Pulled, kr.Kind)
	}
}

type panickingPuller struct{ kind entity.Kind }

func (p panickingPuller) Kind() entity.Kind { return p.kind }

func (p panickingPuller) Pull(context.Context, Credentials) (*Batch, error) {
	panic("printer driver table missing")
}

func TestRunFullSyncIsolatesPanickingKind(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)
	h.orch.pullers[entity.KindPrinterSetting] = panickingPuller{kind: entity.KindPrinterSetting}

	rep, err := h.orch.RunFullSync(context.Background(), h.creds)
	require.NoError(t, err)
	assert.Equal(t, "partial", rep.Result())

	printers, _ := rep.Kind(entity.KindPrinterSetting)
	assert.False(t, printers.NotRun)
	assert.Contains(t, printers.Error, "printer driver table missing")

	require.Len(t, rep.Failures(), 1)
	drugs, _ := rep.Kind(entity.KindDrug)
	assert.NoError(t, drugs.Err)
	assert.Equal(t, 1, drugs.Pulled)
}

func TestRunFullSyncTransportFailureIsTransient(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	h.creds.BaseURL = "http://127.0.0.1:1"

	rep, err := h.orch.RunFullSync(context.Background(), h.creds)
	require.NoError(t, err)
	require.Len(t, rep.Failures(), len(entity.SyncOrder()))
	for _, kr := range rep.Failures() {
		assert.ErrorIs(t, kr.Err, ErrTransient)
	}
}

func TestRunFullSyncIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	_, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	before, err := h.store.List(ctx, entity.KindDrug)
	require.NoError(t, err)

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	for _, kr := range rep.Kinds() {
		assert.Zero(t, kr.Inserted, kr.Kind)
		assert.Zero(t, kr.Updated, kr.Kind)
		assert.Equal(t, kr.Pulled, kr.Unchanged, kr.Kind)
	}

	after, err := h.store.List(ctx, entity.KindDrug)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].Revision, after[0].Revision)
	assert.JSONEq(t, string(before[0].Payload), string(after[0].Payload))
}

func TestRunFullSyncServerWinsForReferenceData(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	_, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)

	fb.mu.Lock()
	fb.data["drugs"] = []any{map[string]any{"id": "AMOX-500", "genericName": "Amoxicillin", "strength": "250mg"}}
	fb.mu.Unlock()

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	drugs, _ := rep.Kind(entity.KindDrug)
	assert.Equal(t, 1, drugs.Updated)

	row, err := h.store.Get(ctx, entity.KindDrug, "AMOX-500")
	require.NoError(t, err)
	var d entity.Drug
	require.NoError(t, store.Decode(row, &d))
	assert.Equal(t, "250mg", d.Strength)
}

func TestRunFullSyncRejectsInvalidRows(t *testing.T) {
	fb := newFakeBackend()
	fb.data["drugs"] = []any{
		map[string]any{"id": "AMOX-500", "genericName": "Amoxicillin"},
		map[string]any{"id": "", "genericName": "No id"},
		map[string]any{"id": "X-1"},
		"not an object",
	}
	fb.data["dose-regimens"] = []any{
		map[string]any{"id": "bad", "drugId": "AMOX-500", "ageMin": 18, "ageMax": 12, "doseMg": "5 mg"},
	}
	h := newHarness(t, fb, nil)

	rep, err := h.orch.RunFullSync(context.Background(), h.creds)
	require.NoError(t, err)

	drugs, _ := rep.Kind(entity.KindDrug)
	assert.NoError(t, drugs.Err)
	assert.Equal(t, 1, drugs.Pulled)
	assert.Equal(t, 3, drugs.Rejected)

	regimens, _ := rep.Kind(entity.KindDoseRegimen)
	assert.Equal(t, 1, regimens.Rejected)
	assert.Zero(t, regimens.Pulled)
}

func TestRunFullSyncSessionGuard(t *testing.T) {
	fb := newFakeBackend()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fb.onGet = func(resource string) {
		if resource == "roles" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}
	h := newHarness(t, fb, nil)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunFullSync(context.Background(), h.creds)
		done <- err
	}()

	<-entered
	assert.True(t, h.orch.Running())
	_, err := h.orch.RunFullSync(context.Background(), h.creds)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.orch.Running())
}

func TestRunFullSyncCancellationFinishesInFlightKind(t *testing.T) {
	fb := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb.onGet = func(resource string) {
		if resource == "roles" {
			cancel()
		}
	}
	h := newHarness(t, fb, nil)

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	assert.True(t, rep.Canceled())
	assert.Equal(t, "canceled", rep.Result())

	roles, _ := rep.Kind(entity.KindRole)
	assert.NoError(t, roles.Err)
	assert.Equal(t, 1, roles.Pulled)

	users, _ := rep.Kind(entity.KindUser)
	assert.True(t, users.NotRun)

	_, err = h.store.Get(context.Background(), entity.KindRole, "r1")
	assert.NoError(t, err)
	_, err = h.store.Get(context.Background(), entity.KindUser, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunFullSyncParallelPulls(t *testing.T) {
	fb := newFakeBackend()
	ts := httptest.NewServer(fb)
	defer ts.Close()

	st, err := sqlite.Open(context.Background(), sqlite.MemoryPath, nil)
	require.NoError(t, err)
	defer st.Close()

	pullers, err := NewPullers(entity.SyncOrder(), nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Parallelism = 4
	orch, err := NewOrchestrator(cfg, st, pullers, nil, nil, nil)
	require.NoError(t, err)

	rep, err := orch.RunFullSync(context.Background(), Credentials{BaseURL: ts.URL, Token: testToken})
	require.NoError(t, err)
	assert.Empty(t, rep.Failures())
	for _, kr := range rep.Kinds() {
		assert.False(t, kr.NotRun, kr.Kind)
	}
}

func TestPushDrainsOutbox(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		newLocalRecord(t, h)
	}
	n, err := h.store.OutboxSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	pushed, failed := rep.Pushed()
	assert.Equal(t, 3, pushed)
	assert.Zero(t, failed)
	assert.Len(t, fb.postsTo("dispenses"), 3)

	n, err = h.store.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := h.repo.List(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.Synced)
	}
}

func TestPushSuccessFalseStaysQueued(t *testing.T) {
	fb := newFakeBackend()
	fb.pushAck = `{"success":false,"error":"duplicate"}`
	h := newHarness(t, fb, nil)
	ctx := context.Background()
	rec := newLocalRecord(t, h)

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	_, failed := rep.Pushed()
	assert.Equal(t, 1, failed)
	assert.Equal(t, "partial", rep.Result())
	assert.Len(t, fb.postsTo("dispenses"), 1)

	pending, err := h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "duplicate")
}

func TestCanceledRecordIsPushedAgain(t *testing.T) {
	fb := newFakeBackend()
	h := newHarness(t, fb, nil)
	ctx := context.Background()
	rec := newLocalRecord(t, h)

	_, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)

	_, err = h.repo.Update(ctx, rec.ID, func(r *dispense.Record) error {
		return r.Cancel(time.Now(), "op-1", "wrong patient")
	})
	require.NoError(t, err)
	n, err := h.store.OutboxSize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)

	posts := fb.postsTo("dispenses")
	require.Len(t, posts, 2)
	var sent dispense.Record
	require.NoError(t, json.Unmarshal(posts[1], &sent))
	assert.False(t, sent.IsActive)
}

type pushFunc func(ctx context.Context, creds Credentials, e *store.OutboxEntry) error

func (f pushFunc) Push(ctx context.Context, creds Credentials, e *store.OutboxEntry) error {
	return f(ctx, creds, e)
}

func TestRewriteDuringPushIsNotLost(t *testing.T) {
	fb := newFakeBackend()
	var (
		h     *harness
		calls []bool
	)
	pusher := pushFunc(func(ctx context.Context, _ Credentials, e *store.OutboxEntry) error {
		var sent dispense.Record
		require.NoError(t, json.Unmarshal(e.Payload, &sent))
		calls = append(calls, sent.IsActive)
		if len(calls) == 1 {
			_, err := h.repo.Update(ctx, e.ID, func(r *dispense.Record) error {
				return r.Cancel(time.Now(), "op-2", "")
			})
			return err
		}
		return nil
	})
	h = newHarness(t, fb, pusher)
	ctx := context.Background()
	newLocalRecord(t, h)

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	pushed, _ := rep.Pushed()
	assert.Equal(t, 2, pushed)
	assert.Equal(t, []bool{true, false}, calls)

	n, err := h.store.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileLocallyCreatedKinds(t *testing.T) {
	fb := newFakeBackend()
	fb.status["POST dispenses"] = http.StatusServiceUnavailable
	h := newHarness(t, fb, nil)
	ctx := context.Background()

	pendingDiffers := newLocalRecord(t, h)
	pendingSame := newLocalRecord(t, h)

	remoteDiffers := *pendingDiffers
	remoteDiffers.PatientName = "Someone else"
	remoteDiffers.Synced = true
	remoteSame := *pendingSame
	remoteSame.Synced = true
	ts := time.Now().UnixMilli()
	remoteSame.SyncedAt = &ts
	remoteNew := *pendingSame
	remoteNew.ID = "1700000000000-abcdefabc"
	remoteNew.Synced = true

	fb.data["dispenses"] = []any{remoteDiffers, remoteSame, remoteNew}

	rep, err := h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	_, failed := rep.Pushed()
	assert.Equal(t, 2, failed)

	kr, _ := rep.Kind(entity.KindDispenseRecord)
	assert.Equal(t, 3, kr.Pulled)
	assert.Equal(t, 1, kr.Skipped)
	assert.Equal(t, 1, kr.Updated)
	assert.Equal(t, 1, kr.Inserted)

	got, err := h.repo.Get(ctx, pendingDiffers.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, "Kofi", got.PatientName)

	got, err = h.repo.Get(ctx, pendingSame.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)

	got, err = h.repo.Get(ctx, remoteNew.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)

	pending, err := h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pendingDiffers.ID, pending[0].ID)

	// Once synced, the server copy overwrites the local one.
	fb.mu.Lock()
	remoteNew.PatientName = "Updated upstream"
	fb.data["dispenses"] = []any{remoteNew}
	fb.mu.Unlock()
	_, err = h.orch.RunFullSync(ctx, h.creds)
	require.NoError(t, err)
	got, err = h.repo.Get(ctx, remoteNew.ID)
	require.NoError(t, err)
	assert.Equal(t, "Updated upstream", got.PatientName)
}

func TestReportJSON(t *testing.T) {
	rep := newReport(time.Unix(100, 0), []entity.Kind{entity.KindRole, entity.KindDrug})
	rep.setKind(KindReport{Kind: entity.KindRole, Pulled: 2, Inserted: 2})
	rep.setKind(KindReport{Kind: entity.KindDrug, Err: errors.New("boom")})
	rep.addPush(true)
	rep.finish(time.Unix(101, 0), false)

	// Writes after finish are ignored.
	rep.setKind(KindReport{Kind: entity.KindRole})
	rep.addPush(false)

	b, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"startedAt": "`+time.Unix(100, 0).Format(time.RFC3339Nano)+`",
		"finishedAt": "`+time.Unix(101, 0).Format(time.RFC3339Nano)+`",
		"durationMs": 1000,
		"canceled": false,
		"result": "partial",
		"pushed": 1,
		"pushFailed": 0,
		"kinds": [
			{"kind":"role","pulled":2,"inserted":2,"updated":0,"unchanged":0,"skipped":0,"rejected":0},
			{"kind":"drug","pulled":0,"inserted":0,"updated":0,"unchanged":0,"skipped":0,"rejected":0,"error":"boom"}
		]
	}`, string(b))
}
