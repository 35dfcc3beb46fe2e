package dispense

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pod/internal/domain/entity"
	"github.com/drfirst/go-pod/internal/infrastructure/sqlite"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testDose() DoseCalculation {
	return DoseCalculation{
		DrugID: "AMOX-500", DrugName: "Amoxicillin", Strength: "500mg",
		DoseMg: 500, Frequency: "TDS", Duration: "7 days", Route: "oral",
		STGCitation: "STG 18.2", Warnings: []string{},
	}
}

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	age, weight := 30.0, 70.0
	rec, err := NewRecord(NewID(t0), t0, "op-1", "Ama Mensah", "term-01",
		PatientSnapshot{Name: "Kofi", Age: &age, Weight: &weight}, testDose(), nil)
	require.NoError(t, err)
	return rec
}

func TestNewID(t *testing.T) {
	id := NewID(t0)
	assert.Regexp(t, regexp.MustCompile(`^\d{13}-[0-9a-f]{9}$`), id)
	assert.NotEqual(t, id, NewID(t0))
}

func TestNewRecord(t *testing.T) {
	rec := newTestRecord(t)
	assert.Equal(t, StateCommittedLocal, rec.State())
	assert.True(t, rec.IsActive)
	assert.False(t, rec.Synced)
	assert.Equal(t, []string{}, rec.SafetyAcknowledgements)
	require.Len(t, rec.AuditLog, 1)
	assert.Equal(t, ActionCreated, rec.AuditLog[0].Action)
	assert.Equal(t, "op-1", rec.AuditLog[0].Actor)
	assert.Equal(t, t0.UnixMilli(), rec.Timestamp)

	_, err := NewRecord("x", t0, "", "", "", PatientSnapshot{}, testDose(), nil)
	assert.ErrorIs(t, err, ErrMissingOperator)

	bad := testDose()
	bad.DoseMg = 0
	_, err = NewRecord("x", t0, "op", "", "", PatientSnapshot{}, bad, nil)
	assert.Error(t, err)
}

func TestRecordWireShape(t *testing.T) {
	rec := newTestRecord(t)
	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{"id", "timestamp", "pharmacistId", "pharmacistName", "patientName",
		"patientAge", "patientWeight", "drugId", "drugName", "dose", "safetyAcknowledgements",
		"synced", "deviceId", "auditLog", "isActive"} {
		assert.Contains(t, m, key)
	}
	assert.NotContains(t, m, "printedAt")
	assert.NotContains(t, m, "patientPhoneNumber")
	dose := m["dose"].(map[string]any)
	assert.Equal(t, "STG 18.2", dose["stgCitation"])
	assert.Equal(t, false, dose["requiresPinConfirm"])
}

func TestCancelAndPrint(t *testing.T) {
	rec := newTestRecord(t)
	rec.Synced = true
	synced := t0.UnixMilli()
	rec.SyncedAt = &synced

	require.NoError(t, rec.MarkPrinted(t0.Add(time.Minute), "op-1"))
	assert.False(t, rec.Synced)
	require.NotNil(t, rec.PrintedAt)

	rec.Synced = true
	require.NoError(t, rec.Cancel(t0.Add(2*time.Minute), "op-2", "wrong patient"))
	assert.Equal(t, StateCanceled, rec.State())
	assert.False(t, rec.Synced)
	assert.Nil(t, rec.SyncedAt)

	last := rec.AuditLog[len(rec.AuditLog)-1]
	assert.Equal(t, ActionCanceled, last.Action)
	assert.Equal(t, "op-2", last.Actor)
	assert.Equal(t, "wrong patient", last.Details["reason"])

	assert.ErrorIs(t, rec.Cancel(t0, "op-2", ""), ErrAlreadyCanceled)
	assert.ErrorIs(t, rec.MarkPrinted(t0, "op-2"), ErrAlreadyCanceled)
	assert.Len(t, rec.AuditLog, 3)
}

func TestRiskTicket(t *testing.T) {
	rec := newTestRecord(t)
	_, err := NewRiskTicket("t1", t0, rec)
	assert.Error(t, err)

	rec.AttachRisk(t0, RiskSnapshot{ID: "ra-1", Score: 70, Category: "high", Flags: []string{"STG_DEVIATION"}}, "op-1")
	require.NotNil(t, rec.RiskAssessment)
	assert.Equal(t, "op-1", rec.RiskAssessment.AcknowledgedBy)
	assert.Equal(t, ActionRiskAcknowledged, rec.AuditLog[len(rec.AuditLog)-1].Action)

	tk, err := NewRiskTicket("t1", t0, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, tk.DispenseRecordID)
	assert.Equal(t, "ra-1", tk.RiskAssessmentID)
	assert.Equal(t, "high", tk.Priority)
	assert.Equal(t, TicketStatusOpen, tk.Status)
	assert.Equal(t, 70, tk.RiskScore)
	assert.False(t, tk.Synced)
}

func TestRepository(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, sqlite.MemoryPath, nil)
	require.NoError(t, err)
	defer s.Close()
	repo := NewRepository(s)

	rec := newTestRecord(t)
	require.NoError(t, repo.Create(ctx, rec))
	assert.Error(t, repo.Create(ctx, rec))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entity.KindDispenseRecord, pending[0].Kind)

	acked, err := s.MarkSynced(ctx, entity.KindDispenseRecord, rec.ID, pending[0].Revision)
	require.NoError(t, err)
	require.True(t, acked)

	got, err = repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommittedSynced, got.State())

	updated, err := repo.Update(ctx, rec.ID, func(r *Record) error {
		return r.Cancel(t0, "op-1", "")
	})
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, updated.State())

	n, err := s.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Update(ctx, rec.ID, func(r *Record) error { return r.Cancel(t0, "op-1", "") })
	assert.ErrorIs(t, err, ErrAlreadyCanceled)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = repo.Update(ctx, "nope", func(*Record) error { return nil })
	assert.ErrorIs(t, err, ErrRecordNotFound)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
