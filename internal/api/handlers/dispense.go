package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/api/middleware"
	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/workflow"
	"github.com/drfirst/go-pod/pkg/idempotency"
)

// Commit states returned to the terminal.
const (
	StateCommitted           = "committed"
	StatePendingConfirmation = "pending_confirmation"
)

// Idempotency headers for POST /dispenses.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// DispenseHandler serves dose resolution and the dispense lifecycle.
type DispenseHandler struct {
	wf     *workflow.Workflow
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewDispenseHandler creates a new handler. A nil inbox disables
// Idempotency-Key handling.
func NewDispenseHandler(wf *workflow.Workflow, inbox *idempotency.Inbox, logger *zap.Logger) *DispenseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispenseHandler{wf: wf, inbox: inbox, logger: logger}
}

// DoseRoutes returns the dose resolution routes.
func (h *DispenseHandler) DoseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/resolve", h.Resolve)
	return r
}

// Routes returns the dispense routes.
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Commit)
	r.Get("/pending/{id}", h.GetPending)
	r.Post("/pending/{id}/confirm", h.Confirm)
	r.Delete("/pending/{id}", h.Discard)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/printed", h.Printed)
	return r
}

// ResolveRequest is the body of POST /doses/resolve.
type ResolveRequest struct {
	DrugID  string                `json:"drugId"`
	Patient dosing.PatientContext `json:"patient"`
}

// CommittedResponse is returned when a record was stored.
type CommittedResponse struct {
	State        string           `json:"state"`
	Record       *dispense.Record `json:"record"`
	RiskScore    int              `json:"riskScore"`
	RiskCategory string           `json:"riskCategory"`
	RiskFlags    []string         `json:"riskFlags"`
}

// PendingResponse is returned when the operator must confirm a high risk.
type PendingResponse struct {
	State        string    `json:"state"`
	PendingID    string    `json:"pendingId"`
	RiskScore    int       `json:"riskScore"`
	RiskCategory string    `json:"riskCategory"`
	RiskFlags    []string  `json:"riskFlags"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// CancelRequest is the optional body of POST /dispenses/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Resolve handles POST /doses/resolve
func (h *DispenseHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.GetSession(r.Context())

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DrugID == "" {
		jsonError(w, "drugId is required", http.StatusBadRequest)
		return
	}

	prop, err := h.wf.ResolveDose(r.Context(), s, req.DrugID, req.Patient)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// Commit handles POST /dispenses. With an Idempotency-Key header a retried
// request replays the first response instead of committing twice.
func (h *DispenseHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, _ := middleware.GetSession(ctx)

	var req workflow.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || h.inbox == nil {
		code, body, err := h.commit(ctx, s, req)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, code, body)
		return
	}

	res, err := h.inbox.Process(ctx, idempotency.GenerateKey(s.OperatorID, key), func(ctx context.Context) (idempotency.Result, error) {
		code, body, err := h.commit(ctx, s, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return idempotency.Result{}, err
		}
		return idempotency.Result{Status: code, Body: raw}, nil
	})
	if errors.Is(err, idempotency.ErrMessageInProgress) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !res.IsNew && !res.WasRecovered {
		w.Header().Set(HeaderReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Result.Status)
	_, _ = w.Write(res.Result.Body)
}

func (h *DispenseHandler) commit(ctx context.Context, s workflow.Session, req workflow.CommitRequest) (int, any, error) {
	out, err := h.wf.Commit(ctx, s, req)
	if err != nil {
		return 0, nil, err
	}
	switch o := out.(type) {
	case *workflow.Committed:
		h.logger.Info("dispense committed",
			zap.String("id", o.Record.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		return http.StatusCreated, CommittedResponse{
			State:        StateCommitted,
			Record:       o.Record,
			RiskScore:    o.Assessment.Score,
			RiskCategory: string(o.Assessment.Category),
			RiskFlags:    o.Assessment.Flags,
		}, nil
	case *workflow.PendingConfirmation:
		return http.StatusAccepted, pendingResponse(o), nil
	}
	return 0, nil, fmt.Errorf("unexpected commit outcome %T", out)
}

// GetPending handles GET /dispenses/pending/{id}
func (h *DispenseHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	p, err := h.wf.Pending(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse(p))
}

// Confirm handles POST /dispenses/pending/{id}/confirm
func (h *DispenseHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.GetSession(r.Context())
	rec, err := h.wf.Acknowledge(r.Context(), s, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := CommittedResponse{State: StateCommitted, Record: rec, RiskFlags: []string{}}
	if ra := rec.RiskAssessment; ra != nil {
		resp.RiskScore = ra.Score
		resp.RiskCategory = ra.Category
		resp.RiskFlags = ra.Flags
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Discard handles DELETE /dispenses/pending/{id}
func (h *DispenseHandler) Discard(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.GetSession(r.Context())
	if err := h.wf.Discard(r.Context(), s, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /dispenses/{id}
func (h *DispenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.wf.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Cancel handles POST /dispenses/{id}/cancel
func (h *DispenseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.GetSession(r.Context())

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	rec, err := h.wf.CancelRecord(r.Context(), s, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Printed handles POST /dispenses/{id}/printed
func (h *DispenseHandler) Printed(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.GetSession(r.Context())
	rec, err := h.wf.MarkPrinted(r.Context(), s, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func pendingResponse(p *workflow.PendingConfirmation) PendingResponse {
	return PendingResponse{
		State:        StatePendingConfirmation,
		PendingID:    p.ID,
		RiskScore:    p.Assessment.Score,
		RiskCategory: string(p.Assessment.Category),
		RiskFlags:    p.Assessment.Flags,
		ExpiresAt:    p.ExpiresAt,
	}
}
