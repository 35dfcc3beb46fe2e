// Package handlers provides HTTP handlers for the terminal API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/catalog"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/store"
	"github.com/drfirst/go-pod/internal/workflow"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, replication.ErrUnauthenticated),
		errors.Is(err, workflow.ErrNoOperator):
		return http.StatusUnauthorized
	case errors.Is(err, workflow.ErrRecordNotFound),
		errors.Is(err, workflow.ErrPendingNotFound),
		errors.Is(err, catalog.ErrDrugNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrSyncInProgress),
		errors.Is(err, workflow.ErrAlreadyCanceled),
		errors.Is(err, workflow.ErrPendingExpired):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, dosing.ErrNoApplicableRegimen):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its mapped status. Internal failures are
// logged and their text is not returned.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		jsonError(w, "internal error", code)
		return
	}

	var miss *dosing.NoApplicableRegimenError
	if errors.As(err, &miss) {
		writeJSON(w, code, regimenMissBody(miss))
		return
	}
	jsonError(w, err.Error(), code)
}

type regimenMiss struct {
	Error       string              `json:"error"`
	DrugID      string              `json:"drugId"`
	Age         float64             `json:"age"`
	Weight      float64             `json:"weight"`
	AgeGroup    string              `json:"ageGroup"`
	Constraints []dosing.Constraint `json:"constraints"`
	Considered  int                 `json:"regimensConsidered"`
}

func regimenMissBody(e *dosing.NoApplicableRegimenError) regimenMiss {
	c := e.Constraints
	if c == nil {
		c = []dosing.Constraint{}
	}
	return regimenMiss{
		Error:       e.Error(),
		DrugID:      e.DrugID,
		Age:         e.Age,
		Weight:      e.Weight,
		AgeGroup:    string(e.AgeGroup),
		Constraints: c,
		Considered:  e.Considered,
	}
}
