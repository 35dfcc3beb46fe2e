package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/replication"
)

// SyncHandler exposes manual sync and scheduler status.
type SyncHandler struct {
	scheduler *replication.Scheduler
	baseURL   string
	logger    *zap.Logger
}

// NewSyncHandler creates a new handler. Manual syncs target baseURL with the
// caller's bearer token.
func NewSyncHandler(s *replication.Scheduler, baseURL string, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{scheduler: s, baseURL: baseURL, logger: logger}
}

// Routes returns the sync routes.
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Run)
	r.Get("/status", h.Status)
	return r
}

// Run handles POST /sync
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	creds := replication.Credentials{BaseURL: h.baseURL, Token: bearer(r)}
	rep, err := h.scheduler.RunNow(r.Context(), creds)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Status handles GET /sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status(r.Context()))
}

func bearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
