// internal/api/handler.go
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-metadata-harvester/internal/model"
)

// Status is the shared snapshot of the current run, updated by the
// harvester's progress callback and read by the report endpoint.
type Status struct {
	mu        sync.Mutex
	phase     string
	processed int
	total     int
	report    *model.RunReport
}

// NewStatus creates a Status in the "starting" phase.
func NewStatus() *Status {
	return &Status{phase: "starting"}
}

// SetProgress records how far the run has come. Usable directly as the
// harvester's ProgressFunc.
func (s *Status) SetProgress(done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = "running"
	s.processed = done
	s.total = total
}

// SetReport records the finalized report.
func (s *Status) SetReport(report model.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = "finished"
	s.report = &report
}

type statusResponse struct {
	Phase     string           `json:"phase"`
	Processed int              `json:"processed"`
	Total     int              `json:"total"`
	Report    *model.RunReport `json:"report,omitempty"`
}

func (s *Status) snapshot() statusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statusResponse{
		Phase:     s.phase,
		Processed: s.processed,
		Total:     s.total,
		Report:    s.report,
	}
}

// Handler is the container for API dependencies.
type Handler struct {
	status *Status
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(status *Status, logger *slog.Logger) http.Handler {
	h := &Handler{
		status: status,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/report", h.getReport)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getReport returns the current run snapshot: progress while running,
// the full report once finished.
// GET /v1/report
func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.status.snapshot())
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Headers are already out; an encode failure here has nowhere to go.
	_ = json.NewEncoder(w).Encode(payload)
}
