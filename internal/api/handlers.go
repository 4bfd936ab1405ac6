// Package api exposes the analysis orchestrator and the run history over HTTP.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fiap/smartlocation/internal/model"
	"github.com/fiap/smartlocation/internal/service"
	"github.com/fiap/smartlocation/internal/store"
)

const maxHistory = 200

// Orchestrator is the part of service.Orchestrator the handlers use.
type Orchestrator interface {
	Start(ctx context.Context) (string, error)
	Status() model.Status
	Cancel()
	Detections(ctx context.Context) (string, []model.DetectionRecord)
	BaseDir() string
}

// Handlers serves the analysis endpoints. DB may be nil, the endpoints
// backed by the store then answer 503.
type Handlers struct {
	Orch Orchestrator
	DB   *sql.DB
}

// NewRouter returns the router with all routes and middleware mounted.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "smartlocation")
	})

	r.Get("/health", h.Health)
	r.Route("/api/analise", func(r chi.Router) {
		r.Post("/iniciar", h.StartAnalysis)
		r.Get("/status", h.GetStatus)
		r.Post("/cancelar", h.CancelAnalysis)
		r.Get("/resultado", h.GetResult)
		r.Get("/deteccoes-pendentes", h.PendingDetections)
		r.Post("/deteccoes", h.SaveDetections)
		r.Get("/historico", h.History)
	})
	r.Get("/artefatos/*", h.Artifact)
	return r
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	runID, err := h.Orch.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	case errors.Is(err, service.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "an analysis is already running")
	case errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		writeInternalError(w, r, err)
	}
}

func (h *Handlers) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orch.Status())
}

func (h *Handlers) CancelAnalysis(w http.ResponseWriter, _ *http.Request) {
	h.Orch.Cancel()
	writeJSON(w, http.StatusOK, h.Orch.Status())
}

func (h *Handlers) GetResult(w http.ResponseWriter, _ *http.Request) {
	report, ok := h.Orch.Status().Report()
	if !ok {
		writeError(w, http.StatusNotFound, "no finished analysis")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) PendingDetections(w http.ResponseWriter, r *http.Request) {
	_, records := h.Orch.Detections(r.Context())
	writeJSON(w, http.StatusOK, records)
}

type saveDetectionsRequest struct {
	RunID      string                  `json:"run_id"`
	Detections []model.DetectionRecord `json:"deteccoes"`
}

// SaveDetections persists the posted records. Without records in the body
// the pending records of the last harvested run are saved under that run.
func (h *Handlers) SaveDetections(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	req, ok := readJSON[saveDetectionsRequest](w, r)
	if !ok {
		return
	}
	if len(req.Detections) == 0 {
		var runID string
		runID, req.Detections = h.Orch.Detections(r.Context())
		if req.RunID == "" {
			req.RunID = runID
		}
	}
	n, err := store.SaveDetections(r.Context(), h.DB, req.RunID, req.Detections)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"count": n})
}

func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistory {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistory))
			return
		}
		limit = n
	}
	runs, err := store.ListRuns(r.Context(), h.DB, limit)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.RunRow{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Artifact serves files below the pipeline base directory. Paths leaving
// the base directory are rejected by os.Root.
func (h *Handlers) Artifact(w http.ResponseWriter, r *http.Request) {
	root, err := os.OpenRoot(h.Orch.BaseDir())
	if err != nil {
		writeError(w, http.StatusNotFound, "no artifacts")
		return
	}
	defer func() { _ = root.Close() }()
	http.StripPrefix("/artefatos", http.FileServerFS(root.FS())).ServeHTTP(w, r)
}
