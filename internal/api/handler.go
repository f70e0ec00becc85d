// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/nuka-assess/internal/lineage"
	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/registry"
)

// Assessments is the orchestrator surface the handlers use.
type Assessments interface {
	Initiate(ctx context.Context, req orchestrator.Request) (*orchestrator.Accepted, error)
	Status(id string) (orchestrator.StatusView, error)
	Report(id string) (*orchestrator.Report, error)
	List() []orchestrator.Summary
	Cancel(ctx context.Context, id string) (orchestrator.StatusView, error)
}

// Agents lists registered agents.
type Agents interface {
	List() []registry.Descriptor
	Capabilities() map[string][]string
}

// Archive serves assessments from earlier server runs.
type Archive interface {
	GetAssessment(ctx context.Context, id string) (orchestrator.StatusView, *orchestrator.Report, error)
	ListAssessments(ctx context.Context, limit int) ([]orchestrator.Summary, error)
}

// Lineage reads stored task graphs.
type Lineage interface {
	Tasks(ctx context.Context, assessmentID string) ([]lineage.TaskNode, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	assessments Assessments
	agents      Agents
	archive     Archive
	lineage     Lineage
	intake      *rate.Limiter
	logger      *zap.Logger
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithArchive falls back to persisted snapshots for unknown ids.
func WithArchive(a Archive) Option { return func(h *Handler) { h.archive = a } }

// WithLineage enables the lineage route.
func WithLineage(l Lineage) Option { return func(h *Handler) { h.lineage = l } }

// WithIntakeLimit throttles new assessments to perMinute with the given burst.
func WithIntakeLimit(perMinute, burst int) Option {
	return func(h *Handler) {
		h.intake = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
}

// NewHandler creates a new API handler.
func NewHandler(assessments Assessments, agents Agents, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{assessments: assessments, agents: agents, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/assess", h.initiate)
			r.Get("/assessments", h.listAssessments)
			r.Get("/assessment/{id}/status", h.status)
			r.Get("/assessment/{id}/report", h.report)
			r.Post("/assessment/{id}/cancel", h.cancel)
			r.Get("/assessment/{id}/lineage", h.lineageTasks)
			r.Get("/agents", h.listAgents)
			r.Get("/capabilities", h.capabilities)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "assess"})
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	if h.intake != nil && !h.intake.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many assessment requests", "")
		return
	}
	var req orchestrator.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	req.ProjectURL = strings.TrimSpace(req.ProjectURL)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "")
		return
	}
	if req.ProjectURL != "" && !validProjectURL(req.ProjectURL) {
		writeError(w, http.StatusBadRequest, "project_url must be an absolute http(s) URL", "")
		return
	}

	accepted, err := h.assessments.Initiate(r.Context(), req)
	if err != nil {
		h.fail(w, err, true)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.assessments.Status(id)
	if errors.Is(err, orchestrator.ErrAssessmentNotFound) && h.archive != nil {
		view, _, err = h.fromArchive(r.Context(), id)
	}
	if err != nil {
		h.fail(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := h.assessments.Report(id)
	if errors.Is(err, orchestrator.ErrAssessmentNotFound) && h.archive != nil {
		var view orchestrator.StatusView
		view, rep, err = h.fromArchive(r.Context(), id)
		if err == nil && rep == nil {
			writeError(w, http.StatusConflict, "assessment is "+string(view.OverallStatus), "")
			return
		}
	}
	if err != nil {
		h.fail(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	view, err := h.assessments.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listAssessments(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "archive" {
		if h.archive == nil {
			writeError(w, http.StatusServiceUnavailable, "archive not configured", "")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := h.archive.ListAssessments(r.Context(), limit)
		if err != nil {
			h.fail(w, err, false)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	writeJSON(w, http.StatusOK, h.assessments.List())
}

func (h *Handler) lineageTasks(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeError(w, http.StatusServiceUnavailable, "lineage not configured", "")
		return
	}
	id := chi.URLParam(r, "id")
	tasks, err := h.lineage.Tasks(r.Context(), id)
	if err != nil {
		h.fail(w, err, false)
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, "no lineage for "+id, "")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.List())
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.Capabilities())
}

// fromArchive maps a missing archive row to ErrAssessmentNotFound.
func (h *Handler) fromArchive(ctx context.Context, id string) (orchestrator.StatusView, *orchestrator.Report, error) {
	view, rep, err := h.archive.GetAssessment(ctx, id)
	if err != nil {
		h.logger.Debug("archive lookup failed", zap.String("assessment", id), zap.Error(err))
		return view, nil, orchestrator.ErrAssessmentNotFound
	}
	return view, rep, nil
}

// fail renders err with the status code of its kind. An agent missing at
// intake is a service availability problem rather than a missing resource.
func (h *Handler) fail(w http.ResponseWriter, err error, intake bool) {
	status, kind := http.StatusInternalServerError, orchestrator.KindInternal
	detail := err.Error()

	var oe *orchestrator.Error
	switch {
	case errors.Is(err, orchestrator.ErrAssessmentNotFound):
		writeError(w, http.StatusNotFound, detail, "")
		return
	case errors.Is(err, orchestrator.ErrNotCompleted):
		writeError(w, http.StatusConflict, detail, "")
		return
	case errors.As(err, &oe):
		kind = oe.Kind
	default:
		kind = orchestrator.KindOf(err)
	}

	switch kind {
	case orchestrator.KindAgentNotFound:
		status = http.StatusNotFound
		if intake {
			status = http.StatusServiceUnavailable
		}
	case orchestrator.KindPlanningError, orchestrator.KindProtocolViolation:
		status = http.StatusUnprocessableEntity
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeError(w, status, detail, kind)
}

func validProjectURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func writeError(w http.ResponseWriter, status int, detail string, kind orchestrator.ErrorKind) {
	body := map[string]string{"error": detail}
	if kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
