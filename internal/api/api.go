// Package api is the HTTP surface: request submission, workflow status
// and signals, capsule retrieval and packaging, health, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"capsmith/internal/capsule"
	"capsmith/internal/faults"
	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/store"
	"capsmith/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wires the engine and assembler to HTTP.
type Server struct {
	engine    *workflow.Engine
	assembler *capsule.Assembler
}

// NewServer creates the HTTP server surface.
func NewServer(engine *workflow.Engine, assembler *capsule.Assembler) *Server {
	return &Server{engine: engine, assembler: assembler}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", s.submitRequest)
		r.Get("/workflows/{workflowID}", s.workflowStatus)
		r.Post("/workflows/{workflowID}/signals", s.workflowSignal)
		r.Get("/capsules/{capsuleID}", s.getCapsule)
		r.Get("/capsules/{capsuleID}/package", s.packageCapsule)
	})
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// countRequests feeds the per-route request counter.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

type submitPayload struct {
	ID          string            `json:"id,omitempty"`
	Tenant      string            `json:"tenant"`
	User        string            `json:"user,omitempty"`
	Description string            `json:"description"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var p submitPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}
	if p.Tenant == "" {
		writeError(w, http.StatusBadRequest, errors.New("tenant is required"))
		return
	}
	req := &graph.Request{
		ID:          p.ID,
		Tenant:      p.Tenant,
		User:        p.User,
		Description: p.Description,
		Constraints: p.Constraints,
		Metadata:    p.Metadata,
	}
	workflowID, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		writeFault(w, err)
		return
	}
	logging.API("request %s accepted as workflow %s", req.ID, workflowID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"request_id":  req.ID,
	})
}

func (s *Server) workflowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) workflowSignal(w http.ResponseWriter, r *http.Request) {
	var sig workflow.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed signal body: %w", err))
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	if err := s.engine.Signal(r.Context(), workflowID, sig); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"signal":      sig.Type,
	})
}

func (s *Server) getCapsule(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	c, err := s.assembler.Load(chi.URLParam(r, "capsuleID"), version)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) packageCapsule(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	capsuleID := chi.URLParam(r, "capsuleID")
	c, err := s.assembler.Load(capsuleID, version)
	if err != nil {
		writeFault(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "zip"
	}
	var data []byte
	var contentType, ext string
	switch format {
	case "zip":
		data, err = capsule.PackageZip(c)
		contentType, ext = "application/zip", "zip"
	case "tar":
		data, err = capsule.PackageTar(c)
		contentType, ext = "application/x-tar", "tar"
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown format %q (want zip or tar)", format))
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-v%d.%s", capsuleID, c.Version, ext)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid version %q", raw))
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIDebug("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeFault maps the internal fault taxonomy to HTTP status codes.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	default:
		switch faults.KindOf(err) {
		case faults.PolicyViolation:
			status = http.StatusForbidden
		case faults.BudgetExceeded:
			status = http.StatusPaymentRequired
		case faults.Throttle:
			status = http.StatusTooManyRequests
		case faults.Cancellation:
			status = http.StatusRequestTimeout
		case faults.Permanent:
			status = http.StatusBadRequest
		}
	}
	writeError(w, status, err)
}
