package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plugbox/internal/dispatch"
)

const maxSubmitBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.QueueDepth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		PluginsLoaded: len(s.registry.Names()),
		ActiveTraces:  s.traces.Len(),
	})
}

// handleSubmitJob handles POST /jobs.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Plugin = strings.TrimSpace(req.Plugin)
	if req.Plugin == "" {
		s.writeError(w, http.StatusBadRequest, "plugin is required")
		return
	}

	jobID, err := s.jobs.Submit(r.Context(), req.Plugin, req.Args, "api")
	if err != nil {
		if errors.Is(err, dispatch.ErrPluginNotFound) {
			s.writeError(w, http.StatusNotFound, "plugin not found")
			return
		}
		if errors.Is(err, dispatch.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			s.writeError(w, http.StatusServiceUnavailable, "job queue is full")
			return
		}
		s.logger.Error("failed to submit job", "plugin", req.Plugin, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:  jobID,
		Status: "queued",
		Plugin: req.Plugin,
		Trace:  "/jobs/" + jobID + "/trace",
	})
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	list, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(list))}
	for _, j := range list {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, newJobResponse(job))
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.registry.Names(), s.config.APIKey != ""))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
