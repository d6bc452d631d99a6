// Package api exposes the HTTP interface for the grant-scraping service:
// job start endpoints, status polling, and live status streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/metrics"
	"github.com/leeyy0/grantscraper/internal/registry"
	"github.com/leeyy0/grantscraper/internal/runner"
)

const requestTimeout = 60 * time.Second

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes server behavior.
type Config struct {
	// DefaultThreshold applies when filter-grants is called without one.
	DefaultThreshold int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server wires HTTP handlers to the job service and registry.
type Server struct {
	router chi.Router
	svc    *runner.Service
	reg    *registry.Registry
	db     Pinger
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. db may be nil
// when no pingable backend is configured.
func NewServer(svc *runner.Service, reg *registry.Registry, db Pinger, cfg Config, logger *zap.Logger) *Server {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = runner.DefaultThreshold
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		reg:    reg,
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Streams hold the connection open for the job's lifetime, so
		// the timeout middleware only wraps the request/reply routes.
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/grants/refresh", s.startScrape)
			r.Get("/grants/refresh/{job_id}/status", s.scrapeStatus)
			r.Post("/pipeline/filter-grants/{initiative_id}", s.startAnalysis)
			r.Get("/pipeline/{initiative_id}/status", s.analysisStatus)
		})
		r.Get("/grants/refresh/{job_id}/stream", s.scrapeStream)
		r.Get("/pipeline/{initiative_id}/stream", s.analysisStream)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startScrape handles POST /v1/grants/refresh. The refresh runs in the
// background; the response carries the job id to poll or stream.
func (s *Server) startScrape(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.StartScrape(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startedDTO{
		statusDTO:      toStatusDTO(rec),
		StatusEndpoint: fmt.Sprintf("/v1/grants/refresh/%s/status", rec.Key),
		StreamEndpoint: fmt.Sprintf("/v1/grants/refresh/%s/stream", rec.Key),
	})
}

func (s *Server) scrapeStatus(w http.ResponseWriter, r *http.Request) {
	s.status(w, job.KindScrape, chi.URLParam(r, "job_id"))
}

func (s *Server) scrapeStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, job.KindScrape, chi.URLParam(r, "job_id"))
}

// startAnalysis handles POST /v1/pipeline/filter-grants/{initiative_id}.
// An optional ?threshold=n overrides the preliminary-rating cutoff.
func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	initiativeID := chi.URLParam(r, "initiative_id")
	threshold := s.cfg.DefaultThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "threshold must be an integer")
			return
		}
		threshold = val
	}
	rec, err := s.svc.StartAnalysis(r.Context(), initiativeID, threshold)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startedDTO{
		statusDTO:      toStatusDTO(rec),
		Threshold:      threshold,
		StatusEndpoint: fmt.Sprintf("/v1/pipeline/%s/status", initiativeID),
		StreamEndpoint: fmt.Sprintf("/v1/pipeline/%s/stream", initiativeID),
	})
}

func (s *Server) analysisStatus(w http.ResponseWriter, r *http.Request) {
	s.status(w, job.KindAnalysis, chi.URLParam(r, "initiative_id"))
}

func (s *Server) analysisStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, job.KindAnalysis, chi.URLParam(r, "initiative_id"))
}

func (s *Server) status(w http.ResponseWriter, kind job.Kind, key string) {
	rec, err := s.reg.Get(kind, key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toStatusDTO(rec))
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, grants.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, registry.ErrAlreadyActive):
		s.writeError(w, http.StatusConflict, "a job is already running for this key")
	case errors.Is(err, runner.ErrInvalidThreshold):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
