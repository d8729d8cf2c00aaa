package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/compute"
	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/solver"
	"github.com/oxygene76/coulombtree/pkg/utils"
)

// Server exposes synchronous force evaluation and the job queue over HTTP.
type Server struct {
	cfg     *utils.Config
	solver  *solver.Solver
	jobs    *compute.JobManager
	log     zerolog.Logger
	started time.Time
}

// NewServer wires a server around an existing solver and job manager.
func NewServer(cfg *utils.Config, s *solver.Solver, jobs *compute.JobManager, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		solver:  s,
		jobs:    jobs,
		log:     log.With().Str("component", "http").Logger(),
		started: time.Now(),
	}
}

// Router builds the API routes under /api/v1.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/forces", s.handleForces).Methods("POST")
	api.HandleFunc("/compare", s.handleCompare).Methods("POST")

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/queue", s.handleQueueStatus).Methods("GET")

	r.Use(s.logMiddleware)
	r.Use(corsMiddleware)
	return r
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", port).Msg("API listening on /api/v1")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type forcesRequest struct {
	Particles     []types.ParticleInput `json:"particles"`
	Theta         *float64              `json:"theta,omitempty"`
	DefaultCharge *float64              `json:"default_charge,omitempty"`
}

type forcesResponse struct {
	Forces  []types.ForceRecord `json:"forces"`
	Domain  types.Domain        `json:"domain"`
	Stats   octree.Stats        `json:"stats"`
	Timings types.Timings       `json:"timings"`
}

type compareResponse struct {
	Accuracy types.AccuracyReport `json:"accuracy"`
	Stats    octree.Stats         `json:"stats"`
	Timings  types.Timings        `json:"timings"`
}

type jobRequest struct {
	Type          compute.JobType       `json:"type"`
	Particles     []types.ParticleInput `json:"particles"`
	Theta         *float64              `json:"theta,omitempty"`
	Thetas        []float64             `json:"thetas,omitempty"`
	Priority      string                `json:"priority,omitempty"`
	DefaultCharge *float64              `json:"default_charge,omitempty"`
}

func (s *Server) handleForces(w http.ResponseWriter, r *http.Request) {
	var req forcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	ps, status, err := s.particles(req.Particles, req.DefaultCharge)
	if err != nil {
		writeError(w, status, err)
		return
	}

	theta := s.solver.Theta
	if req.Theta != nil {
		theta = *req.Theta
	}
	res, err := s.solver.RunTheta(r.Context(), ps, theta)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := forcesResponse{
		Forces:  make([]types.ForceRecord, len(ps)),
		Domain:  res.Domain,
		Stats:   res.Stats,
		Timings: res.Timings,
	}
	for i, p := range ps {
		resp.Forces[i] = types.NewForceRecord(p, res.Forces[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req forcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	ps, status, err := s.particles(req.Particles, req.DefaultCharge)
	if err != nil {
		writeError(w, status, err)
		return
	}

	theta := s.solver.Theta
	if req.Theta != nil {
		theta = *req.Theta
	}
	res, report, err := s.solver.Compare(r.Context(), ps, theta)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, compareResponse{Accuracy: report, Stats: res.Stats, Timings: res.Timings})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Type == "" {
		req.Type = compute.JobTypeForces
	}
	ps, status, err := s.particles(req.Particles, req.DefaultCharge)
	if err != nil {
		writeError(w, status, err)
		return
	}
	priority, err := compute.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.jobs.SubmitJob(compute.JobRequest{
		Type:      req.Type,
		Particles: ps,
		Theta:     req.Theta,
		Thetas:    req.Thetas,
		Priority:  priority,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := compute.JobStatus(r.URL.Query().Get("status"))
	jobs := s.jobs.ListJobs(status)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.CancelJob(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	job, err := s.jobs.GetJob(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":    "coulombtree",
		"status":     "running",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"statistics": s.jobs.GetStatistics(),
		"queue":      s.jobs.GetQueueStatus(),
		"solver": map[string]interface{}{
			"theta":            s.solver.Theta,
			"coulomb_constant": s.cfg.Solver.CoulombConstant,
			"out_of_bounds":    s.cfg.Solver.OutOfBounds,
			"auto_domain":      s.cfg.Domain.Auto,
			"max_particles":    s.cfg.Server.MaxParticles,
		},
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.GetQueueStatus())
}

// particles converts request particles, enforcing the configured size limit.
func (s *Server) particles(in []types.ParticleInput, defaultCharge *float64) ([]charge.Particle, int, error) {
	if len(in) == 0 {
		return nil, http.StatusBadRequest, errors.New("no particles given")
	}
	if limit := s.cfg.Server.MaxParticles; limit > 0 && len(in) > limit {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("%d particles exceeds limit of %d", len(in), limit)
	}

	q := s.cfg.Input.DefaultCharge
	if defaultCharge != nil {
		q = *defaultCharge
	}
	ps := make([]charge.Particle, len(in))
	for i, p := range in {
		ps[i] = p.Particle(q)
	}
	return ps, http.StatusOK, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, compute.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, compute.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, compute.ErrQueueFull), errors.Is(err, compute.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, compute.ErrInvalidJob),
		errors.Is(err, octree.ErrInvalidTheta),
		errors.Is(err, octree.ErrInvalidDomain),
		errors.Is(err, octree.ErrOutOfBounds),
		errors.Is(err, octree.ErrMaxDepth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
