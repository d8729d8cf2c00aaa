package compute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"github.com/oxygene76/coulombtree/internal/types"
	"github.com/oxygene76/coulombtree/pkg/octree"
	"github.com/oxygene76/coulombtree/pkg/physics/charge"
	"github.com/oxygene76/coulombtree/pkg/solver"
)

// Codespace is the error codespace for job management errors.
const Codespace = "compute"

var (
	ErrJobNotFound  = sdkerrors.Register(Codespace, 2, "job not found")
	ErrQueueFull    = sdkerrors.Register(Codespace, 3, "maximum active jobs reached")
	ErrInvalidJob   = sdkerrors.Register(Codespace, 4, "invalid job")
	ErrJobFinished  = sdkerrors.Register(Codespace, 5, "job already finished")
	ErrShuttingDown = sdkerrors.Register(Codespace, 6, "job manager is shutting down")
)

// JobStatus represents the status of a computation job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType represents different types of computation jobs
type JobType string

const (
	// JobTypeForces evaluates the force on every particle at one theta.
	JobTypeForces JobType = "forces"
	// JobTypeBench sweeps theta and compares each run with the exact sum.
	JobTypeBench JobType = "bench"
)

// Priority selects the queue a job waits in. Higher queues drain first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority converts a request string; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	case "":
		return PriorityNormal, nil
	default:
		return "", sdkerrors.Wrapf(ErrInvalidJob, "unknown priority %q", s)
	}
}

// Runner executes the numerical work. *solver.Solver satisfies it.
type Runner interface {
	Run(ctx context.Context, particles []charge.Particle) (*solver.Result, error)
	RunTheta(ctx context.Context, particles []charge.Particle, theta float64) (*solver.Result, error)
	Bench(ctx context.Context, particles []charge.Particle, thetas []float64) ([]types.BenchResult, error)
}

// JobRequest describes the work to queue.
type JobRequest struct {
	Type      JobType
	Particles []charge.Particle
	// Theta overrides the runner's default for forces jobs.
	Theta    *float64
	Thetas   []float64
	Priority Priority
}

// JobResult holds the output of a finished job.
type JobResult struct {
	Forces  []types.ForceRecord `json:"forces,omitempty"`
	Domain  *types.Domain       `json:"domain,omitempty"`
	Stats   *octree.Stats       `json:"stats,omitempty"`
	Timings *types.Timings      `json:"timings,omitempty"`
	Bench   []types.BenchResult `json:"bench,omitempty"`
}

// ComputeJob represents a computation job
type ComputeJob struct {
	ID        string     `json:"id"`
	Type      JobType    `json:"type"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Priority  Priority   `json:"priority"`
	Particles int        `json:"particles"`
	Theta     *float64   `json:"theta,omitempty"`
	Thetas    []float64  `json:"thetas,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`

	seq        int64
	particles  []charge.Particle
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// JobManager queues jobs by priority and runs them on a fixed worker pool.
type JobManager struct {
	runner   Runner
	log      zerolog.Logger
	maxJobs  int
	retained int

	mu         sync.RWMutex
	jobs       map[string]*ComputeJob
	jobCounter int64
	active     int
	closed     bool

	// Job queues by priority
	lowQueue    []*ComputeJob
	normalQueue []*ComputeJob
	highQueue   []*ComputeJob
	queueMu     sync.Mutex

	// Worker management
	workers      int
	busy         int
	wake         chan struct{}
	shutdownChan chan struct{}
	shutdown     sync.Once
	wg           sync.WaitGroup
}

// NewJobManager creates a new job manager and starts its workers. maxJobs
// bounds queued plus running jobs; retained bounds how many finished jobs
// are kept for lookup.
func NewJobManager(runner Runner, maxJobs, workers, retained int, log zerolog.Logger) *JobManager {
	if workers < 1 {
		workers = 1
	}
	if maxJobs < 1 {
		maxJobs = 1
	}
	jm := &JobManager{
		runner:       runner,
		log:          log.With().Str("component", "jobs").Logger(),
		maxJobs:      maxJobs,
		retained:     retained,
		jobs:         make(map[string]*ComputeJob),
		workers:      workers,
		wake:         make(chan struct{}, maxJobs),
		shutdownChan: make(chan struct{}),
	}

	jm.startWorkers()
	return jm
}

// startWorkers initializes the worker pool
func (jm *JobManager) startWorkers() {
	for i := 0; i < jm.workers; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
}

// worker processes jobs from the queue
func (jm *JobManager) worker() {
	defer jm.wg.Done()

	for {
		select {
		case <-jm.shutdownChan:
			return
		case <-jm.wake:
			for job := jm.getNextJob(); job != nil; job = jm.getNextJob() {
				jm.processJob(job)
				select {
				case <-jm.shutdownChan:
					return
				default:
				}
			}
		}
	}
}

// getNextJob gets the next job from priority queues
func (jm *JobManager) getNextJob() *ComputeJob {
	jm.queueMu.Lock()
	defer jm.queueMu.Unlock()

	for _, q := range []*[]*ComputeJob{&jm.highQueue, &jm.normalQueue, &jm.lowQueue} {
		if len(*q) > 0 {
			job := (*q)[0]
			*q = (*q)[1:]
			return job
		}
	}
	return nil
}

// SubmitJob validates and queues a job.
func (jm *JobManager) SubmitJob(req JobRequest) (ComputeJob, error) {
	if err := validateRequest(req); err != nil {
		return ComputeJob{}, err
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return ComputeJob{}, ErrShuttingDown
	}
	if jm.active >= jm.maxJobs {
		return ComputeJob{}, sdkerrors.Wrapf(ErrQueueFull, "%d", jm.maxJobs)
	}

	jm.jobCounter++
	ctx, cancel := context.WithCancel(context.Background())
	job := &ComputeJob{
		ID:          fmt.Sprintf("%s-%d", req.Type, jm.jobCounter),
		Type:        req.Type,
		Status:      StatusQueued,
		Priority:    req.Priority,
		Particles:   len(req.Particles),
		Theta:       req.Theta,
		Thetas:      req.Thetas,
		SubmittedAt: time.Now(),
		seq:         jm.jobCounter,
		particles:   req.Particles,
		ctx:         ctx,
		cancelFunc:  cancel,
	}
	jm.jobs[job.ID] = job
	jm.active++
	jm.enqueueJob(job)

	jm.log.Info().
		Str("job", job.ID).
		Int("particles", job.Particles).
		Str("priority", string(job.Priority)).
		Msg("job queued")
	return *job, nil
}

func validateRequest(req JobRequest) error {
	if len(req.Particles) == 0 {
		return sdkerrors.Wrap(ErrInvalidJob, "no particles")
	}
	if req.Priority != "" {
		if _, err := ParsePriority(string(req.Priority)); err != nil {
			return err
		}
	}
	switch req.Type {
	case JobTypeForces:
		if req.Theta != nil && !(*req.Theta >= 0) {
			return sdkerrors.Wrapf(ErrInvalidJob, "theta %v", *req.Theta)
		}
	case JobTypeBench:
		if len(req.Thetas) == 0 {
			return sdkerrors.Wrap(ErrInvalidJob, "bench needs at least one theta")
		}
		for _, th := range req.Thetas {
			if !(th >= 0) {
				return sdkerrors.Wrapf(ErrInvalidJob, "theta %v", th)
			}
		}
	default:
		return sdkerrors.Wrapf(ErrInvalidJob, "unsupported job type %q", req.Type)
	}
	return nil
}

// enqueueJob adds a job to the appropriate priority queue
func (jm *JobManager) enqueueJob(job *ComputeJob) {
	jm.queueMu.Lock()
	switch job.Priority {
	case PriorityHigh:
		jm.highQueue = append(jm.highQueue, job)
	case PriorityLow:
		jm.lowQueue = append(jm.lowQueue, job)
	default:
		jm.normalQueue = append(jm.normalQueue, job)
	}
	jm.queueMu.Unlock()

	select {
	case jm.wake <- struct{}{}:
	default:
	}
}

// dequeueJob removes a queued job that was cancelled before a worker took it.
func (jm *JobManager) dequeueJob(job *ComputeJob) {
	jm.queueMu.Lock()
	defer jm.queueMu.Unlock()

	for _, q := range []*[]*ComputeJob{&jm.highQueue, &jm.normalQueue, &jm.lowQueue} {
		for i, j := range *q {
			if j == job {
				*q = append((*q)[:i], (*q)[i+1:]...)
				return
			}
		}
	}
}

// processJob processes a computation job
func (jm *JobManager) processJob(job *ComputeJob) {
	jm.mu.Lock()
	if job.Status != StatusQueued {
		jm.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.Progress = 10
	jm.busy++
	jm.mu.Unlock()

	jm.log.Debug().Str("job", job.ID).Msg("job started")

	var (
		result *JobResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		result, err = jm.execute(job)
	}()

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.busy--

	switch {
	case err == nil:
		job.Result = result
		job.Progress = 100
		jm.finishJob(job, StatusCompleted)
		jm.log.Info().Str("job", job.ID).Str("duration", job.Duration).Msg("job completed")
	case errors.Is(err, context.Canceled):
		jm.finishJob(job, StatusCancelled)
		jm.log.Info().Str("job", job.ID).Msg("job cancelled")
	default:
		job.Error = err.Error()
		jm.finishJob(job, StatusFailed)
		jm.log.Error().Err(err).Str("job", job.ID).Msg("job failed")
	}
}

func (jm *JobManager) execute(job *ComputeJob) (*JobResult, error) {
	switch job.Type {
	case JobTypeForces:
		var (
			res *solver.Result
			err error
		)
		if job.Theta != nil {
			res, err = jm.runner.RunTheta(job.ctx, job.particles, *job.Theta)
		} else {
			res, err = jm.runner.Run(job.ctx, job.particles)
		}
		if err != nil {
			return nil, err
		}
		return forcesResult(job.particles, res), nil
	case JobTypeBench:
		rows, err := jm.runner.Bench(job.ctx, job.particles, job.Thetas)
		if err != nil {
			return nil, err
		}
		return &JobResult{Bench: rows}, nil
	default:
		return nil, sdkerrors.Wrapf(ErrInvalidJob, "unsupported job type %q", job.Type)
	}
}

func forcesResult(particles []charge.Particle, res *solver.Result) *JobResult {
	records := make([]types.ForceRecord, len(particles))
	for i, p := range particles {
		records[i] = types.NewForceRecord(p, res.Forces[i])
	}
	return &JobResult{
		Forces:  records,
		Domain:  &res.Domain,
		Stats:   &res.Stats,
		Timings: &res.Timings,
	}
}

// finishJob moves a job to a terminal status. Callers hold jm.mu.
func (jm *JobManager) finishJob(job *ComputeJob, status JobStatus) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt).String()
	}
	job.particles = nil
	job.cancelFunc()
	jm.active--
	jm.trimFinished()
}

// trimFinished drops the oldest finished jobs beyond the retention limit.
// Callers hold jm.mu.
func (jm *JobManager) trimFinished() {
	if jm.retained <= 0 {
		return
	}
	var finished []*ComputeJob
	for _, job := range jm.jobs {
		if job.Status.Finished() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= jm.retained {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].seq < finished[j].seq })
	for _, job := range finished[:len(finished)-jm.retained] {
		delete(jm.jobs, job.ID)
	}
}

// GetJob returns a snapshot of a job by ID
func (jm *JobManager) GetJob(jobID string) (ComputeJob, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return ComputeJob{}, sdkerrors.Wrap(ErrJobNotFound, jobID)
	}
	return *job, nil
}

// ListJobs returns job snapshots in submission order, without results. An
// empty status matches every job.
func (jm *JobManager) ListJobs(status JobStatus) []ComputeJob {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	filtered := make([]ComputeJob, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if status != "" && job.Status != status {
			continue
		}
		snap := *job
		snap.Result = nil
		filtered = append(filtered, snap)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].seq < filtered[j].seq })
	return filtered
}

// CancelJob cancels a queued or running job
func (jm *JobManager) CancelJob(jobID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return sdkerrors.Wrap(ErrJobNotFound, jobID)
	}
	if job.Status.Finished() {
		return sdkerrors.Wrapf(ErrJobFinished, "%s is %s", jobID, job.Status)
	}

	if job.Status == StatusQueued {
		jm.dequeueJob(job)
		jm.finishJob(job, StatusCancelled)
		return nil
	}
	// A running job notices the cancelled context and finishes itself.
	job.cancelFunc()
	return nil
}

// CleanupCompletedJobs removes finished jobs submitted before maxAge ago.
func (jm *JobManager) CleanupCompletedJobs(maxAge time.Duration) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removedCount int
	for jobID, job := range jm.jobs {
		if job.Status.Finished() && job.SubmittedAt.Before(cutoff) {
			delete(jm.jobs, jobID)
			removedCount++
		}
	}
	return removedCount
}

// QueueStatus represents the status of job queues
type QueueStatus struct {
	LowQueue      int `json:"low_queue"`
	NormalQueue   int `json:"normal_queue"`
	HighQueue     int `json:"high_queue"`
	TotalQueued   int `json:"total_queued"`
	ActiveWorkers int `json:"active_workers"`
	MaxWorkers    int `json:"max_workers"`
}

// GetQueueStatus returns status of job queues
func (jm *JobManager) GetQueueStatus() QueueStatus {
	jm.mu.RLock()
	busy := jm.busy
	jm.mu.RUnlock()

	jm.queueMu.Lock()
	defer jm.queueMu.Unlock()

	return QueueStatus{
		LowQueue:      len(jm.lowQueue),
		NormalQueue:   len(jm.normalQueue),
		HighQueue:     len(jm.highQueue),
		TotalQueued:   len(jm.lowQueue) + len(jm.normalQueue) + len(jm.highQueue),
		ActiveWorkers: busy,
		MaxWorkers:    jm.workers,
	}
}

// JobStatistics represents job manager statistics
type JobStatistics struct {
	TotalJobs     int `json:"total_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
	Particles     int `json:"particles"`
}

// GetStatistics returns job manager statistics
func (jm *JobManager) GetStatistics() JobStatistics {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := JobStatistics{TotalJobs: len(jm.jobs)}
	for _, job := range jm.jobs {
		stats.Particles += job.Particles
		switch job.Status {
		case StatusQueued:
			stats.QueuedJobs++
		case StatusRunning:
			stats.RunningJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		case StatusCancelled:
			stats.CancelledJobs++
		}
	}
	return stats
}

// Shutdown stops accepting jobs and waits for the workers. Jobs still
// running when timeout expires are cancelled.
func (jm *JobManager) Shutdown(timeout time.Duration) error {
	jm.mu.Lock()
	jm.closed = true
	jm.mu.Unlock()
	jm.shutdown.Do(func() { close(jm.shutdownChan) })

	done := make(chan struct{})
	go func() {
		jm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		jm.mu.Lock()
		for _, job := range jm.jobs {
			if job.Status == StatusRunning {
				job.cancelFunc()
			}
		}
		jm.mu.Unlock()
		<-done
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	for _, job := range jm.jobs {
		if job.Status == StatusQueued {
			jm.dequeueJob(job)
			jm.finishJob(job, StatusCancelled)
		}
	}
	return err
}
