package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/damwatch/server/internal/mapstore"
	"github.com/damwatch/server/internal/observability"
)

// ErrQueueFull is returned when a job cannot be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int           // Max concurrent render jobs (default 1)
	QueueSize     int           // Pending job capacity (default 64)
	Retention     time.Duration // How long finished jobs are kept (default 24h)
	CleanupPeriod time.Duration
}

// JobManager runs asynchronous GeoTIFF conversions. Job state lives in the
// flood-map store so a restart can recover queued work.
type JobManager struct {
	cfg      JobManagerConfig
	store    *mapstore.Store
	metrics  *observability.Metrics
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual conversion. It records the
	// result with store.CompleteJob; a returned error fails the job.
	Executor func(ctx context.Context, store *mapstore.Store, jobID string) error
}

// NewJobManager creates a job manager on an open store. metrics may be nil.
// The caller keeps ownership of the store.
func NewJobManager(cfg JobManagerConfig, store *mapstore.Store, metrics *observability.Metrics) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				jm.finish(job.ID, mapstore.JobStatusFailed, ErrQueueFull.Error())
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued stay queued in the store and are picked up by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()

		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil {
		log.Printf("[JobManager] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != mapstore.JobStatusQueued {
		return // cancelled while queued
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	started, err := jm.store.UpdateJobStarted(jobID)
	if err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	if !started {
		return // cancelled between the status check and the update
	}
	if jm.metrics != nil {
		jm.metrics.JobsRunning.Inc()
		defer jm.metrics.JobsRunning.Dec()
	}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[JobManager] job %s panicked: %v\n%s", jobID, p, debug.Stack())
			jm.finish(jobID, mapstore.JobStatusFailed, fmt.Sprintf("internal error: %v", p))
		}
	}()

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	switch {
	case execErr == nil && jm.Executor == nil:
		jm.finish(jobID, mapstore.JobStatusCompleted, "")
	case execErr == nil:
		jm.count(mapstore.JobStatusCompleted)
	case errors.Is(ctx.Err(), context.Canceled):
		jm.finish(jobID, mapstore.JobStatusCancelled, "cancelled")
	default:
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
		jm.finish(jobID, mapstore.JobStatusFailed, execErr.Error())
	}
}

func (jm *JobManager) finish(jobID string, status mapstore.JobStatus, msg string) {
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to update job %s: %v", jobID, err)
	}
	jm.count(status)
}

func (jm *JobManager) count(status mapstore.JobStatus) {
	if jm.metrics != nil {
		jm.metrics.RenderJobs.WithLabelValues(string(status)).Inc()
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.Retention)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit records a new job and enqueues it for execution. A full queue
// fails the job immediately and returns ErrQueueFull alongside it.
// An empty ramp with no colors renders with the service default.
func (jm *JobManager) Submit(projectID, scenario, fileName string, colors []string, ramp string) (*mapstore.RenderJob, error) {
	job := &mapstore.RenderJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Scenario:  scenario,
		FileName:  fileName,
		Colors:    colors,
		Ramp:      ramp,
		Status:    mapstore.JobStatusQueued,
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, ErrStopped
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	jm.count(mapstore.JobStatusQueued)

	select {
	case jm.queue <- job.ID:
	default:
		jm.finish(job.ID, mapstore.JobStatusFailed, ErrQueueFull.Error())
		job.Status = mapstore.JobStatusFailed
		job.Error = ErrQueueFull.Error()
		return job, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (jm *JobManager) Get(id string) *mapstore.RenderJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, mapstore.ErrNotFound) {
			log.Printf("[JobManager] error getting job %s: %v", id, err)
		}
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	cancelled, err := jm.store.CancelQueuedJob(id, "cancelled before start")
	if err != nil {
		log.Printf("[JobManager] failed to cancel job %s: %v", id, err)
		return false
	}
	if cancelled {
		jm.count(mapstore.JobStatusCancelled)
		return true
	}

	// A worker may have picked the job up since the first look.
	jm.mu.Lock()
	cancel, ok = jm.running[id]
	jm.mu.Unlock()
	if ok && cancel != nil {
		cancel()
		return true
	}
	return false
}

// Delete cancels the job if needed and removes its record.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	return jm.store.DeleteJob(id)
}
