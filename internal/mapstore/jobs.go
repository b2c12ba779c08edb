package mapstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/damwatch/server/internal/raster"
)

// JobStatus represents the current state of a render job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// RenderJob is an asynchronous GeoTIFF to PNG conversion.
type RenderJob struct {
	ID         string               `json:"job_id"`
	ProjectID  string               `json:"project_id"`
	Scenario   string               `json:"scenario"`
	FileName   string               `json:"filename"`
	Colors     []string             `json:"colors"`
	Ramp       string               `json:"ramp,omitempty"`
	Status     JobStatus            `json:"status"`
	PNGURL     string               `json:"png_url,omitempty"`
	Bounds     *raster.LatLngBounds `json:"bounds,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

const jobColumns = `job_id, project_id, scenario, file_name, colors, ramp, status, png_url, bounds_json, error, created_at, started_at, finished_at`

// CreateJob creates a new job record, stamping CreatedAt.
func (s *Store) CreateJob(job *RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	job.CreatedAt = s.clock.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO render_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.ProjectID,
		job.Scenario,
		job.FileName,
		strings.Join(job.Colors, ","),
		job.Ramp,
		string(job.Status),
		job.PNGURL,
		"",
		job.Error,
		formatTime(job.CreatedAt),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*RenderJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM render_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// UpdateJobStarted moves a queued job to running and stamps its start
// time. It reports false, leaving the record untouched, when the job is no
// longer queued.
func (s *Store) UpdateJobStarted(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), s.now(), jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// UpdateJobStatus updates the job status, stamping finished_at for terminal
// states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := s.now()
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// CancelQueuedJob cancels a job that has not started yet. It reports false
// when the job is missing or already past the queue.
func (s *Store) CancelQueuedJob(jobID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusCancelled), errMsg, s.now(), jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CompleteJob stores the result of a successful job.
func (s *Store) CompleteJob(jobID, pngURL string, bounds raster.LatLngBounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	boundsJSON, err := json.Marshal(bounds)
	if err != nil {
		return fmt.Errorf("failed to marshal bounds: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE render_jobs SET status = ?, png_url = ?, bounds_json = ?, error = '', finished_at = ?
		WHERE job_id = ?
	`, string(JobStatusCompleted), pngURL, string(boundsJSON), s.now(), jobID)
	return err
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*RenderJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM render_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*RenderJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, s.now(), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retention.
func (s *Store) DeleteExpiredJobs(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(s.clock.Now().Add(-retention))
	result, err := s.db.Exec(`
		DELETE FROM render_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM render_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(row scanner) (*RenderJob, error) {
	var job RenderJob
	var colors, boundsJSON, createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.Scenario,
		&job.FileName,
		&colors,
		&job.Ramp,
		&job.Status,
		&job.PNGURL,
		&boundsJSON,
		&job.Error,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if colors != "" {
		job.Colors = strings.Split(colors, ",")
	}
	if boundsJSON != "" {
		var b raster.LatLngBounds
		if err := json.Unmarshal([]byte(boundsJSON), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bounds: %w", err)
		}
		job.Bounds = &b
	}
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	return &job, nil
}
