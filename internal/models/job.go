package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a scrape job
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// JobParams are the caller-supplied parameters of a scrape job.
// Validation tags are enforced by the scheduler before any state is created.
type JobParams struct {
	LeadsRequested int        `json:"leads_requested" validate:"required,min=1,max=1000"`
	Categories     []string   `json:"categories" validate:"omitempty,dive,min=1,max=100"`
	Locations      []string   `json:"locations" validate:"omitempty,dive,min=1,max=200"`
	Country        string     `json:"country" validate:"required,len=2,alpha"`
	MinRating      float64    `json:"min_rating" validate:"min=0,max=5"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
}

// Job is one scheduled unit of scraping work. It is the single source of
// truth for job state; events and log streams are best-effort duplicates.
//
// Lifecycle: scheduled -> running -> completed. Failure and cancellation are
// both recorded as completed: a failed job carries Error, a cancelled job
// carries Note. A worker that exits non-zero without reporting an error is
// recorded as completed with Error set to "worker exited with status N".
type Job struct {
	ID     string    `json:"id" badgerhold:"key"`
	Params JobParams `json:"params"`
	Status JobStatus `json:"status" badgerholdIndex:"Status"`

	// LeadsFound is monotonically non-decreasing while the job runs.
	LeadsFound int `json:"leads_found"`

	Error string `json:"error,omitempty"`
	Note  string `json:"note,omitempty"`

	// PIDs is the serialized worker process list. It survives restarts so a
	// recovering scheduler can discover and reap orphaned workers.
	PIDs []int `json:"pids,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a scheduled job from validated parameters
func NewJob(params JobParams) *Job {
	return &Job{
		ID:        NewJobID(),
		Params:    params,
		Status:    JobStatusScheduled,
		CreatedAt: time.Now(),
	}
}

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// IsTerminal returns true if no further automatic transition occurs
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted
}

// Failed reports whether the job completed with a recorded error
func (j *Job) Failed() bool {
	return j.Status == JobStatusCompleted && j.Error != ""
}

// MarkStarted transitions the job to running
func (j *Job) MarkStarted() {
	j.Status = JobStatusRunning
	now := time.Now()
	j.StartedAt = &now
}

// MarkCompleted transitions the job to its terminal state. An empty errMsg
// records success; a non-empty one records failure on the same status.
func (j *Job) MarkCompleted(errMsg string) {
	j.Status = JobStatusCompleted
	j.Error = errMsg
	now := time.Now()
	j.CompletedAt = &now
}

// MarkCancelled records cancellation as a successful terminal state with an
// explanatory note, not a distinct status.
func (j *Job) MarkCancelled(note string) {
	j.Status = JobStatusCompleted
	j.Note = note
	now := time.Now()
	j.CompletedAt = &now
}

// JobFilter narrows job listings
type JobFilter struct {
	Status  JobStatus `json:"status,omitempty"`
	Country string    `json:"country,omitempty"`
}

// JobStats summarizes job counts by lifecycle state
type JobStats struct {
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
