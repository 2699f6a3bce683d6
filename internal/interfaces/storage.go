package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/leadgrid/leadgrid/internal/models"
)

// ErrJobNotFound is returned when a job ID has no record
var ErrJobNotFound = errors.New("job not found")

// ErrJobRunning is returned when an operation requires a terminal job
var ErrJobRunning = errors.New("job is running")

// StateConflictError reports a failed conditional transition. Callers use it
// to distinguish "job not in expected state" (already running, already
// cancelled) from a genuine storage failure.
type StateConflictError struct {
	JobID    string
	Expected models.JobStatus
	Actual   models.JobStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("job %s not in expected state: expected %s, actual %s", e.JobID, e.Expected, e.Actual)
}

// IsStateConflict reports whether err is a conditional-transition failure
func IsStateConflict(err error) bool {
	var conflict *StateConflictError
	return errors.As(err, &conflict)
}

// JobStorage is the durable record of job existence and lifecycle. It is the
// only component with persistence concerns; all state transitions for a job
// go through Transition's compare-and-swap discipline.
type JobStorage interface {
	// Create persists a new job record
	Create(ctx context.Context, job *models.Job) error

	// Get returns the job or ErrJobNotFound
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// List returns jobs matching the filter, newest first, up to limit
	// (limit <= 0 means no limit)
	List(ctx context.Context, filter models.JobFilter, limit int) ([]*models.Job, error)

	// ListByStatus returns all jobs in the given state
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// Transition performs a conditional state update: the job must currently
	// be in the from state or a *StateConflictError carrying the actual state
	// is returned. apply mutates the job (including its new status) while the
	// store lock is held; two racing callers cannot both win the same
	// transition.
	Transition(ctx context.Context, jobID string, from models.JobStatus, apply func(*models.Job)) (*models.Job, error)

	// UpdateProgress records a leads-found count. Counts never decrease; a
	// stale lower value is ignored.
	UpdateProgress(ctx context.Context, jobID string, leadsFound int) error

	// SetPIDs persists the job's worker process list for restart recovery
	SetPIDs(ctx context.Context, jobID string, pids []int) error

	// Delete removes a job record. Deleting a running job is refused with
	// ErrJobRunning; callers must cancel first.
	Delete(ctx context.Context, jobID string) error

	// Stats returns job counts by lifecycle state
	Stats(ctx context.Context) (*models.JobStats, error)
}
