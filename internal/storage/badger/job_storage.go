package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// JobStorage implements the JobStorage interface for Badger.
//
// BadgerHold has no conditional-update primitive, so the compare-and-swap
// contract on Transition is provided by a store-level mutex around
// read-compare-write. The mutex serializes transitions only; reads go
// straight to the store.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) List(ctx context.Context, filter models.JobFilter, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.Country != "" {
		query = query.And("Params.Country").Eq(filter.Country)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) Transition(ctx context.Context, jobID string, from models.JobStatus, apply func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if job.Status != from {
		return nil, &interfaces.StateConflictError{
			JobID:    jobID,
			Expected: from,
			Actual:   job.Status,
		}
	}

	apply(&job)

	if err := s.db.Store().Update(jobID, &job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(job.Status)).
		Msg("Job state transition")

	return &job, nil
}

func (s *JobStorage) UpdateProgress(ctx context.Context, jobID string, leadsFound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	// Leads-found is monotonically non-decreasing; ignore stale counts
	if leadsFound <= job.LeadsFound {
		return nil
	}

	job.LeadsFound = leadsFound
	if err := s.db.Store().Update(jobID, &job); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (s *JobStorage) SetPIDs(ctx context.Context, jobID string, pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	job.PIDs = pids
	if err := s.db.Store().Update(jobID, &job); err != nil {
		return fmt.Errorf("failed to update job PIDs: %w", err)
	}
	return nil
}

func (s *JobStorage) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	// Running jobs must be cancelled before deletion; only the scheduler
	// knows how to reach a safe stopping point.
	if job.Status == models.JobStatusRunning {
		return interfaces.ErrJobRunning
	}

	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) Stats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	for i := range jobs {
		switch jobs[i].Status {
		case models.JobStatusScheduled:
			stats.Scheduled++
		case models.JobStatusRunning:
			stats.Running++
		case models.JobStatusCompleted:
			stats.Completed++
			if jobs[i].Error != "" {
				stats.Failed++
			}
		}
	}
	stats.Total = len(jobs)

	return stats, nil
}
