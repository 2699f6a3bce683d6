package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// Sweeper periodically starts scheduled jobs whose requested start time has
// arrived. Jobs without a scheduled time are left alone; they run only on an
// explicit request.
type Sweeper struct {
	runner *Runner
	cron   *cron.Cron
	logger arbor.ILogger
}

func NewSweeper(runner *Runner, cfg common.SchedulerConfig, logger arbor.ILogger) (*Sweeper, error) {
	s := &Sweeper{
		runner: runner,
		cron:   cron.New(),
		logger: logger,
	}

	interval := cfg.SweepInterval
	if interval == "" {
		interval = "15s"
	}

	if _, err := s.cron.AddFunc("@every "+interval, s.sweep); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins the sweep schedule
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Job sweeper started")
}

// Stop halts the schedule and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Job sweeper stopped")
}

// sweep starts every due scheduled job. Losing a start race to a concurrent
// explicit run is normal and not an error.
func (s *Sweeper) sweep() {
	ctx := context.Background()

	jobs, err := s.runner.store.ListByStatus(ctx, models.JobStatusScheduled)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed to list scheduled jobs")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if job.Params.ScheduledAt == nil || job.Params.ScheduledAt.After(now) {
			continue
		}

		if err := s.runner.Run(ctx, job.ID); err != nil {
			if interfaces.IsStateConflict(err) {
				continue
			}
			if err == ErrMaxConcurrent {
				s.logger.Debug().Str("job_id", job.ID).Msg("Deferring due job, concurrency limit reached")
				return
			}
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to start due job")
			continue
		}

		s.logger.Info().Str("job_id", job.ID).Str("scheduled_at", job.Params.ScheduledAt.Format(time.RFC3339)).Msg("Started due job")
	}
}
