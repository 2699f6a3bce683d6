package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/logstream"
	"github.com/leadgrid/leadgrid/internal/models"
	"github.com/leadgrid/leadgrid/internal/procs"
)

// ErrMaxConcurrent is returned when starting a job would exceed the
// configured concurrency limit
var ErrMaxConcurrent = errors.New("maximum concurrent jobs reached")

// Runner owns the job lifecycle: it validates and persists new jobs, drives
// scheduled -> running -> completed transitions through the store's
// compare-and-swap discipline, supervises worker processes, and emits
// events and live log entries along the way.
//
// The store is the single source of truth. Events and log streams are
// best-effort duplicates; every terminal outcome lands in the store even if
// no client ever sees the corresponding event.
type Runner struct {
	store    interfaces.JobStorage
	registry *procs.Registry
	bus      interfaces.EventBus
	logs     *logstream.Hub
	scraper  interfaces.Scraper
	cfg      common.ScraperConfig
	logger   arbor.ILogger
	validate *validator.Validate

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewRunner(store interfaces.JobStorage, registry *procs.Registry, bus interfaces.EventBus, logs *logstream.Hub, scraper interfaces.Scraper, cfg common.ScraperConfig, logger arbor.ILogger) *Runner {
	return &Runner{
		store:    store,
		registry: registry,
		bus:      bus,
		logs:     logs,
		scraper:  scraper,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Schedule validates params and persists a new job in the scheduled state.
// No worker is started and no observable side effect exists before the
// record is durable.
func (r *Runner) Schedule(ctx context.Context, params models.JobParams) (*models.Job, error) {
	if err := r.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid job parameters: %w", err)
	}

	job := models.NewJob(params)
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Int("leads_requested", params.LeadsRequested).
		Str("country", params.Country).
		Msg("Job scheduled")

	r.publishStats(ctx)
	return job, nil
}

// Run starts a scheduled job. Exactly one caller wins the scheduled ->
// running transition; a second Run for the same job returns a
// *StateConflictError carrying the actual state and starts nothing.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	if r.cfg.MaxConcurrent > 0 {
		running, err := r.store.ListByStatus(ctx, models.JobStatusRunning)
		if err != nil {
			return fmt.Errorf("failed to check running jobs: %w", err)
		}
		if len(running) >= r.cfg.MaxConcurrent {
			return ErrMaxConcurrent
		}
	}

	// The cancellation handle must exist before the job is observably
	// running, so a Cancel racing this start always finds it.
	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if _, active := r.cancels[jobID]; active {
		r.mu.Unlock()
		cancel()
		r.logger.Debug().Str("job_id", jobID).Msg("Job already running, run is a no-op")
		return nil
	}
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	job, err := r.store.Transition(ctx, jobID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	if err != nil {
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
		cancel()
		// A run raced us and won; exactly one worker set stays active.
		var conflict *interfaces.StateConflictError
		if errors.As(err, &conflict) && conflict.Actual == models.JobStatusRunning {
			r.logger.Debug().Str("job_id", jobID).Msg("Job already running, run is a no-op")
			return nil
		}
		return err
	}

	r.logger.Info().Str("job_id", jobID).Msg("Job starting")

	r.wg.Add(1)
	common.SafeGo(r.logger, "job-"+jobID, func() {
		defer r.wg.Done()
		r.execute(runCtx, job)
	})

	return nil
}

// execute drives one job run to its terminal state. It always terminates
// the job in the store unless a Cancel got there first.
func (r *Runner) execute(ctx context.Context, job *models.Job) {
	jobID := job.ID

	defer func() {
		r.mu.Lock()
		cancel, ok := r.cancels[jobID]
		delete(r.cancels, jobID)
		r.mu.Unlock()
		if ok {
			cancel()
		}
	}()

	launcher := newProcLauncher(jobID, r.cfg.WorkerKind, r.registry, r.store, r.logger)

	r.emitLog(jobID, models.LogLevelInfo, fmt.Sprintf("Job started, requesting %d leads", job.Params.LeadsRequested), nil)
	r.bus.Publish(ctx, models.NewEvent(models.EventScraperStarted, map[string]interface{}{
		"job_id": jobID,
		"params": job.Params,
	}))
	r.publishStats(ctx)

	run := interfaces.RunContext{
		Ctx:      ctx,
		Params:   job.Params,
		Launcher: launcher,
		Progress: func(leadsFound int) {
			r.reportProgress(ctx, jobID, job.Params.LeadsRequested, leadsFound)
		},
		Log: func(entry models.JobLogEntry) {
			r.logs.Append(jobID, entry)
		},
	}

	scrapeErr := r.scraper.Scrape(run)

	// Workers are killed regardless of what the collaborator did. Kills are
	// idempotent, so racing with a Cancel that already killed them is fine.
	for _, pid := range r.registry.PIDsForJob(jobID) {
		r.registry.KillProcess(pid)
	}

	// exit statuses must be recorded before finish reads them
	launcher.waitWorkers(r.cfg.GracePeriod + time.Second)

	r.finish(jobID, ctx.Err() != nil, scrapeErr, launcher)
}

// finish records the terminal outcome. Cancellation wins: if the run
// context was cancelled, the Cancel call owns the terminal transition and
// a state conflict here is the expected result.
func (r *Runner) finish(jobID string, cancelled bool, scrapeErr error, launcher *procLauncher) {
	ctx := context.Background()

	errMsg := ""
	switch {
	case cancelled:
		// Cancel performs the terminal transition itself. Nothing to record
		// here; attempt nothing so we cannot race it.
		r.publishStats(ctx)
		return
	case scrapeErr != nil:
		errMsg = scrapeErr.Error()
	default:
		// A worker that died with a failure status the collaborator never
		// surfaced still fails the job.
		errMsg = launcher.exitError()
	}

	updated, err := r.store.Transition(ctx, jobID, models.JobStatusRunning, func(j *models.Job) {
		j.MarkCompleted(errMsg)
	})
	if err != nil {
		if interfaces.IsStateConflict(err) {
			// A concurrent Cancel completed the job first.
			r.logger.Debug().Str("job_id", jobID).Msg("Job already terminal, run outcome discarded")
			r.publishStats(ctx)
			return
		}
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job completion")
		return
	}

	if errMsg != "" {
		r.emitLog(jobID, models.LogLevelError, "Job failed: "+errMsg, nil)
		r.bus.Publish(ctx, models.NewEvent(models.EventScraperError, map[string]interface{}{
			"job_id": jobID,
			"error":  errMsg,
		}))
		r.logger.Warn().Str("job_id", jobID).Str("error", errMsg).Msg("Job failed")
	} else {
		r.emitLog(jobID, models.LogLevelSuccess, fmt.Sprintf("Job completed, %d leads found", updated.LeadsFound), nil)
		r.bus.Publish(ctx, models.NewEvent(models.EventScraperCompleted, map[string]interface{}{
			"job_id":      jobID,
			"leads_found": updated.LeadsFound,
		}))
		r.logger.Info().Str("job_id", jobID).Int("leads_found", updated.LeadsFound).Msg("Job completed")
	}

	r.publishStats(ctx)
}

// reportProgress persists a leads-found count and mirrors it to the event
// bus and the job's live log stream
func (r *Runner) reportProgress(ctx context.Context, jobID string, requested, leadsFound int) {
	if err := r.store.UpdateProgress(ctx, jobID, leadsFound); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to persist progress")
	}

	details := map[string]interface{}{
		"leads_found":     leadsFound,
		"leads_requested": requested,
	}
	r.emitLog(jobID, models.LogLevelProgress, fmt.Sprintf("Found %d of %d leads", leadsFound, requested), details)
	r.bus.Publish(ctx, models.NewEvent(models.EventScraperProgress, map[string]interface{}{
		"job_id":          jobID,
		"leads_found":     leadsFound,
		"leads_requested": requested,
	}))
}

// Cancel stops a job. It is idempotent: cancelling a terminal or unknown
// state reports success without side effects. For a running job the worker
// processes are killed and the job always lands terminal, even when the
// executing goroutine is gone.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.IsTerminal() {
		return nil
	}

	if job.Status == models.JobStatusScheduled {
		_, err := r.store.Transition(ctx, jobID, models.JobStatusScheduled, func(j *models.Job) {
			j.MarkCancelled("cancelled before start")
		})
		if interfaces.IsStateConflict(err) {
			// Lost the race to a Run; fall through to the running path.
			return r.cancelRunning(ctx, jobID)
		}
		if err != nil {
			return err
		}
		r.logger.Info().Str("job_id", jobID).Msg("Scheduled job cancelled")
		r.publishStats(ctx)
		return nil
	}

	return r.cancelRunning(ctx, jobID)
}

func (r *Runner) cancelRunning(ctx context.Context, jobID string) error {
	// Signal the in-flight goroutine first so the collaborator can stop.
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}

	// Kill workers directly. The collaborator is not trusted to honor the
	// context, and after a crash there is no goroutine to signal at all.
	for _, pid := range r.registry.PIDsForJob(jobID) {
		result := r.registry.KillProcess(pid)
		if result.Error != "" {
			r.logger.Warn().Str("error", result.Error).Str("job_id", jobID).Int("pid", pid).Msg("Failed to kill worker during cancel")
		}
	}

	_, err := r.store.Transition(ctx, jobID, models.JobStatusRunning, func(j *models.Job) {
		j.MarkCancelled("cancelled by user")
	})
	if err != nil {
		if interfaces.IsStateConflict(err) {
			// Already terminal: a concurrent cancel or the run itself won.
			return nil
		}
		return err
	}

	r.emitLog(jobID, models.LogLevelWarning, "Job cancelled", nil)
	r.logger.Info().Str("job_id", jobID).Msg("Running job cancelled")
	r.publishStats(ctx)
	return nil
}

// Delete removes a job record. Running jobs are cancelled first so the
// store-level refusal to delete running jobs never bites a caller who asked
// for removal.
func (r *Runner) Delete(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil
		}
		return err
	}

	if !job.IsTerminal() {
		if err := r.Cancel(ctx, jobID); err != nil {
			return fmt.Errorf("failed to cancel job before delete: %w", err)
		}
	}

	if err := r.store.Delete(ctx, jobID); err != nil {
		return err
	}

	r.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	r.publishStats(ctx)
	return nil
}

// RecoverOrphans repairs state left by an unclean shutdown: jobs stuck in
// the running state are terminated with an explanatory note and their
// persisted worker PIDs are reaped. Optionally every process of the worker
// kind is swept, catching workers whose PIDs were never persisted.
func (r *Runner) RecoverOrphans(ctx context.Context) error {
	stuck, err := r.store.ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	for _, job := range stuck {
		for _, pid := range job.PIDs {
			r.registry.Register(pid, job.ID, r.cfg.WorkerKind)
			result := r.registry.KillProcess(pid)
			if result.Error != "" {
				r.logger.Warn().Str("error", result.Error).Str("job_id", job.ID).Int("pid", pid).Msg("Failed to reap orphaned worker")
			}
		}

		_, err := r.store.Transition(ctx, job.ID, models.JobStatusRunning, func(j *models.Job) {
			j.MarkCancelled("interrupted by restart")
		})
		if err != nil && !interfaces.IsStateConflict(err) {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark interrupted job terminal")
			continue
		}

		r.logger.Warn().Str("job_id", job.ID).Int("reaped_pids", len(job.PIDs)).Msg("Recovered job interrupted by restart")
	}

	if r.cfg.ReapOrphans && r.cfg.WorkerKind != "" {
		results := r.registry.KillAllOfKind(r.cfg.WorkerKind)
		if len(results) > 0 {
			r.logger.Warn().Int("killed", len(results)).Str("kind", r.cfg.WorkerKind).Msg("Swept stray worker processes")
		}
	}

	if len(stuck) > 0 {
		r.publishStats(ctx)
	}
	return nil
}

// Shutdown cancels all in-flight runs and waits for their goroutines to
// finish recording terminal state, up to the given timeout
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn().Msg("Timed out waiting for running jobs to stop")
	}
}

func (r *Runner) emitLog(jobID string, level models.LogLevel, message string, details map[string]interface{}) {
	r.logs.Append(jobID, models.NewLogEntry(level, message, details))
}

func (r *Runner) publishStats(ctx context.Context) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to compute job stats")
		return
	}
	r.bus.Publish(ctx, models.NewEvent(models.EventStatsUpdated, stats))
}
