package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/procs"
)

// procLauncher spawns worker processes for one job execution. Every spawned
// PID is registered with the process registry and persisted on the job
// record, so both a live Cancel and a post-restart recovery can find and
// kill the workers.
type procLauncher struct {
	jobID    string
	kind     string
	registry *procs.Registry
	store    interfaces.JobStorage
	logger   arbor.ILogger

	mu         sync.Mutex
	wg         sync.WaitGroup
	pids       []int
	exitStatus int // last non-zero worker exit code, 0 if none
}

func newProcLauncher(jobID, kind string, registry *procs.Registry, store interfaces.JobStorage, logger arbor.ILogger) *procLauncher {
	return &procLauncher{
		jobID:    jobID,
		kind:     kind,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Launch starts a worker bound to ctx. The PID is registered and persisted
// before Launch returns, closing the window where a crash would orphan an
// untracked process.
func (l *procLauncher) Launch(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	l.registry.Register(pid, l.jobID, l.kind)

	l.mu.Lock()
	l.pids = append(l.pids, pid)
	pids := append([]int(nil), l.pids...)
	l.mu.Unlock()

	if err := l.store.SetPIDs(ctx, l.jobID, pids); err != nil {
		l.logger.Warn().Err(err).Str("job_id", l.jobID).Int("pid", pid).Msg("Failed to persist worker PID")
	}

	l.logger.Info().Str("job_id", l.jobID).Int("pid", pid).Str("worker", name).Msg("Worker process started")

	l.wg.Add(1)
	common.SafeGo(l.logger, "worker-wait", func() {
		defer l.wg.Done()
		err := cmd.Wait()
		l.registry.Unregister(pid)

		if exitErr, ok := err.(*exec.ExitError); ok {
			// A positive exit code is the worker reporting failure. Negative
			// codes mean signal death, which is how cancellation kills look.
			if code := exitErr.ExitCode(); code > 0 {
				l.mu.Lock()
				l.exitStatus = code
				l.mu.Unlock()
				l.logger.Warn().Str("job_id", l.jobID).Int("pid", pid).Int("exit_code", code).Msg("Worker exited with failure status")
				return
			}
		}

		l.logger.Debug().Str("job_id", l.jobID).Int("pid", pid).Msg("Worker process exited")
	})

	return pid, nil
}

// waitWorkers blocks until every spawned worker's exit status has been
// recorded, bounded by timeout so a worker that survived its kill cannot
// keep the job out of a terminal state.
func (l *procLauncher) waitWorkers(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn().Str("job_id", l.jobID).Msg("Timed out waiting for worker exit status")
	}
}

// exitError reports a worker failure the scraping collaborator did not
// surface itself, or "" if all workers exited cleanly
func (l *procLauncher) exitError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exitStatus > 0 {
		return fmt.Sprintf("worker exited with status %d", l.exitStatus)
	}
	return ""
}
