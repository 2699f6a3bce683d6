package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/events"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/logstream"
	"github.com/leadgrid/leadgrid/internal/models"
	"github.com/leadgrid/leadgrid/internal/procs"
	badgerstorage "github.com/leadgrid/leadgrid/internal/storage/badger"
)

type harness struct {
	store    interfaces.JobStorage
	bus      *events.Bus
	logs     *logstream.Hub
	registry *procs.Registry
	runner   *Runner
}

// newHarness wires a runner over real storage and a real bus, with the
// scraping collaborator supplied by the test
func newHarness(t *testing.T, scraper interfaces.Scraper) *harness {
	t.Helper()
	logger := common.GetLogger()

	db, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := badgerstorage.NewJobStorage(db, logger)
	bus := events.NewBus(common.BrokerConfig{}, logger)
	t.Cleanup(func() { bus.Close() })
	logs := logstream.NewHub(logger)
	t.Cleanup(logs.Close)
	registry := procs.NewRegistry(time.Second, logger)

	cfg := common.ScraperConfig{
		WorkerBinary: "leadgrid-worker",
		WorkerKind:   "headless-chrome",
		GracePeriod:  time.Second,
	}

	return &harness{
		store:    store,
		bus:      bus,
		logs:     logs,
		registry: registry,
		runner:   NewRunner(store, registry, bus, logs, scraper, cfg, logger),
	}
}

func validParams() models.JobParams {
	return models.JobParams{
		LeadsRequested: 25,
		Categories:     []string{"plumbers"},
		Locations:      []string{"Hamburg"},
		Country:        "DE",
		MinRating:      4.0,
	}
}

func waitForStatus(t *testing.T, store interfaces.JobStorage, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", status)
	return job
}

func TestScheduleValidatesParams(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))

	cases := []struct {
		name   string
		mutate func(*models.JobParams)
	}{
		{"zero leads", func(p *models.JobParams) { p.LeadsRequested = 0 }},
		{"too many leads", func(p *models.JobParams) { p.LeadsRequested = 1001 }},
		{"bad country", func(p *models.JobParams) { p.Country = "DEU" }},
		{"numeric country", func(p *models.JobParams) { p.Country = "12" }},
		{"rating out of range", func(p *models.JobParams) { p.MinRating = 5.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			job, err := h.runner.Schedule(context.Background(), params)
			assert.Error(t, err)
			assert.Nil(t, job, "no job record may exist after a validation failure")
		})
	}
}

func TestScheduleCreatesScheduledJob(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	assert.Contains(t, job.ID, "job_")
	assert.Equal(t, models.JobStatusScheduled, job.Status)

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

// Scenario: a job runs to completion, reporting progress along the way.
func TestRunToCompletion(t *testing.T) {
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		run.Progress(5)
		run.Progress(12)
		run.Progress(25)
		return nil
	})
	h := newHarness(t, scraper)

	eventCh, unsub := h.bus.Subscribe()
	defer unsub()

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 25, final.LeadsFound)
	assert.Empty(t, final.Error)
	assert.False(t, final.Failed())
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	// the event stream carries started, progress and completed in order
	var types []models.EventType
	deadline := time.After(3 * time.Second)
	for len(types) < 5 {
		select {
		case event := <-eventCh:
			if event.Type == models.EventStatsUpdated {
				continue
			}
			types = append(types, event.Type)
		case <-deadline:
			t.Fatalf("timed out collecting events, got %v", types)
		}
	}
	assert.Equal(t, models.EventScraperStarted, types[0])
	assert.Equal(t, models.EventScraperProgress, types[1])
	assert.Equal(t, models.EventScraperCompleted, types[4])
}

func TestRunRecordsScrapeFailure(t *testing.T) {
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		run.Progress(3)
		return errors.New("browser crashed on page 2")
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "browser crashed on page 2", final.Error)
	assert.True(t, final.Failed())
	// partial progress survives the failure
	assert.Equal(t, 3, final.LeadsFound)
}

// A worker that exits non-zero without the collaborator surfacing an error
// still fails the job.
func TestRunRecordsWorkerExitStatus(t *testing.T) {
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		_, err := run.Launcher.Launch(run.Ctx, "sh", "-c", "exit 3")
		return err
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "worker exited with status 3", final.Error)
	assert.True(t, final.Failed())
}

// Exactly one Run wins; the second is a no-op and starts no second
// execution.
func TestDoubleRunIsSingleFlight(t *testing.T) {
	var count int
	var mu sync.Mutex
	release := make(chan struct{})

	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		mu.Lock()
		count++
		mu.Unlock()
		<-release
		return nil
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)

	require.NoError(t, h.runner.Run(context.Background(), job.ID))
	waitForStatus(t, h.store, job.ID, models.JobStatusRunning)

	require.NoError(t, h.runner.Run(context.Background(), job.ID), "second run on a running job is a no-op")

	close(release)
	waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "collaborator must run exactly once")
}

// Scenario: cancel a running job mid-flight.
func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		close(started)
		run.Progress(4)
		<-run.Ctx.Done()
		return run.Ctx.Err()
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("collaborator never started")
	}

	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "cancelled by user", final.Note)
	assert.Empty(t, final.Error, "cancellation is not failure")
	// progress made before cancellation is preserved
	assert.Equal(t, 4, final.LeadsFound)
}

// Scenario: a running job with live worker processes gets cancelled; every
// registered PID gets a termination attempt and the job still lands in a
// terminal state.
func TestCancelKillsRegisteredWorkers(t *testing.T) {
	started := make(chan struct{})
	var pids []int
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		for i := 0; i < 2; i++ {
			pid, err := run.Launcher.Launch(run.Ctx, "sleep", "30")
			if err != nil {
				return err
			}
			pids = append(pids, pid)
		}
		close(started)
		<-run.Ctx.Done()
		return run.Ctx.Err()
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("workers never launched")
	}
	require.Len(t, pids, 2)

	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "cancelled by user", final.Note)

	require.Eventually(t, func() bool {
		return len(h.registry.PIDsForJob(job.ID)) == 0
	}, 5*time.Second, 50*time.Millisecond, "killed workers must leave the registry")
}

func TestCancelScheduledJob(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)

	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))

	final, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, "cancelled before start", final.Note)

	// a cancelled job can never be started
	err = h.runner.Run(context.Background(), job.ID)
	assert.True(t, interfaces.IsStateConflict(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))
	waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)

	// cancelling a terminal job reports success and changes nothing
	before, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)

	require.NoError(t, h.runner.Cancel(context.Background(), job.ID))

	after, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Note, after.Note)
	assert.Equal(t, before.Error, after.Error)
}

func TestConcurrentDoubleCancel(t *testing.T) {
	blocked := make(chan struct{})
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		close(blocked)
		<-run.Ctx.Done()
		return run.Ctx.Err()
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))
	<-blocked

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.runner.Cancel(context.Background(), job.ID)
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, "cancelled by user", final.Note)
}

// A Cancel racing the start itself must always stop the work: whichever of
// the two wins the store, the collaborator either never starts or observes
// its context cancelled.
func TestConcurrentRunAndCancelAlwaysStopsWork(t *testing.T) {
	for i := 0; i < 10; i++ {
		observed := make(chan bool, 1)
		scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
			select {
			case <-run.Ctx.Done():
				observed <- true
			case <-time.After(2 * time.Second):
				observed <- false
			}
			return run.Ctx.Err()
		})
		h := newHarness(t, scraper)

		job, err := h.runner.Schedule(context.Background(), validParams())
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			// losing the race to Cancel is a legal outcome
			_ = h.runner.Run(context.Background(), job.ID)
		}()
		go func() {
			defer wg.Done()
			cancelErr = h.runner.Cancel(context.Background(), job.ID)
		}()
		wg.Wait()
		require.NoError(t, cancelErr)

		final := waitForStatus(t, h.store, job.ID, models.JobStatusCompleted)
		assert.NotEmpty(t, final.Note)

		select {
		case cancelled := <-observed:
			assert.True(t, cancelled, "started collaborator must observe cancellation")
		default:
			// cancel won before the collaborator ever started
		}
	}
}

func TestDeleteCancelsRunningJobFirst(t *testing.T) {
	blocked := make(chan struct{})
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		close(blocked)
		<-run.Ctx.Done()
		return run.Ctx.Err()
	})
	h := newHarness(t, scraper)

	job, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(context.Background(), job.ID))
	<-blocked

	require.NoError(t, h.runner.Delete(context.Background(), job.ID))

	_, err = h.store.Get(context.Background(), job.ID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestDeleteUnknownJobIsNoOp(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))
	assert.NoError(t, h.runner.Delete(context.Background(), "job_does-not-exist"))
}

// Scenario: restart recovery. A job left running by a crashed instance is
// terminated with a note and its persisted PIDs are reaped.
func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t, interfaces.ScraperFunc(func(run interfaces.RunContext) error { return nil }))
	ctx := context.Background()

	job, err := h.runner.Schedule(ctx, validParams())
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.NoError(t, err)
	// a PID that certainly does not exist anymore
	require.NoError(t, h.store.SetPIDs(ctx, job.ID, []int{999999}))

	require.NoError(t, h.runner.RecoverOrphans(ctx))

	final, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, "interrupted by restart", final.Note)
}

func TestMaxConcurrentLimit(t *testing.T) {
	release := make(chan struct{})
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		<-release
		return nil
	})
	h := newHarness(t, scraper)
	h.runner.cfg.MaxConcurrent = 1
	defer close(release)

	first, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)
	second, err := h.runner.Schedule(context.Background(), validParams())
	require.NoError(t, err)

	require.NoError(t, h.runner.Run(context.Background(), first.ID))
	waitForStatus(t, h.store, first.ID, models.JobStatusRunning)

	err = h.runner.Run(context.Background(), second.ID)
	assert.ErrorIs(t, err, ErrMaxConcurrent)
}

func TestSweeperStartsDueJobs(t *testing.T) {
	ran := make(chan string, 1)
	scraper := interfaces.ScraperFunc(func(run interfaces.RunContext) error {
		select {
		case ran <- "":
		default:
		}
		return nil
	})
	h := newHarness(t, scraper)

	past := time.Now().Add(-time.Minute)
	params := validParams()
	params.ScheduledAt = &past
	due, err := h.runner.Schedule(context.Background(), params)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	futureParams := validParams()
	futureParams.ScheduledAt = &future
	notDue, err := h.runner.Schedule(context.Background(), futureParams)
	require.NoError(t, err)

	sweeper, err := NewSweeper(h.runner, common.SchedulerConfig{SweepInterval: "100ms"}, common.GetLogger())
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop()

	waitForStatus(t, h.store, due.ID, models.JobStatusCompleted)

	later, err := h.store.Get(context.Background(), notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, later.Status, "a future job must not start early")
}
