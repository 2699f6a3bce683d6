package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

func newTestStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStorage(db, logger)
}

func testParams() models.JobParams {
	return models.JobParams{
		LeadsRequested: 10,
		Categories:     []string{"restaurants"},
		Locations:      []string{"Austin"},
		Country:        "US",
		MinRating:      4.0,
	}
}

func TestCreateAndGet(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	got, err := storage.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusScheduled, got.Status)
	assert.Equal(t, 10, got.Params.LeadsRequested)
}

func TestGetNotFound(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.Get(context.Background(), "job_missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestTransitionConditionalUpdate(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	// scheduled -> running succeeds
	updated, err := storage.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.NotNil(t, updated.StartedAt)

	// second scheduled -> running fails with a state conflict, not a generic error
	_, err = storage.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.Error(t, err)
	assert.True(t, interfaces.IsStateConflict(err))

	var conflict *interfaces.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.JobStatusRunning, conflict.Actual)
}

func TestTransitionOrderNeverReverses(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	_, err := storage.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.NoError(t, err)

	_, err = storage.Transition(ctx, job.ID, models.JobStatusRunning, func(j *models.Job) {
		j.MarkCompleted("")
	})
	require.NoError(t, err)

	// completed is terminal: any further transition attempt is a conflict
	_, err = storage.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	assert.True(t, interfaces.IsStateConflict(err))

	_, err = storage.Transition(ctx, job.ID, models.JobStatusRunning, func(j *models.Job) {
		j.MarkCompleted("late")
	})
	assert.True(t, interfaces.IsStateConflict(err))
}

func TestUpdateProgressMonotonic(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 3))
	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 7))
	// stale lower count is ignored, never decreases
	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 5))

	got, err := storage.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.LeadsFound)
}

func TestDeleteRunningRefused(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	_, err := storage.Transition(ctx, job.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.NoError(t, err)

	err = storage.Delete(ctx, job.ID)
	assert.ErrorIs(t, err, interfaces.ErrJobRunning)

	// still present
	_, err = storage.Get(ctx, job.ID)
	require.NoError(t, err)
}

func TestDeleteTerminal(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	require.NoError(t, storage.Delete(ctx, job.ID))

	_, err := storage.Get(ctx, job.ID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)

	// deleting a missing job is not an error
	require.NoError(t, storage.Delete(ctx, job.ID))
}

func TestSetPIDsPersisted(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, job))

	require.NoError(t, storage.SetPIDs(ctx, job.ID, []int{1234, 5678}))

	got, err := storage.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1234, 5678}, got.PIDs)
}

func TestListFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i, country := range []string{"US", "US", "AU"} {
		params := testParams()
		params.Country = country
		job := models.NewJob(params)
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, storage.Create(ctx, job))
	}

	all, err := storage.List(ctx, models.JobFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	us, err := storage.List(ctx, models.JobFilter{Country: "US"}, 0)
	require.NoError(t, err)
	assert.Len(t, us, 2)

	limited, err := storage.List(ctx, models.JobFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	scheduled, err := storage.List(ctx, models.JobFilter{Status: models.JobStatusScheduled}, 0)
	require.NoError(t, err)
	assert.Len(t, scheduled, 3)
}

func TestStats(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	okJob := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, okJob))

	failedJob := models.NewJob(testParams())
	require.NoError(t, storage.Create(ctx, failedJob))
	_, err := storage.Transition(ctx, failedJob.ID, models.JobStatusScheduled, func(j *models.Job) {
		j.MarkStarted()
	})
	require.NoError(t, err)
	_, err = storage.Transition(ctx, failedJob.ID, models.JobStatusRunning, func(j *models.Job) {
		j.MarkCompleted("scrape failed")
	})
	require.NoError(t, err)

	stats, err := storage.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Total)
}
