package logstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/models"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(common.GetLogger())
	t.Cleanup(hub.Close)
	return hub
}

func receiveEntry(t *testing.T, ch <-chan models.JobLogEntry) models.JobLogEntry {
	t.Helper()
	select {
	case entry := <-ch:
		return entry
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log entry")
		return models.JobLogEntry{}
	}
}

func TestAttachSeesOnlyFutureEntries(t *testing.T) {
	hub := newTestHub(t)

	// entries before attachment are gone for good
	for i := 0; i < 5; i++ {
		hub.Append("job_a", models.NewLogEntry(models.LogLevelInfo, "early entry", nil))
	}

	ch, detach := hub.Attach("job_a")
	defer detach()

	hub.Append("job_a", models.NewLogEntry(models.LogLevelSuccess, "after attach", nil))

	entry := receiveEntry(t, ch)
	assert.Equal(t, "after attach", entry.Message)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected backfilled entry: %q", extra.Message)
	default:
	}
}

func TestBroadcastToMultipleViewers(t *testing.T) {
	hub := newTestHub(t)

	ch1, detach1 := hub.Attach("job_a")
	defer detach1()
	ch2, detach2 := hub.Attach("job_a")
	defer detach2()

	assert.Equal(t, 2, hub.ViewerCount("job_a"))

	hub.Append("job_a", models.NewLogEntry(models.LogLevelProgress, "found 10 leads", map[string]any{"leads_found": 10}))

	for _, ch := range []<-chan models.JobLogEntry{ch1, ch2} {
		entry := receiveEntry(t, ch)
		assert.Equal(t, models.LogLevelProgress, entry.Level)
		assert.Equal(t, "found 10 leads", entry.Message)
	}
}

func TestStreamsAreIsolatedPerJob(t *testing.T) {
	hub := newTestHub(t)

	chA, detachA := hub.Attach("job_a")
	defer detachA()
	chB, detachB := hub.Attach("job_b")
	defer detachB()

	hub.Append("job_a", models.NewLogEntry(models.LogLevelInfo, "a only", nil))

	entry := receiveEntry(t, chA)
	assert.Equal(t, "a only", entry.Message)

	select {
	case leaked := <-chB:
		t.Fatalf("entry leaked across jobs: %q", leaked.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetachStopsDeliveryAndIsIdempotent(t *testing.T) {
	hub := newTestHub(t)

	ch, detach := hub.Attach("job_a")
	detach()
	detach()

	assert.Equal(t, 0, hub.ViewerCount("job_a"))

	hub.Append("job_a", models.NewLogEntry(models.LogLevelInfo, "nobody listening", nil))

	_, ok := <-ch
	assert.False(t, ok, "detached viewer channel is closed")
}

func TestDetachAfterCloseIsNoOp(t *testing.T) {
	hub := NewHub(common.GetLogger())

	ch, detach := hub.Attach("job_a")
	hub.Close()

	// shutdown already closed the stream; a late deferred detach must not
	// close it again
	assert.NotPanics(t, detach)

	_, ok := <-ch
	assert.False(t, ok, "viewer channels are closed with the hub")
}

func TestAppendWithoutViewersDoesNotBlock(t *testing.T) {
	hub := newTestHub(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < viewerBuffer*4; i++ {
			hub.Append("job_silent", models.NewLogEntry(models.LogLevelInfo, "tick", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked with no viewers attached")
	}
}

func TestSlowViewerDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub(t)

	_, detach := hub.Attach("job_a")
	defer detach()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < viewerBuffer*2; i++ {
			hub.Append("job_a", models.NewLogEntry(models.LogLevelInfo, "tick", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a viewer that never reads")
	}
}
