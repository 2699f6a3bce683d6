package scraper

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// fakeLauncher runs real short-lived processes so the supervisor loop sees a
// genuine PID lifecycle
type fakeLauncher struct {
	mu       sync.Mutex
	launched [][]string
	script   string
}

func (l *fakeLauncher) Launch(ctx context.Context, name string, args ...string) (int, error) {
	l.mu.Lock()
	l.launched = append(l.launched, append([]string{name}, args...))
	l.mu.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", l.script)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go cmd.Wait()
	return cmd.Process.Pid, nil
}

func TestScrapeWaitsForWorkerExit(t *testing.T) {
	s := NewWorkerScraper(common.ScraperConfig{WorkerBinary: "leadgrid-worker"}, common.GetLogger())
	launcher := &fakeLauncher{script: "sleep 0.2"}

	start := time.Now()
	err := s.Scrape(interfaces.RunContext{
		Ctx:      context.Background(),
		Params:   models.JobParams{LeadsRequested: 10, Country: "US"},
		Progress: func(int) {},
		Launcher: launcher,
		Log:      func(models.JobLogEntry) {},
	})
	require.NoError(t, err)
	// exit is noticed on the poll after the process dies
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScrapeStopsOnCancellation(t *testing.T) {
	s := NewWorkerScraper(common.ScraperConfig{WorkerBinary: "leadgrid-worker"}, common.GetLogger())
	launcher := &fakeLauncher{script: "sleep 30"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Scrape(interfaces.RunContext{
			Ctx:      ctx,
			Params:   models.JobParams{LeadsRequested: 10, Country: "US"},
			Progress: func(int) {},
			Launcher: launcher,
			Log:      func(models.JobLogEntry) {},
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a scrape failure")
	case <-time.After(3 * time.Second):
		t.Fatal("scrape did not stop after cancellation")
	}
}

func TestBuildArgsIncludesAllParams(t *testing.T) {
	s := NewWorkerScraper(common.ScraperConfig{WorkerBinary: "leadgrid-worker"}, common.GetLogger())

	args := s.buildArgs(models.JobParams{
		LeadsRequested: 50,
		Country:        "DE",
		Categories:     []string{"plumbers", "electricians"},
		Locations:      []string{"Hamburg"},
		MinRating:      4.5,
	}, "/tmp/status.json")

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "--leads 50")
	assert.Contains(t, joined, "--country DE")
	assert.Contains(t, joined, "--categories plumbers,electricians")
	assert.Contains(t, joined, "--locations Hamburg")
	assert.Contains(t, joined, "--min-rating 4.5")
	assert.Contains(t, joined, "--status-file /tmp/status.json")
}
