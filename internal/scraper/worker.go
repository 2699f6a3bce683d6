package scraper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// statusPollInterval is how often the worker's status file is re-read while
// it runs
const statusPollInterval = time.Second

// workerStatus is the progress record the worker binary rewrites as it
// gathers leads
type workerStatus struct {
	LeadsFound int `json:"leads_found"`
}

// WorkerScraper drives one out-of-process browser-automation worker per job.
// The worker does the page driving and writes enriched leads to the data
// store itself; this side only supervises it, relaying progress from the
// worker's status file to the runner.
type WorkerScraper struct {
	cfg    common.ScraperConfig
	logger arbor.ILogger
}

func NewWorkerScraper(cfg common.ScraperConfig, logger arbor.ILogger) *WorkerScraper {
	return &WorkerScraper{
		cfg:    cfg,
		logger: logger,
	}
}

// Scrape launches the worker and supervises it until exit or cancellation.
// A cancelled context is not an error; the runner records cancellation
// separately.
func (s *WorkerScraper) Scrape(run interfaces.RunContext) error {
	statusPath := filepath.Join(os.TempDir(), fmt.Sprintf("leadgrid-worker-%d.status", time.Now().UnixNano()))
	defer os.Remove(statusPath)

	args := s.buildArgs(run.Params, statusPath)

	run.Log(models.NewLogEntry(models.LogLevelInfo, "Launching scrape worker", map[string]interface{}{
		"worker": s.cfg.WorkerBinary,
	}))

	pid, err := run.Launcher.Launch(run.Ctx, s.cfg.WorkerBinary, args...)
	if err != nil {
		return err
	}

	lastReported := 0
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-run.Ctx.Done():
			return nil
		case <-ticker.C:
			if found, ok := readStatus(statusPath); ok && found > lastReported {
				lastReported = found
				run.Progress(found)
			}

			alive, err := process.PidExists(int32(pid))
			if err != nil || alive {
				continue
			}

			// final status read after exit, the worker may have written a
			// last update between polls
			if found, ok := readStatus(statusPath); ok && found > lastReported {
				run.Progress(found)
			}
			return nil
		}
	}
}

// buildArgs maps job parameters onto the worker's command line
func (s *WorkerScraper) buildArgs(params models.JobParams, statusPath string) []string {
	args := []string{
		"--leads", fmt.Sprintf("%d", params.LeadsRequested),
		"--country", params.Country,
		"--status-file", statusPath,
	}
	if len(params.Categories) > 0 {
		args = append(args, "--categories", strings.Join(params.Categories, ","))
	}
	if len(params.Locations) > 0 {
		args = append(args, "--locations", strings.Join(params.Locations, ","))
	}
	if params.MinRating > 0 {
		args = append(args, "--min-rating", fmt.Sprintf("%.1f", params.MinRating))
	}
	return args
}

// readStatus parses the worker's status file. A missing or partially
// written file is not an error, the next poll will retry.
func readStatus(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	var status workerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return 0, false
	}
	return status.LeadsFound, true
}
