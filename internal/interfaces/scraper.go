package interfaces

import (
	"context"

	"github.com/leadgrid/leadgrid/internal/models"
)

// ProgressFunc reports an incremental leads-found count to the runner.
// Counts are cumulative and non-decreasing; the runner preserves the order
// in which they are reported.
type ProgressFunc func(leadsFound int)

// WorkerLauncher spawns out-of-process browser-automation workers on behalf
// of a job. Implementations register the spawned PID with the process
// registry and persist it on the job record so a restarted orchestrator can
// reap orphans.
type WorkerLauncher interface {
	// Launch starts a worker process bound to ctx and returns its PID
	Launch(ctx context.Context, name string, args ...string) (int, error)
}

// RunContext is everything the runner hands the scraping collaborator for
// the duration of one job execution. Ctx doubles as the cancellation token:
// a cancelled context means the job was cancelled and the collaborator
// should stop as soon as practical (it is not trusted to — the runner kills
// registered worker processes regardless).
type RunContext struct {
	Ctx      context.Context
	Params   models.JobParams
	Progress ProgressFunc
	Launcher WorkerLauncher
	Log      func(entry models.JobLogEntry)
}

// Scraper is the external scraping/enrichment collaborator. It drives the
// browser automation and writes enriched lead records to the data store;
// the orchestration core neither parses pages nor merges contact data.
// A nil return means the requested leads were gathered (or cancellation was
// honored); a non-nil return is recorded on the job as a terminal error.
type Scraper interface {
	Scrape(run RunContext) error
}

// ScraperFunc adapts a plain function to the Scraper interface
type ScraperFunc func(run RunContext) error

func (f ScraperFunc) Scrape(run RunContext) error { return f(run) }
