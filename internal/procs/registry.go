package procs

import (
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/ternarybob/arbor"
)

// Registration records one spawned worker process. The cmdline captured at
// spawn time is re-validated before any kill so a recycled PID belonging to
// an unrelated process is never signalled.
type Registration struct {
	PID       int       `json:"pid"`
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	SpawnedAt time.Time `json:"spawned_at"`
	Cmdline   string    `json:"cmdline,omitempty"`
}

// KillResult reports the outcome of one termination attempt. Kill failures
// are per-PID and never fatal to the caller.
type KillResult struct {
	PID    int    `json:"pid"`
	Killed bool   `json:"killed"`
	Error  string `json:"error,omitempty"`
}

// Registry is the authoritative, best-effort view of which OS processes
// belong to the scraping subsystem. Registrations are in-memory only; the
// job record's serialized PID list is the restart recovery path.
type Registry struct {
	mu     sync.RWMutex
	procs  map[int]Registration
	grace  time.Duration
	logger arbor.ILogger
}

// NewRegistry creates a process registry. grace bounds the wait for a
// graceful exit between SIGTERM and SIGKILL.
func NewRegistry(grace time.Duration, logger arbor.ILogger) *Registry {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Registry{
		procs:  make(map[int]Registration),
		grace:  grace,
		logger: logger,
	}
}

// Register records a spawned worker process
func (r *Registry) Register(pid int, jobID, kind string) {
	reg := Registration{
		PID:       pid,
		JobID:     jobID,
		Kind:      kind,
		SpawnedAt: time.Now(),
	}

	// Capture the command line now; used later as a PID-reuse guard
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if cmdline, err := p.Cmdline(); err == nil {
			reg.Cmdline = cmdline
		}
	}

	r.mu.Lock()
	r.procs[pid] = reg
	r.mu.Unlock()

	r.logger.Debug().
		Int("pid", pid).
		Str("job_id", jobID).
		Str("kind", kind).
		Msg("Worker process registered")
}

// Unregister removes a PID from the registry, typically after the scheduler
// confirms the process has exited
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	delete(r.procs, pid)
	r.mu.Unlock()
}

// ListRunning enumerates registered processes that are still alive in the OS
// process table. Registrations whose process has exited are pruned.
func (r *Registry) ListRunning() []Registration {
	r.mu.RLock()
	snapshot := make([]Registration, 0, len(r.procs))
	for _, reg := range r.procs {
		snapshot = append(snapshot, reg)
	}
	r.mu.RUnlock()

	running := make([]Registration, 0, len(snapshot))
	var dead []int
	for _, reg := range snapshot {
		if r.isAlive(reg) {
			running = append(running, reg)
		} else {
			dead = append(dead, reg.PID)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, pid := range dead {
			delete(r.procs, pid)
		}
		r.mu.Unlock()
	}

	return running
}

// PIDsForJob returns the registered PIDs belonging to one job
func (r *Registry) PIDsForJob(jobID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pids []int
	for pid, reg := range r.procs {
		if reg.JobID == jobID {
			pids = append(pids, pid)
		}
	}
	return pids
}

// KillProcess terminates one registered process. It is idempotent: a PID
// whose process has already exited yields a non-error result and is pruned.
// A genuine kill failure leaves the registration in place for retry.
func (r *Registry) KillProcess(pid int) KillResult {
	r.mu.RLock()
	reg, registered := r.procs[pid]
	r.mu.RUnlock()

	if !registered {
		reg = Registration{PID: pid}
	}

	result := r.kill(reg)
	if result.Killed || result.Error == "" {
		r.Unregister(pid)
	}
	return result
}

// KillAllOurs terminates every registered process across all jobs. The
// registration set is snapshotted first so a worker registered mid-sweep is
// never killed by a stale iteration.
func (r *Registry) KillAllOurs() []KillResult {
	r.mu.RLock()
	snapshot := make([]Registration, 0, len(r.procs))
	for _, reg := range r.procs {
		snapshot = append(snapshot, reg)
	}
	r.mu.RUnlock()

	results := make([]KillResult, 0, len(snapshot))
	for _, reg := range snapshot {
		result := r.kill(reg)
		if result.Killed || result.Error == "" {
			r.Unregister(reg.PID)
		}
		results = append(results, result)
	}

	r.logger.Info().
		Int("attempted", len(results)).
		Msg("Kill-all sweep over registered workers completed")

	return results
}

// KillAllOfKind terminates every OS process whose executable name matches
// the worker kind, including processes this instance never registered. This
// is the recovery path for orphaned headless browser processes left by
// crashed prior runs; it is deliberately broader and riskier than
// KillAllOurs and should be treated as a power-user control.
func (r *Registry) KillAllOfKind(kind string) []KillResult {
	procs, err := process.Processes()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to enumerate OS process table")
		return nil
	}

	var results []KillResult
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || !matchesKind(name, kind) {
			continue
		}
		reg := Registration{PID: int(p.Pid), Kind: kind}
		result := r.kill(reg)
		if result.Killed || result.Error == "" {
			r.Unregister(reg.PID)
		}
		results = append(results, result)
	}

	r.logger.Warn().
		Str("kind", kind).
		Int("attempted", len(results)).
		Msg("Kill-by-kind sweep over OS process table completed")

	return results
}

// kill sends SIGTERM, waits up to the grace period for exit, then SIGKILLs
// stragglers. Already-exited processes produce a clean no-op result.
func (r *Registry) kill(reg Registration) KillResult {
	result := KillResult{PID: reg.PID}

	p, err := process.NewProcess(int32(reg.PID))
	if err != nil {
		// Process table has no such PID: already exited
		return result
	}

	if alive, err := p.IsRunning(); err != nil || !alive {
		return result
	}

	// PID-reuse guard: if the command line no longer matches what we spawned,
	// the PID belongs to someone else now
	if reg.Cmdline != "" {
		if cmdline, err := p.Cmdline(); err == nil && cmdline != reg.Cmdline {
			r.logger.Warn().
				Int("pid", reg.PID).
				Str("expected", reg.Cmdline).
				Str("actual", cmdline).
				Msg("PID reused by unrelated process, skipping kill")
			return result
		}
	}

	if err := p.Terminate(); err != nil {
		// Fall through to SIGKILL below rather than giving up
		r.logger.Debug().Err(err).Int("pid", reg.PID).Msg("SIGTERM failed")
	}

	if r.waitForExit(p, r.grace) {
		result.Killed = true
		return result
	}

	if err := p.Kill(); err != nil {
		result.Error = err.Error()
		r.logger.Warn().Err(err).Int("pid", reg.PID).Msg("Failed to kill worker process")
		return result
	}

	result.Killed = true
	return result
}

// waitForExit polls for process exit up to the timeout
func (r *Registry) waitForExit(p *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		alive, err := p.IsRunning()
		if err != nil || !alive {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func (r *Registry) isAlive(reg Registration) bool {
	p, err := process.NewProcess(int32(reg.PID))
	if err != nil {
		return false
	}
	alive, err := p.IsRunning()
	return err == nil && alive
}

// matchesKind compares an executable name against a worker kind label,
// tolerating platform suffixes and partial names (e.g. "headless-chrome"
// matching "chrome").
func matchesKind(name, kind string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, ".exe"))
	kind = strings.ToLower(kind)
	return name == kind || strings.Contains(name, kind) || strings.Contains(kind, name)
}
