package logstream

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/models"
)

// viewerBuffer bounds each attached viewer's stream. A viewer that falls
// this far behind loses entries; the stream is a live tail, not a log store.
const viewerBuffer = 128

type viewer struct {
	id int
	ch chan models.JobLogEntry
}

// Hub broadcasts job log entries to live viewers. Streams start at the
// moment of attachment - there is no backfill, a viewer attaching mid-run
// sees only entries appended afterwards. Entries are not persisted here.
type Hub struct {
	mu      sync.RWMutex
	jobs    map[string][]*viewer
	nextID  int
	closed  bool
	logger  arbor.ILogger
}

func NewHub(logger arbor.ILogger) *Hub {
	return &Hub{
		jobs:   make(map[string][]*viewer),
		logger: logger,
	}
}

// Append broadcasts one entry to every viewer of the job without blocking.
// Appends for jobs with no viewers are a cheap no-op.
func (h *Hub) Append(jobID string, entry models.JobLogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	for _, v := range h.jobs[jobID] {
		select {
		case v.ch <- entry:
		default:
			// viewer buffer full, entry lost for this viewer
		}
	}
}

// Attach opens a live stream over the job's future log entries. The returned
// detach func releases the stream and is safe to call more than once.
// Attaching to an unknown or finished job is allowed; the stream simply
// stays silent.
func (h *Hub) Attach(jobID string) (<-chan models.JobLogEntry, func()) {
	h.mu.Lock()
	v := &viewer{id: h.nextID, ch: make(chan models.JobLogEntry, viewerBuffer)}
	h.nextID++
	h.jobs[jobID] = append(h.jobs[jobID], v)
	count := len(h.jobs[jobID])
	h.mu.Unlock()

	h.logger.Debug().Str("job_id", jobID).Int("viewer_count", count).Msg("Log viewer attached")

	var once sync.Once
	detach := func() {
		once.Do(func() {
			h.mu.Lock()
			removed := false
			viewers := h.jobs[jobID]
			for i, candidate := range viewers {
				if candidate.id == v.id {
					h.jobs[jobID] = append(viewers[:i], viewers[i+1:]...)
					removed = true
					break
				}
			}
			if len(h.jobs[jobID]) == 0 {
				delete(h.jobs, jobID)
			}
			remaining := len(h.jobs[jobID])
			h.mu.Unlock()
			// Close owns the channel once it has emptied the viewer map
			if !removed {
				return
			}
			close(v.ch)
			h.logger.Debug().Str("job_id", jobID).Int("viewer_count", remaining).Msg("Log viewer detached")
		})
	}

	return v.ch, detach
}

// ViewerCount reports how many viewers are attached to a job's stream
func (h *Hub) ViewerCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobs[jobID])
}

// Close shuts down the hub and every attached viewer stream
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	jobs := h.jobs
	h.jobs = make(map[string][]*viewer)
	h.mu.Unlock()

	for _, viewers := range jobs {
		for _, v := range viewers {
			close(v.ch)
		}
	}
}
