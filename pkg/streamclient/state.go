package streamclient

import "time"

// State is the connection lifecycle state of a Client
type State int

const (
	// StateConnecting means a dial attempt is in progress
	StateConnecting State = iota
	// StateConnected means the client has a live connection
	StateConnected
	// StateBackoff means the client is waiting before the next dial
	StateBackoff
	// StateGivenUp means the client never connected and exhausted its
	// initial attempt budget
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateGivenUp:
		return "given-up"
	default:
		return "unknown"
	}
}

// schedule computes reconnect delays. The rules differ by history: a client
// that has never reached the server gives up after a bounded number of
// attempts (the server is probably misconfigured or down for good), while a
// client that was connected before retries forever, because a server that
// existed once is expected to come back.
type schedule struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	attempts      int
	everConnected bool
}

func newSchedule(baseDelay, maxDelay time.Duration, maxAttempts int) *schedule {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &schedule{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// next records a failed attempt and returns the delay before the following
// one. ok is false when the client should give up instead of waiting.
func (s *schedule) next() (delay time.Duration, ok bool) {
	s.attempts++

	if !s.everConnected && s.attempts >= s.maxAttempts {
		return 0, false
	}

	delay = s.baseDelay
	for i := 1; i < s.attempts; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay, true
		}
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	return delay, true
}

// connected records a successful connection: the attempt counter resets and
// the client is permanently in was-connected mode
func (s *schedule) connected() {
	s.attempts = 0
	s.everConnected = true
}
