// Package streamclient is a reconnecting client for the live event stream.
// It maintains a WebSocket connection to the event push endpoint, applies
// exponential backoff when the server is away, and detects server restarts
// through the instance ID on the connected frame. Missed events are not
// replayed; after a reconnect or restart the caller re-reads current state
// over the REST API.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one message from the event stream. Payload stays raw; callers
// decode the types they care about.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type connectedPayload struct {
	ServerInstanceID string `json:"server_instance_id"`
	BrokerState      string `json:"broker_state"`
}

// Config configures a Client. Zero values take the documented defaults.
type Config struct {
	// URL is the ws:// or wss:// event stream endpoint
	URL string

	// MaxConnectAttempts bounds dial attempts before the FIRST successful
	// connection (default 5). Once connected, the client never gives up.
	MaxConnectAttempts int

	// BaseBackoff is the first reconnect delay (default 1s); delays double
	// per failed attempt up to MaxBackoff (default 30s).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// HeartbeatInterval is the server's advertised heartbeat period
	// (default 30s). A connection with no traffic for twice this interval
	// is considered dead and redialed.
	HeartbeatInterval time.Duration

	// OnFrame receives every frame, including signaling frames
	OnFrame func(Frame)

	// OnStateChange observes connection lifecycle transitions
	OnStateChange func(State)

	// OnServerRestart fires when the server instance ID changes between
	// connections. Jobs the client thought were running may have been
	// terminated; re-read them over the REST API.
	OnServerRestart func(previousID, currentID string)
}

// ErrGivenUp is returned by Run when the client never connected and
// exhausted its attempt budget
var ErrGivenUp = errors.New("stream client gave up connecting")

// Client maintains the event stream connection
type Client struct {
	cfg      Config
	schedule *schedule

	mu               sync.RWMutex
	state            State
	serverInstanceID string
}

func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		schedule: newSchedule(cfg.BaseBackoff, cfg.MaxBackoff, cfg.MaxConnectAttempts),
		state:    StateConnecting,
	}
}

// State reports the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerInstanceID reports the instance ID of the currently (or most
// recently) connected server, or "" before the first connection
func (c *Client) ServerInstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInstanceID
}

// Run drives the connect/read/backoff loop until ctx is cancelled or the
// client gives up. A cancelled context returns ctx.Err(); giving up returns
// ErrGivenUp.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = err // connection errors only influence the schedule

		delay, ok := c.schedule.next()
		if !ok {
			c.setState(StateGivenUp)
			return ErrGivenUp
		}

		c.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndRead dials once and reads frames until the connection dies
func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.schedule.connected()
	c.setState(StateConnected)

	// drop the connection when ctx is cancelled mid-read
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	readTolerance := 2 * c.cfg.HeartbeatInterval

	for {
		conn.SetReadDeadline(time.Now().Add(readTolerance))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Type == "connected" {
			c.handleConnectedFrame(frame)
		}

		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

// handleConnectedFrame tracks the server instance ID and reports restarts
func (c *Client) handleConnectedFrame(frame Frame) {
	var payload connectedPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ServerInstanceID == "" {
		return
	}

	c.mu.Lock()
	previous := c.serverInstanceID
	c.serverInstanceID = payload.ServerInstanceID
	c.mu.Unlock()

	if previous != "" && previous != payload.ServerInstanceID && c.cfg.OnServerRestart != nil {
		c.cfg.OnServerRestart(previous, payload.ServerInstanceID)
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}
