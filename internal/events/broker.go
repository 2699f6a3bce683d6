package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// envelope wraps an event for broker transport. Origin carries the
// publishing instance ID so an instance can skip its own echoed messages -
// local subscribers already received the event through the in-process path.
type envelope struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// brokerBridge connects the local bus to a Redis pub/sub channel. The bridge
// degrades rather than fails: when the broker is unreachable, publishes are
// skipped after bounded retries and a background probe attempts recovery.
type brokerBridge struct {
	cfg        common.BrokerConfig
	logger     arbor.ILogger
	client     *redis.Client
	instanceID string
	dispatch   func(models.Event)
	notify     func(interfaces.BrokerState)

	mu       sync.Mutex
	st       interfaces.BrokerState
	failures int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newBrokerBridge(cfg common.BrokerConfig, logger arbor.ILogger, dispatch func(models.Event), notify func(interfaces.BrokerState)) *brokerBridge {
	return &brokerBridge{
		cfg:    cfg,
		logger: logger,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		instanceID: uuid.New().String(),
		dispatch:   dispatch,
		notify:     notify,
		st:         interfaces.BrokerStateUnavailable,
		stopCh:     make(chan struct{}),
	}
}

// start probes the broker and launches the subscriber and reconnect loops.
// The initial probe runs in the background so construction never blocks on
// an unreachable broker.
func (bb *brokerBridge) start() {
	bb.wg.Add(3)
	common.SafeGo(bb.logger, "broker-connect", func() {
		defer bb.wg.Done()
		bb.probe()
	})
	common.SafeGo(bb.logger, "broker-subscriber", func() {
		defer bb.wg.Done()
		bb.subscribeLoop()
	})
	common.SafeGo(bb.logger, "broker-reconnect", func() {
		defer bb.wg.Done()
		bb.reconnectLoop()
	})
}

func (bb *brokerBridge) state() interfaces.BrokerState {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.st
}

// setState updates broker state and notifies the listener on changes
func (bb *brokerBridge) setState(st interfaces.BrokerState) {
	bb.mu.Lock()
	changed := bb.st != st
	bb.st = st
	if changed {
		bb.failures = 0
	}
	bb.mu.Unlock()

	if changed {
		if st == interfaces.BrokerStateConnected {
			bb.logger.Info().Str("addr", bb.cfg.Addr).Msg("Event broker connected")
		} else {
			bb.logger.Warn().Str("addr", bb.cfg.Addr).Msg("Event broker unavailable - continuing with local delivery only")
		}
		bb.notify(st)
	}
}

// probe pings the broker once and updates state accordingly
func (bb *brokerBridge) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), bb.cfg.PublishTimeout)
	defer cancel()

	if err := bb.client.Ping(ctx).Err(); err != nil {
		bb.logger.Debug().Err(err).Str("addr", bb.cfg.Addr).Msg("Broker ping failed")
		bb.setState(interfaces.BrokerStateUnavailable)
		return
	}
	bb.setState(interfaces.BrokerStateConnected)
}

// publish sends one event to the broker channel under a bounded timeout.
// While the broker is degraded the send is skipped entirely; recovery is the
// reconnect loop's job, not the publish path's.
func (bb *brokerBridge) publish(ctx context.Context, event models.Event) {
	if bb.state() != interfaces.BrokerStateConnected {
		return
	}

	payload, err := json.Marshal(envelope{Origin: bb.instanceID, Event: event})
	if err != nil {
		bb.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event for broker")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, bb.cfg.PublishTimeout)
	defer cancel()

	if err := bb.client.Publish(pubCtx, bb.cfg.Channel, payload).Err(); err != nil {
		bb.recordFailure(err, event.Type)
		return
	}

	bb.mu.Lock()
	bb.failures = 0
	bb.mu.Unlock()
}

// recordFailure counts consecutive publish failures and degrades the bridge
// once the retry budget is exhausted
func (bb *brokerBridge) recordFailure(err error, eventType models.EventType) {
	bb.mu.Lock()
	bb.failures++
	failures := bb.failures
	bb.mu.Unlock()

	bb.logger.Warn().
		Err(err).
		Str("type", string(eventType)).
		Int("consecutive_failures", failures).
		Msg("Broker publish failed")

	if failures >= bb.cfg.ConnectRetries {
		bb.setState(interfaces.BrokerStateUnavailable)
	}
}

// subscribeLoop receives events published by other instances and injects
// them into the local fan-out. Each bridge holds its own dedicated pub/sub
// connection; go-redis reconnects it internally after network errors.
func (bb *brokerBridge) subscribeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	common.SafeGo(bb.logger, "broker-subscriber-stop", func() {
		<-bb.stopCh
		cancel()
	})

	pubsub := bb.client.Subscribe(ctx, bb.cfg.Channel)
	defer pubsub.Close()

	for {
		select {
		case <-bb.stopCh:
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				bb.logger.Warn().Err(err).Msg("Discarding malformed broker message")
				continue
			}
			if env.Origin == bb.instanceID {
				continue
			}

			bb.dispatch(env.Event)
		}
	}
}

// reconnectLoop periodically re-probes a degraded broker
func (bb *brokerBridge) reconnectLoop() {
	ticker := time.NewTicker(bb.cfg.ReconnectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-bb.stopCh:
			return
		case <-ticker.C:
			if bb.state() != interfaces.BrokerStateConnected {
				bb.probe()
			}
		}
	}
}

func (bb *brokerBridge) stop() {
	bb.stopOnce.Do(func() {
		close(bb.stopCh)
	})
	bb.wg.Wait()

	if err := bb.client.Close(); err != nil {
		bb.logger.Debug().Err(err).Msg("Error closing broker client")
	}
}
