package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/interfaces"
	"github.com/leadgrid/leadgrid/internal/models"
)

// subscriberBuffer bounds each consumer's stream. A slow consumer drops
// events rather than blocking publishers; job state in the store remains the
// source of truth.
const subscriberBuffer = 256

// Bus implements the EventBus interface: in-process fan-out to channel
// subscribers, bridged to an external Redis broker when one is configured.
// Event delivery is best-effort at-most-once; a Publish never fails the
// business operation that triggered it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	closed  bool
	logger  arbor.ILogger
	broker  *brokerBridge // nil when no broker is configured
	stateFn func(interfaces.BrokerState)
}

// NewBus creates an event bus. With an empty broker address the bus runs
// local-only: publish and subscribe still work within this process, and
// BrokerState reports disabled.
func NewBus(cfg common.BrokerConfig, logger arbor.ILogger) *Bus {
	b := &Bus{
		subs:   make(map[int]chan models.Event),
		logger: logger,
	}

	if cfg.Addr != "" {
		b.broker = newBrokerBridge(cfg, logger, b.dispatchLocal, b.notifyBrokerState)
		b.broker.start()
	} else {
		logger.Info().Msg("No event broker configured - live updates are local to this instance")
	}

	return b
}

// OnBrokerStateChange registers a listener for broker availability changes.
// Used by the push handlers to emit broker-connected/unavailable frames to
// viewers. A single listener is supported; later calls replace it.
func (b *Bus) OnBrokerStateChange(fn func(interfaces.BrokerState)) {
	b.mu.Lock()
	b.stateFn = fn
	b.mu.Unlock()
}

func (b *Bus) notifyBrokerState(state interfaces.BrokerState) {
	b.mu.RLock()
	fn := b.stateFn
	b.mu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// Publish fans the event out to local subscribers and, best-effort, to the
// broker so other instances see it. Broker failures are logged and absorbed.
func (b *Bus) Publish(ctx context.Context, event models.Event) {
	b.dispatchLocal(event)

	if b.broker != nil {
		b.broker.publish(ctx, event)
	}
}

// dispatchLocal delivers an event to every local subscriber without
// blocking. Full buffers drop the event for that subscriber.
func (b *Bus) dispatchLocal(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// subscriber buffer full, event lost for this consumer
		}
	}
}

// Subscribe opens a dedicated stream for one consumer. The unsubscribe func
// releases the stream deterministically and is safe to call more than once.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, subscriberBuffer)
	b.subs[id] = ch
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug().Int("subscriber_count", count).Msg("Event subscriber attached")

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.subs[id]
			delete(b.subs, id)
			remaining := len(b.subs)
			b.mu.Unlock()
			// Close owns the channel once it has emptied the map
			if !live {
				return
			}
			close(ch)
			b.logger.Debug().Int("subscriber_count", remaining).Msg("Event subscriber detached")
		})
	}

	return ch, unsubscribe
}

// BrokerState reports the current broker connection state
func (b *Bus) BrokerState() interfaces.BrokerState {
	if b.broker == nil {
		return interfaces.BrokerStateDisabled
	}
	return b.broker.state()
}

// Close shuts down the bus, the broker bridge, and all subscriber streams
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]chan models.Event)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	if b.broker != nil {
		b.broker.stop()
	}

	b.logger.Info().Msg("Event bus closed")
	return nil
}
