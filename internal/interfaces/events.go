package interfaces

import (
	"context"

	"github.com/leadgrid/leadgrid/internal/models"
)

// BrokerState describes the event bus's view of the external broker
type BrokerState string

const (
	BrokerStateDisabled    BrokerState = "disabled"    // no broker configured
	BrokerStateConnected   BrokerState = "connected"   // publisher connection healthy
	BrokerStateUnavailable BrokerState = "unavailable" // connect attempts exhausted, publishing degraded
)

// EventBus distributes typed application events to any number of subscribers,
// including subscribers in other process instances when an external broker is
// reachable. Delivery is best-effort and never a correctness dependency:
// Publish must not fail the triggering business operation, and total absence
// of a broker is a supported, detected state.
type EventBus interface {
	// Publish fans an event out to local subscribers and, best-effort within
	// a bounded timeout, to the broker. It never returns an error to the
	// caller's business path; broker failures are logged and absorbed.
	Publish(ctx context.Context, event models.Event)

	// Subscribe opens a dedicated stream for one consumer. The returned
	// unsubscribe func releases the stream (and any broker connection backing
	// it) deterministically and is safe to call more than once.
	Subscribe() (<-chan models.Event, func())

	// BrokerState reports the current broker connection state
	BrokerState() BrokerState

	// Close shuts down the bus and all subscriber streams
	Close() error
}
