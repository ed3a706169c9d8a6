// Package broadcast defines the interface services use to emit events
// without depending on the bus or WebSocket implementation.
package broadcast

import "github.com/dlorp/synapse-engine/internal/domain/event"

// Broadcaster fans an event out to zero or more subscribers. Emissions
// are non-blocking; slow consumers never stall the caller.
type Broadcaster interface {
	Emit(evt event.Event)
}
