// Package transport provides the change-event transport abstraction the
// realtime registry multiplexes over. Implementations deliver ordered
// change events per channel; everything above this seam is transport
// agnostic.
package transport

import (
	"context"
	"errors"
)

// EventType tags a change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// IsValid checks if the event type is a known valid type.
func (e EventType) IsValid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// ChangeEvent is a single change to one entity of a resource.
// Record holds the new state for inserts and updates. OldRecord holds the
// state prior to deletion; consumers need it to extract the identity of
// the removed entity.
type ChangeEvent struct {
	Type      EventType              `json:"type"`
	Resource  string                 `json:"resource"`
	Record    map[string]interface{} `json:"record,omitempty"`
	OldRecord map[string]interface{} `json:"oldRecord,omitempty"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// Status values reported by a channel's status callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// ChangeHandler receives change events delivered on a channel.
type ChangeHandler func(evt ChangeEvent)

// StatusHandler receives channel status transitions. err is non-nil for
// StatusChannelError and StatusTimedOut when the transport has detail.
type StatusHandler func(status Status, err error)

// Channel is one live subscription scoped to a (resource, filter) pair.
// Handlers must be registered before Subscribe is called; the transport
// invokes them from a single goroutine per channel.
type Channel interface {
	// Resource returns the resource this channel is scoped to.
	Resource() string

	// Filter returns the row filter, empty for the full resource.
	Filter() string

	// OnChange registers the change handler.
	OnChange(h ChangeHandler)

	// Subscribe starts delivery and reports status transitions to cb.
	Subscribe(cb StatusHandler) error

	// Close stops delivery and releases the channel.
	Close() error
}

// Transport opens channels against a live event source.
type Transport interface {
	// Open creates a channel for resource, optionally narrowed by a
	// "field=eq.value" filter. Delivery starts on Channel.Subscribe.
	Open(resource, filter string) (Channel, error)

	// Close releases the transport and every channel opened through it.
	Close() error
}

// Publisher is the producing side. The in-memory transport implements it
// directly; the NATS transport publishes to the subject scheme its
// channels consume from.
type Publisher interface {
	Publish(ctx context.Context, evt ChangeEvent) error
}

// ErrClosed is returned for operations on a closed transport.
var ErrClosed = errors.New("transport: closed")
