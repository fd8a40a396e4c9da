// Package realtime multiplexes logical change subscriptions onto a
// minimal set of live transport channels. Consumers declare interest in
// a (resource, filter) pair; the registry guarantees at most one
// transport channel per pair, fans events out to every registered
// listener, and tears channels down by reference count.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livecache/internal/transport"
)

// ConnState is the process-wide connection state gating new subscriptions.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// UnsubscribeFunc releases one listener. Safe to call more than once.
type UnsubscribeFunc func()

// Handlers are the per-listener callbacks. Each is optional. Insert and
// update callbacks receive the new record state; delete receives the
// state prior to deletion.
type Handlers struct {
	OnInsert func(record map[string]interface{})
	OnUpdate func(record map[string]interface{})
	OnDelete func(record map[string]interface{})
	OnError  func(err error)
}

// SubscribeOptions narrow a subscription.
type SubscribeOptions struct {
	// Filter is an optional "field=eq.value" row filter.
	Filter string
}

// Connector is implemented by transports that need an explicit dial step.
type Connector interface {
	Connect(ctx context.Context) error
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithFilterPolicy replaces the default legacy-identifier filter check.
func WithFilterPolicy(p FilterPolicy) Option {
	return func(r *Registry) { r.validFilter = p }
}

// Registry owns the mapping from channel keys to live subscriptions.
type Registry struct {
	transport   transport.Transport
	logger      *slog.Logger
	validFilter FilterPolicy
	listenerSeq atomic.Uint64

	mu      sync.Mutex
	subs    map[string]*subscription
	state   ConnState
	lastErr error
}

// New creates a registry over the given transport. The registry starts
// disconnected; call Start before subscribing.
func New(t transport.Transport, opts ...Option) *Registry {
	r := &Registry{
		transport:   t,
		logger:      slog.Default(),
		validFilter: DefaultFilterPolicy,
		subs:        make(map[string]*subscription),
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// channelKey canonicalizes a (resource, filter) pair. "*" stands in for
// the unfiltered resource so keys are unambiguous.
func channelKey(resource, filter string) string {
	if filter == "" {
		return resource + ":*"
	}
	return resource + ":" + filter
}

// Start connects the underlying transport (when it has a dial step) and
// marks the registry ready for subscriptions.
func (r *Registry) Start(ctx context.Context) error {
	r.setState(StateConnecting, nil)
	if c, ok := r.transport.(Connector); ok {
		if err := c.Connect(ctx); err != nil {
			r.setState(StateError, err)
			return fmt.Errorf("realtime: transport connect: %w", err)
		}
	}
	r.setState(StateConnected, nil)
	return nil
}

// Subscribe attaches a listener to the channel for (resource, filter),
// opening the channel when this is the first listener. The returned
// cleanup removes exactly this listener and closes the channel when it
// was the last one.
//
// Runtime failures never surface here: an invalid filter or a not-ready
// registry yields a callable no-op cleanup, and later channel errors are
// delivered through OnError.
func (r *Registry) Subscribe(resource string, h Handlers, opts SubscribeOptions) UnsubscribeFunc {
	key := channelKey(resource, opts.Filter)

	r.mu.Lock()
	if r.state != StateConnected {
		state := r.state
		r.mu.Unlock()
		r.logger.Debug("realtime: subscribe deferred, transport not ready",
			"key", key, "state", string(state))
		return func() {}
	}

	if sub, ok := r.subs[key]; ok {
		id := r.nextListenerID()
		sub.addListener(id, h)
		r.mu.Unlock()
		return r.cleanupFunc(key, sub, id)
	}

	if opts.Filter != "" && !r.validFilter(opts.Filter) {
		r.mu.Unlock()
		r.logger.Debug("realtime: skipping subscription with invalid filter",
			"resource", resource, "filter", opts.Filter)
		return func() {}
	}

	id := r.nextListenerID()
	sub := newSubscription(key, resource, opts.Filter, r.logger)
	sub.addListener(id, h)
	r.subs[key] = sub
	r.mu.Unlock()

	ch, err := r.transport.Open(resource, opts.Filter)
	if err != nil {
		r.dropSubscription(key, sub, fmt.Errorf("realtime: open channel %s: %w", key, err))
		return func() {}
	}
	sub.attach(ch)
	ch.OnChange(sub.dispatch)

	if err := ch.Subscribe(func(status transport.Status, serr error) {
		r.handleChannelStatus(key, sub, status, serr)
	}); err != nil {
		ch.Close()
		r.dropSubscription(key, sub, fmt.Errorf("realtime: subscribe channel %s: %w", key, err))
		return func() {}
	}
	return r.cleanupFunc(key, sub, id)
}

// Reset force-closes every live channel and clears all state, regardless
// of listener counts. Used on logout / auth context teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*subscription)
	r.state = StateDisconnected
	r.lastErr = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	r.logger.Info("realtime: registry reset", "closed_channels", len(subs))
}

// StatusInfo is the connection status accessor payload.
type StatusInfo struct {
	Status    ConnState
	IsReady   bool
	LastError error
}

func (r *Registry) Status() StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StatusInfo{
		Status:    r.state,
		IsReady:   r.state == StateConnected,
		LastError: r.lastErr,
	}
}

// ChannelDebug describes one live subscription in a debug snapshot.
type ChannelDebug struct {
	ListenerCount int    `json:"listenerCount"`
	Filter        string `json:"filter,omitempty"`
}

// DebugInfo is a read-only snapshot of registry state.
type DebugInfo struct {
	Status            ConnState               `json:"status"`
	SubscriptionCount int                     `json:"subscriptionCount"`
	Subscriptions     map[string]ChannelDebug `json:"subscriptions"`
}

func (r *Registry) Debug() DebugInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := DebugInfo{
		Status:            r.state,
		SubscriptionCount: len(r.subs),
		Subscriptions:     make(map[string]ChannelDebug, len(r.subs)),
	}
	for key, sub := range r.subs {
		info.Subscriptions[key] = ChannelDebug{
			ListenerCount: sub.listenerCount(),
			Filter:        sub.filter,
		}
	}
	return info
}

// nextListenerID mints a unique listener token: monotonic counter plus
// timestamp, never reused within a process.
func (r *Registry) nextListenerID() string {
	return fmt.Sprintf("%d-%d", r.listenerSeq.Add(1), time.Now().UnixMilli())
}

func (r *Registry) cleanupFunc(key string, sub *subscription, id string) UnsubscribeFunc {
	return func() {
		r.mu.Lock()
		current, live := r.subs[key]
		removed, remaining := sub.removeListener(id)
		if removed && remaining == 0 && live && current == sub {
			delete(r.subs, key)
		}
		r.mu.Unlock()

		if removed && remaining == 0 {
			sub.close()
			r.logger.Debug("realtime: channel released", "key", key)
		}
	}
}

// dropSubscription removes a failed subscription and reports the error
// to its listeners.
func (r *Registry) dropSubscription(key string, sub *subscription, err error) {
	r.mu.Lock()
	if r.subs[key] == sub {
		delete(r.subs, key)
	}
	r.lastErr = err
	r.mu.Unlock()

	r.logger.Warn("realtime: subscription failed", "key", key, "error", err)
	sub.notifyError(err)
}

func (r *Registry) handleChannelStatus(key string, sub *subscription, status transport.Status, serr error) {
	switch status {
	case transport.StatusSubscribed:
		r.logger.Debug("realtime: channel live", "key", key)
	case transport.StatusChannelError, transport.StatusTimedOut:
		err := fmt.Errorf("realtime: channel %s failed with %s: %w", key, status, orChannelErr(serr))
		r.mu.Lock()
		if r.subs[key] == sub {
			delete(r.subs, key)
		}
		r.lastErr = err
		r.mu.Unlock()

		r.logger.Warn("realtime: removing failed channel", "key", key, "status", string(status), "error", serr)
		sub.notifyError(err)
		sub.close()
	case transport.StatusClosed:
		// Teardown we initiated; nothing to do.
	}
}

func (r *Registry) setState(s ConnState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	if err != nil {
		r.lastErr = err
	}
}
