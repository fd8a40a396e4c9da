// Package memory provides an in-process transport. Delivery is
// synchronous with Publish, which makes it the backend for tests, the
// demo daemon mode, and single-node deployments.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"livecache/internal/transport"
)

// Engine routes published change events to open channels.
type Engine struct {
	mu       sync.RWMutex
	channels map[*channel]struct{}
	closed   atomic.Bool
}

var (
	_ transport.Transport = (*Engine)(nil)
	_ transport.Publisher = (*Engine)(nil)
)

func New() *Engine {
	return &Engine{channels: make(map[*channel]struct{})}
}

// Open creates a channel for resource. A malformed filter is rejected
// here, mirroring how a hosted transport refuses bad subscription params.
func (e *Engine) Open(resource, filter string) (transport.Channel, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}

	ch := &channel{engine: e, resource: resource, filter: filter}
	if filter != "" {
		f, err := transport.ParseFilter(filter)
		if err != nil {
			return nil, err
		}
		ch.parsed = &f
	}

	e.mu.Lock()
	e.channels[ch] = struct{}{}
	e.mu.Unlock()
	return ch, nil
}

// Publish delivers evt synchronously to every subscribed channel whose
// resource and filter match.
func (e *Engine) Publish(ctx context.Context, evt transport.ChangeEvent) error {
	if e.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, ch := range e.snapshot() {
		ch.deliver(evt)
	}
	return nil
}

// Fail forces a status transition on every channel matching resource
// (all channels when resource is empty). Test hook for exercising
// channel-error paths without a real transport outage.
func (e *Engine) Fail(resource string, status transport.Status, err error) {
	for _, ch := range e.snapshot() {
		if resource == "" || ch.resource == resource {
			ch.fail(status, err)
		}
	}
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	chans := make([]*channel, 0, len(e.channels))
	for ch := range e.channels {
		chans = append(chans, ch)
	}
	e.channels = nil
	e.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown()
	}
	return nil
}

func (e *Engine) snapshot() []*channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*channel, 0, len(e.channels))
	for ch := range e.channels {
		out = append(out, ch)
	}
	return out
}

func (e *Engine) remove(ch *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channels != nil {
		delete(e.channels, ch)
	}
}

// channel is a single live subscription inside the engine.
type channel struct {
	engine   *Engine
	resource string
	filter   string
	parsed   *transport.Filter

	mu         sync.Mutex
	onChange   transport.ChangeHandler
	onStatus   transport.StatusHandler
	subscribed bool
	closed     bool
}

func (c *channel) Resource() string { return c.resource }
func (c *channel) Filter() string   { return c.filter }

func (c *channel) OnChange(h transport.ChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = h
}

func (c *channel) Subscribe(cb transport.StatusHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.subscribed = true
	c.onStatus = cb
	c.mu.Unlock()

	if cb != nil {
		cb(transport.StatusSubscribed, nil)
	}
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribed = false
	cb := c.onStatus
	c.mu.Unlock()

	c.engine.remove(c)
	if cb != nil {
		cb(transport.StatusClosed, nil)
	}
	return nil
}

func (c *channel) deliver(evt transport.ChangeEvent) {
	c.mu.Lock()
	ok := c.subscribed && !c.closed && c.resource == evt.Resource
	if ok && c.parsed != nil {
		ok = c.parsed.MatchEvent(evt)
	}
	h := c.onChange
	c.mu.Unlock()

	if ok && h != nil {
		h(evt)
	}
}

func (c *channel) fail(status transport.Status, err error) {
	c.mu.Lock()
	cb := c.onStatus
	ok := c.subscribed && !c.closed
	c.mu.Unlock()

	if ok && cb != nil {
		cb(status, err)
	}
}

// shutdown closes the channel without touching the engine map, which the
// engine has already cleared.
func (c *channel) shutdown() {
	c.mu.Lock()
	closed := c.closed
	c.closed = true
	c.subscribed = false
	cb := c.onStatus
	c.mu.Unlock()

	if !closed && cb != nil {
		cb(transport.StatusClosed, nil)
	}
}
