// Package nats provides a NATS-backed transport. Each resource maps to
// one subject ("<prefix>.<resource>"); change events travel as JSON and
// row filters are applied client side before delivery.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"livecache/internal/transport"
)

// Config configures the NATS transport.
type Config struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "changes",
		FlushTimeout:  5 * time.Second,
	}
}

// connectFunc is injectable for testing.
type connectFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// Transport implements transport.Transport and transport.Publisher over
// a single NATS connection.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	connect connectFunc

	mu       sync.RWMutex
	nc       *nats.Conn
	channels map[*channel]struct{}
	closed   bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Publisher = (*Transport)(nil)
)

func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "changes"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		connect:  nats.Connect,
		channels: make(map[*channel]struct{}),
	}
}

// Connect dials the NATS server. Must be called before Open or Publish.
// Connection-level failures after connect are forwarded to every open
// channel as CHANNEL_ERROR.
func (t *Transport) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("livecache"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.failAll(transport.StatusChannelError, err)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			t.failSubject(sub, err)
		}),
	}
	nc, err := t.connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats: connect %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.nc = nc
	t.mu.Unlock()
	t.logger.Info("nats transport connected", "url", t.cfg.URL, "prefix", t.cfg.SubjectPrefix)
	return nil
}

func (t *Transport) Open(resource, filter string) (transport.Channel, error) {
	ch := &channel{tr: t, resource: resource, filter: filter}
	if filter != "" {
		f, err := transport.ParseFilter(filter)
		if err != nil {
			return nil, err
		}
		ch.parsed = &f
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.nc == nil {
		return nil, fmt.Errorf("nats: transport not connected")
	}
	t.channels[ch] = struct{}{}
	return ch, nil
}

func (t *Transport) Publish(ctx context.Context, evt transport.ChangeEvent) error {
	t.mu.RLock()
	nc, closed := t.nc, t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if nc == nil {
		return fmt.Errorf("nats: transport not connected")
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("nats: encode event: %w", err)
	}
	if err := nc.Publish(t.subject(evt.Resource), data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	nc := t.nc
	chans := make([]*channel, 0, len(t.channels))
	for ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = nil
	t.mu.Unlock()

	for _, ch := range chans {
		ch.stop(transport.StatusClosed, nil)
	}
	if nc != nil {
		nc.Close()
	}
	return nil
}

func (t *Transport) subject(resource string) string {
	return t.cfg.SubjectPrefix + "." + resource
}

func (t *Transport) remove(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channels != nil {
		delete(t.channels, ch)
	}
}

func (t *Transport) snapshot() []*channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*channel, 0, len(t.channels))
	for ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

func (t *Transport) failAll(status transport.Status, err error) {
	for _, ch := range t.snapshot() {
		ch.notify(status, err)
	}
}

func (t *Transport) failSubject(sub *nats.Subscription, err error) {
	if sub == nil {
		t.failAll(transport.StatusChannelError, err)
		return
	}
	for _, ch := range t.snapshot() {
		if t.subject(ch.resource) == sub.Subject {
			ch.notify(transport.StatusChannelError, err)
		}
	}
}

// channel is one live NATS subscription.
type channel struct {
	tr       *Transport
	resource string
	filter   string
	parsed   *transport.Filter

	mu       sync.Mutex
	onChange transport.ChangeHandler
	onStatus transport.StatusHandler
	sub      *nats.Subscription
	closed   bool
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
	c.onStatus = cb
	c.mu.Unlock()

	c.tr.mu.RLock()
	nc := c.tr.nc
	c.tr.mu.RUnlock()
	if nc == nil {
		return fmt.Errorf("nats: transport not connected")
	}

	sub, err := nc.Subscribe(c.tr.subject(c.resource), c.handleMessage)
	if err != nil {
		c.notify(transport.StatusChannelError, err)
		return fmt.Errorf("nats: subscribe %s: %w", c.resource, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	// Round-trip so the server has registered interest before we report
	// the channel live.
	if err := nc.FlushTimeout(c.tr.cfg.FlushTimeout); err != nil {
		c.notify(transport.StatusTimedOut, err)
		return nil
	}
	c.notify(transport.StatusSubscribed, nil)
	return nil
}

func (c *channel) Close() error {
	c.tr.remove(c)
	return c.stop(transport.StatusClosed, nil)
}

func (c *channel) handleMessage(msg *nats.Msg) {
	var evt transport.ChangeEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		c.tr.logger.Warn("nats transport: dropping undecodable event",
			"subject", msg.Subject, "error", err)
		return
	}
	if !evt.Type.IsValid() {
		c.tr.logger.Warn("nats transport: dropping event with unknown type",
			"subject", msg.Subject, "type", string(evt.Type))
		return
	}

	c.mu.Lock()
	ok := !c.closed && (c.parsed == nil || c.parsed.MatchEvent(evt))
	h := c.onChange
	c.mu.Unlock()

	if ok && h != nil {
		h(evt)
	}
}

func (c *channel) notify(status transport.Status, err error) {
	c.mu.Lock()
	cb := c.onStatus
	closed := c.closed
	c.mu.Unlock()
	if !closed && cb != nil {
		cb(status, err)
	}
}

func (c *channel) stop(status transport.Status, err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	cb := c.onStatus
	c.mu.Unlock()

	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil && uerr != nats.ErrConnectionClosed {
			c.tr.logger.Warn("nats transport: unsubscribe failed", "resource", c.resource, "error", uerr)
		}
	}
	if cb != nil {
		cb(status, err)
	}
	return nil
}
