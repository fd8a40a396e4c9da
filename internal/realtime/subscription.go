package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"livecache/internal/transport"
)

// ErrChannelFailed is the cause recorded when the transport reports a
// channel failure without further detail.
var ErrChannelFailed = errors.New("transport reported channel failure")

func orChannelErr(err error) error {
	if err != nil {
		return err
	}
	return ErrChannelFailed
}

// listener pairs an identity token with its callbacks.
type listener struct {
	id string
	h  Handlers
}

// subscription owns one transport channel and the listeners attached to
// it. Listeners are kept in registration order.
type subscription struct {
	key      string
	resource string
	filter   string
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []*listener
	channel   transport.Channel
	closed    bool
}

func newSubscription(key, resource, filter string, logger *slog.Logger) *subscription {
	return &subscription{
		key:      key,
		resource: resource,
		filter:   filter,
		logger:   logger,
	}
}

func (s *subscription) attach(ch transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
}

func (s *subscription) addListener(id string, h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, &listener{id: id, h: h})
}

// removeListener removes the listener with the given id. removed is
// false when the id is already gone, which makes repeated cleanup calls
// no-ops. remaining is the listener count after removal.
func (s *subscription) removeListener(id string) (removed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true, len(s.listeners)
		}
	}
	return false, len(s.listeners)
}

func (s *subscription) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// dispatch fans one change event out to every listener. A panic inside
// one listener's callback is contained there: it is forwarded to that
// listener's OnError (or logged) and the remaining listeners still
// receive the event.
func (s *subscription) dispatch(evt transport.ChangeEvent) {
	for _, l := range s.snapshot() {
		switch evt.Type {
		case transport.EventInsert:
			if l.h.OnInsert != nil {
				s.invoke(l, func() { l.h.OnInsert(evt.Record) })
			}
		case transport.EventUpdate:
			if l.h.OnUpdate != nil {
				s.invoke(l, func() { l.h.OnUpdate(evt.Record) })
			}
		case transport.EventDelete:
			if l.h.OnDelete != nil {
				s.invoke(l, func() { l.h.OnDelete(evt.OldRecord) })
			}
		default:
			s.logger.Warn("realtime: dropping event with unknown type",
				"key", s.key, "type", string(evt.Type))
			return
		}
	}
}

// notifyError forwards a channel-level failure to every listener's
// OnError, swallowing panics so one bad listener cannot starve others.
func (s *subscription) notifyError(err error) {
	for _, l := range s.snapshot() {
		if l.h.OnError == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("realtime: OnError callback panicked",
						"key", s.key, "listener", l.id, "panic", rec)
				}
			}()
			l.h.OnError(err)
		}()
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.channel
	s.listeners = nil
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Warn("realtime: closing channel failed", "key", s.key, "error", err)
		}
	}
}

func (s *subscription) snapshot() []*listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *subscription) invoke(l *listener, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("realtime: listener callback panicked: %v", rec)
			if l.h.OnError != nil {
				func() {
					defer func() {
						if rec2 := recover(); rec2 != nil {
							s.logger.Error("realtime: OnError callback panicked",
								"key", s.key, "listener", l.id, "panic", rec2)
						}
					}()
					l.h.OnError(err)
				}()
				return
			}
			s.logger.Error("realtime: listener callback panicked",
				"key", s.key, "listener", l.id, "panic", rec)
		}
	}()
	fn()
}
