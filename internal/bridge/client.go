package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecache/internal/realtime"
	"livecache/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client is a middleman between one websocket connection and the
// registry. Each client subscription maps to exactly one registry
// listener; channel sharing across clients happens in the registry.
type Client struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	// Buffered channel of outbound messages.
	send chan BaseMessage

	mu      sync.Mutex
	authed  bool
	subject string
	subs    map[string]realtime.UnsubscribeFunc
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	return &Client{
		server: server,
		conn:   conn,
		logger: server.logger,
		send:   make(chan BaseMessage, 64),
		subs:   make(map[string]realtime.UnsubscribeFunc),
	}
}

// readPump pumps messages from the websocket connection to the handler.
// At most one reader per connection.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.releaseAll()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("bridge: websocket closed unexpectedly", "error", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("bridge: unmarshalling message", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump pumps messages from the send channel to the websocket
// connection. At most one writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg BaseMessage) {
	switch msg.Type {
	case TypeAuth:
		c.handleAuth(msg)
	case TypeSubscribe:
		c.handleSubscribe(msg)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.sendError(msg.ID, "", CodeBadRequest, "unknown message type "+msg.Type)
	}
}

func (c *Client) handleAuth(msg BaseMessage) {
	var payload AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "", CodeBadRequest, "malformed auth payload")
		return
	}

	subject, err := verifyToken(c.server.cfg.JWTSecret, payload.Token)
	if err != nil {
		c.logger.Warn("bridge: auth rejected", "error", err)
		c.sendError(msg.ID, "", CodeUnauthorized, "invalid token")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.subject = subject
	c.mu.Unlock()

	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeAuthAck})
}

func (c *Client) handleSubscribe(msg BaseMessage) {
	if !c.isAuthed() {
		c.sendError(msg.ID, "", CodeUnauthorized, "authenticate first")
		return
	}
	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Resource == "" {
		c.sendError(msg.ID, "", CodeBadRequest, "malformed subscribe payload")
		return
	}

	subID := msg.ID
	unsub := c.server.registry.Subscribe(payload.Resource, realtime.Handlers{
		OnInsert: c.eventForwarder(subID, transport.EventInsert),
		OnUpdate: c.eventForwarder(subID, transport.EventUpdate),
		OnDelete: c.eventForwarder(subID, transport.EventDelete),
		OnError: func(err error) {
			c.sendError("", subID, CodeChannelError, err.Error())
		},
	}, realtime.SubscribeOptions{Filter: payload.Filter})

	c.mu.Lock()
	if old, ok := c.subs[subID]; ok {
		old()
	}
	c.subs[subID] = unsub
	c.mu.Unlock()

	c.logger.Debug("bridge: client subscribed",
		"sub_id", subID, "resource", payload.Resource, "filter", payload.Filter)
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeSubscribeAck})
}

func (c *Client) handleUnsubscribe(msg BaseMessage) {
	var payload UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.sendError(msg.ID, "", CodeBadRequest, "malformed unsubscribe payload")
		return
	}

	c.mu.Lock()
	unsub, ok := c.subs[payload.ID]
	delete(c.subs, payload.ID)
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.ID, payload.ID, CodeNotSubscribed, "no such subscription")
		return
	}
	unsub()
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeUnsubscribeAck})
}

// releaseAll drops every registry listener this client holds. Called on
// disconnect so channels the client held alive can ref-count down.
func (c *Client) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]realtime.UnsubscribeFunc)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) eventForwarder(subID string, kind transport.EventType) func(map[string]interface{}) {
	return func(record map[string]interface{}) {
		payload := EventPayload{SubID: subID, Kind: kind}
		if kind == transport.EventDelete {
			payload.OldRecord = record
		} else {
			payload.Record = record
		}
		c.enqueue(BaseMessage{Type: TypeEvent, Payload: mustMarshal(payload)})
	}
}

// enqueue drops the message when the client's send buffer is full; a
// slow websocket consumer must not block registry dispatch.
func (c *Client) enqueue(msg BaseMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("bridge: dropping message for slow client", "type", msg.Type)
	}
}

func (c *Client) sendError(msgID, subID, code, message string) {
	c.enqueue(BaseMessage{
		ID:      msgID,
		Type:    TypeError,
		Payload: mustMarshal(ErrorPayload{SubID: subID, Code: code, Message: message}),
	})
}
