package bridge

import (
	"encoding/json"

	"livecache/internal/transport"
)

// Message types
const (
	TypeAuth           = "auth"
	TypeAuthAck        = "auth_ack"
	TypeSubscribe      = "subscribe"
	TypeSubscribeAck   = "subscribe_ack"
	TypeUnsubscribe    = "unsubscribe"
	TypeUnsubscribeAck = "unsubscribe_ack"
	TypeEvent          = "event"
	TypeError          = "error"
)

// Error codes carried in ErrorPayload.
const (
	CodeUnauthorized  = "unauthorized"
	CodeBadRequest    = "bad_request"
	CodeChannelError  = "channel_error"
	CodeNotSubscribed = "not_subscribed"
)

// BaseMessage is the envelope for all messages.
type BaseMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload (client -> server)
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload (client -> server)
type SubscribePayload struct {
	Resource string `json:"resource"`
	Filter   string `json:"filter,omitempty"`
}

// UnsubscribePayload (client -> server)
type UnsubscribePayload struct {
	ID string `json:"id"`
}

// EventPayload (server -> client)
type EventPayload struct {
	SubID     string                 `json:"subId"`
	Kind      transport.EventType    `json:"kind"`
	Record    map[string]interface{} `json:"record,omitempty"`
	OldRecord map[string]interface{} `json:"oldRecord,omitempty"`
}

// ErrorPayload (server -> client)
type ErrorPayload struct {
	SubID   string `json:"subId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v) // Should not fail for internal types
	return b
}
