package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"livecache/internal/realtime"
	"livecache/internal/transport"
	"livecache/internal/transport/memory"
)

const testSecret = "test-secret"

type testEnv struct {
	engine   *memory.Engine
	registry *realtime.Registry
	server   *Server
	httpSrv  *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	engine := memory.New()
	registry := realtime.New(engine)
	require.NoError(t, registry.Start(context.Background()))

	cfg.JWTSecret = testSecret
	srv := NewServer(cfg, registry, nil)
	httpSrv := httptest.NewServer(srv)

	t.Cleanup(func() {
		httpSrv.Close()
		srv.Shutdown()
		engine.Close()
	})
	return &testEnv{engine: engine, registry: registry, server: srv, httpSrv: httpSrv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.httpSrv.URL, "http") + "/v1/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg BaseMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func recv(t *testing.T, conn *websocket.Conn) BaseMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg BaseMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, BaseMessage{ID: "m1", Type: TypeAuth,
		Payload: mustMarshal(AuthPayload{Token: signToken(t, testSecret, "user-1", time.Minute)})})
	msg := recv(t, conn)
	require.Equal(t, TypeAuthAck, msg.Type)
}

func TestServer_AuthFlow(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)
	authenticate(t, conn)
}

func TestServer_AuthRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)

	send(t, conn, BaseMessage{ID: "m1", Type: TypeAuth,
		Payload: mustMarshal(AuthPayload{Token: "garbage"})})

	msg := recv(t, conn)
	require.Equal(t, TypeError, msg.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, CodeUnauthorized, p.Code)
}

func TestServer_SubscribeRequiresAuth(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)

	send(t, conn, BaseMessage{ID: "s1", Type: TypeSubscribe,
		Payload: mustMarshal(SubscribePayload{Resource: "tasks"})})

	msg := recv(t, conn)
	require.Equal(t, TypeError, msg.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, CodeUnauthorized, p.Code)
}

func TestServer_SubscribeAndReceiveEvents(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, BaseMessage{ID: "s1", Type: TypeSubscribe,
		Payload: mustMarshal(SubscribePayload{Resource: "tasks"})})
	require.Equal(t, TypeSubscribeAck, recv(t, conn).Type)

	require.NoError(t, env.engine.Publish(context.Background(), transport.ChangeEvent{
		Type: transport.EventInsert, Resource: "tasks",
		Record: map[string]interface{}{"id": "t1", "title": "hello"},
	}))

	msg := recv(t, conn)
	require.Equal(t, TypeEvent, msg.Type)
	var p EventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "s1", p.SubID)
	assert.Equal(t, transport.EventInsert, p.Kind)
	assert.Equal(t, "t1", p.Record["id"])
}

func TestServer_DeleteEventsCarryOldRecord(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, BaseMessage{ID: "s1", Type: TypeSubscribe,
		Payload: mustMarshal(SubscribePayload{Resource: "tasks"})})
	require.Equal(t, TypeSubscribeAck, recv(t, conn).Type)

	require.NoError(t, env.engine.Publish(context.Background(), transport.ChangeEvent{
		Type: transport.EventDelete, Resource: "tasks",
		OldRecord: map[string]interface{}{"id": "t1"},
	}))

	msg := recv(t, conn)
	require.Equal(t, TypeEvent, msg.Type)
	var p EventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, transport.EventDelete, p.Kind)
	assert.Equal(t, "t1", p.OldRecord["id"])
	assert.Nil(t, p.Record)
}

func TestServer_UnsubscribeReleasesListener(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, BaseMessage{ID: "s1", Type: TypeSubscribe,
		Payload: mustMarshal(SubscribePayload{Resource: "tasks"})})
	require.Equal(t, TypeSubscribeAck, recv(t, conn).Type)
	require.Equal(t, 1, env.registry.Debug().SubscriptionCount)

	send(t, conn, BaseMessage{ID: "m2", Type: TypeUnsubscribe,
		Payload: mustMarshal(UnsubscribePayload{ID: "s1"})})
	require.Equal(t, TypeUnsubscribeAck, recv(t, conn).Type)

	assert.Zero(t, env.registry.Debug().SubscriptionCount)
}

func TestServer_DisconnectReleasesListeners(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	conn := env.dial(t)
	authenticate(t, conn)

	send(t, conn, BaseMessage{ID: "s1", Type: TypeSubscribe,
		Payload: mustMarshal(SubscribePayload{Resource: "tasks"})})
	require.Equal(t, TypeSubscribeAck, recv(t, conn).Type)

	conn.Close()

	assert.Eventually(t, func() bool {
		return env.registry.Debug().SubscriptionCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DebugEndpoint(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, Config{Addr: ":0", DebugPasswordHash: string(hash)})

	// Subscribe so the snapshot has content.
	unsub := env.registry.Subscribe("tasks", realtime.Handlers{}, realtime.SubscribeOptions{})
	defer unsub()

	req, _ := http.NewRequest(http.MethodGet, env.httpSrv.URL+"/v1/debug?channels=true", nil)
	req.SetBasicAuth("debug", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body debugResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, realtime.StateConnected, body.Status)
	assert.True(t, body.IsReady)
	assert.Equal(t, 1, body.SubscriptionCount)
	require.Contains(t, body.Subscriptions, "tasks:*")
	assert.Equal(t, 1, body.Subscriptions["tasks:*"].ListenerCount)
}

func TestServer_DebugEndpointRejectsBadPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, Config{Addr: ":0", DebugPasswordHash: string(hash)})

	req, _ := http.NewRequest(http.MethodGet, env.httpSrv.URL+"/v1/debug", nil)
	req.SetBasicAuth("debug", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_DebugEndpointDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	resp, err := http.Get(env.httpSrv.URL + "/v1/debug")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
