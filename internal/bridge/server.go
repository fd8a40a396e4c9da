// Package bridge exposes the realtime registry to UI clients over
// websockets: clients authenticate with a JWT, subscribe to
// (resource, filter) pairs, and receive change events as they arrive.
// An HTTP debug endpoint serves the registry's read-only introspection
// snapshot.
package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"livecache/internal/realtime"
)

// Config configures the bridge server.
type Config struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string `yaml:"addr"`

	// JWTSecret signs/verifies client auth tokens (HMAC).
	JWTSecret string `yaml:"jwt_secret"`

	// DebugPasswordHash is the bcrypt hash guarding /v1/debug. Empty
	// disables the endpoint.
	DebugPasswordHash string `yaml:"debug_password_hash"`
}

func DefaultConfig() Config {
	return Config{Addr: ":8090"}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Same-origin enforcement belongs to the fronting proxy.
	},
}

// Server accepts websocket clients and routes their subscriptions into
// the registry.
type Server struct {
	cfg      Config
	registry *realtime.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
	decoder  *schema.Decoder

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(cfg Config, registry *realtime.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		mux:      http.NewServeMux(),
		decoder:  decoder,
		clients:  make(map[*Client]struct{}),
	}
	s.mux.HandleFunc("/v1/realtime", s.serveWs)
	s.mux.HandleFunc("/v1/debug", s.serveDebug)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown disconnects every client; their registry listeners ref-count
// down as the read pumps exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge: websocket upgrade failed", "error", err)
		return
	}
	client := newClient(s, conn)
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// debugQuery is decoded from /v1/debug URL parameters.
type debugQuery struct {
	// Channels includes the per-channel listener breakdown.
	Channels bool `schema:"channels"`
}

// debugResponse is the /v1/debug body.
type debugResponse struct {
	Status            realtime.ConnState               `json:"status"`
	IsReady           bool                             `json:"isReady"`
	LastError         string                           `json:"lastError,omitempty"`
	SubscriptionCount int                              `json:"subscriptionCount"`
	Subscriptions     map[string]realtime.ChannelDebug `json:"subscriptions,omitempty"`
}

func (s *Server) serveDebug(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DebugPasswordHash == "" {
		http.Error(w, "debug endpoint disabled", http.StatusNotFound)
		return
	}
	_, password, ok := r.BasicAuth()
	if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.DebugPasswordHash), []byte(password)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="livecache debug"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var q debugQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		http.Error(w, "bad query: "+err.Error(), http.StatusBadRequest)
		return
	}

	st := s.registry.Status()
	dbg := s.registry.Debug()
	resp := debugResponse{
		Status:            dbg.Status,
		IsReady:           st.IsReady,
		SubscriptionCount: dbg.SubscriptionCount,
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	if q.Channels {
		resp.Subscriptions = dbg.Subscriptions
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
