package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/runtime"
	"github.com/neul-labs/openclaw/pkg/sessionindex"
	"github.com/rs/zerolog"
)

// Server is the WebSocket gateway: it authenticates clients, routes
// JSON-RPC methods into the runtime, and pushes every durably appended
// session event to subscribed clients.
type Server struct {
	addr         string
	tickInterval time.Duration
	sendBuffer   int

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster

	runtime    *runtime.Runtime
	eventLog   *eventlog.Log
	projection *projection.Engine
	index      *sessionindex.Index

	requestsPerMinute int
	maxConcurrent     int

	logger zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup

	startedAt time.Time
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, for example "127.0.0.1:8793".
	Addr string

	// AuthToken is the shared bearer token clients must present.
	AuthToken string

	// TickInterval spaces the lifecycle heartbeat events. Zero selects
	// the 30 second default.
	TickInterval time.Duration

	// SendBuffer is the per-client send queue depth. A client whose
	// queue fills up is dropped.
	SendBuffer int

	// RequestsPerMinute and MaxConcurrent bound each client's request
	// rate. Zero selects the defaults (120 and 8).
	RequestsPerMinute int
	MaxConcurrent     int

	Runtime    *runtime.Runtime
	Log        *eventlog.Log
	Projection *projection.Engine

	// Index is the derived session read model. Optional; when nil,
	// sessions.list replays projections from the log instead.
	Index *sessionindex.Index

	Logger zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Projection == nil {
		return nil, fmt.Errorf("projection engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8793"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	s := &Server{
		addr:              cfg.Addr,
		tickInterval:      cfg.TickInterval,
		sendBuffer:        cfg.SendBuffer,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		clients:           NewClientRegistry(),
		router:            NewRPCRouter(),
		auth:              NewAuthHandler(cfg.AuthToken),
		runtime:           cfg.Runtime,
		eventLog:          cfg.Log,
		projection:        cfg.Projection,
		index:             cfg.Index,
		logger:            cfg.Logger,
		upgrader: websocket.Upgrader{
			// Origin is not checked; the token handshake is the access
			// control, and the gateway binds to loopback by default.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.broadcaster = NewEventBroadcaster(s.clients, cfg.Logger, s.dropClient)
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()

	s.registerBuiltinMethods()

	return s, nil
}

// Start begins listening and wires the gateway into the event log's
// append notifier. It returns once the listener is bound.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: mux}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	// Log subscriptions last for the life of the log, so the notifier
	// checks the shutdown flag instead of unsubscribing.
	s.eventLog.Subscribe(s.onLogEvent)

	s.startTickEmitter()

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the gateway: in-flight requests are interrupted
// and given time to record their outcome before connections close.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	// Cancel request contexts first: a turn in flight records an
	// interrupted response and its handler returns promptly.
	if s.baseCancel != nil {
		s.baseCancel()
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.close()
		s.clients.Remove(client.ID)
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// onLogEvent runs on the appending goroutine; it must not block.
func (s *Server) onLogEvent(evt eventlog.SessionEvent) {
	if s.shuttingDown() {
		return
	}
	s.broadcaster.BroadcastEvent(evt)
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{
					"status": "alive",
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := newClient(clientID, conn, r.RemoteAddr, s.sendBuffer, NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent))

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.writePump(client)
	go s.readPump(client)

	s.sendToClient(client, AuthResult{Event: "auth.required"})
}

// writePump is the connection's only writer: it drains the send queue
// and keeps the peer alive with protocol pings.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.Conn.Close()
	}()

	for {
		select {
		case <-client.done:
			// Flush whatever is queued, then say goodbye. A shutdown
			// notice enqueued just before close still reaches the peer.
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			for {
				select {
				case data := <-client.send:
					if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = client.Conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.dropClient(client, "write failed")
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.dropClient(client, "ping failed")
				return
			}
		}
	}
}

// readPump reads frames until the connection dies. Pongs extend the
// read deadline; a silent peer times out after pongWait.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.dropClient(client, "disconnected")
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// dropClient closes the connection and removes it from the registry.
// Safe to call from any goroutine and more than once.
func (s *Server) dropClient(client *Client, reason string) {
	if client.closed() {
		s.clients.Remove(client.ID)
		return
	}

	client.close()
	s.clients.Remove(client.ID)
	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", reason).
		Msg("Dropping client")
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	// Auth frames are handled before anything else
	var authReq AuthRequest
	if err := json.Unmarshal(message, &authReq); err == nil && authReq.Method == "auth" {
		s.handleAuthMessage(client, authReq)
		return
	}

	if !client.isAuthenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	// Handlers can block on a full agent turn, so each request runs in
	// its own goroutine; responses funnel through the send queue.
	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := withClientID(s.baseCtx, client.ID)
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())

		response := s.router.RouteRequest(ctx, req)
		s.sendToClient(client, response)
	}()
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authReq AuthRequest) {
	result := s.auth.HandleAuth(client, authReq.Token)
	s.sendToClient(client, result)

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.RecordSecurityAudit(s.baseCtx, "auth", client.ID, "denied", nil)

		if client.AuthAttempts >= maxAuthAttempts {
			s.dropClient(client, "too many auth failures")
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

// sendToClient marshals a frame onto the client's send queue. A client
// that cannot keep up is dropped rather than blocked on.
func (s *Server) sendToClient(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to marshal frame")
		return
	}
	if !client.enqueue(data) {
		s.dropClient(client, "send queue full")
	}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	s.sendToClient(client, RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	})
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.auth.VerifyToken(bearerToken(r)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			ID:      "",
			JSONRPC: "2.0",
			Error:   rpcErr,
		})
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(s.baseCtx, traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
