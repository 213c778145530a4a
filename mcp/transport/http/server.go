package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/eventstore"
	"github.com/agentuity/mcp-gateway/mcp/transport"
	"github.com/agentuity/mcp-gateway/mcp/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Mode selects how inbound requests are bound to transports.
type Mode string

const (
	// ModeStateful issues durable per-client sessions on initialize.
	ModeStateful Mode = "stateful"
	// ModeStateless handles every request with a fresh, immediately
	// discarded transport.
	ModeStateless Mode = "stateless"
)

const (
	DefaultSessionHeaderName = "Mcp-Session-Id"
	DefaultSSERetryInterval  = 3000 // milliseconds
	DefaultMaxBodyBytes      = 4 << 20
	DefaultShutdownGrace     = 15 * time.Second

	lastEventIDHeader = "Last-Event-ID"
	healthPath        = "/health"
	readyPath         = "/ready"
)

// Server accepts inbound connections, routes each request to a new or
// existing transport, and coordinates shutdown. It is the single owner of
// the session registry.
type Server struct {
	server  *http.Server
	mux     *http.ServeMux
	logger  logger.Logger
	factory *transport.Factory
	reg     *SessionRegistry
	gate    *AccessGate
	events  eventstore.Store

	path             string
	mode             Mode
	sessionHeader    string
	sseRetryMs       int
	allowedOrigin    string
	allowCredentials bool
	maxBodyBytes     int64
	sessionTTL       time.Duration
	shutdownGrace    time.Duration
	authToken        string

	mu           sync.Mutex
	closed       bool
	closeOnce    sync.Once
	sweeperStop  chan struct{}
	sweeperDone  chan struct{}
}

type ServerOption func(*Server)

// WithMode selects stateful or stateless request handling.
func WithMode(mode Mode) ServerOption {
	return func(s *Server) {
		s.mode = mode
	}
}

// WithAuthToken enables the access gate. An empty token leaves it disabled.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) {
		s.authToken = token
	}
}

// WithEventStore enables resumable streams backed by the given store. Only
// meaningful in stateful mode.
func WithEventStore(store eventstore.Store) ServerOption {
	return func(s *Server) {
		s.events = store
	}
}

func WithSessionHeader(headerName string) ServerOption {
	return func(s *Server) {
		s.sessionHeader = headerName
	}
}

func WithSSERetryInterval(retryMs int) ServerOption {
	return func(s *Server) {
		s.sseRetryMs = retryMs
	}
}

func WithAllowedOrigin(origin string) ServerOption {
	return func(s *Server) {
		s.allowedOrigin = origin
	}
}

// WithCredentialedCORS marks responses credential-capable. Combined with a
// wildcard origin this is risky; it is never the default.
func WithCredentialedCORS() ServerOption {
	return func(s *Server) {
		s.allowCredentials = true
	}
}

func WithMaxBodySize(limit int64) ServerOption {
	return func(s *Server) {
		s.maxBodyBytes = limit
	}
}

// WithSessionTTL enables idle-session expiry. Zero keeps sessions alive
// until explicit deletion or shutdown.
func WithSessionTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.sessionTTL = ttl
	}
}

func WithShutdownGrace(grace time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownGrace = grace
	}
}

func WithServeMux(mux *http.ServeMux) ServerOption {
	return func(s *Server) {
		s.mux = mux
	}
}

func NewServer(addr string, path string, eng engine.Handler, log logger.Logger, options ...ServerOption) *Server {
	s := &Server{
		logger:        log.With(map[string]interface{}{"component": "mcp-gateway"}),
		reg:           NewSessionRegistry(),
		path:          path,
		mode:          ModeStateful,
		sessionHeader: DefaultSessionHeaderName,
		sseRetryMs:    DefaultSSERetryInterval,
		allowedOrigin: "*",
		maxBodyBytes:  DefaultMaxBodyBytes,
		shutdownGrace: DefaultShutdownGrace,
		sweeperStop:   make(chan struct{}),
		sweeperDone:   make(chan struct{}),
	}

	for _, option := range options {
		option(s)
	}

	s.gate = NewAccessGate(s.authToken)

	factoryOpts := []transport.FactoryOption{}
	if s.events != nil && s.mode == ModeStateful {
		factoryOpts = append(factoryOpts, transport.WithEventStore(s.events))
	}
	s.factory = transport.NewFactory(eng, log, factoryOpts...)

	if s.mux == nil {
		s.mux = http.NewServeMux()
	}

	s.mux.HandleFunc(healthPath, s.handleHealth)
	s.mux.HandleFunc(readyPath, s.handleReady)
	s.mux.HandleFunc(s.path, s.handleEndpoint)
	if s.path != "/" {
		s.mux.HandleFunc("/", s.handleRoot)
	}

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	if s.sessionTTL > 0 {
		go s.sweepIdleSessions()
	} else {
		close(s.sweeperDone)
	}

	return s
}

// Handler exposes the routing mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ActiveSessions returns the number of registered sessions.
func (s *Server) ActiveSessions() int {
	return s.reg.Len()
}

// Start begins serving and watches ctx for shutdown.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("listening on %s (mode=%s, path=%s, auth=%t, resumable=%t)",
			s.server.Addr, s.mode, s.path, s.gate.Enabled(), s.events != nil)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error: %s", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting connections, drains all registered sessions
// best-effort, and returns once everything is torn down or the grace period
// elapses, whichever comes first.
func (s *Server) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.sessionTTL > 0 {
			close(s.sweeperStop)
			<-s.sweeperDone
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
		defer cancel()

		err = s.server.Shutdown(ctx)

		g, _ := errgroup.WithContext(ctx)
		for _, session := range s.reg.Snapshot() {
			session := session
			g.Go(func() error {
				if closeErr := session.Transport.Close(); closeErr != nil {
					s.logger.Warn("failed to close session %s: %s", session.ID, closeErr)
				}
				return nil
			})
		}
		_ = g.Wait()
		s.reg.Clear()

		if s.events != nil {
			if storeErr := s.events.Close(); storeErr != nil {
				s.logger.Warn("failed to close event store: %s", storeErr)
			}
		}

		s.logger.Info("shutdown complete")
	})

	return err
}

func (s *Server) sweepIdleSessions() {
	defer close(s.sweeperDone)

	interval := s.sessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweeperStop:
			return
		case <-ticker.C:
			s.expireIdle(time.Now().Add(-s.sessionTTL))
		}
	}
}

func (s *Server) expireIdle(cutoff time.Time) {
	for _, session := range s.reg.IdleSince(cutoff) {
		// An open stream is activity even when no requests arrive; only
		// sessions with no attached subscribers are expired.
		if session.Transport.HasSubscribers() {
			continue
		}
		s.logger.Info("expiring idle session %s", session.ID)
		s.reg.Remove(session.ID)
		if err := session.Transport.Close(); err != nil {
			s.logger.Warn("failed to close idle session %s: %s", session.ID, err)
		}
	}
}

// handleRoot serves the protocol endpoint at "/" for clients that do not use
// the configured path, and resolves auto-discovery probes as not found so
// clients correctly infer that no alternate auth scheme is offered.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		s.handleEndpoint(w, r)
		return
	}
	// Auth-discovery probes under /.well-known/ (and anything else unknown)
	// must resolve as a plain 404, never a 401, so they bypass the gate.
	http.NotFound(w, r)
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	// When the primary path is "/", the mux routes every unclaimed path
	// here; anything that isn't the endpoint itself is a plain 404 so that
	// auth-discovery probes are never answered with a 401.
	if r.URL.Path != s.path && r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.applyCORSHeaders(w)

	if r.Method == http.MethodOptions {
		s.handlePreflight(w, r)
		return
	}

	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if decision := s.gate.Check(r); !decision.Allowed {
		s.writeError(w, http.StatusUnauthorized, types.CodeUnauthorized, decision.Reason, nil)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost is the mode selector: stateless requests always get a fresh
// ephemeral transport; stateful requests are routed to an existing session
// or open a new one on an initialize handshake.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	var msg types.JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeError(w, http.StatusBadRequest, types.CodeParseError, "parse error", nil)
		return
	}

	if s.mode == ModeStateless {
		t := s.factory.Stateless()
		defer t.Close()
		s.dispatch(w, r, t, &msg)
		return
	}

	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID != "" {
		// A known session id wins even when the body is another initialize;
		// an unknown id is rejected rather than silently creating a
		// duplicate session.
		session, ok := s.reg.Lookup(sessionID)
		if !ok {
			s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "unknown session id", msg.ID)
			return
		}
		s.dispatch(w, r, session.Transport, &msg)
		return
	}

	if !msg.IsInitialize() {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "missing session id", msg.ID)
		return
	}

	id := newSessionID()
	t := s.factory.Stateful(id)
	session := NewSession(id, t)
	if err := s.reg.Register(session); err != nil {
		t.Close()
		s.logger.Error("session id collision for %s: %s", id, err)
		s.writeError(w, http.StatusInternalServerError, types.CodeInternalError, "internal error", msg.ID)
		return
	}

	s.logger.Debug("session %s created", id)
	w.Header().Set(s.sessionHeader, id)
	s.dispatch(w, r, t, &msg)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, t transport.Transport, msg *types.JSONRPCMessage) {
	resp, err := t.HandleMessage(r.Context(), msg)
	if err != nil {
		s.logger.Error("transport failure: %s", err)
		s.writeError(w, http.StatusInternalServerError, types.CodeInternalError, "internal error", msg.ID)
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStream opens a server-push stream for an existing session. A
// resumption cursor triggers replay of all retained events past the cursor
// before live delivery; a dropped cursor is an explicit gap error, never a
// silent skip.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.mode == ModeStateless {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "streams require stateful mode", nil)
		return
	}

	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "missing session id", nil)
		return
	}
	session, ok := s.reg.Lookup(sessionID)
	if !ok {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "unknown session id", nil)
		return
	}

	var cursor uint64
	resuming := false
	if raw := r.Header.Get(lastEventIDHeader); raw != "" && s.events != nil {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid resumption cursor", nil)
			return
		}
		cursor = parsed
		resuming = true
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replay so nothing published in between is lost;
	// duplicates are filtered by sequence below.
	live, cancel := session.Transport.Subscribe()
	defer cancel()

	var replayed []eventstore.Event
	if resuming {
		events, err := s.events.Replay(r.Context(), sessionID, cursor)
		if err == eventstore.ErrEventGap {
			s.writeError(w, http.StatusConflict, types.CodeEventGap, "resumption cursor no longer retained", nil)
			return
		}
		if err != nil {
			s.logger.Error("event replay failed for session %s: %s", sessionID, err)
			s.writeError(w, http.StatusInternalServerError, types.CodeInternalError, "internal error", nil)
			return
		}
		replayed = events
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", s.sseRetryMs)
	flusher.Flush()

	lastSent := cursor
	for _, ev := range replayed {
		writeSSEEvent(w, ev)
		lastSent = ev.Sequence
	}
	if len(replayed) > 0 {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence <= lastSent {
				continue
			}
			writeSSEEvent(w, ev)
			lastSent = ev.Sequence
			flusher.Flush()

		case <-session.Transport.Done():
			return

		case <-r.Context().Done():
			// Connection gone; the session itself persists for reconnects.
			return
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.mode == ModeStateless {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "no sessions in stateless mode", nil)
		return
	}

	sessionID := r.Header.Get(s.sessionHeader)
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "missing session id", nil)
		return
	}
	session, ok := s.reg.Lookup(sessionID)
	if !ok {
		s.writeError(w, http.StatusBadRequest, types.CodeBadSession, "unknown session id", nil)
		return
	}

	s.reg.Remove(sessionID)
	if err := session.Transport.Close(); err != nil {
		s.logger.Warn("failed to close session %s: %s", sessionID, err)
	}
	s.logger.Debug("session %s terminated", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.applyCORSHeaders(w)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"mode":           string(s.mode),
		"activeSessions": s.reg.Len(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.applyCORSHeaders(w)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code int, message string, id interface{}) {
	s.writeJSON(w, status, types.NewErrorResponse(id, code, message))
}

func writeSSEEvent(w io.Writer, ev eventstore.Event) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Sequence, ev.Payload)
}

func newSessionID() string {
	uid, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return uid.String()
}
