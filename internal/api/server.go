// Package api serves parley's observer gateway and HTTP inspection
// endpoints. Observers connect over WebSocket at /v1/ws; everything else
// is read-only JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/delegate"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	address string
	port    int

	pool        *agent.Pool
	router      *router.Router
	coordinator *delegate.Coordinator
	exchanges   *delegate.Store
	transcript  *transcript.Store
	metrics     http.Handler
	health      *connwatch.Manager

	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server

	// baseCtx outlives individual requests. Turns started from the
	// gateway run under it so a departing observer never cancels them.
	baseCtx context.Context
	cancel  context.CancelFunc
	turns   sync.WaitGroup
}

// NewServer creates a server over pool and rtr.
func NewServer(address string, port int, pool *agent.Pool, rtr *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		port:    port,
		pool:    pool,
		router:  rtr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16 * 1024,
			// Observers are local UIs served from anywhere; origin
			// checks are left to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetCoordinator enables pending-call listings.
func (s *Server) SetCoordinator(c *delegate.Coordinator) {
	s.coordinator = c
}

// SetExchangeStore enables completed call and delegation listings.
func (s *Server) SetExchangeStore(st *delegate.Store) {
	s.exchanges = st
}

// SetTranscript enables reading closed sessions back from the turn log.
func (s *Server) SetTranscript(t *transcript.Store) {
	s.transcript = t
}

// SetHealth reports the watched dependencies on /health.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler builds the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/sessions/{id}/usage", s.handleSessionUsage)
	mux.HandleFunc("GET /v1/delegations", s.handleDelegations)
	mux.HandleFunc("GET /v1/router", s.handleRouterStats)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withLogging(mux)
}

// Start begins serving. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, cancels in-flight gateway turns
// and waits for them to unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for turns")
	}
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// healthResponse is the /health body. The endpoint answers 200 even
// when a dependency is down so the process itself is reported alive;
// status says "degraded" instead.
type healthResponse struct {
	Status   string             `json:"status"`
	Uptime   string             `json:"uptime"`
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"agents": s.pool.Agents()}, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

// ChatResponse reports the terminal action of a synchronous chat.
type ChatResponse struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Action    string `json:"action,omitempty"`
	Content   string `json:"content"`
	Failed    bool   `json:"failed"`
}

func newChatResponse(res agent.Result) ChatResponse {
	out := ChatResponse{
		AgentID:   res.AgentID,
		SessionID: res.SessionID,
		Content:   res.Content,
		Failed:    res.Failed,
	}
	if res.Action != nil {
		out.Action = string(res.Action.Kind())
	}
	return out
}

// handleChat runs one turn and answers with its terminal action.
// Envelopes still flow to observers as usual.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "agentId and content are required")
		return
	}

	res, err := s.pool.HandleChat(r.Context(), req.AgentID, req.SessionID, req.Content)
	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, session.ErrAgentMismatch):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("chat failed", "agent", req.AgentID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, newChatResponse(res), s.logger)
}

// sessionSummary is one row of the session listing.
type sessionSummary struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Messages  int       `json:"messages"`
	Current   bool      `json:"current"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")

	if r.URL.Query().Get("source") == "transcript" {
		if s.transcript == nil {
			s.errorResponse(w, http.StatusNotFound, "transcript not enabled")
			return
		}
		list, err := s.transcript.Sessions(agentID, parseIntParam(r, "limit", 50))
		if err != nil {
			s.logger.Error("transcript session list failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "transcript query failed")
			return
		}
		writeJSON(w, map[string]any{"sessions": list}, s.logger)
		return
	}

	var agents []string
	if agentID != "" {
		if !s.pool.HasAgent(agentID) {
			s.errorResponse(w, http.StatusNotFound, "unknown agent: "+agentID)
			return
		}
		agents = []string{agentID}
	} else {
		for _, a := range s.pool.Agents() {
			agents = append(agents, a.ID)
		}
	}

	reg := s.pool.Sessions()
	out := []sessionSummary{}
	for _, id := range agents {
		current, _ := reg.Current(id)
		for _, sess := range reg.ListForAgent(id) {
			out = append(out, sessionSummary{
				ID:        sess.ID,
				AgentID:   sess.AgentID,
				Messages:  len(sess.Messages),
				Current:   sess.ID == current,
				Summary:   sess.Summary,
				CreatedAt: sess.CreatedAt,
				UpdatedAt: sess.UpdatedAt,
			})
		}
	}
	writeJSON(w, map[string]any{"sessions": out}, s.logger)
}

// handleSessionGet exports a session's log. Live sessions come from the
// registry; closed ones fall back to the transcript when it is enabled.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sess, ok := s.pool.Sessions().Get(id); ok {
		writeJSON(w, map[string]any{"live": true, "session": sess}, s.logger)
		return
	}

	if s.transcript != nil {
		msgs, err := s.transcript.Messages(id)
		if err != nil {
			s.logger.Error("transcript read failed", "session", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "transcript query failed")
			return
		}
		if len(msgs) > 0 {
			writeJSON(w, map[string]any{
				"live": false,
				"session": &session.Session{
					ID:        id,
					AgentID:   msgs[0].AgentID,
					Messages:  msgs,
					CreatedAt: msgs[0].Timestamp,
					UpdatedAt: msgs[len(msgs)-1].Timestamp,
				},
			}, s.logger)
			return
		}
	}
	s.errorResponse(w, http.StatusNotFound, "session not found")
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.pool.Usage(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "session not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, usage, s.logger)
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"pending": []delegate.PendingCall{},
		"recent":  []*delegate.Record{},
	}
	if s.coordinator != nil {
		if p := s.coordinator.Pending(); p != nil {
			resp["pending"] = p
		}
	}
	if s.exchanges != nil {
		limit := parseIntParam(r, "limit", 50)
		var (
			recs []*delegate.Record
			err  error
		)
		if sid := r.URL.Query().Get("session"); sid != "" {
			recs, err = s.exchanges.ListForSession(sid, limit)
		} else {
			recs, err = s.exchanges.List(limit)
		}
		if err != nil {
			s.logger.Error("exchange list failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "exchange query failed")
			return
		}
		if recs != nil {
			resp["recent"] = recs
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]int{
		"connections":   s.router.ConnCount(),
		"subscriptions": s.router.KeyCount(),
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
