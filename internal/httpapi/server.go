package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/paperrelay/internal/coordinator"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultJWTSecret signs tokens when no secret is configured. Local use only.
const DefaultJWTSecret = "dev-secret"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AgentBuffer is the number of pushed envelopes held for a slow agent
	// before further ones are dropped.
	AgentBuffer       int
	AgentWriteTimeout time.Duration
	// OriginPatterns are host patterns allowed to open agent sockets from a
	// browser. Empty means same host only.
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	coord       *coordinator.Coordinator
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coord *coordinator.Coordinator) *Server {
	return NewServerWithConfig(coord, ServerConfig{})
}

func NewServerWithConfig(coord *coordinator.Coordinator, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DefaultJWTSecret
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.AgentBuffer <= 0 {
		cfg.AgentBuffer = 16
	}
	if cfg.AgentWriteTimeout <= 0 {
		cfg.AgentWriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coord:       coord,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/panel" && r.Method == http.MethodGet:
		s.handlePanel(w, r)
	case r.URL.Path == "/v1/messages" && r.Method == http.MethodPost:
		s.handleMessage(w, r)
	case r.URL.Path == "/v1/agents/connect" && r.Method == http.MethodGet:
		s.handleAgentConnect(w, r)
	case r.URL.Path == "/v1/agents" && r.Method == http.MethodGet:
		s.handleListAgents(w, r)
	case r.URL.Path == "/v1/messages" || r.URL.Path == "/v1/agents" || r.URL.Path == "/v1/agents/connect":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

// authorize checks the bearer token and the per-context rate limit. It has
// already written the error response when it returns false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, requiredScope string) (*TokenClaims, bool) {
	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if s.rateLimiter != nil {
		key := claims.Context + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return nil, false
		}
	}
	return claims, true
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeMessagesSend)
	if !ok {
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	var env coordinator.Envelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing message type", correlationID)
		return
	}
	s.logger.Debug("dispatching message", "type", env.Type, "context", claims.Context, "subject", claims.Subject, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, s.coord.Dispatch(r.Context(), env))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, ScopeMessagesSend); !ok {
		return
	}
	origins := s.coord.Hub().Origins()
	if origins == nil {
		origins = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": origins})
}

// handleAgentConnect upgrades to a websocket that carries pushed envelopes
// to one live context until either side goes away.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r, ScopeAgentsConnect)
	if !ok {
		return
	}
	origin := strings.TrimSpace(r.URL.Query().Get("origin"))
	if claims.Context == ContextAgent && origin == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing origin query parameter", getCorrelationID(r))
		return
	}
	if claims.Context == ContextPanel {
		origin = ""
	}

	// Subscribed before the handshake completes, so anything broadcast once
	// the client sees the socket open is queued for it.
	sub := s.coord.Hub().Subscribe(origin, s.cfg.AgentBuffer)
	defer sub.Close()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("agent websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	s.logger.Info("agent connected", "id", sub.ID, "origin", origin, "context", claims.Context)

	// Agents never send on this socket; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("agent disconnected", "id", sub.ID, "origin", origin)
			return
		case env, open := <-sub.C:
			if !open {
				conn.Close(websocket.StatusGoingAway, "coordinator shutting down")
				return
			}
			if err := s.pushEnvelope(ctx, conn, env); err != nil {
				s.logger.Warn("agent push failed", "id", sub.ID, "origin", origin, "error", err)
				return
			}
		}
	}
}

func (s *Server) pushEnvelope(ctx context.Context, conn *websocket.Conn, env coordinator.Envelope) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, env)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
