package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

// Store is the subset of *chatsync.Store the API serves.
type Store interface {
	Deliver(ctx context.Context, frame []byte) error
	RefreshConversations(ctx context.Context) error
	Conversations(ctx context.Context, f chatsync.Filter) ([]chatsync.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (chatsync.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]chatsync.Message, error)
	LoadOlder(ctx context.Context, conversationID string) (chatsync.OlderPage, error)
	Send(ctx context.Context, conversationID string, content chatsync.Content) (chatsync.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	MarkUnread(ctx context.Context, conversationID string) error
	SetLabels(ctx context.Context, conversationID string, labels []string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

var _ Store = (*chatsync.Store)(nil)

type ServerConfig struct {
	JWTSecret    string
	Audience     string
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Logger       logging.Logger
}

type Server struct {
	store       Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	log         logging.Logger
}

// rateLimiter keeps one token bucket per agent.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func NewServer(store Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimit > 0 {
		limiter = &rateLimiter{
			limit:   rate.Limit(cfg.RateLimit),
			burst:   cfg.RateBurst,
			entries: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		log:         logging.OrNop(cfg.Logger).With("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodPost:
		requiredScope = scopeEventsWrite
		route = "events"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeChatsWrite
		route = "refresh"
	case len(parts) == 2 && parts[1] == "conversations" && r.Method == http.MethodGet:
		requiredScope = scopeChatsRead
		route = "conversations"
	case len(parts) == 3 && parts[1] == "conversations" && r.Method == http.MethodGet:
		requiredScope = scopeChatsRead
		route = "conversation"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = scopeChatsRead
		route = "messages"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "history" && r.Method == http.MethodPost:
		requiredScope = scopeChatsRead
		route = "history"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = scopeChatsWrite
		route = "send"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "read" && r.Method == http.MethodPost:
		requiredScope = scopeChatsWrite
		route = "read"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "unread" && r.Method == http.MethodPost:
		requiredScope = scopeChatsWrite
		route = "unread"
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "labels" && r.Method == http.MethodPut:
		requiredScope = scopeChatsWrite
		route = "labels"
	case len(parts) == 5 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodDelete:
		requiredScope = scopeChatsWrite
		route = "delete_message"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AgentName) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	var conversationID string
	if len(parts) >= 3 && parts[1] == "conversations" {
		conversationID = parts[2]
	}
	switch route {
	case "events":
		s.handleEvents(w, r, correlationID)
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	case "conversations":
		s.handleConversations(w, r, correlationID)
	case "conversation":
		s.handleConversation(w, r, conversationID, correlationID)
	case "messages":
		s.handleMessages(w, r, conversationID, correlationID)
	case "history":
		s.handleHistory(w, r, conversationID, correlationID)
	case "send":
		s.handleSend(w, r, conversationID, correlationID)
	case "read":
		s.handleMarkRead(w, r, conversationID, correlationID)
	case "unread":
		s.handleMarkUnread(w, r, conversationID, correlationID)
	case "labels":
		s.handleLabels(w, r, conversationID, correlationID)
	case "delete_message":
		s.handleDeleteMessage(w, r, conversationID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.store.Deliver(r.Context(), body); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "correlationId": correlationID})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.store.RefreshConversations(r.Context()); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	kind, err := chatsync.ParseKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	unreadOnly, err := parseOptionalBool(q.Get("unread"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unread must be a boolean", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(q.Get("limit"), 0, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000", correlationID)
		return
	}
	convs, err := s.store.Conversations(r.Context(), chatsync.Filter{
		Kind:       kind,
		Query:      q.Get("q"),
		Label:      strings.TrimSpace(q.Get("label")),
		UnreadOnly: unreadOnly,
	})
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	conv, err := s.store.Conversation(r.Context(), conversationID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	msgs, err := s.store.Messages(r.Context(), conversationID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	page, err := s.store.LoadOlder(r.Context(), conversationID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	var content chatsync.Content
	if !s.decodeJSONBody(w, r, correlationID, &content) {
		return
	}
	msg, err := s.store.Send(r.Context(), conversationID, content)
	if err != nil {
		if msg.ProvisionalID != "" {
			// The optimistic message stays visible as pending.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":          "gateway_error",
				"message":       err.Error(),
				"correlationId": correlationID,
				"pending":       msg,
			})
			return
		}
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	if err := s.store.MarkRead(r.Context(), conversationID); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	s.writeConversation(w, r, conversationID, correlationID)
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	if err := s.store.MarkUnread(r.Context(), conversationID); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	s.writeConversation(w, r, conversationID, correlationID)
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	var req struct {
		Labels []string `json:"labels"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.store.SetLabels(r.Context(), conversationID, req.Labels); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	s.writeConversation(w, r, conversationID, correlationID)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, conversationID, messageID, correlationID string) {
	if err := s.store.DeleteMessage(r.Context(), conversationID, messageID); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeConversation(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	conv, err := s.store.Conversation(r.Context(), conversationID)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	var labelErr *chatsync.LabelError
	var eventErr *chatsync.EventError
	switch {
	case errors.As(err, &eventErr):
		writeError(w, http.StatusBadRequest, "invalid_event", eventErr.Error(), correlationID)
	case errors.As(err, &labelErr):
		failed := make(map[string]string, len(labelErr.Failed))
		for label, cause := range labelErr.Failed {
			failed[label] = cause.Error()
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "label_rollback",
			"message":       labelErr.Error(),
			"correlationId": correlationID,
			"failed":        failed,
		})
	case errors.Is(err, chatsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, chatsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, chatsync.ErrFetchInFlight):
		writeError(w, http.StatusConflict, "fetch_in_flight", err.Error(), correlationID)
	case errors.Is(err, chatsync.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.log.Warn(r.Context(), "gateway call failed", "error", err, "path", r.URL.Path, "correlation_id", correlationID)
		writeError(w, http.StatusBadGateway, "gateway_error", err.Error(), correlationID)
	}
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

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.entries[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min || value > max {
		return 0, errors.New("out of range")
	}
	return value, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
