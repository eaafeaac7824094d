package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/presence"
	"qms/queue-engine/internal/store"
)

// QueueService is the part of the queue engine the HTTP surface drives.
type QueueService interface {
	CreateToken(ctx context.Context, serviceID, userID string) (models.Token, bool, error)
	CallNext(ctx context.Context, serviceID string) (models.Token, error)
	BeginService(ctx context.Context, tokenID string) (models.Token, error)
	CompleteService(ctx context.Context, tokenID string) (models.Token, error)
	CancelToken(ctx context.Context, tokenID, reason, actor string) (models.Token, error)
	ExpireStaleTokens(ctx context.Context, serviceID string, cutoff time.Time) (int, error)
	StartOfToday() time.Time
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	GetPosition(ctx context.Context, tokenID string) (models.Position, error)
	ListQueue(ctx context.Context, serviceID string) ([]models.Token, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	TokenHistory(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
}

type PresenceChecker interface {
	Check(ctx context.Context, tokenID string, reading presence.Reading) (models.PresenceCheck, error)
	History(ctx context.Context, tokenID string) ([]models.PresenceCheck, error)
}

type AbuseLogs interface {
	Logs(ctx context.Context, userID string) ([]models.AbuseLog, error)
}

type Handler struct {
	queue    QueueService
	presence PresenceChecker
	abuse    AbuseLogs
	limits   *RateLimiter
}

type createTokenRequest struct {
	ServiceID string `json:"service_id"`
	UserID    string `json:"user_id"`
}

type createTokenResponse struct {
	Token   models.Token `json:"token"`
	Created bool         `json:"created"`
	Result  string       `json:"result"`
}

type presenceRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	CheckType string   `json:"check_type"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type expireRequest struct {
	Cutoff string `json:"cutoff"`
}

type expireResponse struct {
	ServiceID string    `json:"service_id"`
	Cutoff    time.Time `json:"cutoff"`
	Expired   int       `json:"expired"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queue QueueService, checker PresenceChecker, abuse AbuseLogs) *Handler {
	return &Handler{
		queue:    queue,
		presence: checker,
		abuse:    abuse,
	}
}

// WithRateLimiter enables the per-user, per-token and per-service budgets.
func (h *Handler) WithRateLimiter(limits *RateLimiter) *Handler {
	h.limits = limits
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register mounts the API on an existing mux so the realtime transports can share it.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/", h.handleTokenRoutes)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/services/", h.handleServiceRoutes)
	mux.HandleFunc("/api/abuse", h.handleAbuse)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)

	var req createTokenRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.ServiceID == "" || req.UserID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "service_id and user_id are required")
		return
	}
	if !h.allow(w, requestID, ScopeJoin, req.UserID) {
		return
	}

	token, created, err := h.queue.CreateToken(r.Context(), req.ServiceID, req.UserID)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	result := "created"
	if !created {
		result = "already_in_queue"
	}
	writeJSON(w, http.StatusOK, createTokenResponse{Token: token, Created: created, Result: result})
}

func (h *Handler) handleTokenRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/tokens/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tokenID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleGetToken(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "position":
		h.handleGetPosition(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTokenEvents(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "presence":
		h.handlePresence(w, r, tokenID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTokenAction(w, r, tokenID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token, err := h.queue.GetToken(r.Context(), tokenID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleGetPosition(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	position, err := h.queue.GetPosition(r.Context(), tokenID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.queue.TokenHistory(r.Context(), tokenID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request, tokenID string) {
	requestID := requestIDFrom(r)
	switch r.Method {
	case http.MethodGet:
		checks, err := h.presence.History(r.Context(), tokenID)
		if err != nil {
			writeMappedError(w, requestID, err)
			return
		}
		if checks == nil {
			checks = []models.PresenceCheck{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"checks": checks})
	case http.MethodPost:
		if !h.allow(w, requestID, ScopePresence, tokenID) {
			return
		}
		var req presenceRequest
		if !decodeRequest(w, r, requestID, &req) {
			return
		}
		if req.Latitude == nil || req.Longitude == nil || req.Accuracy == nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "latitude, longitude and accuracy are required")
			return
		}
		check, err := h.presence.Check(r.Context(), tokenID, presence.Reading{
			Latitude:       *req.Latitude,
			Longitude:      *req.Longitude,
			AccuracyMeters: *req.Accuracy,
			CheckType:      strings.TrimSpace(req.CheckType),
		})
		if err != nil {
			writeMappedError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, check)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)

	var (
		token models.Token
		err   error
	)
	switch action {
	case "begin":
		token, err = h.queue.BeginService(r.Context(), tokenID)
	case "complete":
		token, err = h.queue.CompleteService(r.Context(), tokenID)
	case "cancel":
		var req cancelRequest
		if !decodeOptionalRequest(w, r, requestID, &req) {
			return
		}
		token, err = h.queue.CancelToken(r.Context(), tokenID, strings.TrimSpace(req.Reason), strings.TrimSpace(req.Actor))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services, err := h.queue.ListServices(r.Context())
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": services})
}

func (h *Handler) handleServiceRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/services/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	serviceID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "queue":
		h.handleServiceQueue(w, r, serviceID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "call-next":
		h.handleCallNext(w, r, serviceID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "expire":
		h.handleExpire(w, r, serviceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleServiceQueue(w http.ResponseWriter, r *http.Request, serviceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tokens, err := h.queue.ListQueue(r.Context(), serviceID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"service_id": serviceID, "tokens": tokens})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, serviceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	if !h.allow(w, requestID, ScopeCounter, serviceID) {
		return
	}
	token, err := h.queue.CallNext(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, store.ErrNoTokensWaiting) {
			writeError(w, requestID, http.StatusConflict, "queue_empty", "no tokens waiting")
			return
		}
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request, serviceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFrom(r)
	if !h.allow(w, requestID, ScopeCounter, serviceID) {
		return
	}

	var req expireRequest
	if !decodeOptionalRequest(w, r, requestID, &req) {
		return
	}
	cutoff := h.queue.StartOfToday()
	if value := strings.TrimSpace(req.Cutoff); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "cutoff must be RFC3339")
			return
		}
		cutoff = parsed.UTC()
	}

	expired, err := h.queue.ExpireStaleTokens(r.Context(), serviceID, cutoff)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, expireResponse{ServiceID: serviceID, Cutoff: cutoff, Expired: expired})
}

func (h *Handler) handleAbuse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	logs, err := h.abuse.Logs(r.Context(), userID)
	if err != nil {
		writeMappedError(w, requestIDFrom(r), err)
		return
	}
	if logs == nil {
		logs = []models.AbuseLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (h *Handler) allow(w http.ResponseWriter, requestID string, scope Scope, key string) bool {
	ok, wait := h.limits.Allow(scope, key)
	if !ok {
		writeRateLimited(w, requestID, wait)
	}
	return ok
}

func splitPath(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func requestIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body and leaves target at its zero value.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrNoTokensWaiting):
		return http.StatusConflict, "queue_empty", "no tokens waiting"
	case errors.Is(err, store.ErrTokenClosed):
		return http.StatusConflict, "session_expired", "token is no longer in the queue"
	case errors.Is(err, store.ErrPresenceRequired):
		return http.StatusConflict, "presence_required", "a compliant presence check is required"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "not_your_turn", "token state does not allow this action"
	case errors.Is(err, store.ErrServiceInactive):
		return http.StatusConflict, "queue_closed", "service is not accepting tokens"
	case errors.Is(err, store.ErrDailyCapExceeded):
		return http.StatusConflict, "daily_cap_exceeded", "daily token limit reached"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed request_id=%s error=%v", requestID, err)
	}
	writeError(w, requestID, status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
