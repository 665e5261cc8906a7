package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bipupu/server/internal/auth"
	"github.com/bipupu/server/internal/dispatch"
	"github.com/bipupu/server/internal/model"
)

type authedHandler func(w http.ResponseWriter, r *http.Request, user *model.User)

// requireAuth validates the bearer token and resolves it to an active
// user before the handler runs.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		handle, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := s.users.GetByHandle(handle)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "user lookup failed")
			return
		}
		if user == nil || !user.Active {
			writeError(w, http.StatusUnauthorized, "unknown identity")
			return
		}

		next(w, r, user)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendMessageRequest struct {
	Receiver string         `json:"receiver"`
	Content  string         `json:"content"`
	Pattern  map[string]any `json:"pattern,omitempty"`
}

// handleSendMessage accepts a send and acknowledges it. The response is
// identical whether the message was delivered or silently discarded by a
// block, so it never echoes the stored row.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user *model.User) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	msg, err := s.dispatcher.Send(r.Context(), user, dispatch.SendRequest{
		Receiver: req.Receiver,
		Content:  req.Content,
		Pattern:  req.Pattern,
	})
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrReceiverNotFound):
		writeError(w, http.StatusNotFound, "receiver not found")
	case errors.Is(err, dispatch.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "slow down")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "send failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "sent",
			"created_at": msg.CreatedAt,
		})
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user *model.User) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", 20)
	if size > 100 {
		size = 100
	}

	msgs, err := s.messages.ListReceived(user.Handle, page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "page": page})
}

// handleUnreadCount serves the cached counter and falls back to a
// storage recount when the broker is unreachable.
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user *model.User) {
	count, err := s.broker.GetUnread(r.Context(), user.Handle)
	if err != nil {
		count, err = s.messages.CountUnread(user.Handle)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user *model.User) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad message id")
		return
	}
	if err := s.dispatcher.MarkRead(r.Context(), id, user.Handle); err != nil {
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, user *model.User) {
	n, err := s.dispatcher.MarkAllRead(r.Context(), user.Handle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mark all read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, user *model.User) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad message id")
		return
	}
	if err := s.messages.SoftDelete(id, user.Handle); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, user *model.User) {
	target := r.PathValue("handle")
	if target == "" || target == user.Handle {
		writeError(w, http.StatusBadRequest, "bad target handle")
		return
	}
	if err := s.users.Block(user.Handle, target); err != nil {
		writeError(w, http.StatusInternalServerError, "block failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request, user *model.User) {
	target := r.PathValue("handle")
	if target == "" {
		writeError(w, http.StatusBadRequest, "bad target handle")
		return
	}
	if err := s.users.Unblock(user.Handle, target); err != nil {
		writeError(w, http.StatusInternalServerError, "unblock failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validCategory(category string) bool {
	return category == model.CategoryWeather || category == model.CategoryFortune
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request, user *model.User) {
	category := r.PathValue("category")
	if !validCategory(category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	sub, err := s.subscriptions.Get(user.Handle, category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "not subscribed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type subscriptionRequest struct {
	Enabled     bool           `json:"enabled"`
	Settings    map[string]any `json:"settings,omitempty"`
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end"`
	Timezone    string         `json:"timezone"`
}

func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request, user *model.User) {
	category := r.PathValue("category")
	if !validCategory(category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.WindowStart == "" {
		req.WindowStart = "09:00"
	}
	if req.WindowEnd == "" {
		req.WindowEnd = "22:00"
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	}

	sub, err := s.subscriptions.Upsert(&model.Subscription{
		UserHandle:  user.Handle,
		Category:    category,
		Enabled:     req.Enabled,
		Settings:    req.Settings,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Timezone:    req.Timezone,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	if s.pushSvc == nil {
		writeError(w, http.StatusNotFound, "web push disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": s.pushSvc.VAPIDPublicKey()})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request, user *model.User) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	ep, err := s.endpoints.CreateEndpoint(user.Handle, req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request, _ *model.User) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.endpoints.DeleteByEndpoint(req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout revokes the presented token for the rest of its lifetime.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := auth.Revoke(r.Context(), s.broker, s.cfg.Auth.TokenSecret, token); err != nil {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs to hijack the connection.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
