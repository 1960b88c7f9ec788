package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kefu-chat/chatsync/internal/session"
)

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	Subject           string `json:"subject,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
	// Consented is true once the session accepted reply notifications;
	// pushes are held back until then.
	Consented bool `json:"consented"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type pushEndpointRequest struct {
	Endpoint string `json:"endpoint"`
	Focused  *bool  `json:"focused,omitempty"`
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	resp := pushConfigResponse{
		Enabled:   s.pushEnabled(),
		Consented: s.engine.Session.AuthState() == session.AuthAccepted,
	}
	if resp.Enabled {
		resp.VAPIDPublicKey = s.push.PublicKey()
		resp.Subject = s.push.Subject()
		if count, err := s.push.SubscriptionCount(r.Context()); err == nil {
			resp.SubscriptionCount = count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pushEnabled() bool {
	return s.push != nil && s.push.Enabled()
}

// pushPreamble checks method and configuration shared by the push mutations.
func (s *Server) pushPreamble(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return false
	}
	if !s.pushEnabled() {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return false
	}
	return true
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushPreamble(w, r) {
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.push.UpsertSubscription(r.Context(), sub); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushPreamble(w, r) {
		return
	}

	var req pushEndpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.push.RemoveSubscriptionByEndpoint(r.Context(), req.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}

// handlePushPresence records whether a browser has the chat in view, so
// replies are only pushed to browsers that would otherwise miss them.
func (s *Server) handlePushPresence(w http.ResponseWriter, r *http.Request) {
	if !s.pushPreamble(w, r) {
		return
	}

	var req pushEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid presence payload")
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" || req.Focused == nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint and focused are required")
		return
	}
	if err := s.push.UpdateSubscriptionFocus(r.Context(), req.Endpoint, *req.Focused); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update push presence")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "push presence updated"})
}
