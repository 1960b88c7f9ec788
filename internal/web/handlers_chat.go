package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/session"
)

const maxImageBytes = 10 << 20

type sessionResponse struct {
	AppID          string           `json:"appId"`
	OpenID         string           `json:"openId,omitempty"`
	Identified     bool             `json:"identified"`
	TemplateID     string           `json:"templateId,omitempty"`
	Subscribed     bool             `json:"subscribed"`
	AuthState      string           `json:"authState"`
	PendingConsent []ConsentRequest `json:"pendingConsent"`
}

type messagesResponse struct {
	Version   uint64            `json:"version"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Messages  []backend.Message `json:"messages"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type consentRequestBody struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
	// Error reports that the browser could not show the prompt.
	Error string `json:"error,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) sessionInfo() sessionResponse {
	sess := s.engine.Session
	id, identified := sess.Identity()
	return sessionResponse{
		AppID:          id.AppID,
		OpenID:         id.OpenID,
		Identified:     identified,
		TemplateID:     sess.TemplateID(),
		Subscribed:     sess.Subscribed(),
		AuthState:      sess.AuthState().String(),
		PendingConsent: s.consent.Pending(),
	}
}

func snapshotResponse(snap session.Snapshot) messagesResponse {
	resp := messagesResponse{Version: snap.Version, Messages: snap.Messages}
	if resp.Messages == nil {
		resp.Messages = []backend.Message{}
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt.UTC()
		resp.UpdatedAt = &t
	}
	return resp
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionInfo())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(s.engine.View.Snapshot()))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid send payload")
		return
	}
	if !s.limiter.Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many sends, slow down")
		return
	}
	if err := s.sendText(r.Context(), req.Content); err != nil {
		status, code := sendErrorStatus(err)
		writeAPIError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) sendText(ctx context.Context, content string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	d := s.engine.Dispatcher
	d.Draft().Set(content)
	return d.SendText(ctx)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	file, header, err := r.FormFile(backend.UploadField)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "image file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read image")
		return
	}
	if !s.limiter.Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many sends, slow down")
		return
	}

	ctx := withPickedImage(r.Context(), session.PickedImage{Name: header.Filename, Data: data})
	s.sendMu.Lock()
	err = s.engine.Dispatcher.SendImage(ctx, session.PickRequest{})
	s.sendMu.Unlock()
	if err != nil {
		status, code := sendErrorStatus(err)
		writeAPIError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var body consentRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid consent payload")
		return
	}
	if err := s.answerConsent(body); err != nil {
		if errors.Is(err, ErrUnknownConsentRequest) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) answerConsent(body consentRequestBody) error {
	body.ID = strings.TrimSpace(body.ID)
	if body.ID == "" {
		return errors.New("id is required")
	}
	var res session.ConsentResult
	if body.Error != "" {
		res.Err = errors.New(body.Error)
	} else {
		switch body.Decision {
		case session.DecisionAccept, session.DecisionReject, session.DecisionBan:
		default:
			return errors.New("decision must be accept, reject or ban")
		}
		var templateIDs []string
		for _, req := range s.consent.Pending() {
			if req.ID == body.ID {
				templateIDs = req.TemplateIDs
			}
		}
		res.Decisions = make(map[string]string, len(templateIDs))
		for _, id := range templateIDs {
			res.Decisions[id] = body.Decision
		}
	}
	if err := s.consent.Resolve(body.ID, res); err != nil {
		return err
	}
	webLog.Info("consent_answered",
		slog.String("id", body.ID),
		slog.String("decision", body.Decision),
		slog.Bool("failed", body.Error != ""))
	return nil
}

// sendErrorStatus maps a dispatcher failure onto an HTTP status and code.
func sendErrorStatus(err error) (int, string) {
	var se *session.StageError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch se.Stage {
	case session.StageValidate:
		return http.StatusBadRequest, "EMPTY_MESSAGE"
	case session.StagePick:
		if errors.Is(err, session.ErrPickCanceled) {
			return http.StatusBadRequest, "PICK_CANCELED"
		}
		return http.StatusBadRequest, "PICK_FAILED"
	case session.StageUpload:
		return http.StatusBadGateway, "UPLOAD_FAILED"
	case session.StageParse:
		return http.StatusBadGateway, "UPLOAD_UNREADABLE"
	default:
		if backend.IsStatusError(err) {
			return http.StatusBadGateway, "SEND_FAILED"
		}
		return http.StatusGatewayTimeout, "NETWORK_ERROR"
	}
}
