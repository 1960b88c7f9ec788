package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kefu-chat/chatsync/internal/session"
)

type wsClientMessage struct {
	Type     string `json:"type"` // ping, send, consent
	Content  string `json:"content,omitempty"`
	ID       string `json:"id,omitempty"`
	Decision string `json:"decision,omitempty"`
	Error    string `json:"error,omitempty"`
}

type wsServerMessage struct {
	Type     string            `json:"type"` // status, messages, notice, consent_request, send_result, error
	Event    string            `json:"event,omitempty"`
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message,omitempty"`
	Session  *sessionResponse  `json:"session,omitempty"`
	Messages *messagesResponse `json:"messages,omitempty"`
	Notice   *wsNotice         `json:"notice,omitempty"`
	Consent  *ConsentRequest   `json:"consent,omitempty"`
	OK       *bool             `json:"ok,omitempty"`
	Time     time.Time         `json:"time"`
}

type wsNotice struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v wsServerMessage) error {
	if v.Time.IsZero() {
		v.Time = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// Close sends a going-away frame and closes the connection, which also
// unblocks the reader.
func (w *wsConnWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}

// handleChatWS streams the transcript, notices and consent prompts to one
// browser and takes sends and consent answers back.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := newWSConnWriter(conn)

	// Subscribe before the first snapshot so no replacement is missed.
	views, stopViews := s.engine.View.Subscribe()
	defer stopViews()
	notices, stopNotices := s.notices.Subscribe()
	defer stopNotices()
	prompts, stopPrompts := s.consent.Watch()
	defer stopPrompts()

	info := s.sessionInfo()
	snap := snapshotResponse(s.engine.View.Snapshot())
	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "connected", Session: &info})
	_ = writer.WriteJSON(wsServerMessage{Type: "messages", Messages: &snap})
	for _, req := range info.PendingConsent {
		req := req
		_ = writer.WriteJSON(wsServerMessage{Type: "consent_request", Consent: &req})
	}

	done := make(chan struct{})
	defer close(done)
	go s.pumpChatEvents(writer, views, notices, prompts, done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "invalid json payload"})
			continue
		}
		s.handleChatWSMessage(r, writer, msg)
	}
}

func (s *Server) handleChatWSMessage(r *http.Request, writer *wsConnWriter, msg wsClientMessage) {
	switch msg.Type {
	case "ping":
		_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong"})
	case "send":
		if !s.limiter.Allow() {
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "RATE_LIMITED", Message: "too many sends, slow down"})
			return
		}
		ok := true
		result := wsServerMessage{Type: "send_result", OK: &ok}
		if err := s.sendText(r.Context(), msg.Content); err != nil {
			ok = false
			_, result.Code = sendErrorStatus(err)
			result.Message = err.Error()
		}
		_ = writer.WriteJSON(result)
	case "consent":
		err := s.answerConsent(consentRequestBody{ID: msg.ID, Decision: msg.Decision, Error: msg.Error})
		if err != nil {
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "CONSENT_REJECTED", Message: err.Error()})
		}
	default:
		_ = writer.WriteJSON(wsServerMessage{
			Type:    "error",
			Code:    "UNSUPPORTED_MESSAGE",
			Message: "supported message types: ping,send,consent",
		})
	}
}

func (s *Server) pumpChatEvents(
	writer *wsConnWriter,
	views <-chan session.Snapshot,
	notices <-chan session.Notice,
	prompts <-chan ConsentRequest,
	done <-chan struct{},
) {
	for {
		select {
		case <-done:
			return
		case <-s.baseCtx.Done():
			_ = writer.Close()
			return
		case snap, ok := <-views:
			if !ok {
				_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "closed"})
				views = nil
				continue
			}
			resp := snapshotResponse(snap)
			if err := writer.WriteJSON(wsServerMessage{Type: "messages", Messages: &resp}); err != nil {
				return
			}
		case n := <-notices:
			if err := writer.WriteJSON(wsServerMessage{Type: "notice", Notice: &wsNotice{Kind: string(n.Kind), Text: n.Text}}); err != nil {
				return
			}
		case req := <-prompts:
			if err := writer.WriteJSON(wsServerMessage{Type: "consent_request", Consent: &req}); err != nil {
				return
			}
		}
	}
}
