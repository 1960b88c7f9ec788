// Package web serves the chat session over HTTP: a JSON API, a WebSocket
// live view with in-browser consent prompts, and Web Push for agent replies.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string

	Engine  *session.Engine
	Consent *ConsentBroker
	Notices *NoticeHub

	// State persists push subscriptions; nil keeps them in memory.
	State               *statedb.StateDB
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string

	// Send and image endpoints share one limiter.
	RatePerSecond float64
	Burst         int
}

// Server wraps an HTTP server for the chat web view.
type Server struct {
	cfg        Config
	httpServer *http.Server
	engine     *session.Engine
	consent    *ConsentBroker
	notices    *NoticeHub
	push       pushServiceAPI
	limiter    *rate.Limiter
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// sendMu serializes sends through the shared draft.
	sendMu sync.Mutex
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("web: engine is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8470"
	}
	if cfg.Consent == nil {
		cfg.Consent = NewConsentBroker()
	}
	if cfg.Notices == nil {
		cfg.Notices = NewNoticeHub()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	s := &Server{
		cfg:     cfg,
		engine:  cfg.Engine,
		consent: cfg.Consent,
		notices: cfg.Notices,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	if pushSvc, err := newPushService(cfg); err != nil {
		webLog.Warn("push_disabled", slog.String("error", err.Error()))
	} else if pushSvc != nil {
		s.push = pushSvc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/manifest.webmanifest", s.handleManifest)
	mux.HandleFunc("/sw.js", s.handleServiceWorker)
	mux.Handle("/static/", http.StripPrefix("/static/", s.staticFileServer()))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/session", s.requireAuth(s.handleSession))
	mux.HandleFunc("/api/messages", s.requireAuth(s.handleMessages))
	mux.HandleFunc("/api/send", s.requireAuth(s.handleSend))
	mux.HandleFunc("/api/image", s.requireAuth(s.handleImage))
	mux.HandleFunc("/api/consent", s.requireAuth(s.handleConsent))
	mux.HandleFunc("/api/push/config", s.requireAuth(s.handlePushConfig))
	mux.HandleFunc("/api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("/api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))
	mux.HandleFunc("/api/push/presence", s.requireAuth(s.handlePushPresence))
	mux.HandleFunc("/ws/chat", s.requireAuth(s.handleChatWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		s.push.Start(s.baseCtx)
	}
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if s.push != nil {
		s.push.Start(s.baseCtx)
	}
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (WS) to stop promptly.
		s.cancelBase()
	}
	s.consent.FailPending(ErrNoConsentSurface)

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, identified := s.engine.Session.Identity()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"identified": identified,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, push=%t)", s.cfg.ListenAddr, s.push != nil && s.push.Enabled())
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
