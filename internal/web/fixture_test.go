package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/backend/fakebackend"
	"github.com/kefu-chat/chatsync/internal/platform"
	"github.com/kefu-chat/chatsync/internal/session"
)

const testApp = "wx-web"

type webFixture struct {
	fb      *fakebackend.Backend
	engine  *session.Engine
	server  *Server
	consent *ConsentBroker
	notices *NoticeHub
}

type fixtureOpt func(*Config)

func withToken(token string) fixtureOpt {
	return func(c *Config) { c.Token = token }
}

func newWebFixture(t *testing.T, app fakebackend.App, opts ...fixtureOpt) *webFixture {
	t.Helper()
	fb := fakebackend.New()
	fb.AddApp(testApp, app)
	backendSrv := httptest.NewServer(fb.Handler())
	t.Cleanup(backendSrv.Close)
	fb.SetPublicURL(backendSrv.URL)

	consent := NewConsentBroker()
	notices := NewNoticeHub()
	engine, err := session.New(session.Options{
		AppID:             testApp,
		Backend:           backend.New(backendSrv.URL+"/api/chat", backend.WithTimeout(2*time.Second)),
		Credentials:       platform.NewCodeIssuer("code-1", t.TempDir()),
		Consent:           consent,
		Picker:            &RequestPicker{Original: true},
		Notifier:          notices,
		HistoryInterval:   time.Hour,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
		engine.Drain()
	})

	cfg := Config{
		ListenAddr:    "127.0.0.1:0",
		Engine:        engine,
		Consent:       consent,
		Notices:       notices,
		RatePerSecond: 1000,
		Burst:         1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &webFixture{fb: fb, engine: engine, server: srv, consent: consent, notices: notices}
}

func (f *webFixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.engine.WaitIdentified(ctx); err != nil {
		t.Fatalf("WaitIdentified: %v", err)
	}
}

func (f *webFixture) openID() string {
	return f.engine.Session.OpenID()
}

func (f *webFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[apiErrorResponse](t, rr).Error.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingPushSender captures pushes instead of calling a gateway.
type recordingPushSender struct {
	mu       sync.Mutex
	payloads []pushMessage
	targets  []string
	status   int
	err      error
}

func (s *recordingPushSender) Send(payload []byte, sub pushSubscription) (int, error) {
	var msg pushMessage
	_ = json.Unmarshal(payload, &msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, msg)
	s.targets = append(s.targets, sub.Endpoint)
	if s.status == 0 {
		return http.StatusCreated, s.err
	}
	return s.status, s.err
}

func (s *recordingPushSender) sent() ([]pushMessage, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushMessage(nil), s.payloads...), append([]string(nil), s.targets...)
}
