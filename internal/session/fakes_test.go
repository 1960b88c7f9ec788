package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kefu-chat/chatsync/internal/backend"
)

var errNetwork = errors.New("dial tcp: connection refused")

// fakeBackend records calls; each hook may be replaced per test.
type fakeBackend struct {
	mu     sync.Mutex
	events []string

	logins, heartbeats, histories, sends, uploads, subscribes atomic.Int32

	loginFn     func(backend.LoginRequest) (*backend.LoginResponse, error)
	heartbeatFn func(backend.HeartbeatRequest) error
	historyFn   func(openID, appID string) ([]backend.Message, error)
	sendFn      func(backend.SendRequest) error
	uploadFn    func(name string, data []byte) ([]byte, error)
	subscribeFn func(backend.SubscribeRequest) error

	lastSend backend.SendRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		loginFn: func(req backend.LoginRequest) (*backend.LoginResponse, error) {
			return &backend.LoginResponse{OpenID: "open-1", TemplateID: "t1"}, nil
		},
		heartbeatFn: func(backend.HeartbeatRequest) error { return nil },
		historyFn: func(string, string) ([]backend.Message, error) {
			return []backend.Message{{ID: 1, Content: "hi"}}, nil
		},
		sendFn: func(backend.SendRequest) error { return nil },
		uploadFn: func(string, []byte) ([]byte, error) {
			return []byte(`{"url":"https://cdn/x.png"}`), nil
		},
		subscribeFn: func(backend.SubscribeRequest) error { return nil },
	}
}

func (f *fakeBackend) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBackend) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeBackend) Login(_ context.Context, req backend.LoginRequest) (*backend.LoginResponse, error) {
	f.logins.Add(1)
	f.record("login")
	return f.loginFn(req)
}

func (f *fakeBackend) Heartbeat(_ context.Context, req backend.HeartbeatRequest) error {
	f.heartbeats.Add(1)
	f.record("heartbeat")
	return f.heartbeatFn(req)
}

func (f *fakeBackend) History(_ context.Context, openID, appID string) ([]backend.Message, error) {
	f.histories.Add(1)
	f.record("history")
	return f.historyFn(openID, appID)
}

func (f *fakeBackend) Send(_ context.Context, req backend.SendRequest) error {
	f.sends.Add(1)
	f.record("send")
	f.mu.Lock()
	f.lastSend = req
	f.mu.Unlock()
	return f.sendFn(req)
}

func (f *fakeBackend) LastSend() backend.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSend
}

func (f *fakeBackend) Upload(_ context.Context, name string, r io.Reader) ([]byte, error) {
	f.uploads.Add(1)
	f.record("upload")
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return f.uploadFn(name, data)
}

func (f *fakeBackend) Subscribe(_ context.Context, req backend.SubscribeRequest) error {
	f.subscribes.Add(1)
	f.record("subscribe")
	return f.subscribeFn(req)
}

type staticCode string

func (c staticCode) LoginCode(context.Context) (string, error) {
	if c == "" {
		return "", errors.New("no code")
	}
	return string(c), nil
}

// fakeDialog opens a dialog per Prompt and lets the test resolve it.
type fakeDialog struct {
	mu      sync.Mutex
	prompts [][]string
	pending []chan ConsentResult
	onOpen  func()
}

func (d *fakeDialog) Prompt(_ context.Context, ids []string) <-chan ConsentResult {
	ch := make(chan ConsentResult, 1)
	d.mu.Lock()
	d.prompts = append(d.prompts, ids)
	d.pending = append(d.pending, ch)
	hook := d.onOpen
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ch
}

func (d *fakeDialog) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prompts)
}

// Resolve answers the oldest open dialog.
func (d *fakeDialog) Resolve(res ConsentResult) {
	d.mu.Lock()
	ch := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()
	ch <- res
	close(ch)
}

func decide(templateID, decision string) ConsentResult {
	return ConsentResult{Decisions: map[string]string{templateID: decision}}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(x Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, x)
	n.mu.Unlock()
}

func (n *recordingNotifier) Kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, len(n.notices))
	for i, x := range n.notices {
		out[i] = x.Kind
	}
	return out
}

type countingNudger struct{ n atomic.Int32 }

func (c *countingNudger) Nudge(context.Context) { c.n.Add(1) }

type fakePicker struct {
	img PickedImage
	err error
}

func (p fakePicker) Pick(context.Context, PickRequest) (PickedImage, error) {
	return p.img, p.err
}

// identified returns a session already logged in.
func identified(t interface{ Fatalf(string, ...any) }, templateID string) *Session {
	s := NewSession("app-1")
	if err := s.setIdentity("open-1", templateID, false); err != nil {
		t.Fatalf("setIdentity: %v", err)
	}
	return s
}
