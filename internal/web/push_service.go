package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mattn/go-runewidth"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

var pushLog = logging.ForComponent(logging.CompPush)

const pushBodyWidth = 120

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
	ClientFocused  *bool                `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time            `json:"focusUpdatedAt,omitempty"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushSubscriptionStore interface {
	List(ctx context.Context) ([]pushSubscription, error)
	Upsert(ctx context.Context, sub pushSubscription) error
	UpdateFocusByEndpoint(ctx context.Context, endpoint string, focused bool) error
	RemoveByEndpoint(ctx context.Context, endpoint string) error
}

// statePushStore keeps subscriptions in the local state database.
type statePushStore struct {
	db *statedb.StateDB
}

func (s *statePushStore) List(_ context.Context) ([]pushSubscription, error) {
	rows, err := s.db.ListPushSubscriptions()
	if err != nil {
		return nil, err
	}
	out := make([]pushSubscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, pushSubscription{
			Endpoint:       r.Endpoint,
			Keys:           pushSubscriptionKeys{P256DH: r.P256DH, Auth: r.Auth},
			ClientFocused:  r.Focused,
			FocusUpdatedAt: r.FocusAt,
		})
	}
	return out, nil
}

func (s *statePushStore) Upsert(_ context.Context, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	return s.db.UpsertPushSubscription(statedb.PushSubscriptionRow{
		Endpoint: sub.Endpoint,
		P256DH:   sub.Keys.P256DH,
		Auth:     sub.Keys.Auth,
		Focused:  sub.ClientFocused,
		FocusAt:  sub.FocusUpdatedAt,
	})
}

func (s *statePushStore) UpdateFocusByEndpoint(_ context.Context, endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return s.db.SetPushFocus(endpoint, focused)
}

func (s *statePushStore) RemoveByEndpoint(_ context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return s.db.RemovePushSubscription(endpoint)
}

// memoryPushStore is used when no state database is configured.
type memoryPushStore struct {
	mu   sync.Mutex
	subs []pushSubscription
}

func (s *memoryPushStore) List(_ context.Context) ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushSubscription(nil), s.subs...), nil
}

func (s *memoryPushStore) Upsert(_ context.Context, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].Endpoint != sub.Endpoint {
			continue
		}
		if sub.ClientFocused == nil {
			sub.ClientFocused = s.subs[i].ClientFocused
			sub.FocusUpdatedAt = s.subs[i].FocusUpdatedAt
		}
		s.subs[i] = sub
		return nil
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *memoryPushStore) UpdateFocusByEndpoint(_ context.Context, endpoint string, focused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].Endpoint == endpoint {
			f := focused
			s.subs[i].ClientFocused = &f
			s.subs[i].FocusUpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *memoryPushStore) RemoveByEndpoint(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	return nil
}

type webPushSender interface {
	Send(payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Renotify  bool   `json:"renotify,omitempty"`
	MessageID uint64 `json:"messageId,omitempty"`
	Count     int    `json:"count"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

type pushServiceAPI interface {
	Start(ctx context.Context)
	Enabled() bool
	PublicKey() string
	Subject() string
	SubscriptionCount(ctx context.Context) (int, error)
	UpsertSubscription(ctx context.Context, sub pushSubscription) error
	UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error
	RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error
}

// pushService watches the message view and pushes agent replies to
// unfocused browsers, but only once the user accepted notifications.
type pushService struct {
	publicKey  string
	privateKey string
	subject    string
	token      string

	view    *session.MessageView
	session *session.Session
	store   pushSubscriptionStore
	sender  webPushSender

	startOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	last []backend.Message
}

func newPushService(cfg Config) (pushServiceAPI, error) {
	publicKey := strings.TrimSpace(cfg.PushVAPIDPublicKey)
	privateKey := strings.TrimSpace(cfg.PushVAPIDPrivateKey)

	if publicKey == "" && privateKey == "" {
		return nil, nil
	}
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("both push vapid public and private keys are required")
	}

	subject := strings.TrimSpace(cfg.PushVAPIDSubject)
	if subject == "" {
		subject = "mailto:chatsync@localhost"
	}

	var store pushSubscriptionStore = &memoryPushStore{}
	if cfg.State != nil {
		store = &statePushStore{db: cfg.State}
	}

	return &pushService{
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		token:      strings.TrimSpace(cfg.Token),
		view:       cfg.Engine.View,
		session:    cfg.Engine.Session,
		store:      store,
		sender:     &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		done:       make(chan struct{}),
	}, nil
}

func (p *pushService) Start(ctx context.Context) {
	if p == nil {
		return
	}
	p.startOnce.Do(func() {
		// Subscribe before taking the baseline so no replacement slips
		// between the two.
		updates, cancel := p.view.Subscribe()
		p.mu.Lock()
		p.last = p.view.Snapshot().Messages
		p.mu.Unlock()
		go p.run(ctx, updates, cancel)
	})
}

func (p *pushService) Enabled() bool {
	return p != nil
}

func (p *pushService) PublicKey() string {
	if p == nil {
		return ""
	}
	return p.publicKey
}

func (p *pushService) Subject() string {
	if p == nil {
		return ""
	}
	return p.subject
}

func (p *pushService) SubscriptionCount(ctx context.Context) (int, error) {
	if p == nil {
		return 0, nil
	}
	subs, err := p.store.List(ctx)
	return len(subs), err
}

func (p *pushService) UpsertSubscription(ctx context.Context, sub pushSubscription) error {
	return p.store.Upsert(ctx, sub)
}

func (p *pushService) RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	return p.store.RemoveByEndpoint(ctx, endpoint)
}

func (p *pushService) UpdateSubscriptionFocus(ctx context.Context, endpoint string, focused bool) error {
	return p.store.UpdateFocusByEndpoint(ctx, endpoint, focused)
}

func (p *pushService) run(ctx context.Context, updates <-chan session.Snapshot, cancel func()) {
	defer close(p.done)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			p.observe(ctx, snap)
		}
	}
}

// observe diffs snap against the previous transcript and pushes new agent
// messages.
func (p *pushService) observe(ctx context.Context, snap session.Snapshot) {
	p.mu.Lock()
	fresh := session.NewAgentMessages(p.last, snap.Messages)
	p.last = snap.Messages
	p.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	if state := p.session.AuthState(); state != session.AuthAccepted {
		pushLog.Debug("push_skipped_no_consent",
			slog.Int("messages", len(fresh)),
			slog.String("auth_state", state.String()))
		return
	}
	p.notifySubscribers(ctx, fresh)
}

func (p *pushService) notifySubscribers(ctx context.Context, fresh []backend.Message) {
	subs, err := p.store.List(ctx)
	if err != nil {
		pushLog.Error("push_list_subscriptions_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	latest := fresh[len(fresh)-1]
	msg := pushMessage{
		Title:     pushTitle(len(fresh)),
		Body:      pushBody(latest),
		Tag:       "chatsync-reply",
		Renotify:  true,
		MessageID: latest.ID,
		Count:     len(fresh),
		Path:      p.routePath("/"),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		pushLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}

	pushLog.Debug("push_notifying",
		slog.Int("messages", len(fresh)),
		slog.Int("subscribers", len(subs)))
	for _, sub := range subs {
		if !shouldNotifySubscription(sub) {
			pushLog.Debug("push_skipped",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("reason", "focused_state"),
				slog.String("state", focusStateForLog(sub)))
			continue
		}
		statusCode, err := p.sender.Send(payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode))
			continue
		}

		pushLog.Error("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("error", err.Error()))
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			_ = p.store.RemoveByEndpoint(ctx, sub.Endpoint)
		}
	}
}

func pushTitle(n int) string {
	if n == 1 {
		return "New reply from support"
	}
	return fmt.Sprintf("%d new replies from support", n)
}

func pushBody(m backend.Message) string {
	if m.IsImage {
		return "[image]"
	}
	text := strings.Join(strings.Fields(m.Text()), " ")
	return runewidth.Truncate(text, pushBodyWidth, "...")
}

// shouldNotifySubscription skips browsers that have the chat in view or
// never reported their focus.
func shouldNotifySubscription(sub pushSubscription) bool {
	if sub.ClientFocused == nil {
		return false
	}
	return !*sub.ClientFocused
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

func focusStateForLog(sub pushSubscription) string {
	if sub.ClientFocused == nil {
		return "unknown"
	}
	if *sub.ClientFocused {
		return "focused"
	}
	return "unfocused"
}

func (p *pushService) routePath(basePath string) string {
	if strings.TrimSpace(p.token) == "" {
		return basePath
	}
	u := &url.URL{Path: basePath}
	query := u.Query()
	query.Set("token", p.token)
	u.RawQuery = query.Encode()
	return u.String()
}
