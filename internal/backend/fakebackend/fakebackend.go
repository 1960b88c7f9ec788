// Package fakebackend is an in-memory chat backend serving the same
// /api/chat routes as the real one. Tests drive it directly; `chatsync
// mock-backend` serves it for local development.
package fakebackend

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var fakeLog = logging.ForComponent(logging.CompHTTP)

// Endpoint names for failure injection and call counting.
type Endpoint string

const (
	Login     Endpoint = "login"
	Heartbeat Endpoint = "heartbeat"
	History   Endpoint = "history"
	Send      Endpoint = "send"
	Upload    Endpoint = "upload"
	Subscribe Endpoint = "subscribe"
	Reply     Endpoint = "cs_send"
)

// DropConnection as an injected status closes the connection without a
// response, which clients see as a transport error.
const DropConnection = -1

// App is a registered client application.
type App struct {
	TemplateID     string
	WelcomeMessage string
}

// User is the server-side view of one end user.
type User struct {
	OpenID     string
	AppID      string
	Subscribed bool
	LastActive time.Time
	Pushes     []string
	messages   []backend.Message
	greeted    bool
}

type failure struct {
	status    int
	remaining int // <0 means until cleared
	body      string
}

// Backend is safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	apps      map[string]App
	users     map[string]*User
	uploads   map[string][]byte
	calls     map[Endpoint]int
	failures  map[Endpoint]*failure
	delays    map[Endpoint]time.Duration
	nextID    uint64
	publicURL string
	now       func() time.Time

	engine *gin.Engine
}

// New returns an empty backend. Register apps with AddApp before logging in.
func New() *Backend {
	gin.SetMode(gin.ReleaseMode)
	b := &Backend{
		apps:     make(map[string]App),
		users:    make(map[string]*User),
		uploads:  make(map[string][]byte),
		calls:    make(map[Endpoint]int),
		failures: make(map[Endpoint]*failure),
		delays:   make(map[Endpoint]time.Duration),
		now:      time.Now,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	chat := r.Group("/api/chat")
	{
		chat.POST("/login", b.intercept(Login, b.login))
		chat.POST("/heartbeat", b.intercept(Heartbeat, b.heartbeat))
		chat.GET("/history", b.intercept(History, b.history))
		chat.POST("/send", b.intercept(Send, b.send))
		chat.POST("/upload", b.intercept(Upload, b.upload))
		chat.POST("/subscribe", b.intercept(Subscribe, b.subscribe))
		chat.POST("/cs/send", b.intercept(Reply, b.agentReply))
	}
	r.GET("/uploads/:name", b.serveUpload)
	b.engine = r
	return b
}

// Handler returns the HTTP handler.
func (b *Backend) Handler() http.Handler {
	return b.engine
}

// SetPublicURL sets the origin used when building upload URLs,
// e.g. the httptest server URL.
func (b *Backend) SetPublicURL(origin string) {
	b.mu.Lock()
	b.publicURL = strings.TrimRight(origin, "/")
	b.mu.Unlock()
}

// AddApp registers an application.
func (b *Backend) AddApp(appID string, app App) {
	b.mu.Lock()
	b.apps[appID] = app
	b.mu.Unlock()
}

// OpenIDFor is the identity a login with code issues for appID.
func OpenIDFor(appID, code string) string {
	sum := sha1.Sum([]byte(appID + "\x00" + code))
	return "o_" + hex.EncodeToString(sum[:9])
}

// Fail makes the next n calls to ep answer with status (DropConnection to
// hang up). n < 0 fails until ClearFailures.
func (b *Backend) Fail(ep Endpoint, status, n int) {
	b.mu.Lock()
	b.failures[ep] = &failure{status: status, remaining: n}
	b.mu.Unlock()
}

// RespondRaw makes the next n calls to ep answer 200 with body verbatim.
func (b *Backend) RespondRaw(ep Endpoint, body string, n int) {
	b.mu.Lock()
	b.failures[ep] = &failure{status: http.StatusOK, remaining: n, body: body}
	b.mu.Unlock()
}

// ClearFailures removes every injected failure.
func (b *Backend) ClearFailures() {
	b.mu.Lock()
	b.failures = make(map[Endpoint]*failure)
	b.mu.Unlock()
}

// SetDelay holds every call to ep for d before answering.
func (b *Backend) SetDelay(ep Endpoint, d time.Duration) {
	b.mu.Lock()
	if d <= 0 {
		delete(b.delays, ep)
	} else {
		b.delays[ep] = d
	}
	b.mu.Unlock()
}

// Calls returns how many requests reached ep, injected failures included.
func (b *Backend) Calls(ep Endpoint) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[ep]
}

// User returns a copy of the user record.
func (b *Backend) User(openID string) (User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[openID]
	if !ok {
		return User{}, false
	}
	cp := *u
	cp.Pushes = append([]string(nil), u.Pushes...)
	cp.messages = nil
	return cp, true
}

// Messages returns the stored transcript for a user.
func (b *Backend) Messages(openID string) []backend.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[openID]
	if !ok {
		return nil
	}
	return append([]backend.Message(nil), u.messages...)
}

// Uploaded returns the stored bytes for an uploaded file name.
func (b *Backend) Uploaded(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.uploads[name]
	return data, ok
}

// AgentReply appends an agent message, as the support console would.
func (b *Backend) AgentReply(openID, content, imageURL string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[openID]
	if !ok {
		return false
	}
	b.appendLocked(u, content, imageURL, false)
	if u.Subscribed {
		push := content
		if imageURL != "" {
			push = "[image]"
		}
		u.Pushes = append(u.Pushes, push)
	}
	return true
}

func (b *Backend) appendLocked(u *User, content, imageURL string, fromUser bool) backend.Message {
	b.nextID++
	msg := backend.Message{
		ID:        b.nextID,
		CreatedAt: b.now().UTC(),
		Content:   content,
		FromUser:  fromUser,
		IsImage:   imageURL != "",
		ImageURL:  imageURL,
	}
	u.messages = append(u.messages, msg)
	return msg
}

// intercept counts the call, applies delays and injected failures, then
// runs h.
func (b *Backend) intercept(ep Endpoint, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		b.calls[ep]++
		delay := b.delays[ep]
		var injected *failure
		if f, ok := b.failures[ep]; ok {
			cp := *f
			injected = &cp
			if f.remaining > 0 {
				f.remaining--
				if f.remaining == 0 {
					delete(b.failures, ep)
				}
			}
		}
		b.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request.Context().Done():
				return
			}
		}

		if injected != nil {
			switch {
			case injected.status == DropConnection:
				hangUp(c)
			case injected.body != "":
				c.Data(injected.status, "application/json", []byte(injected.body))
			default:
				c.JSON(injected.status, gin.H{"error": "injected failure"})
			}
			c.Abort()
			return
		}
		h(c)
	}
}

func hangUp(c *gin.Context) {
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	_ = conn.Close()
}

func (b *Backend) login(c *gin.Context) {
	var req backend.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Code == "" || req.AppID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and appId are required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.apps[req.AppID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown app"})
		return
	}
	openID := OpenIDFor(req.AppID, req.Code)
	u, ok := b.users[openID]
	if !ok {
		u = &User{OpenID: openID, AppID: req.AppID}
		b.users[openID] = u
	}
	c.JSON(http.StatusOK, backend.LoginResponse{
		OpenID:     openID,
		TemplateID: app.TemplateID,
		Subscribed: u.Subscribed,
	})
}

func (b *Backend) heartbeat(c *gin.Context) {
	var req backend.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.OpenID == "" || req.AppID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "openId and appId are required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.apps[req.AppID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown app"})
		return
	}
	u, ok := b.users[req.OpenID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	u.LastActive = b.now()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (b *Backend) history(c *gin.Context) {
	openID := c.Query("openId")
	appID := c.Query("appId")
	if openID == "" || appID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "openId and appId are required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[openID]
	if !ok || u.AppID != appID {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	out := make([]backend.Message, len(u.messages))
	copy(out, u.messages)
	for i := range u.messages {
		if !u.messages[i].FromUser {
			u.messages[i].UserRead = true
		}
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) send(c *gin.Context) {
	var req backend.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AppID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "appId is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.apps[req.AppID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown app"})
		return
	}
	u, ok := b.users[req.OpenID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	u.LastActive = b.now()
	b.appendLocked(u, req.Content, req.ImageURL, true)
	if !u.greeted && app.WelcomeMessage != "" {
		u.greeted = true
		b.appendLocked(u, app.WelcomeMessage, "", false)
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (b *Backend) upload(c *gin.Context) {
	fh, err := c.FormFile(backend.UploadField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(fh.Filename))
	b.mu.Lock()
	b.uploads[name] = data
	origin := b.publicURL
	b.mu.Unlock()
	if origin == "" {
		origin = "http://" + c.Request.Host
	}
	c.JSON(http.StatusOK, backend.UploadResponse{URL: origin + "/uploads/" + name})
}

func (b *Backend) subscribe(c *gin.Context) {
	var req backend.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[req.OpenID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	u.Subscribed = true
	c.JSON(http.StatusOK, gin.H{"status": "subscribed"})
}

type replyRequest struct {
	OpenID   string `json:"openId"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
}

func (b *Backend) agentReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" && req.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content or imageUrl is required"})
		return
	}
	if !b.AgentReply(req.OpenID, req.Content, req.ImageURL) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (b *Backend) serveUpload(c *gin.Context) {
	data, ok := b.Uploaded(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fakeLog.Debug("fake_backend_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
