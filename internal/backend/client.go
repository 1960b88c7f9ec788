// Package backend is the HTTP client for the chat backend's /api/chat
// endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kefu-chat/chatsync/internal/logging"
)

var httpLog = logging.ForComponent(logging.CompHTTP)

// UploadField is the multipart form field carrying the image.
const UploadField = "image"

// DefaultMaxResponseBytes caps a response body, the full history included.
const DefaultMaxResponseBytes = 16 << 20

var (
	// ErrEmptyBody means a 200 response carried no usable payload.
	ErrEmptyBody = errors.New("backend: empty response body")
	// ErrMissingOpenID means login succeeded without issuing an identity.
	ErrMissingOpenID = errors.New("backend: login response has no openId")
	// ErrMissingURL means the upload response did not name a hosted URL.
	ErrMissingURL = errors.New("backend: upload response has no url")
	// ErrResponseTooLarge means a response body exceeded the configured cap.
	ErrResponseTooLarge = errors.New("backend: response body too large")
)

// APIError is a response with a status other than 200.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatusError reports whether err came from a non-200 response, as opposed
// to a transport failure.
func IsStatusError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Client talks to one backend. It carries no session state; identity
// fields travel in each request.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	maxBody   int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets a per-request timeout. Zero keeps the transport default
// of no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

// WithMaxResponseBytes caps response bodies at n bytes. n <= 0 keeps the
// default.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New returns a client for baseURL, e.g. https://kefu.example.com/api/chat.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: fmt.Sprintf("chatsync (%s/%s)", runtime.GOOS, runtime.GOARCH),
		http:      &http.Client{},
		maxBody:   DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint prefix.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type LoginRequest struct {
	Code  string `json:"code"`
	AppID string `json:"appId"`
}

type LoginResponse struct {
	OpenID     string `json:"openId"`
	TemplateID string `json:"templateId,omitempty"`
	Subscribed bool   `json:"subscribed,omitempty"`
}

type HeartbeatRequest struct {
	OpenID string `json:"openId"`
	AppID  string `json:"appId"`
}

// SendRequest carries either Content or ImageURL.
type SendRequest struct {
	AppID    string `json:"appId"`
	OpenID   string `json:"openId"`
	Content  string `json:"content,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type SubscribeRequest struct {
	OpenID string `json:"openId"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

// Login exchanges a one-time code for the session identity.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/login", req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.OpenID) == "" {
		return nil, ErrMissingOpenID
	}
	return &resp, nil
}

// Heartbeat signals presence. The response body is ignored.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/heartbeat", req, nil)
}

// History fetches the full transcript. A 200 with an empty or null body is
// ErrEmptyBody.
func (c *Client) History(ctx context.Context, openID, appID string) ([]Message, error) {
	q := url.Values{}
	q.Set("openId", openID)
	q.Set("appId", appID)

	body, err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyBody
	}
	var msgs []Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Send posts a text or image message.
func (c *Client) Send(ctx context.Context, req SendRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/send", req, nil)
}

// Subscribe records push notification consent.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/subscribe", req, nil)
}

// Upload posts one image as multipart field "image" and returns the raw
// response body, left for ParseUploadResponse.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(UploadField, filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/upload", &buf, mw.FormDataContentType())
}

// ParseUploadResponse extracts the hosted URL from an upload response.
func ParseUploadResponse(raw []byte) (string, error) {
	var resp UploadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(resp.URL) == "" {
		return "", ErrMissingURL
	}
	return resp.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	data, err := c.do(ctx, method, path, reader, contentType)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs one request. Anything but 200 becomes *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		httpLog.Debug("request_failed",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		httpLog.Warn("response_too_large",
			slog.String("path", req.URL.Path),
			slog.String("request_id", requestID),
			slog.Int64("limit", c.maxBody))
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, ErrResponseTooLarge)
	}
	httpLog.Debug("request_done",
		slog.String("method", method),
		slog.String("path", req.URL.Path),
		slog.String("request_id", requestID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp, data)
	}
	return data, nil
}

func decodeAPIError(resp *http.Response, data []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}
