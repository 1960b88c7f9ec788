package web

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/backend/fakebackend"
	"github.com/kefu-chat/chatsync/internal/session"
)

func withRate(perSecond float64, burst int) fixtureOpt {
	return func(c *Config) {
		c.RatePerSecond = perSecond
		c.Burst = burst
	}
}

func TestSessionEndpoint(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{TemplateID: "tmpl-1"})
	f.start(t)

	rr := f.do(t, http.MethodGet, "/api/session", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := decodeBody[sessionResponse](t, rr)
	if !got.Identified || got.OpenID != fakebackend.OpenIDFor(testApp, "code-1") {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.AppID != testApp || got.TemplateID != "tmpl-1" || got.AuthState != "NOT_REQUESTED" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.PendingConsent == nil {
		t.Fatal("pendingConsent must encode as a list")
	}

	if rr := f.do(t, http.MethodPost, "/api/session", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestMessagesEndpointEmptyBeforeSync(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})

	rr := f.do(t, http.MethodGet, "/api/messages", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "updatedAt") {
		t.Fatalf("expected no updatedAt before the first sync, got %s", rr.Body.String())
	}
}

func TestSendTextRefreshesMessages(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	f.start(t)

	rr := f.do(t, http.MethodPost, "/api/send", `{"content":"  hello  "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	msgs := f.fb.Messages(f.openID())
	if len(msgs) != 1 || msgs[0].Content != "  hello  " {
		t.Fatalf("backend messages = %+v", msgs)
	}

	waitFor(t, "history refresh", func() bool { return f.engine.View.Len() == 1 })
	got := decodeBody[messagesResponse](t, f.do(t, http.MethodGet, "/api/messages", ""))
	if got.Version == 0 || got.UpdatedAt == nil || len(got.Messages) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Messages[0].Text() != "  hello  " || !got.Messages[0].FromUser {
		t.Fatalf("unexpected message: %+v", got.Messages[0])
	}
	if f.engine.Dispatcher.Draft().Value() != "" {
		t.Fatal("draft should be cleared after a successful send")
	}
}

func TestSendEmptyMessage(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	f.start(t)

	rr := f.do(t, http.MethodPost, "/api/send", `{"content":"   "}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "EMPTY_MESSAGE" {
		t.Fatalf("expected EMPTY_MESSAGE, got %d %s", rr.Code, rr.Body.String())
	}
	if f.fb.Calls(fakebackend.Send) != 0 {
		t.Fatal("empty message must not reach the backend")
	}
	recent := f.notices.Recent()
	if len(recent) != 1 || recent[0].Kind != session.NoticeEmptyMessage {
		t.Fatalf("notices = %+v", recent)
	}
}

func TestSendInvalidPayload(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	if rr := f.do(t, http.MethodPost, "/api/send", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/api/send", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSendFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   int
		code   string
		notice session.NoticeKind
	}{
		{"rejected", http.StatusInternalServerError, http.StatusBadGateway, "SEND_FAILED", session.NoticeSendFailed},
		{"transport", fakebackend.DropConnection, http.StatusGatewayTimeout, "NETWORK_ERROR", session.NoticeNetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWebFixture(t, fakebackend.App{})
			f.start(t)
			f.fb.Fail(fakebackend.Send, tc.status, 1)

			rr := f.do(t, http.MethodPost, "/api/send", `{"content":"hi"}`)
			if rr.Code != tc.want || errorCode(t, rr) != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.want, tc.code, rr.Code, rr.Body.String())
			}
			if f.engine.Dispatcher.Draft().Value() != "hi" {
				t.Fatal("draft must survive a failed send")
			}
			recent := f.notices.Recent()
			if len(recent) == 0 || recent[len(recent)-1].Kind != tc.notice {
				t.Fatalf("notices = %+v", recent)
			}
		})
	}
}

func TestSendRateLimited(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{}, withRate(0.001, 1))
	f.start(t)

	if rr := f.do(t, http.MethodPost, "/api/send", `{"content":"one"}`); rr.Code != http.StatusOK {
		t.Fatalf("first send: %d", rr.Code)
	}
	rr := f.do(t, http.MethodPost, "/api/send", `{"content":"two"}`)
	if rr.Code != http.StatusTooManyRequests || errorCode(t, rr) != "RATE_LIMITED" {
		t.Fatalf("expected 429, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSendWithoutBrowserRollsConsentBack(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{TemplateID: "tmpl-1"})
	f.start(t)

	if rr := f.do(t, http.MethodPost, "/api/send", `{"content":"hi"}`); rr.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	f.engine.Auth.Wait()
	if got := f.engine.Session.AuthState(); got != session.AuthNotRequested {
		t.Fatalf("auth state = %v, want NOT_REQUESTED", got)
	}
	var sawFailure bool
	for _, n := range f.notices.Recent() {
		sawFailure = sawFailure || n.Kind == session.NoticeConsentFailed
	}
	if !sawFailure {
		t.Fatalf("expected consent failure notice, got %+v", f.notices.Recent())
	}
}

func TestConsentAnsweredOverHTTP(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{TemplateID: "tmpl-1"})
	f.start(t)
	_, stop := f.consent.Watch()
	defer stop()

	if rr := f.do(t, http.MethodPost, "/api/send", `{"content":"hi"}`); rr.Code != http.StatusOK {
		t.Fatalf("send: %d", rr.Code)
	}
	pending := f.consent.Pending()
	if len(pending) != 1 || pending[0].TemplateIDs[0] != "tmpl-1" {
		t.Fatalf("pending = %+v", pending)
	}
	if got := f.engine.Session.AuthState(); got != session.AuthRequested {
		t.Fatalf("auth state = %v, want REQUESTED", got)
	}

	if rr := f.do(t, http.MethodPost, "/api/consent", `{"id":"`+pending[0].ID+`","decision":"maybe"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad decision, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/consent", `{"id":"`+pending[0].ID+`","decision":"accept"}`); rr.Code != http.StatusOK {
		t.Fatalf("consent: %d %s", rr.Code, rr.Body.String())
	}
	f.engine.Auth.Wait()
	if got := f.engine.Session.AuthState(); got != session.AuthAccepted {
		t.Fatalf("auth state = %v, want ACCEPTED", got)
	}
	if u, _ := f.fb.User(f.openID()); !u.Subscribed {
		t.Fatal("expected backend subscription after accept")
	}

	rr := f.do(t, http.MethodPost, "/api/consent", `{"id":"`+pending[0].ID+`","decision":"accept"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for answered prompt, got %d", rr.Code)
	}
}

func TestConsentReportedFailure(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{TemplateID: "tmpl-1"})
	f.start(t)
	_, stop := f.consent.Watch()
	defer stop()

	f.do(t, http.MethodPost, "/api/send", `{"content":"hi"}`)
	pending := f.consent.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	rr := f.do(t, http.MethodPost, "/api/consent", `{"id":"`+pending[0].ID+`","error":"dialog unsupported"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("consent: %d", rr.Code)
	}
	f.engine.Auth.Wait()
	if got := f.engine.Session.AuthState(); got != session.AuthNotRequested {
		t.Fatalf("auth state = %v, want NOT_REQUESTED", got)
	}
}

func TestConsentValidation(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	if rr := f.do(t, http.MethodPost, "/api/consent", `{"decision":"accept"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/consent", `{"id":"nope","decision":"accept"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/consent", `nope`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func imageRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(backend.UploadField, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestImageUpload(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	f.start(t)
	data := pngBytes(t)

	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, imageRequest(t, "cat.png", data))
	if rr.Code != http.StatusOK {
		t.Fatalf("image: %d %s", rr.Code, rr.Body.String())
	}

	msgs := f.fb.Messages(f.openID())
	if len(msgs) != 1 || !msgs[0].IsImage {
		t.Fatalf("backend messages = %+v", msgs)
	}
	name := msgs[0].ImageURL[strings.LastIndex(msgs[0].ImageURL, "/")+1:]
	uploaded, ok := f.fb.Uploaded(name)
	if !ok || !bytes.Equal(uploaded, data) {
		t.Fatal("uploaded bytes differ from the browser upload")
	}
}

func TestImageUploadFailures(t *testing.T) {
	cases := []struct {
		name   string
		inject func(fb *fakebackend.Backend)
		want   int
		code   string
	}{
		{"upload rejected", func(fb *fakebackend.Backend) { fb.Fail(fakebackend.Upload, http.StatusInternalServerError, 1) }, http.StatusBadGateway, "UPLOAD_FAILED"},
		{"unreadable", func(fb *fakebackend.Backend) { fb.RespondRaw(fakebackend.Upload, "not json", 1) }, http.StatusBadGateway, "UPLOAD_UNREADABLE"},
		{"send rejected", func(fb *fakebackend.Backend) { fb.Fail(fakebackend.Send, http.StatusInternalServerError, 1) }, http.StatusBadGateway, "SEND_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWebFixture(t, fakebackend.App{})
			f.start(t)
			tc.inject(f.fb)

			rr := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rr, imageRequest(t, "cat.png", pngBytes(t)))
			if rr.Code != tc.want || errorCode(t, rr) != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.want, tc.code, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestImageRequiresFile(t *testing.T) {
	f := newWebFixture(t, fakebackend.App{})
	rr := f.do(t, http.MethodPost, "/api/image", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSendErrorStatus(t *testing.T) {
	status, code := sendErrorStatus(&session.StageError{Stage: session.StagePick, Err: session.ErrPickCanceled})
	if status != http.StatusBadRequest || code != "PICK_CANCELED" {
		t.Fatalf("pick canceled -> %d %s", status, code)
	}
	status, code = sendErrorStatus(&session.StageError{Stage: session.StagePick, Err: bytes.ErrTooLarge})
	if code != "PICK_FAILED" {
		t.Fatalf("pick failed -> %d %s", status, code)
	}
	if status, _ := sendErrorStatus(bytes.ErrTooLarge); status != http.StatusInternalServerError {
		t.Fatalf("non-stage error -> %d", status)
	}
}
