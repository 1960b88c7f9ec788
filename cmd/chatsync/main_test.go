package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/backend/fakebackend"
	"github.com/kefu-chat/chatsync/internal/config"
	"github.com/kefu-chat/chatsync/internal/platform"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

func TestExtractConfigFlag(t *testing.T) {
	tests := []struct {
		args     []string
		wantPath string
		wantRest []string
	}{
		{[]string{"send", "hi"}, "", []string{"send", "hi"}},
		{[]string{"-c", "a.toml", "send"}, "a.toml", []string{"send"}},
		{[]string{"--config", "b.toml", "web", "--push"}, "b.toml", []string{"web", "--push"}},
		{[]string{"history", "-c=c.toml"}, "c.toml", []string{"history"}},
		{[]string{"--config=d.toml"}, "d.toml", nil},
		{[]string{"send", "-c"}, "", []string{"send", "-c"}},
	}
	for _, tt := range tests {
		path, rest := extractConfigFlag(tt.args)
		if path != tt.wantPath {
			t.Errorf("extractConfigFlag(%v) path = %q, want %q", tt.args, path, tt.wantPath)
		}
		if !reflect.DeepEqual(rest, tt.wantRest) {
			t.Errorf("extractConfigFlag(%v) rest = %v, want %v", tt.args, rest, tt.wantRest)
		}
	}
}

func TestParseDecision(t *testing.T) {
	tests := map[string]string{
		"y\n":      session.DecisionAccept,
		" Yes ":    session.DecisionAccept,
		"accept":   session.DecisionAccept,
		"n":        session.DecisionReject,
		"REJECT\n": session.DecisionReject,
		"b":        session.DecisionBan,
		"block":    session.DecisionBan,
		"":         "",
		"maybe":    "",
	}
	for in, want := range tests {
		if got := parseDecision(in); got != want {
			t.Errorf("parseDecision(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLineConsent(t *testing.T) {
	var prompt bytes.Buffer
	c := newLineConsent(strings.NewReader("y\n"), &prompt)
	res := <-c.Prompt(context.Background(), []string{"t1", "t2"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := map[string]string{"t1": session.DecisionAccept, "t2": session.DecisionAccept}
	if !reflect.DeepEqual(res.Decisions, want) {
		t.Errorf("decisions = %v, want %v", res.Decisions, want)
	}
	if !strings.Contains(prompt.String(), "support replies") {
		t.Errorf("prompt = %q", prompt.String())
	}
}

func TestLineConsentUnknownAnswerLeavesNoDecision(t *testing.T) {
	c := newLineConsent(strings.NewReader("later\n"), io.Discard)
	res := <-c.Prompt(context.Background(), []string{"t1"})
	if res.Err != nil || len(res.Decisions) != 0 {
		t.Errorf("got %+v, want empty decisions", res)
	}
}

func TestLineConsentClosedInputFails(t *testing.T) {
	c := newLineConsent(strings.NewReader(""), io.Discard)
	res := <-c.Prompt(context.Background(), []string{"t1"})
	if res.Err == nil {
		t.Error("expected error on EOF")
	}
}

func TestOneShotConsent(t *testing.T) {
	d, err := oneShotConsent(config.ConsentPrompt, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*lineConsent); !ok {
		t.Errorf("interactive prompt = %T, want *lineConsent", d)
	}

	d, err = oneShotConsent(config.ConsentPrompt, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*platform.ScriptedConsent); !ok {
		t.Errorf("headless prompt = %T, want *platform.ScriptedConsent", d)
	}

	d, err = oneShotConsent(config.ConsentBan, false)
	if err != nil || d == nil {
		t.Fatalf("ban mode = %v, %v", d, err)
	}
}

func TestSendErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("boom"), ErrCodeSendFailed},
		{&session.StageError{Stage: session.StageValidate, Err: errors.New("empty")}, ErrCodeEmptyMessage},
		{&session.StageError{Stage: session.StagePick, Err: session.ErrPickCanceled}, ErrCodePickCanceled},
		{&session.StageError{Stage: session.StagePick, Err: errors.New("bad file")}, ErrCodeImageFailed},
		{&session.StageError{Stage: session.StageUpload, Err: errors.New("502")}, ErrCodeImageFailed},
		{fmt.Errorf("wrapped: %w", &session.StageError{Stage: session.StageSend, Err: errors.New("x")}), ErrCodeSendFailed},
	}
	for _, tt := range tests {
		if got := sendErrorCode(tt.err); got != tt.want {
			t.Errorf("sendErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func sampleMessages() []backend.Message {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []backend.Message{
		{ID: 1, CreatedAt: base, Content: "where is my parcel", FromUser: true},
		{ID: 2, CreatedAt: base.Add(time.Minute), Content: "Let me check the tracking number"},
		{ID: 3, CreatedAt: base.Add(2 * time.Minute), IsImage: true, ImageURL: "https://cdn.example/receipt.jpg", FromUser: true},
		{ID: 4, CreatedAt: base.Add(3 * time.Minute), Content: "Your parcel ships tomorrow"},
	}
}

func TestFilterMessages(t *testing.T) {
	msgs := sampleMessages()

	got := filterMessages(msgs, "parcel", 0)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 4 {
		t.Errorf("filter parcel = %v", ids(got))
	}

	got = filterMessages(msgs, "receipt", 0)
	if len(got) != 1 || got[0].ID != 3 {
		t.Errorf("filter receipt = %v", ids(got))
	}

	got = filterMessages(msgs, "", 2)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Errorf("limit 2 = %v", ids(got))
	}

	if got := filterMessages(msgs, "zzzzqqq", 0); len(got) != 0 {
		t.Errorf("no match = %v", ids(got))
	}
}

func ids(msgs []backend.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = fmt.Sprint(m.ID)
	}
	return out
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.t, now); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestRenderHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := renderHistory(io.Discard, nil, now); got != "No cached conversations.\n" {
		t.Errorf("empty render = %q", got)
	}

	transcripts := []session.CachedTranscript{
		{
			Identity: statedb.SessionRow{OpenID: "oid-1", AppID: "demo", AuthState: "ACCEPTED", LastSeen: now.Add(-2 * time.Minute)},
			Messages: sampleMessages(),
		},
		{Identity: statedb.SessionRow{OpenID: "oid-2", AppID: "demo", AuthState: "NOT_REQUESTED"}},
	}
	out := renderHistory(io.Discard, transcripts, now)
	for _, want := range []string{"oid-1", "push accepted", "2m ago", "where is my parcel", "[image] https://cdn.example/receipt.jpg", "oid-2", "(no messages)", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q in:\n%s", want, out)
		}
	}
}

func TestHistoryJSON(t *testing.T) {
	entries := historyJSON([]session.CachedTranscript{
		{Identity: statedb.SessionRow{OpenID: "oid", AppID: "demo"}},
	})
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Messages == nil {
		t.Error("messages should encode as [] not null")
	}
	if entries[0].Heartbeats["ok"] != 0 || entries[0].Heartbeats["failed"] != 0 {
		t.Errorf("heartbeats = %v", entries[0].Heartbeats)
	}
}

func TestParseWebFlags(t *testing.T) {
	defaults := webOptions{listen: "127.0.0.1:8470", token: "cfg"}

	got, err := parseWebFlags(nil, defaults)
	if err != nil || got != defaults {
		t.Errorf("defaults = %+v, %v", got, err)
	}

	got, err = parseWebFlags([]string{"--push", "--listen", ":9000"}, defaults)
	if err != nil {
		t.Fatal(err)
	}
	want := webOptions{listen: ":9000", token: "cfg", push: true}
	if got != want {
		t.Errorf("flags = %+v, want %+v", got, want)
	}

	if _, err := parseWebFlags([]string{"extra"}, defaults); err == nil {
		t.Error("expected error for positional args")
	}
}

// writeTestConfig points a config file at a fake backend and a private cache.
func writeTestConfig(t *testing.T, baseURL, appID, mode string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "history.db")
	body := fmt.Sprintf(`[backend]
base_url = %q
app_id = %q
login_code = "code-cli"
timeout_seconds = 5

[consent]
mode = %q

[cache]
path = %q
`, baseURL, appID, mode, cachePath)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, cachePath
}

func TestSendThenHistory(t *testing.T) {
	fb := fakebackend.New()
	fb.AddApp("cli-app", fakebackend.App{TemplateID: "reply-notice", WelcomeMessage: "Hi, how can we help?"})
	srv := httptest.NewServer(fb.Handler())
	defer srv.Close()
	fb.SetPublicURL(srv.URL)

	cfgPath, cachePath := writeTestConfig(t, srv.URL+"/api/chat", "cli-app", config.ConsentAccept)

	if err := handleSend(cfgPath, []string{"-q", "my parcel has not arrived"}); err != nil {
		t.Fatalf("handleSend: %v", err)
	}

	db, err := statedb.OpenAndMigrate(cachePath)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	transcripts, err := session.NewCache(db).LoadTranscripts("cli-app")
	db.Close()
	if err != nil {
		t.Fatalf("LoadTranscripts: %v", err)
	}
	if len(transcripts) != 1 {
		t.Fatalf("transcripts = %d, want 1", len(transcripts))
	}
	tr := transcripts[0]
	if tr.Identity.AuthState != session.AuthAccepted.String() {
		t.Errorf("auth state = %q, want %q", tr.Identity.AuthState, session.AuthAccepted.String())
	}
	if got := fb.Messages(tr.Identity.OpenID); len(got) == 0 {
		t.Error("backend received no messages")
	}
	found := false
	for _, m := range tr.Messages {
		if m.FromUser && m.Content == "my parcel has not arrived" {
			found = true
		}
	}
	if !found {
		t.Errorf("cached transcript missing sent message: %+v", tr.Messages)
	}

	if err := handleHistory(cfgPath, []string{"--json", "--filter", "parcel"}); err != nil {
		t.Errorf("handleHistory: %v", err)
	}
}

func TestSendRejectsTextWithImage(t *testing.T) {
	err := handleSend("", []string{"--image", "hello"})
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("err = %v", err)
	}
}

func TestSendEmptyMessage(t *testing.T) {
	fb := fakebackend.New()
	fb.AddApp("cli-app", fakebackend.App{TemplateID: "reply-notice"})
	srv := httptest.NewServer(fb.Handler())
	defer srv.Close()

	cfgPath, _ := writeTestConfig(t, srv.URL+"/api/chat", "cli-app", config.ConsentFail)
	if err := handleSend(cfgPath, []string{"-q"}); !errors.Is(err, errSilentExit) {
		t.Errorf("err = %v, want errSilentExit", err)
	}
}

func TestHistoryWithoutCache(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, "http://127.0.0.1:1/api/chat", "cli-app", config.ConsentFail)
	err := handleHistory(cfgPath, nil)
	if err == nil || !strings.Contains(err.Error(), "no cached history") {
		t.Errorf("err = %v", err)
	}
}

func TestOpenAppPrunesHeartbeatLedger(t *testing.T) {
	cfgPath, cachePath := writeTestConfig(t, "http://127.0.0.1:1/api/chat", "cli-app", config.ConsentFail)

	db, err := statedb.OpenAndMigrate(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-30 * 24 * time.Hour).UnixNano()
	if _, err := db.DB().Exec(
		"INSERT INTO heartbeats (open_id, sent_at, ok, detail) VALUES (?, ?, 1, '')", "oid", stale,
	); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordHeartbeat("oid", false, "timeout"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	a, err := openApp(cfgPath)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()
	if a.state == nil {
		t.Fatal("cache should be open")
	}
	st, err := a.state.HeartbeatStats("oid")
	if err != nil {
		t.Fatal(err)
	}
	if st.OK != 0 || st.Failed != 1 {
		t.Errorf("stats after prune = %+v, want only the recent failure", st)
	}
}
