package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kefu-chat/chatsync/internal/session"
)

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestConsentModalDecisions(t *testing.T) {
	tests := []struct {
		key  tea.KeyMsg
		want string
	}{
		{keyRunes("y"), session.DecisionAccept},
		{keyRunes("a"), session.DecisionAccept},
		{tea.KeyMsg{Type: tea.KeyEnter}, session.DecisionAccept},
		{keyRunes("n"), session.DecisionReject},
		{keyRunes("r"), session.DecisionReject},
		{keyRunes("b"), session.DecisionBan},
	}
	for _, tt := range tests {
		modal := NewConsentModal()
		p := newConsentPrompt([]string{"tmpl-1", "tmpl-2"})
		if !modal.Show(p) {
			t.Fatal("Show should succeed on a hidden modal")
		}
		if !isClosed(p.shown) {
			t.Fatal("shown should be closed once displayed")
		}
		decision, ok := modal.HandleKey(tt.key)
		if !ok || decision != tt.want {
			t.Errorf("%q: decision=%q ok=%v, want %q", tt.key.String(), decision, ok, tt.want)
		}
		res := <-p.reply
		if res.Err != nil || res.Decisions["tmpl-1"] != tt.want || res.Decisions["tmpl-2"] != tt.want {
			t.Errorf("%q: unexpected result %+v", tt.key.String(), res)
		}
		if modal.IsVisible() {
			t.Error("modal should hide after an answer")
		}
	}
}

func TestConsentModalEscDismisses(t *testing.T) {
	modal := NewConsentModal()
	p := newConsentPrompt([]string{"tmpl"})
	modal.Show(p)

	if _, ok := modal.HandleKey(keyRunes("x")); !ok {
		t.Error("unrelated keys should be swallowed while visible")
	}
	if !modal.IsVisible() {
		t.Fatal("unrelated key must not answer")
	}

	decision, ok := modal.HandleKey(tea.KeyMsg{Type: tea.KeyEscape})
	if !ok || decision != "" {
		t.Fatalf("esc: decision=%q ok=%v", decision, ok)
	}
	res := <-p.reply
	if res.Err != nil || len(res.Decisions) != 0 {
		t.Errorf("esc should reply with no decision, got %+v", res)
	}
}

func TestConsentModalRejectsAbandonedAndConcurrentPrompts(t *testing.T) {
	modal := NewConsentModal()

	abandoned := newConsentPrompt([]string{"tmpl"})
	close(abandoned.abandoned)
	if modal.Show(abandoned) {
		t.Error("abandoned prompt should not show")
	}

	first := newConsentPrompt([]string{"tmpl"})
	if !modal.Show(first) {
		t.Fatal("first prompt should show")
	}
	if modal.Show(newConsentPrompt([]string{"tmpl"})) {
		t.Error("second prompt should not replace the open one")
	}
}

func TestConsentModalCancel(t *testing.T) {
	modal := NewConsentModal()
	modal.Cancel(ErrUIClosed) // no prompt: no-op

	p := newConsentPrompt([]string{"tmpl"})
	modal.Show(p)
	modal.Cancel(ErrUIClosed)
	if res := <-p.reply; !errors.Is(res.Err, ErrUIClosed) {
		t.Errorf("Cancel should fail the prompt, got %+v", res)
	}
	if _, ok := modal.HandleKey(keyRunes("y")); ok {
		t.Error("hidden modal should not consume keys")
	}
}

func TestConsentModalView(t *testing.T) {
	modal := NewConsentModal()
	if modal.View() != "" {
		t.Error("hidden modal should render nothing")
	}
	modal.SetSize(80, 24)
	modal.Show(newConsentPrompt([]string{"tmpl"}))
	view := modal.View()
	for _, want := range []string{"Reply notifications", "Allow", "Not now", "Never ask", "Esc"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}
