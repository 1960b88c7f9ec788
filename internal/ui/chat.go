// Package ui is the terminal chat view: transcript, draft input, toasts and
// the consent modal, driven by a session.Engine.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/clipboard"
	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/session"
)

var uiLog = logging.ForComponent(logging.CompUI)

const (
	toastDuration = 3 * time.Second
	// header, toast, input box (3) and help
	chromeHeight = 6
)

var errConsentBusy = errors.New("another consent prompt is open")

type (
	snapshotMsg   session.Snapshot
	viewClosedMsg struct{}
	identifiedMsg struct{ err error }
	clearToastMsg struct{ seq int }
	sendDoneMsg   struct {
		image bool
		err   error
	}
)

// CopyFunc copies text to the clipboard.
type CopyFunc func(text string) (*clipboard.CopyResult, error)

// Option configures a Model.
type Option func(*Model)

// WithThemeWatcher follows OS appearance changes.
func WithThemeWatcher(tw *ThemeWatcher) Option {
	return func(m *Model) { m.themes = tw }
}

// WithClipboard replaces the clipboard writer.
func WithClipboard(fn CopyFunc) Option {
	return func(m *Model) { m.copy = fn }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// Model is the chat screen.
type Model struct {
	ctx    context.Context
	engine *session.Engine

	snapshots   <-chan session.Snapshot
	unsubscribe func()
	themes      *ThemeWatcher
	copy        CopyFunc
	now         func() time.Time

	viewport viewport.Model
	input    textinput.Model
	help     help.Model
	keys     keyMap
	modal    *ConsentModal

	messages   []backend.Message
	identified bool
	identErr   error
	sending    bool

	toast    string
	toastErr bool
	toastSeq int

	width  int
	height int
	ready  bool
}

// NewModel returns the chat screen for engine. The transcript subscription
// starts immediately; the engine may be started before or after.
func NewModel(ctx context.Context, engine *session.Engine, opts ...Option) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Prompt = "› "
	input.CharLimit = 2000
	input.Focus()

	snapshots, unsubscribe := engine.View.Subscribe()
	m := &Model{
		ctx:         ctx,
		engine:      engine,
		snapshots:   snapshots,
		unsubscribe: unsubscribe,
		copy: func(text string) (*clipboard.CopyResult, error) {
			return clipboard.Copy(text, os.Stdout)
		},
		now:      time.Now,
		viewport: viewport.New(0, 0),
		input:    input,
		help:     help.New(),
		keys:     defaultKeyMap(),
		modal:    NewConsentModal(),
		messages: engine.View.Snapshot().Messages,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.waitForSnapshot(),
		m.waitIdentified(),
		listenForTheme(m.themes),
	)
}

func (m *Model) waitForSnapshot() tea.Cmd {
	ch := m.snapshots
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return viewClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m *Model) waitIdentified() tea.Cmd {
	return func() tea.Msg {
		return identifiedMsg{err: m.engine.WaitIdentified(m.ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case snapshotMsg:
		atBottom := m.viewport.AtBottom()
		m.messages = msg.Messages
		m.refreshTranscript(atBottom)
		return m, m.waitForSnapshot()

	case viewClosedMsg:
		uiLog.Debug("view_closed")
		return m, nil

	case identifiedMsg:
		m.identified = msg.err == nil
		m.identErr = msg.err
		if msg.err != nil {
			return m, m.showToast("Could not connect: "+msg.err.Error(), true)
		}
		return m, nil

	case *consentPrompt:
		if !m.modal.Show(msg) {
			select {
			case <-msg.abandoned:
			default:
				close(msg.shown)
				msg.reply <- session.ConsentResult{Err: errConsentBusy}
			}
		}
		return m, nil

	case noticeMsg:
		return m, m.showToast(msg.notice.Text, msg.notice.Kind != session.NoticeSubscribed)

	case clearToastMsg:
		if msg.seq == m.toastSeq {
			m.toast = ""
		}
		return m, nil

	case sendDoneMsg:
		m.sending = false
		if msg.err == nil {
			m.input.Reset()
		}
		return m, nil

	case themeChangedMsg:
		InitTheme(string(msg.theme))
		uiLog.Info("theme_changed", slog.String("theme", string(msg.theme)))
		m.refreshTranscript(m.viewport.AtBottom())
		return m, listenForTheme(m.themes)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.modal.IsVisible() {
		if decision, ok := m.modal.HandleKey(msg); ok {
			if decision == "" && msg.String() == "esc" {
				uiLog.Info("consent_dismissed")
			}
			return m, nil
		}
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Send):
		return m, m.submit()
	case key.Matches(msg, m.keys.Copy):
		return m, m.copyLastReply()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.ScrollUp):
		m.viewport.HalfPageUp()
		return m, nil
	case key.Matches(msg, m.keys.ScrollDown):
		m.viewport.HalfPageDown()
		return m, nil
	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the draft, or an image for /img [query] and /cam. Sends run
// in a command because the consent prompt they may open needs the event
// loop to show it.
func (m *Model) submit() tea.Cmd {
	if m.sending {
		return nil
	}
	raw := m.input.Value()
	if req, ok := parseImageCommand(raw); ok {
		m.sending = true
		ctx, engine := m.ctx, m.engine
		return func() tea.Msg {
			err := engine.Dispatcher.SendImage(ctx, req)
			return sendDoneMsg{image: true, err: err}
		}
	}

	m.engine.Dispatcher.Draft().Set(raw)
	m.sending = true
	ctx, engine := m.ctx, m.engine
	return func() tea.Msg {
		return sendDoneMsg{err: engine.Dispatcher.SendText(ctx)}
	}
}

// parseImageCommand recognizes "/img [query]" and "/cam".
func parseImageCommand(raw string) (session.PickRequest, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return session.PickRequest{}, false
	}
	switch fields[0] {
	case "/img":
		return session.PickRequest{
			Sources: []session.ImageSource{session.SourceAlbum},
			Query:   strings.Join(fields[1:], " "),
		}, true
	case "/cam":
		return session.PickRequest{Sources: []session.ImageSource{session.SourceCamera}}, true
	}
	return session.PickRequest{}, false
}

func (m *Model) copyLastReply() tea.Cmd {
	text := lastAgentMessage(m.messages)
	res, err := m.copy(text)
	if err != nil {
		if errors.Is(err, clipboard.ErrNothingToCopy) {
			return m.showToast("No reply to copy yet", true)
		}
		uiLog.Warn("copy_failed", slog.String("error", err.Error()))
		return m.showToast("Copy failed", true)
	}
	return m.showToast(fmt.Sprintf("Copied %d line(s) via %s", res.LineCount, res.Method), false)
}

func (m *Model) showToast(text string, isErr bool) tea.Cmd {
	m.toastSeq++
	m.toast = text
	m.toastErr = isErr
	seq := m.toastSeq
	return tea.Tick(toastDuration, func(time.Time) tea.Msg {
		return clearToastMsg{seq: seq}
	})
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.viewport.Width = width
	m.viewport.Height = max(height-chromeHeight, 1)
	m.input.Width = max(width-6, 10)
	m.help.Width = width
	m.modal.SetSize(width, height)
	m.ready = true
	m.refreshTranscript(true)
}

func (m *Model) refreshTranscript(follow bool) {
	m.viewport.SetContent(renderTranscript(m.messages, m.viewport.Width, m.now()))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "Loading…"
	}
	if m.modal.IsVisible() {
		return m.modal.View()
	}

	toast := ""
	if m.toast != "" {
		style := ToastStyle
		if m.toastErr {
			style = ToastErrorStyle
		}
		toast = style.Render(truncate(m.toast, m.width-2))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		toast,
		InputStyle.Width(max(m.width-2, 1)).Render(m.input.View()),
		m.help.View(m.keys),
	)
}

func (m *Model) header() string {
	var status string
	switch {
	case m.identErr != nil:
		status = ErrorStyle.Render("offline")
	case !m.identified:
		status = WarningStyle.Render("connecting…")
	default:
		status = SuccessStyle.Render("online") + " " + DimStyle.Render(truncate(m.engine.Session.OpenID(), 16))
	}
	if m.sending {
		status += " " + DimStyle.Render("sending…")
	}
	left := TitleStyle.Render("chatsync") + "  " + status
	right := AuthBadge(m.engine.Session.AuthState().String())
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return HeaderStyle.Width(max(m.width, 1)).Render(left + strings.Repeat(" ", gap) + right)
}

// Close releases the transcript subscription.
func (m *Model) Close() {
	m.unsubscribe()
	m.modal.Cancel(ErrUIClosed)
}
