package ui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kefu-chat/chatsync/internal/session"
)

// consentPrompt is one open consent dialog. shown is closed once the modal
// is on screen; reply receives the single result. abandoned is closed when
// the caller stopped waiting before the modal appeared.
type consentPrompt struct {
	templateIDs []string
	shown       chan struct{}
	abandoned   chan struct{}
	reply       chan session.ConsentResult
}

func newConsentPrompt(templateIDs []string) *consentPrompt {
	return &consentPrompt{
		templateIDs: templateIDs,
		shown:       make(chan struct{}),
		abandoned:   make(chan struct{}),
		reply:       make(chan session.ConsentResult, 1),
	}
}

// answer applies decision to every template id. An empty decision is the
// dismiss answer and leaves the decisions map empty.
func (p *consentPrompt) answer(decision string) {
	decisions := make(map[string]string, len(p.templateIDs))
	if decision != "" {
		for _, id := range p.templateIDs {
			decisions[id] = decision
		}
	}
	p.reply <- session.ConsentResult{Decisions: decisions}
}

// ConsentModal asks whether agent replies may be pushed as notifications.
type ConsentModal struct {
	prompt *consentPrompt
	width  int
	height int
}

// NewConsentModal returns a hidden modal.
func NewConsentModal() *ConsentModal {
	return &ConsentModal{}
}

// Show displays the modal for p. It reports false when p was abandoned or
// another prompt is already open; the caller then fails p.
func (c *ConsentModal) Show(p *consentPrompt) bool {
	select {
	case <-p.abandoned:
		return false
	default:
	}
	if c.prompt != nil {
		return false
	}
	c.prompt = p
	close(p.shown)
	return true
}

// IsVisible reports whether a prompt is waiting for an answer.
func (c *ConsentModal) IsVisible() bool {
	return c.prompt != nil
}

// SetSize updates the area the modal is centered in.
func (c *ConsentModal) SetSize(width, height int) {
	c.width = width
	c.height = height
}

// Cancel fails the open prompt, if any, and hides the modal.
func (c *ConsentModal) Cancel(err error) {
	if c.prompt == nil {
		return
	}
	c.prompt.reply <- session.ConsentResult{Err: err}
	c.prompt = nil
}

// HandleKey answers the prompt: y/a accept, n/r reject, b ban. Esc
// dismisses without a decision. It reports whether the key was consumed.
func (c *ConsentModal) HandleKey(msg tea.KeyMsg) (string, bool) {
	if c.prompt == nil {
		return "", false
	}
	var decision string
	switch msg.String() {
	case "y", "a", "enter":
		decision = session.DecisionAccept
	case "n", "r":
		decision = session.DecisionReject
	case "b":
		decision = session.DecisionBan
	case "esc":
	default:
		// Swallow everything else while the modal is up.
		return "", true
	}
	c.prompt.answer(decision)
	c.prompt = nil
	return decision, true
}

// View renders the modal centered in the configured area.
func (c *ConsentModal) View() string {
	if c.prompt == nil {
		return ""
	}

	button := func(key, label string) string {
		return DialogKeyStyle.Render(key) + " " + DialogActionStyle.Render(label)
	}
	buttons := lipgloss.JoinHorizontal(lipgloss.Center,
		button("y", "Allow"), "   ",
		button("n", "Not now"), "   ",
		button("b", "Never ask"),
	)
	content := lipgloss.JoinVertical(lipgloss.Left,
		DialogTitleStyle.Render("Reply notifications"),
		"",
		BaseStyle.Render("Get notified when support answers,\neven after you leave this chat?"),
		"",
		buttons,
		"",
		DimStyle.Render("(Esc to decide later)"),
	)

	dialogWidth := 50
	if c.width > 0 && c.width < dialogWidth+10 {
		dialogWidth = c.width - 10
	}
	box := DialogBoxStyle.Width(dialogWidth).Render(content)

	if c.width <= 0 || c.height <= 0 {
		return box
	}
	boxHeight := lipgloss.Height(box)
	boxWidth := lipgloss.Width(box)
	padLeft := max((c.width-boxWidth)/2, 0)
	padTop := max((c.height-boxHeight)/2, 0)

	var b strings.Builder
	b.WriteString(strings.Repeat("\n", padTop))
	for _, line := range strings.Split(box, "\n") {
		b.WriteString(strings.Repeat(" ", padLeft))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
