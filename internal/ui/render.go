package ui

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/kefu-chat/chatsync/internal/backend"
)

const (
	minBubbleWidth = 20
	ellipsis       = "…"
)

// renderTranscript lays messages out for a viewport of the given width:
// agent messages on the left, the user's on the right.
func renderTranscript(msgs []backend.Message, width int, now time.Time) string {
	if len(msgs) == 0 {
		return DimStyle.Render("No messages yet. Say hello!")
	}
	bubbleWidth := max(width*3/4, minBubbleWidth)

	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderMessage(m, width, bubbleWidth, now))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessage(m backend.Message, width, bubbleWidth int, now time.Time) string {
	name := AgentNameStyle.Render("Support")
	style := AgentBubbleStyle
	align := lipgloss.Left
	if m.FromUser {
		name = UserNameStyle.Render("You")
		style = UserBubbleStyle
		align = lipgloss.Right
	}

	meta := name
	if stamp := formatStamp(m.CreatedAt, now); stamp != "" {
		meta += " " + TimestampStyle.Render(stamp)
	}
	if !m.FromUser && !m.UserRead {
		meta += " " + UnreadStyle.Render("●")
	}

	body := m.Content
	if m.IsImage {
		body = ImageTagStyle.Render("[image]") + " " + truncate(m.ImageURL, bubbleWidth-10)
	}
	bubble := style.MaxWidth(bubbleWidth).Width(min(bubbleWidth, lipgloss.Width(body)+3)).Render(body)

	block := lipgloss.JoinVertical(align, meta, bubble)
	return lipgloss.PlaceHorizontal(width, align, block)
}

// formatStamp shows the clock time for today's messages and the date
// otherwise.
func formatStamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	y1, m1, d1 := t.Date()
	y2, m2, d2 := now.Local().Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}

// truncate shortens s to at most width terminal cells.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, ellipsis)
}

// lastAgentMessage returns the text of the newest agent message, or "".
func lastAgentMessage(msgs []backend.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.FromUser {
			continue
		}
		if m.IsImage {
			return m.ImageURL
		}
		return m.Content
	}
	return ""
}
