package platform

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/kefu-chat/chatsync/internal/session"
)

// WriterNotifier prints notices as single lines, colored when w is a
// terminal that supports it.
type WriterNotifier struct {
	mu   sync.Mutex
	w    io.Writer
	ok   lipgloss.Style
	warn lipgloss.Style
}

// NewWriterNotifier returns a notifier writing to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	r := lipgloss.NewRenderer(w)
	return &WriterNotifier{
		w:    w,
		ok:   r.NewStyle().Foreground(lipgloss.Color("2")),
		warn: r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
	}
}

func (n *WriterNotifier) Notify(notice session.Notice) {
	style := n.warn
	prefix := "!"
	if notice.Kind == session.NoticeSubscribed {
		style = n.ok
		prefix = "✓"
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, style.Render(prefix+" "+notice.Text))
}
