package ui

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kefu-chat/chatsync/internal/session"
)

// ErrUIClosed is the dialog failure reported when the terminal UI is not
// running to show a prompt.
var ErrUIClosed = errors.New("terminal UI is not running")

type noticeMsg struct {
	notice session.Notice
}

// Bridge lets the session engine reach the running program: it implements
// session.ConsentDialog and session.Notifier. Create it before the engine,
// Attach once the program exists, Detach after it exits.
type Bridge struct {
	mu       sync.Mutex
	send     func(tea.Msg)
	detached chan struct{}
	once     sync.Once
}

// NewBridge returns an unattached bridge. Prompts fail until Attach.
func NewBridge() *Bridge {
	return &Bridge{detached: make(chan struct{})}
}

// Attach routes prompts and notices to p.
func (b *Bridge) Attach(p *tea.Program) {
	b.attach(p.Send)
}

func (b *Bridge) attach(send func(tea.Msg)) {
	b.mu.Lock()
	b.send = send
	b.mu.Unlock()
}

// Detach fails open and future prompts with ErrUIClosed.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.send = nil
	b.mu.Unlock()
	b.once.Do(func() { close(b.detached) })
}

func (b *Bridge) sender() func(tea.Msg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send
}

// Prompt shows the consent modal and returns once it is on screen. It must
// not be called from the program's Update; sends run in commands.
func (b *Bridge) Prompt(ctx context.Context, templateIDs []string) <-chan session.ConsentResult {
	out := make(chan session.ConsentResult, 1)
	fail := func(err error) <-chan session.ConsentResult {
		out <- session.ConsentResult{Err: err}
		close(out)
		return out
	}

	send := b.sender()
	if send == nil {
		return fail(ErrUIClosed)
	}
	p := newConsentPrompt(templateIDs)
	go send(p)

	select {
	case <-p.shown:
	case <-b.detached:
		close(p.abandoned)
		return fail(ErrUIClosed)
	case <-ctx.Done():
		close(p.abandoned)
		return fail(ctx.Err())
	}

	go func() {
		defer close(out)
		select {
		case res := <-p.reply:
			out <- res
		case <-b.detached:
			out <- session.ConsentResult{Err: ErrUIClosed}
		}
	}()
	return out
}

// Notify queues a toast. It never blocks.
func (b *Bridge) Notify(n session.Notice) {
	send := b.sender()
	if send == nil {
		uiLog.Debug("notice_dropped", slog.String("kind", string(n.Kind)))
		return
	}
	go send(noticeMsg{notice: n})
}
