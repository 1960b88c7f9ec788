package ui

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	dark "github.com/thiagokokada/dark-mode-go"
)

// themeChangedMsg carries the new OS appearance.
type themeChangedMsg struct {
	theme Theme
}

// ThemeWatcher follows OS dark mode while the UI runs with theme = system.
type ThemeWatcher struct {
	changeCh  chan Theme
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewThemeWatcher starts watching. It returns nil when the platform cannot
// report appearance changes; the UI then keeps its initial theme.
func NewThemeWatcher(parentCtx context.Context) *ThemeWatcher {
	ctx, cancel := context.WithCancel(parentCtx)

	events, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		cancel()
		uiLog.Warn("theme_watcher_init_failed", slog.String("error", err.Error()))
		return nil
	}

	tw := &ThemeWatcher{
		changeCh: make(chan Theme, 1),
		closeCh:  make(chan struct{}),
	}
	go tw.watchLoop(ctx, cancel, events, errs)
	return tw
}

func (tw *ThemeWatcher) watchLoop(ctx context.Context, cancel context.CancelFunc, events <-chan bool, errs <-chan error) {
	defer cancel()
	for {
		select {
		case <-tw.closeCh:
			return
		case <-ctx.Done():
			return
		case isDark, ok := <-events:
			if !ok {
				return
			}
			theme := ThemeLight
			if isDark {
				theme = ThemeDark
			}
			tw.offer(theme)
		case err, ok := <-errs:
			if ok && err != nil {
				uiLog.Warn("theme_watcher_error", slog.String("error", err.Error()))
			}
		}
	}
}

// offer keeps only the newest unread change.
func (tw *ThemeWatcher) offer(theme Theme) {
	for {
		select {
		case tw.changeCh <- theme:
			return
		default:
		}
		select {
		case <-tw.changeCh:
		default:
		}
	}
}

// Changes returns the channel of appearance changes.
func (tw *ThemeWatcher) Changes() <-chan Theme {
	return tw.changeCh
}

// Close stops the watcher. Safe to call multiple times.
func (tw *ThemeWatcher) Close() {
	tw.closeOnce.Do(func() {
		close(tw.closeCh)
	})
}

// listenForTheme waits for the next appearance change.
func listenForTheme(tw *ThemeWatcher) tea.Cmd {
	if tw == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case theme := <-tw.changeCh:
			return themeChangedMsg{theme: theme}
		case <-tw.closeCh:
			return nil
		}
	}
}
