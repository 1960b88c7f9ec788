package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/ui"
)

func handleRun(configPath string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	theme := fs.String("theme", "", "Override ui.theme (dark, light, system)")
	fs.Usage = func() {
		fmt.Println("Usage: chatsync run [options]")
		fmt.Println()
		fmt.Println("Open the support chat in the terminal.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("In the chat: enter sends, \"/img [name]\" sends an album picture,")
		fmt.Println("\"/cam\" waits for a new camera photo, ctrl+y copies the last reply.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return errors.New("run needs an interactive terminal; use 'chatsync send' or 'chatsync web' instead")
	}

	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if *theme != "" {
		a.cfg.UI.Theme = *theme
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	a.watchCrashDumps(ctx)

	bridge := ui.NewBridge()
	var consent session.ConsentDialog = bridge
	if scripted, err := scriptedConsent(a.cfg.Consent.Mode); err != nil {
		return err
	} else if scripted != nil {
		consent = scripted
	}

	engine, err := a.newEngine(consent, a.filePicker(), bridge)
	if err != nil {
		return err
	}
	defer stopEngine(engine)

	ui.InitTheme(a.cfg.ResolveTheme())
	var opts []ui.Option
	if a.cfg.UI.Theme == "system" {
		if tw := ui.NewThemeWatcher(ctx); tw != nil {
			defer tw.Close()
			opts = append(opts, ui.WithThemeWatcher(tw))
		}
	}

	model := ui.NewModel(ctx, engine, opts...)
	defer model.Close()
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	bridge.Attach(p)
	defer bridge.Detach()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			dumpOnPanic(a.dataDir, r)
			panic(r)
		}
	}()
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// dumpOnPanic saves the log ring buffer next to the log file so a crash in
// the terminal UI leaves something to look at.
func dumpOnPanic(dataDir string, r any) {
	logging.ForComponent(logging.CompUI).Error("panic",
		slog.Any("value", r),
		slog.String("stack", string(debug.Stack())))
	path := filepath.Join(dataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
	if err := logging.DumpRingBuffer(path); err == nil {
		fmt.Fprintf(os.Stderr, "crash dump written to %s\n", path)
	}
}
