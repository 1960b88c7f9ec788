package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const Version = "0.3.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile. CHATSYNC_COLOR
// (truecolor, 256, 16, none) overrides detection; otherwise termenv decides,
// upgrading to TrueColor for terminals known to support it.
func initColorProfile() {
	if colorEnv := os.Getenv("CHATSYNC_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	for _, t := range []string{"xterm-256color", "screen-256color", "tmux-256color", "xterm-direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(os.Getenv("TERM"), t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}
	if os.Getenv("WT_SESSION") != "" || os.Getenv("ITERM_SESSION_ID") != "" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func main() {
	// Extract global -c/--config flag before subcommand dispatch
	configPath, args := extractConfigFlag(os.Args[1:])

	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("chatsync v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "run":
		err = handleRun(configPath, args)
	case "web":
		err = handleWeb(configPath, args)
	case "send":
		err = handleSend(configPath, args)
	case "history":
		err = handleHistory(configPath, args)
	case "mock-backend":
		err = handleMockBackend(args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		if !errors.Is(err, errSilentExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// extractConfigFlag extracts -c or --config from args, returning the path
// and the remaining args.
func extractConfigFlag(args []string) (string, []string) {
	var path string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-c=") {
			path = strings.TrimPrefix(arg, "-c=")
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			path = strings.TrimPrefix(arg, "--config=")
			continue
		}
		if arg == "-c" || arg == "--config" {
			if i+1 < len(args) {
				path = args[i+1]
				i++
				continue
			}
		}

		remaining = append(remaining, arg)
	}
	return path, remaining
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func printHelp() {
	fmt.Printf("chatsync v%s - customer support chat client\n", Version)
	fmt.Println()
	fmt.Println("Usage: chatsync [-c config.toml] [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run            Open the chat in the terminal (default)")
	fmt.Println("  web            Serve the chat to a browser over HTTP and WebSocket")
	fmt.Println("  send           Send one text or image message and exit")
	fmt.Println("  history        Print cached transcripts")
	fmt.Println("  mock-backend   Serve an in-memory chat backend for local testing")
	fmt.Println("  version        Show version")
	fmt.Println("  help           Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -c, --config <path>   Config file (default ~/.chatsync/config.toml)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CHATSYNC_BASE_URL, CHATSYNC_APP_ID, CHATSYNC_LOGIN_CODE,")
	fmt.Println("  CHATSYNC_DATA_DIR, CHATSYNC_DEBUG, CHATSYNC_WEB_TOKEN, CHATSYNC_COLOR")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  chatsync mock-backend --app demo --welcome \"Hi, how can we help?\"")
	fmt.Println("  CHATSYNC_BASE_URL=http://127.0.0.1:8480/api/chat CHATSYNC_APP_ID=demo chatsync")
	fmt.Println("  chatsync send \"where is my order?\"")
	fmt.Println("  chatsync send --image --query receipt")
	fmt.Println("  chatsync history --filter refund")
	fmt.Println("  chatsync web --listen 127.0.0.1:8470 --push")
}
