package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

func handleHistory(configPath string, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	filter := fs.String("filter", "", "Only show messages fuzzy-matching this text")
	all := fs.Bool("all", false, "Show every app, not just backend.app_id")
	limit := fs.Int("n", 20, "Show at most this many messages per conversation (0 = all)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: chatsync history [options]")
		fmt.Println()
		fmt.Println("Print transcripts cached by earlier runs. Works offline.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if *limit < 0 {
		return errors.New("-n must be >= 0")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	path := cfg.CachePath()
	if path == "" {
		return errors.New("the history cache is disabled ([cache] disabled = true)")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no cached history at %s", path)
	}
	db, err := statedb.OpenAndMigrate(path)
	if err != nil {
		return err
	}
	defer db.Close()

	appID := cfg.Backend.AppID
	if *all {
		appID = ""
	}
	transcripts, err := session.NewCache(db).LoadTranscripts(appID)
	if err != nil {
		return err
	}
	for i := range transcripts {
		transcripts[i].Messages = filterMessages(transcripts[i].Messages, *filter, *limit)
	}

	out := NewCLIOutput(*jsonOutput, false)
	out.Print(renderHistory(os.Stdout, transcripts, time.Now()), historyJSON(transcripts))
	return nil
}

type messageSource []backend.Message

func (s messageSource) String(i int) string { return messageText(s[i]) }
func (s messageSource) Len() int            { return len(s) }

// filterMessages keeps fuzzy matches of pattern in transcript order, then
// the last limit of them.
func filterMessages(msgs []backend.Message, pattern string, limit int) []backend.Message {
	if pattern = strings.TrimSpace(pattern); pattern != "" {
		matches := fuzzy.FindFrom(pattern, messageSource(msgs))
		sort.Slice(matches, func(i, j int) bool { return matches[i].Index < matches[j].Index })
		kept := make([]backend.Message, 0, len(matches))
		for _, m := range matches {
			kept = append(kept, msgs[m.Index])
		}
		msgs = kept
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func messageText(m backend.Message) string {
	if m.IsImage {
		return "[image] " + m.ImageURL
	}
	return m.Content
}

func renderHistory(w io.Writer, transcripts []session.CachedTranscript, now time.Time) string {
	if len(transcripts) == 0 {
		return "No cached conversations.\n"
	}
	r := lipgloss.NewRenderer(w)
	head := r.NewStyle().Bold(true)
	dim := r.NewStyle().Faint(true)
	you := r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	agent := r.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)

	var b strings.Builder
	for i, t := range transcripts {
		if i > 0 {
			b.WriteString("\n")
		}
		id := t.Identity
		fmt.Fprintf(&b, "%s %s %s\n", bulletSymbol, head.Render(id.OpenID), dim.Render("("+id.AppID+")"))
		fmt.Fprintf(&b, "  %s\n", dim.Render(fmt.Sprintf("last seen %s · push %s · heartbeats %d ok / %d failed",
			formatAge(id.LastSeen, now), strings.ToLower(id.AuthState), t.Heartbeats.OK, t.Heartbeats.Failed)))
		if len(t.Messages) == 0 {
			fmt.Fprintf(&b, "  %s\n", dim.Render("(no messages)"))
			continue
		}
		for _, m := range t.Messages {
			who := agent.Render("support")
			if m.FromUser {
				who = you.Render("you    ")
			}
			stamp := ""
			if !m.CreatedAt.IsZero() {
				stamp = m.CreatedAt.Local().Format("2006-01-02 15:04") + " "
			}
			fmt.Fprintf(&b, "  %s%s  %s\n", dim.Render(stamp), who, messageText(m))
		}
	}
	return b.String()
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

type historyEntry struct {
	OpenID     string            `json:"open_id"`
	AppID      string            `json:"app_id"`
	AuthState  string            `json:"auth_state"`
	LastSeen   time.Time         `json:"last_seen"`
	SavedAt    time.Time         `json:"saved_at"`
	Heartbeats map[string]int    `json:"heartbeats"`
	Messages   []backend.Message `json:"messages"`
}

func historyJSON(transcripts []session.CachedTranscript) []historyEntry {
	out := make([]historyEntry, 0, len(transcripts))
	for _, t := range transcripts {
		msgs := t.Messages
		if msgs == nil {
			msgs = []backend.Message{}
		}
		out = append(out, historyEntry{
			OpenID:     t.Identity.OpenID,
			AppID:      t.Identity.AppID,
			AuthState:  t.Identity.AuthState,
			LastSeen:   t.Identity.LastSeen,
			SavedAt:    t.SavedAt,
			Heartbeats: map[string]int{"ok": t.Heartbeats.OK, "failed": t.Heartbeats.Failed},
			Messages:   msgs,
		})
	}
	return out
}
