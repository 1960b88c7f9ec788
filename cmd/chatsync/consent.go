package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kefu-chat/chatsync/internal/session"
)

// lineConsent asks on a terminal line instead of a modal. It is used by
// one-shot commands when consent.mode is prompt and stdin is a terminal.
type lineConsent struct {
	in  *bufio.Reader
	out io.Writer
}

func newLineConsent(in io.Reader, out io.Writer) *lineConsent {
	return &lineConsent{in: bufio.NewReader(in), out: out}
}

func (c *lineConsent) Prompt(_ context.Context, templateIDs []string) <-chan session.ConsentResult {
	out := make(chan session.ConsentResult, 1)
	fmt.Fprint(c.out, "Get notified when support replies? [y]es / [n]o / [b]lock: ")

	go func() {
		defer close(out)
		line, err := c.in.ReadString('\n')
		if err != nil && line == "" {
			out <- session.ConsentResult{Err: fmt.Errorf("read answer: %w", err)}
			return
		}
		decision := parseDecision(line)
		decisions := make(map[string]string, len(templateIDs))
		if decision != "" {
			for _, id := range templateIDs {
				decisions[id] = decision
			}
		}
		out <- session.ConsentResult{Decisions: decisions}
	}()
	return out
}

// parseDecision maps a typed answer onto a consent decision. Anything
// unrecognized is no decision, which leaves the request pending.
func parseDecision(answer string) string {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "a", "accept":
		return session.DecisionAccept
	case "n", "no", "r", "reject":
		return session.DecisionReject
	case "b", "block", "ban":
		return session.DecisionBan
	default:
		return ""
	}
}
