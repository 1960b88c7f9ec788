package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/kefu-chat/chatsync/internal/session"
)

// ErrConsentUnavailable is the dialog failure a "fail" scripted consent
// reports.
var ErrConsentUnavailable = errors.New("consent dialog unavailable")

// ScriptedConsent answers every consent prompt with a fixed decision. It
// stands in for the modal dialog in headless runs.
type ScriptedConsent struct {
	decision string
	fail     bool
}

// NewScriptedConsent maps a configured mode onto a dialog. Mode is one of
// accept, reject, ban or fail.
func NewScriptedConsent(mode string) (*ScriptedConsent, error) {
	switch mode {
	case session.DecisionAccept, session.DecisionReject, session.DecisionBan:
		return &ScriptedConsent{decision: mode}, nil
	case "fail":
		return &ScriptedConsent{fail: true}, nil
	default:
		return nil, fmt.Errorf("unsupported consent mode %q", mode)
	}
}

func (s *ScriptedConsent) Prompt(ctx context.Context, templateIDs []string) <-chan session.ConsentResult {
	ch := make(chan session.ConsentResult, 1)
	switch {
	case ctx.Err() != nil:
		ch <- session.ConsentResult{Err: ctx.Err()}
	case s.fail:
		ch <- session.ConsentResult{Err: ErrConsentUnavailable}
	default:
		decisions := make(map[string]string, len(templateIDs))
		for _, id := range templateIDs {
			decisions[id] = s.decision
		}
		ch <- session.ConsentResult{Decisions: decisions}
	}
	close(ch)
	return ch
}
