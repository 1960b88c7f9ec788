package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var authLog = logging.ForComponent(logging.CompAuth)

// ErrDialogClosed means the consent dialog ended without a result.
var ErrDialogClosed = errors.New("session: consent dialog closed without a result")

// AuthStore persists consent state changes. Optional.
type AuthStore interface {
	RecordAuthState(openID string, state AuthState) error
}

// AuthorizationSequencer asks for push notification consent at most once per
// session. Only a failure of the dialog itself rolls the state back so a
// later send may ask again.
type AuthorizationSequencer struct {
	session          *Session
	dialog           ConsentDialog
	api              SubscribeAPI
	notifier         Notifier
	store            AuthStore
	skipIfSubscribed bool

	inflight sync.WaitGroup
}

// SequencerOption configures an AuthorizationSequencer.
type SequencerOption func(*AuthorizationSequencer)

// WithAuthStore records every state change.
func WithAuthStore(store AuthStore) SequencerOption {
	return func(a *AuthorizationSequencer) { a.store = store }
}

// WithSkipIfSubscribed accepts without prompting when login reported an
// existing subscription.
func WithSkipIfSubscribed(skip bool) SequencerOption {
	return func(a *AuthorizationSequencer) { a.skipIfSubscribed = skip }
}

// NewAuthorizationSequencer returns a sequencer. notifier may be nil.
func NewAuthorizationSequencer(s *Session, dialog ConsentDialog, api SubscribeAPI, notifier Notifier, opts ...SequencerOption) *AuthorizationSequencer {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	a := &AuthorizationSequencer{session: s, dialog: dialog, api: api, notifier: notifier}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request opens the consent dialog if a template id exists and consent was
// never requested. It returns once the dialog is showing and reports whether
// it opened one; the user's decision is handled in the background.
//
// The state moves to REQUESTED before the dialog opens, so a concurrent
// caller sees a no-op.
func (a *AuthorizationSequencer) Request(ctx context.Context) bool {
	templateID := a.session.TemplateID()
	if templateID == "" {
		return false
	}
	if !a.transition(AuthNotRequested, AuthRequested) {
		return false
	}

	if a.skipIfSubscribed && a.session.Subscribed() {
		a.transition(AuthRequested, AuthAccepted)
		authLog.Info("consent_skipped", slog.String("reason", "already subscribed"))
		return false
	}

	authLog.Info("consent_prompt", slog.String("template_id", templateID))
	results := a.dialog.Prompt(ctx, []string{templateID})

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		res, ok := <-results
		if !ok {
			res = ConsentResult{Err: ErrDialogClosed}
		}
		a.resolve(context.WithoutCancel(ctx), templateID, res)
	}()
	return true
}

func (a *AuthorizationSequencer) resolve(ctx context.Context, templateID string, res ConsentResult) {
	if res.Err != nil {
		if a.transition(AuthRequested, AuthNotRequested) {
			authLog.Warn("consent_dialog_failed", slog.String("error", res.Err.Error()))
			a.notifier.Notify(NewNotice(NoticeConsentFailed))
		}
		return
	}

	decision := res.Decisions[templateID]
	switch decision {
	case DecisionAccept:
		if !a.transition(AuthRequested, AuthAccepted) {
			return
		}
		authLog.Info("consent_accepted", slog.String("template_id", templateID))
		a.subscribe(ctx)
	case DecisionReject:
		if a.transition(AuthRequested, AuthRejected) {
			authLog.Info("consent_rejected", slog.String("template_id", templateID))
			a.notifier.Notify(NewNotice(NoticeConsentRejected))
		}
	case DecisionBan:
		if a.transition(AuthRequested, AuthBanned) {
			authLog.Info("consent_banned", slog.String("template_id", templateID))
			a.notifier.Notify(NewNotice(NoticeConsentBanned))
		}
	default:
		// Unrecognized decisions leave the session in REQUESTED.
		authLog.Warn("consent_unknown_decision",
			slog.String("template_id", templateID),
			slog.String("decision", decision))
	}
}

// subscribe tells the backend about an accepted consent. Failures are
// logged; the local state stays ACCEPTED.
func (a *AuthorizationSequencer) subscribe(ctx context.Context) {
	openID := a.session.OpenID()
	if err := a.api.Subscribe(ctx, backend.SubscribeRequest{OpenID: openID}); err != nil {
		authLog.Warn("subscribe_failed", slog.String("error", err.Error()))
		return
	}
	authLog.Info("subscribe_ok")
	a.notifier.Notify(NewNotice(NoticeSubscribed))
}

func (a *AuthorizationSequencer) transition(from, to AuthState) bool {
	if !a.session.transitionAuth(from, to) {
		return false
	}
	authLog.Debug("auth_state", slog.String("from", from.String()), slog.String("to", to.String()))
	if a.store != nil {
		if err := a.store.RecordAuthState(a.session.OpenID(), to); err != nil {
			authLog.Warn("auth_store_failed", slog.String("error", err.Error()))
		}
	}
	return true
}

// Wait blocks until every open dialog has resolved and its follow-up calls
// have finished.
func (a *AuthorizationSequencer) Wait() {
	a.inflight.Wait()
}
