package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var identityLog = logging.ForComponent(logging.CompIdentity)

// ErrNoAppID means the session was built without an application id.
var ErrNoAppID = errors.New("session: app id is not configured")

// IdentityStore records resolved identities. Optional.
type IdentityStore interface {
	RecordIdentity(id Identity, templateID string, subscribed bool) error
}

// IdentityResolver runs the login handshake once per session.
type IdentityResolver struct {
	session     *Session
	credentials CredentialIssuer
	api         LoginAPI
	heartbeat   Nudger
	store       IdentityStore
}

// NewIdentityResolver wires a resolver. heartbeat and store may be nil.
func NewIdentityResolver(s *Session, credentials CredentialIssuer, api LoginAPI, heartbeat Nudger, store IdentityStore) *IdentityResolver {
	return &IdentityResolver{
		session:     s,
		credentials: credentials,
		api:         api,
		heartbeat:   heartbeat,
		store:       store,
	}
}

// Resolve obtains a login code, exchanges it for an identity and stores it
// on the session, then fires one immediate heartbeat. Any failure leaves the
// session unidentified; nothing is retried.
func (r *IdentityResolver) Resolve(ctx context.Context) error {
	if _, ok := r.session.Identity(); ok {
		return ErrAlreadyIdentified
	}
	appID := r.session.AppID()
	if appID == "" {
		identityLog.Error("login_skipped", slog.String("reason", "no app id"))
		return ErrNoAppID
	}

	code, err := r.credentials.LoginCode(ctx)
	if err != nil {
		identityLog.Error("login_code_failed", slog.String("error", err.Error()))
		return fmt.Errorf("obtain login code: %w", err)
	}

	resp, err := r.api.Login(ctx, backend.LoginRequest{Code: code, AppID: appID})
	if err != nil {
		identityLog.Error("login_failed",
			slog.String("app_id", appID),
			slog.String("error", err.Error()))
		return fmt.Errorf("login: %w", err)
	}

	if strings.TrimSpace(resp.OpenID) == "" {
		identityLog.Error("login_failed",
			slog.String("app_id", appID),
			slog.String("error", backend.ErrMissingOpenID.Error()))
		return fmt.Errorf("login: %w", backend.ErrMissingOpenID)
	}

	if err := r.session.setIdentity(resp.OpenID, resp.TemplateID, resp.Subscribed); err != nil {
		return err
	}
	identityLog.Info("login_ok",
		slog.String("app_id", appID),
		slog.String("open_id", resp.OpenID),
		slog.Bool("has_template", resp.TemplateID != ""),
		slog.Bool("subscribed", resp.Subscribed))

	if r.store != nil {
		id, _ := r.session.Identity()
		if err := r.store.RecordIdentity(id, resp.TemplateID, resp.Subscribed); err != nil {
			identityLog.Warn("identity_store_failed", slog.String("error", err.Error()))
		}
	}
	if r.heartbeat != nil {
		r.heartbeat.Nudge(ctx)
	}
	return nil
}
