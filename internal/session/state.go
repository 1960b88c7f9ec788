// Package session is the chat synchronization engine: identity resolution,
// presence heartbeats, history polling, the one-time push consent handshake
// and outbound sends, all sharing one Session.
package session

import (
	"errors"
	"sync"

	"github.com/kefu-chat/chatsync/internal/backend"
)

// AuthState is the push notification consent state of a session.
type AuthState int

const (
	AuthNotRequested AuthState = iota
	AuthRequested
	AuthAccepted
	AuthRejected
	AuthBanned
)

func (s AuthState) String() string {
	switch s {
	case AuthNotRequested:
		return "NOT_REQUESTED"
	case AuthRequested:
		return "REQUESTED"
	case AuthAccepted:
		return "ACCEPTED"
	case AuthRejected:
		return "REJECTED"
	case AuthBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s AuthState) Terminal() bool {
	return s == AuthAccepted || s == AuthRejected || s == AuthBanned
}

// authTransitions lists every legal move. Requested -> NotRequested is the
// rollback taken when the consent dialog itself fails.
var authTransitions = map[AuthState][]AuthState{
	AuthNotRequested: {AuthRequested},
	AuthRequested:    {AuthNotRequested, AuthAccepted, AuthRejected, AuthBanned},
}

func authTransitionAllowed(from, to AuthState) bool {
	for _, s := range authTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrAlreadyIdentified is returned when an identity is set twice.
var ErrAlreadyIdentified = errors.New("session: identity already set")

// Identity is the (appID, openID) pair every backend call carries.
type Identity struct {
	AppID  string
	OpenID string
}

// Session holds the state shared by all components.
//
// Writers are fixed: the identity fields are set once, only by
// IdentityResolver; the consent state changes only through
// AuthorizationSequencer. Everything else reads.
type Session struct {
	mu         sync.RWMutex
	appID      string
	openID     string
	templateID string
	subscribed bool
	auth       AuthState

	identified chan struct{}
}

// NewSession returns an unidentified session for appID.
func NewSession(appID string) *Session {
	return &Session{
		appID:      appID,
		identified: make(chan struct{}),
	}
}

// Identity returns the current pair and whether both halves are set.
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := Identity{AppID: s.appID, OpenID: s.openID}
	return id, id.AppID != "" && id.OpenID != ""
}

// AppID returns the configured application id.
func (s *Session) AppID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appID
}

// OpenID returns the resolved identity, "" until login succeeds.
func (s *Session) OpenID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID
}

// TemplateID returns the push template id, "" when none was issued.
func (s *Session) TemplateID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templateID
}

// Subscribed reports whether login said the user already consented in an
// earlier session.
func (s *Session) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// AuthState returns the consent state.
func (s *Session) AuthState() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

// AuthorizationRequested is true once the consent dialog has been shown and
// not rolled back.
func (s *Session) AuthorizationRequested() bool {
	return s.AuthState() != AuthNotRequested
}

// Identified is closed when the identity is set.
func (s *Session) Identified() <-chan struct{} {
	return s.identified
}

// setIdentity is called only by IdentityResolver.
func (s *Session) setIdentity(openID, templateID string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openID != "" {
		return ErrAlreadyIdentified
	}
	if openID == "" {
		return backend.ErrMissingOpenID
	}
	s.openID = openID
	s.templateID = templateID
	s.subscribed = subscribed
	close(s.identified)
	return nil
}

// transitionAuth moves from -> to if the session is currently in from and
// the move is legal. Called only by AuthorizationSequencer.
func (s *Session) transitionAuth(from, to AuthState) bool {
	if !authTransitionAllowed(from, to) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != from {
		return false
	}
	s.auth = to
	return true
}
