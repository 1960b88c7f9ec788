package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures an Engine.
type Options struct {
	AppID       string
	Backend     Backend
	Credentials CredentialIssuer
	Consent     ConsentDialog
	Picker      ImagePicker
	Notifier    Notifier

	// Cache is optional.
	Cache *Cache

	HistoryInterval   time.Duration
	HeartbeatInterval time.Duration

	SkipConsentIfSubscribed bool
}

// Engine owns one session and its components for the lifetime of a view.
// Start runs identity resolution once and starts both loops; Close stops
// them together.
type Engine struct {
	Session    *Session
	View       *MessageView
	Resolver   *IdentityResolver
	Heartbeat  *HeartbeatKeeper
	History    *HistorySynchronizer
	Auth       *AuthorizationSequencer
	Dispatcher *Dispatcher

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	group      *errgroup.Group
	resolving  sync.WaitGroup
	resolveErr error
	closeOnce  sync.Once
}

// New wires the components. Backend, Credentials and Consent are required.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("session: credential issuer is required")
	}
	if opts.Consent == nil {
		return nil, errors.New("session: consent dialog is required")
	}
	if opts.AppID == "" {
		return nil, ErrNoAppID
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}

	s := NewSession(opts.AppID)
	view := NewMessageView()

	var (
		historyCache HistoryCache
		ledger       HeartbeatLedger
		identities   IdentityStore
		seqOpts      = []SequencerOption{WithSkipIfSubscribed(opts.SkipConsentIfSubscribed)}
	)
	if opts.Cache != nil {
		historyCache = opts.Cache
		ledger = opts.Cache
		identities = opts.Cache
		seqOpts = append(seqOpts, WithAuthStore(opts.Cache))
	}

	keeper := NewHeartbeatKeeper(s, opts.Backend, ledger, opts.HeartbeatInterval)
	history := NewHistorySynchronizer(s, opts.Backend, view, historyCache, opts.HistoryInterval)
	auth := NewAuthorizationSequencer(s, opts.Consent, opts.Backend, opts.Notifier, seqOpts...)

	return &Engine{
		Session:   s,
		View:      view,
		Resolver:  NewIdentityResolver(s, opts.Credentials, opts.Backend, keeper, identities),
		Heartbeat: keeper,
		History:   history,
		Auth:      auth,
		Dispatcher: NewDispatcher(s, DispatcherDeps{
			Sender:    opts.Backend,
			Uploader:  opts.Backend,
			Picker:    opts.Picker,
			Auth:      auth,
			History:   history,
			Heartbeat: keeper,
			Notifier:  opts.Notifier,
		}),
	}, nil
}

// Start begins the session. It returns immediately; identity resolution
// runs in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("session: engine already started")
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	e.group = g

	g.Go(func() error { return e.Heartbeat.Run(gctx) })
	g.Go(func() error { return e.History.Run(gctx) })

	e.resolving.Add(1)
	go func() {
		defer e.resolving.Done()
		err := e.Resolver.Resolve(context.WithoutCancel(loopCtx))
		if err != nil {
			identityLog.Warn("session_inert", slog.String("error", err.Error()))
		}
		e.mu.Lock()
		e.resolveErr = err
		e.mu.Unlock()
	}()
	return nil
}

// WaitIdentified blocks until the session has an identity, resolution has
// failed, or ctx is done.
func (e *Engine) WaitIdentified(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.resolving.Wait()
		close(done)
	}()
	select {
	case <-e.Session.Identified():
		return nil
	case <-done:
		if _, ok := e.Session.Identity(); ok {
			return nil
		}
		e.mu.Lock()
		err := e.resolveErr
		e.mu.Unlock()
		if err == nil {
			err = ErrNotIdentified
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both loops and waits for them to exit, then closes the view
// so results of requests still in flight are discarded. Safe to call more
// than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		cancel, g := e.cancel, e.group
		e.mu.Unlock()
		if cancel != nil {
			cancel()
			err = g.Wait()
		}
		e.View.Close()
	})
	return err
}

// Drain waits for background work started by the engine: identity
// resolution, nudged or ticked requests and consent follow-ups. One-shot
// commands call it before exiting.
func (e *Engine) Drain() {
	e.resolving.Wait()
	e.Auth.Wait()
	e.History.Wait()
	e.Heartbeat.Wait()
}
