package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var syncLog = logging.ForComponent(logging.CompSync)

// DefaultHistoryInterval is the polling period.
const DefaultHistoryInterval = 5 * time.Second

// ErrNotIdentified is returned by one-shot operations that need an identity.
var ErrNotIdentified = errors.New("session: not identified")

// ErrViewClosed means a pull finished after the view was torn down.
var ErrViewClosed = errors.New("session: view closed")

// HistoryCache receives each accepted transcript. Optional; errors are
// logged only.
type HistoryCache interface {
	SaveHistory(openID string, msgs []backend.Message) error
}

// HistorySynchronizer polls the full transcript and replaces the view with
// it. Pulls may overlap; whichever finishes last wins.
type HistorySynchronizer struct {
	session  *Session
	api      HistoryAPI
	view     *MessageView
	cache    HistoryCache
	interval time.Duration

	inflight sync.WaitGroup

	// saveMu orders cache writes by view version so the cache never ends up
	// older than the view.
	saveMu       sync.Mutex
	savedVersion uint64
}

// NewHistorySynchronizer returns a synchronizer. interval <= 0 means the
// default; cache may be nil.
func NewHistorySynchronizer(s *Session, api HistoryAPI, view *MessageView, cache HistoryCache, interval time.Duration) *HistorySynchronizer {
	if interval <= 0 {
		interval = DefaultHistoryInterval
	}
	return &HistorySynchronizer{session: s, api: api, view: view, cache: cache, interval: interval}
}

// View returns the view this synchronizer replaces.
func (h *HistorySynchronizer) View() *MessageView {
	return h.view
}

// Sync pulls once. Without an identity it returns ErrNotIdentified without
// a request. On any failure the view is left untouched.
func (h *HistorySynchronizer) Sync(ctx context.Context) error {
	id, ok := h.session.Identity()
	if !ok {
		return ErrNotIdentified
	}

	msgs, err := h.api.History(ctx, id.OpenID, id.AppID)
	if err != nil {
		logging.Aggregate(logging.CompSync, "history_pull_failed", slog.String("error", err.Error()))
		syncLog.Debug("history_pull_failed", slog.String("error", err.Error()))
		return err
	}

	version, ok := h.view.replace(msgs)
	if !ok {
		syncLog.Debug("history_discarded", slog.Int("messages", len(msgs)))
		return ErrViewClosed
	}
	logging.Aggregate(logging.CompSync, "history_pull_ok", slog.Int("messages", len(msgs)))

	h.persist(id.OpenID, version, msgs)
	return nil
}

// persist writes msgs through to the cache unless a newer view version has
// already been saved.
func (h *HistorySynchronizer) persist(openID string, version uint64, msgs []backend.Message) {
	if h.cache == nil {
		return
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	if version <= h.savedVersion {
		syncLog.Debug("history_cache_skipped",
			slog.Uint64("version", version),
			slog.Uint64("saved_version", h.savedVersion))
		return
	}
	if err := h.cache.SaveHistory(openID, msgs); err != nil {
		syncLog.Warn("history_cache_failed", slog.String("error", err.Error()))
		return
	}
	h.savedVersion = version
}

// Nudge runs one extra pull without waiting for it. The request is not
// cancelled when ctx is.
func (h *HistorySynchronizer) Nudge(ctx context.Context) {
	h.spawn(context.WithoutCancel(ctx))
}

func (h *HistorySynchronizer) spawn(ctx context.Context) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		_ = h.Sync(ctx)
	}()
}

// Run pulls every interval until ctx is done.
func (h *HistorySynchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	detached := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.spawn(detached)
		}
	}
}

// Wait blocks until every spawned pull has finished.
func (h *HistorySynchronizer) Wait() {
	h.inflight.Wait()
}
