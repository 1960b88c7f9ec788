package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var heartbeatLog = logging.ForComponent(logging.CompHeartbeat)

// DefaultHeartbeatInterval is the presence period.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatLedger records heartbeat outcomes. Optional.
type HeartbeatLedger interface {
	RecordHeartbeat(openID string, ok bool, detail string) error
}

// HeartbeatKeeper keeps server-side presence alive. Each tick or nudge fires
// its own request, with no overlap check and no backoff.
type HeartbeatKeeper struct {
	session  *Session
	api      HeartbeatAPI
	ledger   HeartbeatLedger
	interval time.Duration

	inflight sync.WaitGroup
}

// NewHeartbeatKeeper returns a keeper. interval <= 0 means the default.
func NewHeartbeatKeeper(s *Session, api HeartbeatAPI, ledger HeartbeatLedger, interval time.Duration) *HeartbeatKeeper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatKeeper{session: s, api: api, ledger: ledger, interval: interval}
}

// Beat sends one heartbeat if the session is identified. It reports whether
// a request was issued; failures are logged and swallowed.
func (k *HeartbeatKeeper) Beat(ctx context.Context) bool {
	id, ok := k.session.Identity()
	if !ok {
		return false
	}

	err := k.api.Heartbeat(ctx, backend.HeartbeatRequest{OpenID: id.OpenID, AppID: id.AppID})
	if err != nil {
		logging.Aggregate(logging.CompHeartbeat, "heartbeat_failed", slog.String("error", err.Error()))
		heartbeatLog.Debug("heartbeat_failed", slog.String("error", err.Error()))
	} else {
		logging.Aggregate(logging.CompHeartbeat, "heartbeat_ok")
	}

	if k.ledger != nil {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		if lerr := k.ledger.RecordHeartbeat(id.OpenID, err == nil, detail); lerr != nil {
			heartbeatLog.Warn("heartbeat_ledger_failed", slog.String("error", lerr.Error()))
		}
	}
	return true
}

// Nudge fires one extra beat without waiting for it. The request is not
// cancelled when ctx is.
func (k *HeartbeatKeeper) Nudge(ctx context.Context) {
	k.spawn(context.WithoutCancel(ctx))
}

func (k *HeartbeatKeeper) spawn(ctx context.Context) {
	k.inflight.Add(1)
	go func() {
		defer k.inflight.Done()
		k.Beat(ctx)
	}()
}

// Run beats every interval until ctx is done. Beats already in flight keep
// going after Run returns.
func (k *HeartbeatKeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	detached := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.spawn(detached)
		}
	}
}

// Wait blocks until every spawned beat has finished.
func (k *HeartbeatKeeper) Wait() {
	k.inflight.Wait()
}
