package session

import (
	"sync"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
)

// Snapshot is an immutable copy of the view.
type Snapshot struct {
	Messages  []backend.Message
	Version   uint64
	UpdatedAt time.Time
}

// MessageView is the locally held transcript. The only mutation is a
// wholesale Replace; there is no merge or dedup.
type MessageView struct {
	mu     sync.RWMutex
	snap   Snapshot
	closed bool
	subs   map[int]chan Snapshot
	nextID int
	now    func() time.Time
}

// NewMessageView returns an empty, open view.
func NewMessageView() *MessageView {
	return &MessageView{
		subs: make(map[int]chan Snapshot),
		now:  time.Now,
	}
}

// Replace swaps in msgs and notifies subscribers. It returns false once the
// view is closed, so late results from requests that outlived the view are
// dropped.
func (v *MessageView) Replace(msgs []backend.Message) bool {
	_, ok := v.replace(msgs)
	return ok
}

// replace is Replace that also reports the version it installed.
func (v *MessageView) replace(msgs []backend.Message) (uint64, bool) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, false
	}
	cp := make([]backend.Message, len(msgs))
	copy(cp, msgs)
	v.snap = Snapshot{
		Messages:  cp,
		Version:   v.snap.Version + 1,
		UpdatedAt: v.now(),
	}
	for _, ch := range v.subs {
		offerLatest(ch, v.snap)
	}
	version := v.snap.Version
	v.mu.Unlock()
	return version, true
}

// offerLatest delivers snap without blocking, replacing an unread older
// snapshot so slow readers always see the newest state.
func offerLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Snapshot returns the current state. Callers must not modify Messages.
func (v *MessageView) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

// Len returns the number of messages held.
func (v *MessageView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.snap.Messages)
}

// Subscribe returns a channel that receives the newest snapshot after each
// Replace, and a cancel function. The channel is closed by cancel or Close.
func (v *MessageView) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			if c, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(c)
			}
			v.mu.Unlock()
		})
	}
}

// Close stops accepting replacements and closes subscriber channels.
func (v *MessageView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}

// Closed reports whether Close was called.
func (v *MessageView) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}

// NewAgentMessages returns messages in next that were not in prev and were
// written by the agent.
func NewAgentMessages(prev, next []backend.Message) []backend.Message {
	seen := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		seen[m.Key()] = struct{}{}
	}
	var out []backend.Message
	for _, m := range next {
		if m.FromUser {
			continue
		}
		if _, ok := seen[m.Key()]; !ok {
			out = append(out, m)
		}
	}
	return out
}
