package web

import (
	"sync"

	"github.com/kefu-chat/chatsync/internal/session"
)

const recentNotices = 20

// NoticeHub is the session.Notifier of the web view. Notices fan out to
// every attached browser; slow browsers miss notices rather than block.
type NoticeHub struct {
	mu     sync.Mutex
	subs   map[int]chan session.Notice
	nextID int
	recent []session.Notice
}

// NewNoticeHub returns an empty hub.
func NewNoticeHub() *NoticeHub {
	return &NoticeHub{subs: make(map[int]chan session.Notice)}
}

func (h *NoticeHub) Notify(n session.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, n)
	if len(h.recent) > recentNotices {
		h.recent = h.recent[len(h.recent)-recentNotices:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a notice channel and its cancel function.
func (h *NoticeHub) Subscribe() (<-chan session.Notice, func()) {
	ch := make(chan session.Notice, 8)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Recent returns the last notices, oldest first.
func (h *NoticeHub) Recent() []session.Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.Notice(nil), h.recent...)
}
