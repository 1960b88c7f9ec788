package web

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kefu-chat/chatsync/internal/session"
)

var (
	// ErrNoConsentSurface fails a prompt when no browser is attached to show it.
	ErrNoConsentSurface = errors.New("no browser attached to show the consent prompt")
	// ErrUnknownConsentRequest means the request was already answered or never existed.
	ErrUnknownConsentRequest = errors.New("unknown consent request")
)

// ConsentRequest is one prompt waiting for a browser answer.
type ConsentRequest struct {
	ID          string    `json:"id"`
	TemplateIDs []string  `json:"templateIds"`
	CreatedAt   time.Time `json:"createdAt"`
}

type pendingConsent struct {
	req ConsentRequest
	ch  chan session.ConsentResult
}

// ConsentBroker is the session.ConsentDialog of the web view. Prompts are
// fanned out to every attached browser and the first answer wins. With no
// browser attached the dialog fails at once, which rolls the session back
// so a later send asks again.
type ConsentBroker struct {
	mu       sync.Mutex
	pending  map[string]*pendingConsent
	watchers map[int]chan ConsentRequest
	nextID   int
}

// NewConsentBroker returns a broker with no attached browsers.
func NewConsentBroker() *ConsentBroker {
	return &ConsentBroker{
		pending:  make(map[string]*pendingConsent),
		watchers: make(map[int]chan ConsentRequest),
	}
}

func (b *ConsentBroker) Prompt(_ context.Context, templateIDs []string) <-chan session.ConsentResult {
	ch := make(chan session.ConsentResult, 1)

	b.mu.Lock()
	if len(b.watchers) == 0 {
		b.mu.Unlock()
		ch <- session.ConsentResult{Err: ErrNoConsentSurface}
		close(ch)
		return ch
	}
	req := ConsentRequest{
		ID:          uuid.NewString(),
		TemplateIDs: append([]string(nil), templateIDs...),
		CreatedAt:   time.Now().UTC(),
	}
	b.pending[req.ID] = &pendingConsent{req: req, ch: ch}
	for _, w := range b.watchers {
		select {
		case w <- req:
		default:
			// A slow browser still sees it through Pending on reconnect.
		}
	}
	watchers := len(b.watchers)
	b.mu.Unlock()

	webLog.Info("consent_prompt_sent", slog.String("id", req.ID), slog.Int("browsers", watchers))
	return ch
}

// Resolve answers a pending prompt.
func (b *ConsentBroker) Resolve(id string, res session.ConsentResult) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownConsentRequest
	}
	p.ch <- res
	close(p.ch)
	return nil
}

// Pending returns unanswered prompts, oldest first.
func (b *ConsentBroker) Pending() []ConsentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConsentRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sortConsentRequests(out)
	return out
}

// Watch attaches a browser. The returned cancel detaches it; when the last
// browser detaches, unanswered prompts fail.
func (b *ConsentBroker) Watch() (<-chan ConsentRequest, func()) {
	ch := make(chan ConsentRequest, 4)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watchers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, id)
			last := len(b.watchers) == 0
			b.mu.Unlock()
			if last {
				b.FailPending(ErrNoConsentSurface)
			}
		})
	}
}

// Watchers returns the number of attached browsers.
func (b *ConsentBroker) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

// FailPending fails every unanswered prompt with err.
func (b *ConsentBroker) FailPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingConsent)
	b.mu.Unlock()
	for _, p := range pending {
		p.ch <- session.ConsentResult{Err: err}
		close(p.ch)
	}
}

func sortConsentRequests(reqs []ConsentRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
