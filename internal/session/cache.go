package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

// Cache adapts a statedb.StateDB to the optional stores the components
// accept. It is write-through only: the live view never reads from it.
type Cache struct {
	db *statedb.StateDB
}

// NewCache wraps db.
func NewCache(db *statedb.StateDB) *Cache {
	return &Cache{db: db}
}

func (c *Cache) SaveHistory(openID string, msgs []backend.Message) error {
	rows := make([]statedb.MessageRow, 0, len(msgs))
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		rows = append(rows, statedb.MessageRow{
			Key:       m.Key(),
			Sender:    m.Sender(),
			CreatedAt: m.CreatedAt,
			Body:      body,
		})
	}
	return c.db.SaveHistory(openID, rows)
}

func (c *Cache) RecordIdentity(id Identity, templateID string, subscribed bool) error {
	return c.db.SaveSession(statedb.SessionRow{
		OpenID:     id.OpenID,
		AppID:      id.AppID,
		TemplateID: templateID,
		Subscribed: subscribed,
		AuthState:  AuthNotRequested.String(),
	})
}

func (c *Cache) RecordAuthState(openID string, state AuthState) error {
	if openID == "" {
		return nil
	}
	return c.db.SetAuthState(openID, state.String())
}

func (c *Cache) RecordHeartbeat(openID string, ok bool, detail string) error {
	return c.db.RecordHeartbeat(openID, ok, detail)
}

// CachedTranscript is a transcript read back from the cache.
type CachedTranscript struct {
	Identity   statedb.SessionRow
	Messages   []backend.Message
	SavedAt    time.Time
	Heartbeats statedb.HeartbeatStats
}

// LoadTranscripts returns cached transcripts for appID, newest identity
// first. An empty appID returns every identity.
func (c *Cache) LoadTranscripts(appID string) ([]CachedTranscript, error) {
	sessions, err := c.db.LoadSessions(appID)
	if err != nil {
		return nil, err
	}
	out := make([]CachedTranscript, 0, len(sessions))
	for _, s := range sessions {
		rows, saved, err := c.db.LoadHistory(s.OpenID)
		if err != nil {
			return nil, err
		}
		msgs := make([]backend.Message, 0, len(rows))
		for _, r := range rows {
			var m backend.Message
			if err := json.Unmarshal(r.Body, &m); err != nil {
				return nil, fmt.Errorf("decode cached message %s: %w", r.Key, err)
			}
			msgs = append(msgs, m)
		}
		hb, err := c.db.HeartbeatStats(s.OpenID)
		if err != nil {
			return nil, err
		}
		out = append(out, CachedTranscript{Identity: s, Messages: msgs, SavedAt: saved, Heartbeats: hb})
	}
	return out, nil
}
