package backend

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Message is one chat record as returned by the history endpoint. The
// client treats it as opaque: known fields are decoded for display, and the
// exact bytes received are kept and re-emitted by MarshalJSON.
type Message struct {
	ID        uint64
	CreatedAt time.Time
	Content   string
	FromUser  bool
	IsImage   bool
	ImageURL  string
	UserRead  bool

	raw json.RawMessage
}

type wireMessage struct {
	ID        uint64 `json:"ID"`
	CreatedAt string `json:"CreatedAt"`
	Content   string `json:"Content"`
	FromUser  bool   `json:"FromUser"`
	IsImage   bool   `json:"IsImage"`
	ImageURL  string `json:"ImageURL"`
	UserRead  bool   `json:"UserRead"`
}

// UnmarshalJSON keeps the raw record. Unknown or oddly typed fields never
// fail decoding as long as the record is a JSON object.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var w wireMessage
	decodeField(fields, "ID", &w.ID)
	decodeField(fields, "CreatedAt", &w.CreatedAt)
	decodeField(fields, "Content", &w.Content)
	decodeField(fields, "FromUser", &w.FromUser)
	decodeField(fields, "IsImage", &w.IsImage)
	decodeField(fields, "ImageURL", &w.ImageURL)
	decodeField(fields, "UserRead", &w.UserRead)

	*m = Message{
		ID:       w.ID,
		Content:  w.Content,
		FromUser: w.FromUser,
		IsImage:  w.IsImage,
		ImageURL: w.ImageURL,
		UserRead: w.UserRead,
		raw:      append(json.RawMessage(nil), bytes.TrimSpace(data)...),
	}
	if w.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			m.CreatedAt = ts
		}
	}
	return nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) {
	if v, ok := fields[key]; ok {
		_ = json.Unmarshal(v, dst)
	}
}

// MarshalJSON returns the record exactly as received. Messages built in
// code are encoded from their known fields.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	w := wireMessage{
		ID:       m.ID,
		Content:  m.Content,
		FromUser: m.FromUser,
		IsImage:  m.IsImage,
		ImageURL: m.ImageURL,
		UserRead: m.UserRead,
	}
	if !m.CreatedAt.IsZero() {
		w.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// Raw returns the bytes the record was decoded from, nil for messages built
// in code.
func (m Message) Raw() json.RawMessage {
	return m.raw
}

// Key identifies a message across history pulls: the backend ID when
// present, otherwise a digest of the raw record.
func (m Message) Key() string {
	if m.ID != 0 {
		return strconv.FormatUint(m.ID, 10)
	}
	b, _ := m.MarshalJSON()
	sum := sha1.Sum(b)
	return "h:" + hex.EncodeToString(sum[:8])
}

// Sender is "user" for messages the end user wrote, "agent" otherwise.
func (m Message) Sender() string {
	if m.FromUser {
		return "user"
	}
	return "agent"
}

// Text is the display body: the content, or the image URL for images.
func (m Message) Text() string {
	if m.IsImage && m.ImageURL != "" {
		return m.ImageURL
	}
	return m.Content
}
