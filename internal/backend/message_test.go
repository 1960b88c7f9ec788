package backend

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePreservesRawRecord(t *testing.T) {
	raw := `{"ID":7,"CreatedAt":"2024-05-01T10:00:00.5Z","UpdatedAt":"2024-05-01T10:00:00Z","DeletedAt":null,"UserID":3,"CustomerServiceID":1,"Content":"hello","FromUser":false,"IsImage":false,"ImageURL":"","IsRead":true,"UserRead":false,"IsDeleted":false}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, uint64(7), m.ID)
	assert.Equal(t, "hello", m.Content)
	assert.True(t, m.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.UTC)))
	assert.Equal(t, "7", m.Key())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out))
}

func TestMessageToleratesOddFields(t *testing.T) {
	var msgs []Message
	require.NoError(t, json.Unmarshal([]byte(`[{"ID":"x","CreatedAt":12,"Content":"a","extra":{"k":1}}]`), &msgs))
	require.Len(t, msgs, 1)
	assert.Zero(t, msgs[0].ID)
	assert.True(t, msgs[0].CreatedAt.IsZero())
	assert.Equal(t, "a", msgs[0].Content)
	assert.Contains(t, msgs[0].Key(), "h:")

	var bad Message
	assert.Error(t, json.Unmarshal([]byte(`"not an object"`), &bad))
}

func TestMessageBuiltInCode(t *testing.T) {
	m := Message{ID: 2, Content: "c", FromUser: true}
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "c", back.Content)
	assert.True(t, back.FromUser)
	assert.Equal(t, "user", back.Sender())
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "https://cdn/a.png", Message{IsImage: true, ImageURL: "https://cdn/a.png", Content: ""}.Text())
	assert.Equal(t, "hi", Message{Content: "hi"}.Text())
}
