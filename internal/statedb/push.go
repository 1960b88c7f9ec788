package statedb

import (
	"database/sql"
	"time"
)

// PushSubscriptionRow is one browser registered for Web Push. Focused is nil
// until the browser first reports its presence.
type PushSubscriptionRow struct {
	Endpoint  string
	P256DH    string
	Auth      string
	Focused   *bool
	FocusAt   time.Time
	CreatedAt time.Time
}

// UpsertPushSubscription inserts or refreshes a subscription. A row without
// focus information keeps the focus already stored for the endpoint.
func (s *StateDB) UpsertPushSubscription(row PushSubscriptionRow) error {
	now := time.Now()
	var focused sql.NullInt64
	var focusAt int64
	if row.Focused != nil {
		focused = sql.NullInt64{Int64: int64(boolInt(*row.Focused)), Valid: true}
		if row.FocusAt.IsZero() {
			row.FocusAt = now
		}
		focusAt = row.FocusAt.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, focused, focus_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			focused = COALESCE(excluded.focused, push_subscriptions.focused),
			focus_at = CASE WHEN excluded.focused IS NULL THEN push_subscriptions.focus_at ELSE excluded.focus_at END
	`, row.Endpoint, row.P256DH, row.Auth, focused, focusAt, now.UnixNano())
	return err
}

// SetPushFocus records whether the browser behind endpoint has the chat in
// view. Unknown endpoints are ignored.
func (s *StateDB) SetPushFocus(endpoint string, focused bool) error {
	_, err := s.db.Exec("UPDATE push_subscriptions SET focused = ?, focus_at = ? WHERE endpoint = ?",
		boolInt(focused), time.Now().UnixNano(), endpoint)
	return err
}

// RemovePushSubscription deletes the subscription for endpoint, if any.
func (s *StateDB) RemovePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

// ListPushSubscriptions returns every subscription, oldest first.
func (s *StateDB) ListPushSubscriptions() ([]PushSubscriptionRow, error) {
	rows, err := s.db.Query(`
		SELECT endpoint, p256dh, auth, focused, focus_at, created_at
		FROM push_subscriptions ORDER BY created_at, endpoint
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscriptionRow
	for rows.Next() {
		var r PushSubscriptionRow
		var focused sql.NullInt64
		var focusAt, created int64
		if err := rows.Scan(&r.Endpoint, &r.P256DH, &r.Auth, &focused, &focusAt, &created); err != nil {
			return nil, err
		}
		if focused.Valid {
			f := focused.Int64 != 0
			r.Focused = &f
			r.FocusAt = time.Unix(0, focusAt)
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
