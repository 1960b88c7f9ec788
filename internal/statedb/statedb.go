// Package statedb is the local SQLite cache: last known transcript per
// identity, the identities themselves, and a heartbeat ledger.
package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB wraps a SQLite database. Safe for concurrent use; several
// processes may share the file through WAL mode and the busy timeout.
type StateDB struct {
	db *sql.DB
}

// SessionRow is one resolved identity.
type SessionRow struct {
	OpenID     string
	AppID      string
	TemplateID string
	Subscribed bool
	AuthState  string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// MessageRow is one cached history record. Body holds the record exactly as
// the backend sent it.
type MessageRow struct {
	Key       string
	Sender    string
	CreatedAt time.Time
	Body      json.RawMessage
}

// HeartbeatStats summarizes the ledger for one identity.
type HeartbeatStats struct {
	OK         int
	Failed     int
	LastOK     time.Time
	LastFailed time.Time
}

// Open creates or opens the database at dbPath.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}
	return &StateDB{db: db}, nil
}

// OpenAndMigrate is Open followed by Migrate.
func OpenAndMigrate(dbPath string) (*StateDB, error) {
	s, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// SaveSession inserts or updates an identity. FirstSeen is kept from the
// first insert.
func (s *StateDB) SaveSession(row SessionRow) error {
	now := time.Now()
	if row.LastSeen.IsZero() {
		row.LastSeen = now
	}
	if row.FirstSeen.IsZero() {
		row.FirstSeen = row.LastSeen
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (open_id, app_id, template_id, subscribed, auth_state, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_id) DO UPDATE SET
			app_id = excluded.app_id,
			template_id = excluded.template_id,
			subscribed = excluded.subscribed,
			auth_state = excluded.auth_state,
			last_seen = excluded.last_seen
	`, row.OpenID, row.AppID, row.TemplateID, boolInt(row.Subscribed), row.AuthState,
		row.FirstSeen.UnixNano(), row.LastSeen.UnixNano())
	return err
}

// SetAuthState updates the stored consent state of an identity.
func (s *StateDB) SetAuthState(openID, state string) error {
	_, err := s.db.Exec("UPDATE sessions SET auth_state = ?, last_seen = ? WHERE open_id = ?",
		state, time.Now().UnixNano(), openID)
	return err
}

// LoadSessions returns identities, most recently seen first. An empty appID
// matches every app.
func (s *StateDB) LoadSessions(appID string) ([]SessionRow, error) {
	query := `SELECT open_id, app_id, template_id, subscribed, auth_state, first_seen, last_seen FROM sessions`
	var args []any
	if appID != "" {
		query += " WHERE app_id = ?"
		args = append(args, appID)
	}
	query += " ORDER BY last_seen DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var subscribed int
		var first, last int64
		if err := rows.Scan(&r.OpenID, &r.AppID, &r.TemplateID, &subscribed, &r.AuthState, &first, &last); err != nil {
			return nil, err
		}
		r.Subscribed = subscribed != 0
		r.FirstSeen = time.Unix(0, first)
		r.LastSeen = time.Unix(0, last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveHistory replaces the cached transcript for openID in one transaction,
// mirroring how the live view is replaced wholesale.
func (s *StateDB) SaveHistory(openID string, msgs []MessageRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM messages WHERE open_id = ?", openID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (open_id, position, msg_key, sender, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		var created int64
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.UnixNano()
		}
		if _, err := stmt.Exec(openID, i, m.Key, m.Sender, created, string(m.Body)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, historyStampKey(openID), strconv.FormatInt(time.Now().UnixNano(), 10)); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadHistory returns the cached transcript in order plus the time it was
// written. Unknown identities return no rows and a zero time.
func (s *StateDB) LoadHistory(openID string) ([]MessageRow, time.Time, error) {
	rows, err := s.db.Query(`
		SELECT msg_key, sender, created_at, body
		FROM messages WHERE open_id = ? ORDER BY position
	`, openID)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		var created int64
		var body string
		if err := rows.Scan(&m.Key, &m.Sender, &created, &body); err != nil {
			return nil, time.Time{}, err
		}
		if created != 0 {
			m.CreatedAt = time.Unix(0, created)
		}
		m.Body = json.RawMessage(body)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	stamp, err := s.GetMeta(historyStampKey(openID))
	if err != nil || stamp == "" {
		return out, time.Time{}, err
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return out, time.Time{}, fmt.Errorf("statedb: bad history stamp %q: %w", stamp, err)
	}
	return out, time.Unix(0, ns), nil
}

func historyStampKey(openID string) string {
	return "history_saved_at:" + openID
}

// RecordHeartbeat appends one attempt to the ledger.
func (s *StateDB) RecordHeartbeat(openID string, ok bool, detail string) error {
	_, err := s.db.Exec(
		"INSERT INTO heartbeats (open_id, sent_at, ok, detail) VALUES (?, ?, ?, ?)",
		openID, time.Now().UnixNano(), boolInt(ok), detail,
	)
	return err
}

// HeartbeatStats summarizes the ledger for openID.
func (s *StateDB) HeartbeatStats(openID string) (HeartbeatStats, error) {
	var st HeartbeatStats
	var lastOK, lastFailed sql.NullInt64
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN ok = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
			MAX(CASE WHEN ok = 1 THEN sent_at END),
			MAX(CASE WHEN ok = 0 THEN sent_at END)
		FROM heartbeats WHERE open_id = ?
	`, openID).Scan(&st.OK, &st.Failed, &lastOK, &lastFailed)
	if err != nil {
		return st, err
	}
	if lastOK.Valid {
		st.LastOK = time.Unix(0, lastOK.Int64)
	}
	if lastFailed.Valid {
		st.LastFailed = time.Unix(0, lastFailed.Int64)
	}
	return st, nil
}

// PruneHeartbeats drops ledger entries older than maxAge.
func (s *StateDB) PruneHeartbeats(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.Exec("DELETE FROM heartbeats WHERE sent_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetMeta stores a key/value pair.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMeta returns the value for key, or "" when unset.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
