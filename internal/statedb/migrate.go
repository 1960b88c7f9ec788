package statedb

import (
	"database/sql"
	"fmt"
	"strconv"
)

// SchemaVersion is the number of migrations below.
const SchemaVersion = 3

// migrations run in order inside one transaction. Append only.
var migrations = []func(tx *sql.Tx) error{
	// 1: identities and transcripts
	func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				open_id     TEXT PRIMARY KEY,
				app_id      TEXT NOT NULL,
				template_id TEXT NOT NULL DEFAULT '',
				subscribed  INTEGER NOT NULL DEFAULT 0,
				auth_state  TEXT NOT NULL DEFAULT '',
				first_seen  INTEGER NOT NULL,
				last_seen   INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				open_id    TEXT NOT NULL,
				position   INTEGER NOT NULL,
				msg_key    TEXT NOT NULL,
				sender     TEXT NOT NULL,
				created_at INTEGER NOT NULL DEFAULT 0,
				body       TEXT NOT NULL,
				PRIMARY KEY (open_id, position)
			)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	},
	// 2: heartbeat ledger
	func(tx *sql.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS heartbeats (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			open_id TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			ok      INTEGER NOT NULL,
			detail  TEXT NOT NULL DEFAULT ''
		)`); err != nil {
			return err
		}
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_heartbeats_open_id ON heartbeats(open_id, sent_at)`)
		return err
	},
	// 3: web push subscriptions
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint     TEXT PRIMARY KEY,
			p256dh       TEXT NOT NULL,
			auth         TEXT NOT NULL,
			focused      INTEGER,
			focus_at     INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`)
		return err
	},
}

// Migrate brings the schema up to SchemaVersion.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var raw string
	switch err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw); err {
	case nil:
		if current, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("statedb: bad schema_version %q", raw)
		}
	case sql.ErrNoRows:
	default:
		return fmt.Errorf("statedb: read schema_version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("statedb: schema version %d is newer than this binary (%d)", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		if err := migrations[i](tx); err != nil {
			return fmt.Errorf("statedb: migration %d: %w", i+1, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(len(migrations))); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}
