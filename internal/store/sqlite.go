package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		cursor      INTEGER PRIMARY KEY,
		ts          INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		agent       TEXT,
		payload     TEXT NOT NULL,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token           TEXT PRIMARY KEY,
		agent           TEXT NOT NULL,
		scopes          TEXT NOT NULL,
		issued_at       DATETIME NOT NULL,
		expires_at      DATETIME NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		reason          TEXT,
		created_by      TEXT,
		customer_id     TEXT,
		subscription_id TEXT
	);

	CREATE TABLE IF NOT EXISTS roles (
		agent       TEXT PRIMARY KEY,
		template    TEXT NOT NULL,
		overrides   TEXT,
		applied_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id      TEXT PRIMARY KEY,
		url     TEXT NOT NULL,
		secret  TEXT
	);

	CREATE TABLE IF NOT EXISTS spend (
		agent        TEXT NOT NULL,
		category     TEXT NOT NULL,
		window       TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		spent        REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (agent, category, window)
	);

	CREATE INDEX IF NOT EXISTS idx_journal_ts ON journal(ts);
	CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind);
	CREATE INDEX IF NOT EXISTS idx_tokens_agent ON tokens(agent);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Journal ---

func (s *SQLiteStore) AppendRecord(rec *Record) error {
	_, err := s.db.Exec(`INSERT INTO journal (cursor, ts, kind, agent, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Cursor, rec.Ts, rec.Kind, nullStr(rec.Agent), string(rec.Payload), rec.PrevHash, rec.Hash,
	)
	return err
}

func (s *SQLiteStore) MaxCursor() (uint64, error) {
	var cursor sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(cursor) FROM journal").Scan(&cursor); err != nil {
		return 0, err
	}
	if !cursor.Valid {
		return 0, nil
	}
	return uint64(cursor.Int64), nil
}

func (s *SQLiteStore) RecordsSince(cursor uint64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT cursor, ts, kind, agent, payload, prev_hash, hash
		FROM journal WHERE cursor > ? ORDER BY cursor ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) RecordsRange(fromTs, toTs int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT cursor, ts, kind, agent, payload, prev_hash, hash
		FROM journal WHERE ts >= ? AND ts <= ? ORDER BY cursor ASC LIMIT ?`, fromTs, toTs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) RecentRecords(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT cursor, ts, kind, agent, payload, prev_hash, hash
		FROM journal ORDER BY cursor DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var agent sql.NullString
		var payload string
		if err := rows.Scan(&rec.Cursor, &rec.Ts, &rec.Kind, &agent, &payload, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, err
		}
		rec.Agent = agent.String
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Tokens ---

func (s *SQLiteStore) PutToken(t *Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO tokens (token, agent, scopes, issued_at, expires_at, status, reason, created_by, customer_id, subscription_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason`,
		t.Token, t.Agent, string(scopes), t.IssuedAt, t.ExpiresAt, t.Status,
		nullStr(t.Reason), nullStr(t.CreatedBy), nullStr(t.CustomerID), nullStr(t.SubscriptionID),
	)
	return err
}

func (s *SQLiteStore) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(`SELECT token, agent, scopes, issued_at, expires_at, status, reason, created_by, customer_id, subscription_id
		FROM tokens ORDER BY issued_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t := &Token{}
		var scopes string
		var reason, createdBy, customerID, subscriptionID sql.NullString
		if err := rows.Scan(&t.Token, &t.Agent, &scopes, &t.IssuedAt, &t.ExpiresAt, &t.Status,
			&reason, &createdBy, &customerID, &subscriptionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes for token: %w", err)
		}
		t.Reason = reason.String
		t.CreatedBy = createdBy.String
		t.CustomerID = customerID.String
		t.SubscriptionID = subscriptionID.String
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// --- Roles ---

func (s *SQLiteStore) PutRole(r *RoleAssignment) error {
	_, err := s.db.Exec(`INSERT INTO roles (agent, template, overrides, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			template = excluded.template,
			overrides = excluded.overrides,
			applied_at = excluded.applied_at`,
		r.Agent, r.Template, nullableJSON(r.Overrides), r.AppliedAt,
	)
	return err
}

func (s *SQLiteStore) ListRoles() ([]*RoleAssignment, error) {
	rows, err := s.db.Query("SELECT agent, template, overrides, applied_at FROM roles ORDER BY agent ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*RoleAssignment
	for rows.Next() {
		r := &RoleAssignment{}
		var overrides sql.NullString
		if err := rows.Scan(&r.Agent, &r.Template, &overrides, &r.AppliedAt); err != nil {
			return nil, err
		}
		r.Overrides = jsonOrNil(overrides)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// --- Webhooks ---

func (s *SQLiteStore) PutWebhook(w *Webhook) error {
	_, err := s.db.Exec(`INSERT INTO webhooks (id, url, secret) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, secret = excluded.secret`,
		w.ID, w.URL, nullStr(w.Secret),
	)
	return err
}

func (s *SQLiteStore) DeleteWebhook(id string) error {
	_, err := s.db.Exec("DELETE FROM webhooks WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListWebhooks() ([]*Webhook, error) {
	rows, err := s.db.Query("SELECT id, url, secret FROM webhooks ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		var secret sql.NullString
		if err := rows.Scan(&w.ID, &w.URL, &secret); err != nil {
			return nil, err
		}
		w.Secret = secret.String
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// --- Spend buckets ---

func (s *SQLiteStore) PutSpend(b *SpendBucket) error {
	_, err := s.db.Exec(`INSERT INTO spend (agent, category, window, window_start, spent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent, category, window) DO UPDATE SET
			window_start = excluded.window_start,
			spent = excluded.spent`,
		b.Agent, b.Category, b.Window, b.WindowStart, b.Spent,
	)
	return err
}

func (s *SQLiteStore) ListSpend() ([]*SpendBucket, error) {
	rows, err := s.db.Query("SELECT agent, category, window, window_start, spent FROM spend")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []*SpendBucket
	for rows.Next() {
		b := &SpendBucket{}
		if err := rows.Scan(&b.Agent, &b.Category, &b.Window, &b.WindowStart, &b.Spent); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// --- Helpers ---

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
