// Package store provides the persistence layer shared by the journal, token
// store, role resolver, spend ledger, and webhook registry. The default
// backend is SQLite; an in-memory backend exists for tests and must be
// selected explicitly.
package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by point lookups for absent keys.
var ErrNotFound = errors.New("not found")

// Store is the interface all persistence backends satisfy.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Journal
	AppendRecord(rec *Record) error
	MaxCursor() (uint64, error)
	RecordsSince(cursor uint64, limit int) ([]*Record, error)
	RecordsRange(fromTs, toTs int64, limit int) ([]*Record, error)
	RecentRecords(limit int) ([]*Record, error)

	// Tokens
	PutToken(t *Token) error
	ListTokens() ([]*Token, error)

	// Roles
	PutRole(r *RoleAssignment) error
	ListRoles() ([]*RoleAssignment, error)

	// Webhooks
	PutWebhook(w *Webhook) error
	DeleteWebhook(id string) error
	ListWebhooks() ([]*Webhook, error)

	// Spend buckets
	PutSpend(b *SpendBucket) error
	ListSpend() ([]*SpendBucket, error)
}

// Open constructs the backend named by driver. An empty driver means sqlite.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
