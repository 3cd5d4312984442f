package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and the explicit "memory"
// driver. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*Record
	tokens   map[string]*Token
	roles    map[string]*RoleAssignment
	webhooks map[string]*Webhook
	spend    map[string]*SpendBucket // agent|category|window
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*Token),
		roles:    make(map[string]*RoleAssignment),
		webhooks: make(map[string]*Webhook),
		spend:    make(map[string]*SpendBucket),
	}
}

func (s *MemoryStore) Initialize() error { return nil }
func (s *MemoryStore) Close() error      { return nil }

// --- Journal ---

func (s *MemoryStore) AppendRecord(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) MaxCursor() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, nil
	}
	return s.records[len(s.records)-1].Cursor, nil
}

func (s *MemoryStore) RecordsSince(cursor uint64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.Cursor > cursor {
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordsRange(fromTs, toTs int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.Ts >= fromTs && rec.Ts <= toTs {
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentRecords(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

// --- Tokens ---

func (s *MemoryStore) PutToken(t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)
	s.tokens[t.Token] = &cp
	return nil
}

func (s *MemoryStore) ListTokens() ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// --- Roles ---

func (s *MemoryStore) PutRole(r *RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.roles[r.Agent] = &cp
	return nil
}

func (s *MemoryStore) ListRoles() ([]*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RoleAssignment, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

// --- Webhooks ---

func (s *MemoryStore) PutWebhook(w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.webhooks[w.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteWebhook(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, id)
	return nil
}

func (s *MemoryStore) ListWebhooks() ([]*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Spend buckets ---

func (s *MemoryStore) PutSpend(b *SpendBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.spend[b.Agent+"|"+b.Category+"|"+b.Window] = &cp
	return nil
}

func (s *MemoryStore) ListSpend() ([]*SpendBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SpendBucket, 0, len(s.spend))
	for _, b := range s.spend {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}
