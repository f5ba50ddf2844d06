package tokens

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
// It backs tests and TOKEN_STORE=memory in local environments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, clock: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

func (s *MemoryStore) Rotate(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, false)
}

func (s *MemoryStore) RotateIfLatest(ctx context.Context, rec Record) error {
	return s.rotate(ctx, rec, true)
}

func (s *MemoryStore) rotate(ctx context.Context, rec Record, ifLatest bool) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, found := s.latestLocked(rec.Subject)
	if ifLatest && (!found || latest.TokenID != rec.TokenID) {
		return ErrSuperseded
	}

	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	var newest time.Time
	for id, r := range s.records {
		if r.Subject != rec.Subject || id == rec.TokenID {
			continue
		}
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
		if r.Usable() {
			s.records[id] = revoke(r, now)
		}
	}
	rec.CreatedAt = createdAfter(rec.CreatedAt, newest)
	s.put(rec)
	return nil
}

func (s *MemoryStore) FindValidBySubject(ctx context.Context, subject string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Subject == subject && r.Usable() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindLatestBySubject(ctx context.Context, subject string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, found := s.latestLocked(subject)
	if !found {
		return Record{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) latestLocked(subject string) (latest Record, found bool) {
	for _, r := range s.records {
		if r.Subject == subject && (!found || r.CreatedAt.After(latest.CreatedAt)) {
			latest, found = r, true
		}
	}
	return latest, found
}

func (s *MemoryStore) FindByTokenID(ctx context.Context, tokenID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[tokenID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) MarkRevoked(ctx context.Context, tokenID string) error {
	return s.MarkRevokedBatch(ctx, []string{tokenID})
}

func (s *MemoryStore) MarkRevokedBatch(ctx context.Context, tokenIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	for _, id := range tokenIDs {
		if r, ok := s.records[id]; ok && !r.Dead() {
			s.records[id] = revoke(r, now)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteFullyExpiredRevoked(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.Dead() {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, dead or alive.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) put(rec Record) {
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.records[rec.TokenID] = rec
}

func revoke(r Record, now time.Time) Record {
	r.Revoked = true
	r.Expired = true
	r.UpdatedAt = now
	return r
}
