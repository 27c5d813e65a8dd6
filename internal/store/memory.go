package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in a mutex-guarded map. It backs tests and
// DB-less development runs; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*SessionRecord)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ID]; ok {
		if existing.Immutable {
			return ErrImmutable
		}
		cp := rec.Clone()
		// Mirrors the SQL upsert: these columns belong to other paths.
		cp.CreatedAt = existing.CreatedAt
		cp.Immutable = existing.Immutable
		cp.OwnerTokenHash = existing.OwnerTokenHash
		cp.RemixCount = existing.RemixCount
		s.records[rec.ID] = cp
		return nil
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*SessionRecord) bool { return true }, clampLimit(limit)), nil
}

func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	return s.collect(func(rec *SessionRecord) bool {
		return strings.Contains(strings.ToLower(rec.Name), needle)
	}, clampLimit(limit)), nil
}

// collect assumes the caller holds at least the read lock.
func (s *MemoryStore) collect(match func(*SessionRecord) bool, limit int) []SessionSummary {
	out := []SessionSummary{}
	for _, rec := range s.records {
		if !match(rec) {
			continue
		}
		out = append(out, SessionSummary{
			ID:         rec.ID,
			Name:       rec.Name,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
			RemixCount: rec.RemixCount,
			Immutable:  rec.Immutable,
			TrackCount: len(rec.State.Tracks),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok && at.After(rec.LastAccessedAt) {
		rec.LastAccessedAt = at
	}
	return nil
}

func (s *MemoryStore) IncrementRemixCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.RemixCount++
	}
	return nil
}

func (s *MemoryStore) SetImmutable(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if !rec.Immutable {
		rec.Immutable = true
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
