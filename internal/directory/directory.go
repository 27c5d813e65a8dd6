// Package directory lists and searches published and in-progress
// sessions. Meilisearch ranks text queries when it is up; the store
// answers everything else, so browsing never depends on the search
// engine being reachable.
package directory

import (
	"context"
	"log"
	"time"

	"github.com/adewale/keyboardia-sub010/internal/store"
)

const (
	defaultLimit = 20
	reindexBatch = 1000
)

// Entry is one session in a listing or search response.
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Snippet    string    `json:"snippet,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	RemixCount int       `json:"remixCount"`
	Immutable  bool      `json:"immutable"`
	TrackCount int       `json:"trackCount"`
}

// Query describes a listing request. Blank Text means browse, which
// returns the most recently updated sessions first.
type Query struct {
	Text          string
	PublishedOnly bool
	Limit         int
	Offset        int
}

// Response is the envelope returned by the listing endpoint.
type Response struct {
	Sessions []Entry `json:"sessions"`
	Total    int     `json:"total"`
	Query    string  `json:"query,omitempty"`
}

// Lister is the slice of the store the directory reads when the search
// engine cannot serve.
type Lister interface {
	List(ctx context.Context, limit int) ([]store.SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]store.SessionSummary, error)
}

// Service answers listing and search requests and keeps the index fed.
type Service struct {
	meili    *Meili
	fallback Lister
}

// NewService creates the directory facade. meili may be nil when no
// search engine is configured; every query then reads the store.
func NewService(meili *Meili, fallback Lister) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// List serves both browse and search. Browsing always reads the store,
// which orders by recency; only ranked text queries go to Meilisearch.
func (s *Service) List(ctx context.Context, q Query) Response {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	if q.Text == "" {
		return s.fromStore(ctx, q, s.fallback.List)
	}

	if s.meili != nil && s.meili.Healthy() {
		entries, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Sessions: nonNil(entries), Total: total, Query: q.Text}
		}
		log.Printf("directory: meilisearch error, falling back to store: %v", err)
	}

	return s.fromStore(ctx, q, func(ctx context.Context, limit int) ([]store.SessionSummary, error) {
		return s.fallback.Search(ctx, q.Text, limit)
	})
}

// IndexSession pushes a freshly saved record into the search index,
// fire-and-forget. Wired to the coordinator's save hook.
func (s *Service) IndexSession(rec *store.SessionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSession(rec); err != nil {
			log.Printf("directory: index session %s: %v", rec.ID, err)
		}
	}()
}

// Reindex rebuilds the search index from the store listing. Called at
// startup so an empty Meilisearch instance catches up on existing
// sessions.
func (s *Service) Reindex(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rows, err := s.fallback.List(ctx, reindexBatch)
	if err != nil {
		log.Printf("directory: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexSummaries(rows); err != nil {
		log.Printf("directory: reindex: %v", err)
	}
}

// fromStore serves a page from the store. The store contract has no
// offset, so it over-fetches and slices.
func (s *Service) fromStore(ctx context.Context, q Query, fetch func(context.Context, int) ([]store.SessionSummary, error)) Response {
	rows, err := fetch(ctx, q.Limit+q.Offset)
	if err != nil {
		log.Printf("directory: store listing error: %v", err)
		return Response{Sessions: []Entry{}, Query: q.Text}
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if q.PublishedOnly && !row.Immutable {
			continue
		}
		entries = append(entries, Entry{
			ID:         row.ID,
			Name:       row.Name,
			UpdatedAt:  row.UpdatedAt,
			RemixCount: row.RemixCount,
			Immutable:  row.Immutable,
			TrackCount: row.TrackCount,
		})
	}
	if q.Offset >= len(entries) {
		entries = []Entry{}
	} else {
		entries = entries[q.Offset:]
	}
	if len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return Response{Sessions: entries, Total: len(entries) + q.Offset, Query: q.Text}
}

func nonNil(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
