package directory

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/adewale/keyboardia-sub010/internal/store"
)

const idxSessions = "keyboardia_sessions"

// sessionDoc is the projection of a record that lives in the search
// index. UpdatedAt is unix seconds so the engine can compare it.
type sessionDoc struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UpdatedAt  int64  `json:"updatedAt"`
	RemixCount int    `json:"remixCount"`
	Immutable  bool   `json:"immutable"`
	TrackCount int    `json:"trackCount"`
}

// Meili ranks session names via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the session
// index. A failed initial connection is not an error: the client starts
// unhealthy and the health loop reconfigures the index once the engine
// comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("directory: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSessions,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("directory: create index %s (may already exist): %v", idxSessions, err)
	}

	index := m.client.Index(idxSessions)
	filterable := []interface{}{"immutable"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("directory: update filterable attrs: %v", err)
	}
	searchable := []string{"name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("directory: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("directory: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a ranked text query over session names.
func (m *Meili) Search(q Query) ([]Entry, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"name"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.PublishedOnly {
		sr.Filter = []string{"immutable = true"}
	}

	resp, err := m.client.Index(idxSessions).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	entries := make([]Entry, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		entries = append(entries, hitToEntry(hit))
	}
	return entries, int(resp.EstimatedTotalHits), nil
}

// IndexSession adds or updates one session in the index.
func (m *Meili) IndexSession(rec *store.SessionRecord) error {
	doc := sessionDoc{
		ID:         rec.ID,
		Name:       rec.Name,
		UpdatedAt:  rec.UpdatedAt.Unix(),
		RemixCount: rec.RemixCount,
		Immutable:  rec.Immutable,
		TrackCount: len(rec.State.Tracks),
	}
	_, err := m.client.Index(idxSessions).AddDocuments([]sessionDoc{doc}, nil)
	return err
}

// IndexSummaries bulk-indexes listing rows, used to rebuild the index
// from the store.
func (m *Meili) IndexSummaries(rows []store.SessionSummary) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]sessionDoc, len(rows))
	for i, row := range rows {
		docs[i] = sessionDoc{
			ID:         row.ID,
			Name:       row.Name,
			UpdatedAt:  row.UpdatedAt.Unix(),
			RemixCount: row.RemixCount,
			Immutable:  row.Immutable,
			TrackCount: row.TrackCount,
		}
	}
	_, err := m.client.Index(idxSessions).AddDocuments(docs, nil)
	return err
}

func hitToEntry(hit meili.Hit) Entry {
	e := Entry{
		ID:         decodeString(hit, "id"),
		Name:       decodeString(hit, "name"),
		Snippet:    decodeFormattedString(hit, "name"),
		RemixCount: decodeInt(hit, "remixCount"),
		Immutable:  decodeBool(hit, "immutable"),
		TrackCount: decodeInt(hit, "trackCount"),
	}
	if ts := decodeInt64(hit, "updatedAt"); ts > 0 {
		e.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return e
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	return int(decodeInt64(hit, key))
}

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return false
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}
