package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout: the record JSON lives under sess:<id>; the remix
// counter and last-accessed timestamp live beside it so HTTP-path
// writes never clobber a coordinator save; sessions:by-updated is a
// ZSET ordering ids by updated-at for listings.
const byUpdatedKey = "sessions:by-updated"

// searchWindow bounds how many recent records a substring search scans.
const searchWindow = 200

// RedisStore keeps session records in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings a Redis-backed session store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client, for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "sess:"}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + id }
func (s *RedisStore) remixKey(id string) string  { return s.prefix + id + ":remixes" }
func (s *RedisStore) seenKey(id string) string   { return s.prefix + id + ":seen" }

// Save writes the record JSON and refreshes the updated-at index. The
// coordinator serializes its own saves against its publish step, so a
// plain read-then-write immutability guard holds here.
func (s *RedisStore) Save(ctx context.Context, rec *SessionRecord) error {
	existing, err := s.get(ctx, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil && existing.Immutable {
		return ErrImmutable
	}

	payload := *rec
	payload.RemixCount = 0 // lives in its own counter key
	if existing != nil {
		// Mirrors the SQL upsert: these columns belong to other paths.
		payload.CreatedAt = existing.CreatedAt
		payload.Immutable = existing.Immutable
		payload.OwnerTokenHash = existing.OwnerTokenHash
	}
	data, err := json.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, s.recordKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	if err := s.client.ZAdd(ctx, byUpdatedKey, redis.Z{Score: float64(rec.UpdatedAt.Unix()), Member: rec.ID}).Err(); err != nil {
		return fmt.Errorf("index session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*SessionRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if n, err := s.client.Get(ctx, s.remixKey(id)).Result(); err == nil {
		if count, convErr := strconv.Atoi(n); convErr == nil {
			rec.RemixCount = count
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load remix count for %s: %w", id, err)
	}

	if seen, err := s.client.Get(ctx, s.seenKey(id)).Result(); err == nil {
		if at, parseErr := time.Parse(time.RFC3339Nano, seen); parseErr == nil && at.After(rec.LastAccessedAt) {
			rec.LastAccessedAt = at
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load last access for %s: %w", id, err)
	}

	return rec, nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*SessionRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	return s.listWindow(ctx, clampLimit(limit))
}

// Search scans the most recent records for a case-insensitive name
// match. Ranked search lives in the directory service; this is its
// fallback.
func (s *RedisStore) Search(ctx context.Context, query string, limit int) ([]SessionSummary, error) {
	window, err := s.listWindow(ctx, searchWindow)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	needle := strings.ToLower(query)
	out := []SessionSummary{}
	for _, sum := range window {
		if strings.Contains(strings.ToLower(sum.Name), needle) {
			out = append(out, sum)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *RedisStore) listWindow(ctx context.Context, limit int) ([]SessionSummary, error) {
	ids, err := s.client.ZRevRange(ctx, byUpdatedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []SessionSummary{}, nil
	}

	recordKeys := make([]string, len(ids))
	remixKeys := make([]string, len(ids))
	for i, id := range ids {
		recordKeys[i] = s.recordKey(id)
		remixKeys[i] = s.remixKey(id)
	}
	records, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	counters, err := s.client.MGet(ctx, remixKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list remix counts: %w", err)
	}

	out := []SessionSummary{}
	for i, raw := range records {
		data, ok := raw.(string)
		if !ok {
			continue // index entry without a record; skip
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", ids[i], err)
		}
		sum := SessionSummary{
			ID:         rec.ID,
			Name:       rec.Name,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
			Immutable:  rec.Immutable,
			TrackCount: len(rec.State.Tracks),
		}
		if n, ok := counters[i].(string); ok {
			if count, err := strconv.Atoi(n); err == nil {
				sum.RemixCount = count
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) error {
	if err := s.client.Set(ctx, s.seenKey(id), at.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) IncrementRemixCount(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("increment remix count for %s: %w", id, err)
	}
	if exists == 0 {
		return nil
	}
	if err := s.client.Incr(ctx, s.remixKey(id)).Err(); err != nil {
		return fmt.Errorf("increment remix count for %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) SetImmutable(ctx context.Context, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Immutable {
		return nil
	}
	rec.Immutable = true
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.recordKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("publish session %s: %w", id, err)
	}
	if err := s.client.ZAdd(ctx, byUpdatedKey, redis.Z{Score: float64(rec.UpdatedAt.Unix()), Member: id}).Err(); err != nil {
		return fmt.Errorf("index session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
