package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, at time.Time) *SessionRecord {
	st := session.DefaultState()
	st.Tracks = append(st.Tracks, session.NewTrack("trk_1", "Kick", "kick-808"))
	return &SessionRecord{
		ID:             id,
		Name:           "late night jam",
		CreatedAt:      at,
		UpdatedAt:      at,
		LastAccessedAt: at,
		OwnerTokenHash: "$2a$10$fakehashfakehashfakehash",
		State:          st,
	}
}

func TestRedisSaveAndLoad(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := testRecord("sess_1", now)
	rec.State.Tracks[0].Steps[3] = true
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Name != "late night jam" || got.OwnerTokenHash != rec.OwnerTokenHash {
		t.Errorf("record fields lost: %+v", got)
	}
	if len(got.State.Tracks) != 1 || !got.State.Tracks[0].Steps[3] {
		t.Errorf("state lost: %+v", got.State)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestRedisLoadMissing(t *testing.T) {
	store := setupTestRedis(t)
	if _, err := store.Load(context.Background(), "sess_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisImmutableGuard(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	rec := testRecord("sess_pub", time.Now().UTC())

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.SetImmutable(ctx, "sess_pub"); err != nil {
		t.Fatalf("SetImmutable failed: %v", err)
	}
	// Publishing again is a no-op, not an error.
	if err := store.SetImmutable(ctx, "sess_pub"); err != nil {
		t.Fatalf("second SetImmutable failed: %v", err)
	}

	rec.State.Tempo = 99
	if err := store.Save(ctx, rec); !errors.Is(err, ErrImmutable) {
		t.Fatalf("Save on published record: err = %v, want ErrImmutable", err)
	}

	got, err := store.Load(ctx, "sess_pub")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.Immutable {
		t.Error("record not marked immutable")
	}
	if got.State.Tempo == 99 {
		t.Error("rejected save still changed state")
	}

	if err := store.SetImmutable(ctx, "sess_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("publish missing: err = %v, want ErrNotFound", err)
	}
}

func TestRedisSavePreservesEnvelopeColumns(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	rec := testRecord("sess_env", created)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	update := rec.Clone()
	update.CreatedAt = time.Now().UTC()
	update.OwnerTokenHash = "stale"
	update.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := store.Save(ctx, update); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := store.Load(ctx, "sess_env")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("createdAt changed: %v", got.CreatedAt)
	}
	if got.OwnerTokenHash != rec.OwnerTokenHash {
		t.Errorf("owner token hash changed: %q", got.OwnerTokenHash)
	}
}

func TestRedisListOrdersByUpdatedAt(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"sess_a", "sess_b", "sess_c"} {
		rec := testRecord(id, base.Add(time.Duration(i)*time.Minute))
		rec.Name = "beat " + id
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}

	sums, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2", len(sums))
	}
	if sums[0].ID != "sess_c" || sums[1].ID != "sess_b" {
		t.Errorf("order wrong: %s, %s", sums[0].ID, sums[1].ID)
	}
	if sums[0].TrackCount != 1 {
		t.Errorf("trackCount = %d, want 1", sums[0].TrackCount)
	}
}

func TestRedisSearch(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	names := map[string]string{"sess_a": "Midnight Drums", "sess_b": "morning pads", "sess_c": "drum machine demo"}
	for id, name := range names {
		rec := testRecord(id, now)
		rec.Name = name
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	sums, err := store.Search(ctx, "drum", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(sums), sums)
	}
	for _, sum := range sums {
		if sum.ID == "sess_b" {
			t.Errorf("unexpected match %q", sum.Name)
		}
	}
}

func TestRedisRemixCounterAndTouch(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := testRecord("sess_r", now)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.IncrementRemixCount(ctx, "sess_r"); err != nil {
			t.Fatalf("IncrementRemixCount failed: %v", err)
		}
	}
	// Unknown ids are ignored, matching the SQL store.
	if err := store.IncrementRemixCount(ctx, "sess_nope"); err != nil {
		t.Fatalf("IncrementRemixCount on missing id: %v", err)
	}

	seen := now.Add(10 * time.Minute)
	if err := store.Touch(ctx, "sess_r", seen); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	got, err := store.Load(ctx, "sess_r")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.RemixCount != 3 {
		t.Errorf("remixCount = %d, want 3", got.RemixCount)
	}
	if !got.LastAccessedAt.Equal(seen) {
		t.Errorf("lastAccessedAt = %v, want %v", got.LastAccessedAt, seen)
	}

	// A later coordinator save must not roll the counter back.
	update := got.Clone()
	update.UpdatedAt = now.Add(time.Hour)
	if err := store.Save(ctx, update); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err = store.Load(ctx, "sess_r")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.RemixCount != 3 {
		t.Errorf("save clobbered remixCount: %d", got.RemixCount)
	}
}
