package sidecar

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/store"
)

func newTestIndex(t *testing.T) (*Index, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(store.DefaultMemoryConfig())
	t.Cleanup(s.Close)
	return New(s), s
}

func TestIndex_TrackUntrack(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.Track(ctx, "a")
	idx.Track(ctx, "b")

	if !idx.IsManaged(ctx, "a") {
		t.Errorf("IsManaged(a) = false, want true")
	}
	keys := idx.ManagedKeys(ctx)
	if len(keys) != 2 {
		t.Fatalf("ManagedKeys() len = %d, want 2", len(keys))
	}

	idx.Untrack(ctx, "a")
	if idx.IsManaged(ctx, "a") {
		t.Errorf("IsManaged(a) after Untrack = true, want false")
	}
}

func TestIndex_PersistsAfterThreshold(t *testing.T) {
	idx, s := newTestIndex(t)
	ctx := context.Background()

	// flushThreshold mutations force a persist without an explicit Flush.
	for i := 0; i < flushThreshold; i++ {
		idx.Track(ctx, fmt.Sprintf("k%d", i))
	}

	if ok, _ := s.Has(ctx, ManagedKeysKey); !ok {
		t.Errorf("managed keys not persisted after %d changes", flushThreshold)
	}

	// A fresh index over the same store lazy-loads the persisted set.
	reloaded := New(s)
	if !reloaded.IsManaged(ctx, "k0") {
		t.Errorf("reloaded index missing persisted key")
	}
}

func TestIndex_FlushPersistsPending(t *testing.T) {
	idx, s := newTestIndex(t)
	ctx := context.Background()

	idx.Track(ctx, "only-one")
	idx.Flush(ctx)

	reloaded := New(s)
	if !reloaded.IsManaged(ctx, "only-one") {
		t.Errorf("Flush() did not persist pending mutation")
	}
}

func TestIndex_CleanupExpired(t *testing.T) {
	idx, s := newTestIndex(t)
	ctx := context.Background()

	s.Put(ctx, "live", 1, time.Minute)
	idx.Track(ctx, "live")
	idx.Track(ctx, "gone")

	dropped := idx.CleanupExpired(ctx)
	if dropped != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", dropped)
	}
	if idx.IsManaged(ctx, "gone") {
		t.Errorf("expired key still managed")
	}
	if !idx.IsManaged(ctx, "live") {
		t.Errorf("live key dropped")
	}
}

func TestIndex_Tags(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.AddTags(ctx, "k1", []string{"reports", "daily"})
	idx.AddTags(ctx, "k2", []string{"reports"})

	keys := idx.TagKeys(ctx, "reports")
	if len(keys) != 2 {
		t.Fatalf("TagKeys(reports) len = %d, want 2", len(keys))
	}

	idx.RemoveKeyFromTags(ctx, "k1")
	if len(idx.TagKeys(ctx, "reports")) != 1 {
		t.Errorf("k1 still tagged after RemoveKeyFromTags")
	}
	if len(idx.TagKeys(ctx, "daily")) != 0 {
		t.Errorf("k1 still in daily after RemoveKeyFromTags")
	}

	idx.DropTag(ctx, "reports")
	if len(idx.TagKeys(ctx, "reports")) != 0 {
		t.Errorf("TagKeys after DropTag should be empty")
	}
}

func TestIndex_TagsSurviveReload(t *testing.T) {
	idx, s := newTestIndex(t)
	ctx := context.Background()

	idx.AddTags(ctx, "k1", []string{"reports"})
	idx.Flush(ctx)

	reloaded := New(s)
	if keys := reloaded.TagKeys(ctx, "reports"); len(keys) != 1 || keys[0] != "k1" {
		t.Errorf("reloaded TagKeys = %v, want [k1]", keys)
	}
}

func TestIndex_DependencyGraph(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.AddDependency(ctx, "child1", "parent")
	idx.AddDependency(ctx, "child2", "parent")

	dependents := idx.Dependents(ctx, "parent")
	if len(dependents) != 2 {
		t.Fatalf("Dependents() = %v, want 2 entries", dependents)
	}

	idx.RemoveFromGraph(ctx, "child1")
	if len(idx.Dependents(ctx, "parent")) != 1 {
		t.Errorf("child1 still in graph after removal")
	}
}

func TestIndex_Manifests(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	chunks := []string{"_sc_chunk_big_0", "_sc_chunk_big_1"}
	idx.SetManifest(ctx, "big", chunks)

	got, ok := idx.Manifest(ctx, "big")
	if !ok || len(got) != 2 {
		t.Fatalf("Manifest() = %v, %v, want chunks, true", got, ok)
	}

	idx.DropManifest(ctx, "big")
	if _, ok := idx.Manifest(ctx, "big"); ok {
		t.Errorf("Manifest() after drop should miss")
	}
}

func TestIndex_FrequencyTouchAndCap(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if count := idx.Touch(ctx, "hot"); count != 1 {
		t.Errorf("Touch() = %d, want 1", count)
	}
	idx.Touch(ctx, "hot")
	if freq := idx.Frequency(ctx, "hot"); freq != 2 {
		t.Errorf("Frequency() = %d, want 2", freq)
	}

	// Make "hot" clearly hottest, then overflow the cap.
	for i := 0; i < 10; i++ {
		idx.Touch(ctx, "hot")
	}
	for i := 0; i < maxFrequencyEntries+50; i++ {
		idx.Touch(ctx, fmt.Sprintf("cold%d", i))
	}

	if freq := idx.Frequency(ctx, "hot"); freq == 0 {
		t.Errorf("hottest key evicted by cap")
	}
}

func TestIndex_MetaRoundTrip(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	err := idx.PutMeta(ctx, "k", Meta{StoredAt: now, CreatedAt: now, FreshTTL: 5 * time.Second}, time.Minute)
	if err != nil {
		t.Fatalf("PutMeta() error = %v", err)
	}

	meta, ok := idx.GetMeta(ctx, "k")
	if !ok {
		t.Fatalf("GetMeta() expected hit")
	}
	if !meta.StoredAt.Equal(now) {
		t.Errorf("StoredAt = %v, want %v", meta.StoredAt, now)
	}
	if meta.FreshTTL != 5*time.Second {
		t.Errorf("FreshTTL = %v, want 5s", meta.FreshTTL)
	}

	idx.DeleteMeta(ctx, "k")
	if _, ok := idx.GetMeta(ctx, "k"); ok {
		t.Errorf("GetMeta() after delete should miss")
	}
}

func TestIndex_ResetClearsViews(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	idx.Track(ctx, "k")
	idx.AddTags(ctx, "k", []string{"t"})
	idx.Reset()

	if idx.IsManaged(ctx, "k") {
		t.Errorf("managed view survived Reset")
	}
	if len(idx.TagKeys(ctx, "t")) != 0 {
		t.Errorf("tag view survived Reset")
	}
}

func TestIsReserved(t *testing.T) {
	if !IsReserved("_sc_managed_keys") {
		t.Errorf("IsReserved(_sc_managed_keys) = false")
	}
	if IsReserved("user:profile") {
		t.Errorf("IsReserved(user:profile) = true")
	}
}
