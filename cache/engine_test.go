package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/smartcache/infrastructure/config"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
	"github.com/R3E-Network/smartcache/infrastructure/store"
	"github.com/R3E-Network/smartcache/infrastructure/strategy"
)

func testEngine(t *testing.T, cfg *config.Config) (*Engine, *store.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := store.NewMemoryStore(store.DefaultMemoryConfig())
	t.Cleanup(s.Close)
	e := New(s, cfg)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e, s
}

func chunkedEngineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Strategies.Compression.Enabled = false
	cfg.Thresholds.Chunking = 2048
	cfg.Strategies.Chunking.ChunkSize = 100
	return cfg
}

func bigList(n int) []interface{} {
	items := make([]interface{}, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestEngine_PutGetRoundTrip(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k", "value", time.Minute))

	got, err := e.Get(ctx, "k", "default")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestEngine_GetMissReturnsDefault(t *testing.T) {
	e, _ := testEngine(t, nil)

	got, err := e.Get(context.Background(), "absent", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", got)
}

func TestEngine_NullRoundTrip(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	// A stored null is a value, not a miss.
	require.NoError(t, e.Put(ctx, "k", nil, time.Minute))

	got, err := e.Get(ctx, "k", "default")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := e.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_CompressedRoundTrip(t *testing.T) {
	e, s := testEngine(t, nil)
	ctx := context.Background()

	value := strings.Repeat("the quick brown fox ", 500)
	require.NoError(t, e.Put(ctx, "big-string", value, time.Minute))

	// Stored form is an envelope, not the raw string.
	raw, ok, err := s.Get(ctx, "big-string")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strategy.HasMarker(raw, strategy.MarkerCompressed))

	got, err := e.Get(ctx, "big-string", nil)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestEngine_ForgetCompleteness(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Tags("t1").Put(ctx, "k", "v", time.Minute)

	removed, err := e.Forget(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, _ := e.Has(ctx, "k")
	assert.False(t, ok)
	assert.False(t, e.sidecar.IsManaged(ctx, "k"))
	assert.Empty(t, e.sidecar.TagKeys(ctx, "t1"))
}

func TestEngine_ChunkedLifecycle(t *testing.T) {
	e, s := testEngine(t, chunkedEngineConfig())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "big", bigList(1000), time.Minute))

	// Stored value at the parent is a manifest listing ten chunks.
	raw, ok, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strategy.HasMarker(raw, strategy.MarkerChunked))
	chunkKeys := chunkKeysOf(raw.(map[string]interface{}))
	require.Len(t, chunkKeys, 10)

	got, err := e.Get(ctx, "big", nil)
	require.NoError(t, err)
	items := got.([]interface{})
	require.Len(t, items, 1000)
	assert.Equal(t, 0, items[0])
	assert.Equal(t, 999, items[999])

	// Forget removes the parent and every chunk.
	removed, err := e.Forget(ctx, "big")
	require.NoError(t, err)
	assert.True(t, removed)
	for _, chunkKey := range chunkKeys {
		ok, _ := s.Has(ctx, chunkKey)
		assert.False(t, ok, "chunk %s survived forget", chunkKey)
	}
}

func TestEngine_TagFlushRemovesChunks(t *testing.T) {
	e, s := testEngine(t, chunkedEngineConfig())
	ctx := context.Background()

	require.NoError(t, e.Tags("reports").Put(ctx, "r1", bigList(10000), time.Minute))

	raw, ok, _ := s.Get(ctx, "r1")
	require.True(t, ok)
	chunkKeys := chunkKeysOf(raw.(map[string]interface{}))
	require.NotEmpty(t, chunkKeys)

	require.NoError(t, e.FlushTags(ctx, []string{"reports"}))

	ok, _ = e.Has(ctx, "r1")
	assert.False(t, ok)
	for _, chunkKey := range chunkKeys {
		ok, _ := s.Has(ctx, chunkKey)
		assert.False(t, ok, "chunk %s survived tag flush", chunkKey)
	}

	// Idempotent: a second flush of the same tag still succeeds.
	require.NoError(t, e.FlushTags(ctx, []string{"reports"}))
}

func TestEngine_TagsConsumedByNextWriteOnly(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Tags("once").Put(ctx, "first", 1, time.Minute)
	e.Put(ctx, "second", 2, time.Minute)

	assert.Equal(t, []string{"first"}, e.sidecar.TagKeys(ctx, "once"))
}

func TestEngine_FlushPatterns(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "user_1_profile", 1, time.Minute)
	e.Put(ctx, "user_2_profile", 2, time.Minute)
	e.Put(ctx, "order_1", 3, time.Minute)

	matched, err := e.FlushPatterns(ctx, []string{"user_*"})
	require.NoError(t, err)
	assert.Equal(t, 2, matched)

	ok, _ := e.Has(ctx, "order_1")
	assert.True(t, ok, "non-matching key must survive")
	ok, _ = e.Has(ctx, "user_1_profile")
	assert.False(t, ok)
}

func TestEngine_FlushPatternsRegex(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "session:abc", 1, time.Minute)
	e.Put(ctx, "session:def", 2, time.Minute)
	e.Put(ctx, "other", 3, time.Minute)

	matched, err := e.FlushPatterns(ctx, []string{"/^session:/"})
	require.NoError(t, err)
	assert.Equal(t, 2, matched)
}

func TestEngine_FlushPatternsInvalidRegexMatchesNothing(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "k", 1, time.Minute)

	matched, err := e.FlushPatterns(ctx, []string{"/[/"})
	require.NoError(t, err)
	assert.Zero(t, matched)
	ok, _ := e.Has(ctx, "k")
	assert.True(t, ok)
}

func TestEngine_DependencyCascadeWithCycle(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.DependsOn(ctx, "A", "B")
	e.DependsOn(ctx, "B", "A")
	require.NoError(t, e.Put(ctx, "A", "a", time.Minute))
	require.NoError(t, e.Put(ctx, "B", "b", time.Minute))

	require.NoError(t, e.Invalidate(ctx, "A"))

	okA, _ := e.Has(ctx, "A")
	okB, _ := e.Has(ctx, "B")
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestEngine_InvalidateMissingKeySucceeds(t *testing.T) {
	e, _ := testEngine(t, nil)
	require.NoError(t, e.Invalidate(context.Background(), "ghost"))
}

func TestEngine_InvalidateChain(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	// grandchild -> child -> parent
	e.DependsOn(ctx, "child", "parent")
	e.DependsOn(ctx, "grandchild", "child")
	e.Put(ctx, "parent", 1, time.Minute)
	e.Put(ctx, "child", 2, time.Minute)
	e.Put(ctx, "grandchild", 3, time.Minute)

	require.NoError(t, e.Invalidate(ctx, "parent"))

	for _, key := range []string{"parent", "child", "grandchild"} {
		ok, _ := e.Has(ctx, key)
		assert.False(t, ok, "%s should be invalidated", key)
	}
}

func TestEngine_InvalidateModel(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "user_7", 1, time.Minute)
	e.Put(ctx, "user_7_posts", 2, time.Minute)
	e.Put(ctx, "posts_recent_user_7", 3, time.Minute)
	e.Put(ctx, "user_8", 4, time.Minute)

	matched, err := e.InvalidateModel(ctx, "user", 7, []string{"posts"})
	require.NoError(t, err)
	assert.Equal(t, 3, matched)

	ok, _ := e.Has(ctx, "user_8")
	assert.True(t, ok)
}

func TestEngine_NamespaceIsolation(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	tenant := e.Namespace("tenant1")
	require.NoError(t, tenant.Put(ctx, "k", "tenant-value", time.Minute))

	// Unprefixed engine cannot see it.
	got, err := e.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = tenant.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "tenant-value", got)

	assert.Equal(t, "tenant1", tenant.GetNamespace())
	assert.Equal(t, "", tenant.WithoutNamespace().GetNamespace())
}

func TestEngine_FlushNamespace(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Namespace("ns1").Put(ctx, "a", 1, time.Minute)
	e.Namespace("ns1").Put(ctx, "b", 2, time.Minute)
	e.Namespace("ns2").Put(ctx, "a", 3, time.Minute)

	keys := e.GetNamespaceKeys(ctx, "ns1")
	assert.Len(t, keys, 2)

	removed := e.FlushNamespace(ctx, "ns1")
	assert.Equal(t, 2, removed)

	ok, _ := e.Namespace("ns2").Has(ctx, "a")
	assert.True(t, ok, "other namespace must survive")
}

func TestApplyJitter_Bounds(t *testing.T) {
	ttl := 10 * time.Second
	for i := 0; i < 200; i++ {
		jittered := ApplyJitter(ttl, 0.2)
		assert.GreaterOrEqual(t, jittered, 8*time.Second)
		assert.LessOrEqual(t, jittered, 12*time.Second)
	}

	// Small TTLs floor at one second.
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, ApplyJitter(time.Second, 1.0), time.Second)
	}

	assert.Equal(t, ttl, ApplyJitter(ttl, 0), "zero percent is a no-op")
}

func TestEngine_Remember(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) (interface{}, error) {
		calls++
		return "built", nil
	}

	got, err := e.Remember(ctx, "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "built", got)
	assert.Equal(t, 1, calls)

	got, err = e.Remember(ctx, "k", time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, "built", got)
	assert.Equal(t, 1, calls, "producer must not rerun on hit")
}

func TestEngine_RememberForeverAndSear(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	_, err := e.RememberForever(ctx, "k", func(context.Context) (interface{}, error) {
		return 1, nil
	})
	require.NoError(t, err)

	got, err := e.Sear(ctx, "k", func(context.Context) (interface{}, error) {
		t.Fatalf("producer must not run on hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestEngine_PullRemoves(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "k", "v", time.Minute)

	got, err := e.Pull(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ok, _ := e.Has(ctx, "k")
	assert.False(t, ok)
}

func TestEngine_AddOnlyIfAbsent(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	added, err := e.Add(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = e.Add(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestEngine_IncrementDecrement(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	n, err := e.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = e.Decrement(ctx, "counter", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEngine_ManyAndPutMany(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.PutMany(ctx, map[string]interface{}{"a": 1, "b": 2}, time.Minute))

	got, err := e.Many(ctx, []string{"a", "b", "missing"}, "dflt")
	require.NoError(t, err)
	assert.Equal(t, 1, got["a"])
	assert.Equal(t, 2, got["b"])
	assert.Equal(t, "dflt", got["missing"])

	removed, err := e.DeleteMultiple(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestEngine_Clear(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.Put(ctx, fmt.Sprintf("k%d", i), i, time.Minute)
	}

	require.NoError(t, e.Clear(ctx))

	for i := 0; i < 5; i++ {
		ok, _ := e.Has(ctx, fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
	assert.Empty(t, e.sidecar.ManagedKeys(ctx))
}

func TestEngine_FlushResetsSidecar(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Tags("t").Put(ctx, "k", 1, time.Minute)
	require.NoError(t, e.Flush(ctx))

	ok, _ := e.Has(ctx, "k")
	assert.False(t, ok)
	assert.Empty(t, e.sidecar.ManagedKeys(ctx))
	assert.Empty(t, e.sidecar.TagKeys(ctx, "t"))
}

func TestEngine_SweepOrphanChunks(t *testing.T) {
	e, s := testEngine(t, chunkedEngineConfig())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "big", bigList(1000), time.Minute))
	raw, _, _ := s.Get(ctx, "big")
	chunkKeys := chunkKeysOf(raw.(map[string]interface{}))

	// Simulate the parent expiring underneath the manifest record.
	s.Forget(ctx, "big")

	swept := e.SweepOrphanChunks(ctx)
	assert.Equal(t, len(chunkKeys), swept)
	for _, chunkKey := range chunkKeys {
		ok, _ := s.Has(ctx, chunkKey)
		assert.False(t, ok, "orphan chunk %s survived sweep", chunkKey)
	}
}

func TestEngine_EventsDispatched(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Events.Enabled = true

	s := store.NewMemoryStore(store.DefaultMemoryConfig())
	t.Cleanup(s.Close)

	events := make([]string, 0)
	sink := SinkFunc(func(_ context.Context, event Event) {
		events = append(events, event.Name)
	})
	e := New(s, cfg, WithEventSink(sink))
	t.Cleanup(func() { e.Close(context.Background()) })
	ctx := context.Background()

	e.Put(ctx, "k", 1, time.Minute)
	e.Get(ctx, "k", nil)
	e.Get(ctx, "missing", nil)
	e.Forget(ctx, "k")

	assert.Contains(t, events, EventKeyWritten)
	assert.Contains(t, events, EventHit)
	assert.Contains(t, events, EventMissed)
	assert.Contains(t, events, EventKeyForgotten)
}

func TestEngine_ReservedPrefixNotManaged(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, sidecar.ReservedPrefix+"internal", 1, time.Minute))
	assert.False(t, e.sidecar.IsManaged(ctx, sidecar.ReservedPrefix+"internal"))
}

func TestEngine_MultiStore(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	other := store.NewMemoryStore(store.DefaultMemoryConfig())
	t.Cleanup(other.Close)
	e.RegisterStore("other", other)

	bound, ok := e.StoreNamed("other")
	require.True(t, ok)
	require.NoError(t, bound.Put(ctx, "k", "in-other", time.Minute))

	// Primary backend does not see it.
	got, _ := e.Get(ctx, "k", nil)
	assert.Nil(t, got)

	got, err := bound.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "in-other", got)

	_, ok = e.StoreNamed("unknown")
	assert.False(t, ok)
}

func TestEngine_GetRawBypassesRestore(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	value := strings.Repeat("compress me ", 500)
	require.NoError(t, e.Put(ctx, "k", value, time.Minute))

	raw, ok, err := e.GetRaw(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strategy.HasMarker(raw, strategy.MarkerCompressed))
}

func TestEngine_RawWritesUntracked(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Raw().Put(ctx, "side-door", 1, time.Minute))
	assert.False(t, e.sidecar.IsManaged(ctx, "side-door"))
}
