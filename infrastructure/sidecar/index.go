package sidecar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/store"
)

const (
	// flushThreshold is the change count that triggers persistence of a
	// dirty sub-index.
	flushThreshold = 10

	// maxFrequencyEntries caps the in-memory access-frequency map; the
	// lowest counts are evicted first. The backend copy is rewritten from the
	// capped map at the next persist, so evicted counts are dropped there too.
	maxFrequencyEntries = 500
)

// Meta is the SWR/stampede metadata kept per key.
type Meta struct {
	StoredAt  time.Time     `json:"stored_at"`
	CreatedAt time.Time     `json:"created_at"`
	FreshTTL  time.Duration `json:"fresh_ttl"`
}

// Index is the process-visible sidecar. Each sub-index is lazy-loaded from
// the backend on first use, then treated as authoritative for this process;
// mutations buffer in memory and persist on a change-count threshold or at
// Flush. Cross-process writers race last-writer-wins; the engine does not
// coordinate the sidecar between processes.
type Index struct {
	store store.Store

	managedMu     sync.Mutex
	managed       map[string]struct{}
	managedLoaded bool
	managedDirty  int

	tagMu      sync.Mutex
	tags       map[string]map[string]struct{}
	tagsLoaded bool
	dirtyTags  map[string]struct{}
	tagsDirty  int

	depMu      sync.Mutex
	parents    map[string]map[string]struct{} // child -> parents
	depsLoaded bool
	depsDirty  int

	manifestMu      sync.Mutex
	manifests       map[string][]string
	manifestsLoaded bool
	manifestsDirty  int

	freqMu     sync.Mutex
	freq       map[string]int64
	freqLoaded bool
	freqDirty  int
}

// New creates a new Index over the given backend.
func New(s store.Store) *Index {
	return &Index{
		store:     s,
		managed:   make(map[string]struct{}),
		tags:      make(map[string]map[string]struct{}),
		dirtyTags: make(map[string]struct{}),
		parents:   make(map[string]map[string]struct{}),
		manifests: make(map[string][]string),
		freq:      make(map[string]int64),
	}
}

// ---------------------------------------------------------------------------
// Managed keys

func (i *Index) loadManagedLocked(ctx context.Context) {
	if i.managedLoaded {
		return
	}
	i.managedLoaded = true

	value, ok, err := i.store.Get(ctx, ManagedKeysKey)
	if err != nil || !ok {
		return
	}
	for _, key := range toStringSlice(value) {
		i.managed[key] = struct{}{}
	}
}

// Track records a fully-prefixed key as engine-written.
func (i *Index) Track(ctx context.Context, key string) {
	i.managedMu.Lock()
	i.loadManagedLocked(ctx)
	if _, ok := i.managed[key]; ok {
		i.managedMu.Unlock()
		return
	}
	i.managed[key] = struct{}{}
	i.managedDirty++
	flush := i.managedDirty >= flushThreshold
	keys := i.managedSliceLocked()
	i.managedMu.Unlock()

	if flush {
		i.persistManaged(ctx, keys)
	}
}

// Untrack removes key from the managed set.
func (i *Index) Untrack(ctx context.Context, key string) {
	i.managedMu.Lock()
	i.loadManagedLocked(ctx)
	if _, ok := i.managed[key]; !ok {
		i.managedMu.Unlock()
		return
	}
	delete(i.managed, key)
	i.managedDirty++
	flush := i.managedDirty >= flushThreshold
	keys := i.managedSliceLocked()
	i.managedMu.Unlock()

	if flush {
		i.persistManaged(ctx, keys)
	}
}

// IsManaged reports whether key was written through the engine.
func (i *Index) IsManaged(ctx context.Context, key string) bool {
	i.managedMu.Lock()
	defer i.managedMu.Unlock()
	i.loadManagedLocked(ctx)
	_, ok := i.managed[key]
	return ok
}

// ManagedKeys returns a sorted snapshot of the managed-key set.
func (i *Index) ManagedKeys(ctx context.Context) []string {
	i.managedMu.Lock()
	defer i.managedMu.Unlock()
	i.loadManagedLocked(ctx)
	return i.managedSliceLocked()
}

// ClearManaged empties the managed set and removes its backend entry.
func (i *Index) ClearManaged(ctx context.Context) {
	i.managedMu.Lock()
	i.managed = make(map[string]struct{})
	i.managedLoaded = true
	i.managedDirty = 0
	i.managedMu.Unlock()

	_, _ = i.store.Forget(ctx, ManagedKeysKey)
}

// CleanupExpired re-checks every managed key against the backend and drops
// the ones that no longer exist. Returns the number dropped.
func (i *Index) CleanupExpired(ctx context.Context) int {
	keys := i.ManagedKeys(ctx)

	// Backend probes happen outside the lock.
	missing := make([]string, 0)
	for _, key := range keys {
		ok, err := i.store.Has(ctx, key)
		if err == nil && !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return 0
	}

	i.managedMu.Lock()
	for _, key := range missing {
		delete(i.managed, key)
	}
	snapshot := i.managedSliceLocked()
	i.managedDirty = 0
	i.managedMu.Unlock()

	i.persistManaged(ctx, snapshot)
	return len(missing)
}

func (i *Index) managedSliceLocked() []string {
	keys := make([]string, 0, len(i.managed))
	for key := range i.managed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (i *Index) persistManaged(ctx context.Context, keys []string) {
	i.managedMu.Lock()
	i.managedDirty = 0
	i.managedMu.Unlock()
	_ = i.store.Forever(ctx, ManagedKeysKey, toInterfaceSlice(keys))
}

// ---------------------------------------------------------------------------
// Tag index

// loadTagsLocked loads the tag-name registry and every tag list. Tag lists
// are small sequences; loading them all on first use keeps forget able to
// honor "absent from every tag list" without backend scans.
func (i *Index) loadTagsLocked(ctx context.Context) {
	if i.tagsLoaded {
		return
	}
	i.tagsLoaded = true

	value, ok, err := i.store.Get(ctx, TagNamesKey)
	if err != nil || !ok {
		return
	}
	for _, tag := range toStringSlice(value) {
		listValue, ok, err := i.store.Get(ctx, TagPrefix+tag)
		if err != nil || !ok {
			continue
		}
		set := make(map[string]struct{})
		for _, key := range toStringSlice(listValue) {
			set[key] = struct{}{}
		}
		i.tags[tag] = set
	}
}

// AddTags records key under each tag.
func (i *Index) AddTags(ctx context.Context, key string, tags []string) {
	if len(tags) == 0 {
		return
	}

	i.tagMu.Lock()
	i.loadTagsLocked(ctx)
	for _, tag := range tags {
		set, ok := i.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			i.tags[tag] = set
		}
		if _, ok := set[key]; !ok {
			set[key] = struct{}{}
			i.dirtyTags[tag] = struct{}{}
			i.tagsDirty++
		}
	}
	flush := i.tagsDirty >= flushThreshold
	i.tagMu.Unlock()

	if flush {
		i.persistTags(ctx)
	}
}

// TagKeys returns the keys recorded under tag.
func (i *Index) TagKeys(ctx context.Context, tag string) []string {
	i.tagMu.Lock()
	defer i.tagMu.Unlock()
	i.loadTagsLocked(ctx)

	set, ok := i.tags[tag]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DropTag removes a tag and its backend entry.
func (i *Index) DropTag(ctx context.Context, tag string) {
	i.tagMu.Lock()
	i.loadTagsLocked(ctx)
	delete(i.tags, tag)
	delete(i.dirtyTags, tag)
	names := i.tagNamesLocked()
	i.tagMu.Unlock()

	_, _ = i.store.Forget(ctx, TagPrefix+tag)
	_ = i.store.Forever(ctx, TagNamesKey, toInterfaceSlice(names))
}

// RemoveKeyFromTags removes key from every tag list it appears in.
func (i *Index) RemoveKeyFromTags(ctx context.Context, key string) {
	i.tagMu.Lock()
	i.loadTagsLocked(ctx)
	for tag, set := range i.tags {
		if _, ok := set[key]; ok {
			delete(set, key)
			i.dirtyTags[tag] = struct{}{}
			i.tagsDirty++
		}
	}
	flush := i.tagsDirty >= flushThreshold
	i.tagMu.Unlock()

	if flush {
		i.persistTags(ctx)
	}
}

// Tags returns the known tag names.
func (i *Index) Tags(ctx context.Context) []string {
	i.tagMu.Lock()
	defer i.tagMu.Unlock()
	i.loadTagsLocked(ctx)
	return i.tagNamesLocked()
}

func (i *Index) tagNamesLocked() []string {
	names := make([]string, 0, len(i.tags))
	for tag := range i.tags {
		names = append(names, tag)
	}
	sort.Strings(names)
	return names
}

func (i *Index) persistTags(ctx context.Context) {
	i.tagMu.Lock()
	dirty := make(map[string][]string, len(i.dirtyTags))
	for tag := range i.dirtyTags {
		set := i.tags[tag]
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		dirty[tag] = keys
	}
	names := i.tagNamesLocked()
	i.dirtyTags = make(map[string]struct{})
	i.tagsDirty = 0
	i.tagMu.Unlock()

	for tag, keys := range dirty {
		if len(keys) == 0 {
			_, _ = i.store.Forget(ctx, TagPrefix+tag)
			continue
		}
		_ = i.store.Forever(ctx, TagPrefix+tag, toInterfaceSlice(keys))
	}
	_ = i.store.Forever(ctx, TagNamesKey, toInterfaceSlice(names))
}

// ---------------------------------------------------------------------------
// Dependency graph

func (i *Index) loadDepsLocked(ctx context.Context) {
	if i.depsLoaded {
		return
	}
	i.depsLoaded = true

	value, ok, err := i.store.Get(ctx, DependenciesKey)
	if err != nil || !ok {
		return
	}
	for child, parents := range toStringSliceMap(value) {
		set := make(map[string]struct{}, len(parents))
		for _, parent := range parents {
			set[parent] = struct{}{}
		}
		i.parents[child] = set
	}
}

// AddDependency records that child depends on parent: invalidating parent
// must invalidate child first.
func (i *Index) AddDependency(ctx context.Context, child, parent string) {
	i.depMu.Lock()
	i.loadDepsLocked(ctx)
	set, ok := i.parents[child]
	if !ok {
		set = make(map[string]struct{})
		i.parents[child] = set
	}
	if _, ok := set[parent]; !ok {
		set[parent] = struct{}{}
		i.depsDirty++
	}
	flush := i.depsDirty >= flushThreshold
	i.depMu.Unlock()

	if flush {
		i.persistDeps(ctx)
	}
}

// Dependents returns the keys that list key as a parent.
func (i *Index) Dependents(ctx context.Context, key string) []string {
	i.depMu.Lock()
	defer i.depMu.Unlock()
	i.loadDepsLocked(ctx)

	dependents := make([]string, 0)
	for child, parents := range i.parents {
		if _, ok := parents[key]; ok {
			dependents = append(dependents, child)
		}
	}
	sort.Strings(dependents)
	return dependents
}

// RemoveFromGraph drops key's outgoing edges and its appearances as a parent.
func (i *Index) RemoveFromGraph(ctx context.Context, key string) {
	i.depMu.Lock()
	i.loadDepsLocked(ctx)
	changed := false
	if _, ok := i.parents[key]; ok {
		delete(i.parents, key)
		changed = true
	}
	for _, parents := range i.parents {
		if _, ok := parents[key]; ok {
			delete(parents, key)
			changed = true
		}
	}
	if changed {
		i.depsDirty++
	}
	flush := i.depsDirty >= flushThreshold
	i.depMu.Unlock()

	if flush {
		i.persistDeps(ctx)
	}
}

func (i *Index) persistDeps(ctx context.Context) {
	i.depMu.Lock()
	snapshot := make(map[string]interface{}, len(i.parents))
	for child, parents := range i.parents {
		list := make([]string, 0, len(parents))
		for parent := range parents {
			list = append(list, parent)
		}
		sort.Strings(list)
		snapshot[child] = toInterfaceSlice(list)
	}
	i.depsDirty = 0
	i.depMu.Unlock()

	_ = i.store.Forever(ctx, DependenciesKey, snapshot)
}

// ---------------------------------------------------------------------------
// Chunk manifests

func (i *Index) loadManifestsLocked(ctx context.Context) {
	if i.manifestsLoaded {
		return
	}
	i.manifestsLoaded = true

	value, ok, err := i.store.Get(ctx, ManifestsKey)
	if err != nil || !ok {
		return
	}
	for parent, chunks := range toStringSliceMap(value) {
		i.manifests[parent] = chunks
	}
}

// SetManifest records the chunk keys owned by parent.
func (i *Index) SetManifest(ctx context.Context, parent string, chunkKeys []string) {
	i.manifestMu.Lock()
	i.loadManifestsLocked(ctx)
	i.manifests[parent] = append([]string(nil), chunkKeys...)
	i.manifestsDirty++
	flush := i.manifestsDirty >= flushThreshold
	i.manifestMu.Unlock()

	if flush {
		i.persistManifests(ctx)
	}
}

// Manifest returns the chunk keys recorded for parent.
func (i *Index) Manifest(ctx context.Context, parent string) ([]string, bool) {
	i.manifestMu.Lock()
	defer i.manifestMu.Unlock()
	i.loadManifestsLocked(ctx)
	chunks, ok := i.manifests[parent]
	if !ok {
		return nil, false
	}
	return append([]string(nil), chunks...), true
}

// DropManifest removes the manifest record for parent.
func (i *Index) DropManifest(ctx context.Context, parent string) {
	i.manifestMu.Lock()
	i.loadManifestsLocked(ctx)
	if _, ok := i.manifests[parent]; !ok {
		i.manifestMu.Unlock()
		return
	}
	delete(i.manifests, parent)
	i.manifestsDirty++
	flush := i.manifestsDirty >= flushThreshold
	i.manifestMu.Unlock()

	if flush {
		i.persistManifests(ctx)
	}
}

// Manifests returns a copy of all manifest records.
func (i *Index) Manifests(ctx context.Context) map[string][]string {
	i.manifestMu.Lock()
	defer i.manifestMu.Unlock()
	i.loadManifestsLocked(ctx)

	out := make(map[string][]string, len(i.manifests))
	for parent, chunks := range i.manifests {
		out[parent] = append([]string(nil), chunks...)
	}
	return out
}

func (i *Index) persistManifests(ctx context.Context) {
	i.manifestMu.Lock()
	snapshot := make(map[string]interface{}, len(i.manifests))
	for parent, chunks := range i.manifests {
		snapshot[parent] = toInterfaceSlice(chunks)
	}
	i.manifestsDirty = 0
	i.manifestMu.Unlock()

	_ = i.store.Forever(ctx, ManifestsKey, snapshot)
}

// ---------------------------------------------------------------------------
// Access frequency

func (i *Index) loadFreqLocked(ctx context.Context) {
	if i.freqLoaded {
		return
	}
	i.freqLoaded = true

	value, ok, err := i.store.Get(ctx, FrequencyKey)
	if err != nil || !ok {
		return
	}
	if m, ok := value.(map[string]interface{}); ok {
		for key, count := range m {
			i.freq[key] = toInt64(count)
		}
	}
}

// Touch increments and returns the access count for key.
func (i *Index) Touch(ctx context.Context, key string) int64 {
	i.freqMu.Lock()
	i.loadFreqLocked(ctx)
	i.freq[key]++
	count := i.freq[key]
	i.capFreqLocked()
	i.freqDirty++
	flush := i.freqDirty >= flushThreshold
	i.freqMu.Unlock()

	if flush {
		i.persistFreq(ctx)
	}
	return count
}

// Frequency returns the access count for key.
func (i *Index) Frequency(ctx context.Context, key string) int64 {
	i.freqMu.Lock()
	defer i.freqMu.Unlock()
	i.loadFreqLocked(ctx)
	return i.freq[key]
}

func (i *Index) capFreqLocked() {
	if len(i.freq) <= maxFrequencyEntries {
		return
	}

	type pair struct {
		key   string
		count int64
	}
	pairs := make([]pair, 0, len(i.freq))
	for key, count := range i.freq {
		pairs = append(pairs, pair{key, count})
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].count < pairs[b].count })
	for _, p := range pairs[:len(i.freq)-maxFrequencyEntries] {
		delete(i.freq, p.key)
	}
}

func (i *Index) persistFreq(ctx context.Context) {
	i.freqMu.Lock()
	snapshot := make(map[string]interface{}, len(i.freq))
	for key, count := range i.freq {
		snapshot[key] = count
	}
	i.freqDirty = 0
	i.freqMu.Unlock()

	_ = i.store.Forever(ctx, FrequencyKey, snapshot)
}

// ---------------------------------------------------------------------------
// SWR metadata (direct store entries, not buffered)

// PutMeta writes the SWR metadata for key with the given TTL.
func (i *Index) PutMeta(ctx context.Context, key string, meta Meta, ttl time.Duration) error {
	payload := map[string]interface{}{
		"stored_at":  meta.StoredAt.UnixNano(),
		"created_at": meta.CreatedAt.UnixNano(),
		"fresh_ttl":  int64(meta.FreshTTL / time.Second),
	}
	return i.store.Put(ctx, MetaPrefix+key, payload, ttl)
}

// GetMeta reads the SWR metadata for key.
func (i *Index) GetMeta(ctx context.Context, key string) (Meta, bool) {
	value, ok, err := i.store.Get(ctx, MetaPrefix+key)
	if err != nil || !ok {
		return Meta{}, false
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		return Meta{}, false
	}
	return Meta{
		StoredAt:  time.Unix(0, toInt64(m["stored_at"])),
		CreatedAt: time.Unix(0, toInt64(m["created_at"])),
		FreshTTL:  time.Duration(toInt64(m["fresh_ttl"])) * time.Second,
	}, true
}

// DeleteMeta removes the SWR metadata for key.
func (i *Index) DeleteMeta(ctx context.Context, key string) {
	_, _ = i.store.Forget(ctx, MetaPrefix+key)
}

// ---------------------------------------------------------------------------
// Lifecycle

// Flush persists every dirty sub-index; called at engine teardown.
func (i *Index) Flush(ctx context.Context) {
	i.managedMu.Lock()
	managedDirty := i.managedDirty > 0
	snapshot := i.managedSliceLocked()
	i.managedMu.Unlock()
	if managedDirty {
		i.persistManaged(ctx, snapshot)
	}

	i.tagMu.Lock()
	tagsDirty := i.tagsDirty > 0 || len(i.dirtyTags) > 0
	i.tagMu.Unlock()
	if tagsDirty {
		i.persistTags(ctx)
	}

	i.depMu.Lock()
	depsDirty := i.depsDirty > 0
	i.depMu.Unlock()
	if depsDirty {
		i.persistDeps(ctx)
	}

	i.manifestMu.Lock()
	manifestsDirty := i.manifestsDirty > 0
	i.manifestMu.Unlock()
	if manifestsDirty {
		i.persistManifests(ctx)
	}

	i.freqMu.Lock()
	freqDirty := i.freqDirty > 0
	i.freqMu.Unlock()
	if freqDirty {
		i.persistFreq(ctx)
	}
}

// Reset clears every in-memory view, after a backend flush.
func (i *Index) Reset() {
	i.managedMu.Lock()
	i.managed = make(map[string]struct{})
	i.managedLoaded = true
	i.managedDirty = 0
	i.managedMu.Unlock()

	i.tagMu.Lock()
	i.tags = make(map[string]map[string]struct{})
	i.dirtyTags = make(map[string]struct{})
	i.tagsLoaded = true
	i.tagsDirty = 0
	i.tagMu.Unlock()

	i.depMu.Lock()
	i.parents = make(map[string]map[string]struct{})
	i.depsLoaded = true
	i.depsDirty = 0
	i.depMu.Unlock()

	i.manifestMu.Lock()
	i.manifests = make(map[string][]string)
	i.manifestsLoaded = true
	i.manifestsDirty = 0
	i.manifestMu.Unlock()

	i.freqMu.Lock()
	i.freq = make(map[string]int64)
	i.freqLoaded = true
	i.freqDirty = 0
	i.freqMu.Unlock()
}

// ---------------------------------------------------------------------------
// Coercion helpers: persisted shapes are plain sequences and maps so the
// on-store data stays portable across adapters.

func toStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toInterfaceSlice(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for n, key := range keys {
		out[n] = key
	}
	return out
}

func toStringSliceMap(value interface{}) map[string][]string {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(m))
	for key, item := range m {
		out[key] = toStringSlice(item)
	}
	return out
}

func toInt64(value interface{}) int64 {
	switch n := value.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
