package strategy

import (
	"fmt"
	"sort"

	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

const (
	fieldChunkKeys    = "chunk_keys"
	fieldTotalItems   = "total_items"
	fieldIsCollection = "is_collection"
	fieldOriginalKey  = "original_key"
	fieldDriver       = "driver"
	fieldLazyLoading  = "lazy_loading"
	fieldChunkSize    = "chunk_size"
)

// ChunkSizer picks a chunk size for a driver. Smart sizing scales the chunk
// count to the driver's payload comfort zone instead of the fixed configured
// size.
type ChunkSizer func(driver string, totalItems, configured int) int

// DefaultChunkSizer sizes chunks proportionally to per-driver payload
// limits, never below the configured size's tenth nor above ten times it.
func DefaultChunkSizer(driver string, totalItems, configured int) int {
	limits := map[string]int{
		"redis":  5000,
		"memory": 10000,
		"sql":    2000,
	}
	limit, ok := limits[driver]
	if !ok {
		return configured
	}
	size := configured
	if totalItems/limit > 0 {
		size = totalItems / (totalItems/limit + 1)
	}
	if size < configured/10 {
		size = configured / 10
	}
	if size > configured*10 {
		size = configured * 10
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Chunking partitions large collections into per-chunk entries and stores a
// manifest at the parent key. Restore either reassembles eagerly or returns
// a read-only lazy sequence.
type Chunking struct {
	// Sizer is consulted when smart sizing is enabled; nil uses
	// DefaultChunkSizer.
	Sizer ChunkSizer
}

func (Chunking) ID() string { return "chunking" }

func (Chunking) ShouldApply(value interface{}, sc *Context) bool {
	cfg := sc.Config
	if !cfg.Strategies.Chunking.Enabled {
		return false
	}
	if !cfg.DriverFor(sc.Driver).Chunking {
		return false
	}

	count, ok := elementCount(value)
	if !ok || count <= cfg.Strategies.Chunking.ChunkSize {
		return false
	}

	size, sized := estimateSize(value, cfg.Thresholds.Chunking)
	return sized && size > cfg.Thresholds.Chunking
}

func (s Chunking) Optimize(value interface{}, sc *Context) (interface{}, error) {
	cfg := sc.Config.Strategies.Chunking

	chunkSize := cfg.ChunkSize
	if cfg.SmartSizing {
		sizer := s.Sizer
		if sizer == nil {
			sizer = DefaultChunkSizer
		}
		count, _ := elementCount(value)
		chunkSize = sizer(sc.Driver, count, cfg.ChunkSize)
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	switch v := value.(type) {
	case []interface{}:
		return s.writeChunks(sc, sliceChunks(v, chunkSize), len(v), true, chunkSize)
	case map[string]interface{}:
		return s.writeChunks(sc, mapChunks(v, chunkSize), len(v), false, chunkSize)
	default:
		return nil, fmt.Errorf("chunking: unsupported value type %T", value)
	}
}

func (s Chunking) writeChunks(sc *Context, chunks []interface{}, totalItems int, isCollection bool, chunkSize int) (interface{}, error) {
	chunkKeys := make([]string, len(chunks))
	for n, chunk := range chunks {
		chunkKey := fmt.Sprintf("%s%s_%d", sidecar.ChunkPrefix, sc.Key, n)
		if err := sc.Store.Put(sc.context(), chunkKey, chunk, sc.TTL); err != nil {
			// Roll back already-written chunks so a failed write leaves no
			// orphans behind.
			for _, written := range chunkKeys[:n] {
				_, _ = sc.Store.Forget(sc.context(), written)
			}
			return nil, fmt.Errorf("write chunk %d: %w", n, err)
		}
		chunkKeys[n] = chunkKey
	}

	manifest := map[string]interface{}{
		MarkerChunked:     true,
		fieldChunkKeys:    toInterfaceSlice(chunkKeys),
		fieldTotalItems:   totalItems,
		fieldIsCollection: isCollection,
		fieldOriginalKey:  sc.Key,
		fieldDriver:       sc.Driver,
		fieldLazyLoading:  sc.Config.Strategies.Chunking.LazyLoading,
		fieldChunkSize:    chunkSize,
	}
	return manifest, nil
}

func (Chunking) Restore(value interface{}, sc *Context) (interface{}, bool, error) {
	if !HasMarker(value, MarkerChunked) {
		return value, false, nil
	}
	manifest := value.(map[string]interface{})

	chunkKeys := manifestStrings(manifest[fieldChunkKeys])
	isCollection, _ := manifest[fieldIsCollection].(bool)
	lazy, _ := manifest[fieldLazyLoading].(bool)
	totalItems := manifestInt(manifest[fieldTotalItems])
	chunkSize := manifestInt(manifest[fieldChunkSize])
	parent, _ := manifest[fieldOriginalKey].(string)

	if lazy && isCollection {
		seq, err := NewLazySequence(sc.Store, parent, chunkKeys, totalItems, chunkSize)
		if err != nil {
			return nil, true, err
		}
		return seq, true, nil
	}

	if isCollection {
		items := make([]interface{}, 0, totalItems)
		for _, chunkKey := range chunkKeys {
			chunk, ok, err := sc.Store.Get(sc.context(), chunkKey)
			if err != nil {
				return nil, true, err
			}
			if !ok {
				return nil, true, errors.ChunkMissing(parent, chunkKey)
			}
			slice, ok := chunk.([]interface{})
			if !ok {
				return nil, true, fmt.Errorf("chunk %s has unexpected type %T", chunkKey, chunk)
			}
			items = append(items, slice...)
		}
		return items, true, nil
	}

	merged := make(map[string]interface{}, totalItems)
	for _, chunkKey := range chunkKeys {
		chunk, ok, err := sc.Store.Get(sc.context(), chunkKey)
		if err != nil {
			return nil, true, err
		}
		if !ok {
			return nil, true, errors.ChunkMissing(parent, chunkKey)
		}
		m, ok := chunk.(map[string]interface{})
		if !ok {
			return nil, true, fmt.Errorf("chunk %s has unexpected type %T", chunkKey, chunk)
		}
		for key, item := range m {
			merged[key] = item
		}
	}
	return merged, true, nil
}

func elementCount(value interface{}) (int, bool) {
	switch v := value.(type) {
	case []interface{}:
		return len(v), true
	case map[string]interface{}:
		return len(v), true
	default:
		return 0, false
	}
}

func sliceChunks(items []interface{}, chunkSize int) []interface{} {
	chunks := make([]interface{}, 0, (len(items)+chunkSize-1)/chunkSize)
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, append([]interface{}(nil), items[start:end]...))
	}
	return chunks
}

func mapChunks(m map[string]interface{}, chunkSize int) []interface{} {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	chunks := make([]interface{}, 0, (len(keys)+chunkSize-1)/chunkSize)
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := make(map[string]interface{}, end-start)
		for _, key := range keys[start:end] {
			chunk[key] = m[key]
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func manifestStrings(value interface{}) []string {
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

func manifestInt(value interface{}) int {
	switch n := value.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toInterfaceSlice(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for n, key := range keys {
		out[n] = key
	}
	return out
}
