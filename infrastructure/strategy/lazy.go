package strategy

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/store"
)

// lazyChunkLRU is how many loaded chunks a lazy sequence keeps resident.
const lazyChunkLRU = 3

// LazySequence is a read-only, restartable view over a chunked collection.
// Chunks load on demand and a small LRU keeps recent ones resident; the LRU
// is purely a memory optimization, the chunks in the backend stay the
// owning copies.
type LazySequence struct {
	store      store.Store
	parent     string
	chunkKeys  []string
	totalItems int
	chunkSize  int
	resident   *lru.Cache[int, []interface{}]
}

// NewLazySequence creates a new LazySequence
func NewLazySequence(s store.Store, parent string, chunkKeys []string, totalItems, chunkSize int) (*LazySequence, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("lazy sequence: invalid chunk size %d", chunkSize)
	}
	resident, err := lru.New[int, []interface{}](lazyChunkLRU)
	if err != nil {
		return nil, err
	}
	return &LazySequence{
		store:      s,
		parent:     parent,
		chunkKeys:  chunkKeys,
		totalItems: totalItems,
		chunkSize:  chunkSize,
		resident:   resident,
	}, nil
}

// Len returns the total number of items.
func (s *LazySequence) Len() int {
	return s.totalItems
}

// At returns the item at index, loading its chunk if needed.
func (s *LazySequence) At(ctx context.Context, index int) (interface{}, error) {
	if index < 0 || index >= s.totalItems {
		return nil, fmt.Errorf("lazy sequence: index %d out of range [0,%d)", index, s.totalItems)
	}

	chunkIndex := index / s.chunkSize
	chunk, err := s.chunk(ctx, chunkIndex)
	if err != nil {
		return nil, err
	}

	offset := index % s.chunkSize
	if offset >= len(chunk) {
		return nil, fmt.Errorf("lazy sequence: chunk %d shorter than expected", chunkIndex)
	}
	return chunk[offset], nil
}

// Each walks the sequence in order. The walk is restartable: calling Each
// again starts over from the first item.
func (s *LazySequence) Each(ctx context.Context, fn func(index int, item interface{}) error) error {
	position := 0
	for chunkIndex := range s.chunkKeys {
		chunk, err := s.chunk(ctx, chunkIndex)
		if err != nil {
			return err
		}
		for _, item := range chunk {
			if err := fn(position, item); err != nil {
				return err
			}
			position++
		}
	}
	return nil
}

// Slice materializes the whole sequence. Intended for callers that decide
// they need everything after all.
func (s *LazySequence) Slice(ctx context.Context) ([]interface{}, error) {
	items := make([]interface{}, 0, s.totalItems)
	err := s.Each(ctx, func(_ int, item interface{}) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *LazySequence) chunk(ctx context.Context, chunkIndex int) ([]interface{}, error) {
	if chunk, ok := s.resident.Get(chunkIndex); ok {
		return chunk, nil
	}

	chunkKey := s.chunkKeys[chunkIndex]
	value, ok, err := s.store.Get(ctx, chunkKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ChunkMissing(s.parent, chunkKey)
	}
	chunk, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("chunk %s has unexpected type %T", chunkKey, value)
	}

	s.resident.Add(chunkIndex, chunk)
	return chunk, nil
}
