package cache

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
	"github.com/R3E-Network/smartcache/infrastructure/strategy"
)

// Forget removes key, its chunks, and every sidecar record it participates
// in. Sub-operations run in a fixed order (chunks, meta, untrack, backend
// delete); a failing backend delete leaves the earlier cleanup standing.
func (e *Engine) Forget(ctx context.Context, key string) (bool, error) {
	return e.forgetPrefixed(ctx, e.prefixed(key))
}

// Delete is an alias for Forget.
func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	return e.Forget(ctx, key)
}

func (e *Engine) forgetPrefixed(ctx context.Context, prefixedKey string) (bool, error) {
	start := time.Now()

	// Chunk cleanup first: resolve the manifest from the stored value, then
	// from the sidecar record.
	chunkKeys := e.resolveChunks(ctx, prefixedKey)
	for _, chunkKey := range chunkKeys {
		_, _ = e.store.Forget(ctx, chunkKey)
	}
	e.sidecar.DropManifest(ctx, prefixedKey)

	e.sidecar.DeleteMeta(ctx, prefixedKey)

	e.sidecar.Untrack(ctx, prefixedKey)
	e.sidecar.RemoveKeyFromTags(ctx, prefixedKey)
	e.sidecar.RemoveFromGraph(ctx, prefixedKey)
	e.scorer.Forget(prefixedKey)
	_, _ = e.store.Forget(ctx, sidecar.CostPrefix+prefixedKey)

	removed, err := e.storeForget(ctx, prefixedKey)
	if err != nil {
		return false, errors.BackendFailure("forget", err)
	}

	e.stats.forgets.Add(1)
	e.recordPerf(ctx, "forget", start)
	if removed {
		e.dispatchEvent(ctx, EventKeyForgotten, map[string]interface{}{"key": prefixedKey})
	}
	if e.metrics != nil {
		e.metrics.RecordInvalidation(e.name, "forget", 1)
	}
	return removed, nil
}

// resolveChunks finds the chunk keys owned by prefixedKey, preferring the
// stored manifest and falling back to the sidecar record.
func (e *Engine) resolveChunks(ctx context.Context, prefixedKey string) []string {
	raw, ok, err := e.store.Get(ctx, prefixedKey)
	if err == nil && ok {
		if strategy.HasMarker(raw, strategy.MarkerChunked) {
			if manifest, ok := raw.(map[string]interface{}); ok {
				return chunkKeysOf(manifest)
			}
		}
		if s, ok := raw.(string); ok && strategy.IsManifestJSON(s) {
			return strategy.ManifestChunkKeys(s)
		}
	}
	if chunks, ok := e.sidecar.Manifest(ctx, prefixedKey); ok {
		return chunks
	}
	return nil
}

// Clear drops expired managed keys, forgets every remaining managed key,
// and clears the managed-keys sidecar.
func (e *Engine) Clear(ctx context.Context) error {
	e.sidecar.CleanupExpired(ctx)
	for _, key := range e.sidecar.ManagedKeys(ctx) {
		if _, err := e.forgetPrefixed(ctx, key); err != nil {
			return err
		}
	}
	e.sidecar.ClearManaged(ctx)
	return nil
}

// Flush delegates to the backend's flush and resets every in-memory sidecar
// view.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.store.Flush(ctx); err != nil {
		return errors.BackendFailure("flush", err)
	}
	e.sidecar.Reset()
	return nil
}

// ---------------------------------------------------------------------------
// Tags

// FlushTags forgets every key under each tag, then drops the tag records.
// Missing keys are tolerated; the operation is idempotent and always
// succeeds.
func (e *Engine) FlushTags(ctx context.Context, tags []string) error {
	removed := 0
	for _, tag := range tags {
		for _, key := range e.sidecar.TagKeys(ctx, tag) {
			ok, err := e.forgetPrefixed(ctx, key)
			if err == nil && ok {
				removed++
			}
		}
		e.sidecar.DropTag(ctx, tag)
	}
	if e.metrics != nil {
		e.metrics.RecordInvalidation(e.name, "tag", removed)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Patterns

// FlushPatterns forgets every managed key matching any of the patterns and
// returns the match count. A pattern is either a glob (*, ?) or a
// /-delimited regular expression; invalid regexes match nothing.
func (e *Engine) FlushPatterns(ctx context.Context, patterns []string) (int, error) {
	matchers := make([]func(string) bool, 0, len(patterns))
	for _, pattern := range patterns {
		if matcher := compilePattern(pattern); matcher != nil {
			matchers = append(matchers, matcher)
		}
	}

	matched := 0
	for _, key := range e.sidecar.ManagedKeys(ctx) {
		for _, matches := range matchers {
			if matches(key) {
				matched++
				_, _ = e.forgetPrefixed(ctx, key)
				break
			}
		}
	}
	if e.metrics != nil {
		e.metrics.RecordInvalidation(e.name, "pattern", matched)
	}
	return matched, nil
}

// compilePattern builds a matcher for a glob or /-delimited regex pattern.
// Returns nil for invalid regexes, which match nothing.
func compilePattern(pattern string) func(string) bool {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return nil
		}
		return re.MatchString
	}
	return func(key string) bool {
		ok, err := path.Match(pattern, key)
		return err == nil && ok
	}
}

// ---------------------------------------------------------------------------
// Dependencies

// DependsOn records that child depends on parent: invalidating parent
// cascades to child.
func (e *Engine) DependsOn(ctx context.Context, child, parent string) {
	e.sidecar.AddDependency(ctx, e.prefixed(child), e.prefixed(parent))
}

// Invalidate cascades over the dependency graph: each key's dependents are
// invalidated before the key itself is forgotten and its edges removed.
// Cycles terminate through the visited set; non-existent keys succeed.
func (e *Engine) Invalidate(ctx context.Context, key string) error {
	type frame struct {
		key      string
		expanded bool
	}

	visited := make(map[string]struct{})
	stack := []frame{{key: e.prefixed(key)}}
	invalidated := 0

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.expanded {
			_, _ = e.forgetPrefixed(ctx, top.key)
			invalidated++
			continue
		}
		if _, seen := visited[top.key]; seen {
			continue
		}
		visited[top.key] = struct{}{}

		// Post-order: the key is forgotten only after its dependents.
		stack = append(stack, frame{key: top.key, expanded: true})
		for _, dependent := range e.sidecar.Dependents(ctx, top.key) {
			if _, seen := visited[dependent]; !seen {
				stack = append(stack, frame{key: dependent})
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordInvalidation(e.name, "cascade", invalidated)
	}
	return nil
}

// InvalidateModel derives conventional key patterns for a model instance
// and its relationships and flushes them.
func (e *Engine) InvalidateModel(ctx context.Context, model string, id interface{}, relationships []string) (int, error) {
	patterns := []string{
		fmt.Sprintf("%s_%v", model, id),
		fmt.Sprintf("%s_%v_*", model, id),
	}
	for _, relationship := range relationships {
		patterns = append(patterns, fmt.Sprintf("%s_*_%s_%v", relationship, model, id))
	}
	return e.FlushPatterns(ctx, patterns)
}

// ---------------------------------------------------------------------------
// Orphan chunks

// SweepOrphanChunks reclaims chunks whose parent key is gone and drops
// manifest records with no surviving chunks. Returns the number of chunk
// entries removed.
func (e *Engine) SweepOrphanChunks(ctx context.Context) int {
	removed := 0
	for parent, chunkKeys := range e.sidecar.Manifests(ctx) {
		parentAlive, err := e.store.Has(ctx, parent)
		if err != nil {
			continue
		}
		if parentAlive {
			continue
		}

		for _, chunkKey := range chunkKeys {
			ok, err := e.store.Forget(ctx, chunkKey)
			if err == nil && ok {
				removed++
			}
		}
		e.sidecar.DropManifest(ctx, parent)
	}

	if e.metrics != nil {
		e.metrics.RecordInvalidation(e.name, "sweep", removed)
	}
	return removed
}
