package cache

import (
	"context"
	"strings"
)

// Namespace returns a façade whose keys are prefixed with ns. All sidecar
// bookkeeping records the fully-prefixed form.
func (e *Engine) Namespace(ns string) *Engine {
	copied := e.clone()
	copied.namespace = ns
	return copied
}

// WithoutNamespace returns a façade with no active namespace.
func (e *Engine) WithoutNamespace() *Engine {
	copied := e.clone()
	copied.namespace = ""
	return copied
}

// GetNamespace returns the active namespace, empty when none.
func (e *Engine) GetNamespace() string {
	return e.namespace
}

// GetNamespaceKeys returns the managed keys under namespace ns.
func (e *Engine) GetNamespaceKeys(ctx context.Context, ns string) []string {
	prefix := ns + ":"
	keys := make([]string, 0)
	for _, key := range e.sidecar.ManagedKeys(ctx) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// FlushNamespace forgets every managed key under namespace ns, returning
// how many were removed.
func (e *Engine) FlushNamespace(ctx context.Context, ns string) int {
	removed := 0
	for _, key := range e.GetNamespaceKeys(ctx, ns) {
		ok, err := e.forgetPrefixed(ctx, key)
		if err == nil && ok {
			removed++
		}
	}
	return removed
}
