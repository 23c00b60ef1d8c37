package inference

import (
	"context"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

// Cache lifecycle.
//
// States: Empty -> Warm -> Dirty -> Empty.
//   - SyncCache moves Empty/Dirty -> Warm.
//   - MarkDirty (called after any store mutation touching a cached edge
//     type) moves Warm -> Dirty; under the eager strategy it immediately
//     resynchronizes.
//   - ClearCache moves any state -> Empty.
//
// Under the lazy strategy a query served from a dirty cache first purges
// rows whose edge path references a deleted edge, so invariant 5 (no
// stale row is ever served) holds in every state.

// MarkDirty signals that a store mutation may have invalidated cached
// inferences. Under StrategyEager the cache resynchronizes immediately.
func (e *Engine) MarkDirty(ctx context.Context) error {
	if !e.config.EnableCache {
		return nil
	}

	e.mu.Lock()
	if e.state == CacheWarm {
		e.state = CacheDirty
	}
	eager := e.config.Strategy == StrategyEager && e.state == CacheDirty
	e.mu.Unlock()

	if eager {
		return e.SyncCache(ctx, false)
	}
	return nil
}

// ClearCache drops every materialized row and resets the state machine.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.ClearCache(ctx); err != nil {
		return &QueryError{Op: "clear cache", Err: err}
	}
	e.mu.Lock()
	e.state = CacheEmpty
	e.mu.Unlock()
	return nil
}

// SyncCache rematerializes the whole inference cache: for every
// transitive edge type all pairs with depth >= 2, and for every
// inheritable type all containment-propagated pairs. Each row stores its
// ordered witnessing edge path.
//
// A no-op when caching is disabled, or when the strategy is manual and
// force is false. Running queries without a warm cache falls back to
// on-demand computation honoring the same contracts.
func (e *Engine) SyncCache(ctx context.Context, force bool) error {
	if !e.config.EnableCache {
		return nil
	}
	if e.config.Strategy == StrategyManual && !force {
		return nil
	}

	var entries []*storage.CacheEntry

	for _, transitiveType := range e.registry.TransitiveTypes() {
		starts, err := e.startNodes(ctx, transitiveType)
		if err != nil {
			return err
		}
		for _, from := range starts {
			found, err := e.transitiveClosure(ctx, from, transitiveType,
				[]string{transitiveType}, e.config.DefaultMaxPathLength, true)
			if err != nil {
				return err
			}
			entries = append(entries, found...)
		}
	}

	for _, inheritableType := range e.registry.InheritableTypes() {
		starts, err := e.startNodes(ctx, edgetype.Contains)
		if err != nil {
			return err
		}
		for _, from := range starts {
			found, err := e.inheritableClosure(ctx, from, edgetype.Contains,
				inheritableType, e.config.DefaultMaxInheritanceDepth)
			if err != nil {
				return err
			}
			entries = append(entries, found...)
		}
	}

	if err := e.store.ReplaceCache(ctx, nil, entries); err != nil {
		return &QueryError{Op: "materialize cache", Err: err}
	}

	e.mu.Lock()
	e.state = CacheWarm
	e.mu.Unlock()
	return nil
}

// startNodes lists the distinct start nodes of all edges of one type.
func (e *Engine) startNodes(ctx context.Context, edgeType string) ([]storage.NodeID, error) {
	edges, err := e.store.FindEdges(ctx, storage.EdgeFilter{Types: []string{edgeType}})
	if err != nil {
		return nil, &QueryError{Op: "enumerate start nodes", Err: err}
	}
	seen := make(map[storage.NodeID]struct{}, len(edges))
	var out []storage.NodeID
	for _, edge := range edges {
		if _, dup := seen[edge.StartNode]; dup {
			continue
		}
		seen[edge.StartNode] = struct{}{}
		out = append(out, edge.StartNode)
	}
	return out, nil
}

// tryServeFromCache answers a transitive query from the materialized
// cache when its state allows. Returns served=false when the caller must
// compute on demand.
func (e *Engine) tryServeFromCache(ctx context.Context, from storage.NodeID, edgeType string, maxLen int) (bool, []*InferredRelationship, error) {
	if !e.config.EnableCache {
		return false, nil, nil
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case CacheWarm:
		// Serve directly.
	case CacheDirty:
		if e.config.Strategy != StrategyLazy {
			return false, nil, nil
		}
		// Lazy dirty reads purge stale rows first so no served entry can
		// reference a deleted edge.
		if _, err := e.store.PurgeStaleCacheEntries(ctx); err != nil {
			return false, nil, &QueryError{Op: "purge stale cache", Err: err}
		}
	default:
		return false, nil, nil
	}

	rows, err := e.store.CacheEntries(ctx, storage.CacheFilter{
		InferredTypes: []string{edgeType},
		StartNode:     from,
	})
	if err != nil {
		return false, nil, &QueryError{Op: "read cache", Err: err}
	}

	var entries []*storage.CacheEntry
	for _, row := range rows {
		if row.Depth > maxLen {
			continue
		}
		// A transitive answer must be witnessed by edges of the queried
		// type alone; rows materialized by inheritable propagation share
		// the inferred_type column and are filtered out here.
		ok, err := e.pathHasOnlyType(ctx, row.EdgePath, edgeType)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, row)
	}
	sortEntries(entries)
	return true, e.entriesToRelationships(entries, TypeTransitive), nil
}

func (e *Engine) pathHasOnlyType(ctx context.Context, path []storage.EdgeID, edgeType string) (bool, error) {
	for _, id := range path {
		edge, err := e.store.GetEdge(ctx, id)
		if err != nil {
			return false, &QueryError{Op: "verify cache path", Err: err}
		}
		if edge.Type != edgeType {
			return false, nil
		}
	}
	return true, nil
}
