package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

type fixture struct {
	store    storage.Store
	registry *edgetype.Registry
	engine   *Engine
}

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	registry := edgetype.New()
	return &fixture{
		store:    store,
		registry: registry,
		engine:   New(store, registry, config),
	}
}

func (f *fixture) node(t *testing.T, identifier, nodeType string) storage.NodeID {
	t.Helper()
	id, err := f.store.UpsertNode(context.Background(), &storage.Node{
		Identifier: identifier,
		Type:       nodeType,
		Name:       identifier,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) edge(t *testing.T, from, to storage.NodeID, edgeType string) storage.EdgeID {
	t.Helper()
	id, err := f.store.UpsertEdge(context.Background(), &storage.Edge{
		StartNode: from,
		EndNode:   to,
		Type:      edgeType,
	})
	require.NoError(t, err)
	return id
}

func TestQueryHierarchicalNormalizesChildren(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	file := f.node(t, "p/a.ts", "file")
	lib := f.node(t, "library#react", "library")
	other := f.node(t, "p/b.ts", "file")
	f.edge(t, file, lib, edgetype.ImportsLibrary)
	f.edge(t, file, other, edgetype.ImportsFile)

	rels, err := f.engine.QueryHierarchical(ctx, edgetype.Imports, HierarchicalOptions{IncludeChildren: true})
	require.NoError(t, err)
	require.Len(t, rels, 2)

	for _, rel := range rels {
		// Relabeled to the requested general type.
		assert.Equal(t, edgetype.Imports, rel.Type)
		assert.Equal(t, TypeHierarchical, rel.Path.InferenceType)
		assert.Equal(t, 1, rel.Path.Depth, "children are one step below imports")
		assert.Len(t, rel.Path.EdgeIDs, 1)
	}

	// Without children only direct imports edges qualify; there are none.
	rels, err = f.engine.QueryHierarchical(ctx, edgetype.Imports, HierarchicalOptions{})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestQueryHierarchicalParents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.node(t, "p/a.ts", "file")
	b := f.node(t, "p/b.ts", "file")
	f.edge(t, a, b, edgetype.DependsOn)

	rels, err := f.engine.QueryHierarchical(ctx, edgetype.ImportsLibrary, HierarchicalOptions{IncludeParents: true})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, edgetype.ImportsLibrary, rels[0].Type)
	assert.Equal(t, 2, rels[0].Path.Depth, "depends_on is two levels above imports_library")

	_, err = f.engine.QueryHierarchical(ctx, "not_a_type", HierarchicalOptions{})
	assert.ErrorIs(t, err, edgetype.ErrNotRegistered)
}

func TestQueryTransitiveChain(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	n1 := f.node(t, "p/1.ts", "file")
	n2 := f.node(t, "p/2.ts", "file")
	n3 := f.node(t, "p/3.ts", "file")
	e1 := f.edge(t, n1, n2, edgetype.DependsOn)
	e2 := f.edge(t, n2, n3, edgetype.DependsOn)

	rels, err := f.engine.QueryTransitive(ctx, n1, edgetype.DependsOn, TransitiveOptions{DetectCycles: true})
	require.NoError(t, err)
	require.Len(t, rels, 1)

	rel := rels[0]
	assert.Equal(t, n1, rel.FromNodeID)
	assert.Equal(t, n3, rel.ToNodeID)
	assert.Equal(t, 2, rel.Path.Depth)
	assert.Equal(t, TypeTransitive, rel.Path.InferenceType)
	assert.Equal(t, []storage.EdgeID{e1, e2}, rel.Path.EdgeIDs)
}

func TestQueryTransitiveRefusesNonTransitive(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.QueryTransitive(context.Background(), 1, edgetype.ImportsLibrary, TransitiveOptions{})
	assert.ErrorIs(t, err, edgetype.ErrNotTransitive)

	_, err = f.engine.QueryTransitive(context.Background(), 1, "ghost_type", TransitiveOptions{})
	assert.ErrorIs(t, err, edgetype.ErrNotRegistered)
}

func TestQueryTransitiveShallowestPathWins(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	// Two routes from a to d: a->b->d (depth 2) and a->b->c->d (depth 3).
	a := f.node(t, "p/a.ts", "file")
	b := f.node(t, "p/b.ts", "file")
	c := f.node(t, "p/c.ts", "file")
	d := f.node(t, "p/d.ts", "file")
	f.edge(t, a, b, edgetype.DependsOn)
	f.edge(t, b, d, edgetype.DependsOn)
	f.edge(t, b, c, edgetype.DependsOn)
	f.edge(t, c, d, edgetype.DependsOn)

	rels, err := f.engine.QueryTransitive(ctx, a, edgetype.DependsOn, TransitiveOptions{DetectCycles: true})
	require.NoError(t, err)

	perTarget := make(map[storage.NodeID]int)
	byTarget := make(map[storage.NodeID]*InferredRelationship)
	for _, rel := range rels {
		perTarget[rel.ToNodeID]++
		byTarget[rel.ToNodeID] = rel
	}
	for target, count := range perTarget {
		assert.Equal(t, 1, count, "one entry per (start,end) pair, target %d", target)
	}
	require.Contains(t, byTarget, d)
	assert.Equal(t, 2, byTarget[d].Path.Depth, "shallowest path wins")

	// Sorted by depth ascending.
	for i := 1; i < len(rels); i++ {
		assert.GreaterOrEqual(t, rels[i].Path.Depth, rels[i-1].Path.Depth)
	}
}

func TestQueryTransitiveCycleDetection(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	a := f.node(t, "p/a.ts", "file")
	b := f.node(t, "p/b.ts", "file")
	f.edge(t, a, b, edgetype.DependsOn)
	f.edge(t, b, a, edgetype.DependsOn)

	rels, err := f.engine.QueryTransitive(ctx, a, edgetype.DependsOn, TransitiveOptions{
		MaxPathLength: 6,
		DetectCycles:  true,
	})
	require.NoError(t, err)
	// With cycle detection no node repeats, so the only reachable
	// two-hop target would be a itself; that path revisits a and is cut.
	assert.Empty(t, rels)
}

func TestQueryTransitiveMaxPathLength(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	ids := make([]storage.NodeID, 5)
	for i := range ids {
		ids[i] = f.node(t, string(rune('a'+i))+".ts", "file")
	}
	for i := 0; i+1 < len(ids); i++ {
		f.edge(t, ids[i], ids[i+1], edgetype.DependsOn)
	}

	rels, err := f.engine.QueryTransitive(ctx, ids[0], edgetype.DependsOn, TransitiveOptions{
		MaxPathLength: 2,
		DetectCycles:  true,
	})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, ids[2], rels[0].ToNodeID)
}

func TestQueryInheritableComposition(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	file := f.node(t, "p/f.ts", "file")
	class := f.node(t, "p/f.ts#Class:C", "class")
	base := f.node(t, "p/base.ts#Class:B", "class")
	contains := f.edge(t, file, class, edgetype.Contains)
	extends := f.edge(t, class, base, edgetype.Extends)

	rels, err := f.engine.QueryInheritable(ctx, file, edgetype.Contains, edgetype.Extends, InheritableOptions{})
	require.NoError(t, err)
	require.Len(t, rels, 1)

	rel := rels[0]
	assert.Equal(t, file, rel.FromNodeID)
	assert.Equal(t, base, rel.ToNodeID)
	assert.Equal(t, edgetype.Extends, rel.Type)
	assert.Equal(t, TypeInheritable, rel.Path.InferenceType)
	assert.Equal(t, []storage.EdgeID{contains, extends}, rel.Path.EdgeIDs)
	assert.Equal(t, 2, rel.Path.Depth)
}

func TestQueryInheritableRecursive(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: false})
	ctx := context.Background()

	dir := f.node(t, "p/src", "directory")
	file := f.node(t, "p/src/f.ts", "file")
	class := f.node(t, "p/src/f.ts#Class:C", "class")
	base := f.node(t, "p/base.ts#Class:B", "class")
	f.edge(t, dir, file, edgetype.Contains)
	f.edge(t, file, class, edgetype.Contains)
	f.edge(t, class, base, edgetype.Extends)

	rels, err := f.engine.QueryInheritable(ctx, dir, edgetype.Contains, edgetype.Extends, InheritableOptions{})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, base, rels[0].ToNodeID)
	assert.Equal(t, 3, rels[0].Path.Depth)

	// Depth bound cuts the parent chain.
	rels, err = f.engine.QueryInheritable(ctx, dir, edgetype.Contains, edgetype.Extends, InheritableOptions{
		MaxInheritanceDepth: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestQueryInheritableRefusals(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.QueryInheritable(context.Background(), 1, edgetype.Contains, edgetype.Calls, InheritableOptions{})
	assert.ErrorIs(t, err, edgetype.ErrNotInheritable)

	_, err = f.engine.QueryInheritable(context.Background(), 1, "ghost", edgetype.Extends, InheritableOptions{})
	assert.ErrorIs(t, err, edgetype.ErrNotRegistered)
}

func TestSyncCacheMaterializesAndServes(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: true, Strategy: StrategyManual})
	ctx := context.Background()

	n1 := f.node(t, "p/1.ts", "file")
	n2 := f.node(t, "p/2.ts", "file")
	n3 := f.node(t, "p/3.ts", "file")
	f.edge(t, n1, n2, edgetype.DependsOn)
	f.edge(t, n2, n3, edgetype.DependsOn)

	assert.Equal(t, CacheEmpty, f.engine.CacheState())

	// Manual strategy ignores non-forced syncs.
	require.NoError(t, f.engine.SyncCache(ctx, false))
	assert.Equal(t, CacheEmpty, f.engine.CacheState())

	require.NoError(t, f.engine.SyncCache(ctx, true))
	assert.Equal(t, CacheWarm, f.engine.CacheState())

	entries, err := f.store.CacheEntries(ctx, storage.CacheFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Depth)

	// Warm cache answers the query.
	rels, err := f.engine.QueryTransitive(ctx, n1, edgetype.DependsOn, TransitiveOptions{DetectCycles: true})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, n3, rels[0].ToNodeID)
}

func TestCacheStateMachine(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: true, Strategy: StrategyLazy})
	ctx := context.Background()

	n1 := f.node(t, "p/1.ts", "file")
	n2 := f.node(t, "p/2.ts", "file")
	n3 := f.node(t, "p/3.ts", "file")
	f.edge(t, n1, n2, edgetype.DependsOn)
	e2 := f.edge(t, n2, n3, edgetype.DependsOn)

	require.NoError(t, f.engine.SyncCache(ctx, false))
	assert.Equal(t, CacheWarm, f.engine.CacheState())

	// Mutation turns the cache dirty.
	require.NoError(t, f.store.DeleteEdge(ctx, e2))
	require.NoError(t, f.engine.MarkDirty(ctx))
	assert.Equal(t, CacheDirty, f.engine.CacheState())

	// Lazy dirty reads never serve stale rows: the store purged the row
	// on delete, and the query finds nothing.
	rels, err := f.engine.QueryTransitive(ctx, n1, edgetype.DependsOn, TransitiveOptions{DetectCycles: true})
	require.NoError(t, err)
	assert.Empty(t, rels)

	require.NoError(t, f.engine.ClearCache(ctx))
	assert.Equal(t, CacheEmpty, f.engine.CacheState())
}

func TestEagerStrategyResyncsOnMarkDirty(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: true, Strategy: StrategyEager})
	ctx := context.Background()

	n1 := f.node(t, "p/1.ts", "file")
	n2 := f.node(t, "p/2.ts", "file")
	f.edge(t, n1, n2, edgetype.DependsOn)

	require.NoError(t, f.engine.SyncCache(ctx, false))
	require.Equal(t, CacheWarm, f.engine.CacheState())

	n3 := f.node(t, "p/3.ts", "file")
	f.edge(t, n2, n3, edgetype.DependsOn)

	require.NoError(t, f.engine.MarkDirty(ctx))
	assert.Equal(t, CacheWarm, f.engine.CacheState(), "eager strategy resynchronizes immediately")

	entries, err := f.store.CacheEntries(ctx, storage.CacheFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCacheFreshnessAfterFileReanalysis(t *testing.T) {
	f := newFixture(t, &Config{EnableCache: true, Strategy: StrategyLazy})
	ctx := context.Background()

	n1 := f.node(t, "p/1.ts", "file")
	n2 := f.node(t, "p/2.ts", "file")
	n3 := f.node(t, "p/3.ts", "file")
	e1, err := f.store.UpsertEdge(ctx, &storage.Edge{StartNode: n1, EndNode: n2, Type: edgetype.DependsOn, SourceFile: "1.ts"})
	require.NoError(t, err)
	_, err = f.store.UpsertEdge(ctx, &storage.Edge{StartNode: n2, EndNode: n3, Type: edgetype.DependsOn, SourceFile: "2.ts"})
	require.NoError(t, err)

	require.NoError(t, f.engine.SyncCache(ctx, false))

	// Re-analysis deletes 1.ts edges; no cache row may reference e1.
	_, err = f.store.DeleteEdgesBySourceFile(ctx, "1.ts")
	require.NoError(t, err)

	entries, err := f.store.CacheEntries(ctx, storage.CacheFilter{})
	require.NoError(t, err)
	for _, entry := range entries {
		for _, edgeID := range entry.EdgePath {
			assert.NotEqual(t, e1, edgeID)
			_, err := f.store.GetEdge(ctx, edgeID)
			assert.NoError(t, err, "cache rows reference live edges only")
		}
	}
}

func TestValidateCleanGraph(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.engine.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateReportsGraphCycles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.node(t, "p/a.ts", "file")
	b := f.node(t, "p/b.ts", "file")
	f.edge(t, a, b, edgetype.DependsOn)
	f.edge(t, b, a, edgetype.DependsOn)

	result, err := f.engine.Validate(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "circular")
	assert.NotEmpty(t, result.Warnings)
}
