package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
)

// storeFactory builds a fresh store for one test.
type storeFactory func(t *testing.T) Store

// runStoreSuite exercises the Store contract against one implementation.
// Every engine must pass the identical suite: upsert semantics, ordering,
// strict cache invalidation and transaction atomicity are interface-level
// guarantees, not engine quirks.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("UpsertNodeIdentity", func(t *testing.T) { testUpsertNodeIdentity(t, newStore(t)) })
	t.Run("UpsertNodeMerge", func(t *testing.T) { testUpsertNodeMerge(t, newStore(t)) })
	t.Run("GetNodeErrors", func(t *testing.T) { testGetNodeErrors(t, newStore(t)) })
	t.Run("UpsertEdgeDedup", func(t *testing.T) { testUpsertEdgeDedup(t, newStore(t)) })
	t.Run("UpsertEdgeEndpoints", func(t *testing.T) { testUpsertEdgeEndpoints(t, newStore(t)) })
	t.Run("FindNodesOrdering", func(t *testing.T) { testFindNodesOrdering(t, newStore(t)) })
	t.Run("FindEdgesFilters", func(t *testing.T) { testFindEdgesFilters(t, newStore(t)) })
	t.Run("DeleteEdgePurgesCache", func(t *testing.T) { testDeleteEdgePurgesCache(t, newStore(t)) })
	t.Run("DeleteBySourceFile", func(t *testing.T) { testDeleteBySourceFile(t, newStore(t)) })
	t.Run("Traversal", func(t *testing.T) { testTraversal(t, newStore(t)) })
	t.Run("EdgeTypesMirror", func(t *testing.T) { testEdgeTypesMirror(t, newStore(t)) })
	t.Run("CacheContract", func(t *testing.T) { testCacheContract(t, newStore(t)) })
	t.Run("TransactionAtomicity", func(t *testing.T) { testTransactionAtomicity(t, newStore(t)) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, newStore(t)) })
	t.Run("DependencyPath", func(t *testing.T) { testDependencyPath(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore(t)) })
}

func mustNode(t *testing.T, s Store, identifier, nodeType, sourceFile string) NodeID {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), &Node{
		Identifier: identifier,
		Type:       nodeType,
		Name:       identifier,
		SourceFile: sourceFile,
	})
	require.NoError(t, err)
	return id
}

func mustEdge(t *testing.T, s Store, from, to NodeID, edgeType, sourceFile string) EdgeID {
	t.Helper()
	id, err := s.UpsertEdge(context.Background(), &Edge{
		StartNode:  from,
		EndNode:    to,
		Type:       edgeType,
		Weight:     1,
		SourceFile: sourceFile,
	})
	require.NoError(t, err)
	return id
}

func testUpsertNodeIdentity(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	first, err := s.UpsertNode(ctx, &Node{
		Identifier: "p/src/a.ts",
		Type:       "file",
		Name:       "a.ts",
	})
	require.NoError(t, err)

	second, err := s.UpsertNode(ctx, &Node{
		Identifier: "p/src/a.ts",
		Type:       "file",
		Name:       "a.ts",
	})
	require.NoError(t, err)

	// Two upserts with the same identifier return the same id.
	assert.Equal(t, first, second)

	_, err = s.UpsertNode(ctx, &Node{Identifier: ""})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func testUpsertNodeMerge(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.UpsertNode(ctx, &Node{
		Identifier: "p/src/a.ts#Class:A",
		Type:       "class",
		Name:       "A",
		SourceFile: "src/a.ts",
		Language:   "typescript",
		Metadata:    map[string]any{"exported": true, "abstract": false},
		StartLine:   10,
		StartColumn: 2,
	})
	require.NoError(t, err)

	// Re-upsert with partial fields: metadata keys overwrite, absent
	// scalar fields are preserved.
	_, err = s.UpsertNode(ctx, &Node{
		Identifier: "p/src/a.ts#Class:A",
		Metadata:   map[string]any{"abstract": true, "decorated": true},
	})
	require.NoError(t, err)

	node, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "class", node.Type)
	assert.Equal(t, "A", node.Name)
	assert.Equal(t, "typescript", node.Language)
	assert.Equal(t, 10, node.StartLine)
	assert.Equal(t, true, node.Metadata["exported"])
	assert.Equal(t, true, node.Metadata["abstract"])
	assert.Equal(t, true, node.Metadata["decorated"])
}

func testGetNodeErrors(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetNode(ctx, 4242)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetNodeByIdentifier(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	id := mustNode(t, s, "p/x.ts", "file", "x.ts")
	node, err := s.GetNodeByIdentifier(ctx, "p/x.ts")
	require.NoError(t, err)
	assert.Equal(t, id, node.ID)
}

func testUpsertEdgeDedup(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")

	first, err := s.UpsertEdge(ctx, &Edge{
		StartNode: a, EndNode: b, Type: edgetype.ImportsFile,
		Weight:   3,
		Metadata: map[string]any{"symbols": float64(1)},
	})
	require.NoError(t, err)

	second, err := s.UpsertEdge(ctx, &Edge{
		StartNode: a, EndNode: b, Type: edgetype.ImportsFile,
		Weight:   3.02,
		Metadata: map[string]any{"symbols": float64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	edge, err := s.GetEdge(ctx, first)
	require.NoError(t, err)
	assert.InDelta(t, 3.02, edge.Weight, 1e-9)
	assert.Equal(t, float64(2), edge.Metadata["symbols"])

	// A different label is a different edge.
	third, err := s.UpsertEdge(ctx, &Edge{
		StartNode: a, EndNode: b, Type: edgetype.ImportsFile, Label: "lazy",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func testUpsertEdgeEndpoints(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")

	_, err := s.UpsertEdge(ctx, &Edge{StartNode: a, EndNode: 999, Type: "imports"})
	assert.ErrorIs(t, err, ErrInvalidEdge)

	_, err = s.UpsertEdge(ctx, &Edge{StartNode: 999, EndNode: a, Type: "imports"})
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func testFindNodesOrdering(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, &Node{
		Identifier: "p/b.ts#Class:Late", Type: "class", Name: "Late",
		SourceFile: "src/b.ts", StartLine: 40, StartColumn: 1,
	})
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, &Node{
		Identifier: "p/b.ts#Class:Early", Type: "class", Name: "Early",
		SourceFile: "src/b.ts", StartLine: 3, StartColumn: 1,
	})
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, &Node{
		Identifier: "p/a.ts", Type: "file", Name: "a.ts",
		SourceFile: "src/a.ts",
	})
	require.NoError(t, err)

	nodes, err := s.FindNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "src/a.ts", nodes[0].SourceFile)
	assert.Equal(t, "Early", nodes[1].Name)
	assert.Equal(t, "Late", nodes[2].Name)

	classes, err := s.FindNodes(ctx, NodeFilter{Types: []string{"class"}})
	require.NoError(t, err)
	assert.Len(t, classes, 2)

	limited, err := s.FindNodes(ctx, NodeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testFindEdgesFilters(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	lib := mustNode(t, s, "library#react", "library", "")

	mustEdge(t, s, a, b, edgetype.ImportsFile, "a.ts")
	mustEdge(t, s, a, lib, edgetype.ImportsLibrary, "a.ts")
	mustEdge(t, s, b, lib, edgetype.ImportsLibrary, "b.ts")

	all, err := s.FindEdges(ctx, EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by (startNodeId, endNodeId).
	assert.Equal(t, a, all[0].StartNode)
	assert.Equal(t, b, all[0].EndNode)

	libs, err := s.FindEdges(ctx, EdgeFilter{Types: []string{edgetype.ImportsLibrary}})
	require.NoError(t, err)
	assert.Len(t, libs, 2)

	fromA, err := s.FindEdges(ctx, EdgeFilter{FromNodes: []NodeID{a}})
	require.NoError(t, err)
	assert.Len(t, fromA, 2)

	byFile, err := s.FindEdges(ctx, EdgeFilter{SourceFiles: []string{"b.ts"}})
	require.NoError(t, err)
	assert.Len(t, byFile, 1)
}

func testDeleteEdgePurgesCache(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	c := mustNode(t, s, "p/c.ts", "file", "c.ts")
	e1 := mustEdge(t, s, a, b, edgetype.DependsOn, "a.ts")
	e2 := mustEdge(t, s, b, c, edgetype.DependsOn, "b.ts")

	require.NoError(t, s.ReplaceCache(ctx, []string{edgetype.DependsOn}, []*CacheEntry{
		{StartNode: a, EndNode: c, InferredType: edgetype.DependsOn, EdgePath: []EdgeID{e1, e2}, Depth: 2},
	}))

	entries, err := s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Deleting an edge on the path removes the row atomically.
	require.NoError(t, s.DeleteEdge(ctx, e2))

	entries, err = s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.GetEdge(ctx, e2)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteEdge(ctx, e2), ErrNotFound)
}

func testDeleteBySourceFile(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	c := mustNode(t, s, "p/c.ts", "file", "c.ts")
	mustEdge(t, s, a, b, edgetype.ImportsFile, "a.ts")
	mustEdge(t, s, a, c, edgetype.ImportsFile, "a.ts")
	keep := mustEdge(t, s, b, c, edgetype.ImportsFile, "b.ts")

	n, err := s.DeleteEdgesBySourceFile(ctx, "a.ts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.FindEdges(ctx, EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep, remaining[0].ID)

	n, err = s.DeleteEdgesBySourceFile(ctx, "nothing.ts")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTraversal(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	lib := mustNode(t, s, "library#react", "library", "")
	mustEdge(t, s, a, b, edgetype.ImportsFile, "a.ts")
	mustEdge(t, s, a, lib, edgetype.ImportsLibrary, "a.ts")

	out, err := s.OutgoingEdges(ctx, a, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	filtered, err := s.OutgoingEdges(ctx, a, []string{edgetype.ImportsLibrary})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, lib, filtered[0].EndNode)

	in, err := s.IncomingEdges(ctx, lib, nil)
	require.NoError(t, err)
	assert.Len(t, in, 1)

	deps, err := NodeDependencies(ctx, s, a, nil)
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	dependents, err := NodeDependents(ctx, s, b, nil)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, a, dependents[0].Node.ID)
}

func testEdgeTypesMirror(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	reg := edgetype.New()
	require.NoError(t, s.RegisterEdgeTypes(ctx, reg.TypesForDynamicRegistration()))

	defs, err := s.EdgeTypes(ctx)
	require.NoError(t, err)
	require.Len(t, defs, len(reg.TypesForDynamicRegistration()))

	byName := make(map[string]edgetype.Def, len(defs))
	for _, def := range defs {
		byName[def.Type] = def
	}
	dep := byName[edgetype.DependsOn]
	assert.True(t, dep.IsTransitive)
	assert.True(t, dep.IsDirected)
	assert.Equal(t, edgetype.Imports, byName[edgetype.ImportsLibrary].Parent)

	// Re-registration overwrites rows; the table stays a superset.
	require.NoError(t, s.RegisterEdgeTypes(ctx, reg.TypesForDynamicRegistration()))
	defs2, err := s.EdgeTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, defs2, len(defs))
}

func testCacheContract(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	c := mustNode(t, s, "p/c.ts", "file", "c.ts")
	e1 := mustEdge(t, s, a, b, edgetype.DependsOn, "a.ts")
	e2 := mustEdge(t, s, b, c, edgetype.DependsOn, "b.ts")
	x1 := mustEdge(t, s, a, b, edgetype.Extends, "a.ts")

	// Depth < 2 entries are rejected: direct edges live in the edge table.
	err := s.ReplaceCache(ctx, nil, []*CacheEntry{
		{StartNode: a, EndNode: b, InferredType: edgetype.DependsOn, EdgePath: []EdgeID{e1}, Depth: 1},
	})
	assert.ErrorIs(t, err, ErrInvalidData)

	require.NoError(t, s.ReplaceCache(ctx, nil, []*CacheEntry{
		{StartNode: a, EndNode: c, InferredType: edgetype.DependsOn, EdgePath: []EdgeID{e1, e2}, Depth: 2},
		{StartNode: a, EndNode: c, InferredType: edgetype.Extends, EdgePath: []EdgeID{x1, e2}, Depth: 2},
	}))

	deps, err := s.CacheEntries(ctx, CacheFilter{InferredTypes: []string{edgetype.DependsOn}})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, []EdgeID{e1, e2}, deps[0].EdgePath)

	byStart, err := s.CacheEntries(ctx, CacheFilter{StartNode: a})
	require.NoError(t, err)
	assert.Len(t, byStart, 2)

	// Replacing one type leaves the other alone.
	require.NoError(t, s.ReplaceCache(ctx, []string{edgetype.DependsOn}, nil))
	left, err := s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, edgetype.Extends, left[0].InferredType)

	require.NoError(t, s.ClearCache(ctx))
	none, err := s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTransactionAtomicity(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx Store) error {
		if _, err := tx.UpsertNode(ctx, &Node{Identifier: "p/doomed.ts", Type: "file", Name: "doomed.ts"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetNodeByIdentifier(ctx, "p/doomed.ts")
	assert.ErrorIs(t, err, ErrNotFound, "rolled-back writes must not be observable")

	// A committed transaction is fully visible.
	err = s.RunInTransaction(ctx, func(tx Store) error {
		a, err := tx.UpsertNode(ctx, &Node{Identifier: "p/a.ts", Type: "file", Name: "a.ts"})
		if err != nil {
			return err
		}
		b, err := tx.UpsertNode(ctx, &Node{Identifier: "p/b.ts", Type: "file", Name: "b.ts"})
		if err != nil {
			return err
		}
		_, err = tx.UpsertEdge(ctx, &Edge{StartNode: a, EndNode: b, Type: edgetype.ImportsFile, SourceFile: "a.ts"})
		return err
	})
	require.NoError(t, err)

	edges, err := s.FindEdges(ctx, EdgeFilter{})
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func testStatistics(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	lib := mustNode(t, s, "library#react", "library", "")
	mustNode(t, s, "p/a.ts#Class:A", "class", "a.ts")
	mustEdge(t, s, a, lib, edgetype.ImportsLibrary, "a.ts")

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Nodes)
	assert.Equal(t, int64(1), stats.Edges)
	assert.Equal(t, int64(1), stats.NodesByType["library"])
	assert.Equal(t, int64(1), stats.NodesByType["class"])
	assert.Equal(t, int64(1), stats.EdgesByType[edgetype.ImportsLibrary])
}

func testDependencyPath(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	c := mustNode(t, s, "p/c.ts", "file", "c.ts")
	d := mustNode(t, s, "p/d.ts", "file", "d.ts")
	mustEdge(t, s, a, b, edgetype.ImportsFile, "a.ts")
	mustEdge(t, s, b, c, edgetype.ImportsFile, "b.ts")
	mustEdge(t, s, a, d, edgetype.ImportsFile, "a.ts")

	path, err := FindDependencyPath(ctx, s, a, c, 10)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, a, path[0].StartNode)
	assert.Equal(t, c, path[1].EndNode)

	// Depth bound cuts the search off.
	path, err = FindDependencyPath(ctx, s, a, c, 1)
	require.NoError(t, err)
	assert.Nil(t, path)

	// No route backwards.
	path, err = FindDependencyPath(ctx, s, c, a, 10)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func testSessions(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	err := s.RecordSession(ctx, &Session{ID: "s-1", Project: "p", FilesAnalyzed: 3})
	require.NoError(t, err)

	assert.ErrorIs(t, s.RecordSession(ctx, &Session{}), ErrInvalidData)
}

func testClosed(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.UpsertNode(ctx, &Node{Identifier: "p/x.ts", Type: "file"})
	assert.ErrorIs(t, err, ErrStorageClosed)
}
