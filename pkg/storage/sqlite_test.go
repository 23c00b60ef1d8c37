package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "graph.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLite("   ")
	assert.Error(t, err)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)

	id, err := store.UpsertNode(ctx, &Node{
		Identifier: "p/src/App.tsx",
		Type:       "file",
		Name:       "App.tsx",
		SourceFile: "src/App.tsx",
		Language:   "typescript",
		Metadata:   map[string]any{"loc": float64(120)},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNodeByIdentifier(ctx, "p/src/App.tsx")
	require.NoError(t, err)
	assert.Equal(t, id, node.ID)
	assert.Equal(t, "typescript", node.Language)
	assert.Equal(t, float64(120), node.Metadata["loc"])
}

func TestSQLiteStoreCachePurgeDistinguishesIDs(t *testing.T) {
	// Edge id 1 must not match a cached path containing edge id 12.
	s := newSQLiteStore(t)
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")
	c := mustNode(t, s, "p/c.ts", "file", "c.ts")

	// Burn edge ids so a two-digit id exists alongside a one-digit one.
	var first EdgeID
	var last EdgeID
	for i := 0; i < 12; i++ {
		e, err := s.UpsertEdge(ctx, &Edge{
			StartNode: a, EndNode: b, Type: "depends_on",
			Label: string(rune('a' + i)),
		})
		require.NoError(t, err)
		if i == 0 {
			first = e
		}
		last = e
	}
	bridge := mustEdge(t, s, b, c, "depends_on", "b.ts")

	require.NoError(t, s.ReplaceCache(ctx, nil, []*CacheEntry{
		{StartNode: a, EndNode: c, InferredType: "depends_on", EdgePath: []EdgeID{last, bridge}, Depth: 2},
	}))

	// Deleting edge 1 must keep the row whose path contains edge 12.
	require.NoError(t, s.DeleteEdge(ctx, first))

	entries, err := s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Deleting the referenced edge removes it.
	require.NoError(t, s.DeleteEdge(ctx, last))
	entries, err = s.CacheEntries(ctx, CacheFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteExportImportRoundtrip(t *testing.T) {
	ctx := context.Background()
	src := newSQLiteStore(t)

	a := mustNode(t, src, "p/a.ts", "file", "a.ts")
	b := mustNode(t, src, "p/b.ts", "file", "b.ts")
	mustEdge(t, src, a, b, "imports_file", "a.ts")

	export, err := Export(ctx, src)
	require.NoError(t, err)
	require.Len(t, export.Nodes, 2)
	require.Len(t, export.Edges, 1)

	dst := NewMemoryStore()
	defer dst.Close()
	require.NoError(t, Import(ctx, dst, export))

	node, err := dst.GetNodeByIdentifier(ctx, "p/b.ts")
	require.NoError(t, err)
	edges, err := dst.IncomingEdges(ctx, node.ID, nil)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}
