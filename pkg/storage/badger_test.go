package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerStore(t *testing.T) Store {
	t.Helper()

	store, err := OpenBadgerWithOptions(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestBadgerStoreConformance(t *testing.T) {
	runStoreSuite(t, newBadgerStore)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenBadger(dir)
	require.NoError(t, err)

	_, err = store.UpsertNode(ctx, &Node{
		Identifier: "p/src/main.go",
		Type:       "file",
		Name:       "main.go",
		SourceFile: "src/main.go",
		Language:   "go",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenBadger(dir)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNodeByIdentifier(ctx, "p/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "go", node.Language)
}

func TestBadgerStoreIDsSurviveRollback(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	a := mustNode(t, s, "p/a.ts", "file", "a.ts")
	b := mustNode(t, s, "p/b.ts", "file", "b.ts")

	boom := assert.AnError
	err := s.RunInTransaction(ctx, func(tx Store) error {
		if _, err := tx.UpsertEdge(ctx, &Edge{StartNode: a, EndNode: b, Type: "imports_file"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	edges, err := s.FindEdges(ctx, EdgeFilter{})
	require.NoError(t, err)
	assert.Empty(t, edges, "rolled-back edge must not be visible")

	// A later insert still gets a fresh, unused id.
	e := mustEdge(t, s, a, b, "imports_file", "a.ts")
	got, err := s.GetEdge(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, e, got.ID)
}
