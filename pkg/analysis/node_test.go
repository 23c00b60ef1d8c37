package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/yggdrasil/pkg/storage"
)

func seedNode(t *testing.T, s storage.Store, identifier string) storage.NodeID {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), &storage.Node{
		Identifier: identifier,
		Type:       "file",
		Name:       identifier,
	})
	require.NoError(t, err)
	return id
}

func seedEdge(t *testing.T, s storage.Store, from, to storage.NodeID) {
	t.Helper()
	_, err := s.UpsertEdge(context.Background(), &storage.Edge{
		StartNode: from,
		EndNode:   to,
		Type:      "imports",
	})
	require.NoError(t, err)
}

func TestAnalyzeNodeFanAndInstability(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	hub := seedNode(t, s, "p/hub.ts")
	a := seedNode(t, s, "p/a.ts")
	b := seedNode(t, s, "p/b.ts")
	out := seedNode(t, s, "p/out.ts")
	seedEdge(t, s, a, hub)
	seedEdge(t, s, b, hub)
	seedEdge(t, s, hub, out)

	metrics, err := New(s).AnalyzeNode(ctx, hub, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, metrics.FanIn)
	assert.Equal(t, 1, metrics.FanOut)
	assert.InDelta(t, 1.0/3.0, metrics.Instability, 1e-9)
	assert.False(t, metrics.InCycle)
	assert.Equal(t, "p/hub.ts", metrics.Identifier)
}

func TestAnalyzeNodeImpactRadius(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	// c -> b -> a: a change in a reaches b and c.
	a := seedNode(t, s, "p/a.ts")
	b := seedNode(t, s, "p/b.ts")
	c := seedNode(t, s, "p/c.ts")
	seedEdge(t, s, b, a)
	seedEdge(t, s, c, b)

	metrics, err := New(s).AnalyzeNode(ctx, a, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.ImpactRadius)

	// The depth bound caps the walk.
	metrics, err = New(s).AnalyzeNode(ctx, a, Options{MaxImpactDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.ImpactRadius)
}

func TestAnalyzeNodeCycleDoublesCriticality(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	a := seedNode(t, s, "p/a.ts")
	b := seedNode(t, s, "p/b.ts")
	seedEdge(t, s, a, b)
	seedEdge(t, s, b, a)

	metrics, err := New(s).AnalyzeNode(ctx, a, Options{})
	require.NoError(t, err)
	assert.True(t, metrics.InCycle)
	// fanIn 1 + impact radius 1, doubled for cycle participation.
	assert.Equal(t, float64(4), metrics.Criticality)
}

func TestAnalyzeNodeClustering(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	// hub's neighbors a and b are connected: 1 of 2 possible directed
	// links exists.
	hub := seedNode(t, s, "p/hub.ts")
	a := seedNode(t, s, "p/a.ts")
	b := seedNode(t, s, "p/b.ts")
	seedEdge(t, s, hub, a)
	seedEdge(t, s, hub, b)
	seedEdge(t, s, a, b)

	metrics, err := New(s).AnalyzeNode(ctx, hub, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, metrics.Clustering, 1e-9)
}

func TestAnalyzeNodeMissing(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()

	_, err := New(s).AnalyzeNode(context.Background(), 404, Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
