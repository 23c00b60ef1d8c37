package unknown

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

func seed(t *testing.T, s storage.Store, n *storage.Node) storage.NodeID {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), n)
	require.NoError(t, err)
	return id
}

func TestResolveToSameFileClass(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	unknownID := seed(t, s, &storage.Node{
		Identifier: "p/src/parser.ts#Unknown:TypeScriptParser",
		Type:       "unknown",
		Name:       "TypeScriptParser",
		SourceFile: "src/parser.ts",
	})
	classID := seed(t, s, &storage.Node{
		Identifier: "p/src/parser.ts#Class:TypeScriptParser",
		Type:       "class",
		Name:       "TypeScriptParser",
		SourceFile: "src/parser.ts",
	})

	result, err := New(s, nil).ResolveAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.ResolvedCount)
	assert.Equal(t, 1.0, result.Stats.SuccessRate)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, classID, result.Outcomes[0].ResolvedTo.ID)

	edges, err := s.OutgoingEdges(ctx, unknownID, []string{edgetype.ResolvedTo})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, classID, edges[0].EndNode)
	assert.Equal(t, 1.0, edges[0].Metadata["confidence"])
}

func TestResolvePriorityOrder(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()

	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Thing",
		Type:       "unknown",
		Name:       "Thing",
		SourceFile: "a.ts",
	})
	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Variable:Thing",
		Type:       "variable",
		Name:       "Thing",
		SourceFile: "a.ts",
	})
	fnID := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Function:Thing",
		Type:       "function",
		Name:       "Thing",
		SourceFile: "a.ts",
	})

	result, err := New(s, nil).ResolveAll(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	// function outranks variable in the priority list.
	assert.Equal(t, fnID, result.Outcomes[0].ResolvedTo.ID)
}

func TestResolveAmbiguous(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()

	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Dup",
		Type:       "unknown",
		Name:       "Dup",
		SourceFile: "a.ts",
	})
	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Class:Dup",
		Type:       "class",
		Name:       "Dup",
		SourceFile: "a.ts",
	})
	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Class:Dup2",
		Type:       "class",
		Name:       "Dup2",
		Metadata:   map[string]any{"name": "Dup"},
		SourceFile: "a.ts",
	})

	result, err := New(s, nil).ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stats.ResolvedCount)
	assert.Equal(t, 1, result.Stats.Failures[FailureAmbiguous])
}

func TestResolveNoCandidates(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()

	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Ghost",
		Type:       "unknown",
		Name:       "Ghost",
		SourceFile: "a.ts",
	})

	result, err := New(s, nil).ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Failures[FailureNoCandidates])
	assert.Equal(t, 0.0, result.Stats.SuccessRate)
}

func TestResolveExternalAndDynamic(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()

	seed(t, s, &storage.Node{
		Identifier: "p/node_modules/react/index.js#Unknown:React",
		Type:       "unknown",
		Name:       "React",
		SourceFile: "node_modules/react/index.js",
	})
	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Dyn",
		Type:       "unknown",
		Name:       "Dyn",
		SourceFile: "a.ts",
		Metadata:   map[string]any{"dynamic": true},
	})

	result, err := New(s, nil).ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Failures[FailureExternal])
	assert.Equal(t, 1, result.Stats.Failures[FailureDynamic])
}

func TestResolveDissolvesAliasChain(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	unknownID := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Alias",
		Type:       "unknown",
		Name:       "Alias",
		SourceFile: "a.ts",
	})
	aliasID := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Variable:Alias",
		Type:       "variable",
		Name:       "Alias",
		SourceFile: "a.ts",
	})
	realID := seed(t, s, &storage.Node{
		Identifier: "p/b.ts#Class:Real",
		Type:       "class",
		Name:       "Real",
		SourceFile: "b.ts",
	})
	_, err := s.UpsertEdge(ctx, &storage.Edge{StartNode: aliasID, EndNode: realID, Type: edgetype.AliasOf})
	require.NoError(t, err)

	result, err := New(s, nil).ResolveAll(ctx)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, realID, result.Outcomes[0].ResolvedTo.ID)

	edges, err := s.OutgoingEdges(ctx, unknownID, []string{edgetype.ResolvedTo})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, realID, edges[0].EndNode)
}

func TestResolveAliasCycleStops(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:Loop",
		Type:       "unknown",
		Name:       "Loop",
		SourceFile: "a.ts",
	})
	v1 := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Variable:Loop",
		Type:       "variable",
		Name:       "Loop",
		SourceFile: "a.ts",
	})
	v2 := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Variable:Loop2",
		Type:       "variable",
		Name:       "Loop2",
		SourceFile: "a.ts",
	})
	_, err := s.UpsertEdge(ctx, &storage.Edge{StartNode: v1, EndNode: v2, Type: edgetype.AliasOf})
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, &storage.Edge{StartNode: v2, EndNode: v1, Type: edgetype.AliasOf})
	require.NoError(t, err)

	result, err := New(s, nil).ResolveAll(ctx)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	// The chain stops at the visited-set hit instead of looping forever.
	assert.NotNil(t, result.Outcomes[0].ResolvedTo)
}

func TestResolveNeverTargetsUnknown(t *testing.T) {
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Unknown:X",
		Type:       "unknown",
		Name:       "X",
		SourceFile: "a.ts",
	})
	v := seed(t, s, &storage.Node{
		Identifier: "p/a.ts#Variable:X",
		Type:       "variable",
		Name:       "X",
		SourceFile: "a.ts",
	})
	otherUnknown := seed(t, s, &storage.Node{
		Identifier: "p/b.ts#Unknown:Y",
		Type:       "unknown",
		Name:       "Y",
		SourceFile: "b.ts",
	})
	_, err := s.UpsertEdge(ctx, &storage.Edge{StartNode: v, EndNode: otherUnknown, Type: edgetype.AliasOf})
	require.NoError(t, err)

	result, err := New(s, nil).ResolveAll(ctx)
	require.NoError(t, err)

	// No resolvedTo edge may end at an unknown node.
	for _, outcome := range result.Outcomes {
		if outcome.ResolvedTo != nil {
			assert.NotEqual(t, "unknown", outcome.ResolvedTo.Type)
		}
	}
	edges, err := s.IncomingEdges(ctx, otherUnknown, []string{edgetype.ResolvedTo})
	require.NoError(t, err)
	assert.Empty(t, edges)
}
