package storage

import (
	"context"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
)

// GraphExport is the JSON interchange document for a whole graph.
//
// Inference-cache rows are deliberately absent: they are derived state and
// are rebuilt on the importing side.
type GraphExport struct {
	Nodes     []*Node        `json:"nodes"`
	Edges     []*Edge        `json:"relationships"`
	EdgeTypes []edgetype.Def `json:"edgeTypes,omitempty"`
}

// Export snapshots every node, edge and edge-type row of the store.
func Export(ctx context.Context, s Store) (*GraphExport, error) {
	nodes, err := s.FindNodes(ctx, NodeFilter{})
	if err != nil {
		return nil, err
	}
	edges, err := s.FindEdges(ctx, EdgeFilter{})
	if err != nil {
		return nil, err
	}
	defs, err := s.EdgeTypes(ctx)
	if err != nil {
		return nil, err
	}
	return &GraphExport{Nodes: nodes, Edges: edges, EdgeTypes: defs}, nil
}

// Import loads an export into the store in one transaction.
//
// Surrogate ids are not preserved: nodes are re-upserted by identifier and
// edge endpoints are remapped through the resulting id translation, so an
// export can be imported into a non-empty store.
func Import(ctx context.Context, s Store, export *GraphExport) error {
	if export == nil {
		return ErrInvalidData
	}

	return s.RunInTransaction(ctx, func(tx Store) error {
		if len(export.EdgeTypes) > 0 {
			if err := tx.RegisterEdgeTypes(ctx, export.EdgeTypes); err != nil {
				return err
			}
		}

		idMap := make(map[NodeID]NodeID, len(export.Nodes))
		for _, node := range export.Nodes {
			oldID := node.ID
			n := copyNode(node)
			n.ID = 0
			newID, err := tx.UpsertNode(ctx, n)
			if err != nil {
				return err
			}
			idMap[oldID] = newID
		}

		for _, edge := range export.Edges {
			start, ok := idMap[edge.StartNode]
			if !ok {
				return ErrInvalidEdge
			}
			end, ok := idMap[edge.EndNode]
			if !ok {
				return ErrInvalidEdge
			}
			e := copyEdge(edge)
			e.ID = 0
			e.StartNode = start
			e.EndNode = end
			if _, err := tx.UpsertEdge(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}
