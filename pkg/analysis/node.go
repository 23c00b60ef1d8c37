// Package analysis computes node-centric dependency metrics.
//
// The analyzer is a thin layer over the graph store and the cycle
// detector: fan-in/fan-out, instability, criticality, impact radius and
// local clustering for a single node. Impact radius is a breadth-first
// search over stored edges; the inference engine is not used.
package analysis

import (
	"context"

	"github.com/orneryd/yggdrasil/pkg/cycles"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

// DefaultImpactDepth bounds the dependent BFS when the caller does not
// say otherwise.
const DefaultImpactDepth = 5

// Options restricts one node analysis.
type Options struct {
	// EdgeTypes restricts which relationships count; empty means all.
	EdgeTypes []string
	// MaxImpactDepth bounds the impact-radius BFS; 0 uses the default.
	MaxImpactDepth int
}

// NodeMetrics is the metric set for one node.
//
//   - Instability is fanOut / (fanIn + fanOut): 0 means everything
//     depends on it and it depends on nothing (stable), 1 the reverse.
//   - ImpactRadius counts the distinct transitive dependents within the
//     depth bound: how many nodes a change here can reach.
//   - Criticality scales incoming pressure (fan-in plus impact radius)
//     by cycle participation; cyclic hotspots are the expensive ones to
//     touch.
//   - Clustering is the directed local clustering coefficient of the
//     node's neighborhood.
type NodeMetrics struct {
	NodeID       storage.NodeID `json:"nodeId"`
	Identifier   string         `json:"identifier"`
	FanIn        int            `json:"fanIn"`
	FanOut       int            `json:"fanOut"`
	Instability  float64        `json:"instability"`
	Criticality  float64        `json:"criticality"`
	ImpactRadius int            `json:"impactRadius"`
	Clustering   float64        `json:"clustering"`
	InCycle      bool           `json:"inCycle"`
}

// Analyzer computes node metrics over a store.
type Analyzer struct {
	store    storage.Store
	detector *cycles.Detector
}

// New creates a node analyzer.
func New(store storage.Store) *Analyzer {
	return &Analyzer{store: store, detector: cycles.New(store)}
}

// AnalyzeNode computes the full metric set for one node.
func (a *Analyzer) AnalyzeNode(ctx context.Context, id storage.NodeID, opts Options) (*NodeMetrics, error) {
	node, err := a.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	incoming, err := a.store.IncomingEdges(ctx, id, opts.EdgeTypes)
	if err != nil {
		return nil, err
	}
	outgoing, err := a.store.OutgoingEdges(ctx, id, opts.EdgeTypes)
	if err != nil {
		return nil, err
	}

	metrics := &NodeMetrics{
		NodeID:     id,
		Identifier: node.Identifier,
		FanIn:      len(incoming),
		FanOut:     len(outgoing),
	}
	if total := metrics.FanIn + metrics.FanOut; total > 0 {
		metrics.Instability = float64(metrics.FanOut) / float64(total)
	}

	metrics.ImpactRadius, err = a.impactRadius(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	metrics.InCycle, err = a.inCycle(ctx, id, opts.EdgeTypes)
	if err != nil {
		return nil, err
	}

	metrics.Criticality = float64(metrics.FanIn + metrics.ImpactRadius)
	if metrics.InCycle {
		metrics.Criticality *= 2
	}

	metrics.Clustering, err = a.clustering(ctx, id, incoming, outgoing, opts.EdgeTypes)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// impactRadius counts the distinct transitive dependents reachable by
// walking incoming edges up to the depth bound.
func (a *Analyzer) impactRadius(ctx context.Context, id storage.NodeID, opts Options) (int, error) {
	maxDepth := opts.MaxImpactDepth
	if maxDepth <= 0 {
		maxDepth = DefaultImpactDepth
	}

	visited := map[storage.NodeID]struct{}{id: {}}
	frontier := []storage.NodeID{id}
	count := 0

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []storage.NodeID
		for _, cur := range frontier {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}

			edges, err := a.store.IncomingEdges(ctx, cur, opts.EdgeTypes)
			if err != nil {
				return 0, err
			}
			for _, edge := range edges {
				if _, seen := visited[edge.StartNode]; seen {
					continue
				}
				visited[edge.StartNode] = struct{}{}
				count++
				next = append(next, edge.StartNode)
			}
		}
		frontier = next
	}
	return count, nil
}

// inCycle reports whether the node participates in any cycle found by
// the bounded detector.
func (a *Analyzer) inCycle(ctx context.Context, id storage.NodeID, edgeTypes []string) (bool, error) {
	result, err := a.detector.Detect(ctx, cycles.Options{EdgeTypes: edgeTypes})
	if err != nil {
		return false, err
	}
	for _, cycle := range result.Cycles {
		for _, n := range cycle.Nodes {
			if n == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// clustering computes the directed local clustering coefficient: the
// share of possible directed edges among the node's neighbors that
// actually exist.
func (a *Analyzer) clustering(ctx context.Context, id storage.NodeID,
	incoming, outgoing []*storage.Edge, edgeTypes []string) (float64, error) {

	neighbors := make(map[storage.NodeID]struct{})
	for _, e := range incoming {
		if e.StartNode != id {
			neighbors[e.StartNode] = struct{}{}
		}
	}
	for _, e := range outgoing {
		if e.EndNode != id {
			neighbors[e.EndNode] = struct{}{}
		}
	}

	k := len(neighbors)
	if k < 2 {
		return 0, nil
	}

	links := 0
	for n := range neighbors {
		edges, err := a.store.OutgoingEdges(ctx, n, edgeTypes)
		if err != nil {
			return 0, err
		}
		for _, e := range edges {
			if e.EndNode == n {
				continue
			}
			if _, ok := neighbors[e.EndNode]; ok {
				links++
			}
		}
	}

	return float64(links) / float64(k*(k-1)), nil
}
