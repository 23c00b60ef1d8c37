// Package cycles detects circular dependencies in the graph.
//
// The detector runs a bounded, cancellable depth-first search with a
// recursion-stack set: when a node is rediscovered while still on the
// stack, the stack slice between the two sightings is a cycle. Each
// cycle is normalized (rotated so the lexicographically smallest node
// identifier comes first, trailing duplicate dropped) and deduplicated
// against everything found before, so the same loop is never reported
// twice no matter where the search entered it.
//
// Termination is whichever comes first: the cycle budget, the wall-clock
// timeout, cancellation, or frontier exhaustion. On any early stop the
// current partial result is returned with Truncated set; the detector
// never returns half a cycle.
package cycles

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/orneryd/yggdrasil/pkg/storage"
)

// Default bounds.
const (
	DefaultMaxDepth  = 20
	DefaultMaxCycles = 100
)

// edgeTypeWeights score how expensive a cycle is to break, by edge type.
var edgeTypeWeights = map[string]float64{
	"imports":    1,
	"depends_on": 2,
	"calls":      3,
	"extends":    4,
	"implements": 2,
}

const defaultEdgeWeight = 1

// Options bounds one detection run. Zero values pick the defaults; a
// zero Timeout means no wall-clock bound.
type Options struct {
	MaxDepth         int
	MaxCycles        int
	Timeout          time.Duration
	EdgeTypes        []string
	ExcludeNodeTypes []string
}

// Cycle is one normalized circular dependency.
//
// Nodes holds the cycle members starting at the smallest identifier,
// without repeating the first node at the end. Edges holds the
// corresponding edge ids in traversal order. Weight is the sum of
// per-edge-type weights.
type Cycle struct {
	Nodes       []storage.NodeID `json:"nodes"`
	Identifiers []string         `json:"identifiers"`
	Edges       []storage.EdgeID `json:"edges"`
	Depth       int              `json:"depth"`
	Weight      float64          `json:"weight"`
}

// Result is the outcome of one detection run.
type Result struct {
	Cycles       []Cycle       `json:"cycles"`
	Truncated    bool          `json:"truncated"`
	NodesVisited int           `json:"nodesVisited"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Detector finds cycles over a graph store.
type Detector struct {
	store storage.Store
}

// New creates a detector over store.
func New(store storage.Store) *Detector {
	return &Detector{store: store}
}

// Detect runs the bounded DFS and returns every distinct normalized
// cycle found within the limits.
//
// The graph slice under inspection (restricted to opts.EdgeTypes, minus
// excluded node types) is loaded into memory first; the traversal itself
// never suspends.
func (d *Detector) Detect(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	maxCycles := opts.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}

	edges, err := d.store.FindEdges(ctx, storage.EdgeFilter{Types: opts.EdgeTypes})
	if err != nil {
		return nil, err
	}

	excluded, err := d.excludedNodes(ctx, opts.ExcludeNodeTypes)
	if err != nil {
		return nil, err
	}

	identifiers, err := d.nodeIdentifiers(ctx)
	if err != nil {
		return nil, err
	}

	adjacency := make(map[storage.NodeID][]*storage.Edge)
	roots := make([]storage.NodeID, 0)
	seenRoot := make(map[storage.NodeID]struct{})
	for _, edge := range edges {
		if _, skip := excluded[edge.StartNode]; skip {
			continue
		}
		if _, skip := excluded[edge.EndNode]; skip {
			continue
		}
		adjacency[edge.StartNode] = append(adjacency[edge.StartNode], edge)
		if _, dup := seenRoot[edge.StartNode]; !dup {
			seenRoot[edge.StartNode] = struct{}{}
			roots = append(roots, edge.StartNode)
		}
	}

	// Deterministic traversal order: smallest identifier first.
	sort.Slice(roots, func(i, j int) bool {
		return identifiers[roots[i]] < identifiers[roots[j]]
	})

	result := &Result{}
	visited := make(map[storage.NodeID]struct{})
	dedup := make(map[string]struct{})

	deadline := time.Time{}
	if opts.Timeout > 0 {
		deadline = start.Add(opts.Timeout)
	}

	for _, root := range roots {
		if _, done := visited[root]; done {
			continue
		}
		stop := d.walk(ctx, root, adjacency, identifiers, visited, dedup,
			maxDepth, maxCycles, deadline, result)
		if stop {
			result.Truncated = true
			break
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// walk runs one iterative DFS from root. Returns true when a limit
// tripped and the whole detection should stop.
func (d *Detector) walk(ctx context.Context, root storage.NodeID,
	adjacency map[storage.NodeID][]*storage.Edge, identifiers map[storage.NodeID]string,
	visited map[storage.NodeID]struct{}, dedup map[string]struct{},
	maxDepth, maxCycles int, deadline time.Time, result *Result) bool {

	type frame struct {
		node storage.NodeID
		next int
	}

	stack := []frame{{node: root}}
	onStack := map[storage.NodeID]int{root: 0} // node -> index in path
	path := []storage.NodeID{root}
	var pathEdges []*storage.Edge

	visited[root] = struct{}{}
	result.NodesVisited++

	for len(stack) > 0 {
		// Cancellation and timeout are explicit suspension checks; the
		// traversal itself runs in memory.
		select {
		case <-ctx.Done():
			return true
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return true
		}

		top := &stack[len(stack)-1]
		edges := adjacency[top.node]

		if top.next >= len(edges) || len(stack) > maxDepth {
			delete(onStack, top.node)
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			if len(pathEdges) > 0 {
				pathEdges = pathEdges[:len(pathEdges)-1]
			}
			continue
		}

		edge := edges[top.next]
		top.next++

		if at, inStack := onStack[edge.EndNode]; inStack {
			cycleNodes := append([]storage.NodeID(nil), path[at:]...)
			cycleEdges := append([]*storage.Edge(nil), pathEdges[at:]...)
			cycleEdges = append(cycleEdges, edge)

			cycle := normalize(cycleNodes, cycleEdges, identifiers)
			key := cycleKey(cycle)
			if _, dup := dedup[key]; !dup {
				dedup[key] = struct{}{}
				result.Cycles = append(result.Cycles, cycle)
				if len(result.Cycles) >= maxCycles {
					return true
				}
			}
			continue
		}

		if _, done := visited[edge.EndNode]; done {
			continue
		}

		visited[edge.EndNode] = struct{}{}
		result.NodesVisited++
		onStack[edge.EndNode] = len(path)
		path = append(path, edge.EndNode)
		pathEdges = append(pathEdges, edge)
		stack = append(stack, frame{node: edge.EndNode})
	}

	return false
}

// normalize rotates the cycle so the lexicographically smallest node
// identifier comes first and drops the implicit trailing duplicate. The
// edge list is rotated in lockstep so Edges[i] still leaves Nodes[i].
func normalize(nodes []storage.NodeID, edges []*storage.Edge, identifiers map[storage.NodeID]string) Cycle {
	smallest := 0
	for i := 1; i < len(nodes); i++ {
		if identifiers[nodes[i]] < identifiers[nodes[smallest]] {
			smallest = i
		}
	}

	n := len(nodes)
	rotatedNodes := make([]storage.NodeID, 0, n)
	rotatedEdges := make([]storage.EdgeID, 0, n)
	idents := make([]string, 0, n)
	weight := 0.0
	for i := 0; i < n; i++ {
		node := nodes[(smallest+i)%n]
		edge := edges[(smallest+i)%n]
		rotatedNodes = append(rotatedNodes, node)
		rotatedEdges = append(rotatedEdges, edge.ID)
		idents = append(idents, identifiers[node])
		weight += edgeWeight(edge.Type)
	}

	return Cycle{
		Nodes:       rotatedNodes,
		Identifiers: idents,
		Edges:       rotatedEdges,
		Depth:       n,
		Weight:      weight,
	}
}

func edgeWeight(edgeType string) float64 {
	if w, ok := edgeTypeWeights[edgeType]; ok {
		return w
	}
	return defaultEdgeWeight
}

func cycleKey(c Cycle) string {
	return strings.Join(c.Identifiers, "\x00")
}

func (d *Detector) excludedNodes(ctx context.Context, nodeTypes []string) (map[storage.NodeID]struct{}, error) {
	if len(nodeTypes) == 0 {
		return nil, nil
	}
	nodes, err := d.store.FindNodes(ctx, storage.NodeFilter{Types: nodeTypes})
	if err != nil {
		return nil, err
	}
	out := make(map[storage.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		out[n.ID] = struct{}{}
	}
	return out, nil
}

func (d *Detector) nodeIdentifiers(ctx context.Context) (map[storage.NodeID]string, error) {
	nodes, err := d.store.FindNodes(ctx, storage.NodeFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[storage.NodeID]string, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n.Identifier
	}
	return out, nil
}
