// Package inference computes derived relationships over the graph store.
//
// Three query flavors are exposed, all driven by the edge-type registry:
//
//   - Hierarchical: relabeling. Edges of specific types (imports_library)
//     are reported under a requested general type (imports, depends_on).
//     No graph traversal happens; depth is distance in the edge-type tree.
//
//   - Transitive: closure. An edge type flagged transitive composes with
//     itself: A->B->C of type T yields an inferred T(A,C) of depth 2.
//
//   - Inheritable: propagation. A parent relationship composes with an
//     inheritable type: contains(file, class) and extends(class, base)
//     yield extends(file, base).
//
// Results of depth >= 2 can be materialized into the store's inference
// cache; direct edges never enter the cache. Queries are pure over the
// current store snapshot plus the cache and never mutate unless the
// caller explicitly synchronizes.
//
// Example Usage:
//
//	engine := inference.New(store, registry, inference.DefaultConfig())
//
//	inferred, err := engine.QueryTransitive(ctx, nodeID, "depends_on",
//		inference.TransitiveOptions{MaxPathLength: 10, DetectCycles: true})
//	for _, rel := range inferred {
//		fmt.Printf("%d -> %d depth=%d\n", rel.FromNodeID, rel.ToNodeID, rel.Path.Depth)
//	}
package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

// Common errors.
var (
	ErrTimeout = errors.New("inference timed out")
)

// QueryError wraps a failed transitive or inheritable computation,
// typically around a storage fault.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("inference: %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Type labels how a relationship was inferred.
type Type string

const (
	TypeHierarchical Type = "hierarchical"
	TypeTransitive   Type = "transitive"
	TypeInheritable  Type = "inheritable"
)

// Path is the witness of one inferred relationship.
type Path struct {
	EdgeIDs       []storage.EdgeID `json:"edgeIds"`
	Depth         int              `json:"depth"`
	InferenceType Type             `json:"inferenceType"`
	Description   string           `json:"description"`
}

// InferredRelationship is the outbound record of every query flavor.
type InferredRelationship struct {
	FromNodeID storage.NodeID `json:"fromNodeId"`
	ToNodeID   storage.NodeID `json:"toNodeId"`
	Type       string         `json:"type"`
	Path       Path           `json:"path"`
	InferredAt time.Time      `json:"inferredAt"`
	SourceFile string         `json:"sourceFile,omitempty"`
}

// CacheStrategy decides when a dirty cache is resynchronized.
type CacheStrategy string

const (
	// StrategyEager resynchronizes as soon as the cache turns dirty.
	StrategyEager CacheStrategy = "eager"
	// StrategyLazy serves dirty reads after purging stale rows; a full
	// resync happens only on explicit SyncCache.
	StrategyLazy CacheStrategy = "lazy"
	// StrategyManual never synchronizes on its own.
	StrategyManual CacheStrategy = "manual"
)

// CacheState is the cache lifecycle: Empty -> Warm -> Dirty -> ...
type CacheState string

const (
	CacheEmpty CacheState = "empty"
	CacheWarm  CacheState = "warm"
	CacheDirty CacheState = "dirty"
)

// Config holds inference engine settings.
type Config struct {
	// EnableCache turns the materialized inference cache on.
	EnableCache bool
	// Strategy decides when a dirty cache resynchronizes.
	Strategy CacheStrategy
	// DefaultMaxPathLength bounds transitive closures when the caller
	// does not say otherwise.
	DefaultMaxPathLength int
	// DefaultMaxInheritanceDepth bounds inheritable recursion.
	DefaultMaxInheritanceDepth int
	// ValidationCycleDepth bounds cycle enumeration in Validate.
	ValidationCycleDepth int
}

// DefaultConfig returns the balanced defaults: caching on, lazy resync,
// closures bounded at 10 hops.
func DefaultConfig() *Config {
	return &Config{
		EnableCache:                true,
		Strategy:                   StrategyLazy,
		DefaultMaxPathLength:       10,
		DefaultMaxInheritanceDepth: 10,
		ValidationCycleDepth:       50,
	}
}

// Engine computes hierarchical, transitive and inheritable inferences.
//
// The engine owns the cache lifecycle but the cache rows themselves live
// in the store. Thread-safe.
type Engine struct {
	store    storage.Store
	registry *edgetype.Registry
	config   *Config

	mu    sync.Mutex
	state CacheState
}

// New creates an inference engine over store and registry. A nil config
// uses DefaultConfig.
func New(store storage.Store, registry *edgetype.Registry, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultMaxPathLength <= 0 {
		config.DefaultMaxPathLength = 10
	}
	if config.DefaultMaxInheritanceDepth <= 0 {
		config.DefaultMaxInheritanceDepth = 10
	}
	if config.ValidationCycleDepth <= 0 {
		config.ValidationCycleDepth = 50
	}
	if config.Strategy == "" {
		config.Strategy = StrategyLazy
	}
	return &Engine{
		store:    store,
		registry: registry,
		config:   config,
		state:    CacheEmpty,
	}
}

// CacheState reports the current cache lifecycle state.
func (e *Engine) CacheState() CacheState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HierarchicalOptions controls QueryHierarchical.
type HierarchicalOptions struct {
	IncludeChildren bool
	IncludeParents  bool
	// MaxDepth bounds the distance walked in the edge-type tree;
	// 0 means unbounded.
	MaxDepth int
}

// QueryHierarchical returns every persisted edge whose type lies in the
// requested slice of the edge-type hierarchy, relabeled as edgeType.
//
// This is a relabeling query, not a graph traversal: each result wraps a
// single concrete edge, and depth is the distance between the edge's
// concrete type and edgeType in the registry tree.
func (e *Engine) QueryHierarchical(ctx context.Context, edgeType string, opts HierarchicalOptions) ([]*InferredRelationship, error) {
	if _, ok := e.registry.Get(edgeType); !ok {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotRegistered, edgeType)
	}

	// Type -> distance from the requested type.
	depths := map[string]int{edgeType: 0}

	if opts.IncludeChildren {
		frontier := []string{edgeType}
		for depth := 1; len(frontier) > 0; depth++ {
			if opts.MaxDepth > 0 && depth > opts.MaxDepth {
				break
			}
			var next []string
			for _, parent := range frontier {
				for _, child := range e.registry.ChildrenOf(parent) {
					if _, seen := depths[child.Type]; seen {
						continue
					}
					depths[child.Type] = depth
					next = append(next, child.Type)
				}
			}
			frontier = next
		}
	}

	if opts.IncludeParents {
		path := e.registry.HierarchyPath(edgeType)
		for i, ancestor := range path[1:] {
			depth := i + 1
			if opts.MaxDepth > 0 && depth > opts.MaxDepth {
				break
			}
			if _, seen := depths[ancestor]; !seen {
				depths[ancestor] = depth
			}
		}
	}

	types := make([]string, 0, len(depths))
	for t := range depths {
		types = append(types, t)
	}
	sort.Strings(types)

	edges, err := e.store.FindEdges(ctx, storage.EdgeFilter{Types: types})
	if err != nil {
		return nil, &QueryError{Op: "hierarchical query", Err: err}
	}

	now := time.Now()
	out := make([]*InferredRelationship, 0, len(edges))
	for _, edge := range edges {
		out = append(out, &InferredRelationship{
			FromNodeID: edge.StartNode,
			ToNodeID:   edge.EndNode,
			Type:       edgeType,
			Path: Path{
				EdgeIDs:       []storage.EdgeID{edge.ID},
				Depth:         depths[edge.Type],
				InferenceType: TypeHierarchical,
				Description:   fmt.Sprintf("%s normalized to %s", edge.Type, edgeType),
			},
			InferredAt: now,
			SourceFile: edge.SourceFile,
		})
	}
	return out, nil
}

// TransitiveOptions controls QueryTransitive.
type TransitiveOptions struct {
	// MaxPathLength bounds the closure depth; 0 uses the config default.
	MaxPathLength int
	// DetectCycles excludes paths whose node sequence revisits a node.
	DetectCycles bool
	// RelationshipTypes restricts which concrete edge types may compose;
	// empty means the queried type alone.
	RelationshipTypes []string
	// Timeout bounds the wall-clock time; 0 means no extra deadline.
	Timeout time.Duration
}

// QueryTransitive computes the transitive closure A->...->C for edgeType
// from one start node.
//
// Refuses edge types not flagged transitive. Only inferred entries with
// depth >= 2 are returned; direct edges are not inferences. Results are
// sorted by (depth, startNode, endNode) and within one (start, end) pair
// only the shallowest path is emitted.
func (e *Engine) QueryTransitive(ctx context.Context, from storage.NodeID, edgeType string, opts TransitiveOptions) ([]*InferredRelationship, error) {
	def, ok := e.registry.Get(edgeType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotRegistered, edgeType)
	}
	if !def.IsTransitive {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotTransitive, edgeType)
	}

	maxLen := opts.MaxPathLength
	if maxLen <= 0 {
		maxLen = e.config.DefaultMaxPathLength
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// The cache covers the default composition set only; custom
	// relationship-type restrictions always compute on demand.
	if len(opts.RelationshipTypes) == 0 {
		if served, rels, err := e.tryServeFromCache(ctx, from, edgeType, maxLen); err != nil {
			return nil, err
		} else if served {
			return rels, nil
		}
	}

	relTypes := opts.RelationshipTypes
	if len(relTypes) == 0 {
		relTypes = []string{edgeType}
	}

	entries, err := e.transitiveClosure(ctx, from, edgeType, relTypes, maxLen, opts.DetectCycles)
	if err != nil {
		return nil, err
	}
	return e.entriesToRelationships(entries, TypeTransitive), nil
}

// transitiveClosure runs a breadth-first expansion and keeps, per target,
// the shallowest witnessing path. BFS guarantees the first path found is
// the shallowest.
func (e *Engine) transitiveClosure(ctx context.Context, from storage.NodeID, edgeType string,
	relTypes []string, maxLen int, detectCycles bool) ([]*storage.CacheEntry, error) {

	type hop struct {
		node    storage.NodeID
		path    []storage.EdgeID
		visited map[storage.NodeID]struct{}
	}

	start := hop{node: from}
	if detectCycles {
		start.visited = map[storage.NodeID]struct{}{from: {}}
	}

	reached := make(map[storage.NodeID]struct{})
	var out []*storage.CacheEntry

	frontier := []hop{start}
	for depth := 1; depth <= maxLen && len(frontier) > 0; depth++ {
		var next []hop
		for _, h := range frontier {
			select {
			case <-ctx.Done():
				return nil, timeoutOrCancel(ctx)
			default:
			}

			edges, err := e.store.OutgoingEdges(ctx, h.node, relTypes)
			if err != nil {
				return nil, &QueryError{Op: "transitive expansion", Err: err}
			}
			for _, edge := range edges {
				if detectCycles {
					if _, revisit := h.visited[edge.EndNode]; revisit {
						continue
					}
				}
				path := append(append([]storage.EdgeID(nil), h.path...), edge.ID)

				if depth >= 2 {
					if _, dup := reached[edge.EndNode]; !dup {
						reached[edge.EndNode] = struct{}{}
						out = append(out, &storage.CacheEntry{
							StartNode:    from,
							EndNode:      edge.EndNode,
							InferredType: edgeType,
							EdgePath:     path,
							Depth:        depth,
						})
					}
				}

				nh := hop{node: edge.EndNode, path: path}
				if detectCycles {
					nh.visited = make(map[storage.NodeID]struct{}, len(h.visited)+1)
					for id := range h.visited {
						nh.visited[id] = struct{}{}
					}
					nh.visited[edge.EndNode] = struct{}{}
				}
				next = append(next, nh)
			}
		}
		frontier = next
	}

	sortEntries(out)
	return out, nil
}

// InheritableOptions controls QueryInheritable.
type InheritableOptions struct {
	// MaxInheritanceDepth bounds the parent-chain recursion; 0 uses the
	// config default.
	MaxInheritanceDepth int
	// Timeout bounds the wall-clock time; 0 means no extra deadline.
	Timeout time.Duration
}

// QueryInheritable computes parent(A,B) and T(B,C) => T(A,C) and its
// recursive extensions: the parent chain may be up to
// MaxInheritanceDepth hops before the final inheritable edge.
//
// Example: file contains class, class extends base => file extends base.
func (e *Engine) QueryInheritable(ctx context.Context, from storage.NodeID, parentRelType, inheritableType string, opts InheritableOptions) ([]*InferredRelationship, error) {
	def, ok := e.registry.Get(inheritableType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotRegistered, inheritableType)
	}
	if !def.IsInheritable {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotInheritable, inheritableType)
	}
	if _, ok := e.registry.Get(parentRelType); !ok {
		return nil, fmt.Errorf("%w: %q", edgetype.ErrNotRegistered, parentRelType)
	}

	maxDepth := opts.MaxInheritanceDepth
	if maxDepth <= 0 {
		maxDepth = e.config.DefaultMaxInheritanceDepth
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	entries, err := e.inheritableClosure(ctx, from, parentRelType, inheritableType, maxDepth)
	if err != nil {
		return nil, err
	}
	return e.entriesToRelationships(entries, TypeInheritable), nil
}

// inheritableClosure walks parent edges from A and, at every reached
// node, harvests the inheritable edges hanging off it.
func (e *Engine) inheritableClosure(ctx context.Context, from storage.NodeID,
	parentRelType, inheritableType string, maxDepth int) ([]*storage.CacheEntry, error) {

	type hop struct {
		node storage.NodeID
		path []storage.EdgeID
	}

	visited := map[storage.NodeID]struct{}{from: {}}
	seenTargets := make(map[storage.NodeID]struct{})
	var out []*storage.CacheEntry

	frontier := []hop{{node: from}}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []hop
		for _, h := range frontier {
			select {
			case <-ctx.Done():
				return nil, timeoutOrCancel(ctx)
			default:
			}

			parentEdges, err := e.store.OutgoingEdges(ctx, h.node, []string{parentRelType})
			if err != nil {
				return nil, &QueryError{Op: "inheritable parent expansion", Err: err}
			}
			for _, pe := range parentEdges {
				if _, revisit := visited[pe.EndNode]; revisit {
					continue
				}
				visited[pe.EndNode] = struct{}{}
				chain := append(append([]storage.EdgeID(nil), h.path...), pe.ID)

				inheritEdges, err := e.store.OutgoingEdges(ctx, pe.EndNode, []string{inheritableType})
				if err != nil {
					return nil, &QueryError{Op: "inheritable harvest", Err: err}
				}
				for _, ie := range inheritEdges {
					if _, dup := seenTargets[ie.EndNode]; dup {
						continue
					}
					seenTargets[ie.EndNode] = struct{}{}
					out = append(out, &storage.CacheEntry{
						StartNode:    from,
						EndNode:      ie.EndNode,
						InferredType: inheritableType,
						EdgePath:     append(append([]storage.EdgeID(nil), chain...), ie.ID),
						Depth:        len(chain) + 1,
					})
				}

				next = append(next, hop{node: pe.EndNode, path: chain})
			}
		}
		frontier = next
	}

	sortEntries(out)
	return out, nil
}

func (e *Engine) entriesToRelationships(entries []*storage.CacheEntry, infType Type) []*InferredRelationship {
	now := time.Now()
	out := make([]*InferredRelationship, 0, len(entries))
	for _, entry := range entries {
		out = append(out, &InferredRelationship{
			FromNodeID: entry.StartNode,
			ToNodeID:   entry.EndNode,
			Type:       entry.InferredType,
			Path: Path{
				EdgeIDs:       entry.EdgePath,
				Depth:         entry.Depth,
				InferenceType: infType,
				Description:   describe(infType, entry),
			},
			InferredAt: now,
		})
	}
	return out
}

func describe(infType Type, entry *storage.CacheEntry) string {
	switch infType {
	case TypeTransitive:
		return fmt.Sprintf("%s chain of %d edges", entry.InferredType, entry.Depth)
	case TypeInheritable:
		return fmt.Sprintf("%s inherited across %d-edge parent chain", entry.InferredType, entry.Depth-1)
	default:
		return string(infType)
	}
}

func sortEntries(entries []*storage.CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Depth != entries[j].Depth {
			return entries[i].Depth < entries[j].Depth
		}
		if entries[i].StartNode != entries[j].StartNode {
			return entries[i].StartNode < entries[j].StartNode
		}
		return entries[i].EndNode < entries[j].EndNode
	})
}

func timeoutOrCancel(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
