// Package unknown rewrites unknown placeholder nodes to concrete
// targets.
//
// Unknown nodes exist because a symbol was imported from a name that
// parsing alone could not bind to a declaration. Once the whole project
// is in the graph the resolver retries the binding: candidates are
// declarations in the same source file with a matching name, ranked by a
// fixed node-type priority. The winner is linked with a resolvedTo edge
// at confidence 1.0.
//
// Unknown nodes are terminal placeholders: they may be the source of
// aliasOf and resolvedTo edges but never the target of a resolvedTo
// edge. Alias chains are dissolved before linking so a resolution always
// lands on the real declaration.
package unknown

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/ident"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

// Failure classifications for unresolved unknowns.
const (
	FailureNoCandidates = "no_candidates"
	FailureAmbiguous    = "ambiguous"
	FailureExternal     = "external"
	FailureDynamic      = "dynamic"
)

// maxAliasDepth bounds aliasOf chain dissolution.
const maxAliasDepth = 10

// typePriority ranks candidate node types; lower is better.
var typePriority = map[string]int{
	string(ident.NodeTypeClass):     0,
	string(ident.NodeTypeFunction):  1,
	string(ident.NodeTypeInterface): 2,
	string(ident.NodeTypeTypeAlias): 3,
	string(ident.NodeTypeMethod):    4,
	string(ident.NodeTypeVariable):  5,
	string(ident.NodeTypeConstant):  6,
	string(ident.NodeTypeSymbol):    7,
}

// vendorMarkers flag source paths that belong to external code.
var vendorMarkers = []string{"node_modules/", "vendor/", ".yarn/"}

// Outcome describes what happened to one unknown node.
type Outcome struct {
	Unknown    *storage.Node `json:"unknown"`
	ResolvedTo *storage.Node `json:"resolvedTo,omitempty"`
	Failure    string        `json:"failure,omitempty"`
}

// Stats summarizes one resolution pass.
type Stats struct {
	TotalUnknown    int            `json:"totalUnknown"`
	ResolvedCount   int            `json:"resolvedCount"`
	UnresolvedCount int            `json:"unresolvedCount"`
	SuccessRate     float64        `json:"successRate"`
	Failures        map[string]int `json:"failures,omitempty"`
}

// Result is the outcome of ResolveAll.
type Result struct {
	Outcomes []Outcome `json:"outcomes"`
	Stats    Stats     `json:"stats"`
}

// Resolver rewrites unknown nodes against the current graph.
type Resolver struct {
	store storage.Store
	log   *zap.Logger
}

// New creates a resolver over store. A nil logger is replaced with a
// no-op one.
func New(store storage.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// ResolveAll enumerates every unknown node and attempts to bind each to
// a concrete declaration.
func (r *Resolver) ResolveAll(ctx context.Context) (*Result, error) {
	unknowns, err := r.store.FindNodes(ctx, storage.NodeFilter{
		Types: []string{string(ident.NodeTypeUnknown)},
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Stats: Stats{
		TotalUnknown: len(unknowns),
		Failures:     make(map[string]int),
	}}

	for _, u := range unknowns {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		outcome, err := r.resolveOne(ctx, u)
		if err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.ResolvedTo != nil {
			result.Stats.ResolvedCount++
		} else {
			result.Stats.UnresolvedCount++
			result.Stats.Failures[outcome.Failure]++
		}
	}

	if result.Stats.TotalUnknown > 0 {
		result.Stats.SuccessRate = float64(result.Stats.ResolvedCount) / float64(result.Stats.TotalUnknown)
	}

	r.log.Debug("unknown resolution pass",
		zap.Int("total", result.Stats.TotalUnknown),
		zap.Int("resolved", result.Stats.ResolvedCount))
	return result, nil
}

func (r *Resolver) resolveOne(ctx context.Context, u *storage.Node) (Outcome, error) {
	outcome := Outcome{Unknown: u}

	if isDynamic(u) {
		outcome.Failure = FailureDynamic
		return outcome, nil
	}
	if isExternal(u) {
		outcome.Failure = FailureExternal
		return outcome, nil
	}

	candidates, err := r.candidates(ctx, u)
	if err != nil {
		return outcome, err
	}
	if len(candidates) == 0 {
		outcome.Failure = FailureNoCandidates
		return outcome, nil
	}

	best, ambiguous := pickBest(candidates)
	if ambiguous {
		outcome.Failure = FailureAmbiguous
		return outcome, nil
	}

	// Aliases point onward; land the resolution on the chain's end.
	target, err := r.dissolveAliases(ctx, best)
	if err != nil {
		return outcome, err
	}
	if target.Type == string(ident.NodeTypeUnknown) {
		// Unknown nodes are terminal placeholders and never the target
		// of a resolvedTo edge.
		outcome.Failure = FailureNoCandidates
		return outcome, nil
	}

	_, err = r.store.UpsertEdge(ctx, &storage.Edge{
		StartNode: u.ID,
		EndNode:   target.ID,
		Type:      edgetype.ResolvedTo,
		Metadata:  map[string]any{"confidence": 1.0},
		Weight:    1,
	})
	if err != nil {
		return outcome, err
	}

	outcome.ResolvedTo = target
	return outcome, nil
}

// candidates lists same-file declarations whose name matches the
// unknown's, restricted to the priority type list.
func (r *Resolver) candidates(ctx context.Context, u *storage.Node) ([]*storage.Node, error) {
	if u.SourceFile == "" {
		return nil, nil
	}
	siblings, err := r.store.FindNodes(ctx, storage.NodeFilter{
		SourceFiles: []string{u.SourceFile},
	})
	if err != nil {
		return nil, err
	}

	wanted := u.Name
	var out []*storage.Node
	for _, n := range siblings {
		if n.ID == u.ID {
			continue
		}
		if _, ranked := typePriority[n.Type]; !ranked {
			continue
		}
		if n.Name == wanted || metadataName(n) == wanted {
			out = append(out, n)
		}
	}
	return out, nil
}

// pickBest returns the highest-priority candidate, or ambiguous=true
// when several candidates tie at the top rank.
func pickBest(candidates []*storage.Node) (*storage.Node, bool) {
	best := candidates[0]
	bestRank := typePriority[best.Type]
	ties := 1
	for _, c := range candidates[1:] {
		rank := typePriority[c.Type]
		switch {
		case rank < bestRank:
			best, bestRank, ties = c, rank, 1
		case rank == bestRank:
			ties++
		}
	}
	if ties > 1 {
		return nil, true
	}
	return best, false
}

// dissolveAliases follows aliasOf edges from node to the chain's end,
// bounded at maxAliasDepth with visited-set cycle detection.
func (r *Resolver) dissolveAliases(ctx context.Context, node *storage.Node) (*storage.Node, error) {
	current := node
	visited := map[storage.NodeID]struct{}{node.ID: {}}

	for depth := 0; depth < maxAliasDepth; depth++ {
		edges, err := r.store.OutgoingEdges(ctx, current.ID, []string{edgetype.AliasOf})
		if err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			return current, nil
		}

		next := edges[0].EndNode
		if _, loop := visited[next]; loop {
			return current, nil
		}
		visited[next] = struct{}{}

		target, err := r.store.GetNode(ctx, next)
		if err != nil {
			return nil, err
		}
		current = target
	}
	return current, nil
}

func isDynamic(n *storage.Node) bool {
	if n.Metadata == nil {
		return false
	}
	if v, ok := n.Metadata["dynamic"].(bool); ok && v {
		return true
	}
	return false
}

func isExternal(n *storage.Node) bool {
	for _, marker := range vendorMarkers {
		if strings.Contains(n.SourceFile, marker) {
			return true
		}
	}
	return false
}

func metadataName(n *storage.Node) string {
	if n.Metadata == nil {
		return ""
	}
	if v, ok := n.Metadata["name"].(string); ok {
		return v
	}
	return ""
}
