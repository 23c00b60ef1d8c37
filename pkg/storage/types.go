// Package storage provides the graph store interface and implementations
// for Yggdrasil.
//
// The store is a persistent typed directed multigraph: nodes are program
// entities (files, classes, methods, libraries, unknown placeholders) and
// edges are typed relationships between them. Next to the node and edge
// tables the store owns two auxiliary tables: the edge_types mirror of the
// edge-type registry and the edge_inference_cache holding materialized
// inferences of depth >= 2.
//
// Design principles:
//   - Upsert semantics keyed by canonical identifier
//   - Testability through the Store interface
//   - Thread-safe implementations, single-writer serialized mutations
//   - Strict inference-cache invalidation: deleting an edge purges every
//     cache row whose path references it, in the same transaction
//
// Implementations:
//   - MemoryStore: in-memory maps with indexes, for tests and pure
//     in-process analysis
//   - SQLiteStore: the canonical relational database file
//   - BadgerStore: alternative embedded key-value engine
//
// Example Usage:
//
//	store, err := storage.OpenSQLite("./graph.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	id, _ := store.UpsertNode(ctx, &storage.Node{
//		Identifier: "my-app/src/App.tsx",
//		Type:       "file",
//		Name:       "App.tsx",
//		SourceFile: "src/App.tsx",
//		Language:   "typescript",
//	})
//
//	libID, _ := store.UpsertNode(ctx, &storage.Node{
//		Identifier: "library#react",
//		Type:       "library",
//		Name:       "react",
//	})
//
//	store.UpsertEdge(ctx, &storage.Edge{
//		StartNode:  id,
//		EndNode:    libID,
//		Type:       "imports_library",
//		Weight:     2.0,
//		SourceFile: "src/App.tsx",
//	})
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// StorageError wraps any persistence fault. The core never retries; the
// original driver error is preserved for errors.Is/As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err unless it is already one of the package sentinels.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidData) || errors.Is(err, ErrInvalidEdge) ||
		errors.Is(err, ErrStorageClosed) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NodeID is the surrogate integer key of a stored node.
type NodeID int64

// EdgeID is the surrogate integer key of a stored edge.
type EdgeID int64

// Node is a program entity in the graph.
//
// Identifier is the canonical RDF-style string (see pkg/ident) and is
// globally unique: two upserts with the same identifier return the same
// ID. Metadata is free-form and persisted as opaque JSON; on re-upsert
// the caller-supplied keys overwrite, the rest are preserved.
//
// Start/End positions are 1-based; zero means the position is unknown.
type Node struct {
	ID          NodeID         `json:"id"`
	Identifier  string         `json:"identifier"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	SourceFile  string         `json:"sourceFile,omitempty"`
	Language    string         `json:"language,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StartLine   int            `json:"startLine,omitempty"`
	StartColumn int            `json:"startColumn,omitempty"`
	EndLine     int            `json:"endLine,omitempty"`
	EndColumn   int            `json:"endColumn,omitempty"`
}

// Edge is a typed directed relationship between two stored nodes.
//
// Edges are created by the analyzer and removed wholesale when the owning
// source file is re-analyzed; they are never mutated in place otherwise.
// The dedup key is (StartNode, EndNode, Type, Label): upserting a matching
// edge merges metadata and weight instead of inserting a duplicate.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNodeId"`
	EndNode    NodeID         `json:"endNodeId"`
	Type       string         `json:"type"`
	Label      string         `json:"label,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Weight     float64        `json:"weight"`
	SourceFile string         `json:"sourceFile,omitempty"`
}

// CacheEntry is one materialized inference row.
//
// Only inferences with Depth >= 2 live in the cache; direct edges stay in
// the edge table. EdgePath lists the witnessing edge ids in order, and a
// row is valid only while every one of those edges still exists.
type CacheEntry struct {
	StartNode    NodeID   `json:"startNodeId"`
	EndNode      NodeID   `json:"endNodeId"`
	InferredType string   `json:"inferredType"`
	EdgePath     []EdgeID `json:"edgePath"`
	Depth        int      `json:"depth"`
}

// Session records one analysis run for the sessions table.
type Session struct {
	ID            string    `json:"id"`
	Project       string    `json:"project,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt,omitzero"`
	FilesAnalyzed int       `json:"filesAnalyzed"`
	NodesCreated  int       `json:"nodesCreated"`
	EdgesCreated  int       `json:"edgesCreated"`
	MissingLinks  int       `json:"missingLinks"`
}

// NodeFilter restricts FindNodes. Empty slices mean "any"; Limit <= 0
// means unlimited. Results are ordered by (sourceFile, startLine,
// startColumn).
type NodeFilter struct {
	Types       []string
	SourceFiles []string
	Languages   []string
	Limit       int
}

// EdgeFilter restricts FindEdges. Empty slices mean "any"; Limit <= 0
// means unlimited. Results are ordered by (startNodeId, endNodeId).
type EdgeFilter struct {
	Types       []string
	FromNodes   []NodeID
	ToNodes     []NodeID
	SourceFiles []string
	Limit       int
}

// CacheFilter restricts CacheEntries. Zero values mean "any".
type CacheFilter struct {
	InferredTypes []string
	StartNode     NodeID
	EndNode       NodeID
}

// Stats summarizes store contents by node and edge type.
type Stats struct {
	Nodes        int64            `json:"nodes"`
	Edges        int64            `json:"edges"`
	NodesByType  map[string]int64 `json:"nodesByType"`
	EdgesByType  map[string]int64 `json:"edgesByType"`
	CacheEntries int64            `json:"cacheEntries"`
}

// Store is the graph store interface.
//
// All implementations are thread-safe. Mutations are single-writer
// serialized at the store boundary; readers see committed state only.
// Long mutations (per-file re-analysis) run inside RunInTransaction so
// the deletion of stale edges and the insertion of fresh ones are atomic.
//
// Every persistence fault surfaces as a *StorageError (or one of the
// package sentinels); no partial writes are observable after a failed
// transaction.
type Store interface {
	// Node operations
	UpsertNode(ctx context.Context, node *Node) (NodeID, error)
	GetNode(ctx context.Context, id NodeID) (*Node, error)
	GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error)
	FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)

	// Edge operations
	UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error)
	GetEdge(ctx context.Context, id EdgeID) (*Edge, error)
	FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error)
	DeleteEdge(ctx context.Context, id EdgeID) error
	DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error)

	// Traversal
	OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error)
	IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error)

	// Edge-type mirror (superset of the in-process registry)
	RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error
	EdgeTypes(ctx context.Context) ([]edgetype.Def, error)

	// Inference cache
	ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error
	CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error)
	ClearCache(ctx context.Context) error
	PurgeStaleCacheEntries(ctx context.Context) (int, error)

	// Sessions
	RecordSession(ctx context.Context, session *Session) error

	// Transactions. fn receives a handle bound to the transaction; using
	// the outer store inside fn is undefined. Nested calls flatten into
	// the enclosing transaction.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Stats and lifecycle
	Statistics(ctx context.Context) (*Stats, error)
	Close() error
}

// Neighbor pairs a one-hop edge with the node on its far end.
type Neighbor struct {
	Node *Node
	Edge *Edge
}

// NodeDependencies returns the one-hop targets of id, restricted to
// edgeTypes when non-empty.
func NodeDependencies(ctx context.Context, s Store, id NodeID, edgeTypes []string) ([]Neighbor, error) {
	edges, err := s.OutgoingEdges(ctx, id, edgeTypes)
	if err != nil {
		return nil, err
	}
	return collectNeighbors(ctx, s, edges, false)
}

// NodeDependents returns the one-hop sources pointing at id, restricted
// to edgeTypes when non-empty.
func NodeDependents(ctx context.Context, s Store, id NodeID, edgeTypes []string) ([]Neighbor, error) {
	edges, err := s.IncomingEdges(ctx, id, edgeTypes)
	if err != nil {
		return nil, err
	}
	return collectNeighbors(ctx, s, edges, true)
}

func collectNeighbors(ctx context.Context, s Store, edges []*Edge, incoming bool) ([]Neighbor, error) {
	neighbors := make([]Neighbor, 0, len(edges))
	for _, e := range edges {
		far := e.EndNode
		if incoming {
			far = e.StartNode
		}
		node, err := s.GetNode(ctx, far)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		neighbors = append(neighbors, Neighbor{Node: node, Edge: e})
	}
	return neighbors, nil
}

// FindDependencyPath runs a bounded breadth-first search from one node to
// another and returns the shortest edge path, or nil when no path of
// length <= maxDepth exists. The search suspends only at storage reads
// and honors ctx cancellation between expansions.
func FindDependencyPath(ctx context.Context, s Store, from, to NodeID, maxDepth int) ([]*Edge, error) {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if from == to {
		return []*Edge{}, nil
	}

	type hop struct {
		node NodeID
		path []*Edge
	}

	visited := map[NodeID]struct{}{from: {}}
	frontier := []hop{{node: from}}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []hop
		for _, h := range frontier {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			edges, err := s.OutgoingEdges(ctx, h.node, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, seen := visited[e.EndNode]; seen {
					continue
				}
				visited[e.EndNode] = struct{}{}
				path := append(append([]*Edge(nil), h.path...), e)
				if e.EndNode == to {
					return path, nil
				}
				next = append(next, hop{node: e.EndNode, path: path})
			}
		}
		frontier = next
	}

	return nil, nil
}

// mergeMetadata overlays src onto dst (caller keys overwrite) and returns
// the result. Either side may be nil.
func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// pathContains reports whether any id in path is in the deleted set.
func pathContains(path []EdgeID, deleted map[EdgeID]struct{}) bool {
	for _, id := range path {
		if _, ok := deleted[id]; ok {
			return true
		}
	}
	return false
}
