package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
)

// edgeKey is the upsert dedup key for edges.
type edgeKey struct {
	start NodeID
	end   NodeID
	typ   string
	label string
}

// MemoryStore is a thread-safe in-memory graph store.
//
// Use cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Pure in-process analysis of small projects
//   - Prototyping an analyzer before pointing it at a database file
//
// All public methods are thread-safe. Mutations are serialized by a write
// lock; readers always see committed state. Returned nodes and edges are
// deep copies so callers cannot mutate the stored graph.
//
// ELI12:
//
// Think of MemoryStore as drawing your program's map on a whiteboard:
//   - every file, class, and library gets a sticky note (node)
//   - every "this imports that" gets an arrow between notes (edge)
//   - the whiteboard is wiped when the program exits
//
// Perfect for tests and experiments; use SQLiteStore when the map has to
// survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	nextNodeID NodeID
	nextEdgeID EdgeID

	nodes        map[NodeID]*Node
	nodesByIdent map[string]NodeID

	edges     map[EdgeID]*Edge
	edgeDedup map[edgeKey]EdgeID

	// Indexes for efficient lookups
	outgoing    map[NodeID]map[EdgeID]struct{}
	incoming    map[NodeID]map[EdgeID]struct{}
	edgesByFile map[string]map[EdgeID]struct{}

	edgeTypes map[string]edgetype.Def
	cache     []*CacheEntry
	sessions  map[string]*Session
}

// NewMemoryStore creates an empty in-memory graph store ready for
// concurrent use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[NodeID]*Node),
		nodesByIdent: make(map[string]NodeID),
		edges:        make(map[EdgeID]*Edge),
		edgeDedup:    make(map[edgeKey]EdgeID),
		outgoing:     make(map[NodeID]map[EdgeID]struct{}),
		incoming:     make(map[NodeID]map[EdgeID]struct{}),
		edgesByFile:  make(map[string]map[EdgeID]struct{}),
		edgeTypes:    make(map[string]edgetype.Def),
		sessions:     make(map[string]*Session),
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyNode(n *Node) *Node {
	c := *n
	c.Metadata = copyMetadata(n.Metadata)
	return &c
}

func copyEdge(e *Edge) *Edge {
	c := *e
	c.Metadata = copyMetadata(e.Metadata)
	return &c
}

func copyCacheEntry(e *CacheEntry) *CacheEntry {
	c := *e
	c.EdgePath = append([]EdgeID(nil), e.EdgePath...)
	return &c
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func toIDSet(values []NodeID) map[NodeID]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[NodeID]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// UpsertNode creates or updates a node keyed by its canonical identifier.
//
// On conflict the surrogate id is preserved, metadata is merged with the
// caller's keys winning, and type/name/sourceFile/language (and
// positions) are updated only when supplied.
func (m *MemoryStore) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertNodeLocked(node)
}

func (m *MemoryStore) upsertNodeLocked(node *Node) (NodeID, error) {
	if m.closed {
		return 0, ErrStorageClosed
	}
	if node == nil {
		return 0, ErrInvalidData
	}
	if node.Identifier == "" {
		return 0, ErrInvalidID
	}

	if id, exists := m.nodesByIdent[node.Identifier]; exists {
		existing := m.nodes[id]
		if node.Type != "" {
			existing.Type = node.Type
		}
		if node.Name != "" {
			existing.Name = node.Name
		}
		if node.SourceFile != "" {
			existing.SourceFile = node.SourceFile
		}
		if node.Language != "" {
			existing.Language = node.Language
		}
		if node.StartLine != 0 || node.StartColumn != 0 || node.EndLine != 0 || node.EndColumn != 0 {
			existing.StartLine = node.StartLine
			existing.StartColumn = node.StartColumn
			existing.EndLine = node.EndLine
			existing.EndColumn = node.EndColumn
		}
		existing.Metadata = mergeMetadata(existing.Metadata, node.Metadata)
		node.ID = id
		return id, nil
	}

	m.nextNodeID++
	id := m.nextNodeID
	stored := copyNode(node)
	stored.ID = id
	m.nodes[id] = stored
	m.nodesByIdent[node.Identifier] = id
	node.ID = id
	return id, nil
}

// GetNode retrieves a node by surrogate id.
func (m *MemoryStore) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getNodeLocked(id)
}

func (m *MemoryStore) getNodeLocked(id NodeID) (*Node, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// GetNodeByIdentifier retrieves a node by canonical identifier.
func (m *MemoryStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getNodeByIdentifierLocked(identifier)
}

func (m *MemoryStore) getNodeByIdentifierLocked(identifier string) (*Node, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	if identifier == "" {
		return nil, ErrInvalidID
	}
	id, ok := m.nodesByIdent[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(m.nodes[id]), nil
}

// FindNodes returns nodes matching the filter, ordered by
// (sourceFile, startLine, startColumn).
func (m *MemoryStore) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findNodesLocked(filter)
}

func (m *MemoryStore) findNodesLocked(filter NodeFilter) ([]*Node, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}

	types := toSet(filter.Types)
	files := toSet(filter.SourceFiles)
	langs := toSet(filter.Languages)

	var out []*Node
	for _, node := range m.nodes {
		if len(types) > 0 {
			if _, ok := types[node.Type]; !ok {
				continue
			}
		}
		if len(files) > 0 {
			if _, ok := files[node.SourceFile]; !ok {
				continue
			}
		}
		if len(langs) > 0 {
			if _, ok := langs[node.Language]; !ok {
				continue
			}
		}
		out = append(out, copyNode(node))
	}

	sortNodes(out)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SourceFile != nodes[j].SourceFile {
			return nodes[i].SourceFile < nodes[j].SourceFile
		}
		if nodes[i].StartLine != nodes[j].StartLine {
			return nodes[i].StartLine < nodes[j].StartLine
		}
		if nodes[i].StartColumn != nodes[j].StartColumn {
			return nodes[i].StartColumn < nodes[j].StartColumn
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].StartNode != edges[j].StartNode {
			return edges[i].StartNode < edges[j].StartNode
		}
		if edges[i].EndNode != edges[j].EndNode {
			return edges[i].EndNode < edges[j].EndNode
		}
		return edges[i].ID < edges[j].ID
	})
}

// UpsertEdge creates an edge, or merges metadata and weight into the
// existing edge with the same (start, end, type, label) key. Both
// endpoints must exist.
func (m *MemoryStore) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertEdgeLocked(edge)
}

func (m *MemoryStore) upsertEdgeLocked(edge *Edge) (EdgeID, error) {
	if m.closed {
		return 0, ErrStorageClosed
	}
	if edge == nil || edge.Type == "" {
		return 0, ErrInvalidData
	}
	if _, ok := m.nodes[edge.StartNode]; !ok {
		return 0, ErrInvalidEdge
	}
	if _, ok := m.nodes[edge.EndNode]; !ok {
		return 0, ErrInvalidEdge
	}

	key := edgeKey{edge.StartNode, edge.EndNode, edge.Type, edge.Label}
	if id, exists := m.edgeDedup[key]; exists {
		existing := m.edges[id]
		existing.Metadata = mergeMetadata(existing.Metadata, edge.Metadata)
		if edge.Weight != 0 {
			existing.Weight = edge.Weight
		}
		if edge.SourceFile != "" && existing.SourceFile != edge.SourceFile {
			m.unindexEdgeFile(existing)
			existing.SourceFile = edge.SourceFile
			m.indexEdgeFile(existing)
		}
		edge.ID = id
		return id, nil
	}

	m.nextEdgeID++
	id := m.nextEdgeID
	stored := copyEdge(edge)
	stored.ID = id
	m.edges[id] = stored
	m.edgeDedup[key] = id

	if m.outgoing[edge.StartNode] == nil {
		m.outgoing[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoing[edge.StartNode][id] = struct{}{}
	if m.incoming[edge.EndNode] == nil {
		m.incoming[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incoming[edge.EndNode][id] = struct{}{}
	m.indexEdgeFile(stored)

	edge.ID = id
	return id, nil
}

func (m *MemoryStore) indexEdgeFile(e *Edge) {
	if e.SourceFile == "" {
		return
	}
	if m.edgesByFile[e.SourceFile] == nil {
		m.edgesByFile[e.SourceFile] = make(map[EdgeID]struct{})
	}
	m.edgesByFile[e.SourceFile][e.ID] = struct{}{}
}

func (m *MemoryStore) unindexEdgeFile(e *Edge) {
	if e.SourceFile == "" {
		return
	}
	if set, ok := m.edgesByFile[e.SourceFile]; ok {
		delete(set, e.ID)
		if len(set) == 0 {
			delete(m.edgesByFile, e.SourceFile)
		}
	}
}

// GetEdge retrieves an edge by id.
func (m *MemoryStore) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEdgeLocked(id)
}

func (m *MemoryStore) getEdgeLocked(id EdgeID) (*Edge, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	edge, ok := m.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// FindEdges returns edges matching the filter, ordered by
// (startNodeId, endNodeId).
func (m *MemoryStore) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findEdgesLocked(filter)
}

func (m *MemoryStore) findEdgesLocked(filter EdgeFilter) ([]*Edge, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}

	types := toSet(filter.Types)
	files := toSet(filter.SourceFiles)
	from := toIDSet(filter.FromNodes)
	to := toIDSet(filter.ToNodes)

	var out []*Edge
	for _, edge := range m.edges {
		if len(types) > 0 {
			if _, ok := types[edge.Type]; !ok {
				continue
			}
		}
		if len(files) > 0 {
			if _, ok := files[edge.SourceFile]; !ok {
				continue
			}
		}
		if len(from) > 0 {
			if _, ok := from[edge.StartNode]; !ok {
				continue
			}
		}
		if len(to) > 0 {
			if _, ok := to[edge.EndNode]; !ok {
				continue
			}
		}
		out = append(out, copyEdge(edge))
	}

	sortEdges(out)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteEdge removes an edge and, in the same critical section, every
// inference-cache row whose edge path references it.
func (m *MemoryStore) DeleteEdge(ctx context.Context, id EdgeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.edges[id]; !ok {
		return ErrNotFound
	}
	m.deleteEdgesLocked(map[EdgeID]struct{}{id: {}})
	return nil
}

// DeleteEdgesBySourceFile removes every edge recorded for sourceFile and
// purges the cache rows that referenced them. Returns the number of
// edges removed.
func (m *MemoryStore) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	set, ok := m.edgesByFile[sourceFile]
	if !ok || len(set) == 0 {
		return 0, nil
	}
	ids := make(map[EdgeID]struct{}, len(set))
	for id := range set {
		ids[id] = struct{}{}
	}
	m.deleteEdgesLocked(ids)
	return len(ids), nil
}

func (m *MemoryStore) deleteEdgesLocked(ids map[EdgeID]struct{}) {
	for id := range ids {
		edge, ok := m.edges[id]
		if !ok {
			continue
		}
		delete(m.edges, id)
		delete(m.edgeDedup, edgeKey{edge.StartNode, edge.EndNode, edge.Type, edge.Label})
		if set, ok := m.outgoing[edge.StartNode]; ok {
			delete(set, id)
		}
		if set, ok := m.incoming[edge.EndNode]; ok {
			delete(set, id)
		}
		m.unindexEdgeFile(edge)
	}

	// Strict invalidation: no cache row may outlive an edge on its path.
	kept := m.cache[:0]
	for _, entry := range m.cache {
		if !pathContains(entry.EdgePath, ids) {
			kept = append(kept, entry)
		}
	}
	m.cache = kept
}

// OutgoingEdges returns edges starting at id, restricted to edgeTypes
// when non-empty, ordered by (startNodeId, endNodeId).
func (m *MemoryStore) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adjacentLocked(m.outgoing[id], edgeTypes)
}

// IncomingEdges returns edges ending at id, restricted to edgeTypes when
// non-empty, ordered by (startNodeId, endNodeId).
func (m *MemoryStore) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adjacentLocked(m.incoming[id], edgeTypes)
}

func (m *MemoryStore) adjacentLocked(set map[EdgeID]struct{}, edgeTypes []string) ([]*Edge, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	types := toSet(edgeTypes)

	out := make([]*Edge, 0, len(set))
	for id := range set {
		edge := m.edges[id]
		if edge == nil {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[edge.Type]; !ok {
				continue
			}
		}
		out = append(out, copyEdge(edge))
	}
	sortEdges(out)
	return out, nil
}

// RegisterEdgeTypes stores the registry mirror rows. Existing rows are
// overwritten so the persisted set is always a superset of the registry.
func (m *MemoryStore) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for _, def := range defs {
		m.edgeTypes[def.Type] = def
	}
	return nil
}

// EdgeTypes returns the persisted edge-type rows ordered by priority.
func (m *MemoryStore) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	defs := make([]edgetype.Def, 0, len(m.edgeTypes))
	for _, def := range m.edgeTypes {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].Type < defs[j].Type
	})
	return defs, nil
}

// ReplaceCache atomically deletes all cache rows of the given inferred
// types and inserts the new entries. Entries with depth < 2 are rejected:
// direct edges live only in the edge table.
func (m *MemoryStore) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceCacheLocked(inferredTypes, entries)
}

func (m *MemoryStore) replaceCacheLocked(inferredTypes []string, entries []*CacheEntry) error {
	if m.closed {
		return ErrStorageClosed
	}
	for _, entry := range entries {
		if entry.Depth < 2 {
			return ErrInvalidData
		}
	}

	types := toSet(inferredTypes)
	kept := m.cache[:0]
	for _, entry := range m.cache {
		if len(types) > 0 {
			if _, ok := types[entry.InferredType]; ok {
				continue
			}
		} else {
			continue // nil types means replace everything
		}
		kept = append(kept, entry)
	}
	m.cache = kept
	for _, entry := range entries {
		m.cache = append(m.cache, copyCacheEntry(entry))
	}
	return nil
}

// CacheEntries returns cache rows matching the filter, ordered by
// (depth, startNodeId, endNodeId).
func (m *MemoryStore) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cacheEntriesLocked(filter)
}

func (m *MemoryStore) cacheEntriesLocked(filter CacheFilter) ([]*CacheEntry, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}

	types := toSet(filter.InferredTypes)
	var out []*CacheEntry
	for _, entry := range m.cache {
		if len(types) > 0 {
			if _, ok := types[entry.InferredType]; !ok {
				continue
			}
		}
		if filter.StartNode != 0 && entry.StartNode != filter.StartNode {
			continue
		}
		if filter.EndNode != 0 && entry.EndNode != filter.EndNode {
			continue
		}
		out = append(out, copyCacheEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].StartNode != out[j].StartNode {
			return out[i].StartNode < out[j].StartNode
		}
		return out[i].EndNode < out[j].EndNode
	})
	return out, nil
}

// ClearCache removes every inference-cache row.
func (m *MemoryStore) ClearCache(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.cache = nil
	return nil
}

// PurgeStaleCacheEntries removes cache rows whose edge path references an
// edge that no longer exists, returning how many were removed.
func (m *MemoryStore) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeStaleLocked()
}

func (m *MemoryStore) purgeStaleLocked() (int, error) {
	if m.closed {
		return 0, ErrStorageClosed
	}

	kept := m.cache[:0]
	removed := 0
	for _, entry := range m.cache {
		stale := false
		for _, id := range entry.EdgePath {
			if _, ok := m.edges[id]; !ok {
				stale = true
				break
			}
		}
		if stale {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.cache = kept
	return removed, nil
}

// RecordSession stores an analysis-session record keyed by its id.
func (m *MemoryStore) RecordSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	c := *session
	m.sessions[session.ID] = &c
	return nil
}

// Statistics returns totals by node and edge type.
func (m *MemoryStore) Statistics(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	stats := &Stats{
		Nodes:        int64(len(m.nodes)),
		Edges:        int64(len(m.edges)),
		NodesByType:  make(map[string]int64),
		EdgesByType:  make(map[string]int64),
		CacheEntries: int64(len(m.cache)),
	}
	for _, node := range m.nodes {
		stats.NodesByType[node.Type]++
	}
	for _, edge := range m.edges {
		stats.EdgesByType[edge.Type]++
	}
	return stats, nil
}

// RunInTransaction executes fn against a handle bound to this store while
// holding the write lock for the whole duration: readers see either the
// pre- or the post-state, never the middle. On error the snapshot taken
// at entry is restored, so no partial writes are observable.
func (m *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	snap := m.snapshotLocked()
	if err := fn(&memTx{store: m}); err != nil {
		m.restoreLocked(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	nextNodeID NodeID
	nextEdgeID EdgeID

	nodes        map[NodeID]*Node
	nodesByIdent map[string]NodeID
	edges        map[EdgeID]*Edge
	edgeDedup    map[edgeKey]EdgeID
	outgoing     map[NodeID]map[EdgeID]struct{}
	incoming     map[NodeID]map[EdgeID]struct{}
	edgesByFile  map[string]map[EdgeID]struct{}
	edgeTypes    map[string]edgetype.Def
	cache        []*CacheEntry
	sessions     map[string]*Session
}

func (m *MemoryStore) snapshotLocked() *memSnapshot {
	snap := &memSnapshot{
		nextNodeID:   m.nextNodeID,
		nextEdgeID:   m.nextEdgeID,
		nodes:        make(map[NodeID]*Node, len(m.nodes)),
		nodesByIdent: make(map[string]NodeID, len(m.nodesByIdent)),
		edges:        make(map[EdgeID]*Edge, len(m.edges)),
		edgeDedup:    make(map[edgeKey]EdgeID, len(m.edgeDedup)),
		edgesByFile:  make(map[string]map[EdgeID]struct{}, len(m.edgesByFile)),
		edgeTypes:    make(map[string]edgetype.Def, len(m.edgeTypes)),
		cache:        make([]*CacheEntry, len(m.cache)),
		sessions:     make(map[string]*Session, len(m.sessions)),
	}
	for id, n := range m.nodes {
		snap.nodes[id] = copyNode(n)
	}
	for k, v := range m.nodesByIdent {
		snap.nodesByIdent[k] = v
	}
	for id, e := range m.edges {
		snap.edges[id] = copyEdge(e)
	}
	for k, v := range m.edgeDedup {
		snap.edgeDedup[k] = v
	}
	snap.outgoing = copyIndex(m.outgoing)
	snap.incoming = copyIndex(m.incoming)
	for k, set := range m.edgesByFile {
		c := make(map[EdgeID]struct{}, len(set))
		for id := range set {
			c[id] = struct{}{}
		}
		snap.edgesByFile[k] = c
	}
	for k, v := range m.edgeTypes {
		snap.edgeTypes[k] = v
	}
	for i, e := range m.cache {
		snap.cache[i] = copyCacheEntry(e)
	}
	for k, v := range m.sessions {
		c := *v
		snap.sessions[k] = &c
	}
	return snap
}

func copyIndex(idx map[NodeID]map[EdgeID]struct{}) map[NodeID]map[EdgeID]struct{} {
	out := make(map[NodeID]map[EdgeID]struct{}, len(idx))
	for k, set := range idx {
		c := make(map[EdgeID]struct{}, len(set))
		for id := range set {
			c[id] = struct{}{}
		}
		out[k] = c
	}
	return out
}

func (m *MemoryStore) restoreLocked(snap *memSnapshot) {
	m.nextNodeID = snap.nextNodeID
	m.nextEdgeID = snap.nextEdgeID
	m.nodes = snap.nodes
	m.nodesByIdent = snap.nodesByIdent
	m.edges = snap.edges
	m.edgeDedup = snap.edgeDedup
	m.outgoing = snap.outgoing
	m.incoming = snap.incoming
	m.edgesByFile = snap.edgesByFile
	m.edgeTypes = snap.edgeTypes
	m.cache = snap.cache
	m.sessions = snap.sessions
}

// Close marks the store closed. Further operations return
// ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTx routes Store calls to the unlocked internals while the outer
// transaction holds the write lock.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	return t.store.upsertNodeLocked(node)
}

func (t *memTx) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	return t.store.getNodeLocked(id)
}

func (t *memTx) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	return t.store.getNodeByIdentifierLocked(identifier)
}

func (t *memTx) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	return t.store.findNodesLocked(filter)
}

func (t *memTx) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	return t.store.upsertEdgeLocked(edge)
}

func (t *memTx) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	return t.store.getEdgeLocked(id)
}

func (t *memTx) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	return t.store.findEdgesLocked(filter)
}

func (t *memTx) DeleteEdge(ctx context.Context, id EdgeID) error {
	if _, ok := t.store.edges[id]; !ok {
		return ErrNotFound
	}
	t.store.deleteEdgesLocked(map[EdgeID]struct{}{id: {}})
	return nil
}

func (t *memTx) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	set, ok := t.store.edgesByFile[sourceFile]
	if !ok || len(set) == 0 {
		return 0, nil
	}
	ids := make(map[EdgeID]struct{}, len(set))
	for id := range set {
		ids[id] = struct{}{}
	}
	t.store.deleteEdgesLocked(ids)
	return len(ids), nil
}

func (t *memTx) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return t.store.adjacentLocked(t.store.outgoing[id], edgeTypes)
}

func (t *memTx) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return t.store.adjacentLocked(t.store.incoming[id], edgeTypes)
}

func (t *memTx) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	for _, def := range defs {
		t.store.edgeTypes[def.Type] = def
	}
	return nil
}

func (t *memTx) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	defs := make([]edgetype.Def, 0, len(t.store.edgeTypes))
	for _, def := range t.store.edgeTypes {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].Type < defs[j].Type
	})
	return defs, nil
}

func (t *memTx) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	return t.store.replaceCacheLocked(inferredTypes, entries)
}

func (t *memTx) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	return t.store.cacheEntriesLocked(filter)
}

func (t *memTx) ClearCache(ctx context.Context) error {
	t.store.cache = nil
	return nil
}

func (t *memTx) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	return t.store.purgeStaleLocked()
}

func (t *memTx) RecordSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	c := *session
	t.store.sessions[session.ID] = &c
	return nil
}

func (t *memTx) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t) // nested transactions flatten
}

func (t *memTx) Statistics(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Nodes:        int64(len(t.store.nodes)),
		Edges:        int64(len(t.store.edges)),
		NodesByType:  make(map[string]int64),
		EdgesByType:  make(map[string]int64),
		CacheEntries: int64(len(t.store.cache)),
	}
	for _, node := range t.store.nodes {
		stats.NodesByType[node.Type]++
	}
	for _, edge := range t.store.edges {
		stats.EdgesByType[edge.Type]++
	}
	return stats, nil
}

func (t *memTx) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
var _ Store = (*memTx)(nil)
