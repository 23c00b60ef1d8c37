package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
)

// Key prefixes for the Badger keyspace. Single-byte prefixes keep scans
// cheap; each prefix mirrors one logical table of the relational layout.
const (
	prefixNode      = byte(0x01) // node id -> JSON(Node)
	prefixIdent     = byte(0x02) // identifier -> node id
	prefixEdge      = byte(0x03) // edge id -> JSON(Edge)
	prefixEdgeDedup = byte(0x04) // start|end|type|label -> edge id
	prefixOutgoing  = byte(0x05) // start id | edge id -> nil
	prefixIncoming  = byte(0x06) // end id | edge id -> nil
	prefixEdgeFile  = byte(0x07) // source file | edge id -> nil
	prefixEdgeType  = byte(0x08) // type name -> JSON(edgetype.Def)
	prefixCache     = byte(0x09) // seq -> JSON(CacheEntry)
	prefixSession   = byte(0x0A) // session id -> JSON(Session)
)

// BadgerStore is the alternative embedded engine: the same logical tables
// as SQLiteStore laid out as a prefixed key-value space.
//
// Key structure:
//   - Nodes:      0x01 + id(8) -> JSON
//   - Identifier: 0x02 + identifier -> id(8)
//   - Edges:      0x03 + id(8) -> JSON
//   - Edge dedup: 0x04 + start(8) + end(8) + type + 0x00 + label -> id(8)
//   - Outgoing:   0x05 + start(8) + edge(8) -> nil
//   - Incoming:   0x06 + end(8) + edge(8) -> nil
//   - Edge files: 0x07 + file + 0x00 + edge(8) -> nil
//
// Surrogate ids come from Badger sequences; ids burned by a rolled-back
// transaction are never reused, matching AUTOINCREMENT behavior.
type BadgerStore struct {
	db      *badger.DB
	nodeSeq *badger.Sequence
	edgeSeq *badger.Sequence

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the Badger engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string
	// InMemory runs Badger without persistence. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// OpenBadger opens a Badger-backed graph store in dataDir.
func OpenBadger(dataDir string) (*BadgerStore, error) {
	return OpenBadgerWithOptions(BadgerOptions{DataDir: dataDir})
}

// OpenBadgerWithOptions opens a Badger-backed graph store with explicit
// options.
func OpenBadgerWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	badgerOpts.InMemory = opts.InMemory
	badgerOpts.SyncWrites = opts.SyncWrites
	badgerOpts.Logger = nil
	if opts.InMemory {
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, storageErr("open badger", err)
	}

	nodeSeq, err := db.GetSequence([]byte("seq:node"), 128)
	if err != nil {
		_ = db.Close()
		return nil, storageErr("open node sequence", err)
	}
	edgeSeq, err := db.GetSequence([]byte("seq:edge"), 128)
	if err != nil {
		_ = nodeSeq.Release()
		_ = db.Close()
		return nil, storageErr("open edge sequence", err)
	}

	return &BadgerStore{db: db, nodeSeq: nodeSeq, edgeSeq: edgeSeq}, nil
}

func (b *BadgerStore) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close releases the id sequences and closes the database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.nodeSeq.Release()
	_ = b.edgeSeq.Release()
	return storageErr("close", b.db.Close())
}

func u64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func keyNode(id NodeID) []byte {
	return append([]byte{prefixNode}, u64(uint64(id))...)
}

func keyIdent(identifier string) []byte {
	return append([]byte{prefixIdent}, identifier...)
}

func keyEdge(id EdgeID) []byte {
	return append([]byte{prefixEdge}, u64(uint64(id))...)
}

func keyEdgeDedup(e *Edge) []byte {
	key := []byte{prefixEdgeDedup}
	key = append(key, u64(uint64(e.StartNode))...)
	key = append(key, u64(uint64(e.EndNode))...)
	key = append(key, e.Type...)
	key = append(key, 0x00)
	key = append(key, e.Label...)
	return key
}

func keyAdjacent(prefix byte, node NodeID, edge EdgeID) []byte {
	key := []byte{prefix}
	key = append(key, u64(uint64(node))...)
	key = append(key, u64(uint64(edge))...)
	return key
}

func keyEdgeFile(sourceFile string, edge EdgeID) []byte {
	key := []byte{prefixEdgeFile}
	key = append(key, sourceFile...)
	key = append(key, 0x00)
	key = append(key, u64(uint64(edge))...)
	return key
}

func keyEdgeType(name string) []byte {
	return append([]byte{prefixEdgeType}, name...)
}

func keyCache(seq uint64) []byte {
	return append([]byte{prefixCache}, u64(seq)...)
}

func keySession(id string) []byte {
	return append([]byte{prefixSession}, id...)
}

func getJSON[T any](txn *badger.Txn, key []byte, out *T) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// badgerOps implements every operation against one *badger.Txn. The store
// methods wrap these in View/Update; RunInTransaction exposes them as a
// Store handle.
type badgerOps struct {
	store *BadgerStore
	txn   *badger.Txn
}

func (o *badgerOps) nextNodeID() (NodeID, error) {
	v, err := o.store.nodeSeq.Next()
	if err != nil {
		return 0, storageErr("node sequence", err)
	}
	return NodeID(v + 1), nil // sequences start at 0; ids start at 1
}

func (o *badgerOps) nextEdgeID() (EdgeID, error) {
	v, err := o.store.edgeSeq.Next()
	if err != nil {
		return 0, storageErr("edge sequence", err)
	}
	return EdgeID(v + 1), nil
}

func (o *badgerOps) upsertNode(node *Node) (NodeID, error) {
	if node == nil {
		return 0, ErrInvalidData
	}
	if node.Identifier == "" {
		return 0, ErrInvalidID
	}

	item, err := o.txn.Get(keyIdent(node.Identifier))
	switch {
	case err == nil:
		var id NodeID
		if err := item.Value(func(val []byte) error {
			id = NodeID(binary.BigEndian.Uint64(val))
			return nil
		}); err != nil {
			return 0, storageErr("read identifier index", err)
		}

		var existing Node
		if err := getJSON(o.txn, keyNode(id), &existing); err != nil {
			return 0, storageErr("read node", err)
		}
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
		if err := setJSON(o.txn, keyNode(id), &existing); err != nil {
			return 0, storageErr("write node", err)
		}
		node.ID = id
		return id, nil

	case errors.Is(err, badger.ErrKeyNotFound):
		id, err := o.nextNodeID()
		if err != nil {
			return 0, err
		}
		stored := copyNode(node)
		stored.ID = id
		if err := setJSON(o.txn, keyNode(id), stored); err != nil {
			return 0, storageErr("write node", err)
		}
		if err := o.txn.Set(keyIdent(node.Identifier), u64(uint64(id))); err != nil {
			return 0, storageErr("write identifier index", err)
		}
		node.ID = id
		return id, nil

	default:
		return 0, storageErr("lookup identifier", err)
	}
}

func (o *badgerOps) getNode(id NodeID) (*Node, error) {
	var node Node
	if err := getJSON(o.txn, keyNode(id), &node); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get node", err)
	}
	return &node, nil
}

func (o *badgerOps) getNodeByIdentifier(identifier string) (*Node, error) {
	if identifier == "" {
		return nil, ErrInvalidID
	}
	item, err := o.txn.Get(keyIdent(identifier))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("lookup identifier", err)
	}
	var id NodeID
	if err := item.Value(func(val []byte) error {
		id = NodeID(binary.BigEndian.Uint64(val))
		return nil
	}); err != nil {
		return nil, storageErr("read identifier index", err)
	}
	return o.getNode(id)
}

func (o *badgerOps) scanNodes(fn func(*Node) error) error {
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixNode}, PrefetchValues: true})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var node Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		}); err != nil {
			return storageErr("decode node", err)
		}
		if err := fn(&node); err != nil {
			return err
		}
	}
	return nil
}

func (o *badgerOps) scanEdges(fn func(*Edge) error) error {
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixEdge}, PrefetchValues: true})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var edge Edge
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		}); err != nil {
			return storageErr("decode edge", err)
		}
		if err := fn(&edge); err != nil {
			return err
		}
	}
	return nil
}

func (o *badgerOps) findNodes(filter NodeFilter) ([]*Node, error) {
	types := toSet(filter.Types)
	files := toSet(filter.SourceFiles)
	langs := toSet(filter.Languages)

	var out []*Node
	err := o.scanNodes(func(n *Node) error {
		if len(types) > 0 {
			if _, ok := types[n.Type]; !ok {
				return nil
			}
		}
		if len(files) > 0 {
			if _, ok := files[n.SourceFile]; !ok {
				return nil
			}
		}
		if len(langs) > 0 {
			if _, ok := langs[n.Language]; !ok {
				return nil
			}
		}
		out = append(out, copyNode(n))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNodes(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (o *badgerOps) upsertEdge(edge *Edge) (EdgeID, error) {
	if edge == nil || edge.Type == "" {
		return 0, ErrInvalidData
	}
	for _, id := range []NodeID{edge.StartNode, edge.EndNode} {
		if _, err := o.txn.Get(keyNode(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return 0, ErrInvalidEdge
			}
			return 0, storageErr("check edge endpoint", err)
		}
	}

	dedup := keyEdgeDedup(edge)
	item, err := o.txn.Get(dedup)
	switch {
	case err == nil:
		var id EdgeID
		if err := item.Value(func(val []byte) error {
			id = EdgeID(binary.BigEndian.Uint64(val))
			return nil
		}); err != nil {
			return 0, storageErr("read edge dedup index", err)
		}

		var existing Edge
		if err := getJSON(o.txn, keyEdge(id), &existing); err != nil {
			return 0, storageErr("read edge", err)
		}
		existing.Metadata = mergeMetadata(existing.Metadata, edge.Metadata)
		if edge.Weight != 0 {
			existing.Weight = edge.Weight
		}
		if edge.SourceFile != "" && existing.SourceFile != edge.SourceFile {
			if existing.SourceFile != "" {
				if err := o.txn.Delete(keyEdgeFile(existing.SourceFile, id)); err != nil {
					return 0, storageErr("reindex edge file", err)
				}
			}
			existing.SourceFile = edge.SourceFile
			if err := o.txn.Set(keyEdgeFile(edge.SourceFile, id), nil); err != nil {
				return 0, storageErr("reindex edge file", err)
			}
		}
		if err := setJSON(o.txn, keyEdge(id), &existing); err != nil {
			return 0, storageErr("write edge", err)
		}
		edge.ID = id
		return id, nil

	case errors.Is(err, badger.ErrKeyNotFound):
		id, err := o.nextEdgeID()
		if err != nil {
			return 0, err
		}
		stored := copyEdge(edge)
		stored.ID = id
		if err := setJSON(o.txn, keyEdge(id), stored); err != nil {
			return 0, storageErr("write edge", err)
		}
		if err := o.txn.Set(dedup, u64(uint64(id))); err != nil {
			return 0, storageErr("write edge dedup index", err)
		}
		if err := o.txn.Set(keyAdjacent(prefixOutgoing, edge.StartNode, id), nil); err != nil {
			return 0, storageErr("write outgoing index", err)
		}
		if err := o.txn.Set(keyAdjacent(prefixIncoming, edge.EndNode, id), nil); err != nil {
			return 0, storageErr("write incoming index", err)
		}
		if edge.SourceFile != "" {
			if err := o.txn.Set(keyEdgeFile(edge.SourceFile, id), nil); err != nil {
				return 0, storageErr("write edge file index", err)
			}
		}
		edge.ID = id
		return id, nil

	default:
		return 0, storageErr("lookup edge dedup", err)
	}
}

func (o *badgerOps) getEdge(id EdgeID) (*Edge, error) {
	var edge Edge
	if err := getJSON(o.txn, keyEdge(id), &edge); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get edge", err)
	}
	return &edge, nil
}

func (o *badgerOps) findEdges(filter EdgeFilter) ([]*Edge, error) {
	types := toSet(filter.Types)
	files := toSet(filter.SourceFiles)
	from := toIDSet(filter.FromNodes)
	to := toIDSet(filter.ToNodes)

	var out []*Edge
	err := o.scanEdges(func(e *Edge) error {
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				return nil
			}
		}
		if len(files) > 0 {
			if _, ok := files[e.SourceFile]; !ok {
				return nil
			}
		}
		if len(from) > 0 {
			if _, ok := from[e.StartNode]; !ok {
				return nil
			}
		}
		if len(to) > 0 {
			if _, ok := to[e.EndNode]; !ok {
				return nil
			}
		}
		out = append(out, copyEdge(e))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortEdges(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (o *badgerOps) adjacentEdges(prefix byte, node NodeID, edgeTypes []string) ([]*Edge, error) {
	types := toSet(edgeTypes)
	keyPrefix := append([]byte{prefix}, u64(uint64(node))...)

	var out []*Edge
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		edgeID := EdgeID(binary.BigEndian.Uint64(key[len(key)-8:]))
		edge, err := o.getEdge(edgeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(types) > 0 {
			if _, ok := types[edge.Type]; !ok {
				continue
			}
		}
		out = append(out, edge)
	}
	sortEdges(out)
	return out, nil
}

func (o *badgerOps) deleteEdges(ids map[EdgeID]struct{}) error {
	for id := range ids {
		edge, err := o.getEdge(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := o.txn.Delete(keyEdge(id)); err != nil {
			return storageErr("delete edge", err)
		}
		if err := o.txn.Delete(keyEdgeDedup(edge)); err != nil {
			return storageErr("delete edge dedup index", err)
		}
		if err := o.txn.Delete(keyAdjacent(prefixOutgoing, edge.StartNode, id)); err != nil {
			return storageErr("delete outgoing index", err)
		}
		if err := o.txn.Delete(keyAdjacent(prefixIncoming, edge.EndNode, id)); err != nil {
			return storageErr("delete incoming index", err)
		}
		if edge.SourceFile != "" {
			if err := o.txn.Delete(keyEdgeFile(edge.SourceFile, id)); err != nil {
				return storageErr("delete edge file index", err)
			}
		}
	}

	// Strict invalidation of cache rows referencing a deleted edge.
	var staleKeys [][]byte
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}, PrefetchValues: true})
	for it.Rewind(); it.Valid(); it.Next() {
		var entry CacheEntry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			it.Close()
			return storageErr("decode cache entry", err)
		}
		if pathContains(entry.EdgePath, ids) {
			staleKeys = append(staleKeys, it.Item().KeyCopy(nil))
		}
	}
	it.Close()

	for _, key := range staleKeys {
		if err := o.txn.Delete(key); err != nil {
			return storageErr("purge cache", err)
		}
	}
	return nil
}

func (o *badgerOps) deleteEdgesBySourceFile(sourceFile string) (int, error) {
	keyPrefix := append(append([]byte{prefixEdgeFile}, sourceFile...), 0x00)

	ids := make(map[EdgeID]struct{})
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		ids[EdgeID(binary.BigEndian.Uint64(key[len(key)-8:]))] = struct{}{}
	}
	it.Close()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := o.deleteEdges(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (o *badgerOps) registerEdgeTypes(defs []edgetype.Def) error {
	for _, def := range defs {
		if err := setJSON(o.txn, keyEdgeType(def.Type), def); err != nil {
			return storageErr("register edge type", err)
		}
	}
	return nil
}

func (o *badgerOps) edgeTypes() ([]edgetype.Def, error) {
	var defs []edgetype.Def
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixEdgeType}, PrefetchValues: true})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var def edgetype.Def
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		}); err != nil {
			return nil, storageErr("decode edge type", err)
		}
		defs = append(defs, def)
	}
	sortEdgeTypeDefs(defs)
	return defs, nil
}

func (o *badgerOps) replaceCache(inferredTypes []string, entries []*CacheEntry) error {
	for _, entry := range entries {
		if entry.Depth < 2 {
			return ErrInvalidData
		}
	}

	types := toSet(inferredTypes)
	var doomed [][]byte
	maxSeq := uint64(0)
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}, PrefetchValues: true})
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		seq := binary.BigEndian.Uint64(key[1:])
		if seq > maxSeq {
			maxSeq = seq
		}
		if len(types) == 0 {
			doomed = append(doomed, it.Item().KeyCopy(nil))
			continue
		}
		var entry CacheEntry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			it.Close()
			return storageErr("decode cache entry", err)
		}
		if _, ok := types[entry.InferredType]; ok {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
	}
	it.Close()

	for _, key := range doomed {
		if err := o.txn.Delete(key); err != nil {
			return storageErr("clear cache", err)
		}
	}
	for i, entry := range entries {
		if err := setJSON(o.txn, keyCache(maxSeq+uint64(i)+1), entry); err != nil {
			return storageErr("insert cache entry", err)
		}
	}
	return nil
}

func (o *badgerOps) cacheEntryList(filter CacheFilter) ([]*CacheEntry, error) {
	types := toSet(filter.InferredTypes)

	var out []*CacheEntry
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}, PrefetchValues: true})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var entry CacheEntry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return nil, storageErr("decode cache entry", err)
		}
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
		e := entry
		out = append(out, &e)
	}
	sortCacheEntries(out)
	return out, nil
}

func (o *badgerOps) clearCache() error {
	var keys [][]byte
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}})
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := o.txn.Delete(key); err != nil {
			return storageErr("clear cache", err)
		}
	}
	return nil
}

func (o *badgerOps) purgeStale() (int, error) {
	var staleKeys [][]byte
	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}, PrefetchValues: true})
	for it.Rewind(); it.Valid(); it.Next() {
		var entry CacheEntry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			it.Close()
			return 0, storageErr("decode cache entry", err)
		}
		for _, id := range entry.EdgePath {
			if _, err := o.txn.Get(keyEdge(id)); errors.Is(err, badger.ErrKeyNotFound) {
				staleKeys = append(staleKeys, it.Item().KeyCopy(nil))
				break
			}
		}
	}
	it.Close()

	for _, key := range staleKeys {
		if err := o.txn.Delete(key); err != nil {
			return 0, storageErr("purge stale cache", err)
		}
	}
	return len(staleKeys), nil
}

func (o *badgerOps) recordSession(session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	if err := setJSON(o.txn, keySession(session.ID), session); err != nil {
		return storageErr("record session", err)
	}
	return nil
}

func (o *badgerOps) statistics() (*Stats, error) {
	stats := &Stats{
		NodesByType: make(map[string]int64),
		EdgesByType: make(map[string]int64),
	}
	if err := o.scanNodes(func(n *Node) error {
		stats.Nodes++
		stats.NodesByType[n.Type]++
		return nil
	}); err != nil {
		return nil, err
	}
	if err := o.scanEdges(func(e *Edge) error {
		stats.Edges++
		stats.EdgesByType[e.Type]++
		return nil
	}); err != nil {
		return nil, err
	}

	it := o.txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixCache}})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		stats.CacheEntries++
	}
	return stats, nil
}

func sortEdgeTypeDefs(defs []edgetype.Def) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].Type < defs[j].Type
	})
}

func sortCacheEntries(entries []*CacheEntry) {
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

// --- Store methods -------------------------------------------------------

func (b *BadgerStore) view(fn func(o *badgerOps) error) error {
	if b.isClosed() {
		return ErrStorageClosed
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerOps{store: b, txn: txn})
	})
}

func (b *BadgerStore) update(fn func(o *badgerOps) error) error {
	if b.isClosed() {
		return ErrStorageClosed
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerOps{store: b, txn: txn})
	})
}

func (b *BadgerStore) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	var id NodeID
	err := b.update(func(o *badgerOps) error {
		var err error
		id, err = o.upsertNode(node)
		return err
	})
	return id, err
}

func (b *BadgerStore) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	var node *Node
	err := b.view(func(o *badgerOps) error {
		var err error
		node, err = o.getNode(id)
		return err
	})
	return node, err
}

func (b *BadgerStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	var node *Node
	err := b.view(func(o *badgerOps) error {
		var err error
		node, err = o.getNodeByIdentifier(identifier)
		return err
	})
	return node, err
}

func (b *BadgerStore) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	var nodes []*Node
	err := b.view(func(o *badgerOps) error {
		var err error
		nodes, err = o.findNodes(filter)
		return err
	})
	return nodes, err
}

func (b *BadgerStore) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	var id EdgeID
	err := b.update(func(o *badgerOps) error {
		var err error
		id, err = o.upsertEdge(edge)
		return err
	})
	return id, err
}

func (b *BadgerStore) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	var edge *Edge
	err := b.view(func(o *badgerOps) error {
		var err error
		edge, err = o.getEdge(id)
		return err
	})
	return edge, err
}

func (b *BadgerStore) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	var edges []*Edge
	err := b.view(func(o *badgerOps) error {
		var err error
		edges, err = o.findEdges(filter)
		return err
	})
	return edges, err
}

func (b *BadgerStore) DeleteEdge(ctx context.Context, id EdgeID) error {
	return b.update(func(o *badgerOps) error {
		if _, err := o.getEdge(id); err != nil {
			return err
		}
		return o.deleteEdges(map[EdgeID]struct{}{id: {}})
	})
}

func (b *BadgerStore) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	var n int
	err := b.update(func(o *badgerOps) error {
		var err error
		n, err = o.deleteEdgesBySourceFile(sourceFile)
		return err
	})
	return n, err
}

func (b *BadgerStore) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	var edges []*Edge
	err := b.view(func(o *badgerOps) error {
		var err error
		edges, err = o.adjacentEdges(prefixOutgoing, id, edgeTypes)
		return err
	})
	return edges, err
}

func (b *BadgerStore) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	var edges []*Edge
	err := b.view(func(o *badgerOps) error {
		var err error
		edges, err = o.adjacentEdges(prefixIncoming, id, edgeTypes)
		return err
	})
	return edges, err
}

func (b *BadgerStore) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	return b.update(func(o *badgerOps) error {
		return o.registerEdgeTypes(defs)
	})
}

func (b *BadgerStore) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	var defs []edgetype.Def
	err := b.view(func(o *badgerOps) error {
		var err error
		defs, err = o.edgeTypes()
		return err
	})
	return defs, err
}

func (b *BadgerStore) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	return b.update(func(o *badgerOps) error {
		return o.replaceCache(inferredTypes, entries)
	})
}

func (b *BadgerStore) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	var entries []*CacheEntry
	err := b.view(func(o *badgerOps) error {
		var err error
		entries, err = o.cacheEntryList(filter)
		return err
	})
	return entries, err
}

func (b *BadgerStore) ClearCache(ctx context.Context) error {
	return b.update(func(o *badgerOps) error {
		return o.clearCache()
	})
}

func (b *BadgerStore) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	var n int
	err := b.update(func(o *badgerOps) error {
		var err error
		n, err = o.purgeStale()
		return err
	})
	return n, err
}

func (b *BadgerStore) RecordSession(ctx context.Context, session *Session) error {
	return b.update(func(o *badgerOps) error {
		return o.recordSession(session)
	})
}

func (b *BadgerStore) Statistics(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := b.view(func(o *badgerOps) error {
		var err error
		stats, err = o.statistics()
		return err
	})
	return stats, err
}

// RunInTransaction executes fn in one Badger update transaction.
func (b *BadgerStore) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return b.update(func(o *badgerOps) error {
		return fn(&badgerTx{ops: o})
	})
}

// badgerTx is the Store handle bound to one Badger transaction.
type badgerTx struct {
	ops *badgerOps
}

func (t *badgerTx) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	return t.ops.upsertNode(node)
}

func (t *badgerTx) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	return t.ops.getNode(id)
}

func (t *badgerTx) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	return t.ops.getNodeByIdentifier(identifier)
}

func (t *badgerTx) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	return t.ops.findNodes(filter)
}

func (t *badgerTx) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	return t.ops.upsertEdge(edge)
}

func (t *badgerTx) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	return t.ops.getEdge(id)
}

func (t *badgerTx) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	return t.ops.findEdges(filter)
}

func (t *badgerTx) DeleteEdge(ctx context.Context, id EdgeID) error {
	if _, err := t.ops.getEdge(id); err != nil {
		return err
	}
	return t.ops.deleteEdges(map[EdgeID]struct{}{id: {}})
}

func (t *badgerTx) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	return t.ops.deleteEdgesBySourceFile(sourceFile)
}

func (t *badgerTx) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return t.ops.adjacentEdges(prefixOutgoing, id, edgeTypes)
}

func (t *badgerTx) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return t.ops.adjacentEdges(prefixIncoming, id, edgeTypes)
}

func (t *badgerTx) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	return t.ops.registerEdgeTypes(defs)
}

func (t *badgerTx) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	return t.ops.edgeTypes()
}

func (t *badgerTx) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	return t.ops.replaceCache(inferredTypes, entries)
}

func (t *badgerTx) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	return t.ops.cacheEntryList(filter)
}

func (t *badgerTx) ClearCache(ctx context.Context) error {
	return t.ops.clearCache()
}

func (t *badgerTx) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	return t.ops.purgeStale()
}

func (t *badgerTx) RecordSession(ctx context.Context, session *Session) error {
	return t.ops.recordSession(session)
}

func (t *badgerTx) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t) // nested transactions flatten
}

func (t *badgerTx) Statistics(ctx context.Context) (*Stats, error) {
	return t.ops.statistics()
}

func (t *badgerTx) Close() error { return nil }

var _ Store = (*BadgerStore)(nil)
var _ Store = (*badgerTx)(nil)
