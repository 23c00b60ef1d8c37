package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/orneryd/yggdrasil/pkg/edgetype"

	_ "modernc.org/sqlite"
)

// graphSchema is the canonical relational layout. The five tables mirror
// the logical model exactly: nodes, edges, the edge_types registry
// mirror, the inference cache, and analysis sessions.
const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	start_line INTEGER NOT NULL DEFAULT 0,
	start_column INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	end_column INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_source_file ON nodes(source_file);

CREATE TABLE IF NOT EXISTS edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_node_id INTEGER NOT NULL REFERENCES nodes(id),
	end_node_id INTEGER NOT NULL REFERENCES nodes(id),
	type TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	weight REAL NOT NULL DEFAULT 0,
	source_file TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_dedup
ON edges(start_node_id, end_node_id, type, label);

CREATE INDEX IF NOT EXISTS idx_edges_start_type ON edges(start_node_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_end_type ON edges(end_node_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
CREATE INDEX IF NOT EXISTS idx_edges_source_file ON edges(source_file);

CREATE TABLE IF NOT EXISTS edge_types (
	type TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	schema TEXT NOT NULL DEFAULT '{}',
	is_directed INTEGER NOT NULL DEFAULT 1,
	parent_type TEXT,
	is_transitive INTEGER NOT NULL DEFAULT 0,
	is_inheritable INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS edge_inference_cache (
	start_node_id INTEGER NOT NULL,
	end_node_id INTEGER NOT NULL,
	inferred_type TEXT NOT NULL,
	edge_path TEXT NOT NULL,
	depth INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_type ON edge_inference_cache(inferred_type);
CREATE INDEX IF NOT EXISTS idx_cache_start ON edge_inference_cache(start_node_id, inferred_type);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT,
	files_analyzed INTEGER NOT NULL DEFAULT 0,
	nodes_created INTEGER NOT NULL DEFAULT 0,
	edges_created INTEGER NOT NULL DEFAULT 0,
	missing_links INTEGER NOT NULL DEFAULT 0
);`

// querier is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve direct calls and transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the canonical persistent graph store: a single SQLite
// database file holding the five logical tables.
//
// Mutations are single-writer serialized by an internal mutex on top of
// SQLite's own locking; per-file re-analysis runs in one transaction so
// stale-edge deletion and fresh-edge insertion are atomic. WAL mode keeps
// readers unblocked during writes.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes mutating calls and transactions.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) the graph database file at path and
// applies the schema. ":memory:" gives a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, storageErr("open sqlite", errors.New("database path is required"))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, storageErr("set WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, storageErr("enable foreign keys", err)
	}
	if _, err := db.Exec(graphSchema); err != nil {
		_ = db.Close()
		return nil, storageErr("create schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return storageErr("close", s.db.Close())
}

func marshalJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalEdgePath(path []EdgeID) (string, error) {
	b, err := json.Marshal(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEdgePath(s string) ([]EdgeID, error) {
	var path []EdgeID
	if err := json.Unmarshal([]byte(s), &path); err != nil {
		return nil, err
	}
	return path, nil
}

// placeholders renders "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// UpsertNode creates or updates a node keyed by its canonical identifier.
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	if s.isClosed() {
		return 0, ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertNode(ctx, s.db, node)
}

func upsertNode(ctx context.Context, q querier, node *Node) (NodeID, error) {
	if node == nil {
		return 0, ErrInvalidData
	}
	if node.Identifier == "" {
		return 0, ErrInvalidID
	}

	row := q.QueryRowContext(ctx, `
SELECT id, metadata FROM nodes WHERE identifier = ?`, node.Identifier)

	var existingID int64
	var existingMeta string
	err := row.Scan(&existingID, &existingMeta)
	switch {
	case err == nil:
		meta, merr := unmarshalJSONMap(existingMeta)
		if merr != nil {
			return 0, storageErr("decode node metadata", merr)
		}
		merged, merr := marshalJSONMap(mergeMetadata(meta, node.Metadata))
		if merr != nil {
			return 0, storageErr("encode node metadata", merr)
		}

		_, err = q.ExecContext(ctx, `
UPDATE nodes SET
	type = CASE WHEN ? != '' THEN ? ELSE type END,
	name = CASE WHEN ? != '' THEN ? ELSE name END,
	source_file = CASE WHEN ? != '' THEN ? ELSE source_file END,
	language = CASE WHEN ? != '' THEN ? ELSE language END,
	metadata = ?,
	start_line = CASE WHEN ? != 0 OR ? != 0 OR ? != 0 OR ? != 0 THEN ? ELSE start_line END,
	start_column = CASE WHEN ? != 0 OR ? != 0 OR ? != 0 OR ? != 0 THEN ? ELSE start_column END,
	end_line = CASE WHEN ? != 0 OR ? != 0 OR ? != 0 OR ? != 0 THEN ? ELSE end_line END,
	end_column = CASE WHEN ? != 0 OR ? != 0 OR ? != 0 OR ? != 0 THEN ? ELSE end_column END
WHERE id = ?`,
			node.Type, node.Type,
			node.Name, node.Name,
			node.SourceFile, node.SourceFile,
			node.Language, node.Language,
			merged,
			node.StartLine, node.StartColumn, node.EndLine, node.EndColumn, node.StartLine,
			node.StartLine, node.StartColumn, node.EndLine, node.EndColumn, node.StartColumn,
			node.StartLine, node.StartColumn, node.EndLine, node.EndColumn, node.EndLine,
			node.StartLine, node.StartColumn, node.EndLine, node.EndColumn, node.EndColumn,
			existingID,
		)
		if err != nil {
			return 0, storageErr("update node", err)
		}
		node.ID = NodeID(existingID)
		return NodeID(existingID), nil

	case errors.Is(err, sql.ErrNoRows):
		meta, merr := marshalJSONMap(node.Metadata)
		if merr != nil {
			return 0, storageErr("encode node metadata", merr)
		}
		res, err := q.ExecContext(ctx, `
INSERT INTO nodes (identifier, type, name, source_file, language, metadata,
	start_line, start_column, end_line, end_column)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.Identifier, node.Type, node.Name, node.SourceFile, node.Language,
			meta, node.StartLine, node.StartColumn, node.EndLine, node.EndColumn)
		if err != nil {
			return 0, storageErr("insert node", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, storageErr("insert node id", err)
		}
		node.ID = NodeID(id)
		return NodeID(id), nil

	default:
		return 0, storageErr("lookup node", err)
	}
}

const nodeColumns = `id, identifier, type, name, source_file, language, metadata,
	start_line, start_column, end_line, end_column`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var meta string
	err := row.Scan(&n.ID, &n.Identifier, &n.Type, &n.Name, &n.SourceFile,
		&n.Language, &meta, &n.StartLine, &n.StartColumn, &n.EndLine, &n.EndColumn)
	if err != nil {
		return nil, err
	}
	n.Metadata, err = unmarshalJSONMap(meta)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNode retrieves a node by surrogate id.
func (s *SQLiteStore) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return getNode(ctx, s.db, id)
}

func getNode(ctx context.Context, q querier, id NodeID) (*Node, error) {
	node, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get node", err)
	}
	return node, nil
}

// GetNodeByIdentifier retrieves a node by canonical identifier.
func (s *SQLiteStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return getNodeByIdentifier(ctx, s.db, identifier)
}

func getNodeByIdentifier(ctx context.Context, q querier, identifier string) (*Node, error) {
	if identifier == "" {
		return nil, ErrInvalidID
	}
	node, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE identifier = ?`, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get node by identifier", err)
	}
	return node, nil
}

// FindNodes returns nodes matching the filter, ordered by
// (source_file, start_line, start_column).
func (s *SQLiteStore) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return findNodes(ctx, s.db, filter)
}

func findNodes(ctx context.Context, q querier, filter NodeFilter) ([]*Node, error) {
	var where []string
	var args []any

	if len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.SourceFiles) > 0 {
		where = append(where, "source_file IN ("+placeholders(len(filter.SourceFiles))+")")
		for _, f := range filter.SourceFiles {
			args = append(args, f)
		}
	}
	if len(filter.Languages) > 0 {
		where = append(where, "language IN ("+placeholders(len(filter.Languages))+")")
		for _, l := range filter.Languages {
			args = append(args, l)
		}
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source_file, start_line, start_column, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("find nodes", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, storageErr("scan node", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find nodes rows", err)
	}
	return out, nil
}

// UpsertEdge creates an edge, or merges metadata and weight into the
// existing edge with the same (start, end, type, label) key.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	if s.isClosed() {
		return 0, ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return upsertEdge(ctx, s.db, edge)
}

func upsertEdge(ctx context.Context, q querier, edge *Edge) (EdgeID, error) {
	if edge == nil || edge.Type == "" {
		return 0, ErrInvalidData
	}

	// Invariant: both endpoints exist at the moment the edge persists.
	for _, id := range []NodeID{edge.StartNode, edge.EndNode} {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidEdge
		}
		if err != nil {
			return 0, storageErr("check edge endpoint", err)
		}
	}

	row := q.QueryRowContext(ctx, `
SELECT id, metadata FROM edges
WHERE start_node_id = ? AND end_node_id = ? AND type = ? AND label = ?`,
		edge.StartNode, edge.EndNode, edge.Type, edge.Label)

	var existingID int64
	var existingMeta string
	err := row.Scan(&existingID, &existingMeta)
	switch {
	case err == nil:
		meta, merr := unmarshalJSONMap(existingMeta)
		if merr != nil {
			return 0, storageErr("decode edge metadata", merr)
		}
		merged, merr := marshalJSONMap(mergeMetadata(meta, edge.Metadata))
		if merr != nil {
			return 0, storageErr("encode edge metadata", merr)
		}
		_, err = q.ExecContext(ctx, `
UPDATE edges SET
	metadata = ?,
	weight = CASE WHEN ? != 0 THEN ? ELSE weight END,
	source_file = CASE WHEN ? != '' THEN ? ELSE source_file END
WHERE id = ?`,
			merged, edge.Weight, edge.Weight, edge.SourceFile, edge.SourceFile, existingID)
		if err != nil {
			return 0, storageErr("update edge", err)
		}
		edge.ID = EdgeID(existingID)
		return EdgeID(existingID), nil

	case errors.Is(err, sql.ErrNoRows):
		meta, merr := marshalJSONMap(edge.Metadata)
		if merr != nil {
			return 0, storageErr("encode edge metadata", merr)
		}
		res, err := q.ExecContext(ctx, `
INSERT INTO edges (start_node_id, end_node_id, type, label, metadata, weight, source_file)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			edge.StartNode, edge.EndNode, edge.Type, edge.Label, meta, edge.Weight, edge.SourceFile)
		if err != nil {
			return 0, storageErr("insert edge", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, storageErr("insert edge id", err)
		}
		edge.ID = EdgeID(id)
		return EdgeID(id), nil

	default:
		return 0, storageErr("lookup edge", err)
	}
}

const edgeColumns = `id, start_node_id, end_node_id, type, label, metadata, weight, source_file`

func scanEdge(row interface{ Scan(...any) error }) (*Edge, error) {
	var e Edge
	var meta string
	err := row.Scan(&e.ID, &e.StartNode, &e.EndNode, &e.Type, &e.Label,
		&meta, &e.Weight, &e.SourceFile)
	if err != nil {
		return nil, err
	}
	e.Metadata, err = unmarshalJSONMap(meta)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEdge retrieves an edge by id.
func (s *SQLiteStore) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return getEdge(ctx, s.db, id)
}

func getEdge(ctx context.Context, q querier, id EdgeID) (*Edge, error) {
	edge, err := scanEdge(q.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get edge", err)
	}
	return edge, nil
}

// FindEdges returns edges matching the filter, ordered by
// (start_node_id, end_node_id).
func (s *SQLiteStore) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return findEdges(ctx, s.db, filter)
}

func findEdges(ctx context.Context, q querier, filter EdgeFilter) ([]*Edge, error) {
	var where []string
	var args []any

	if len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.FromNodes) > 0 {
		where = append(where, "start_node_id IN ("+placeholders(len(filter.FromNodes))+")")
		for _, id := range filter.FromNodes {
			args = append(args, id)
		}
	}
	if len(filter.ToNodes) > 0 {
		where = append(where, "end_node_id IN ("+placeholders(len(filter.ToNodes))+")")
		for _, id := range filter.ToNodes {
			args = append(args, id)
		}
	}
	if len(filter.SourceFiles) > 0 {
		where = append(where, "source_file IN ("+placeholders(len(filter.SourceFiles))+")")
		for _, f := range filter.SourceFiles {
			args = append(args, f)
		}
	}

	query := `SELECT ` + edgeColumns + ` FROM edges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_node_id, end_node_id, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("find edges", err)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, storageErr("scan edge", err)
		}
		out = append(out, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find edges rows", err)
	}
	return out, nil
}

// DeleteEdge removes an edge and, in the same transaction, every
// inference-cache row whose edge path references it.
func (s *SQLiteStore) DeleteEdge(ctx context.Context, id EdgeID) error {
	return s.RunInTransaction(ctx, func(tx Store) error {
		return tx.DeleteEdge(ctx, id)
	})
}

func deleteEdges(ctx context.Context, q querier, ids []EdgeID) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.ExecContext(ctx,
		`DELETE FROM edges WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return storageErr("delete edges", err)
	}
	return purgeCacheReferencing(ctx, q, ids)
}

// purgeCacheReferencing drops every cache row whose edge_path contains one
// of ids. The JSON paths are decoded in Go: a LIKE prefilter alone would
// confuse edge 1 with edge 12.
func purgeCacheReferencing(ctx context.Context, q querier, ids []EdgeID) error {
	deleted := make(map[EdgeID]struct{}, len(ids))
	for _, id := range ids {
		deleted[id] = struct{}{}
	}

	rows, err := q.QueryContext(ctx, `SELECT rowid, edge_path FROM edge_inference_cache`)
	if err != nil {
		return storageErr("scan cache for purge", err)
	}
	defer rows.Close()

	var stale []any
	for rows.Next() {
		var rowid int64
		var pathJSON string
		if err := rows.Scan(&rowid, &pathJSON); err != nil {
			return storageErr("scan cache row", err)
		}
		path, err := unmarshalEdgePath(pathJSON)
		if err != nil {
			return storageErr("decode cache edge path", err)
		}
		if pathContains(path, deleted) {
			stale = append(stale, rowid)
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("scan cache rows", err)
	}
	if len(stale) == 0 {
		return nil
	}

	_, err = q.ExecContext(ctx,
		`DELETE FROM edge_inference_cache WHERE rowid IN (`+placeholders(len(stale))+`)`, stale...)
	if err != nil {
		return storageErr("purge cache", err)
	}
	return nil
}

// DeleteEdgesBySourceFile removes every edge recorded for sourceFile and
// purges the cache rows that referenced them, atomically.
func (s *SQLiteStore) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	var n int
	err := s.RunInTransaction(ctx, func(tx Store) error {
		var err error
		n, err = tx.DeleteEdgesBySourceFile(ctx, sourceFile)
		return err
	})
	return n, err
}

func deleteEdgesBySourceFile(ctx context.Context, q querier, sourceFile string) (int, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM edges WHERE source_file = ?`, sourceFile)
	if err != nil {
		return 0, storageErr("select edges by file", err)
	}
	var ids []EdgeID
	for rows.Next() {
		var id EdgeID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageErr("scan edge id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storageErr("select edges by file rows", err)
	}
	rows.Close()

	if err := deleteEdges(ctx, q, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// OutgoingEdges returns edges starting at id, restricted to edgeTypes
// when non-empty.
func (s *SQLiteStore) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return findEdges(ctx, s.db, EdgeFilter{FromNodes: []NodeID{id}, Types: edgeTypes})
}

// IncomingEdges returns edges ending at id, restricted to edgeTypes when
// non-empty.
func (s *SQLiteStore) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return findEdges(ctx, s.db, EdgeFilter{ToNodes: []NodeID{id}, Types: edgeTypes})
}

// RegisterEdgeTypes writes the registry mirror rows; existing rows are
// replaced.
func (s *SQLiteStore) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return registerEdgeTypes(ctx, s.db, defs)
}

func registerEdgeTypes(ctx context.Context, q querier, defs []edgetype.Def) error {
	for _, def := range defs {
		var parent any
		if def.Parent != "" {
			parent = def.Parent
		}
		_, err := q.ExecContext(ctx, `
INSERT OR REPLACE INTO edge_types
	(type, description, schema, is_directed, parent_type, is_transitive, is_inheritable, priority)
VALUES (?, ?, '{}', ?, ?, ?, ?, ?)`,
			def.Type, def.Description, boolToInt(def.IsDirected), parent,
			boolToInt(def.IsTransitive), boolToInt(def.IsInheritable), def.Priority)
		if err != nil {
			return storageErr("register edge type", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EdgeTypes returns the persisted edge-type rows ordered by priority.
func (s *SQLiteStore) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return edgeTypeRows(ctx, s.db)
}

func edgeTypeRows(ctx context.Context, q querier) ([]edgetype.Def, error) {
	rows, err := q.QueryContext(ctx, `
SELECT type, description, is_directed, COALESCE(parent_type, ''), is_transitive, is_inheritable, priority
FROM edge_types ORDER BY priority, type`)
	if err != nil {
		return nil, storageErr("list edge types", err)
	}
	defer rows.Close()

	var defs []edgetype.Def
	for rows.Next() {
		var def edgetype.Def
		var directed, transitive, inheritable int
		if err := rows.Scan(&def.Type, &def.Description, &directed, &def.Parent,
			&transitive, &inheritable, &def.Priority); err != nil {
			return nil, storageErr("scan edge type", err)
		}
		def.IsDirected = directed != 0
		def.IsTransitive = transitive != 0
		def.IsInheritable = inheritable != 0
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list edge types rows", err)
	}
	return defs, nil
}

// ReplaceCache atomically deletes all cache rows of the given inferred
// types (all rows when inferredTypes is nil) and inserts the new entries.
func (s *SQLiteStore) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	return s.RunInTransaction(ctx, func(tx Store) error {
		return tx.ReplaceCache(ctx, inferredTypes, entries)
	})
}

func replaceCache(ctx context.Context, q querier, inferredTypes []string, entries []*CacheEntry) error {
	for _, entry := range entries {
		if entry.Depth < 2 {
			return ErrInvalidData
		}
	}

	if len(inferredTypes) == 0 {
		if _, err := q.ExecContext(ctx, `DELETE FROM edge_inference_cache`); err != nil {
			return storageErr("clear cache", err)
		}
	} else {
		args := make([]any, len(inferredTypes))
		for i, t := range inferredTypes {
			args[i] = t
		}
		_, err := q.ExecContext(ctx,
			`DELETE FROM edge_inference_cache WHERE inferred_type IN (`+placeholders(len(inferredTypes))+`)`,
			args...)
		if err != nil {
			return storageErr("clear cache types", err)
		}
	}

	for _, entry := range entries {
		pathJSON, err := marshalEdgePath(entry.EdgePath)
		if err != nil {
			return storageErr("encode edge path", err)
		}
		_, err = q.ExecContext(ctx, `
INSERT INTO edge_inference_cache (start_node_id, end_node_id, inferred_type, edge_path, depth)
VALUES (?, ?, ?, ?, ?)`,
			entry.StartNode, entry.EndNode, entry.InferredType, pathJSON, entry.Depth)
		if err != nil {
			return storageErr("insert cache entry", err)
		}
	}
	return nil
}

// CacheEntries returns cache rows matching the filter, ordered by
// (depth, start_node_id, end_node_id).
func (s *SQLiteStore) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return cacheEntries(ctx, s.db, filter)
}

func cacheEntries(ctx context.Context, q querier, filter CacheFilter) ([]*CacheEntry, error) {
	var where []string
	var args []any

	if len(filter.InferredTypes) > 0 {
		where = append(where, "inferred_type IN ("+placeholders(len(filter.InferredTypes))+")")
		for _, t := range filter.InferredTypes {
			args = append(args, t)
		}
	}
	if filter.StartNode != 0 {
		where = append(where, "start_node_id = ?")
		args = append(args, filter.StartNode)
	}
	if filter.EndNode != 0 {
		where = append(where, "end_node_id = ?")
		args = append(args, filter.EndNode)
	}

	query := `SELECT start_node_id, end_node_id, inferred_type, edge_path, depth FROM edge_inference_cache`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY depth, start_node_id, end_node_id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list cache", err)
	}
	defer rows.Close()

	var out []*CacheEntry
	for rows.Next() {
		var entry CacheEntry
		var pathJSON string
		if err := rows.Scan(&entry.StartNode, &entry.EndNode, &entry.InferredType,
			&pathJSON, &entry.Depth); err != nil {
			return nil, storageErr("scan cache entry", err)
		}
		entry.EdgePath, err = unmarshalEdgePath(pathJSON)
		if err != nil {
			return nil, storageErr("decode cache edge path", err)
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list cache rows", err)
	}
	return out, nil
}

// ClearCache removes every inference-cache row.
func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM edge_inference_cache`)
	return storageErr("clear cache", err)
}

// PurgeStaleCacheEntries removes cache rows whose edge path references an
// edge that no longer exists.
func (s *SQLiteStore) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	var n int
	err := s.RunInTransaction(ctx, func(tx Store) error {
		var err error
		n, err = tx.PurgeStaleCacheEntries(ctx)
		return err
	})
	return n, err
}

func purgeStaleCacheEntries(ctx context.Context, q querier) (int, error) {
	live := make(map[EdgeID]struct{})
	rows, err := q.QueryContext(ctx, `SELECT id FROM edges`)
	if err != nil {
		return 0, storageErr("select edge ids", err)
	}
	for rows.Next() {
		var id EdgeID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storageErr("scan edge id", err)
		}
		live[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storageErr("select edge ids rows", err)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT rowid, edge_path FROM edge_inference_cache`)
	if err != nil {
		return 0, storageErr("scan cache", err)
	}
	var stale []any
	for rows.Next() {
		var rowid int64
		var pathJSON string
		if err := rows.Scan(&rowid, &pathJSON); err != nil {
			rows.Close()
			return 0, storageErr("scan cache row", err)
		}
		path, err := unmarshalEdgePath(pathJSON)
		if err != nil {
			rows.Close()
			return 0, storageErr("decode cache edge path", err)
		}
		for _, id := range path {
			if _, ok := live[id]; !ok {
				stale = append(stale, rowid)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, storageErr("scan cache rows", err)
	}
	rows.Close()

	if len(stale) == 0 {
		return 0, nil
	}
	_, err = q.ExecContext(ctx,
		`DELETE FROM edge_inference_cache WHERE rowid IN (`+placeholders(len(stale))+`)`, stale...)
	if err != nil {
		return 0, storageErr("purge stale cache", err)
	}
	return len(stale), nil
}

// RecordSession writes an analysis-session row.
func (s *SQLiteStore) RecordSession(ctx context.Context, session *Session) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return recordSession(ctx, s.db, session)
}

func recordSession(ctx context.Context, q querier, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	var finished any
	if !session.FinishedAt.IsZero() {
		finished = session.FinishedAt.UTC().Format(timeFormat)
	}
	_, err := q.ExecContext(ctx, `
INSERT OR REPLACE INTO sessions
	(id, project, started_at, finished_at, files_analyzed, nodes_created, edges_created, missing_links)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Project, session.StartedAt.UTC().Format(timeFormat), finished,
		session.FilesAnalyzed, session.NodesCreated, session.EdgesCreated, session.MissingLinks)
	return storageErr("record session", err)
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

// Statistics returns totals by node and edge type.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Stats, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	return statistics(ctx, s.db)
}

func statistics(ctx context.Context, q querier) (*Stats, error) {
	stats := &Stats{
		NodesByType: make(map[string]int64),
		EdgesByType: make(map[string]int64),
	}

	rows, err := q.QueryContext(ctx, `SELECT type, COUNT(*) FROM nodes GROUP BY type`)
	if err != nil {
		return nil, storageErr("node stats", err)
	}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, storageErr("scan node stats", err)
		}
		stats.NodesByType[t] = n
		stats.Nodes += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("node stats rows", err)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT type, COUNT(*) FROM edges GROUP BY type`)
	if err != nil {
		return nil, storageErr("edge stats", err)
	}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, storageErr("scan edge stats", err)
		}
		stats.EdgesByType[t] = n
		stats.Edges += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("edge stats rows", err)
	}
	rows.Close()

	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM edge_inference_cache`).Scan(&stats.CacheEntries)
	if err != nil {
		return nil, storageErr("cache stats", err)
	}
	return stats, nil
}

// RunInTransaction executes fn in a single SQLite transaction. fn
// receives a Store handle bound to the transaction; on error the
// transaction rolls back and no partial writes are observable.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// sqliteTx is the Store handle bound to one *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpsertNode(ctx context.Context, node *Node) (NodeID, error) {
	return upsertNode(ctx, t.tx, node)
}

func (t *sqliteTx) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	return getNode(ctx, t.tx, id)
}

func (t *sqliteTx) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	return getNodeByIdentifier(ctx, t.tx, identifier)
}

func (t *sqliteTx) FindNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	return findNodes(ctx, t.tx, filter)
}

func (t *sqliteTx) UpsertEdge(ctx context.Context, edge *Edge) (EdgeID, error) {
	return upsertEdge(ctx, t.tx, edge)
}

func (t *sqliteTx) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	return getEdge(ctx, t.tx, id)
}

func (t *sqliteTx) FindEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	return findEdges(ctx, t.tx, filter)
}

func (t *sqliteTx) DeleteEdge(ctx context.Context, id EdgeID) error {
	if _, err := getEdge(ctx, t.tx, id); err != nil {
		return err
	}
	return deleteEdges(ctx, t.tx, []EdgeID{id})
}

func (t *sqliteTx) DeleteEdgesBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	return deleteEdgesBySourceFile(ctx, t.tx, sourceFile)
}

func (t *sqliteTx) OutgoingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return findEdges(ctx, t.tx, EdgeFilter{FromNodes: []NodeID{id}, Types: edgeTypes})
}

func (t *sqliteTx) IncomingEdges(ctx context.Context, id NodeID, edgeTypes []string) ([]*Edge, error) {
	return findEdges(ctx, t.tx, EdgeFilter{ToNodes: []NodeID{id}, Types: edgeTypes})
}

func (t *sqliteTx) RegisterEdgeTypes(ctx context.Context, defs []edgetype.Def) error {
	return registerEdgeTypes(ctx, t.tx, defs)
}

func (t *sqliteTx) EdgeTypes(ctx context.Context) ([]edgetype.Def, error) {
	return edgeTypeRows(ctx, t.tx)
}

func (t *sqliteTx) ReplaceCache(ctx context.Context, inferredTypes []string, entries []*CacheEntry) error {
	return replaceCache(ctx, t.tx, inferredTypes, entries)
}

func (t *sqliteTx) CacheEntries(ctx context.Context, filter CacheFilter) ([]*CacheEntry, error) {
	return cacheEntries(ctx, t.tx, filter)
}

func (t *sqliteTx) ClearCache(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM edge_inference_cache`)
	return storageErr("clear cache", err)
}

func (t *sqliteTx) PurgeStaleCacheEntries(ctx context.Context) (int, error) {
	return purgeStaleCacheEntries(ctx, t.tx)
}

func (t *sqliteTx) RecordSession(ctx context.Context, session *Session) error {
	return recordSession(ctx, t.tx, session)
}

func (t *sqliteTx) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t) // nested transactions flatten
}

func (t *sqliteTx) Statistics(ctx context.Context) (*Stats, error) {
	return statistics(ctx, t.tx)
}

func (t *sqliteTx) Close() error { return nil }

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*sqliteTx)(nil)
