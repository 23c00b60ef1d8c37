// Package yggdrasil provides the main API for embedded use.
//
// This package wires the subsystems into one handle: the graph store,
// the edge-type registry, the file-dependency analyzer, the inference
// engine, the unknown resolver and the cycle detector. Applications that
// embed the engine open a DB, feed it parser output, and query the
// resulting dependency graph.
//
// Architecture:
//   - Storage: sqlite (default), badger or memory, behind one interface
//   - Registry: process-wide edge-type table, mirrored into the store
//   - Analyzer: per-file import analysis with transactional re-analysis
//   - Inference: hierarchical / transitive / inheritable queries + cache
//   - Unknown resolver: binds placeholder nodes to declarations
//   - Cycle detector: bounded DFS over configurable edge types
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	cfg.Project.Name = "my-app"
//	cfg.Storage.Engine = config.EngineSQLite
//	cfg.Storage.Path = "./my-app.db"
//
//	db, err := yggdrasil.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	result, err := db.AnalyzeFile(ctx, analyzer.FileInput{
//		FilePath: "src/App.tsx",
//		Language: "typescript",
//		Imports:  parsed,
//	})
//
//	inferred, err := db.QueryTransitive(ctx, nodeID, "depends_on",
//		inference.TransitiveOptions{DetectCycles: true})
//
// ELI12:
//
// Think of Yggdrasil as the world tree of your codebase:
//
//  1. Every file, class and library is a leaf or branch (a node).
//  2. Every import or call is a root running between them (an edge).
//  3. Ask "what happens if I cut this branch?" and the tree answers
//     with everything that hangs off it — directly or three hops away.
//
// Parsers tell the tree what they saw; the tree remembers, connects,
// and answers questions parsing alone never could.
package yggdrasil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/yggdrasil/pkg/analysis"
	"github.com/orneryd/yggdrasil/pkg/analyzer"
	"github.com/orneryd/yggdrasil/pkg/config"
	"github.com/orneryd/yggdrasil/pkg/cycles"
	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/inference"
	"github.com/orneryd/yggdrasil/pkg/storage"
	"github.com/orneryd/yggdrasil/pkg/unknown"
)

// DB is the top-level engine handle. Safe for concurrent use.
type DB struct {
	config   *config.Config
	store    storage.Store
	registry *edgetype.Registry

	analyzer  *analyzer.Analyzer
	inference *inference.Engine
	unknowns  *unknown.Resolver
	detector  *cycles.Detector
	metrics   *analysis.Analyzer

	log *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	logger     *zap.Logger
	store      storage.Store
	fileExists analyzer.FileExists
}

// WithLogger supplies a logger instead of building one from the config.
func WithLogger(log *zap.Logger) Option {
	return func(o *openOptions) { o.logger = log }
}

// WithStore supplies a ready store, overriding the config's engine
// selection. The caller keeps ownership semantics: Close still closes it.
func WithStore(s storage.Store) Option {
	return func(o *openOptions) { o.store = s }
}

// WithFileExists overrides the disk-probe capability used by import
// resolution. Tests use this to analyze without a filesystem.
func WithFileExists(fe analyzer.FileExists) Option {
	return func(o *openOptions) { o.fileExists = fe }
}

// Open validates the configuration, opens the selected store, seeds the
// edge-type mirror and wires every subsystem.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var options openOptions
	for _, opt := range opts {
		opt(&options)
	}

	log := options.logger
	if log == nil {
		built, err := cfg.BuildLogger()
		if err != nil {
			return nil, err
		}
		log = built
	}

	registry := edgetype.New()
	if report := registry.ValidateHierarchy(); !report.Valid {
		return nil, fmt.Errorf("%w: %v", edgetype.ErrHierarchyCycle, report.Errors)
	}

	store := options.store
	if store == nil {
		var err error
		store, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	if err := store.RegisterEdgeTypes(ctx, registry.TypesForDynamicRegistration()); err != nil {
		_ = store.Close()
		return nil, err
	}

	fileExists := options.fileExists
	if fileExists == nil {
		fileExists = diskFileExists(cfg.Project.Root)
	}

	fda, err := analyzer.New(store, analyzer.Config{
		ProjectName: cfg.Project.Name,
		ProjectRoot: cfg.Project.Root,
		FileExists:  fileExists,
		Logger:      log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine := inference.New(store, registry, &inference.Config{
		EnableCache:                cfg.Inference.CacheEnabled,
		Strategy:                   inference.CacheStrategy(cfg.Inference.CacheStrategy),
		DefaultMaxPathLength:       cfg.Inference.MaxPathLength,
		DefaultMaxInheritanceDepth: cfg.Inference.MaxInheritanceDepth,
	})

	db := &DB{
		config:    cfg,
		store:     store,
		registry:  registry,
		analyzer:  fda,
		inference: engine,
		unknowns:  unknown.New(store, log),
		detector:  cycles.New(store),
		metrics:   analysis.New(store),
		log:       log,
	}

	log.Info("yggdrasil opened",
		zap.String("project", cfg.Project.Name),
		zap.String("engine", cfg.Storage.Engine))
	return db, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case config.EngineSQLite:
		return storage.OpenSQLite(cfg.Storage.Path)
	case config.EngineBadger:
		return storage.OpenBadger(cfg.Storage.Path)
	case config.EngineMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

func diskFileExists(root string) analyzer.FileExists {
	return func(relPath string) bool {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(relPath)))
		return err == nil && !info.IsDir()
	}
}

// Store exposes the underlying graph store for direct queries.
func (db *DB) Store() storage.Store { return db.store }

// Registry exposes the process-wide edge-type registry.
func (db *DB) Registry() *edgetype.Registry { return db.registry }

// Close releases the store. Safe to call more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.store.Close()
		_ = db.log.Sync()
	})
	return db.closeErr
}

// AnalyzeFile runs the file-dependency analyzer on one file's parse
// output and marks the inference cache dirty.
func (db *DB) AnalyzeFile(ctx context.Context, input analyzer.FileInput) (*analyzer.Result, error) {
	result, err := db.analyzer.AnalyzeFile(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := db.inference.MarkDirty(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// FileFailure records one file skipped during a batch analysis.
type FileFailure struct {
	FilePath string `json:"filePath"`
	Error    string `json:"error"`
}

// BatchResult is the outcome of AnalyzeAll.
type BatchResult struct {
	SessionID    string        `json:"sessionId"`
	Files        int           `json:"files"`
	Succeeded    int           `json:"succeeded"`
	Failures     []FileFailure `json:"failures,omitempty"`
	Nodes        int           `json:"nodes"`
	Edges        int           `json:"edges"`
	MissingLinks int           `json:"missingLinks"`
}

// AnalyzeAll analyzes a batch of parsed files with per-file error
// isolation: a file that fails analysis is recorded and skipped, the
// rest of the batch continues. One session row summarizes the run.
func (db *DB) AnalyzeAll(ctx context.Context, inputs []analyzer.FileInput) (*BatchResult, error) {
	session := &storage.Session{
		ID:        uuid.NewString(),
		Project:   db.config.Project.Name,
		StartedAt: time.Now().UTC(),
	}

	batch := &BatchResult{SessionID: session.ID, Files: len(inputs)}
	for _, input := range inputs {
		result, err := db.analyzer.AnalyzeFile(ctx, input)
		if err != nil {
			var ae *analyzer.AnalysisError
			if errors.As(err, &ae) {
				db.log.Warn("file skipped",
					zap.String("file", input.FilePath),
					zap.Error(err))
				batch.Failures = append(batch.Failures, FileFailure{
					FilePath: input.FilePath,
					Error:    err.Error(),
				})
				continue
			}
			return nil, err
		}
		batch.Succeeded++
		batch.Nodes += len(result.CreatedNodes)
		batch.Edges += len(result.CreatedRelationships)
		batch.MissingLinks += len(result.MissingLinks)
	}

	session.FinishedAt = time.Now().UTC()
	session.FilesAnalyzed = batch.Succeeded
	session.NodesCreated = batch.Nodes
	session.EdgesCreated = batch.Edges
	session.MissingLinks = batch.MissingLinks
	if err := db.store.RecordSession(ctx, session); err != nil {
		return nil, err
	}

	if err := db.inference.MarkDirty(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

// QueryHierarchical relabels concrete edges to a general type.
func (db *DB) QueryHierarchical(ctx context.Context, edgeType string, opts inference.HierarchicalOptions) ([]*inference.InferredRelationship, error) {
	return db.inference.QueryHierarchical(ctx, edgeType, opts)
}

// QueryTransitive computes a transitive closure from one node.
func (db *DB) QueryTransitive(ctx context.Context, from storage.NodeID, edgeType string, opts inference.TransitiveOptions) ([]*inference.InferredRelationship, error) {
	return db.inference.QueryTransitive(ctx, from, edgeType, opts)
}

// QueryInheritable propagates a relation across a parent edge chain.
func (db *DB) QueryInheritable(ctx context.Context, from storage.NodeID, parentRelType, inheritableType string, opts inference.InheritableOptions) ([]*inference.InferredRelationship, error) {
	return db.inference.QueryInheritable(ctx, from, parentRelType, inheritableType, opts)
}

// SyncCache rematerializes the inference cache.
func (db *DB) SyncCache(ctx context.Context, force bool) error {
	return db.inference.SyncCache(ctx, force)
}

// CacheState reports the inference cache lifecycle state.
func (db *DB) CacheState() inference.CacheState {
	return db.inference.CacheState()
}

// Validate checks the registry hierarchy and enumerates graph-level
// cycles for every transitive type.
func (db *DB) Validate(ctx context.Context) (*inference.ValidationResult, error) {
	return db.inference.Validate(ctx)
}

// ResolveUnknowns rewrites unknown placeholder nodes to concrete
// declarations.
func (db *DB) ResolveUnknowns(ctx context.Context) (*unknown.Result, error) {
	result, err := db.unknowns.ResolveAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.inference.MarkDirty(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// DetectCycles runs the bounded circular-dependency detector.
func (db *DB) DetectCycles(ctx context.Context, opts cycles.Options) (*cycles.Result, error) {
	return db.detector.Detect(ctx, opts)
}

// AnalyzeNode computes node-centric metrics for impact analysis.
func (db *DB) AnalyzeNode(ctx context.Context, id storage.NodeID, opts analysis.Options) (*analysis.NodeMetrics, error) {
	return db.metrics.AnalyzeNode(ctx, id, opts)
}

// FindNodes queries nodes through the store's filter surface.
func (db *DB) FindNodes(ctx context.Context, filter storage.NodeFilter) ([]*storage.Node, error) {
	return db.store.FindNodes(ctx, filter)
}

// FindRelationships queries edges through the store's filter surface.
func (db *DB) FindRelationships(ctx context.Context, filter storage.EdgeFilter) ([]*storage.Edge, error) {
	return db.store.FindEdges(ctx, filter)
}

// NodeDependencies returns the one-hop targets of a node, restricted to
// edgeTypes when non-empty.
func (db *DB) NodeDependencies(ctx context.Context, id storage.NodeID, edgeTypes []string) ([]storage.Neighbor, error) {
	return storage.NodeDependencies(ctx, db.store, id, edgeTypes)
}

// NodeDependents returns the one-hop sources pointing at a node,
// restricted to edgeTypes when non-empty.
func (db *DB) NodeDependents(ctx context.Context, id storage.NodeID, edgeTypes []string) ([]storage.Neighbor, error) {
	return storage.NodeDependents(ctx, db.store, id, edgeTypes)
}

// CachedInferences reads materialized inference rows directly; the
// includeInferred side of the query surface. Rows are only as fresh as
// the cache state reported by CacheState.
func (db *DB) CachedInferences(ctx context.Context, filter storage.CacheFilter) ([]*storage.CacheEntry, error) {
	return db.store.CacheEntries(ctx, filter)
}

// FindDependencyPath returns the shortest path between two nodes within
// maxDepth hops, or nil.
func (db *DB) FindDependencyPath(ctx context.Context, from, to storage.NodeID, maxDepth int) ([]*storage.Edge, error) {
	return storage.FindDependencyPath(ctx, db.store, from, to, maxDepth)
}

// Statistics returns store totals by node and edge type.
func (db *DB) Statistics(ctx context.Context) (*storage.Stats, error) {
	return db.store.Statistics(ctx)
}

// Export snapshots the whole graph into the JSON interchange document.
func (db *DB) Export(ctx context.Context) (*storage.GraphExport, error) {
	return storage.Export(ctx, db.store)
}

// Import loads an interchange document and marks the cache dirty.
func (db *DB) Import(ctx context.Context, export *storage.GraphExport) error {
	if err := storage.Import(ctx, db.store, export); err != nil {
		return err
	}
	return db.inference.MarkDirty(ctx)
}
