// Package analyzer turns parsed per-file import records into graph
// mutations.
//
// The analyzer is the single writer of imports_file / imports_library
// edges. Re-analysis of a file is idempotent: all edges recorded for the
// file are deleted and rebuilt inside one transaction, so externally only
// the pre- or post-state is observable and node ids never change.
//
// Parsing itself is an external collaborator: callers feed the analyzer
// the ImportSource records a tree-sitter front end produced. Whether a
// candidate target exists on disk is answered by an injected FileExists
// capability, which keeps the path resolver deterministic and this
// package testable without a filesystem.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/yggdrasil/pkg/edgetype"
	"github.com/orneryd/yggdrasil/pkg/ident"
	"github.com/orneryd/yggdrasil/pkg/resolver"
	"github.com/orneryd/yggdrasil/pkg/storage"
)

// Edge weights, ordered imports_file > imports_library(named) >
// imports_library(builtin). The per-symbol increment breaks ties by
// imported-symbol count without reordering the bases.
const (
	weightFileImport    = 3.0
	weightLibraryImport = 2.0
	weightBuiltinImport = 1.0
	weightPerSymbol     = 0.01
)

// ReasonFileNotFound is the missing-link reason for unresolvable
// relative/absolute imports.
const ReasonFileNotFound = "file_not_found"

// AnalysisError marks a file the analyzer could not process. Batch
// callers skip the file and continue.
type AnalysisError struct {
	FilePath string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s failed: %v", e.FilePath, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Location is a 1-based source position.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Import is one imported symbol of an import statement.
type Import struct {
	Name        string `json:"name"`
	IsDefault   bool   `json:"isDefault"`
	IsNamespace bool   `json:"isNamespace"`
}

// ImportSource is the parser contract for one import statement.
type ImportSource struct {
	Type     resolver.Kind `json:"type"`
	Source   string        `json:"source"`
	Imports  []Import      `json:"imports"`
	Location Location      `json:"location"`
}

// FileInput is the parse output for one file.
type FileInput struct {
	FilePath string         `json:"filePath"`
	Language string         `json:"language"`
	Imports  []ImportSource `json:"imports"`
}

// Diagnostic explains why a link is missing: every path that was probed
// and the extensions that were inferred while probing.
type Diagnostic struct {
	AttemptedPaths      []string `json:"attemptedPaths"`
	SuggestedExtensions []string `json:"suggestedExtensions,omitempty"`
}

// MissingLink is a would-be edge whose target could not be located on
// disk. Missing links are returned, never persisted as edges.
type MissingLink struct {
	FromNode        string     `json:"fromNode"`
	ImportSpecifier string     `json:"importSpecifier"`
	Reason          string     `json:"reason"`
	Diagnostic      Diagnostic `json:"diagnostic"`
}

// Stats are recomputed from scratch on every analysis of a file.
type Stats struct {
	ImportsTotal   int `json:"importsTotal"`
	FileImports    int `json:"fileImports"`
	LibraryImports int `json:"libraryImports"`
	BuiltinImports int `json:"builtinImports"`
	MissingLinks   int `json:"missingLinks"`
}

// Result is the outcome of analyzing one file.
type Result struct {
	CreatedNodes         []*storage.Node `json:"createdNodes"`
	CreatedRelationships []*storage.Edge `json:"createdRelationships"`
	MissingLinks         []MissingLink   `json:"missingLinks"`
	Stats                Stats           `json:"stats"`
}

// FileExists reports whether a project-root-relative path names an
// existing file. Injected so the analyzer never touches disk itself.
type FileExists func(relPath string) bool

// Config wires an Analyzer.
type Config struct {
	ProjectName string
	ProjectRoot string
	FileExists  FileExists
	Logger      *zap.Logger
}

// Analyzer consumes per-file import records and maintains the graph.
type Analyzer struct {
	store       storage.Store
	projectName string
	projectRoot string
	fileExists  FileExists
	log         *zap.Logger
}

// New creates an Analyzer writing into store.
func New(store storage.Store, cfg Config) (*Analyzer, error) {
	if store == nil {
		return nil, errors.New("analyzer: store is required")
	}
	if cfg.ProjectName == "" {
		return nil, errors.New("analyzer: project name is required")
	}
	exists := cfg.FileExists
	if exists == nil {
		exists = func(string) bool { return false }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{
		store:       store,
		projectName: cfg.ProjectName,
		projectRoot: cfg.ProjectRoot,
		fileExists:  exists,
		log:         log,
	}, nil
}

// AnalyzeFile processes one file's imports in a single transaction.
//
// The file's previous edges are deleted first (with their dependent
// inference-cache rows), then the fresh edges are inserted, so analyzing
// the same parse output twice yields identical node ids and a
// functionally identical edge set.
func (a *Analyzer) AnalyzeFile(ctx context.Context, input FileInput) (*Result, error) {
	if input.FilePath == "" {
		return nil, &AnalysisError{FilePath: input.FilePath, Err: errors.New("empty file path")}
	}

	result := &Result{}
	err := a.store.RunInTransaction(ctx, func(tx storage.Store) error {
		return a.analyzeInTx(ctx, tx, input, result)
	})
	if err != nil {
		var ae *AnalysisError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &AnalysisError{FilePath: input.FilePath, Err: err}
	}

	a.log.Debug("analyzed file",
		zap.String("file", input.FilePath),
		zap.Int("imports", result.Stats.ImportsTotal),
		zap.Int("missing", result.Stats.MissingLinks))
	return result, nil
}

func (a *Analyzer) analyzeInTx(ctx context.Context, tx storage.Store, input FileInput, result *Result) error {
	idCtx := ident.Context{
		ProjectName: a.projectName,
		ProjectRoot: a.projectRoot,
		SourceFile:  input.FilePath,
	}
	relPath := ident.RelativePath(a.projectRoot, input.FilePath)

	fileIdentifier, err := ident.Create(ident.NodeTypeFile, "", idCtx)
	if err != nil {
		return &AnalysisError{FilePath: input.FilePath, Err: err}
	}

	fileNode := &storage.Node{
		Identifier: fileIdentifier,
		Type:       string(ident.NodeTypeFile),
		Name:       baseName(relPath),
		SourceFile: relPath,
		Language:   input.Language,
	}
	fileID, err := tx.UpsertNode(ctx, fileNode)
	if err != nil {
		return err
	}
	result.CreatedNodes = append(result.CreatedNodes, fileNode)

	// Idempotent re-analysis: drop everything this file asserted before.
	if _, err := tx.DeleteEdgesBySourceFile(ctx, relPath); err != nil {
		return err
	}

	for _, imp := range input.Imports {
		result.Stats.ImportsTotal++

		res := resolver.Resolve(resolver.Request{
			SourceFile: relPath,
			Specifier:  imp.Source,
			Kind:       imp.Type,
			Language:   input.Language,
		})

		switch res.Kind {
		case resolver.KindLibrary, resolver.KindBuiltin:
			if err := a.linkLibrary(ctx, tx, fileID, relPath, res, imp, result); err != nil {
				return err
			}
		default:
			if err := a.linkFile(ctx, tx, fileID, fileIdentifier, relPath, res, imp, result); err != nil {
				return err
			}
		}
	}

	result.Stats.MissingLinks = len(result.MissingLinks)
	return nil
}

func (a *Analyzer) linkLibrary(ctx context.Context, tx storage.Store, fileID storage.NodeID,
	relPath string, res resolver.Resolution, imp ImportSource, result *Result) error {

	libIdentifier, err := ident.Create(ident.NodeTypeLibrary, res.Library, ident.Context{})
	if err != nil {
		return err
	}

	libNode := &storage.Node{
		Identifier: libIdentifier,
		Type:       string(ident.NodeTypeLibrary),
		Name:       res.Library,
		Metadata:   map[string]any{"builtin": res.Kind == resolver.KindBuiltin},
	}
	libID, err := tx.UpsertNode(ctx, libNode)
	if err != nil {
		return err
	}
	result.CreatedNodes = append(result.CreatedNodes, libNode)

	weight := weightLibraryImport
	if res.Kind == resolver.KindBuiltin {
		weight = weightBuiltinImport
		result.Stats.BuiltinImports++
	} else {
		result.Stats.LibraryImports++
	}
	weight += weightPerSymbol * float64(len(imp.Imports))

	edge := &storage.Edge{
		StartNode:  fileID,
		EndNode:    libID,
		Type:       edgetype.ImportsLibrary,
		Weight:     weight,
		SourceFile: relPath,
		Metadata:   edgeMetadata(imp),
	}
	if _, err := tx.UpsertEdge(ctx, edge); err != nil {
		return err
	}
	result.CreatedRelationships = append(result.CreatedRelationships, edge)
	return nil
}

func (a *Analyzer) linkFile(ctx context.Context, tx storage.Store, fileID storage.NodeID,
	fileIdentifier, relPath string, res resolver.Resolution, imp ImportSource, result *Result) error {

	target := ""
	for _, candidate := range res.Candidates {
		if a.fileExists(candidate) {
			target = candidate
			break
		}
	}
	if target == "" {
		result.MissingLinks = append(result.MissingLinks, MissingLink{
			FromNode:        fileIdentifier,
			ImportSpecifier: imp.Source,
			Reason:          ReasonFileNotFound,
			Diagnostic: Diagnostic{
				AttemptedPaths:      res.Candidates,
				SuggestedExtensions: suggestedExtensions(res.Candidates),
			},
		})
		a.log.Debug("missing link",
			zap.String("file", relPath),
			zap.String("specifier", imp.Source))
		return nil
	}

	targetIdentifier, err := ident.Create(ident.NodeTypeFile, "", ident.Context{
		ProjectName: a.projectName,
		SourceFile:  target,
	})
	if err != nil {
		return err
	}
	targetNode := &storage.Node{
		Identifier: targetIdentifier,
		Type:       string(ident.NodeTypeFile),
		Name:       baseName(target),
		SourceFile: target,
	}
	targetID, err := tx.UpsertNode(ctx, targetNode)
	if err != nil {
		return err
	}
	result.CreatedNodes = append(result.CreatedNodes, targetNode)

	edge := &storage.Edge{
		StartNode:  fileID,
		EndNode:    targetID,
		Type:       edgetype.ImportsFile,
		Weight:     weightFileImport + weightPerSymbol*float64(len(imp.Imports)),
		SourceFile: relPath,
		Metadata:   edgeMetadata(imp),
	}
	if _, err := tx.UpsertEdge(ctx, edge); err != nil {
		return err
	}
	result.CreatedRelationships = append(result.CreatedRelationships, edge)
	result.Stats.FileImports++
	return nil
}

func edgeMetadata(imp ImportSource) map[string]any {
	meta := map[string]any{
		"importedSymbols": len(imp.Imports),
	}
	if imp.Location.Line > 0 {
		meta["line"] = imp.Location.Line
		meta["column"] = imp.Location.Column
	}
	for _, i := range imp.Imports {
		if i.IsDefault {
			meta["hasDefault"] = true
		}
		if i.IsNamespace {
			meta["hasNamespace"] = true
		}
	}
	return meta
}

// suggestedExtensions extracts the distinct extensions that were inferred
// while probing, for the missing-link diagnostic.
func suggestedExtensions(candidates []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		ext := extensionOf(c)
		if ext == "" {
			continue
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}

func extensionOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		switch p[i] {
		case '.':
			return p[i:]
		case '/':
			return ""
		}
	}
	return ""
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
