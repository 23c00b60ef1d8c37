// Package ident computes and parses canonical node identifiers.
//
// Every node in the graph is named by a single canonical string so that the
// same program entity always maps to the same stored node, no matter which
// analyzer produced it. The grammar is RDF-style:
//
//	<projectName>/<relativePath>[#<CapitalizedNodeType>:<symbol>]
//
// File and directory nodes omit the #-suffix. Library and package nodes are
// project-independent and use the short forms:
//
//	library#react
//	package#encoding/json
//
// Example Usage:
//
//	id, err := ident.Create(ident.NodeTypeClass, "App", ident.Context{
//		ProjectName: "my-app",
//		ProjectRoot: "/home/dev/my-app",
//		SourceFile:  "/home/dev/my-app/src/App.tsx",
//	})
//	// id == "my-app/src/App.tsx#Class:App"
//
//	identity, _ := ident.Parse(id)
//	// identity.ProjectName == "my-app"
//	// identity.FilePath    == "src/App.tsx"
//	// identity.Type        == ident.NodeTypeClass
//	// identity.Name        == "App"
//
// Creation is deterministic: the same inputs always yield the same string.
// Locations and free-form metadata are not part of the identifier and are
// therefore not recoverable from Parse.
package ident

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrMalformed   = errors.New("malformed identifier")
	ErrEmptyName   = errors.New("empty node name")
	ErrUnknownType = errors.New("unknown node type")
)

// NodeType classifies the program entity a node represents.
type NodeType string

// Node types recognized by the identifier grammar. The set mirrors what the
// file-dependency analyzer and the unknown resolver produce.
const (
	NodeTypeFile      NodeType = "file"
	NodeTypeDirectory NodeType = "directory"
	NodeTypeClass     NodeType = "class"
	NodeTypeInterface NodeType = "interface"
	NodeTypeFunction  NodeType = "function"
	NodeTypeMethod    NodeType = "method"
	NodeTypeTypeAlias NodeType = "type-alias"
	NodeTypeVariable  NodeType = "variable"
	NodeTypeConstant  NodeType = "constant"
	NodeTypeSymbol    NodeType = "symbol"
	NodeTypeLibrary   NodeType = "library"
	NodeTypePackage   NodeType = "package"
	NodeTypeHeading   NodeType = "heading"
	NodeTypeUnknown   NodeType = "unknown"
)

// allTypes maps every node type to its capitalized grammar form.
var allTypes = map[NodeType]string{
	NodeTypeFile:      "File",
	NodeTypeDirectory: "Directory",
	NodeTypeClass:     "Class",
	NodeTypeInterface: "Interface",
	NodeTypeFunction:  "Function",
	NodeTypeMethod:    "Method",
	NodeTypeTypeAlias: "TypeAlias",
	NodeTypeVariable:  "Variable",
	NodeTypeConstant:  "Constant",
	NodeTypeSymbol:    "Symbol",
	NodeTypeLibrary:   "Library",
	NodeTypePackage:   "Package",
	NodeTypeHeading:   "Heading",
	NodeTypeUnknown:   "Unknown",
}

// capToType is the inverse of allTypes, built once at init.
var capToType = func() map[string]NodeType {
	m := make(map[string]NodeType, len(allTypes))
	for t, c := range allTypes {
		m[c] = t
	}
	return m
}()

// Valid reports whether t is a recognized node type.
func (t NodeType) Valid() bool {
	_, ok := allTypes[t]
	return ok
}

// Capitalized returns the UpperCamel grammar form of the node type
// ("class" -> "Class", "type-alias" -> "TypeAlias").
func (t NodeType) Capitalized() string {
	return allTypes[t]
}

// Context carries the project-scoped inputs needed to build an identifier.
//
// ProjectRoot and SourceFile may use either path separator; both are
// normalized to forward slashes. A trailing slash on ProjectRoot is
// tolerated.
type Context struct {
	ProjectName string
	ProjectRoot string
	SourceFile  string
}

// NodeIdentity is the parsed form of a canonical identifier.
//
// For library and package nodes ProjectName and FilePath are empty. For
// file and directory nodes Name holds the last path segment.
type NodeIdentity struct {
	Type        NodeType
	Name        string
	ProjectName string
	FilePath    string
}

// Create computes the canonical identifier for a node.
//
// The result is deterministic: the same (type, name, context) triple always
// yields the same string. Library and package nodes ignore the context
// entirely; file and directory nodes ignore name (the path is the name).
//
// Returns ErrUnknownType for unrecognized node types and ErrEmptyName when
// a symbol-bearing type has no name.
func Create(nodeType NodeType, name string, c Context) (string, error) {
	if !nodeType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, nodeType)
	}

	switch nodeType {
	case NodeTypeLibrary, NodeTypePackage:
		if name == "" {
			return "", ErrEmptyName
		}
		return string(nodeType) + "#" + name, nil
	}

	rel := RelativePath(c.ProjectRoot, c.SourceFile)
	base := c.ProjectName
	if rel != "" {
		base = c.ProjectName + "/" + rel
	}

	switch nodeType {
	case NodeTypeFile, NodeTypeDirectory:
		return base, nil
	}

	if name == "" {
		return "", ErrEmptyName
	}
	return base + "#" + nodeType.Capitalized() + ":" + name, nil
}

// Parse is the inverse of Create for identifiers whose form is unambiguous.
//
// File and directory nodes share one grammar form; Parse reports them as
// NodeTypeFile (the analyzer distinguishes the two when it upserts).
// Locations and metadata are not recoverable.
func Parse(identifier string) (*NodeIdentity, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty string", ErrMalformed)
	}

	// Short forms: library#name, package#name.
	for _, t := range []NodeType{NodeTypeLibrary, NodeTypePackage} {
		prefix := string(t) + "#"
		if strings.HasPrefix(identifier, prefix) {
			name := identifier[len(prefix):]
			if name == "" {
				return nil, fmt.Errorf("%w: %q has no name", ErrMalformed, identifier)
			}
			return &NodeIdentity{Type: t, Name: name}, nil
		}
	}

	head, suffix, hasSuffix := strings.Cut(identifier, "#")
	project, filePath, _ := strings.Cut(head, "/")
	if project == "" {
		return nil, fmt.Errorf("%w: %q has no project", ErrMalformed, identifier)
	}

	if !hasSuffix {
		name := filePath
		if i := strings.LastIndex(filePath, "/"); i >= 0 {
			name = filePath[i+1:]
		}
		if name == "" {
			name = project
		}
		return &NodeIdentity{
			Type:        NodeTypeFile,
			Name:        name,
			ProjectName: project,
			FilePath:    filePath,
		}, nil
	}

	capType, symbol, ok := strings.Cut(suffix, ":")
	if !ok || symbol == "" {
		return nil, fmt.Errorf("%w: %q has a suffix without a symbol", ErrMalformed, identifier)
	}
	nodeType, ok := capToType[capType]
	if !ok {
		return nil, fmt.Errorf("%w: %q has unknown node type %q", ErrMalformed, identifier, capType)
	}

	return &NodeIdentity{
		Type:        nodeType,
		Name:        symbol,
		ProjectName: project,
		FilePath:    filePath,
	}, nil
}

// Validate reports whether the identifier parses under the grammar.
func Validate(identifier string) bool {
	_, err := Parse(identifier)
	return err == nil
}

// AreRelated reports whether two identifiers name entities in the same
// file of the same project. Library and package identifiers are never
// related to anything (including each other).
func AreRelated(a, b string) bool {
	ia, err := Parse(a)
	if err != nil {
		return false
	}
	ib, err := Parse(b)
	if err != nil {
		return false
	}
	if ia.ProjectName == "" || ib.ProjectName == "" {
		return false
	}
	return ia.ProjectName == ib.ProjectName && ia.FilePath == ib.FilePath
}

// RelativePath computes sourceFile relative to projectRoot with separators
// normalized to forward slashes and no leading "./". When sourceFile does
// not live under projectRoot it is returned cleaned as-is (minus any
// leading slash) so identifiers stay deterministic either way.
func RelativePath(projectRoot, sourceFile string) string {
	root := normalize(projectRoot)
	file := normalize(sourceFile)

	root = strings.TrimSuffix(root, "/")
	if root != "" {
		if file == root {
			return ""
		}
		if strings.HasPrefix(file, root+"/") {
			file = file[len(root)+1:]
		}
	}

	file = strings.TrimPrefix(file, "./")
	file = strings.TrimPrefix(file, "/")
	return strings.TrimSuffix(file, "/")
}

func normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
