// Package edgetype is the single source of truth for edge types.
//
// Every relationship stored in the graph carries a type name; this package
// owns the table mapping each name to its definition: an optional parent
// type, the transitivity and inheritability flags, and a priority used to
// order dynamic registration. Query code normalizes specific types
// (imports_library) up to general ones (imports, depends_on) through this
// table instead of hard-coding the hierarchy in storage queries.
//
// Two disjoint sets are seeded:
//   - core types, which align with the persisted edge_types table
//   - extended types, registered dynamically when analyzers load
//
// The registry is process-wide and read-mostly: build it once at startup
// with New(), register analyzer extensions while wiring, then treat it as
// immutable. Definitions cannot be changed once registered.
//
// Example Usage:
//
//	reg := edgetype.New()
//
//	def, ok := reg.Get(edgetype.Imports)
//	// def.Parent == edgetype.DependsOn
//
//	path := reg.HierarchyPath(edgetype.ImportsLibrary)
//	// ["imports_library", "imports", "depends_on"]
//
//	if report := reg.ValidateHierarchy(); !report.Valid {
//		log.Fatalf("registry broken: %v", report.Errors)
//	}
package edgetype

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors.
var (
	ErrNotRegistered   = errors.New("edge type not registered")
	ErrAlreadyDefined  = errors.New("edge type already defined")
	ErrNotTransitive   = errors.New("edge type is not transitive")
	ErrNotInheritable  = errors.New("edge type is not inheritable")
	ErrUndefinedParent = errors.New("parent edge type is not defined")
	ErrHierarchyCycle  = errors.New("cycle in edge type hierarchy")
)

// Core edge type names. These align with the persisted edge_types table.
const (
	Contains  = "contains"
	Declares  = "declares"
	BelongsTo = "belongs_to"

	DependsOn      = "depends_on"
	Imports        = "imports"
	ImportsLibrary = "imports_library"
	ImportsFile    = "imports_file"

	Calls        = "calls"
	References   = "references"
	Uses         = "uses"
	Instantiates = "instantiates"
	Accesses     = "accesses"

	Extends    = "extends"
	Implements = "implements"
	Overrides  = "overrides"

	AliasOf    = "aliasOf"
	ResolvedTo = "resolvedTo"
)

// Extended edge type names, registered when analyzers load.
const (
	Exports      = "exports"
	ReExports    = "re_exports"
	HasType      = "has_type"
	ThrowsType   = "throws"
	ReturnsType  = "returns_type"
	ParamType    = "param_type"
	MdLinksTo    = "md_links_to"
	MdHasHeading = "md_contains_heading"
)

// Def describes one edge type.
//
// Parent links form a DAG (in practice a forest): a child type is a
// specialization of its parent and hierarchical queries may widen a child
// to any ancestor. IsDirected is always true in the core; the field exists
// because the persisted schema carries it.
type Def struct {
	Type          string `json:"type" yaml:"type"`
	Description   string `json:"description" yaml:"description"`
	Parent        string `json:"parentType,omitempty" yaml:"parentType,omitempty"`
	IsTransitive  bool   `json:"isTransitive" yaml:"isTransitive"`
	IsInheritable bool   `json:"isInheritable" yaml:"isInheritable"`
	IsDirected    bool   `json:"isDirected" yaml:"isDirected"`
	Priority      int    `json:"priority" yaml:"priority"`
}

// ValidationReport is the structured result of ValidateHierarchy.
// Validation never panics or returns a Go error: broken references and
// cycles are collected so the operator sees all of them at once.
type ValidationReport struct {
	Valid  bool
	Errors []string
}

// Registry maps edge-type name to definition.
//
// Thread-safe. Reads vastly outnumber writes; writes happen only during
// startup wiring (Register).
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Def
	core     map[string]struct{}
	children map[string][]string
}

// New builds a registry seeded with the core and extended type sets.
func New() *Registry {
	r := &Registry{
		defs:     make(map[string]Def),
		core:     make(map[string]struct{}),
		children: make(map[string][]string),
	}

	for _, def := range coreDefs() {
		r.mustAdd(def, true)
	}
	for _, def := range extendedDefs() {
		r.mustAdd(def, false)
	}
	return r
}

func coreDefs() []Def {
	return []Def{
		{Type: Contains, Description: "structural containment (directory/file/symbol)", IsTransitive: true, IsDirected: true, Priority: 0},
		{Type: Declares, Description: "declaration inside a container", Parent: Contains, IsDirected: true, Priority: 1},
		{Type: BelongsTo, Description: "membership in a package or module", IsDirected: true, Priority: 2},

		{Type: DependsOn, Description: "generic dependency", IsTransitive: true, IsDirected: true, Priority: 10},
		{Type: Imports, Description: "import of another entity", Parent: DependsOn, IsDirected: true, Priority: 11},
		{Type: ImportsLibrary, Description: "import of an external library", Parent: Imports, IsDirected: true, Priority: 12},
		{Type: ImportsFile, Description: "import of a project file", Parent: Imports, IsDirected: true, Priority: 13},

		{Type: Calls, Description: "call of a function or method", Parent: DependsOn, IsTransitive: true, IsDirected: true, Priority: 20},
		{Type: References, Description: "reference to a symbol", Parent: DependsOn, IsDirected: true, Priority: 21},
		{Type: Uses, Description: "use of a type or value", Parent: DependsOn, IsDirected: true, Priority: 22},
		{Type: Instantiates, Description: "instantiation of a class", Parent: Uses, IsDirected: true, Priority: 23},
		{Type: Accesses, Description: "access of a property or field", Parent: Uses, IsDirected: true, Priority: 24},

		{Type: Extends, Description: "inheritance of a base type", Parent: DependsOn, IsTransitive: true, IsInheritable: true, IsDirected: true, Priority: 30},
		{Type: Implements, Description: "implementation of an interface", Parent: DependsOn, IsInheritable: true, IsDirected: true, Priority: 31},
		{Type: Overrides, Description: "override of an inherited member", Parent: DependsOn, IsDirected: true, Priority: 32},

		{Type: AliasOf, Description: "alias of another symbol", IsDirected: true, Priority: 40},
		{Type: ResolvedTo, Description: "resolution of an unknown placeholder", IsDirected: true, Priority: 41},
	}
}

func extendedDefs() []Def {
	return []Def{
		{Type: Exports, Description: "export of a symbol", Parent: Contains, IsDirected: true, Priority: 50},
		{Type: ReExports, Description: "re-export from another module", Parent: Exports, IsDirected: true, Priority: 51},
		{Type: HasType, Description: "value annotated with a type", Parent: Uses, IsDirected: true, Priority: 52},
		{Type: ThrowsType, Description: "function throws a type", Parent: Uses, IsDirected: true, Priority: 53},
		{Type: ReturnsType, Description: "function returns a type", Parent: Uses, IsDirected: true, Priority: 54},
		{Type: ParamType, Description: "parameter annotated with a type", Parent: Uses, IsDirected: true, Priority: 55},
		{Type: MdLinksTo, Description: "markdown link to another document", Parent: References, IsDirected: true, Priority: 60},
		{Type: MdHasHeading, Description: "markdown document contains a heading block", Parent: Contains, IsDirected: true, Priority: 61},
	}
}

func (r *Registry) mustAdd(def Def, core bool) {
	if err := r.add(def, core); err != nil {
		panic(fmt.Sprintf("edgetype: seeding built-in %q: %v", def.Type, err))
	}
}

func (r *Registry) add(def Def, core bool) error {
	if def.Type == "" {
		return fmt.Errorf("%w: empty type name", ErrNotRegistered)
	}
	if existing, ok := r.defs[def.Type]; ok {
		if existing == def {
			return nil // idempotent re-registration
		}
		return fmt.Errorf("%w: %q", ErrAlreadyDefined, def.Type)
	}
	r.defs[def.Type] = def
	if core {
		r.core[def.Type] = struct{}{}
	}
	if def.Parent != "" {
		r.children[def.Parent] = append(r.children[def.Parent], def.Type)
	}
	return nil
}

// Register adds an extension edge type.
//
// Registering the exact same definition twice is a no-op; registering a
// conflicting definition for an existing name is an error. Definitions are
// immutable once registered.
func (r *Registry) Register(def Def) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.add(def, false); err != nil {
		return err
	}
	if def.Parent != "" {
		if _, ok := r.defs[def.Parent]; !ok {
			// Leave the def in place; ValidateHierarchy reports dangling
			// parents so startup fails loudly rather than silently.
			return fmt.Errorf("%w: %q (parent of %q)", ErrUndefinedParent, def.Parent, def.Type)
		}
	}
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// IsCore reports whether name belongs to the seeded core set.
func (r *Registry) IsCore(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.core[name]
	return ok
}

// ChildrenOf returns the direct children of parent, sorted by priority.
func (r *Registry) ChildrenOf(parent string) []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.children[parent]
	defs := make([]Def, 0, len(names))
	for _, n := range names {
		defs = append(defs, r.defs[n])
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Priority < defs[j].Priority })
	return defs
}

// DescendantsOf returns every type below parent in the hierarchy, in
// breadth-first order. parent itself is not included.
func (r *Registry) DescendantsOf(parent string) []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Def
	queue := append([]string(nil), r.children[parent]...)
	seen := map[string]struct{}{parent: {}}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, r.defs[name])
		queue = append(queue, r.children[name]...)
	}
	return out
}

// HierarchyPath walks from name up through its ancestors:
// [name, parent, grandparent, ...]. Unknown names yield nil.
// A cycle in parent links terminates the walk instead of looping.
func (r *Registry) HierarchyPath(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.defs[name]; !ok {
		return nil
	}

	var path []string
	seen := make(map[string]struct{})
	for cur := name; cur != ""; {
		if _, dup := seen[cur]; dup {
			break
		}
		seen[cur] = struct{}{}
		path = append(path, cur)
		def, ok := r.defs[cur]
		if !ok {
			break
		}
		cur = def.Parent
	}
	return path
}

// ValidateHierarchy checks every parent reference and rejects cycles in
// the parent graph. The result is always a structured report, never a
// thrown error, so callers can log every problem in one pass.
func (r *Registry) ValidateHierarchy() ValidationReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := ValidationReport{Valid: true}

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := r.defs[name]
		if def.Parent == "" {
			continue
		}
		if _, ok := r.defs[def.Parent]; !ok {
			report.Valid = false
			report.Errors = append(report.Errors,
				fmt.Sprintf("edge type %q references undefined parent %q", name, def.Parent))
		}
	}

	// Cycle detection over parent links: walk up from every node with a
	// visited set; a repeat inside one walk is a cycle.
	for _, name := range names {
		seen := make(map[string]struct{})
		for cur := name; cur != ""; {
			if _, dup := seen[cur]; dup {
				report.Valid = false
				report.Errors = append(report.Errors,
					fmt.Sprintf("cycle in parent hierarchy reachable from %q", name))
				break
			}
			seen[cur] = struct{}{}
			def, ok := r.defs[cur]
			if !ok {
				break
			}
			cur = def.Parent
		}
	}

	return report
}

// TypesForDynamicRegistration returns every definition, ordered by
// priority then name. The graph store persists these verbatim at startup
// so the edge_types table is always a superset of the registry.
func (r *Registry) TypesForDynamicRegistration() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Def, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sortDefs(defs)
	return defs
}

// TransitiveTypes returns the names of all types flagged IsTransitive,
// sorted by priority.
func (r *Registry) TransitiveTypes() []string {
	return r.flagged(func(d Def) bool { return d.IsTransitive })
}

// InheritableTypes returns the names of all types flagged IsInheritable,
// sorted by priority.
func (r *Registry) InheritableTypes() []string {
	return r.flagged(func(d Def) bool { return d.IsInheritable })
}

func (r *Registry) flagged(pred func(Def) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Def
	for _, def := range r.defs {
		if pred(def) {
			defs = append(defs, def)
		}
	}
	sortDefs(defs)
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Type
	}
	return names
}

func sortDefs(defs []Def) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].Type < defs[j].Type
	})
}
