package edgetype

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRegistryIsValid(t *testing.T) {
	reg := New()

	report := reg.ValidateHierarchy()
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
}

func TestGet(t *testing.T) {
	reg := New()

	def, ok := reg.Get(ImportsLibrary)
	require.True(t, ok)
	assert.Equal(t, Imports, def.Parent)
	assert.False(t, def.IsTransitive)
	assert.True(t, def.IsDirected)

	def, ok = reg.Get(DependsOn)
	require.True(t, ok)
	assert.True(t, def.IsTransitive)
	assert.Empty(t, def.Parent)

	_, ok = reg.Get("no_such_type")
	assert.False(t, ok)
}

func TestHierarchyPath(t *testing.T) {
	reg := New()

	assert.Equal(t,
		[]string{ImportsLibrary, Imports, DependsOn},
		reg.HierarchyPath(ImportsLibrary))
	assert.Equal(t, []string{DependsOn}, reg.HierarchyPath(DependsOn))
	assert.Nil(t, reg.HierarchyPath("no_such_type"))
}

func TestChildrenOf(t *testing.T) {
	reg := New()

	children := reg.ChildrenOf(Imports)
	names := make([]string, len(children))
	for i, d := range children {
		names[i] = d.Type
	}
	assert.Equal(t, []string{ImportsLibrary, ImportsFile}, names)
}

func TestDescendantsOf(t *testing.T) {
	reg := New()

	descendants := reg.DescendantsOf(DependsOn)
	names := make(map[string]struct{}, len(descendants))
	for _, d := range descendants {
		names[d.Type] = struct{}{}
	}

	// Grandchildren are included, the root is not.
	assert.Contains(t, names, ImportsLibrary)
	assert.Contains(t, names, Instantiates)
	assert.Contains(t, names, Extends)
	assert.NotContains(t, names, DependsOn)
}

func TestRegisterExtension(t *testing.T) {
	reg := New()

	def := Def{
		Type:        "decorates",
		Description: "decorator application",
		Parent:      Uses,
		IsDirected:  true,
		Priority:    70,
	}
	require.NoError(t, reg.Register(def))

	got, ok := reg.Get("decorates")
	require.True(t, ok)
	assert.Equal(t, def, got)
	assert.False(t, reg.IsCore("decorates"))

	// Identical re-registration is a no-op.
	assert.NoError(t, reg.Register(def))

	// A conflicting definition for the same name is rejected.
	def.Priority = 99
	assert.ErrorIs(t, reg.Register(def), ErrAlreadyDefined)
}

func TestRegisterUndefinedParent(t *testing.T) {
	reg := New()

	err := reg.Register(Def{Type: "floats_on", Parent: "vapor", IsDirected: true})
	assert.ErrorIs(t, err, ErrUndefinedParent)

	report := reg.ValidateHierarchy()
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestValidateHierarchyDetectsCycle(t *testing.T) {
	reg := New()

	// Build a cycle a -> b -> a through the internal table. Register alone
	// cannot produce one, so reach in the way a broken dynamic load would.
	require.NoError(t, reg.Register(Def{Type: "a", Parent: Uses, IsDirected: true}))
	require.NoError(t, reg.Register(Def{Type: "b", Parent: "a", IsDirected: true}))
	reg.mu.Lock()
	defA := reg.defs["a"]
	defA.Parent = "b"
	reg.defs["a"] = defA
	reg.mu.Unlock()

	report := reg.ValidateHierarchy()
	assert.False(t, report.Valid)

	found := false
	for _, e := range report.Errors {
		if strings.HasPrefix(e, "cycle") {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle error, got %v", report.Errors)
}

func TestTypesForDynamicRegistration(t *testing.T) {
	reg := New()

	defs := reg.TypesForDynamicRegistration()
	require.NotEmpty(t, defs)

	// Deterministic order: priority ascending.
	for i := 1; i < len(defs); i++ {
		assert.LessOrEqual(t, defs[i-1].Priority, defs[i].Priority)
	}

	// Core and extended sets are both present.
	byName := make(map[string]Def, len(defs))
	for _, d := range defs {
		byName[d.Type] = d
	}
	assert.Contains(t, byName, Contains)
	assert.Contains(t, byName, ResolvedTo)
	assert.Contains(t, byName, MdLinksTo)
}

func TestFlaggedSets(t *testing.T) {
	reg := New()

	assert.Equal(t, []string{Contains, DependsOn, Calls, Extends}, reg.TransitiveTypes())
	assert.Equal(t, []string{Extends, Implements}, reg.InheritableTypes())
}
