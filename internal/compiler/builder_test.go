package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// TestBuildValidModule is the baseline: a well-formed module built entirely
// through Builder/PouBuilder must pass Build's internal Validate call.
func TestBuildValidModule(t *testing.T) {
	b := compiler.New()
	pou := b.NewPou("MAIN", bytecode.PouProgram)
	pou.Return()
	pou.Finish()
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	_, err := b.Build()
	require.NoError(t, err)
}

// TestBuildRejectsBadJumpTarget confirms Validate's instruction-stream walk
// catches a jump landing outside any instruction boundary (spec §4.1
// cross-reference closure, R4).
func TestBuildRejectsBadJumpTarget(t *testing.T) {
	b := compiler.New()
	pou := b.NewPou("BAD", bytecode.PouProgram)
	jmp := pou.Jmp()
	pou.Return()
	jmp.To(9999) // far past the end of this POU's own code
	pou.Finish()

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.InvalidJumpTarget), "got %v", err)
}

// TestBuildRejectsOutOfRangeVarMetaType confirms VAR_META rows are checked
// against the type table, not merely decoded blind.
func TestBuildRejectsOutOfRangeVarMetaType(t *testing.T) {
	b := compiler.New()
	refIdx := b.RefGlobal()
	b.DeclareVarMeta("BOGUS", 999999, refIdx, false, nil)
	pou := b.NewPou("MAIN", bytecode.PouProgram)
	pou.Return()
	pou.Finish()

	_, err := b.Build()
	require.Error(t, err)
}

// TestLoadTypesRoundTripsUserStruct confirms LoadTypes rebuilds a usable
// value.Registry from a module's TYPE_TABLE, preserving field order and
// assigning the struct the same numeric id the builder gave it.
func TestLoadTypesRoundTripsUserStruct(t *testing.T) {
	b := compiler.New()
	fieldType := uint32(value.TypeInt)
	structID := b.StructType("POINT", []bytecode.FieldEntry{
		{NameIdx: b.String("X"), TypeID: fieldType},
		{NameIdx: b.String("Y"), TypeID: fieldType},
	})
	pou := b.NewPou("MAIN", bytecode.PouProgram)
	pou.Return()
	pou.Finish()
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	mod, err := b.Build()
	require.NoError(t, err)

	registry, err := compiler.LoadTypes(mod)
	require.NoError(t, err)

	def, ok := registry.Lookup(value.TypeID(structID))
	require.True(t, ok)
	assert.Equal(t, "POINT", def.Name)
	require.Len(t, def.Fields, 2)
	assert.Equal(t, "X", def.Fields[0].Name)
	assert.Equal(t, "Y", def.Fields[1].Name)
}
