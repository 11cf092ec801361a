package bytecode_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/value"
)

// buildSampleModule assembles a small but representative module: one global,
// one retain variable with a RETAIN_INIT row, a DEBUG_MAP entry, and a single
// task so every optional section is exercised at once.
func buildSampleModule(t *testing.T) *bytecode.Module {
	t.Helper()
	b := compiler.New()

	counterRef := b.RefGlobal()
	b.DeclareVarMeta("COUNTER", uint32(value.TypeInt), counterRef, false, nil)

	latchedRef := b.RefRetain()
	initConst := b.ConstBool(false)
	b.DeclareVarMeta("LATCHED", uint32(value.TypeBool), latchedRef, true, &initConst)
	b.DeclareRetainInit(latchedRef, initConst)

	pou := b.NewPou("MAIN", bytecode.PouProgram)
	constIdx := b.ConstInt(value.TypeInt, 42)
	pou.PushConst(constIdx)
	pou.StoreLocal(counterRef)
	pou.Return()
	pouID := pou.Finish()

	fileIdx := b.DebugString("main.st")
	b.DeclareDebugEntry(pouID, 0, fileIdx, 1, 1, 0)

	task := bytecode.TaskEntry{
		NameIdx:        b.String("SCAN"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("MAIN")},
	}
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{task}})

	mod, err := b.Build()
	require.NoError(t, err)
	return mod
}

// TestEncodeDecodeIdentity checks that encode -> decode -> encode converges:
// a decoded module, re-encoded, produces byte-identical output to the
// original encoding (R1), decoding the same bytes twice agrees (R3), and the
// decoded module passes Validate's cross-reference closure (R4).
func TestEncodeDecodeIdentity(t *testing.T) {
	mod := buildSampleModule(t)

	b1, err := mod.Encode()
	require.NoError(t, err)

	decoded, err := bytecode.Decode(b1)
	require.NoError(t, err)
	require.NoError(t, decoded.Validate())

	b2, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, b1, b2, "re-encoding a decoded module must reproduce the same bytes")

	decodedAgain, err := bytecode.Decode(b1)
	require.NoError(t, err)
	b3, err := decodedAgain.Encode()
	require.NoError(t, err)
	require.Equal(t, b1, b3, "decoding the same bytes twice must agree")
}

// TestOptionalSectionsSurviveRoundTrip guards the builder's section-presence
// flags: VAR_META, RETAIN_INIT and DEBUG_MAP must all still report present
// after a decode, matching what Build declared.
func TestOptionalSectionsSurviveRoundTrip(t *testing.T) {
	mod := buildSampleModule(t)
	require.True(t, mod.HasVarMeta())
	require.True(t, mod.HasRetainInit())
	require.True(t, mod.HasDebugMap())

	encoded, err := mod.Encode()
	require.NoError(t, err)
	decoded, err := bytecode.Decode(encoded)
	require.NoError(t, err)

	require.True(t, decoded.HasVarMeta())
	require.True(t, decoded.HasRetainInit())
	require.True(t, decoded.HasDebugMap())
	require.Len(t, decoded.VarMeta, 2)
	require.Len(t, decoded.RetainInit, 1)
	require.Len(t, decoded.DebugMap, 1)
}

// TestModuleWithNoOptionalSections is the regression case for the builder's
// MarkOptionalSections wiring: a module that never calls any Declare*/
// DebugString method must decode back with the VAR_META, RETAIN_INIT and
// DEBUG_MAP flags false, not merely with the underlying slices empty.
func TestModuleWithNoOptionalSections(t *testing.T) {
	b := compiler.New()
	pou := b.NewPou("EMPTY", bytecode.PouProgram)
	pou.Return()
	pou.Finish()
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	mod, err := b.Build()
	require.NoError(t, err)
	require.False(t, mod.HasVarMeta())
	require.False(t, mod.HasRetainInit())
	require.False(t, mod.HasDebugMap())

	encoded, err := mod.Encode()
	require.NoError(t, err)
	decoded, err := bytecode.Decode(encoded)
	require.NoError(t, err)
	require.False(t, decoded.HasVarMeta())
	require.False(t, decoded.HasRetainInit())
	require.False(t, decoded.HasDebugMap())
}

// TestDecodeRejectsChecksumMismatch exercises the file-corruption path: a
// single flipped payload byte must be caught by the CRC-32 check before any
// section is trusted.
func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	mod := buildSampleModule(t)
	encoded, err := mod.Encode()
	require.NoError(t, err)

	corrupt := append([]byte(nil), encoded...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err = bytecode.Decode(corrupt)
	require.Error(t, err)
}

// TestDecodeRejectsBadMagic checks the earliest-possible rejection point.
func TestDecodeRejectsBadMagic(t *testing.T) {
	mod := buildSampleModule(t)
	encoded, err := mod.Encode()
	require.NoError(t, err)
	corrupt := append([]byte(nil), encoded...)
	corrupt[0] = 'X'

	_, err = bytecode.Decode(corrupt)
	require.ErrorIs(t, err, bytecode.ErrInvalidMagic)
}
