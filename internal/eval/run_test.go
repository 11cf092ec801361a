package eval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/eval"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// hookSpy records every StatementHit/CallEntered/CallReturned invocation.
type hookSpy struct {
	hits  []uint32
	depth []int
}

func (h *hookSpy) StatementHit(pouID, codeOffset uint32, depth int) error {
	h.hits = append(h.hits, codeOffset)
	h.depth = append(h.depth, depth)
	return nil
}
func (h *hookSpy) CallEntered(pouID uint32, depth int)  {}
func (h *hookSpy) CallReturned(pouID uint32, depth int) {}

// TestStatementHitFiresExactlyOncePerStatement is R9: executing a statement
// invokes the debug hook exactly once with its source location.
func TestStatementHitFiresExactlyOncePerStatement(t *testing.T) {
	b := compiler.New()
	pou := b.NewPou("MAIN", bytecode.PouProgram)
	pou.DebugMarker(0)
	pou.Nop()
	pou.DebugMarker(0)
	pou.Nop()
	pou.DebugMarker(0)
	pou.Return()
	pou.Finish()
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	mod, err := b.Build()
	require.NoError(t, err)

	st := storage.New(0, 0, 0)
	types := value.NewRegistry()
	ctx := eval.NewContext(st, mod, types, fault.NewPolicy())
	spy := &hookSpy{}
	ctx.Debug = spy

	require.NoError(t, ctx.RunProgram("MAIN"))
	assert.Len(t, spy.hits, 3, "three DebugMarker statements must each fire the hook exactly once")
}

func TestRunProgramRejectsNonProgramPou(t *testing.T) {
	b := compiler.New()
	fb := b.NewPou("FB1", bytecode.PouFunctionBlock)
	fb.Return()
	fb.Finish()
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	mod, err := b.Build()
	require.NoError(t, err)

	st := storage.New(0, 0, 0)
	types := value.NewRegistry()
	ctx := eval.NewContext(st, mod, types, fault.NewPolicy())

	err = ctx.RunProgram("FB1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.TypeMismatch))
}
