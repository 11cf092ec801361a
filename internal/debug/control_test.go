package debug_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/debug"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

func buildDebugModule(t *testing.T) *bytecode.Module {
	t.Helper()
	b := compiler.New()
	pou := b.NewPou("MAIN", bytecode.PouProgram)
	pou.Nop()
	pou.Return()
	pouID := pou.Finish()

	fileIdx := b.DebugString("main.st")
	b.DeclareDebugEntry(pouID, 0, fileIdx, 5, 1, 0)
	b.DeclareDebugEntry(pouID, 1, fileIdx, 10, 1, 0)
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES")})

	mod, err := b.Build()
	require.NoError(t, err)
	return mod
}

func TestModeTransitions(t *testing.T) {
	ctl := debug.New(storage.New(0, 0, 0), buildDebugModule(t))
	assert.Equal(t, debug.ModeRunning, ctl.Mode())

	ctl.Pause()
	assert.Equal(t, debug.ModePausing, ctl.Mode())

	ctl.Continue()
	assert.Equal(t, debug.ModeRunning, ctl.Mode())

	ctl.StepInto()
	assert.Equal(t, debug.ModeSteppingInto, ctl.Mode())

	ctl.StepOver()
	assert.Equal(t, debug.ModeSteppingOver, ctl.Mode())

	ctl.StepOut()
	assert.Equal(t, debug.ModeSteppingOut, ctl.Mode())
}

// TestSetBreakpointsResolvesNearestLine confirms a requested line with no
// statement of its own resolves to the next statement line at or after it
// (spec §4.4 breakpoint resolution).
func TestSetBreakpointsResolvesNearestLine(t *testing.T) {
	ctl := debug.New(storage.New(0, 0, 0), buildDebugModule(t))
	bps := ctl.SetBreakpoints(0, []debug.BreakpointSpec{{Line: 7}})
	require.Len(t, bps, 1)
	assert.Equal(t, uint32(10), bps[0].Line)
	assert.Equal(t, uint64(1), bps[0].Generation)

	bps2 := ctl.SetBreakpoints(0, []debug.BreakpointSpec{{Line: 5}})
	require.Len(t, bps2, 1)
	assert.Equal(t, uint32(5), bps2[0].Line)
	assert.Equal(t, uint64(2), bps2[0].Generation, "a second SetBreakpoints call bumps the generation")
}

func TestDrainPendingWritesAppliesGlobalAndRetain(t *testing.T) {
	st := storage.New(0, 0, 0)
	ctl := debug.New(st, buildDebugModule(t))

	require.NoError(t, ctl.SetVariable("COUNTER", false, value.NewInt(value.KindInt, 7)))
	require.NoError(t, ctl.SetVariable("LATCHED", true, value.NewBool(true)))

	require.NoError(t, ctl.DrainPendingWrites(st))

	g, ok := st.GetGlobal("COUNTER")
	require.True(t, ok)
	assert.Equal(t, int64(7), g.Int)

	r, ok := st.GetRetain("LATCHED")
	require.True(t, ok)
	assert.True(t, r.Bool)
}

func TestSetVariableRejectedWhileAttached(t *testing.T) {
	st := storage.New(0, 0, 0)
	ctl := debug.New(st, buildDebugModule(t))
	ctl.SetAttach(true)

	err := ctl.SetVariable("COUNTER", false, value.NewInt(value.KindInt, 1))
	assert.ErrorIs(t, err, debug.ErrAttached)
}

func TestForceIOReappliedAfterInputsRead(t *testing.T) {
	st := storage.New(2, 0, 0)
	ctl := debug.New(st, buildDebugModule(t))

	addr := storage.Address{Area: storage.AreaInput, Byte: 0}
	ctl.ForceIO(addr, value.KindByte, 1, value.NewUint(value.KindByte, 42))

	require.NoError(t, ctl.AfterInputsRead(st))
	v, err := st.IO().ReadTyped(addr, value.KindByte, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v.UInt)

	// simulate a task overwriting the forced cell mid-cycle
	require.NoError(t, st.IO().WriteTyped(addr, value.NewUint(value.KindByte, 0), 1))
	require.NoError(t, ctl.BeforeOutputsWrite(st))
	v, err = st.IO().ReadTyped(addr, value.KindByte, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v.UInt, "BeforeOutputsWrite must reapply the forced value")

	ctl.UnforceIO(addr)
	require.NoError(t, st.IO().WriteTyped(addr, value.NewUint(value.KindByte, 9), 1))
	require.NoError(t, ctl.BeforeOutputsWrite(st))
	v, err = st.IO().ReadTyped(addr, value.KindByte, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v.UInt, "after UnforceIO the cell is no longer pinned")
}

// TestStepOverStopsAtFirstStatementAtOrAboveDepth is R10: after StepOver at
// depth d, the runtime next pauses at the first subsequent statement with
// depth <= d, skipping over deeper statements (a called sub-POU's body).
func TestStepOverStopsAtFirstStatementAtOrAboveDepth(t *testing.T) {
	mod := buildDebugModule(t)
	ctl := debug.New(storage.New(0, 0, 0), mod)

	// Establish the current statement's depth before arming the step, as
	// StepOver captures c.depth at call time.
	require.NoError(t, ctl.StatementHit(0, 1, 1))
	ctl.StepOver()

	// The called sub-POU's statements run one level deeper and must not
	// stop the step.
	require.NoError(t, ctl.StatementHit(0, 1, 2))

	done := make(chan error, 1)
	go func() {
		done <- ctl.StatementHit(0, 1, 1)
	}()

	select {
	case ev := <-ctl.Stops():
		assert.Equal(t, debug.StopStep, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for step-over stop at depth 1")
	}
	ctl.Continue()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StatementHit to resume")
	}
}

// TestStatementHitStopsOnBreakpointAndResumes drives the blocking half of
// the state machine: a statement hit matching an armed breakpoint publishes
// a stop event and blocks until Continue is called.
func TestStatementHitStopsOnBreakpointAndResumes(t *testing.T) {
	mod := buildDebugModule(t)
	ctl := debug.New(storage.New(0, 0, 0), mod)
	ctl.SetBreakpoints(0, []debug.BreakpointSpec{{Line: 5}})

	done := make(chan error, 1)
	go func() {
		done <- ctl.StatementHit(0, 0, 0)
	}()

	select {
	case ev := <-ctl.Stops():
		assert.Equal(t, debug.StopBreakpoint, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop event")
	}

	assert.Equal(t, debug.ModePaused, ctl.Mode())
	ctl.Continue()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StatementHit to resume")
	}
}

// TestConditionalBreakpointStopsOnHitCondition drives a loop incrementing x
// from 1 to 5 past a breakpoint guarded by condition=x>0 and
// hit_condition===3: the runtime must stop exactly once, on the third hit.
func TestConditionalBreakpointStopsOnHitCondition(t *testing.T) {
	mod := buildDebugModule(t)
	ctl := debug.New(storage.New(0, 0, 0), mod)

	x := 0
	ctl.SetBreakpoints(0, []debug.BreakpointSpec{{
		Line:         5,
		Condition:    func() (value.Value, error) { return value.NewBool(x > 0), nil },
		HitCondition: &debug.HitPredicate{Kind: debug.HitEqual, N: 3},
	}})

	var stops int
	for i := 1; i <= 5; i++ {
		x = i
		if i != 3 {
			require.NoError(t, ctl.StatementHit(0, 0, 0), "iteration %d must not block", i)
			continue
		}

		done := make(chan error, 1)
		go func() { done <- ctl.StatementHit(0, 0, 0) }()
		select {
		case <-ctl.Stops():
			stops++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the third-hit stop")
		}
		ctl.Continue()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for StatementHit to resume")
		}
	}

	assert.Equal(t, 1, stops, "the breakpoint must stop exactly once, at the third hit")
}

// TestPausedWatchInvalidatesOnVariableChange is the setExpression/invalidated
// round trip: a watch registered on a global is re-evaluated at every
// pause, and a queued SetVariable write applied between two pauses must be
// observed as changed, publishing an InvalidatedEvent.
func TestPausedWatchInvalidatesOnVariableChange(t *testing.T) {
	st := storage.New(0, 0, 0)
	st.SetGlobal("Y", value.NewInt(value.KindInt, 0))
	mod := buildDebugModule(t)
	ctl := debug.New(st, mod)
	ctl.SetBreakpoints(0, []debug.BreakpointSpec{{Line: 5}})
	ctl.AddWatch(func() (value.Value, error) {
		v, _ := st.GetGlobal("Y")
		return v, nil
	})

	triggerStop := func() {
		done := make(chan error, 1)
		go func() { done <- ctl.StatementHit(0, 0, 0) }()
		select {
		case <-ctl.Stops():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stop event")
		}
	}

	// First pause: the watch has no prior value, so it is reported changed
	// and the invalidated event fires immediately.
	triggerStop()
	select {
	case <-ctl.Invalidated():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the initial invalidated event")
	}

	require.NoError(t, ctl.SetVariable("Y", false, value.NewInt(value.KindInt, 42)))
	require.NoError(t, ctl.DrainPendingWrites(st))
	ctl.Continue()

	g, ok := st.GetGlobal("Y")
	require.True(t, ok)
	assert.Equal(t, int64(42), g.Int, "the live runtime must observe the queued write")

	// Second pause: the watch now sees 42 instead of 0, so it is flagged
	// changed again and a fresh invalidated event is published.
	triggerStop()
	select {
	case ev := <-ctl.Invalidated():
		assert.Equal(t, []string{"watches"}, ev.Areas)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the second invalidated event")
	}
	ctl.Continue()
}
