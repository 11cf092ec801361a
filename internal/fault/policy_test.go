package fault_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/fault"
)

func TestNewPolicyDefaults(t *testing.T) {
	p := fault.NewPolicy()
	require.False(t, p.Faulted())

	assert.Equal(t, fault.DecisionContinue, p.Decide(fault.New(fault.DivisionByZero, "x/0")))
	assert.False(t, p.Faulted(), "a Continue decision must never latch the fault")

	assert.Equal(t, fault.DecisionHaltResource, p.Decide(fault.New(fault.DeadlineExceeded, "watchdog")))
	assert.True(t, p.Faulted(), "DeadlineExceeded defaults to HaltResource, which latches")
}

// TestFaultLatchesUntilReset is R12: once HaltResource has been chosen, the
// latch stays set across further Decide calls (even ones that would
// individually resolve to Continue) until Reset is called explicitly.
func TestFaultLatchesUntilReset(t *testing.T) {
	p := fault.NewPolicy()
	p.Decide(fault.New(fault.DeadlineExceeded, "watchdog"))
	require.True(t, p.Faulted())

	p.Decide(fault.New(fault.DivisionByZero, "x/0"))
	assert.True(t, p.Faulted(), "latch persists across subsequent non-HaltResource decisions")

	p.Reset()
	assert.False(t, p.Faulted())
}

func TestPolicyReactionOverrides(t *testing.T) {
	p := &fault.Policy{
		Reactions: map[fault.Kind]fault.Decision{
			fault.DivisionByZero: fault.DecisionHaltTask,
			fault.Overflow:       fault.DecisionSafeOutputs,
		},
		Default: fault.DecisionContinue,
	}

	assert.Equal(t, fault.DecisionHaltTask, p.Decide(fault.New(fault.DivisionByZero, "x/0")))
	assert.Equal(t, fault.DecisionSafeOutputs, p.Decide(fault.New(fault.Overflow, "overflow")))
	assert.Equal(t, fault.DecisionContinue, p.Decide(fault.New(fault.ModuloByZero, "x%0")), "kinds with no override fall back to Default")
	assert.False(t, p.Faulted(), "neither HaltTask nor SafeOutputs latches the fault")
}

// TestPolicyTreatsNonFaultErrorsAsTypeMismatch exercises kindOf's fallback
// for an error that is not a *fault.Error.
func TestPolicyTreatsNonFaultErrorsAsTypeMismatch(t *testing.T) {
	p := &fault.Policy{
		Reactions: map[fault.Kind]fault.Decision{fault.TypeMismatch: fault.DecisionHaltTask},
		Default:   fault.DecisionContinue,
	}
	assert.Equal(t, fault.DecisionHaltTask, p.Decide(errors.New("boom")))
}

func TestIsMatchesKind(t *testing.T) {
	err := fault.ArgCountMismatch(2, 1)
	assert.True(t, fault.Is(err, fault.InvalidArgumentCount))
	assert.False(t, fault.Is(err, fault.DivisionByZero))
	assert.False(t, fault.Is(errors.New("plain"), fault.InvalidArgumentCount))
}
