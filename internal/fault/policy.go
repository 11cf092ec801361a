package fault

// Decision is the scheduler's reaction to a cycle error (spec §4.6).
type Decision uint8

const (
	DecisionContinue Decision = iota
	DecisionHaltTask
	DecisionHaltResource
	DecisionSafeOutputs
)

// Policy maps runtime errors to a Decision and latches a faulted flag once
// HaltResource is chosen (spec §4.6, §8 R12: "once a cycle returns
// HaltResource, every subsequent execute_cycle returns ResourceFaulted
// until explicitly reset").
type Policy struct {
	// Reactions overrides the decision for specific error kinds; kinds not
	// present fall back to Default.
	Reactions map[Kind]Decision
	Default   Decision

	faulted bool
}

// NewPolicy returns a Policy defaulting every kind to Continue, with
// DeadlineExceeded mapped to HaltResource (a watchdog breach is always
// serious) unless overridden.
func NewPolicy() *Policy {
	return &Policy{
		Reactions: map[Kind]Decision{
			DeadlineExceeded: DecisionHaltResource,
		},
		Default: DecisionContinue,
	}
}

// Decide returns the configured Decision for err's kind and, if it is
// HaltResource, latches the faulted flag.
func (p *Policy) Decide(err error) Decision {
	k := kindOf(err)
	d, ok := p.Reactions[k]
	if !ok {
		d = p.Default
	}
	if d == DecisionHaltResource {
		p.faulted = true
	}
	return d
}

func kindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return TypeMismatch
}

// Faulted reports whether the resource is latched in a faulted state.
func (p *Policy) Faulted() bool { return p.faulted }

// Reset clears the latched fault (explicit operator action; spec §8 R12
// says the latch holds "until explicitly reset").
func (p *Policy) Reset() { p.faulted = false }
