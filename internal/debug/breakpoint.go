package debug

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/value"
)

// ConditionFunc evaluates a breakpoint condition or a watch/log-message
// expression against whatever live evaluation state the caller closed
// over (typically the paused frame/instance), since ST expression parsing
// is out of this engine's scope — the compiler front end that produced
// the module is the only thing that can hand the control block a
// closure, not a parsed AST.
type ConditionFunc func() (value.Value, error)

// HitKind names how hit_condition compares the running hit count.
type HitKind uint8

const (
	HitEqual HitKind = iota
	HitGreaterEqual
	HitModulo
)

// HitPredicate decides whether a breakpoint's accumulated hit count makes
// it "armed" this time (spec §3.6: "hit_condition (==, >=, ≡0(mod n))").
type HitPredicate struct {
	Kind HitKind
	N    uint64
}

func (p HitPredicate) match(hits uint64) bool {
	switch p.Kind {
	case HitEqual:
		return hits == p.N
	case HitGreaterEqual:
		return hits >= p.N
	case HitModulo:
		return p.N > 0 && hits%p.N == 0
	default:
		return false
	}
}

// LogPart is one piece of a logpoint's rendered message: literal text, or
// an expression to interpolate (spec §3.6: "log_message?: [Text|Expr]").
type LogPart struct {
	Text string
	Expr ConditionFunc
	IsExpr bool
}

// BreakpointSpec is one requested breakpoint, as a client submits it
// (spec §6.4 setBreakpoints).
type BreakpointSpec struct {
	Line         uint32
	Col          uint32
	Condition    ConditionFunc
	HitCondition *HitPredicate
	LogMessage   []LogPart
}

// Breakpoint is one resolved, armed breakpoint (spec §3.6). Source byte
// ranges collapse to (file, line) granularity here: DEBUG_MAP rows record
// a statement's line/column, not a byte start/end pair, so resolution
// keys on the nearest statement line rather than a byte-offset span.
type Breakpoint struct {
	FileID       uint32
	Line         uint32
	Col          uint32
	Condition    ConditionFunc
	HitCondition *HitPredicate
	LogMessage   []LogPart
	Stopping     bool

	Hits       uint64
	Generation uint64

	erroredGen map[uint64]bool
}

// SetBreakpoints replaces every breakpoint for fileID and bumps its
// generation, resolving each spec's (line,col) against the module's
// DEBUG_MAP the same way resolve_breakpoint_location does: the innermost
// statement at or after the requested line, ties broken by the later one
// (spec §4.4).
func (c *Control) SetBreakpoints(fileID uint32, specs []BreakpointSpec) []*Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Breakpoint, 0, len(specs))
	gen := c.generation[fileID] + 1
	c.generation[fileID] = gen
	for _, spec := range specs {
		line := c.resolveBreakpointLine(fileID, spec.Line)
		bp := &Breakpoint{
			FileID:       fileID,
			Line:         line,
			Col:          spec.Col,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
			LogMessage:   spec.LogMessage,
			Stopping:     spec.LogMessage == nil,
			Generation:   gen,
			erroredGen:   map[uint64]bool{},
		}
		out = append(out, bp)
	}
	c.breakpoints[fileID] = out
	return out
}

// resolveBreakpointLine picks the smallest DEBUG_MAP line in fileID that
// is >= requested, falling back to requested itself if no statement
// starts at or after it (the file ends before the requested line).
func (c *Control) resolveBreakpointLine(fileID, requested uint32) uint32 {
	best := uint32(0)
	found := false
	for _, e := range c.Module.DebugMap {
		if e.FileIdx != fileID || e.Line < requested {
			continue
		}
		if !found || e.Line < best {
			best = e.Line
			found = true
		}
	}
	if !found {
		return requested
	}
	return best
}

// matchBreakpoint evaluates every breakpoint armed for fileID against
// entry, returning the first one whose condition and hit_condition both
// pass. A breakpoint with only a log_message is handled by the caller
// (StatementHit) as a non-stopping logpoint instead of being returned
// here to pause (spec §4.4 steps 1-2).
func (c *Control) matchBreakpoint(fileID uint32, entry bytecode.DebugEntry) *Breakpoint {
	for _, bp := range c.breakpoints[fileID] {
		if bp.Line != entry.Line {
			continue
		}
		bp.Hits++
		if bp.HitCondition != nil && !bp.HitCondition.match(bp.Hits) {
			continue
		}
		if bp.Condition != nil {
			v, err := bp.Condition()
			if err != nil {
				if !bp.erroredGen[bp.Generation] {
					bp.erroredGen[bp.Generation] = true
					c.Log.WithError(err).Warn("breakpoint condition errored, treating as no-match")
				}
				continue
			}
			if v.Kind != value.KindBool || !v.Bool {
				continue
			}
		}
		return bp
	}
	return nil
}

// appendLog renders a matched logpoint's message and appends it to the
// bounded log ring (spec §4.4 step 2).
func (c *Control) appendLog(bp *Breakpoint, depth int) {
	msg := ""
	for _, part := range bp.LogMessage {
		if !part.IsExpr {
			msg += part.Text
			continue
		}
		v, err := part.Expr()
		if err != nil {
			msg += "<error>"
			continue
		}
		msg += v.String()
	}
	c.appendLogLine(msg)
}
