// Package debug implements the debug control block (spec §3.6, §4.4, C6):
// the pause/step/continue state machine, breakpoint and logpoint
// evaluation, watch expressions, pending-write queues, and snapshot
// capture a remote debug adapter drives a running resource through.
// Nothing in this package parses Structured Text; breakpoint conditions,
// log-message interpolation, and watch expressions are all supplied as
// opaque Eval closures by whatever compiled the module, exactly as ST
// lexing/parsing itself is out of scope for the core (spec's Non-goals).
package debug

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// Mode is the control block's current run state (spec §4.4 state machine).
type Mode uint8

const (
	ModeRunning Mode = iota
	ModePausing
	ModePaused
	ModeSteppingInto
	ModeSteppingOver
	ModeSteppingOut
)

func (m Mode) String() string {
	switch m {
	case ModeRunning:
		return "Running"
	case ModePausing:
		return "Pausing"
	case ModePaused:
		return "Paused"
	case ModeSteppingInto:
		return "SteppingInto"
	case ModeSteppingOver:
		return "SteppingOver"
	case ModeSteppingOut:
		return "SteppingOut"
	default:
		return "Unknown"
	}
}

// StopReason names why the control block transitioned to Paused.
type StopReason uint8

const (
	StopBreakpoint StopReason = iota
	StopStep
	StopPause
	StopEntry
	StopException
)

func (r StopReason) String() string {
	switch r {
	case StopBreakpoint:
		return "Breakpoint"
	case StopStep:
		return "Step"
	case StopPause:
		return "Pause"
	case StopEntry:
		return "Entry"
	case StopException:
		return "Exception"
	default:
		return "Unknown"
	}
}

// StopEvent is emitted on the stop channel when the engine blocks at a
// paused statement boundary (spec §3.6: "a stop_sender channel for stop
// events").
type StopEvent struct {
	Reason               StopReason
	BreakpointGeneration uint64
	HasGeneration        bool
	ThreadID             uint64
}

// InvalidatedEvent tells a client which areas changed so it can re-fetch
// variables (spec §4.4: "clients are notified via an invalidated event").
type InvalidatedEvent struct {
	Areas         []string
	ThreadID      *uint64
	StackFrameID  *uint64
}

// Thread names one of this resource's logical threads of execution: the
// background thread, or one configured task by name (spec §4.3 step 7:
// "set the current thread id").
type Thread struct {
	ID   uint64
	Name string
}

// Control owns one resource's debug state: mode, breakpoint tables,
// pending write queues, forced overrides, watch expressions, and the most
// recent paused snapshot (spec §3.6).
type Control struct {
	mu sync.Mutex

	Log *logrus.Entry

	Storage *storage.Storage
	Module  *bytecode.Module

	mode       Mode
	stepDepth  int
	attach     bool
	pauseCond  *sync.Cond

	breakpoints map[uint32][]*Breakpoint
	generation  map[uint32]uint64

	pendingIO     []PendingIoWrite
	pendingLvalue []PendingLvalueWrite
	pendingVar    []PendingVarWrite

	forcedIO   map[forcedIOKey]forcedIOValue
	forcedVars map[string]value.Value

	watches      []*Watch
	nextWatchID  uint64

	lastSnapshot *Snapshot

	currentThread Thread
	depth         int

	logLines []string

	stopCh chan StopEvent
	invCh  chan InvalidatedEvent

	hitCounter uint64
}

// SetThread sets the thread id/name the next stop event is reported
// against (spec §4.3 step 7: tasks and the background program each run as
// a distinct named thread).
func (c *Control) SetThread(t Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentThread = t
}

// New builds a Control block bound to st/mod, starting Running with empty
// breakpoint tables and no forced overrides.
func New(st *storage.Storage, mod *bytecode.Module) *Control {
	c := &Control{
		Log:         logrus.NewEntry(logrus.StandardLogger()),
		Storage:     st,
		Module:      mod,
		mode:        ModeRunning,
		breakpoints: map[uint32][]*Breakpoint{},
		generation:  map[uint32]uint64{},
		forcedIO:    map[forcedIOKey]forcedIOValue{},
		forcedVars:  map[string]value.Value{},
		stopCh:      make(chan StopEvent, 16),
		invCh:       make(chan InvalidatedEvent, 16),
	}
	c.pauseCond = sync.NewCond(&c.mu)
	return c
}

// Stops returns the channel stop events are published on.
func (c *Control) Stops() <-chan StopEvent { return c.stopCh }

// Invalidated returns the channel invalidated-areas events are published
// on.
func (c *Control) Invalidated() <-chan InvalidatedEvent { return c.invCh }

// Mode reports the current run state.
func (c *Control) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetAttach toggles attach mode, where setVariable/setExpression verbs
// are rejected but reads still work (spec §4.4: "attach mode").
func (c *Control) SetAttach(attach bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attach = attach
}

// Pause requests a stop at the next statement boundary.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeRunning {
		c.mode = ModePausing
	}
}

// Continue leaves Paused, waking any thread blocked in StatementHit.
func (c *Control) Continue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeRunning
	c.pauseCond.Broadcast()
}

// StepInto arms SteppingInto: the next statement at any depth stops.
func (c *Control) StepInto() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeSteppingInto
	c.pauseCond.Broadcast()
}

// StepOver arms SteppingOver(depth): the next statement at depth <= the
// current frame depth stops.
func (c *Control) StepOver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepDepth = c.depth
	c.mode = ModeSteppingOver
	c.pauseCond.Broadcast()
}

// StepOut arms SteppingOut(depth): the next statement at depth < the
// current frame depth stops.
func (c *Control) StepOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepDepth = c.depth
	c.mode = ModeSteppingOut
	c.pauseCond.Broadcast()
}

// CallEntered implements eval.DebugHook.
func (c *Control) CallEntered(pouID uint32, depth int) {
	c.mu.Lock()
	c.depth = depth
	c.mu.Unlock()
}

// CallReturned implements eval.DebugHook.
func (c *Control) CallReturned(pouID uint32, depth int) {
	c.mu.Lock()
	c.depth = depth
	c.mu.Unlock()
}

// StatementHit implements eval.DebugHook: it is called once per executed
// statement with that statement's location (spec §4.2, §4.4).
func (c *Control) StatementHit(pouID uint32, codeOffset uint32, depth int) error {
	c.mu.Lock()
	c.depth = depth

	entry, fileID, hasEntry := c.lookupDebugEntry(pouID, codeOffset)

	var matched *Breakpoint
	if hasEntry {
		matched = c.matchBreakpoint(fileID, entry)
	}
	if matched != nil && matched.LogMessage != nil && !matched.Stopping {
		c.mu.Unlock()
		c.appendLog(matched, depth)
		return nil
	}

	stop, reason := c.shouldStop(matched, depth)
	if !stop {
		c.mu.Unlock()
		return nil
	}

	c.mode = ModePaused
	snap := c.captureSnapshot(fileID, entry, depth)
	c.lastSnapshot = snap
	c.recomputeWatches()

	ev := StopEvent{Reason: reason, ThreadID: c.currentThread.ID}
	if matched != nil {
		ev.BreakpointGeneration = matched.Generation
		ev.HasGeneration = true
	}
	c.mu.Unlock()

	select {
	case c.stopCh <- ev:
	default:
	}

	c.mu.Lock()
	for c.mode == ModePaused {
		c.pauseCond.Wait()
	}
	c.mu.Unlock()
	return nil
}

// shouldStop decides whether this statement boundary should pause,
// independent of any breakpoint match: an armed step that has reached its
// target depth, or an explicit Pause request, also stop (spec §4.4).
func (c *Control) shouldStop(matched *Breakpoint, depth int) (bool, StopReason) {
	if matched != nil {
		return true, StopBreakpoint
	}
	switch c.mode {
	case ModePausing:
		return true, StopPause
	case ModeSteppingInto:
		return true, StopStep
	case ModeSteppingOver:
		if depth <= c.stepDepth {
			return true, StopStep
		}
	case ModeSteppingOut:
		if depth < c.stepDepth {
			return true, StopStep
		}
	}
	return false, 0
}

func (c *Control) lookupDebugEntry(pouID, codeOffset uint32) (bytecode.DebugEntry, uint32, bool) {
	if !c.Module.HasDebugMap() {
		return bytecode.DebugEntry{}, 0, false
	}
	for _, e := range c.Module.DebugMap {
		if e.PouID == pouID && e.CodeOffset == codeOffset {
			return e, e.FileIdx, true
		}
	}
	return bytecode.DebugEntry{}, 0, false
}
