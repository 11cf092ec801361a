// Package scheduler drives one resource's scan cycle (spec §4.3, C7):
// fault-gating, debug write/force draining, driver I/O, task ready
// collection, fixed-priority execution, background programs, and
// retain-persistence gating, once per execute_cycle call.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/eval"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/retain"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// IoDriver is the field-I/O capability contract execute_cycle drives: fill
// the input area before the scan, drain the output area after it (spec
// §4.7/§6.3). Parsing and transport framing are the driver's own concern;
// the engine only calls these three verbs.
type IoDriver interface {
	Name() string
	Validate() error
	ReadInputs(img *storage.IOImage) error
	WriteOutputs(img *storage.IOImage) error
}

// DebugController is the subset of the debug control block (C6)
// execute_cycle consults every scan: applying queued writes and forced
// values around driver I/O, plus the eval.DebugHook contract task
// execution reports statement/call boundaries through.
type DebugController interface {
	eval.DebugHook
	DrainPendingWrites(st *storage.Storage) error
	AfterInputsRead(st *storage.Storage) error
	BeforeOutputsWrite(st *storage.Storage) error
}

// EventKind names one point in the cycle lifecycle a Sink can observe.
type EventKind uint8

const (
	CycleStart EventKind = iota
	CycleEnd
	TaskStart
	TaskEnd
	TaskOverrun
)

func (k EventKind) String() string {
	switch k {
	case CycleStart:
		return "CycleStart"
	case CycleEnd:
		return "CycleEnd"
	case TaskStart:
		return "TaskStart"
	case TaskEnd:
		return "TaskEnd"
	case TaskOverrun:
		return "TaskOverrun"
	default:
		return "Unknown"
	}
}

// Event is one lifecycle notification, published to an optional Sink.
type Event struct {
	Kind      EventKind
	Resource  string
	Task      string
	Cycle     uint64
	At        time.Duration
	OverrunBy time.Duration
	Err       error
}

// EventSink receives cycle lifecycle events; the debug control block
// implements this to surface them to an attached client (spec §4.4).
type EventSink interface {
	Event(Event)
}

// taskState is the scheduler's private bookkeeping for one configured
// task: when it last ran and whether its SINGLE trigger edge has fired.
type taskState struct {
	entry      bytecode.TaskEntry
	index      int
	lastDue    time.Duration
	hasRun     bool
	prevSingle bool
}

// readyTask is one task selected to run this cycle, carrying the
// ordering key and overrun count execute_cycle needs (spec §4.3:
// "(priority, due_at_nanos, index)").
type readyTask struct {
	state     *taskState
	dueAt     time.Duration
	overrunBy time.Duration
}

// Engine runs one resource's scan cycle against shared storage, a decoded
// module, and the evaluator built over them.
type Engine struct {
	Log      *logrus.Entry
	Eval     *eval.Context
	Storage  *storage.Storage
	Module   *bytecode.Module
	Resource bytecode.ResourceEntry
	Fault    *fault.Policy
	Retain   *retain.Manager
	Drivers  []IoDriver
	Debug    DebugController
	Sink     EventSink

	tasks              []*taskState
	backgroundPrograms []string
	cycle              uint64
}

// New builds an Engine for resource, indexing its task list and the set
// of Program POUs no task references directly (spec §4.3: "programs never
// named by a task run once per cycle, after every task, in declaration
// order").
func New(ev *eval.Context, st *storage.Storage, mod *bytecode.Module, resource bytecode.ResourceEntry, fp *fault.Policy, rm *retain.Manager) *Engine {
	e := &Engine{
		Log:      logrus.NewEntry(logrus.StandardLogger()),
		Eval:     ev,
		Storage:  st,
		Module:   mod,
		Resource: resource,
		Fault:    fp,
		Retain:   rm,
	}
	for i := range resource.Tasks {
		e.tasks = append(e.tasks, &taskState{entry: resource.Tasks[i], index: i})
	}
	e.backgroundPrograms = e.findBackgroundPrograms()
	return e
}

// SetDebug attaches the debug control block, wiring it both as the
// engine's pending-write/forced-value source and as the evaluator's
// eval.DebugHook so statement/call boundaries reach it during task
// execution (spec §4.4).
func (e *Engine) SetDebug(dbg DebugController) {
	e.Debug = dbg
	e.Eval.Debug = dbg
}

func (e *Engine) findBackgroundPrograms() []string {
	referenced := map[string]bool{}
	for _, t := range e.Resource.Tasks {
		for _, nameIdx := range t.ProgramNameIdx {
			referenced[e.Module.Strings[nameIdx]] = true
		}
	}
	var out []string
	for _, p := range e.Module.Pous {
		if p.Kind != bytecode.PouProgram {
			continue
		}
		name := e.Module.Strings[p.NameIdx]
		if !referenced[name] {
			out = append(out, name)
		}
	}
	return out
}

// ExecuteCycle runs exactly one scan cycle at wall-clock offset now,
// returning a fault.Error of kind ResourceFaulted without doing any work
// if the resource is already latched faulted (spec §4.3 step 1, §8 R12).
func (e *Engine) ExecuteCycle(ctx context.Context, now time.Duration) error {
	if e.Fault.Faulted() {
		return fault.New(fault.ResourceFaulted, "resource %s is faulted", e.Module.Strings[e.Resource.NameIdx])
	}

	if e.Debug != nil {
		if err := e.Debug.DrainPendingWrites(e.Storage); err != nil {
			return e.haltOnError(err)
		}
	}

	e.emit(Event{Kind: CycleStart, Resource: e.resourceName(), Cycle: e.cycle, At: now})

	if err := e.readInputs(ctx); err != nil {
		return e.haltOnError(err)
	}
	if e.Debug != nil {
		if err := e.Debug.AfterInputsRead(e.Storage); err != nil {
			return e.haltOnError(err)
		}
	}

	e.Eval.Clock = now
	ready := e.collectReadyTasks(now)
	for _, rt := range ready {
		err, decision := e.executeTask(rt)
		if err == nil {
			continue
		}
		switch decision {
		case fault.DecisionHaltResource:
			return err
		case fault.DecisionSafeOutputs:
			e.writeSafeOutputs()
			e.emit(Event{Kind: CycleEnd, Resource: e.resourceName(), Cycle: e.cycle, At: now, Err: err})
			e.cycle++
			return err
		case fault.DecisionHaltTask, fault.DecisionContinue:
			// this task's remaining members were already skipped by
			// executeTask on HaltTask; either way the cycle continues on
			// to the next ready task.
		}
	}

	for _, name := range e.backgroundPrograms {
		if err := e.Eval.RunProgram(name); err != nil {
			decision := e.Fault.Decide(err)
			if decision == fault.DecisionHaltResource {
				return err
			}
			if decision == fault.DecisionSafeOutputs {
				e.writeSafeOutputs()
				e.emit(Event{Kind: CycleEnd, Resource: e.resourceName(), Cycle: e.cycle, At: now, Err: err})
				e.cycle++
				return err
			}
		}
	}

	if e.Debug != nil {
		if err := e.Debug.BeforeOutputsWrite(e.Storage); err != nil {
			return e.haltOnError(err)
		}
	}
	if err := e.writeOutputs(ctx); err != nil {
		return e.haltOnError(err)
	}

	e.persistRetain(now)

	e.emit(Event{Kind: CycleEnd, Resource: e.resourceName(), Cycle: e.cycle, At: now})
	e.cycle++
	return nil
}

func (e *Engine) haltOnError(err error) error {
	e.Fault.Decide(err)
	return err
}

func (e *Engine) resourceName() string { return e.Module.Strings[e.Resource.NameIdx] }

// readInputs fans driver reads out concurrently: each driver owns a
// disjoint slice of the shared I/O image (by address range), so they can
// run in parallel, the way a resource with both a Modbus segment and a
// memory-mapped segment would poll its transports (spec §4.7, §6.3).
func (e *Engine) readInputs(ctx context.Context) error {
	if len(e.Drivers) == 0 {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for _, d := range e.Drivers {
		d := d
		g.Go(func() error { return d.ReadInputs(e.Storage.IO()) })
	}
	return g.Wait()
}

func (e *Engine) writeOutputs(ctx context.Context) error {
	if len(e.Drivers) == 0 {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for _, d := range e.Drivers {
		d := d
		g.Go(func() error { return d.WriteOutputs(e.Storage.IO()) })
	}
	return g.Wait()
}

// writeSafeOutputs zeroes the output image so a SafeOutputs fault
// decision leaves field devices in a defined state (spec §4.6).
func (e *Engine) writeSafeOutputs() {
	buf := e.Storage.IO().Outputs()
	for i := range buf {
		buf[i] = 0
	}
	for _, d := range e.Drivers {
		_ = d.WriteOutputs(e.Storage.IO())
	}
}

// persistRetain bridges Storage's per-mutation dirty bit to the retain
// Manager's save-gating dirty bit, then saves if the Manager decides this
// cycle is due (spec §4.3 step 10, §8 R8).
func (e *Engine) persistRetain(now time.Duration) {
	if e.Storage.IsDirty() {
		e.Retain.MarkDirty()
		e.Storage.ClearDirty()
	}
	if !e.Retain.ShouldSave(now) {
		return
	}
	if err := e.Retain.SaveSnapshot(e.Storage.RetainSnapshot(), now); err != nil {
		e.Log.WithError(err).Warn("retain snapshot save failed")
	}
}

func (e *Engine) emit(ev Event) {
	if e.Sink != nil {
		e.Sink.Event(ev)
	}
}

// collectReadyTasks computes each task's due status (periodic interval
// elapsed, or SINGLE trigger rising edge) and overrun count, then returns
// the due subset ordered by (priority, due_at, index) (spec §4.3).
func (e *Engine) collectReadyTasks(now time.Duration) []readyTask {
	var ready []readyTask
	for _, ts := range e.tasks {
		due, dueAt, overrun := e.taskDue(ts, now)
		if !due {
			continue
		}
		ready = append(ready, readyTask{state: ts, dueAt: dueAt, overrunBy: overrun})
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.state.entry.Priority != b.state.entry.Priority {
			return a.state.entry.Priority < b.state.entry.Priority
		}
		if a.dueAt != b.dueAt {
			return a.dueAt < b.dueAt
		}
		return a.state.index < b.state.index
	})
	return ready
}

func (e *Engine) taskDue(ts *taskState, now time.Duration) (due bool, dueAt time.Duration, overrun time.Duration) {
	if ts.entry.SingleNameIdx != nil {
		name := e.Module.Strings[*ts.entry.SingleNameIdx]
		v, ok := e.Storage.GetGlobal(name)
		cur := ok && v.Kind == value.KindBool && v.Bool
		edge := cur && !ts.prevSingle
		ts.prevSingle = cur
		if !edge {
			return false, 0, 0
		}
		ts.lastDue = now
		ts.hasRun = true
		return true, now, 0
	}

	interval := time.Duration(ts.entry.IntervalNanos)
	if interval <= 0 {
		return false, 0, 0
	}
	if !ts.hasRun {
		ts.hasRun = true
		ts.lastDue = now
		return true, now, 0
	}
	elapsed := now - ts.lastDue
	if elapsed < interval {
		return false, 0, 0
	}
	periods := elapsed / interval
	dueAt = ts.lastDue + interval
	ts.lastDue = ts.lastDue + interval*periods
	if periods > 1 {
		overrun = elapsed - interval
	}
	return true, dueAt, overrun
}

// executeTask runs one due task's members: its named programs first, then
// its directly-referenced FB instances, in declaration order, stopping
// the remainder of this task (but not the cycle) on the first member that
// the fault policy resolves to HaltTask or worse (spec §4.3).
func (e *Engine) executeTask(rt readyTask) (error, fault.Decision) {
	name := e.Module.Strings[rt.state.entry.NameIdx]
	e.emit(Event{Kind: TaskStart, Resource: e.resourceName(), Task: name, Cycle: e.cycle, At: rt.dueAt})
	if rt.overrunBy > 0 {
		e.emit(Event{Kind: TaskOverrun, Resource: e.resourceName(), Task: name, Cycle: e.cycle, At: rt.dueAt, OverrunBy: rt.overrunBy})
	}

	var taskErr error
	decision := fault.DecisionContinue
	for _, nameIdx := range rt.state.entry.ProgramNameIdx {
		if err := e.Eval.RunProgram(e.Module.Strings[nameIdx]); err != nil {
			taskErr, decision = err, e.Fault.Decide(err)
			if decision != fault.DecisionContinue {
				break
			}
		}
	}
	if decision == fault.DecisionContinue {
		for _, refIdx := range rt.state.entry.FBRefIdx {
			if err := e.Eval.RunFBRef(refIdx); err != nil {
				taskErr, decision = err, e.Fault.Decide(err)
				if decision != fault.DecisionContinue {
					break
				}
			}
		}
	}

	e.emit(Event{Kind: TaskEnd, Resource: e.resourceName(), Task: name, Cycle: e.cycle, At: rt.dueAt, Err: taskErr})
	return taskErr, decision
}
