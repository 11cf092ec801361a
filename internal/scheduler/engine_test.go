package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/eval"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/retain"
	"github.com/trust-plc/strt/internal/scheduler"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// recorder is a scheduler.EventSink that records every event in order.
type recorder struct {
	mu     sync.Mutex
	events []scheduler.Event
}

func (r *recorder) Event(ev scheduler.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) taskStarts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == scheduler.TaskStart {
			out = append(out, ev.Task)
		}
	}
	return out
}

func newTrivialProgram(b *compiler.Builder, name string) {
	pou := b.NewPou(name, bytecode.PouProgram)
	pou.Nop()
	pou.Return()
	pou.Finish()
}

func newEngine(t *testing.T, mod *bytecode.Module, fp *fault.Policy) (*scheduler.Engine, *recorder) {
	t.Helper()
	st := storage.New(0, 0, 0)
	types := value.NewRegistry()
	ev := eval.NewContext(st, mod, types, fp)
	rm := &retain.Manager{}
	engine := scheduler.New(ev, st, mod, mod.Resources[0], fp, rm)
	rec := &recorder{}
	engine.Sink = rec
	return engine, rec
}

// TestTaskPriorityOrdering is R6: two tasks due on the same cycle fire
// TaskStart events in ascending-priority order, regardless of the order
// they were declared in the resource's task list.
func TestTaskPriorityOrdering(t *testing.T) {
	b := compiler.New()
	newTrivialProgram(b, "PROG_LOW")
	newTrivialProgram(b, "PROG_HIGH")

	taskLow := bytecode.TaskEntry{
		NameIdx:        b.String("TASK_LOW"),
		Priority:       10,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("PROG_LOW")},
	}
	taskHigh := bytecode.TaskEntry{
		NameIdx:        b.String("TASK_HIGH"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("PROG_HIGH")},
	}
	// declared low-priority-number-last, so declaration order disagrees
	// with priority order and the sort itself is what's under test.
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{taskLow, taskHigh}})

	mod, err := b.Build()
	require.NoError(t, err)

	engine, rec := newEngine(t, mod, fault.NewPolicy())
	require.NoError(t, engine.ExecuteCycle(context.Background(), 0))

	assert.Equal(t, []string{"TASK_HIGH", "TASK_LOW"}, rec.taskStarts())
}

// TestOverrunAccounting is R7: a periodic task that misses more than one
// interval reports the excess as OverrunBy on a TaskOverrun event.
func TestOverrunAccounting(t *testing.T) {
	b := compiler.New()
	newTrivialProgram(b, "PROG")
	task := bytecode.TaskEntry{
		NameIdx:        b.String("TASK"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("PROG")},
	}
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{task}})
	mod, err := b.Build()
	require.NoError(t, err)

	engine, rec := newEngine(t, mod, fault.NewPolicy())
	require.NoError(t, engine.ExecuteCycle(context.Background(), 0))
	require.NoError(t, engine.ExecuteCycle(context.Background(), 25*time.Millisecond))

	var overruns []time.Duration
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Kind == scheduler.TaskOverrun {
			overruns = append(overruns, ev.OverrunBy)
		}
	}
	rec.mu.Unlock()

	require.Len(t, overruns, 1)
	assert.Equal(t, 15*time.Millisecond, overruns[0])
}

// TestResourceFaultLatches is R12: a DeadlineExceeded error from a task's
// body halts the resource, and every subsequent ExecuteCycle call
// short-circuits with ResourceFaulted until the policy is reset.
func TestResourceFaultLatches(t *testing.T) {
	b := compiler.New()
	newTrivialProgram(b, "PROG")
	task := bytecode.TaskEntry{
		NameIdx:        b.String("TASK"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("PROG")},
	}
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{task}})
	mod, err := b.Build()
	require.NoError(t, err)

	fp := fault.NewPolicy()
	engine, _ := newEngine(t, mod, fp)
	engine.Eval.Policy.HasDeadline = true
	engine.Eval.Policy.Deadline = time.Now().Add(-time.Minute)

	err = engine.ExecuteCycle(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.DeadlineExceeded))
	assert.True(t, fp.Faulted())

	err = engine.ExecuteCycle(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ResourceFaulted))

	fp.Reset()
	assert.False(t, fp.Faulted())
}

// TestBackgroundProgramsRunAfterTasks confirms a Program POU not named by
// any task still runs once per cycle, after every task.
func TestBackgroundProgramsRunAfterTasks(t *testing.T) {
	b := compiler.New()
	newTrivialProgram(b, "TASKED")
	newTrivialProgram(b, "BACKGROUND")
	task := bytecode.TaskEntry{
		NameIdx:        b.String("TASK"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("TASKED")},
	}
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{task}})
	mod, err := b.Build()
	require.NoError(t, err)

	engine, rec := newEngine(t, mod, fault.NewPolicy())
	require.NoError(t, engine.ExecuteCycle(context.Background(), 0))

	assert.Equal(t, []string{"TASKED"}, rec.taskStarts(), "background programs don't emit TaskStart events")

	var cycleEnds int
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Kind == scheduler.CycleEnd {
			cycleEnds++
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, 1, cycleEnds)
}

// orderingDriver and orderingSink both append to a shared, mutex-guarded
// log so TestCycleOrdering can observe driver I/O interleaved with task
// execution in one strictly ordered sequence.
type orderingLog struct {
	mu  sync.Mutex
	seq []string
}

func (l *orderingLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = append(l.seq, s)
}

type orderingDriver struct{ log *orderingLog }

func (d orderingDriver) Name() string          { return "ORDER" }
func (d orderingDriver) Validate() error       { return nil }
func (d orderingDriver) ReadInputs(_ *storage.IOImage) error {
	d.log.add("read")
	return nil
}
func (d orderingDriver) WriteOutputs(_ *storage.IOImage) error {
	d.log.add("write")
	return nil
}

type orderingSink struct{ log *orderingLog }

func (s orderingSink) Event(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.TaskStart:
		s.log.add("taskstart")
	case scheduler.TaskEnd:
		s.log.add("taskend")
	}
}

// TestCycleOrdering is R5: in every cycle, driver reads happen before any
// task body executes, and driver writes happen after every task body.
func TestCycleOrdering(t *testing.T) {
	b := compiler.New()
	newTrivialProgram(b, "PROG")
	task := bytecode.TaskEntry{
		NameIdx:        b.String("TASK"),
		Priority:       1,
		IntervalNanos:  int64(10 * time.Millisecond),
		ProgramNameIdx: []uint32{b.String("PROG")},
	}
	b.AddResource(bytecode.ResourceEntry{NameIdx: b.String("RES"), Tasks: []bytecode.TaskEntry{task}})
	mod, err := b.Build()
	require.NoError(t, err)

	st := storage.New(0, 0, 0)
	types := value.NewRegistry()
	fp := fault.NewPolicy()
	ev := eval.NewContext(st, mod, types, fp)
	rm := &retain.Manager{}
	engine := scheduler.New(ev, st, mod, mod.Resources[0], fp, rm)

	log := &orderingLog{}
	engine.Drivers = []scheduler.IoDriver{orderingDriver{log: log}}
	engine.Sink = orderingSink{log: log}

	require.NoError(t, engine.ExecuteCycle(context.Background(), 0))
	assert.Equal(t, []string{"read", "taskstart", "taskend", "write"}, log.seq)
}
