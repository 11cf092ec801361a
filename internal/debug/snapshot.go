package debug

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

const maxLogLines = 512

// Snapshot is the paused-state picture a remote debug adapter reads back
// after a stop event: every global, retain, and instance field, the I/O
// image, and the call stack, all copied at the instant execution blocked
// (spec §3.6: "DebugSnapshot").
type Snapshot struct {
	FileID uint32
	Line   uint32
	Depth  int

	Globals   map[string]value.Value
	Retain    map[string]value.Value
	Instances map[value.InstanceID]storage.InstanceView
	Frames    []string

	Input  []byte
	Output []byte
	Memory []byte
}

// captureSnapshot copies every variable container. Called with c.mu held.
func (c *Control) captureSnapshot(fileID uint32, entry bytecode.DebugEntry, depth int) *Snapshot {
	img := c.Storage.IO()
	return &Snapshot{
		FileID:    fileID,
		Line:      entry.Line,
		Depth:     depth,
		Globals:   c.Storage.GlobalsSnapshot(),
		Retain:    c.Storage.RetainSnapshot(),
		Instances: c.Storage.InstancesSnapshot(),
		Frames:    c.Storage.FrameNames(),
		Input:     append([]byte(nil), img.Inputs()...),
		Output:    append([]byte(nil), img.Outputs()...),
		Memory:    append([]byte(nil), img.Memory()...),
	}
}

// LastSnapshot returns the most recently captured paused snapshot, or nil
// if the resource has never stopped.
func (c *Control) LastSnapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot
}

// Watch is one registered watch expression (spec §3.6: "watch_expressions:
// [{id, expr, last_value?}]"), re-evaluated every time the engine pauses.
type Watch struct {
	ID      uint64
	Expr    ConditionFunc
	Last    value.Value
	HasLast bool
	Changed bool
	err     error
}

// AddWatch registers expr under a new id and returns it.
func (c *Control) AddWatch(expr ConditionFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatchID++
	id := c.nextWatchID
	c.watches = append(c.watches, &Watch{ID: id, Expr: expr})
	return id
}

// RemoveWatch deregisters a watch by id.
func (c *Control) RemoveWatch(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.watches[:0]
	for _, w := range c.watches {
		if w.ID != id {
			out = append(out, w)
		}
	}
	c.watches = out
}

// Watches returns a copy of the current watch list, for reporting.
func (c *Control) Watches() []Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Watch, len(c.watches))
	for i, w := range c.watches {
		out[i] = *w
	}
	return out
}

// recomputeWatches re-evaluates every watch against the just-paused state
// and flags which ones changed since the prior pause (spec §4.4: "watch
// expressions are re-evaluated at every stop; changed ones are reported
// in the invalidated event"). Called with c.mu held.
func (c *Control) recomputeWatches() {
	changed := false
	for _, w := range c.watches {
		v, err := w.Expr()
		w.err = err
		if err != nil {
			w.Changed = false
			continue
		}
		w.Changed = !w.HasLast || !valuesEqual(w.Last, v)
		w.Last = v
		w.HasLast = true
		if w.Changed {
			changed = true
		}
	}
	if !changed {
		return
	}
	select {
	case c.invCh <- InvalidatedEvent{Areas: []string{"watches"}}:
	default:
	}
}

func valuesEqual(a, b value.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case value.KindBool:
		return a.Bool == b.Bool
	case value.KindReal, value.KindLReal:
		return a.Real == b.Real
	case value.KindString, value.KindWString:
		return a.Str == b.Str
	default:
		return a.Int == b.Int && a.UInt == b.UInt
	}
}

// appendLogLine appends a rendered logpoint message to the bounded ring
// buffer, dropping the oldest entry once full.
func (c *Control) appendLogLine(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logLines = append(c.logLines, msg)
	if len(c.logLines) > maxLogLines {
		c.logLines = c.logLines[len(c.logLines)-maxLogLines:]
	}
}

// Logs returns a copy of the logpoint ring buffer, oldest first.
func (c *Control) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.logLines))
	copy(out, c.logLines)
	return out
}
