package debug

import (
	"errors"

	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// ErrAttached is returned by every write verb while attach mode is on
// (spec §4.4: "attach mode ... setVariable/setExpression are rejected").
var ErrAttached = errors.New("debug: write rejected, control block is attached read-only")

// PendingVarWrite is a queued direct write to a named global or retain
// variable, applied at the start of the next cycle (spec §4.3 step 2).
type PendingVarWrite struct {
	Name   string
	Retain bool
	Value  value.Value
}

// PendingLvalueWrite is a queued write into a live call frame's local or an
// instance's field, applied at the start of the next cycle. The frame may
// already have been popped by the time it is drained, which is tolerated
// as a no-op (spec §4.3 step 2).
type PendingLvalueWrite struct {
	FrameID     uint64
	HasFrame    bool
	InstanceID  value.InstanceID
	HasInstance bool
	Field       string
	Value       value.Value
}

// PendingIoWrite is a queued one-shot write into the I/O image, applied
// after the driver read and before evaluation (spec §4.3 step 4).
type PendingIoWrite struct {
	Addr  storage.Address
	Kind  value.Kind
	Size  int
	Value value.Value
}

type forcedIOKey struct {
	Area   storage.Area
	Byte   uint32
	Bit    uint8
	HasBit bool
}

type forcedIOValue struct {
	Kind  value.Kind
	Size  int
	Value value.Value
}

// SetVariable queues a global/retain write for the next cycle boundary.
func (c *Control) SetVariable(name string, retain bool, v value.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attach {
		return ErrAttached
	}
	c.pendingVar = append(c.pendingVar, PendingVarWrite{Name: name, Retain: retain, Value: v})
	return nil
}

// SetExpression queues a write into a frame local or instance field for
// the next cycle boundary (spec's setExpression verb, the lvalue-path
// sibling of setVariable).
func (c *Control) SetExpression(w PendingLvalueWrite) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attach {
		return ErrAttached
	}
	c.pendingLvalue = append(c.pendingLvalue, w)
	return nil
}

// ForceIO pins an I/O image cell to v until UnforceIO, reapplied every
// cycle after the driver read and again just before the driver write
// (spec §4.4: "forced_io").
func (c *Control) ForceIO(addr storage.Address, kind value.Kind, size int, v value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := forcedIOKey{Area: addr.Area, Byte: addr.Byte}
	if addr.Bit != nil {
		key.Bit, key.HasBit = *addr.Bit, true
	}
	c.forcedIO[key] = forcedIOValue{Kind: kind, Size: size, Value: v}
}

// UnforceIO releases a previously forced I/O cell.
func (c *Control) UnforceIO(addr storage.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := forcedIOKey{Area: addr.Area, Byte: addr.Byte}
	if addr.Bit != nil {
		key.Bit, key.HasBit = *addr.Bit, true
	}
	delete(c.forcedIO, key)
}

// ForceVar pins the variable name to v until UnforceVar; forced values are
// applied through Storage.SetGlobal.
func (c *Control) ForceVar(name string, v value.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedVars[name] = v
}

// UnforceVar releases a previously forced variable.
func (c *Control) UnforceVar(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forcedVars, name)
}

// DrainPendingWrites applies and clears every queued var/lvalue write,
// implementing scheduler.DebugController's step-2 hook (spec §4.3 step 2:
// "apply pending_var_writes, pending_lvalue_writes").
func (c *Control) DrainPendingWrites(st *storage.Storage) error {
	c.mu.Lock()
	varWrites := c.pendingVar
	lvalWrites := c.pendingLvalue
	c.pendingVar = nil
	c.pendingLvalue = nil
	c.mu.Unlock()

	for _, w := range varWrites {
		if w.Retain {
			st.SetRetain(w.Name, w.Value)
		} else {
			st.SetGlobal(w.Name, w.Value)
		}
	}
	for _, w := range lvalWrites {
		if w.HasInstance {
			if err := st.SetInstanceVar(w.InstanceID, w.Field, w.Value); err != nil {
				continue
			}
			continue
		}
		if w.HasFrame {
			if f, ok := st.FrameByID(w.FrameID); ok {
				f.SetLocal(w.Field, w.Value)
			}
		}
	}
	return nil
}

// AfterInputsRead applies queued one-shot I/O writes followed by forced
// I/O cells and forced variables, implementing scheduler.DebugController's
// step-4 hook (spec §4.3 step 4: "apply pending_io_writes, then forced_io,
// then forced_vars").
func (c *Control) AfterInputsRead(st *storage.Storage) error {
	c.mu.Lock()
	ioWrites := c.pendingIO
	c.pendingIO = nil
	c.mu.Unlock()

	img := st.IO()
	for _, w := range ioWrites {
		_ = img.WriteTyped(w.Addr, w.Value, w.Size)
	}
	c.applyForced(st)
	return nil
}

// BeforeOutputsWrite re-applies forced I/O/vars just before the driver
// write so a task that overwrote a forced cell mid-cycle does not escape
// to the field (spec §4.3 step 9).
func (c *Control) BeforeOutputsWrite(st *storage.Storage) error {
	c.applyForced(st)
	return nil
}

func (c *Control) applyForced(st *storage.Storage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := st.IO()
	for key, fv := range c.forcedIO {
		addr := storage.Address{Area: key.Area, Byte: key.Byte}
		if key.HasBit {
			bit := key.Bit
			addr.Bit = &bit
		}
		_ = img.WriteTyped(addr, fv.Value, fv.Size)
	}
	for name, v := range c.forcedVars {
		st.SetGlobal(name, v)
	}
}

// QueueIoWrite queues a one-shot I/O write for the next cycle's step 4.
func (c *Control) QueueIoWrite(w PendingIoWrite) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attach {
		return ErrAttached
	}
	c.pendingIO = append(c.pendingIO, w)
	return nil
}
