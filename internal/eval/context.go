// Package eval implements the bytecode evaluator (spec §4.2, C4): a
// stack-based virtual machine executing one POU's instruction stream
// against storage, the type registry, and the debug/fault policies.
package eval

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// DebugHook is notified once per executed statement boundary and once per
// call entry/return, so the debug control block can drive breakpoints,
// stepping, and snapshot capture without the evaluator knowing anything
// about them (spec §4.2: "notifies the debug hook once ... per executed
// statement").
type DebugHook interface {
	StatementHit(pouID uint32, codeOffset uint32, depth int) error
	CallEntered(pouID uint32, depth int)
	CallReturned(pouID uint32, depth int)
}

// Policy bounds one evaluation run: call depth, loop/instruction budget,
// and an optional wall-clock deadline (spec §4.2: "policy (call-depth
// limit, execution deadline, loop-depth, pause-requested bit)").
type Policy struct {
	MaxCallDepth int
	MaxSteps     int
	Deadline     time.Time
	HasDeadline  bool
}

// DefaultPolicy returns conservative limits suitable for an embedded
// scan-cycle engine.
func DefaultPolicy() Policy {
	return Policy{MaxCallDepth: 64, MaxSteps: 2_000_000}
}

// Context bundles everything a running POU needs: mutable storage, the
// decoded module it executes out of, the type registry, the cycle clock,
// the fault reaction policy, and an optional debug hook (spec §4.2).
type Context struct {
	Storage *storage.Storage
	Module  *bytecode.Module
	Types   *value.Registry
	Clock   time.Duration
	Policy  Policy
	Fault   *fault.Policy
	Debug   DebugHook
	Log     *logrus.Entry

	builtins map[string]BuiltinFB

	globalNames map[uint32]string // ref-table index -> declared global name
	retainNames map[uint32]string // ref-table index -> declared retain name
	ioInfo      map[uint32]ioInfo // ref-table index -> resolved io area/type

	depth int
	steps int
}

// ioInfo is what resolveIO needs to turn a REF_TABLE/IO_MAP pair into a
// typed storage.Address: the flat area the REF_TABLE row's own OwnerID
// names, plus the element type IO_MAP records for that same ref index.
type ioInfo struct {
	area    storage.Area
	typeID  value.TypeID
	hasType bool
}

// NewContext builds an evaluation Context for mod, indexing VAR_META and
// IO_MAP once so Ref resolution is O(1) per access.
func NewContext(st *storage.Storage, mod *bytecode.Module, types *value.Registry, fp *fault.Policy) *Context {
	c := &Context{
		Storage:  st,
		Module:   mod,
		Types:    types,
		Policy:   DefaultPolicy(),
		Fault:    fp,
		Log:      logrus.NewEntry(logrus.StandardLogger()),
		builtins: defaultBuiltins(),

		globalNames: map[uint32]string{},
		retainNames: map[uint32]string{},
		ioInfo:      map[uint32]ioInfo{},
	}
	for _, vm := range mod.VarMeta {
		name := mod.Strings[vm.NameIdx]
		if vm.Retain {
			c.retainNames[vm.RefIdx] = name
		} else {
			c.globalNames[vm.RefIdx] = name
		}
	}
	for idx, ref := range mod.Refs {
		if ref.Location == bytecode.RefIO {
			c.ioInfo[uint32(idx)] = ioInfo{area: storage.Area(ref.OwnerID)}
		}
	}
	for _, io := range mod.IoMap {
		info := c.ioInfo[io.RefIdx]
		if io.TypeID != nil {
			info.typeID = value.TypeID(*io.TypeID)
			info.hasType = true
		}
		c.ioInfo[io.RefIdx] = info
	}
	return c
}

// findPou looks up a POU_INDEX entry by id.
func (c *Context) findPou(id uint32) (*bytecode.PouEntry, error) {
	for i := range c.Module.Pous {
		if c.Module.Pous[i].ID == id {
			return &c.Module.Pous[i], nil
		}
	}
	return nil, fault.New(fault.InvalidPouID, "unknown pou id %d", id)
}

// findPouByName looks up a POU_INDEX entry by its canonical name, used for
// instance-method resolution where only the runtime type name is known.
func (c *Context) findPouByName(name string) (*bytecode.PouEntry, error) {
	for i := range c.Module.Pous {
		p := &c.Module.Pous[i]
		if c.Module.Strings[p.NameIdx] == name {
			return p, nil
		}
	}
	return nil, fault.Named(fault.UndefinedFunctionBlock, name)
}

func (c *Context) checkBudget() error {
	c.steps++
	if c.Policy.MaxSteps > 0 && c.steps > c.Policy.MaxSteps {
		return fault.New(fault.DeadlineExceeded, "instruction budget exceeded")
	}
	if c.Policy.HasDeadline && time.Now().After(c.Policy.Deadline) {
		return fault.New(fault.DeadlineExceeded, "evaluation deadline exceeded")
	}
	return nil
}
