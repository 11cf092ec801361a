package eval

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// boundOut records an Out/InOut parameter's caller-supplied Ref so its
// local copy can be flushed back on return (spec §4.2: "CallArg::Target
// binds by-reference for InOut/Out parameters"; flush-on-return is this
// port's copy-in/copy-out rendering of that by-reference contract, chosen
// because the stack VM's locals are plain Values, not live aliases).
type boundOut struct {
	slot uint32
	ref  *value.Ref
}

// callFunction invokes the POU identified by pouID with positional
// argument values already popped off the caller's operand stack (last
// param on top), binding each to the callee's local-ref window and
// flushing Out/InOut writes back through the caller-supplied refs on
// return (spec §4.2, §3.4 local_ref_start/count).
func (c *Context) callFunction(pouID uint32, args []value.Value) ([]value.Value, error) {
	pou, err := c.findPou(pouID)
	if err != nil {
		return nil, err
	}
	return c.invoke(pou, args, 0, false)
}

// callMethod invokes a class/FB method by its declared v-table slot on
// thisInst's concrete runtime type (spec §4.2: "method resolution walks
// the class/FB chain upward").
func (c *Context) callMethod(thisInst value.InstanceID, slot uint32, args []value.Value) ([]value.Value, error) {
	inst, ok := c.Storage.GetInstance(thisInst)
	if !ok {
		return nil, fault.New(fault.InvalidFrame, "call on unknown instance %d", thisInst)
	}
	pouID, err := c.resolveSlot(inst.TypeName, slot)
	if err != nil {
		return nil, err
	}
	pou, err := c.findPou(pouID)
	if err != nil {
		return nil, err
	}
	return c.invoke(pou, args, thisInst, true)
}

// callVirtual dispatches an interface call: the instance's concrete type's
// InterfaceImplEntry for ifaceTypeID maps the interface's method slot to
// the type's own v-table slot, which resolveSlot then turns into a pou id
// (spec §4.2: "interface calls dispatch through the owner's v-table slot
// vector").
func (c *Context) callVirtual(thisInst value.InstanceID, ifaceTypeID uint32, slot uint32, args []value.Value) ([]value.Value, error) {
	inst, ok := c.Storage.GetInstance(thisInst)
	if !ok {
		return nil, fault.New(fault.InvalidFrame, "call on unknown instance %d", thisInst)
	}
	pou, err := c.findPouByName(inst.TypeName)
	if err != nil {
		return nil, err
	}
	ownSlot, err := classVTableSlot(pou, ifaceTypeID, slot)
	if err != nil {
		return nil, err
	}
	pouID, err := c.resolveSlot(inst.TypeName, ownSlot)
	if err != nil {
		return nil, err
	}
	target, err := c.findPou(pouID)
	if err != nil {
		return nil, err
	}
	return c.invoke(target, args, thisInst, true)
}

// resolveSlot walks typeName's class/FB chain upward looking for a
// ClassMeta.Methods entry at the given v-table slot. Overrides reuse the
// inherited slot (spec §3.4), so the first (most-derived) match wins.
func (c *Context) resolveSlot(typeName string, slot uint32) (uint32, error) {
	for {
		pou, err := c.findPouByName(typeName)
		if err != nil {
			return 0, err
		}
		if pou.ClassMeta != nil {
			for _, m := range pou.ClassMeta.Methods {
				if m.VTableSlot == slot {
					return m.PouID, nil
				}
			}
			if pou.ClassMeta.ParentPouID != nil {
				parent, err := c.findPou(*pou.ClassMeta.ParentPouID)
				if err != nil {
					return 0, err
				}
				typeName = c.Module.Strings[parent.NameIdx]
				continue
			}
		}
		return 0, fault.New(fault.InvalidIndex, "no method at vtable slot %d on %s", slot, typeName)
	}
}

func classVTableSlot(pou *bytecode.PouEntry, ifaceTypeID uint32, slot uint32) (uint32, error) {
	if pou.ClassMeta == nil {
		return 0, fault.New(fault.InvalidIndex, "pou %d implements no interfaces", pou.ID)
	}
	for _, impl := range pou.ClassMeta.Interfaces {
		if impl.InterfaceTypeID != ifaceTypeID {
			continue
		}
		if int(slot) >= len(impl.VTableSlots) {
			return 0, fault.New(fault.InvalidIndex, "interface slot %d out of range", slot)
		}
		return impl.VTableSlots[slot], nil
	}
	return 0, fault.New(fault.InvalidIndex, "pou %d does not implement interface %d", pou.ID, ifaceTypeID)
}

// invoke binds args to pou's declared Params, runs its EN/ENO gate, pushes
// a frame, executes its instruction stream, flushes Out/InOut writes, and
// always pops the frame — including on error (spec §4.2: "pushes a frame
// ... evaluates the body, and pops the frame — always, including on
// error").
func (c *Context) invoke(pou *bytecode.PouEntry, args []value.Value, thisInst value.InstanceID, hasThis bool) ([]value.Value, error) {
	if c.depth >= c.Policy.MaxCallDepth {
		return nil, fault.New(fault.DeadlineExceeded, "call depth limit exceeded")
	}
	if len(args) != len(pou.Params) {
		return nil, fault.ArgCountMismatch(len(pou.Params), len(args))
	}

	var frame *storage.Frame
	if hasThis {
		frame = c.Storage.PushFrameWithInstance(c.Module.Strings[pou.NameIdx], thisInst)
	} else {
		frame = c.Storage.PushFrame(c.Module.Strings[pou.NameIdx])
	}
	c.depth++
	if c.Debug != nil {
		c.Debug.CallEntered(pou.ID, c.depth)
	}
	defer func() {
		c.Storage.PopFrame()
		c.depth--
		if c.Debug != nil {
			c.Debug.CallReturned(pou.ID, c.depth)
		}
	}()

	var outs []boundOut
	enabled := true
	enoName := ""
	for i, p := range pou.Params {
		name := c.Module.Strings[p.NameIdx]
		slot := localParamSlot(pou, i)
		switch p.Direction {
		case 0: // In
			v := args[i]
			frame.SetLocal(localName(slot), v)
			if name == "EN" {
				enabled = v.Kind == value.KindBool && v.Bool
			}
		case 1, 2: // Out, InOut
			if args[i].Kind != value.KindReference || !args[i].HasRefVal {
				return nil, fault.New(fault.InvalidArgumentCount, "param %s requires a reference argument", name)
			}
			ref := args[i].Ref
			init := value.Null
			if p.Direction == 2 {
				v, err := c.ReadRef(ref)
				if err != nil {
					return nil, err
				}
				init = v
			}
			frame.SetLocal(localName(slot), init)
			outs = append(outs, boundOut{slot: slot, ref: ref})
			if name == "ENO" {
				enoName = localName(slot)
			}
		}
	}

	if !enabled {
		if enoName != "" {
			frame.SetLocal(enoName, value.NewBool(false))
		}
		if err := c.flushOuts(outs, frame); err != nil {
			return nil, err
		}
		return c.returnValue(pou, frame)
	}
	if enoName != "" {
		frame.SetLocal(enoName, value.NewBool(true))
	}

	var err error
	if fn, ok := c.builtinFor(c.Module.Strings[pou.NameIdx]); ok && hasThis {
		err = fn(c, pou, frame, thisInst)
	} else {
		err = c.run(pou, frame, thisInst, hasThis)
	}
	if err != nil {
		decision := c.Fault.Decide(err)
		if decision != fault.DecisionHaltTask {
			return nil, err
		}
		if enoName != "" {
			frame.SetLocal(enoName, value.NewBool(false))
		}
	}
	if flushErr := c.flushOuts(outs, frame); flushErr != nil {
		return nil, flushErr
	}
	return c.returnValue(pou, frame)
}

func (c *Context) flushOuts(outs []boundOut, frame *storage.Frame) error {
	for _, o := range outs {
		v, ok := frame.GetLocal(localName(o.slot))
		if !ok {
			continue
		}
		if err := c.WriteRef(o.ref, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) returnValue(pou *bytecode.PouEntry, frame *storage.Frame) ([]value.Value, error) {
	if pou.ReturnTypeID == nil {
		return nil, nil
	}
	v, ok := frame.GetLocal(c.Module.Strings[pou.NameIdx])
	if !ok {
		return []value.Value{value.Null}, nil
	}
	return []value.Value{v}, nil
}

// localParamSlot assigns the i'th declared parameter a stable local-ref
// slot at the front of the POU's local-ref window (spec §3.4).
func localParamSlot(pou *bytecode.PouEntry, i int) uint32 {
	return pou.LocalRefStart + uint32(i)
}
