package eval

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// RunProgram runs the named Program POU as a fresh, unbound call: programs
// declare no parameters, so nothing is popped off an operand stack and
// nothing is flushed back on return (spec §4.3: "a task's program members
// run as plain calls with no arguments").
func (c *Context) RunProgram(name string) error {
	pou, err := c.findPouByName(name)
	if err != nil {
		return err
	}
	if pou.Kind != bytecode.PouProgram {
		return fault.New(fault.TypeMismatch, "%s is not a program", name)
	}
	_, err = c.invoke(pou, nil, 0, false)
	return err
}

// RunFBRef runs the function-block instance a task references directly
// (spec §4.3: "a task may instead name a standalone FB instance, whose body
// runs once per due cycle with no call-site argument list"). Unlike a
// CALL_METHOD dispatch, there is no caller stack to pop parameters from or
// flush Out/InOut writes back to: every declared parameter is instead read
// from, and written back to, the instance's own fields, exactly as a
// directly-invoked FB would see VAR_INPUT/VAR_OUTPUT persist between scans.
func (c *Context) RunFBRef(refIdx uint32) (err error) {
	if int(refIdx) >= len(c.Module.Refs) {
		return fault.New(fault.InvalidIndex, "ref index %d out of range", refIdx)
	}
	ref, err := c.materializeRef(refIdx, nil, 0, false)
	if err != nil {
		return err
	}
	v, err := c.ReadRef(ref)
	if err != nil {
		return err
	}
	if v.Kind != value.KindInstance {
		return fault.New(fault.TypeMismatch, "task fb_ref %d does not resolve to an instance", refIdx)
	}
	inst, ok := c.Storage.GetInstance(v.Instance)
	if !ok {
		return fault.New(fault.InvalidFrame, "task fb_ref %d resolves to a dead instance", refIdx)
	}
	pou, err := c.findPouByName(inst.TypeName)
	if err != nil {
		return err
	}
	return c.runInstanceDirect(pou, v.Instance)
}

// runInstanceDirect executes pou's body bound to inst with no caller
// arguments, binding each declared parameter to/from the instance's own
// fields instead of a call-site stack, and always popping the pushed frame
// (spec §4.2: "pops the frame — always, including on error").
func (c *Context) runInstanceDirect(pou *bytecode.PouEntry, inst value.InstanceID) error {
	if c.depth >= c.Policy.MaxCallDepth {
		return fault.New(fault.DeadlineExceeded, "call depth limit exceeded")
	}
	name := c.Module.Strings[pou.NameIdx]
	frame := c.Storage.PushFrameWithInstance(name, inst)
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

	enabled := true
	enoName := ""
	for i, p := range pou.Params {
		pname := c.Module.Strings[p.NameIdx]
		slot := localParamSlot(pou, i)
		v, _ := c.Storage.GetInstanceVar(inst, pname)
		frame.SetLocal(localName(slot), v)
		switch pname {
		case "EN":
			enabled = v.Kind == value.KindBool && v.Bool
		case "ENO":
			enoName = localName(slot)
		}
	}
	if !enabled {
		if enoName != "" {
			frame.SetLocal(enoName, value.NewBool(false))
		}
		return c.flushInstanceParams(pou, frame, inst)
	}
	if enoName != "" {
		frame.SetLocal(enoName, value.NewBool(true))
	}

	var runErr error
	if fn, ok := c.builtinFor(name); ok {
		runErr = fn(c, pou, frame, inst)
	} else {
		runErr = c.run(pou, frame, inst, true)
	}
	if runErr != nil {
		decision := c.Fault.Decide(runErr)
		if decision != fault.DecisionHaltTask {
			return runErr
		}
		if enoName != "" {
			frame.SetLocal(enoName, value.NewBool(false))
		}
	}
	return c.flushInstanceParams(pou, frame, inst)
}

func (c *Context) flushInstanceParams(pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error {
	for i, p := range pou.Params {
		pname := c.Module.Strings[p.NameIdx]
		slot := localParamSlot(pou, i)
		v, ok := frame.GetLocal(localName(slot))
		if !ok {
			continue
		}
		if err := c.Storage.SetInstanceVar(inst, pname, v); err != nil {
			return err
		}
	}
	return nil
}
