package eval

import (
	"strings"
	"time"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// BuiltinFB is a fixed, hand-written implementation of one of the standard
// IEC 61131-3 function blocks, dispatched by canonical name instead of
// running a compiled instruction stream (spec §4.2: "Built-in FBs (timers,
// edge detectors, counters) are dispatched by canonical name to a fixed
// implementation"). It reads its declared input params off frame (already
// bound by invoke) and writes its outputs back the same way, so the
// ordinary Out/InOut flush-on-return path delivers them to the caller.
type BuiltinFB func(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error

// defaultBuiltins returns the canonical-name dispatch table for the
// standard timer, edge-detector, and counter FBs (spec §4.2).
func defaultBuiltins() map[string]BuiltinFB {
	return map[string]BuiltinFB{
		"TON":    builtinTimer(false),
		"TOF":    builtinTimer(true),
		"TP":     builtinPulse,
		"R_TRIG": builtinTrig(true),
		"F_TRIG": builtinTrig(false),
		"CTU":    builtinCounter(true, false),
		"CTD":    builtinCounter(false, true),
		"CTUD":   builtinCounter(true, true),
	}
}

func (c *Context) builtinFor(name string) (BuiltinFB, bool) {
	fn, ok := c.builtins[strings.ToUpper(name)]
	return fn, ok
}

func paramName(pou *bytecode.PouEntry, mod *bytecode.Module, name string) (uint32, bool) {
	for i, p := range pou.Params {
		if mod.Strings[p.NameIdx] == name {
			return localParamSlot(pou, i), true
		}
	}
	return 0, false
}

func getParam(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, name string) (value.Value, bool) {
	slot, ok := paramName(pou, c.Module, name)
	if !ok {
		return value.Null, false
	}
	return frame.GetLocal(localName(slot))
}

func setParam(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, name string, v value.Value) {
	slot, ok := paramName(pou, c.Module, name)
	if !ok {
		return
	}
	frame.SetLocal(localName(slot), v)
}

func boolParam(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, name string) bool {
	v, ok := getParam(c, pou, frame, name)
	return ok && v.Kind == value.KindBool && v.Bool
}

func durationParam(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, name string) time.Duration {
	v, ok := getParam(c, pou, frame, name)
	if !ok {
		return 0
	}
	return time.Duration(v.Int)
}

// builtinState is the private, non-pin state a builtin FB keeps per
// instance (e.g. a timer's accumulated run time), stored as reserved
// instance fields no ST program can declare (spec §3.3: instances "live
// with their owning container").
const (
	stateRunning = "$running"
	stateElapsed = "$elapsed"
	statePrevIn  = "$prev_in"
	stateCV      = "$cv"
)

func getState(c *Context, inst value.InstanceID, name string) (value.Value, bool) {
	return c.Storage.GetInstanceVar(inst, name)
}

func setState(c *Context, inst value.InstanceID, name string, v value.Value) {
	_ = c.Storage.SetInstanceVar(inst, name, v)
}

// builtinTimer implements TON (off is false) and TOF (off is true). TON
// accumulates elapsed time while IN is TRUE and sets Q once PT is reached;
// TOF accumulates while IN is FALSE, and its Q is TRUE while IN is TRUE and,
// once IN is FALSE, until the accumulated time reaches PT (spec's ST
// standard library semantics for TON/TOF).
func builtinTimer(off bool) BuiltinFB {
	return func(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error {
		in := boolParam(c, pou, frame, "IN")
		pt := durationParam(c, pou, frame, "PT")
		driving := in
		if off {
			driving = !in
		}

		elapsed := time.Duration(0)
		if v, ok := getState(c, inst, stateElapsed); ok {
			elapsed = time.Duration(v.Int)
		}
		wasRunning := false
		if v, ok := getState(c, inst, stateRunning); ok {
			wasRunning = v.Kind == value.KindBool && v.Bool
		}

		if driving {
			if !wasRunning {
				elapsed = 0
			}
			elapsed += c.Clock
			if elapsed > pt {
				elapsed = pt
			}
		} else {
			elapsed = 0
		}
		setState(c, inst, stateRunning, value.NewBool(driving))
		setState(c, inst, stateElapsed, value.NewInt(value.KindTime, int64(elapsed)))

		q := elapsed >= pt && pt > 0
		if off {
			q = in || elapsed < pt
		}
		setParam(c, pou, frame, "Q", value.NewBool(q))
		setParam(c, pou, frame, "ET", value.NewInt(value.KindTime, int64(elapsed)))
		return nil
	}
}

// builtinPulse implements TP: a single PT-wide pulse on Q triggered by a
// rising edge of IN, regardless of further IN transitions until it
// completes.
func builtinPulse(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error {
	in := boolParam(c, pou, frame, "IN")
	pt := durationParam(c, pou, frame, "PT")

	running := false
	if v, ok := getState(c, inst, stateRunning); ok {
		running = v.Kind == value.KindBool && v.Bool
	}
	elapsed := time.Duration(0)
	if v, ok := getState(c, inst, stateElapsed); ok {
		elapsed = time.Duration(v.Int)
	}
	prevIn := false
	if v, ok := getState(c, inst, statePrevIn); ok {
		prevIn = v.Kind == value.KindBool && v.Bool
	}

	if in && !prevIn && !running {
		running = true
		elapsed = 0
	}
	if running {
		elapsed += c.Clock
		if elapsed >= pt {
			elapsed = pt
			running = false
		}
	}
	setState(c, inst, statePrevIn, value.NewBool(in))
	setState(c, inst, stateRunning, value.NewBool(running))
	setState(c, inst, stateElapsed, value.NewInt(value.KindTime, int64(elapsed)))

	q := running && elapsed < pt
	setParam(c, pou, frame, "Q", value.NewBool(q))
	setParam(c, pou, frame, "ET", value.NewInt(value.KindTime, int64(elapsed)))
	return nil
}

// builtinTrig implements R_TRIG (rising) and F_TRIG (falling): Q pulses
// true for exactly the one scan CLK transitions the watched way.
func builtinTrig(rising bool) BuiltinFB {
	return func(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error {
		clk := boolParam(c, pou, frame, "CLK")
		prev := false
		if v, ok := getState(c, inst, statePrevIn); ok {
			prev = v.Kind == value.KindBool && v.Bool
		}
		var q bool
		if rising {
			q = clk && !prev
		} else {
			q = !clk && prev
		}
		setState(c, inst, statePrevIn, value.NewBool(clk))
		setParam(c, pou, frame, "Q", value.NewBool(q))
		return nil
	}
}

// builtinCounter implements CTU/CTD/CTUD: an integer accumulator driven by
// rising edges of CU/CD, reset by R (CTU/CTUD) or loaded by LD (CTD/CTUD).
func builtinCounter(up, down bool) BuiltinFB {
	return func(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, inst value.InstanceID) error {
		cv := int64(0)
		if v, ok := getState(c, inst, stateCV); ok {
			cv = v.Int
		}
		prevCU, prevCD := false, false
		if v, ok := getState(c, inst, "$prev_cu"); ok {
			prevCU = v.Kind == value.KindBool && v.Bool
		}
		if v, ok := getState(c, inst, "$prev_cd"); ok {
			prevCD = v.Kind == value.KindBool && v.Bool
		}

		if up && down {
			cu := boolParam(c, pou, frame, "CU")
			cd := boolParam(c, pou, frame, "CD")
			if cu && !prevCU {
				cv++
			}
			if cd && !prevCD {
				cv--
			}
			if boolParam(c, pou, frame, "LD") {
				cv = intParam(c, pou, frame, "PV")
			}
			if boolParam(c, pou, frame, "R") {
				cv = 0
			}
			setState(c, inst, "$prev_cu", value.NewBool(cu))
			setState(c, inst, "$prev_cd", value.NewBool(cd))
			pv := intParam(c, pou, frame, "PV")
			setParam(c, pou, frame, "QU", value.NewBool(cv >= pv))
			setParam(c, pou, frame, "QD", value.NewBool(cv <= 0))
		} else if up {
			cu := boolParam(c, pou, frame, "CU")
			if boolParam(c, pou, frame, "R") {
				cv = 0
			} else if cu && !prevCU {
				cv++
			}
			setState(c, inst, "$prev_cu", value.NewBool(cu))
			pv := intParam(c, pou, frame, "PV")
			setParam(c, pou, frame, "Q", value.NewBool(cv >= pv))
		} else {
			cd := boolParam(c, pou, frame, "CD")
			if boolParam(c, pou, frame, "LD") {
				cv = intParam(c, pou, frame, "PV")
			} else if cd && !prevCD {
				cv--
			}
			setState(c, inst, "$prev_cd", value.NewBool(cd))
			setParam(c, pou, frame, "Q", value.NewBool(cv <= 0))
		}

		setState(c, inst, stateCV, value.NewInt(value.KindDInt, cv))
		setParam(c, pou, frame, "CV", value.NewInt(value.KindDInt, cv))
		return nil
	}
}

func intParam(c *Context, pou *bytecode.PouEntry, frame *storage.Frame, name string) int64 {
	v, ok := getParam(c, pou, frame, name)
	if !ok {
		return 0
	}
	i, err := value.ToInt64(v)
	if err != nil {
		return 0
	}
	return i
}
