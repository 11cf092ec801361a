package eval

import (
	"encoding/binary"
	"math"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// code is a cursor over one POU's instruction stream, decoding
// little-endian operands the same way bytecode's own validator does
// (spec §3.5, §4.1).
type code struct {
	buf []byte
	pc  uint32
}

func (c *code) done() bool { return int(c.pc) >= len(c.buf) }

func (c *code) u8() uint8 {
	v := c.buf[c.pc]
	c.pc++
	return v
}

func (c *code) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.buf[c.pc:])
	c.pc += 4
	return v
}

func (c *code) i32() int32 { return int32(c.u32()) }

// jump applies a signed offset relative to the byte following the operand
// (spec §3.5: "signed i32 offsets relative to the byte after the offset").
func (c *code) jump(offset int32) {
	c.pc = uint32(int64(c.pc) + int64(offset))
}

// Run executes pou's body against frame (and thisInst, when hasThis), one
// instruction at a time, until OPCODE_RETURN or end-of-stream (spec §4.2:
// "evaluate a POU's instruction stream against a mutable frame").
func (c *Context) run(pou *bytecode.PouEntry, frame *storage.Frame, thisInst value.InstanceID, hasThis bool) error {
	start := pou.CodeOffset
	end := start + pou.CodeLength
	if int(end) > len(c.Module.PouBodies) {
		return fault.New(fault.InvalidSection, "pou %d code range out of bounds", pou.ID)
	}
	cur := &code{buf: c.Module.PouBodies[start:end]}

	var stack []value.Value
	push := func(v value.Value) { stack = append(stack, v) }
	pop := func() (value.Value, error) {
		if len(stack) == 0 {
			return value.Null, fault.New(fault.InvalidControlFlow, "operand stack underflow in pou %d", pou.ID)
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	popRef := func() (*value.Ref, error) {
		v, err := pop()
		if err != nil {
			return nil, err
		}
		if v.Kind != value.KindReference || !v.HasRefVal {
			return nil, fault.New(fault.NullReference, "expected a live reference operand")
		}
		return v.Ref, nil
	}

	// temps is the per-call scratch register file OPCODE_PUSH_TEMP
	// addresses (spec §3.4: "calling ... initialises temps"). Nothing in
	// the current ISA writes a temp slot yet: the compiler's
	// expression-spill pass, which would emit those stores, is not built.
	var temps []value.Value
	temp := func(idx uint32) value.Value {
		if int(idx) >= len(temps) {
			return value.Null
		}
		return temps[idx]
	}

	for !cur.done() {
		if err := c.checkBudget(); err != nil {
			return err
		}
		pc := cur.pc
		op := bytecode.Opcode(cur.u8())

		switch op {
		case bytecode.OpNop:

		case bytecode.OpPop:
			if _, err := pop(); err != nil {
				return err
			}

		case bytecode.OpJmp:
			cur.jump(cur.i32())

		case bytecode.OpJmpIfFalse:
			offset := cur.i32()
			v, err := pop()
			if err != nil {
				return err
			}
			if v.Kind != value.KindBool {
				return fault.New(fault.TypeMismatch, "JMP_IF_FALSE on non-bool operand")
			}
			if !v.Bool {
				cur.jump(offset)
			}

		case bytecode.OpJmpIfTrue:
			offset := cur.i32()
			v, err := pop()
			if err != nil {
				return err
			}
			if v.Kind != value.KindBool {
				return fault.New(fault.TypeMismatch, "JMP_IF_TRUE on non-bool operand")
			}
			if v.Bool {
				cur.jump(offset)
			}

		case bytecode.OpCallFunction:
			pouID := cur.u32()
			n, err := c.popArgs(pop, pouID)
			if err != nil {
				return err
			}
			rets, err := c.callFunction(pouID, n)
			if err != nil {
				return err
			}
			for _, r := range rets {
				push(r)
			}

		case bytecode.OpCallMethod:
			slot := cur.u32()
			if !hasThis {
				return fault.New(fault.InvalidFrame, "CALL_METHOD outside a bound THIS")
			}
			pouID, err := c.resolveSlotPouID(thisInst, slot)
			if err != nil {
				return err
			}
			n, err := c.popArgs(pop, pouID)
			if err != nil {
				return err
			}
			rets, err := c.callMethod(thisInst, slot, n)
			if err != nil {
				return err
			}
			for _, r := range rets {
				push(r)
			}

		case bytecode.OpCallVirtual:
			ifaceType := cur.u32()
			slot := cur.u32()
			if !hasThis {
				return fault.New(fault.InvalidFrame, "CALL_VIRTUAL outside a bound THIS")
			}
			pouID, err := c.resolveVirtualPouID(thisInst, ifaceType, slot)
			if err != nil {
				return err
			}
			n, err := c.popArgs(pop, pouID)
			if err != nil {
				return err
			}
			rets, err := c.callVirtual(thisInst, ifaceType, slot, n)
			if err != nil {
				return err
			}
			for _, r := range rets {
				push(r)
			}

		case bytecode.OpReturn:
			return nil

		case bytecode.OpRefTo:
			idx := cur.u32()
			ref, err := c.materializeRef(idx, frame, thisInst, hasThis)
			if err != nil {
				return err
			}
			push(value.NewReference(ref))

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			right, err := pop()
			if err != nil {
				return err
			}
			left, err := pop()
			if err != nil {
				return err
			}
			result, err := binaryArith(op, left, right)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpDebugMarker:
			kind := cur.u8()
			_ = kind
			if c.Debug != nil {
				if err := c.Debug.StatementHit(pou.ID, pc, c.depth); err != nil {
					return err
				}
			}

		case bytecode.OpPushConst:
			idx := cur.u32()
			v, err := c.constValue(idx)
			if err != nil {
				return err
			}
			push(v)

		case bytecode.OpPushLocal:
			idx := cur.u32()
			ref, err := c.materializeRef(idx, frame, thisInst, hasThis)
			if err != nil {
				return err
			}
			v, err := c.ReadRef(ref)
			if err != nil {
				return err
			}
			push(v)

		case bytecode.OpPushTemp:
			idx := cur.u32()
			push(temp(idx))

		case bytecode.OpSwap:
			if len(stack) < 2 {
				return fault.New(fault.InvalidControlFlow, "SWAP needs two operands")
			}
			stack[len(stack)-1], stack[len(stack)-2] = stack[len(stack)-2], stack[len(stack)-1]

		case bytecode.OpStoreLocal:
			idx := cur.u32()
			ref, err := c.materializeRef(idx, frame, thisInst, hasThis)
			if err != nil {
				return err
			}
			v, err := pop()
			if err != nil {
				return err
			}
			if err := c.WriteRef(ref, v); err != nil {
				return err
			}

		case bytecode.OpNeg, bytecode.OpNot, bytecode.OpBNot:
			v, err := pop()
			if err != nil {
				return err
			}
			result, err := unaryOp(op, v)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpDup:
			if len(stack) == 0 {
				return fault.New(fault.InvalidControlFlow, "DUP on empty stack")
			}
			push(stack[len(stack)-1])

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			right, err := pop()
			if err != nil {
				return err
			}
			left, err := pop()
			if err != nil {
				return err
			}
			result, err := binaryCompare(op, left, right)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor:
			right, err := pop()
			if err != nil {
				return err
			}
			left, err := pop()
			if err != nil {
				return err
			}
			result, err := binaryLogical(op, left, right)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpShl, bytecode.OpShr, bytecode.OpBAnd, bytecode.OpBOr, bytecode.OpBXor:
			right, err := pop()
			if err != nil {
				return err
			}
			left, err := pop()
			if err != nil {
				return err
			}
			result, err := binaryBitwise(op, left, right)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpToReal, bytecode.OpToLReal, bytecode.OpToInt, bytecode.OpToString:
			v, err := pop()
			if err != nil {
				return err
			}
			result, err := convert(op, v)
			if err != nil {
				return err
			}
			push(result)

		case bytecode.OpLoadRef:
			ref, err := popRef()
			if err != nil {
				return err
			}
			v, err := c.ReadRef(ref)
			if err != nil {
				return err
			}
			push(v)

		case bytecode.OpStoreRef:
			v, err := pop()
			if err != nil {
				return err
			}
			ref, err := popRef()
			if err != nil {
				return err
			}
			if err := c.WriteRef(ref, v); err != nil {
				return err
			}

		case bytecode.OpNewInstance:
			typeID := cur.u32()
			id, err := c.newInstance(value.TypeID(typeID))
			if err != nil {
				return err
			}
			push(value.NewInstance(id))

		case bytecode.OpDebugHit:
			idx := cur.u32()
			if c.Debug != nil {
				if int(idx) < len(c.Module.DebugMap) {
					entry := c.Module.DebugMap[idx]
					if err := c.Debug.StatementHit(entry.PouID, entry.CodeOffset, c.depth); err != nil {
						return err
					}
				}
			}

		default:
			return fault.New(fault.InvalidOpcode, "unsupported opcode 0x%02x", byte(op))
		}
	}
	return nil
}

// popArgs pops exactly pou's declared parameter count off stack, in
// declaration order (last param was pushed last; spec §4.2: "the runtime
// only pops positional args in declaration order").
func (c *Context) popArgs(pop func() (value.Value, error), pouID uint32) ([]value.Value, error) {
	pou, err := c.findPou(pouID)
	if err != nil {
		return nil, err
	}
	n := len(pou.Params)
	args := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := pop()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (c *Context) resolveSlotPouID(thisInst value.InstanceID, slot uint32) (uint32, error) {
	inst, ok := c.Storage.GetInstance(thisInst)
	if !ok {
		return 0, fault.New(fault.InvalidFrame, "call on unknown instance %d", thisInst)
	}
	return c.resolveSlot(inst.TypeName, slot)
}

func (c *Context) resolveVirtualPouID(thisInst value.InstanceID, ifaceTypeID, slot uint32) (uint32, error) {
	inst, ok := c.Storage.GetInstance(thisInst)
	if !ok {
		return 0, fault.New(fault.InvalidFrame, "call on unknown instance %d", thisInst)
	}
	pou, err := c.findPouByName(inst.TypeName)
	if err != nil {
		return 0, err
	}
	ownSlot, err := classVTableSlot(pou, ifaceTypeID, slot)
	if err != nil {
		return 0, err
	}
	return c.resolveSlot(inst.TypeName, ownSlot)
}

// newInstance creates a fresh instance of the class/FB type id names,
// recursively materialising its parent chain so THIS/SUPER field fallback
// resolves inherited members (spec §3.3, §3.4 ParentPouID).
func (c *Context) newInstance(typeID value.TypeID) (value.InstanceID, error) {
	def, ok := c.Types.Lookup(typeID)
	if !ok {
		return 0, fault.New(fault.InvalidIndex, "unknown type id %d", typeID)
	}
	if def.Kind != value.TypeKindFunctionBlock && def.Kind != value.TypeKindClass {
		return 0, fault.New(fault.TypeMismatch, "NEW_INSTANCE on non-instantiable type %s", def.Name)
	}
	pou, err := c.findPouByName(def.PouName)
	if err != nil {
		return 0, err
	}
	return c.newInstanceForPou(pou)
}

func (c *Context) newInstanceForPou(pou *bytecode.PouEntry) (value.InstanceID, error) {
	name := c.Module.Strings[pou.NameIdx]
	if pou.ClassMeta == nil || pou.ClassMeta.ParentPouID == nil {
		return c.Storage.NewInstance(name, 0, false), nil
	}
	parentPou, err := c.findPou(*pou.ClassMeta.ParentPouID)
	if err != nil {
		return 0, err
	}
	parentID, err := c.newInstanceForPou(parentPou)
	if err != nil {
		return 0, err
	}
	return c.Storage.NewInstance(name, parentID, true), nil
}

// convert applies the fixed-target TO_* conversions. Their operand carries
// no width, so each opcode names one canonical target kind (REAL, LREAL,
// INT, STRING); narrower numeric targets are reached at the ST source
// level by an explicit REAL_TO_SINT-style stdlib call instead.
func convert(op bytecode.Opcode, v value.Value) (value.Value, error) {
	switch op {
	case bytecode.OpToReal:
		if !v.IsNumeric() {
			return value.Null, fault.New(fault.TypeMismatch, "TO_REAL on non-numeric operand")
		}
		return value.NewReal(value.KindReal, float32ify(value.ToFloat(v))), nil
	case bytecode.OpToLReal:
		if !v.IsNumeric() {
			return value.Null, fault.New(fault.TypeMismatch, "TO_LREAL on non-numeric operand")
		}
		return value.NewReal(value.KindLReal, value.ToFloat(v)), nil
	case bytecode.OpToInt:
		if !v.IsNumeric() {
			return value.Null, fault.New(fault.TypeMismatch, "TO_INT on non-numeric operand")
		}
		i, err := value.ToInt64(v)
		if err != nil {
			return value.Null, err
		}
		if i < math.MinInt16 || i > math.MaxInt16 {
			return value.Null, fault.New(fault.Overflow, "TO_INT overflow: %d", i)
		}
		return value.NewInt(value.KindInt, i), nil
	case bytecode.OpToString:
		return value.NewString(value.KindString, v.String()), nil
	default:
		return value.Null, fault.New(fault.InvalidOpcode, "not a conversion opcode: 0x%02x", byte(op))
	}
}

// float32ify rounds a float64 through float32 precision so REAL values
// round-trip the same way the IO image's 4-byte encoding does.
func float32ify(f float64) float64 { return float64(float32(f)) }
