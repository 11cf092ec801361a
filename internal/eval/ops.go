package eval

import (
	"math"
	"math/big"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// unaryOp applies OpNeg/OpNot/OpBNot to a single popped operand (spec §3.5,
// grounded on the original evaluator's apply_unary).
func unaryOp(op bytecode.Opcode, v value.Value) (value.Value, error) {
	switch op {
	case bytecode.OpNeg:
		switch v.Kind {
		case value.KindSInt, value.KindInt, value.KindDInt, value.KindLInt:
			return value.NewInt(v.Kind, -v.Int), nil
		case value.KindReal, value.KindLReal:
			return value.NewReal(v.Kind, -v.Real), nil
		default:
			return value.Null, fault.New(fault.TypeMismatch, "NEG on non-numeric kind %d", v.Kind)
		}
	case bytecode.OpNot:
		if v.Kind != value.KindBool {
			return value.Null, fault.New(fault.TypeMismatch, "NOT on non-bool kind %d", v.Kind)
		}
		return value.NewBool(!v.Bool), nil
	case bytecode.OpBNot:
		switch v.Kind {
		case value.KindByte, value.KindWord, value.KindDWord, value.KindLWord:
			return value.NewUint(v.Kind, ^v.UInt&bitMask(v.Kind)), nil
		default:
			return value.Null, fault.New(fault.TypeMismatch, "BNOT on non-bitstring kind %d", v.Kind)
		}
	default:
		return value.Null, fault.New(fault.InvalidOpcode, "not a unary opcode: 0x%02x", byte(op))
	}
}

func bitMask(k value.Kind) uint64 {
	switch k {
	case value.KindByte:
		return 0xFF
	case value.KindWord:
		return 0xFFFF
	case value.KindDWord:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

// binaryArith applies Add/Sub/Mul/Div/Mod, widening both operands to their
// join kind and narrowing the result, overflow-checked through math/big in
// place of the original's i128 intermediate (spec §3.1, grounded on
// apply_binary/numeric_arith).
func binaryArith(op bytecode.Opcode, left, right value.Value) (value.Value, error) {
	if !left.IsNumeric() || !right.IsNumeric() {
		return value.Null, fault.New(fault.TypeMismatch, "arithmetic on non-numeric operand")
	}
	target := value.Join(left.Kind, right.Kind)
	if target == value.KindReal || target == value.KindLReal {
		a, b := value.ToFloat(left), value.ToFloat(right)
		var r float64
		switch op {
		case bytecode.OpAdd:
			r = a + b
		case bytecode.OpSub:
			r = a - b
		case bytecode.OpMul:
			r = a * b
		case bytecode.OpDiv:
			if b == 0 {
				return value.Null, fault.New(fault.DivisionByZero, "division by zero")
			}
			r = a / b
		case bytecode.OpMod:
			return value.Null, fault.New(fault.TypeMismatch, "MOD on real operands")
		default:
			return value.Null, fault.New(fault.InvalidOpcode, "not an arithmetic opcode: 0x%02x", byte(op))
		}
		if math.IsInf(r, 0) || math.IsNaN(r) {
			return value.Null, fault.New(fault.Overflow, "arithmetic overflow")
		}
		return value.NewReal(target, r), nil
	}

	signed := isSignedJoin(target)
	var a, b *big.Int
	if signed {
		av, err := value.ToInt64(left)
		if err != nil {
			return value.Null, err
		}
		bv, err := value.ToInt64(right)
		if err != nil {
			return value.Null, err
		}
		a, b = big.NewInt(av), big.NewInt(bv)
	} else {
		av, err := value.ToUint64(left)
		if err != nil {
			return value.Null, err
		}
		bv, err := value.ToUint64(right)
		if err != nil {
			return value.Null, err
		}
		a, b = new(big.Int).SetUint64(av), new(big.Int).SetUint64(bv)
	}

	result := new(big.Int)
	switch op {
	case bytecode.OpAdd:
		result.Add(a, b)
	case bytecode.OpSub:
		result.Sub(a, b)
	case bytecode.OpMul:
		result.Mul(a, b)
	case bytecode.OpDiv:
		if b.Sign() == 0 {
			return value.Null, fault.New(fault.DivisionByZero, "division by zero")
		}
		result.Quo(a, b)
	case bytecode.OpMod:
		if b.Sign() == 0 {
			return value.Null, fault.New(fault.ModuloByZero, "modulo by zero")
		}
		result.Rem(a, b)
	default:
		return value.Null, fault.New(fault.InvalidOpcode, "not an arithmetic opcode: 0x%02x", byte(op))
	}

	if signed {
		if !result.IsInt64() {
			return value.Null, fault.New(fault.Overflow, "arithmetic overflow")
		}
		return value.NewInt(target, result.Int64()), nil
	}
	if !result.IsUint64() {
		return value.Null, fault.New(fault.Overflow, "arithmetic overflow")
	}
	return value.NewUint(target, result.Uint64()), nil
}

func isSignedJoin(k value.Kind) bool {
	switch k {
	case value.KindSInt, value.KindInt, value.KindDInt, value.KindLInt, value.KindTime, value.KindLTime:
		return true
	default:
		return false
	}
}

// binaryCompare applies Eq/Ne/Lt/Le/Gt/Ge. Numeric operands widen to their
// join kind; string/char/bit-string operands compare directly; the
// temporal kinds the value model does not treat as numeric (Date/Tod/DT and
// their long variants) compare by their raw tick count (spec §3.1,
// grounded on ops.rs's non_numeric_cmp/time_cmp split).
func binaryCompare(op bytecode.Opcode, left, right value.Value) (value.Value, error) {
	if op == bytecode.OpEq || op == bytecode.OpNe {
		return equality(op, left, right), nil
	}
	if left.Kind != right.Kind {
		if !left.IsNumeric() || !right.IsNumeric() {
			return value.Null, fault.New(fault.TypeMismatch, "comparison across mismatched kinds")
		}
	}
	switch left.Kind {
	case value.KindString, value.KindWString:
		return value.NewBool(ordStr(op, left.Str, right.Str)), nil
	case value.KindChar, value.KindWChar:
		return value.NewBool(ordStr(op, left.Str, right.Str)), nil
	case value.KindDate, value.KindLDate, value.KindTod, value.KindLTod, value.KindDT, value.KindLDT:
		return value.NewBool(ordInt(op, left.Int, right.Int)), nil
	}
	if left.IsNumeric() && right.IsNumeric() {
		target := value.Join(left.Kind, right.Kind)
		if target == value.KindReal || target == value.KindLReal {
			return value.NewBool(ordFloat(op, value.ToFloat(left), value.ToFloat(right))), nil
		}
		if isSignedJoin(target) {
			a, err := value.ToInt64(left)
			if err != nil {
				return value.Null, err
			}
			b, err := value.ToInt64(right)
			if err != nil {
				return value.Null, err
			}
			return value.NewBool(ordInt(op, a, b)), nil
		}
		a, err := value.ToUint64(left)
		if err != nil {
			return value.Null, err
		}
		b, err := value.ToUint64(right)
		if err != nil {
			return value.Null, err
		}
		return value.NewBool(ordUint(op, a, b)), nil
	}
	return value.Null, fault.New(fault.TypeMismatch, "ordered comparison on kind %d", left.Kind)
}

func equality(op bytecode.Opcode, left, right value.Value) value.Value {
	leftNull := left.Kind == value.KindNull || (left.Kind == value.KindReference && !left.HasRefVal)
	rightNull := right.Kind == value.KindNull || (right.Kind == value.KindReference && !right.HasRefVal)
	if leftNull || rightNull {
		matches := leftNull && rightNull
		if op == bytecode.OpNe {
			matches = !matches
		}
		return value.NewBool(matches)
	}
	matches := valuesEqual(left, right)
	if op == bytecode.OpNe {
		matches = !matches
	}
	return value.NewBool(matches)
}

func valuesEqual(left, right value.Value) bool {
	if left.IsNumeric() && right.IsNumeric() {
		target := value.Join(left.Kind, right.Kind)
		if target == value.KindReal || target == value.KindLReal {
			return value.ToFloat(left) == value.ToFloat(right)
		}
		if isSignedJoin(target) {
			a, erra := value.ToInt64(left)
			b, errb := value.ToInt64(right)
			return erra == nil && errb == nil && a == b
		}
		a, erra := value.ToUint64(left)
		b, errb := value.ToUint64(right)
		return erra == nil && errb == nil && a == b
	}
	if left.Kind != right.Kind {
		return false
	}
	switch left.Kind {
	case value.KindBool:
		return left.Bool == right.Bool
	case value.KindString, value.KindWString, value.KindChar, value.KindWChar:
		return left.Str == right.Str
	case value.KindEnum:
		return left.TypeName == right.TypeName && left.Variant == right.Variant
	case value.KindDate, value.KindLDate, value.KindTod, value.KindLTod, value.KindDT, value.KindLDT:
		return left.Int == right.Int
	case value.KindInstance:
		return left.Instance == right.Instance
	default:
		return false
	}
}

func ordStr(op bytecode.Opcode, a, b string) bool {
	switch op {
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	case bytecode.OpGt:
		return a > b
	case bytecode.OpGe:
		return a >= b
	default:
		return false
	}
}

func ordInt(op bytecode.Opcode, a, b int64) bool {
	switch op {
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	case bytecode.OpGt:
		return a > b
	case bytecode.OpGe:
		return a >= b
	default:
		return false
	}
}

func ordUint(op bytecode.Opcode, a, b uint64) bool {
	switch op {
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	case bytecode.OpGt:
		return a > b
	case bytecode.OpGe:
		return a >= b
	default:
		return false
	}
}

func ordFloat(op bytecode.Opcode, a, b float64) bool {
	switch op {
	case bytecode.OpLt:
		return a < b
	case bytecode.OpLe:
		return a <= b
	case bytecode.OpGt:
		return a > b
	case bytecode.OpGe:
		return a >= b
	default:
		return false
	}
}

// binaryLogical applies And/Or/Xor to Bool operands (spec §3.1, grounded
// on logical_or_bitwise's Bool arm).
func binaryLogical(op bytecode.Opcode, left, right value.Value) (value.Value, error) {
	if left.Kind != value.KindBool || right.Kind != value.KindBool {
		return value.Null, fault.New(fault.TypeMismatch, "logical op on non-bool operand")
	}
	switch op {
	case bytecode.OpAnd:
		return value.NewBool(left.Bool && right.Bool), nil
	case bytecode.OpOr:
		return value.NewBool(left.Bool || right.Bool), nil
	case bytecode.OpXor:
		return value.NewBool(left.Bool != right.Bool), nil
	default:
		return value.Null, fault.New(fault.InvalidOpcode, "not a logical opcode: 0x%02x", byte(op))
	}
}

// binaryBitwise applies BAnd/BOr/BXor/Shl/Shr to bit-string operands (spec
// §3.1, grounded on logical_or_bitwise's bit_op helper; shift counts widen
// to uint and saturate rather than wrap, since the original ISA has no
// separate shift operator).
func binaryBitwise(op bytecode.Opcode, left, right value.Value) (value.Value, error) {
	if !isBitString(left.Kind) {
		return value.Null, fault.New(fault.TypeMismatch, "bitwise op on non-bitstring operand")
	}
	switch op {
	case bytecode.OpShl, bytecode.OpShr:
		count, err := value.ToUint64(right)
		if err != nil {
			return value.Null, err
		}
		width := bitWidth(left.Kind)
		if count >= uint64(width) {
			return value.NewUint(left.Kind, 0), nil
		}
		if op == bytecode.OpShl {
			return value.NewUint(left.Kind, (left.UInt<<count)&bitMask(left.Kind)), nil
		}
		return value.NewUint(left.Kind, left.UInt>>count), nil
	}
	if !isBitString(right.Kind) {
		return value.Null, fault.New(fault.TypeMismatch, "bitwise op on non-bitstring operand")
	}
	target := value.Join(left.Kind, right.Kind)
	a, b := left.UInt, right.UInt
	var r uint64
	switch op {
	case bytecode.OpBAnd:
		r = a & b
	case bytecode.OpBOr:
		r = a | b
	case bytecode.OpBXor:
		r = a ^ b
	default:
		return value.Null, fault.New(fault.InvalidOpcode, "not a bitwise opcode: 0x%02x", byte(op))
	}
	return value.NewUint(target, r&bitMask(target)), nil
}

func isBitString(k value.Kind) bool {
	switch k {
	case value.KindByte, value.KindWord, value.KindDWord, value.KindLWord:
		return true
	default:
		return false
	}
}

func bitWidth(k value.Kind) int {
	switch k {
	case value.KindByte:
		return 8
	case value.KindWord:
		return 16
	case value.KindDWord:
		return 32
	default:
		return 64
	}
}
