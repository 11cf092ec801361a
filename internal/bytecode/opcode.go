package bytecode

// Opcode is one instruction in a POU's code stream (spec §3.5). Operand
// encoding is opcode-specific and documented per constant below; all
// multi-byte operands are little-endian.
type Opcode uint8

const (
	// Zero-operand stack/arithmetic/comparison/conversion ops.
	OpNop  Opcode = 0x00
	OpPop  Opcode = 0x01
	OpJmp  Opcode = 0x02 // operand: i32 relative offset
	OpJmpIfFalse Opcode = 0x03 // operand: i32 relative offset, pops bool
	OpJmpIfTrue  Opcode = 0x04 // operand: i32 relative offset, pops bool
	OpCallFunction Opcode = 0x05 // operand: u32 pou id
	OpReturn       Opcode = 0x06
	OpCallMethod   Opcode = 0x07 // operand: u32 vtable slot
	OpCallVirtual  Opcode = 0x08 // operand: u32 interface type id, u32 slot

	OpRefTo Opcode = 0x10 // operand: u32 local ref table index

	OpAdd Opcode = 0x11
	OpSub Opcode = 0x12
	OpMul Opcode = 0x13
	OpDiv Opcode = 0x14
	OpMod Opcode = 0x15

	OpDebugMarker Opcode = 0x16 // operand: u8 marker kind (statement/expression boundary)

	OpPushConst Opcode = 0x20 // operand: u32 const pool index
	OpPushLocal Opcode = 0x21 // operand: u32 local ref table index
	OpPushTemp  Opcode = 0x22 // operand: u32 temp slot index
	OpSwap      Opcode = 0x23

	OpStoreLocal Opcode = 0x30 // operand: u32 local ref table index

	OpNeg Opcode = 0x31
	OpNot Opcode = 0x32
	OpDup Opcode = 0x33

	OpEq  Opcode = 0x40
	OpNe  Opcode = 0x41
	OpLt  Opcode = 0x42
	OpLe  Opcode = 0x43
	OpGt  Opcode = 0x44
	OpGe  Opcode = 0x45
	OpAnd Opcode = 0x46
	OpOr  Opcode = 0x47
	OpXor Opcode = 0x48
	OpShl Opcode = 0x49
	OpShr Opcode = 0x4A
	OpBAnd Opcode = 0x4B
	OpBOr  Opcode = 0x4C
	OpBXor Opcode = 0x4D
	OpBNot Opcode = 0x4E

	OpToReal   Opcode = 0x50
	OpToLReal  Opcode = 0x51
	OpToInt    Opcode = 0x52
	OpToString Opcode = 0x53
	OpLoadRef  Opcode = 0x54 // pops a ref, pushes the value it denotes
	OpStoreRef Opcode = 0x55 // pops a value then a ref, writes value through ref

	OpNewInstance Opcode = 0x60 // operand: u32 type id, validated as an instantiable type

	OpDebugHit Opcode = 0x70 // operand: u32 debug map entry index
)

// operandKind classifies how an opcode's operand bytes are laid out, used
// by the instruction-stream walker (validate.go); the evaluator decodes
// operands inline.
type operandKind uint8

const (
	operandUnknown operandKind = iota
	operandNone
	operandJumpOffset
	operandPouID
	operandVTableSlot
	operandInterfaceSlot
	operandRefIdx
	operandDebugKind
	operandIndexU32
	operandTypeID
	operandDebugEntry
)

func (op Opcode) operandKind() operandKind {
	switch op {
	case OpNop, OpPop, OpReturn, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpSwap,
		OpNeg, OpNot, OpDup, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpAnd, OpOr,
		OpXor, OpShl, OpShr, OpBAnd, OpBOr, OpBXor, OpBNot,
		OpToReal, OpToLReal, OpToInt, OpToString, OpLoadRef, OpStoreRef:
		return operandNone
	case OpJmp, OpJmpIfFalse, OpJmpIfTrue:
		return operandJumpOffset
	case OpCallFunction:
		return operandPouID
	case OpCallMethod:
		return operandVTableSlot
	case OpCallVirtual:
		return operandInterfaceSlot
	case OpRefTo, OpStoreLocal, OpPushLocal:
		return operandRefIdx
	case OpDebugMarker:
		return operandDebugKind
	case OpPushConst, OpPushTemp:
		return operandIndexU32
	case OpNewInstance:
		return operandTypeID
	case OpDebugHit:
		return operandDebugEntry
	default:
		return operandUnknown
	}
}
