package compiler

import (
	"encoding/binary"

	"github.com/trust-plc/strt/internal/bytecode"
)

// PouBuilder assembles one POU's parameter list, local-ref window, and
// instruction stream (spec §3.4 POU_INDEX, §3.5 instruction stream).
type PouBuilder struct {
	b     *Builder
	entry bytecode.PouEntry
	code  []byte

	nextLocal uint32
}

// Param declares an In/Out/InOut parameter and allocates it a local slot,
// returning the slot number CALL sites bind to positionally and PushLocal /
// StoreLocal / RefTo address by ref index (spec §4.2: "the runtime only pops
// positional args in declaration order").
func (p *PouBuilder) Param(name string, typeID uint32, direction uint8, defaultConst *uint32) (slot uint32, refIdx uint32) {
	slot, refIdx = p.declareLocal()
	p.entry.Params = append(p.entry.Params, bytecode.ParamEntry{
		NameIdx: p.b.String(name), TypeID: typeID, Direction: direction, DefaultConstIdx: defaultConst,
	})
	return slot, refIdx
}

// Local allocates a plain (non-parameter) local variable slot, for VAR
// declarations in the POU body.
func (p *PouBuilder) Local() (slot uint32, refIdx uint32) {
	return p.declareLocal()
}

func (p *PouBuilder) declareLocal() (uint32, uint32) {
	slot := p.nextLocal
	p.nextLocal++
	refIdx := p.b.DeclareRef(bytecode.RefEntry{Location: bytecode.RefLocal, Offset: slot})
	return slot, refIdx
}

// Returns sets the POU's declared return type (functions/methods only).
func (p *PouBuilder) Returns(typeID uint32) { p.entry.ReturnTypeID = &typeID }

// SetOwner records the class/FB POU this method belongs to.
func (p *PouBuilder) SetOwner(ownerPouID uint32) { p.entry.OwnerPouID = &ownerPouID }

// SetClassMeta attaches inheritance/interface/method data (class/FB POUs
// only; spec §3.4 class_meta).
func (p *PouBuilder) SetClassMeta(parent *uint32, interfaces []bytecode.InterfaceImplEntry, methods []bytecode.MethodEntry) {
	p.entry.ClassMeta = &bytecode.ClassMeta{ParentPouID: parent, Interfaces: interfaces, Methods: methods}
}

// Here returns the current offset within this POU's own code buffer, for
// manual jump-target arithmetic or debug-map entries.
func (p *PouBuilder) Here() uint32 { return uint32(len(p.code)) }

func (p *PouBuilder) emit8(b byte)   { p.code = append(p.code, b) }
func (p *PouBuilder) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.code = append(p.code, buf[:]...)
}
func (p *PouBuilder) emitI32(v int32) { p.emitU32(uint32(v)) }

// --- zero-operand opcodes ---

func (p *PouBuilder) Nop()       { p.emit8(byte(bytecode.OpNop)) }
func (p *PouBuilder) Pop()       { p.emit8(byte(bytecode.OpPop)) }
func (p *PouBuilder) Return()    { p.emit8(byte(bytecode.OpReturn)) }
func (p *PouBuilder) Add()       { p.emit8(byte(bytecode.OpAdd)) }
func (p *PouBuilder) Sub()       { p.emit8(byte(bytecode.OpSub)) }
func (p *PouBuilder) Mul()       { p.emit8(byte(bytecode.OpMul)) }
func (p *PouBuilder) Div()       { p.emit8(byte(bytecode.OpDiv)) }
func (p *PouBuilder) Mod()       { p.emit8(byte(bytecode.OpMod)) }
func (p *PouBuilder) Swap()      { p.emit8(byte(bytecode.OpSwap)) }
func (p *PouBuilder) Neg()       { p.emit8(byte(bytecode.OpNeg)) }
func (p *PouBuilder) Not()       { p.emit8(byte(bytecode.OpNot)) }
func (p *PouBuilder) Dup()       { p.emit8(byte(bytecode.OpDup)) }
func (p *PouBuilder) Eq()        { p.emit8(byte(bytecode.OpEq)) }
func (p *PouBuilder) Ne()        { p.emit8(byte(bytecode.OpNe)) }
func (p *PouBuilder) Lt()        { p.emit8(byte(bytecode.OpLt)) }
func (p *PouBuilder) Le()        { p.emit8(byte(bytecode.OpLe)) }
func (p *PouBuilder) Gt()        { p.emit8(byte(bytecode.OpGt)) }
func (p *PouBuilder) Ge()        { p.emit8(byte(bytecode.OpGe)) }
func (p *PouBuilder) And()       { p.emit8(byte(bytecode.OpAnd)) }
func (p *PouBuilder) Or()        { p.emit8(byte(bytecode.OpOr)) }
func (p *PouBuilder) Xor()       { p.emit8(byte(bytecode.OpXor)) }
func (p *PouBuilder) Shl()       { p.emit8(byte(bytecode.OpShl)) }
func (p *PouBuilder) Shr()       { p.emit8(byte(bytecode.OpShr)) }
func (p *PouBuilder) BAnd()      { p.emit8(byte(bytecode.OpBAnd)) }
func (p *PouBuilder) BOr()       { p.emit8(byte(bytecode.OpBOr)) }
func (p *PouBuilder) BXor()      { p.emit8(byte(bytecode.OpBXor)) }
func (p *PouBuilder) BNot()      { p.emit8(byte(bytecode.OpBNot)) }
func (p *PouBuilder) ToReal()    { p.emit8(byte(bytecode.OpToReal)) }
func (p *PouBuilder) ToLReal()   { p.emit8(byte(bytecode.OpToLReal)) }
func (p *PouBuilder) ToInt()     { p.emit8(byte(bytecode.OpToInt)) }
func (p *PouBuilder) ToString()  { p.emit8(byte(bytecode.OpToString)) }
func (p *PouBuilder) LoadRef()   { p.emit8(byte(bytecode.OpLoadRef)) }
func (p *PouBuilder) StoreRef()  { p.emit8(byte(bytecode.OpStoreRef)) }

// --- single u32-operand opcodes ---

func (p *PouBuilder) PushConst(idx uint32)  { p.emit8(byte(bytecode.OpPushConst)); p.emitU32(idx) }
func (p *PouBuilder) PushLocal(refIdx uint32) { p.emit8(byte(bytecode.OpPushLocal)); p.emitU32(refIdx) }
func (p *PouBuilder) PushTemp(idx uint32)   { p.emit8(byte(bytecode.OpPushTemp)); p.emitU32(idx) }
func (p *PouBuilder) StoreLocal(refIdx uint32) {
	p.emit8(byte(bytecode.OpStoreLocal))
	p.emitU32(refIdx)
}
func (p *PouBuilder) RefTo(refIdx uint32)     { p.emit8(byte(bytecode.OpRefTo)); p.emitU32(refIdx) }
func (p *PouBuilder) CallFunction(pouID uint32) {
	p.emit8(byte(bytecode.OpCallFunction))
	p.emitU32(pouID)
}
func (p *PouBuilder) CallMethod(slot uint32) { p.emit8(byte(bytecode.OpCallMethod)); p.emitU32(slot) }
func (p *PouBuilder) NewInstance(typeID uint32) {
	p.emit8(byte(bytecode.OpNewInstance))
	p.emitU32(typeID)
}
func (p *PouBuilder) DebugHit(idx uint32) { p.emit8(byte(bytecode.OpDebugHit)); p.emitU32(idx) }

// CallVirtual dispatches through an interface's v-table slot.
func (p *PouBuilder) CallVirtual(ifaceTypeID, slot uint32) {
	p.emit8(byte(bytecode.OpCallVirtual))
	p.emitU32(ifaceTypeID)
	p.emitU32(slot)
}

// DebugMarker emits a statement/expression-boundary marker.
func (p *PouBuilder) DebugMarker(kind uint8) {
	p.emit8(byte(bytecode.OpDebugMarker))
	p.emit8(kind)
}

// JumpPatch is a forward reference to a jump instruction's offset operand,
// filled in once the target address is known (spec §3.5: "signed i32
// offsets relative to the byte after the offset").
type JumpPatch struct {
	p      *PouBuilder
	opByte int
}

// To patches the jump to land at targetOffset (a PouBuilder.Here() value).
func (j JumpPatch) To(targetOffset uint32) {
	site := int32(j.opByte) + 1 + 4 // byte just past the offset operand
	offset := int32(targetOffset) - site
	binary.LittleEndian.PutUint32(j.p.code[j.opByte+1:j.opByte+5], uint32(offset))
}

func (p *PouBuilder) jumpOp(op bytecode.Opcode) JumpPatch {
	site := len(p.code)
	p.emit8(byte(op))
	p.emitI32(0) // placeholder, patched by JumpPatch.To
	return JumpPatch{p: p, opByte: site}
}

// Jmp emits an unconditional jump, returning a patch to fix its target.
func (p *PouBuilder) Jmp() JumpPatch { return p.jumpOp(bytecode.OpJmp) }

// JmpIfFalse emits a jump taken when the popped bool is false.
func (p *PouBuilder) JmpIfFalse() JumpPatch { return p.jumpOp(bytecode.OpJmpIfFalse) }

// JmpIfTrue emits a jump taken when the popped bool is true.
func (p *PouBuilder) JmpIfTrue() JumpPatch { return p.jumpOp(bytecode.OpJmpIfTrue) }

// IfThenElse is a convenience for the common structured-text IF/ELSE shape:
// cond is emitted by the caller beforehand; then_ and else_ each emit their
// branch body against p. Either may be nil.
func (p *PouBuilder) IfThenElse(then_, else_ func(*PouBuilder)) {
	skipThen := p.JmpIfFalse()
	if then_ != nil {
		then_(p)
	}
	end := p.Jmp()
	skipThen.To(p.Here())
	if else_ != nil {
		else_(p)
	}
	end.To(p.Here())
}

// WhileLoop is a convenience for a pre-tested loop: cond emits the boolean
// test (leaving it on the stack), body emits the loop body.
func (p *PouBuilder) WhileLoop(cond, body func(*PouBuilder)) {
	top := p.Here()
	cond(p)
	exit := p.JmpIfFalse()
	body(p)
	back := p.Jmp()
	back.To(top)
	exit.To(p.Here())
}

// Finish lays this POU's accumulated instruction stream into the Builder's
// shared POU_BODIES buffer and appends the finished POU_INDEX row.
// Returns the POU's id.
func (p *PouBuilder) Finish() uint32 {
	p.entry.CodeOffset = uint32(len(p.b.bodies))
	p.entry.CodeLength = uint32(len(p.code))
	p.entry.LocalRefStart = 0
	p.entry.LocalRefCount = p.nextLocal
	p.b.bodies = append(p.b.bodies, p.code...)
	p.b.mod.Pous = append(p.b.mod.Pous, p.entry)
	return p.entry.ID
}
