// Package compiler assembles a bytecode.Module section by section: string
// interning, the type table, the constant pool, the reference table, POU
// bodies, and the resource/task/IO/var metadata sections (spec §1 [ADD],
// §3.4, §4.1). It stands in for the front end spec.md declares out of
// scope (ST lexing, parsing, HIR) — its input is already-resolved
// declarations, not source text, and its output is whatever
// (*bytecode.Module).Encode/Validate already know how to serialise and
// check.
package compiler

import (
	"encoding/binary"
	"math"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/value"
)

// firstUserTypeID mirrors value.firstUserTypeID: TYPE_TABLE index 0 is the
// null placeholder and built-in primitive type ids occupy indices 1..27
// (value.TypeBool..value.TypeWChar), with 28..49 reserved but unused, so a user type registered here and the
// matching value.Registry entry LoadTypes builds from it land on the same
// numeric id (spec §3.2: "a reserved low range encodes built-ins").
const firstUserTypeID = 50

// Builder incrementally assembles a bytecode.Module. Declare methods return
// the index/id the declared row was assigned, for use as an operand
// elsewhere in the module (a const index, a ref index, a type id, a pou
// id).
type Builder struct {
	mod *bytecode.Module

	strIdx map[string]uint32

	bodies    []byte
	nextPouID uint32

	hasDebugStr   bool
	hasDebugMap   bool
	hasVarMeta    bool
	hasRetainInit bool
}

// New returns a Builder with the primitive type table seeded and an empty
// string/const/ref/pou/resource/io-map set (spec §3.4).
func New() *Builder {
	b := &Builder{
		mod: &bytecode.Module{
			Version: bytecode.Version{Major: bytecode.SupportedMajor, Minor: 1},
			Flags:   bytecode.HeaderFlagCRC32,
		},
		strIdx: map[string]uint32{},
	}
	b.seedPrimitiveTypes()
	return b
}

// String interns s, returning its STRING_TABLE index (re-interning the same
// string is idempotent).
func (b *Builder) String(s string) uint32 {
	if idx, ok := b.strIdx[s]; ok {
		return idx
	}
	idx := uint32(len(b.mod.Strings))
	b.mod.Strings = append(b.mod.Strings, s)
	b.strIdx[s] = idx
	return idx
}

// seedPrimitiveTypes populates TYPE_TABLE index 0 with the null placeholder
// and 1..27 with one entry per value package built-in, and pads 28..49 with
// unreferenced placeholders, so
// TYPE_TABLE indices agree with value.TypeID for every primitive without the
// builder or LoadTypes having to special-case them.
func (b *Builder) seedPrimitiveTypes() {
	names := []string{
		"", "BOOL", "SINT", "INT", "DINT", "LINT", "USINT", "UINT", "UDINT",
		"ULINT", "REAL", "LREAL", "BYTE", "WORD", "DWORD", "LWORD", "TIME",
		"LTIME", "DATE", "LDATE", "TOD", "LTOD", "DT", "LDT", "STRING",
		"WSTRING", "CHAR", "WCHAR",
	}
	b.mod.Types = make([]bytecode.TypeEntry, firstUserTypeID)
	for id, name := range names {
		nameIdx := b.String(name)
		b.mod.Types[id] = bytecode.TypeEntry{Kind: bytecode.TypeKindPrimitive, NameIdx: &nameIdx, PrimID: uint32(id)}
	}
	for id := len(names); id < firstUserTypeID; id++ {
		b.mod.Types[id] = bytecode.TypeEntry{Kind: bytecode.TypeKindPrimitive}
	}
}

// DeclareType appends a user type and returns the TYPE_TABLE index assigned
// to it (sequential from firstUserTypeID, spec §3.2: "re-registering a name
// returns the existing id" — the builder leaves name-based de-duplication to
// the caller, since it sees each declaration exactly once).
func (b *Builder) DeclareType(e bytecode.TypeEntry) uint32 {
	id := uint32(len(b.mod.Types))
	b.mod.Types = append(b.mod.Types, e)
	return id
}

// ArrayType declares ARRAY[dims] OF elemType.
func (b *Builder) ArrayType(name string, elemType uint32, dims [][2]int64) uint32 {
	var nameIdx *uint32
	if name != "" {
		idx := b.String(name)
		nameIdx = &idx
	}
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindArray, NameIdx: nameIdx, ElemTypeID: elemType, Dims: dims})
}

// StructType declares a STRUCT with fields in declaration order.
func (b *Builder) StructType(name string, fields []bytecode.FieldEntry) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindStruct, NameIdx: &idx, Fields: fields})
}

// EnumType declares an enum over base with the given variants.
func (b *Builder) EnumType(name string, base uint32, variants []bytecode.EnumVariantEntry) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindEnum, NameIdx: &idx, EnumBase: base, EnumVariants: variants})
}

// AliasType declares name as an alias for target.
func (b *Builder) AliasType(name string, target uint32) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindAlias, NameIdx: &idx, AliasTarget: target})
}

// SubrangeType declares name as base restricted to [lo,hi].
func (b *Builder) SubrangeType(name string, base uint32, lo, hi int64) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindSubrange, NameIdx: &idx, SubrangeBase: base, SubrangeLo: lo, SubrangeHi: hi})
}

// PouType declares the instantiable type id for a Program/FunctionBlock/Class
// POU, the TYPE_TABLE row OPCODE_NEW_INSTANCE and a declared FB/class
// variable's type both resolve against (spec §3.2 FunctionBlock/Class).
func (b *Builder) PouType(name string, pouID uint32) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindPou, NameIdx: &idx, PouID: pouID})
}

// InterfaceType declares an interface's method-slot vector.
func (b *Builder) InterfaceType(name string, methods []bytecode.InterfaceMethodEntry) uint32 {
	idx := b.String(name)
	return b.DeclareType(bytecode.TypeEntry{Kind: bytecode.TypeKindInterface, NameIdx: &idx, InterfaceMethods: methods})
}

// DeclareConst appends a CONST_POOL row and returns its index.
func (b *Builder) DeclareConst(typeID uint32, payload []byte) uint32 {
	idx := uint32(len(b.mod.Consts))
	b.mod.Consts = append(b.mod.Consts, bytecode.ConstEntry{TypeID: typeID, Payload: payload})
	return idx
}

// ConstBool appends a BOOL constant.
func (b *Builder) ConstBool(v bool) uint32 {
	p := byte(0)
	if v {
		p = 1
	}
	return b.DeclareConst(uint32(value.TypeBool), []byte{p})
}

// ConstInt appends a signed-integer constant of the given built-in type,
// little-endian, width determined by typeID (spec §3.4 CONST_POOL).
func (b *Builder) ConstInt(typeID value.TypeID, v int64) uint32 {
	buf := make([]byte, constWidth(typeID))
	putLE(buf, uint64(v))
	return b.DeclareConst(uint32(typeID), buf)
}

// ConstUint appends an unsigned-integer/bit-string constant.
func (b *Builder) ConstUint(typeID value.TypeID, v uint64) uint32 {
	buf := make([]byte, constWidth(typeID))
	putLE(buf, v)
	return b.DeclareConst(uint32(typeID), buf)
}

// ConstReal appends a REAL (4-byte) constant.
func (b *Builder) ConstReal(v float32) uint32 {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return b.DeclareConst(uint32(value.TypeReal), buf)
}

// ConstLReal appends an LREAL (8-byte) constant.
func (b *Builder) ConstLReal(v float64) uint32 {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return b.DeclareConst(uint32(value.TypeLReal), buf)
}

// ConstString appends a STRING constant; payload is the literal's raw bytes,
// un-length-prefixed (the ConstEntry's own Payload length bounds it).
func (b *Builder) ConstString(s string) uint32 {
	return b.DeclareConst(uint32(value.TypeString), []byte(s))
}

// ConstEnum appends an enum constant: an 8-byte little-endian numeric value
// against enumTypeID (spec §3.1: "Enum.numeric_value equals the value
// recorded in the type registry for variant_name").
func (b *Builder) ConstEnum(enumTypeID uint32, numeric int64) uint32 {
	buf := make([]byte, 8)
	putLE(buf, uint64(numeric))
	return b.DeclareConst(enumTypeID, buf)
}

func constWidth(id value.TypeID) int {
	switch id {
	case value.TypeSInt, value.TypeUSInt, value.TypeByte:
		return 1
	case value.TypeInt, value.TypeUInt, value.TypeWord:
		return 2
	case value.TypeDInt, value.TypeUDInt, value.TypeDWord:
		return 4
	case value.TypeLInt, value.TypeULInt, value.TypeLWord, value.TypeTime, value.TypeLTime,
		value.TypeDate, value.TypeLDate, value.TypeTod, value.TypeLTod, value.TypeDT, value.TypeLDT:
		return 8
	default:
		return 8
	}
}

func putLE(buf []byte, u uint64) {
	for i := range buf {
		buf[i] = byte(u)
		u >>= 8
	}
}

// DeclareRef appends a REF_TABLE row and returns its index.
func (b *Builder) DeclareRef(e bytecode.RefEntry) uint32 {
	idx := uint32(len(b.mod.Refs))
	b.mod.Refs = append(b.mod.Refs, e)
	return idx
}

// RefGlobal declares a reference rooted at a VAR_META-declared global.
func (b *Builder) RefGlobal(segs ...bytecode.RefSegment) uint32 {
	return b.DeclareRef(bytecode.RefEntry{Location: bytecode.RefGlobal, Segments: segs})
}

// RefRetain declares a reference rooted at a VAR_META-declared retain var.
func (b *Builder) RefRetain(segs ...bytecode.RefSegment) uint32 {
	return b.DeclareRef(bytecode.RefEntry{Location: bytecode.RefRetain, Segments: segs})
}

// RefIO declares a reference rooted at one I/O image cell. area matches
// storage.Area's numbering (0 Input, 1 Output, 2 Memory).
func (b *Builder) RefIO(area uint32, bitOffset uint32, segs ...bytecode.RefSegment) uint32 {
	return b.DeclareRef(bytecode.RefEntry{Location: bytecode.RefIO, OwnerID: area, Offset: bitOffset, Segments: segs})
}

// FieldSeg builds a named-field RefSegment.
func (b *Builder) FieldSeg(name string) bytecode.RefSegment {
	return bytecode.RefSegment{IsField: true, Field: b.String(name)}
}

// IndexSeg builds an array-index-path RefSegment.
func (b *Builder) IndexSeg(indices ...int64) bytecode.RefSegment {
	return bytecode.RefSegment{Indices: indices}
}

// DeclareIoBinding appends an IO_MAP row mapping a textual hardware address
// to a REF_TABLE entry.
func (b *Builder) DeclareIoBinding(address string, refIdx uint32, typeID *uint32) {
	b.mod.IoMap = append(b.mod.IoMap, bytecode.IoBinding{AddressStrIdx: b.String(address), RefIdx: refIdx, TypeID: typeID})
}

// DeclareVarMeta appends a VAR_META row describing one symbolic storage
// root (spec §3.4 VAR_META).
func (b *Builder) DeclareVarMeta(name string, typeID, refIdx uint32, retain bool, initConst *uint32) {
	b.hasVarMeta = true
	b.mod.VarMeta = append(b.mod.VarMeta, bytecode.VarMetaEntry{
		NameIdx: b.String(name), TypeID: typeID, RefIdx: refIdx, Retain: retain, InitConstIdx: initConst,
	})
}

// DeclareRetainInit appends a RETAIN_INIT row pairing a retain storage root
// with its initial constant.
func (b *Builder) DeclareRetainInit(refIdx, constIdx uint32) {
	b.hasRetainInit = true
	b.mod.RetainInit = append(b.mod.RetainInit, bytecode.RetainInitEntry{RefIdx: refIdx, ConstIdx: constIdx})
}

// DeclareDebugEntry appends a DEBUG_MAP row (requires a prior DebugString
// call to intern the file name).
func (b *Builder) DeclareDebugEntry(pouID, codeOffset, fileIdx, line, col uint32, kind uint8) {
	b.hasDebugMap = true
	b.mod.DebugMap = append(b.mod.DebugMap, bytecode.DebugEntry{
		PouID: pouID, CodeOffset: codeOffset, FileIdx: fileIdx, Line: line, Column: col, Kind: kind,
	})
}

// DebugString interns a debug source-file name into DEBUG_STRING_TABLE,
// independent of the main STRING_TABLE (spec §3.4: "optional
// DEBUG_STRING_TABLE").
func (b *Builder) DebugString(s string) uint32 {
	b.hasDebugStr = true
	idx := uint32(len(b.mod.DebugStrings))
	b.mod.DebugStrings = append(b.mod.DebugStrings, s)
	return idx
}

// AddResource appends a RESOURCE_META row.
func (b *Builder) AddResource(e bytecode.ResourceEntry) {
	b.mod.Resources = append(b.mod.Resources, e)
}

// NewPou starts a POU body under construction; its id is assigned now so
// forward references (e.g. a class's own methods, recursive calls) can use
// it before Finish.
func (b *Builder) NewPou(name string, kind bytecode.PouKind) *PouBuilder {
	id := b.nextPouID
	b.nextPouID++
	return &PouBuilder{
		b:     b,
		entry: bytecode.PouEntry{ID: id, NameIdx: b.String(name), Kind: kind},
	}
}

// Build finalises the assembled module: lays the accumulated POU code
// buffers into POU_BODIES, and validates every cross-reference before
// returning (spec §4.1 Validate: "all cross-references are checked in one
// pass").
func (b *Builder) Build() (*bytecode.Module, error) {
	b.mod.PouBodies = b.bodies
	b.mod.MarkOptionalSections(b.hasDebugStr, b.hasDebugMap, b.hasVarMeta, b.hasRetainInit)
	if err := b.mod.Validate(); err != nil {
		return nil, err
	}
	return b.mod, nil
}
