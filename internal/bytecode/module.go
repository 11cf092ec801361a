// Package bytecode implements the versioned, section-aligned binary module
// format: encode, decode, and cross-reference validate (spec §3.4, §4.1).
package bytecode

import "errors"

// Magic is the 4-byte file signature "STBC".
var Magic = [4]byte{'S', 'T', 'B', 'C'}

// SupportedMajor is the only major version this package decodes (spec §6.1).
const SupportedMajor = 1

// HeaderSize is the fixed 24-byte header length.
const HeaderSize = 24

// SectionEntrySize is the fixed size of one section-table entry.
const SectionEntrySize = 12

// HeaderFlagCRC32 marks that a CRC-32 checksum over the section table and
// sections is present in the header (spec §3.4).
const HeaderFlagCRC32 uint32 = 1 << 0

// SectionID identifies one section kind.
type SectionID uint16

const (
	SectionStringTable SectionID = iota + 1
	SectionTypeTable
	SectionConstPool
	SectionRefTable
	SectionPouIndex
	SectionPouBodies
	SectionResourceMeta
	SectionIoMap
	SectionDebugStringTable
	SectionDebugMap
	SectionVarMeta
	SectionRetainInit
)

// requiredSections must be present in every valid module (spec §3.4).
var requiredSections = []SectionID{
	SectionStringTable, SectionTypeTable, SectionConstPool, SectionRefTable,
	SectionPouIndex, SectionPouBodies, SectionResourceMeta, SectionIoMap,
}

func sectionName(id SectionID) string {
	switch id {
	case SectionStringTable:
		return "STRING_TABLE"
	case SectionTypeTable:
		return "TYPE_TABLE"
	case SectionConstPool:
		return "CONST_POOL"
	case SectionRefTable:
		return "REF_TABLE"
	case SectionPouIndex:
		return "POU_INDEX"
	case SectionPouBodies:
		return "POU_BODIES"
	case SectionResourceMeta:
		return "RESOURCE_META"
	case SectionIoMap:
		return "IO_MAP"
	case SectionDebugStringTable:
		return "DEBUG_STRING_TABLE"
	case SectionDebugMap:
		return "DEBUG_MAP"
	case SectionVarMeta:
		return "VAR_META"
	case SectionRetainInit:
		return "RETAIN_INIT"
	default:
		return "UNKNOWN"
	}
}

// Version is the module's major.minor pair.
type Version struct {
	Major uint16
	Minor uint16
}

// RefLocation names where a REF_TABLE entry's root lives.
type RefLocation uint8

const (
	RefGlobal RefLocation = iota
	RefRetain
	RefLocal
	RefInstance
	RefIO
)

// RefSegment is one hop of a reference's access path: either an index
// chain or a named field (spec §3.4).
type RefSegment struct {
	IsField bool
	Indices []int64
	Field   uint32 // string table index
}

// RefEntry is one REF_TABLE row.
type RefEntry struct {
	Location RefLocation
	OwnerID  uint32
	Offset   uint32
	Segments []RefSegment
}

// ConstEntry is one CONST_POOL row: a type id plus its canonical
// little-endian payload.
type ConstEntry struct {
	TypeID  uint32
	Payload []byte
}

// TypeKind mirrors value.TypeKind at the wire level.
type TypeKind uint8

const (
	TypeKindPrimitive TypeKind = iota
	TypeKindArray
	TypeKindStruct
	TypeKindUnion
	TypeKindEnum
	TypeKindAlias
	TypeKindSubrange
	TypeKindPointer
	TypeKindReference
	TypeKindPou
	TypeKindInterface
)

// TypeEntry is one TYPE_TABLE row. Payload fields are kind-dependent; only
// the ones relevant to Kind are populated (spec §3.4).
type TypeEntry struct {
	Kind    TypeKind
	NameIdx *uint32

	PrimID     uint32
	MaxLength  uint32

	ElemTypeID uint32
	Dims       [][2]int64

	Fields []FieldEntry // Struct/Union

	EnumBase     uint32
	EnumVariants []EnumVariantEntry

	AliasTarget uint32

	SubrangeBase uint32
	SubrangeLo   int64
	SubrangeHi   int64

	PointerTarget   uint32
	ReferenceTarget uint32

	PouID uint32

	InterfaceMethods []InterfaceMethodEntry
}

// FieldEntry is one struct/union field row.
type FieldEntry struct {
	NameIdx uint32
	TypeID  uint32
}

// EnumVariantEntry is one enum member row.
type EnumVariantEntry struct {
	NameIdx uint32
	Value   int64
}

// InterfaceMethodEntry is one interface method-slot row.
type InterfaceMethodEntry struct {
	NameIdx uint32
	Slot    uint32
}

// PouKind names the kind of one Program Organisation Unit.
type PouKind uint8

const (
	PouProgram PouKind = iota
	PouFunction
	PouFunctionBlock
	PouClass
	PouMethod
	PouInterface
)

// IsClassLike reports whether the kind carries class_meta-shaped data
// (class or function block).
func (k PouKind) IsClassLike() bool { return k == PouClass || k == PouFunctionBlock }

// ParamEntry is one POU parameter row.
type ParamEntry struct {
	NameIdx          uint32
	TypeID           uint32
	Direction        uint8 // 0 In, 1 Out, 2 InOut
	DefaultConstIdx  *uint32
}

// InterfaceImplEntry records one implemented interface plus its v-table
// slot vector (length matches the interface's method count).
type InterfaceImplEntry struct {
	InterfaceTypeID uint32
	VTableSlots     []uint32
}

// MethodEntry is one class/FB method with its slot assignment (overrides
// reuse the inherited slot, spec §3.4).
type MethodEntry struct {
	NameIdx     uint32
	PouID       uint32
	VTableSlot  uint32
	Access      uint8
	Flags       uint8
}

// ClassMeta carries inheritance/interface/method data for class-like POUs.
type ClassMeta struct {
	ParentPouID *uint32
	Interfaces  []InterfaceImplEntry
	Methods     []MethodEntry
}

// PouEntry is one POU_INDEX row.
type PouEntry struct {
	ID             uint32
	NameIdx        uint32
	Kind           PouKind
	CodeOffset     uint32
	CodeLength     uint32
	LocalRefStart  uint32
	LocalRefCount  uint32
	ReturnTypeID   *uint32
	OwnerPouID     *uint32
	Params         []ParamEntry
	ClassMeta      *ClassMeta
}

// TaskEntry is one scheduled task row.
type TaskEntry struct {
	NameIdx         uint32
	Priority        uint32
	IntervalNanos   int64
	SingleNameIdx   *uint32
	ProgramNameIdx  []uint32
	FBRefIdx        []uint32
}

// ResourceEntry is one resource row.
type ResourceEntry struct {
	NameIdx     uint32
	InputsSize  uint32
	OutputsSize uint32
	MemorySize  uint32
	Tasks       []TaskEntry
}

// IoBinding is one IO_MAP row.
type IoBinding struct {
	AddressStrIdx uint32
	RefIdx        uint32
	TypeID        *uint32
}

// DebugEntry is one per-statement DEBUG_MAP row.
type DebugEntry struct {
	PouID      uint32
	CodeOffset uint32
	FileIdx    uint32
	Line       uint32
	Column     uint32
	Kind       uint8
}

// VarMetaEntry is one VAR_META row: symbolic metadata for a storage root.
type VarMetaEntry struct {
	NameIdx       uint32
	TypeID        uint32
	RefIdx        uint32
	Retain        bool
	InitConstIdx  *uint32
}

// RetainInitEntry pairs a retain storage root with its initial constant.
type RetainInitEntry struct {
	RefIdx    uint32
	ConstIdx  uint32
}

// Module is the fully decoded in-memory form of a bytecode file.
type Module struct {
	Version Version
	Flags   uint32

	Strings      []string
	DebugStrings []string

	Types  []TypeEntry
	Consts []ConstEntry
	Refs   []RefEntry

	Pous      []PouEntry
	PouBodies []byte

	Resources []ResourceEntry
	IoMap     []IoBinding

	DebugMap  []DebugEntry
	VarMeta   []VarMetaEntry
	RetainInit []RetainInitEntry

	hasDebugMap   bool
	hasVarMeta    bool
	hasRetainInit bool
	hasDebugStr   bool
}

// HasDebugMap reports whether the optional DEBUG_MAP section was present.
func (m *Module) HasDebugMap() bool { return m.hasDebugMap }

// HasVarMeta reports whether the optional VAR_META section was present.
func (m *Module) HasVarMeta() bool { return m.hasVarMeta }

// HasRetainInit reports whether the optional RETAIN_INIT section was present.
func (m *Module) HasRetainInit() bool { return m.hasRetainInit }

// MarkOptionalSections flags which optional sections a builder wants
// encoded, mirroring the flags Decode derives from which sections a file
// actually carries (spec §3.4: DEBUG_STRING_TABLE, DEBUG_MAP, VAR_META and
// RETAIN_INIT are all optional).
func (m *Module) MarkOptionalSections(hasDebugStr, hasDebugMap, hasVarMeta, hasRetainInit bool) {
	m.hasDebugStr = hasDebugStr
	m.hasDebugMap = hasDebugMap
	m.hasVarMeta = hasVarMeta
	m.hasRetainInit = hasRetainInit
}

// ErrInvalidMagic is returned when a file does not start with "STBC".
var ErrInvalidMagic = errors.New("bytecode: invalid magic")
