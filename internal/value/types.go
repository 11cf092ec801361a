package value

import (
	"fmt"
	"strings"
	"sync"
)

// TypeID is an opaque type identifier. A reserved low range (spec §3.2)
// encodes the built-in elementary types.
type TypeID uint32

// Built-in type ids, stable across modules (spec §3.2: "a reserved low
// range encodes built-ins (IDs 0..~50)").
const (
	TypeNull TypeID = iota
	TypeBool
	TypeSInt
	TypeInt
	TypeDInt
	TypeLInt
	TypeUSInt
	TypeUInt
	TypeUDInt
	TypeULInt
	TypeReal
	TypeLReal
	TypeByte
	TypeWord
	TypeDWord
	TypeLWord
	TypeTime
	TypeLTime
	TypeDate
	TypeLDate
	TypeTod
	TypeLTod
	TypeDT
	TypeLDT
	TypeString
	TypeWString
	TypeChar
	TypeWChar

	firstUserTypeID TypeID = 50
)

// TypeKind distinguishes the shape of a registered type.
type TypeKind uint8

const (
	TypeKindPrimitive TypeKind = iota
	TypeKindAlias
	TypeKindArray
	TypeKindStruct
	TypeKindUnion
	TypeKindEnum
	TypeKindSubrange
	TypeKindPointer
	TypeKindReference
	TypeKindFunctionBlock
	TypeKindClass
	TypeKindInterface
)

// EnumVariant pairs a declared enum member name with its numeric value.
type EnumVariant struct {
	Name  string
	Value int64
}

// InterfaceMethod is one named, slot-assigned method of an interface type.
type InterfaceMethod struct {
	Name string
	Slot uint32
}

// TypeDef describes one registered type; the fields populated depend on
// Kind (spec §3.2).
type TypeDef struct {
	ID   TypeID
	Name string // canonical uppercase name; "" for anonymous array/struct types
	Kind TypeKind

	AliasTarget TypeID

	ElemType TypeID
	Dims     []Dim

	Fields  []FieldDef // Struct/Union
	Variants []EnumVariant
	EnumBase TypeID

	SubrangeBase TypeID
	SubrangeLo   int64
	SubrangeHi   int64

	PointerTarget   TypeID
	ReferenceTarget TypeID

	PouName          string // FunctionBlock/Class
	InterfaceMethods []InterfaceMethod
}

// FieldDef is one declared struct/union field (name + type, declaration
// order significant).
type FieldDef struct {
	Name string
	Type TypeID
}

// maxAliasDepth bounds alias resolution to break type cycles deterministically
// (spec §3.2, §9: "bounded alias resolution (<=16 hops)").
const maxAliasDepth = 16

// Registry is the type table: built-ins are implicit, user types are
// registered by canonical uppercase name. Re-registering a name is
// idempotent and returns the existing id.
type Registry struct {
	mu      sync.RWMutex
	byID    map[TypeID]*TypeDef
	byName  map[string]TypeID
	nextID  TypeID
}

// NewRegistry returns a Registry pre-populated with the built-in elementary
// types.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[TypeID]*TypeDef),
		byName: make(map[string]TypeID),
		nextID: firstUserTypeID,
	}
	builtins := []struct {
		id   TypeID
		name string
	}{
		{TypeBool, "BOOL"}, {TypeSInt, "SINT"}, {TypeInt, "INT"}, {TypeDInt, "DINT"},
		{TypeLInt, "LINT"}, {TypeUSInt, "USINT"}, {TypeUInt, "UINT"}, {TypeUDInt, "UDINT"},
		{TypeULInt, "ULINT"}, {TypeReal, "REAL"}, {TypeLReal, "LREAL"}, {TypeByte, "BYTE"},
		{TypeWord, "WORD"}, {TypeDWord, "DWORD"}, {TypeLWord, "LWORD"}, {TypeTime, "TIME"},
		{TypeLTime, "LTIME"}, {TypeDate, "DATE"}, {TypeLDate, "LDATE"}, {TypeTod, "TOD"},
		{TypeLTod, "LTOD"}, {TypeDT, "DT"}, {TypeLDT, "LDT"}, {TypeString, "STRING"},
		{TypeWString, "WSTRING"}, {TypeChar, "CHAR"}, {TypeWChar, "WCHAR"},
	}
	for _, b := range builtins {
		r.byID[b.id] = &TypeDef{ID: b.id, Name: b.name, Kind: TypeKindPrimitive}
		r.byName[b.name] = b.id
	}
	return r
}

// Register inserts def under its canonical-uppercase Name, assigning a
// fresh id, unless that name already exists — in which case the existing
// id is returned and def is ignored (idempotent, spec §3.2).
func (r *Registry) Register(def TypeDef) TypeID {
	name := strings.ToUpper(def.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	def.ID = id
	def.Name = name
	r.byID[id] = &def
	if name != "" {
		r.byName[name] = id
	}
	return id
}

// RegisterAnonymous inserts def with a fresh id regardless of name
// (used for compiler-synthesized array/struct literal types that have no
// declared name).
func (r *Registry) RegisterAnonymous(def TypeDef) TypeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	def.ID = id
	r.byID[id] = &def
	return id
}

// Lookup returns the TypeDef for id.
func (r *Registry) Lookup(id TypeID) (*TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// LookupByName resolves a type by its canonical uppercase name.
func (r *Registry) LookupByName(name string) (TypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.ToUpper(name)]
	return id, ok
}

// Resolve follows Alias chains up to maxAliasDepth hops and returns the
// underlying non-alias TypeDef.
func (r *Registry) Resolve(id TypeID) (*TypeDef, error) {
	for hop := 0; hop < maxAliasDepth; hop++ {
		d, ok := r.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("value: unknown type id %d", id)
		}
		if d.Kind != TypeKindAlias {
			return d, nil
		}
		id = d.AliasTarget
	}
	return nil, fmt.Errorf("value: alias resolution exceeded %d hops (cycle?)", maxAliasDepth)
}

// All returns every registered TypeDef, for diagnostics/bytecode encoding.
func (r *Registry) All() []*TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TypeDef, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}
