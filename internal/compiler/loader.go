package compiler

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// LoadTypes rebuilds a value.Registry from a decoded module's TYPE_TABLE.
// value.NewRegistry already seeds the same 27 built-in primitives at the
// same ids Builder.seedPrimitiveTypes wrote them at, so this only needs to
// walk the user-type tail (indices 50+) in order — RegisterAnonymous's own
// counter starts at the same firstUserTypeID, so ids come out identical to
// the TYPE_TABLE index they were read from (spec §3.2: "a reserved low
// range encodes built-ins").
func LoadTypes(mod *bytecode.Module) (*value.Registry, error) {
	reg := value.NewRegistry()
	for id := firstUserTypeID; id < len(mod.Types); id++ {
		entry := mod.Types[id]
		def, err := convertType(mod, entry)
		if err != nil {
			return nil, err
		}
		got := reg.RegisterAnonymous(def)
		if uint32(got) != uint32(id) {
			return nil, fault.New(fault.InvalidSection, "type table index %d desynced from registry id %d", id, got)
		}
	}
	return reg, nil
}

// wireKindToValueKind maps the wire TypeKind enum onto value.TypeKind; the
// two are not ordinally identical (value.TypeKind interleaves Alias right
// after Primitive, bytecode.TypeKind does not), so the mapping must be
// explicit rather than a numeric cast.
func wireKindToValueKind(k bytecode.TypeKind) value.TypeKind {
	switch k {
	case bytecode.TypeKindArray:
		return value.TypeKindArray
	case bytecode.TypeKindStruct:
		return value.TypeKindStruct
	case bytecode.TypeKindUnion:
		return value.TypeKindUnion
	case bytecode.TypeKindEnum:
		return value.TypeKindEnum
	case bytecode.TypeKindAlias:
		return value.TypeKindAlias
	case bytecode.TypeKindSubrange:
		return value.TypeKindSubrange
	case bytecode.TypeKindPointer:
		return value.TypeKindPointer
	case bytecode.TypeKindReference:
		return value.TypeKindReference
	case bytecode.TypeKindInterface:
		return value.TypeKindInterface
	default:
		return value.TypeKindPrimitive
	}
}

func convertType(mod *bytecode.Module, e bytecode.TypeEntry) (value.TypeDef, error) {
	def := value.TypeDef{Kind: wireKindToValueKind(e.Kind)}
	if e.NameIdx != nil {
		if int(*e.NameIdx) >= len(mod.Strings) {
			return def, fault.New(fault.InvalidIndex, "type name string index %d out of range", *e.NameIdx)
		}
		def.Name = mod.Strings[*e.NameIdx]
	}
	switch e.Kind {
	case bytecode.TypeKindPrimitive:
		def.Kind = value.TypeKindPrimitive
	case bytecode.TypeKindArray:
		def.ElemType = value.TypeID(e.ElemTypeID)
		for _, d := range e.Dims {
			def.Dims = append(def.Dims, value.Dim{Lower: d[0], Upper: d[1]})
		}
	case bytecode.TypeKindStruct, bytecode.TypeKindUnion:
		for _, f := range e.Fields {
			if int(f.NameIdx) >= len(mod.Strings) {
				return def, fault.New(fault.InvalidIndex, "field name string index %d out of range", f.NameIdx)
			}
			def.Fields = append(def.Fields, value.FieldDef{Name: mod.Strings[f.NameIdx], Type: value.TypeID(f.TypeID)})
		}
	case bytecode.TypeKindEnum:
		def.EnumBase = value.TypeID(e.EnumBase)
		for _, v := range e.EnumVariants {
			if int(v.NameIdx) >= len(mod.Strings) {
				return def, fault.New(fault.InvalidIndex, "enum variant name string index %d out of range", v.NameIdx)
			}
			def.Variants = append(def.Variants, value.EnumVariant{Name: mod.Strings[v.NameIdx], Value: v.Value})
		}
	case bytecode.TypeKindAlias:
		def.AliasTarget = value.TypeID(e.AliasTarget)
	case bytecode.TypeKindSubrange:
		def.SubrangeBase = value.TypeID(e.SubrangeBase)
		def.SubrangeLo = e.SubrangeLo
		def.SubrangeHi = e.SubrangeHi
	case bytecode.TypeKindPointer:
		def.PointerTarget = value.TypeID(e.PointerTarget)
	case bytecode.TypeKindReference:
		def.ReferenceTarget = value.TypeID(e.ReferenceTarget)
	case bytecode.TypeKindPou:
		pou, ok := findPou(mod, e.PouID)
		if !ok {
			return def, fault.New(fault.InvalidPouID, "type table pou type references unknown pou %d", e.PouID)
		}
		if pou.Kind == bytecode.PouClass {
			def.Kind = value.TypeKindClass
		} else {
			def.Kind = value.TypeKindFunctionBlock
		}
		def.PouName = mod.Strings[pou.NameIdx]
	case bytecode.TypeKindInterface:
		for _, m := range e.InterfaceMethods {
			if int(m.NameIdx) >= len(mod.Strings) {
				return def, fault.New(fault.InvalidIndex, "interface method name string index %d out of range", m.NameIdx)
			}
			def.InterfaceMethods = append(def.InterfaceMethods, value.InterfaceMethod{Name: mod.Strings[m.NameIdx], Slot: m.Slot})
		}
	}
	return def, nil
}

func findPou(mod *bytecode.Module, id uint32) (bytecode.PouEntry, bool) {
	for _, p := range mod.Pous {
		if p.ID == id {
			return p, true
		}
	}
	return bytecode.PouEntry{}, false
}
