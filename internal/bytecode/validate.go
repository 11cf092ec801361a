package bytecode

import (
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// Validate cross-checks every index a module's sections reference against
// the tables those indices are supposed to resolve into, and walks every
// POU's instruction stream for opcode and jump-target soundness. Decode
// only frames the sections; Validate is what a loader must run before
// trusting the module for execution (spec §4.1).
func (m *Module) Validate() error {
	if err := validateTypeTable(m.Strings, m.Types); err != nil {
		return err
	}
	if err := validateConstPool(m.Types, m.Consts); err != nil {
		return err
	}
	if err := validateRefTable(m.Strings, m.Refs); err != nil {
		return err
	}
	if err := validatePouIndex(m.Strings, m.Types, m.Consts, m.Pous, m.PouBodies); err != nil {
		return err
	}
	if err := validateResourceMeta(m.Strings, m.Refs, m.Resources); err != nil {
		return err
	}
	if err := validateIoMap(m.Strings, m.Types, m.Refs, m.IoMap); err != nil {
		return err
	}
	if m.hasVarMeta {
		if err := validateVarMeta(m.Strings, m.Types, m.Consts, m.Refs, m.VarMeta); err != nil {
			return err
		}
	}
	if m.hasRetainInit {
		if err := validateRetainInit(m.Consts, m.Refs, m.RetainInit); err != nil {
			return err
		}
	}
	if m.hasDebugMap {
		if m.Version.Minor >= 1 && !m.hasDebugStr {
			return fault.New(fault.MissingSection, "debug map present without debug string table")
		}
		fileStrings := m.Strings
		if m.hasDebugStr {
			fileStrings = m.DebugStrings
		}
		if err := validateDebugMap(fileStrings, m.Pous, m.DebugMap); err != nil {
			return err
		}
	}
	return nil
}

func ensureStringIndex(strings []string, idx uint32) error {
	if int(idx) >= len(strings) {
		return fault.New(fault.InvalidIndex, "string index %d out of range (have %d)", idx, len(strings))
	}
	return nil
}

func ensureTypeIndex(types []TypeEntry, idx uint32) error {
	if int(idx) >= len(types) {
		return fault.New(fault.InvalidIndex, "type index %d out of range (have %d)", idx, len(types))
	}
	return nil
}

func ensureConstIndex(consts []ConstEntry, idx uint32) error {
	if int(idx) >= len(consts) {
		return fault.New(fault.InvalidIndex, "const index %d out of range (have %d)", idx, len(consts))
	}
	return nil
}

func ensureRefIndex(refs []RefEntry, idx uint32) error {
	if int(idx) >= len(refs) {
		return fault.New(fault.InvalidIndex, "ref index %d out of range (have %d)", idx, len(refs))
	}
	return nil
}

func findPou(pous []PouEntry, id uint32) (PouEntry, bool) {
	for _, p := range pous {
		if p.ID == id {
			return p, true
		}
	}
	return PouEntry{}, false
}

func validateTypeTable(strings []string, types []TypeEntry) error {
	for _, e := range types {
		if e.NameIdx != nil {
			if err := ensureStringIndex(strings, *e.NameIdx); err != nil {
				return err
			}
		}
		switch e.Kind {
		case TypeKindArray:
			if err := ensureTypeIndex(types, e.ElemTypeID); err != nil {
				return err
			}
			for _, d := range e.Dims {
				if d[0] > d[1] {
					return fault.New(fault.InvalidSection, "invalid array bounds [%d,%d]", d[0], d[1])
				}
			}
		case TypeKindStruct, TypeKindUnion:
			for _, f := range e.Fields {
				if err := ensureStringIndex(strings, f.NameIdx); err != nil {
					return err
				}
				if err := ensureTypeIndex(types, f.TypeID); err != nil {
					return err
				}
			}
		case TypeKindEnum:
			if err := ensureTypeIndex(types, e.EnumBase); err != nil {
				return err
			}
			for _, v := range e.EnumVariants {
				if err := ensureStringIndex(strings, v.NameIdx); err != nil {
					return err
				}
			}
		case TypeKindAlias:
			if err := ensureTypeIndex(types, e.AliasTarget); err != nil {
				return err
			}
		case TypeKindSubrange:
			if err := ensureTypeIndex(types, e.SubrangeBase); err != nil {
				return err
			}
		case TypeKindReference:
			if err := ensureTypeIndex(types, e.ReferenceTarget); err != nil {
				return err
			}
		case TypeKindPointer:
			if err := ensureTypeIndex(types, e.PointerTarget); err != nil {
				return err
			}
		case TypeKindInterface:
			for _, meth := range e.InterfaceMethods {
				if err := ensureStringIndex(strings, meth.NameIdx); err != nil {
					return err
				}
			}
		case TypeKindPou, TypeKindPrimitive:
			// no embedded indices to cross-check
		}
	}
	return nil
}

// primWidth returns the fixed wire width, in bytes, of a scalar primitive
// const payload, or 0 for the variable-length string kinds.
func primWidth(id value.TypeID) (width int, isString bool) {
	switch id {
	case value.TypeBool, value.TypeSInt, value.TypeUSInt, value.TypeByte, value.TypeChar:
		return 1, false
	case value.TypeInt, value.TypeUInt, value.TypeWord, value.TypeWChar:
		return 2, false
	case value.TypeDInt, value.TypeUDInt, value.TypeDWord, value.TypeReal:
		return 4, false
	case value.TypeLInt, value.TypeULInt, value.TypeLWord, value.TypeLReal,
		value.TypeTime, value.TypeLTime, value.TypeDate, value.TypeLDate,
		value.TypeTod, value.TypeLTod, value.TypeDT, value.TypeLDT:
		return 8, false
	case value.TypeString, value.TypeWString:
		return 0, true
	default:
		return 0, false
	}
}

func validateConstPool(types []TypeEntry, consts []ConstEntry) error {
	for _, c := range consts {
		if err := ensureTypeIndex(types, c.TypeID); err != nil {
			return err
		}
		entry := types[c.TypeID]
		r := newReader(c.Payload)
		if err := validateConstPayloadEntry(types, entry, r); err != nil {
			return err
		}
		if r.remaining() != 0 {
			return fault.New(fault.InvalidSection, "const payload length mismatch for type %d", c.TypeID)
		}
	}
	return nil
}

func validateConstPayloadEntry(types []TypeEntry, entry TypeEntry, r *reader) error {
	switch entry.Kind {
	case TypeKindPrimitive:
		width, isString := primWidth(value.TypeID(entry.PrimID))
		if isString {
			// STRING/WSTRING payloads are the literal's raw bytes with no
			// length prefix: the rest of the payload is the value.
			_, err := r.take(r.remaining())
			return err
		}
		if width == 0 {
			return fault.New(fault.InvalidSection, "unknown primitive id %d", entry.PrimID)
		}
		if _, err := r.take(width); err != nil {
			return err
		}
	case TypeKindArray:
		count, err := r.u32()
		if err != nil {
			return err
		}
		if err := ensureTypeIndex(types, entry.ElemTypeID); err != nil {
			return err
		}
		elem := types[entry.ElemTypeID]
		for i := uint32(0); i < count; i++ {
			if err := validateConstPayloadEntry(types, elem, r); err != nil {
				return err
			}
		}
	case TypeKindStruct, TypeKindUnion:
		count, err := r.u32()
		if err != nil {
			return err
		}
		if int(count) != len(entry.Fields) {
			return fault.New(fault.InvalidSection, "struct/union constant count mismatch")
		}
		for _, f := range entry.Fields {
			if err := ensureTypeIndex(types, f.TypeID); err != nil {
				return err
			}
			if err := validateConstPayloadEntry(types, types[f.TypeID], r); err != nil {
				return err
			}
		}
	case TypeKindEnum:
		if _, err := r.i64(); err != nil {
			return err
		}
	case TypeKindAlias:
		if err := ensureTypeIndex(types, entry.AliasTarget); err != nil {
			return err
		}
		return validateConstPayloadEntry(types, types[entry.AliasTarget], r)
	case TypeKindSubrange:
		if err := ensureTypeIndex(types, entry.SubrangeBase); err != nil {
			return err
		}
		return validateConstPayloadEntry(types, types[entry.SubrangeBase], r)
	case TypeKindReference:
		if _, err := r.u32(); err != nil {
			return err
		}
	default:
		return fault.New(fault.InvalidSection, "unsupported const type kind %d", entry.Kind)
	}
	return nil
}

func validateRefTable(strings []string, refs []RefEntry) error {
	for _, e := range refs {
		for _, seg := range e.Segments {
			if seg.IsField {
				if err := ensureStringIndex(strings, seg.Field); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validatePouIndex(strings []string, types []TypeEntry, consts []ConstEntry, pous []PouEntry, bodies []byte) error {
	for _, e := range pous {
		if err := ensureStringIndex(strings, e.NameIdx); err != nil {
			return err
		}
		if e.ReturnTypeID != nil {
			if err := ensureTypeIndex(types, *e.ReturnTypeID); err != nil {
				return err
			}
		}
		if e.OwnerPouID != nil {
			if _, ok := findPou(pous, *e.OwnerPouID); !ok {
				return fault.New(fault.InvalidPouID, "owner pou %d not found", *e.OwnerPouID)
			}
		}
		for _, p := range e.Params {
			if err := ensureStringIndex(strings, p.NameIdx); err != nil {
				return err
			}
			if err := ensureTypeIndex(types, p.TypeID); err != nil {
				return err
			}
			if p.DefaultConstIdx != nil {
				if err := ensureConstIndex(consts, *p.DefaultConstIdx); err != nil {
					return err
				}
			}
		}
		if meta := e.ClassMeta; meta != nil {
			if meta.ParentPouID != nil {
				if _, ok := findPou(pous, *meta.ParentPouID); !ok {
					return fault.New(fault.InvalidPouID, "parent pou %d not found", *meta.ParentPouID)
				}
			}
			for _, iface := range meta.Interfaces {
				if err := ensureTypeIndex(types, iface.InterfaceTypeID); err != nil {
					return err
				}
				ifaceEntry := types[iface.InterfaceTypeID]
				if ifaceEntry.Kind != TypeKindInterface {
					return fault.New(fault.InvalidSection, "interface mapping expects interface type")
				}
				if len(iface.VTableSlots) != len(ifaceEntry.InterfaceMethods) {
					return fault.New(fault.InvalidSection, "interface mapping slot count mismatch")
				}
			}
			for _, method := range meta.Methods {
				if err := ensureStringIndex(strings, method.NameIdx); err != nil {
					return err
				}
				if _, ok := findPou(pous, method.PouID); !ok {
					return fault.New(fault.InvalidPouID, "method pou %d not found", method.PouID)
				}
			}
		}
		start := int(e.CodeOffset)
		end := start + int(e.CodeLength)
		if end > len(bodies) {
			return fault.New(fault.InvalidSection, "pou %d code range out of bounds", e.ID)
		}
		if err := validateInstructionStream(pous, types, bodies[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// validateInstructionStream walks code once, checking each opcode's
// operand is well-formed and every jump target lands on an instruction
// boundary (spec §3.5, §4.1).
func validateInstructionStream(pous []PouEntry, types []TypeEntry, code []byte) error {
	r := newReader(code)
	starts := make(map[int32]bool)
	type jumpSite struct {
		pc     int32
		offset int32
	}
	var jumps []jumpSite

	for r.remaining() > 0 {
		pc := int32(r.pos)
		starts[pc] = true
		opByte, err := r.u8()
		if err != nil {
			return err
		}
		op := Opcode(opByte)
		switch op.operandKind() {
		case operandNone:
		case operandJumpOffset:
			raw, err := r.u32()
			if err != nil {
				return err
			}
			jumps = append(jumps, jumpSite{pc: pc, offset: int32(raw)})
		case operandPouID:
			id, err := r.u32()
			if err != nil {
				return err
			}
			if _, ok := findPou(pous, id); !ok {
				return fault.New(fault.InvalidPouID, "call to undefined pou %d", id)
			}
		case operandVTableSlot:
			if _, err := r.u32(); err != nil {
				return err
			}
		case operandInterfaceSlot:
			ifaceType, err := r.u32()
			if err != nil {
				return err
			}
			slot, err := r.u32()
			if err != nil {
				return err
			}
			if err := ensureTypeIndex(types, ifaceType); err != nil {
				return err
			}
			entry := types[ifaceType]
			if entry.Kind != TypeKindInterface {
				return fault.New(fault.InvalidSection, "CALL_VIRTUAL expects interface type")
			}
			if int(slot) >= len(entry.InterfaceMethods) {
				return fault.New(fault.InvalidSection, "CALL_VIRTUAL slot %d out of range", slot)
			}
		case operandRefIdx, operandIndexU32:
			if _, err := r.u32(); err != nil {
				return err
			}
		case operandDebugKind:
			if _, err := r.u8(); err != nil {
				return err
			}
		case operandTypeID:
			id, err := r.u32()
			if err != nil {
				return err
			}
			if err := ensureTypeIndex(types, id); err != nil {
				return err
			}
		case operandDebugEntry:
			if _, err := r.u32(); err != nil {
				return err
			}
		default:
			return fault.New(fault.InvalidOpcode, "unknown opcode 0x%02x", opByte)
		}
	}

	codeLen := int32(len(code))
	for _, j := range jumps {
		// target is relative to the byte following the 4-byte offset
		// operand, i.e. pc + 1 (opcode) + 4 (offset) + offset.
		target := j.pc + 1 + 4 + j.offset
		if target < 0 || target > codeLen {
			return fault.New(fault.InvalidJumpTarget, "jump target %d out of range", target)
		}
		if target != codeLen && !starts[target] {
			return fault.New(fault.InvalidJumpTarget, "jump target %d does not land on an instruction boundary", target)
		}
	}
	return nil
}

func validateResourceMeta(strings []string, refs []RefEntry, resources []ResourceEntry) error {
	for _, res := range resources {
		if err := ensureStringIndex(strings, res.NameIdx); err != nil {
			return err
		}
		for _, t := range res.Tasks {
			if err := ensureStringIndex(strings, t.NameIdx); err != nil {
				return err
			}
			if t.SingleNameIdx != nil {
				if err := ensureStringIndex(strings, *t.SingleNameIdx); err != nil {
					return err
				}
			}
			for _, idx := range t.ProgramNameIdx {
				if err := ensureStringIndex(strings, idx); err != nil {
					return err
				}
			}
			for _, idx := range t.FBRefIdx {
				if err := ensureRefIndex(refs, idx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateIoMap(strings []string, types []TypeEntry, refs []RefEntry, bindings []IoBinding) error {
	for _, b := range bindings {
		if err := ensureStringIndex(strings, b.AddressStrIdx); err != nil {
			return err
		}
		if err := ensureRefIndex(refs, b.RefIdx); err != nil {
			return err
		}
		if b.TypeID != nil {
			if err := ensureTypeIndex(types, *b.TypeID); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateVarMeta(strings []string, types []TypeEntry, consts []ConstEntry, refs []RefEntry, entries []VarMetaEntry) error {
	for _, e := range entries {
		if err := ensureStringIndex(strings, e.NameIdx); err != nil {
			return err
		}
		if err := ensureTypeIndex(types, e.TypeID); err != nil {
			return err
		}
		if err := ensureRefIndex(refs, e.RefIdx); err != nil {
			return err
		}
		if e.InitConstIdx != nil {
			if err := ensureConstIndex(consts, *e.InitConstIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRetainInit(consts []ConstEntry, refs []RefEntry, entries []RetainInitEntry) error {
	for _, e := range entries {
		if err := ensureRefIndex(refs, e.RefIdx); err != nil {
			return err
		}
		if err := ensureConstIndex(consts, e.ConstIdx); err != nil {
			return err
		}
	}
	return nil
}

func validateDebugMap(fileStrings []string, pous []PouEntry, entries []DebugEntry) error {
	for _, e := range entries {
		pou, ok := findPou(pous, e.PouID)
		if !ok {
			return fault.New(fault.InvalidPouID, "debug entry references undefined pou %d", e.PouID)
		}
		end := pou.CodeOffset + pou.CodeLength
		if e.CodeOffset < pou.CodeOffset || e.CodeOffset > end {
			return fault.New(fault.InvalidSection, "debug map code offset %d out of bounds", e.CodeOffset)
		}
		if err := ensureStringIndex(fileStrings, e.FileIdx); err != nil {
			return err
		}
	}
	return nil
}
