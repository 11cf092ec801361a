package bytecode

import (
	"hash/crc32"

	"github.com/trust-plc/strt/internal/fault"
)

// Decode parses bytes into a Module. Only SupportedMajor is accepted; a
// present CRC-32 is verified before the section table is trusted
// (spec §4.1).
func Decode(b []byte) (*Module, error) {
	r := newReader(b)
	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != string(Magic[:]) {
		return nil, fault.Wrap(fault.InvalidMagic, ErrInvalidMagic, "got %q", magic)
	}
	major, err := r.u16()
	if err != nil {
		return nil, err
	}
	minor, err := r.u16()
	if err != nil {
		return nil, err
	}
	flags, err := r.u32()
	if err != nil {
		return nil, err
	}
	headerSize, err := r.u16()
	if err != nil {
		return nil, err
	}
	sectionCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	tableOff, err := r.u32()
	if err != nil {
		return nil, err
	}
	checksum, err := r.u32()
	if err != nil {
		return nil, err
	}

	if int(headerSize) < HeaderSize {
		return nil, fault.New(fault.InvalidHeader, "header size %d too small", headerSize)
	}
	if int(tableOff) < HeaderSize {
		return nil, fault.New(fault.InvalidHeader, "section table before header")
	}
	if tableOff%4 != 0 {
		return nil, fault.New(fault.SectionAlignment, "section table offset %d not 4-byte aligned", tableOff)
	}
	tableLen := int(sectionCount) * SectionEntrySize
	tableEnd := int(tableOff) + tableLen
	if tableEnd > len(b) {
		return nil, fault.New(fault.InvalidSectionTable, "section table out of bounds")
	}

	if flags&HeaderFlagCRC32 != 0 {
		actual := crc32.ChecksumIEEE(b[tableOff:])
		if actual != checksum {
			return nil, fault.ChecksumMismatch(checksum, actual)
		}
	}
	if major != SupportedMajor {
		return nil, fault.New(fault.UnsupportedVersion, "major=%d minor=%d", major, minor)
	}

	tr := newReader(b[tableOff:tableEnd])
	entries := make([]sectionTableEntry, 0, sectionCount)
	for i := 0; i < int(sectionCount); i++ {
		id, _ := tr.u16()
		_, _ = tr.u16() // flags, reserved
		off, _ := tr.u32()
		length, _ := tr.u32()
		entries = append(entries, sectionTableEntry{id: SectionID(id), offset: off, length: length})
	}

	if err := validateSectionEntries(len(b), entries); err != nil {
		return nil, err
	}

	m := &Module{Version: Version{Major: major, Minor: minor}, Flags: flags}
	seen := make(map[SectionID]bool, len(entries))
	for _, e := range entries {
		payload := b[e.offset : e.offset+e.length]
		if err := decodeSection(m, m.Version, e.id, payload); err != nil {
			return nil, err
		}
		seen[e.id] = true
	}
	for _, id := range requiredSections {
		if !seen[id] {
			return nil, fault.New(fault.MissingSection, "missing required section %s", sectionName(id))
		}
	}
	return m, nil
}

type sectionTableEntry struct {
	id     SectionID
	offset uint32
	length uint32
}

// validateSectionEntries checks alignment, bounds, monotonic ordering and
// non-overlap of the section table (spec §3.4: "offsets 4-byte aligned,
// monotonically ordered, non-overlapping, fully inside the file").
func validateSectionEntries(fileLen int, entries []sectionTableEntry) error {
	prevEnd := uint32(0)
	for _, e := range entries {
		if e.offset%4 != 0 {
			return fault.New(fault.SectionAlignment, "section at %d not 4-byte aligned", e.offset)
		}
		end := e.offset + e.length
		if end < e.offset || int(end) > fileLen {
			return fault.New(fault.SectionOutOfBounds, "section [%d,%d) exceeds file length %d", e.offset, end, fileLen)
		}
		if e.offset < prevEnd {
			return fault.New(fault.SectionOverlap, "section at %d overlaps previous end %d", e.offset, prevEnd)
		}
		prevEnd = end
	}
	return nil
}

func decodeSection(m *Module, ver Version, id SectionID, payload []byte) error {
	r := newReader(payload)
	switch id {
	case SectionStringTable:
		strs, err := decodeStrings(r, ver)
		if err != nil {
			return err
		}
		m.Strings = strs
	case SectionDebugStringTable:
		strs, err := decodeStrings(r, ver)
		if err != nil {
			return err
		}
		m.DebugStrings = strs
		m.hasDebugStr = true
	case SectionTypeTable:
		types, err := decodeTypeTable(payload, ver)
		if err != nil {
			return err
		}
		m.Types = types
		r.pos = len(r.buf)
	case SectionConstPool:
		consts, err := decodeConstPool(r)
		if err != nil {
			return err
		}
		m.Consts = consts
	case SectionRefTable:
		refs, err := decodeRefTable(r)
		if err != nil {
			return err
		}
		m.Refs = refs
	case SectionPouIndex:
		pous, err := decodePouIndex(r, ver)
		if err != nil {
			return err
		}
		m.Pous = pous
	case SectionPouBodies:
		m.PouBodies = append([]byte(nil), payload...)
		r.pos = len(r.buf)
	case SectionResourceMeta:
		resources, err := decodeResourceMeta(r)
		if err != nil {
			return err
		}
		m.Resources = resources
	case SectionIoMap:
		bindings, err := decodeIoMap(r)
		if err != nil {
			return err
		}
		m.IoMap = bindings
	case SectionDebugMap:
		entries, err := decodeDebugMap(r)
		if err != nil {
			return err
		}
		m.DebugMap = entries
		m.hasDebugMap = true
	case SectionVarMeta:
		entries, err := decodeVarMeta(r)
		if err != nil {
			return err
		}
		m.VarMeta = entries
		m.hasVarMeta = true
	case SectionRetainInit:
		entries, err := decodeRetainInit(r)
		if err != nil {
			return err
		}
		m.RetainInit = entries
		m.hasRetainInit = true
	default:
		// unknown section id: treat as opaque, ignored data (forward
		// compatibility), no strict error.
		return nil
	}
	if r.remaining() != 0 {
		return fault.New(fault.InvalidSection, "section %s has %d surplus bytes", sectionName(id), r.remaining())
	}
	return nil
}

func decodeStrings(r *reader, ver Version) ([]string, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
		if ver.Minor >= 1 {
			entryLen := 4 + int(n)
			pad := align4(entryLen) - entryLen
			if _, err := r.take(pad); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func decodeConstPool(r *reader) ([]ConstEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]ConstEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		typeID, err := r.u32()
		if err != nil {
			return nil, err
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, ConstEntry{TypeID: typeID, Payload: append([]byte(nil), b...)})
	}
	return out, nil
}

func decodeRefTable(r *reader) ([]RefEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]RefEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		loc, err := r.u8()
		if err != nil {
			return nil, err
		}
		if _, err := r.u8(); err != nil {
			return nil, err
		}
		if _, err := r.u16(); err != nil {
			return nil, err
		}
		ownerID, err := r.u32()
		if err != nil {
			return nil, err
		}
		offset, err := r.u32()
		if err != nil {
			return nil, err
		}
		segCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		if loc > uint8(RefIO) {
			return nil, fault.New(fault.InvalidSection, "invalid ref location %d", loc)
		}
		segs := make([]RefSegment, 0, segCount)
		for j := uint32(0); j < segCount; j++ {
			kind, err := r.u8()
			if err != nil {
				return nil, err
			}
			if _, err := r.take(3); err != nil {
				return nil, err
			}
			switch kind {
			case 0:
				n, err := r.u32()
				if err != nil {
					return nil, err
				}
				indices := make([]int64, 0, n)
				for k := uint32(0); k < n; k++ {
					v, err := r.i64()
					if err != nil {
						return nil, err
					}
					indices = append(indices, v)
				}
				segs = append(segs, RefSegment{Indices: indices})
			case 1:
				nameIdx, err := r.u32()
				if err != nil {
					return nil, err
				}
				segs = append(segs, RefSegment{IsField: true, Field: nameIdx})
			default:
				return nil, fault.New(fault.InvalidSection, "invalid ref segment kind %d", kind)
			}
		}
		out = append(out, RefEntry{Location: RefLocation(loc), OwnerID: ownerID, Offset: offset, Segments: segs})
	}
	return out, nil
}

func decodePouIndex(r *reader, ver Version) ([]PouEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]PouEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		id, _ := r.u32()
		nameIdx, _ := r.u32()
		kindByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		if kindByte > uint8(PouInterface) {
			return nil, fault.New(fault.InvalidSection, "invalid pou kind %d", kindByte)
		}
		kind := PouKind(kindByte)
		if _, err := r.u8(); err != nil {
			return nil, err
		}
		if _, err := r.u16(); err != nil {
			return nil, err
		}
		codeOffset, _ := r.u32()
		codeLength, _ := r.u32()
		localRefStart, _ := r.u32()
		localRefCount, _ := r.u32()
		returnTypeID, err := r.optU32()
		if err != nil {
			return nil, err
		}
		ownerPouID, err := r.optU32()
		if err != nil {
			return nil, err
		}
		paramCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		params := make([]ParamEntry, 0, paramCount)
		for p := uint32(0); p < paramCount; p++ {
			nameIdx, _ := r.u32()
			typeID, _ := r.u32()
			direction, err := r.u8()
			if err != nil {
				return nil, err
			}
			if _, err := r.u8(); err != nil {
				return nil, err
			}
			if _, err := r.u16(); err != nil {
				return nil, err
			}
			var defConst *uint32
			if ver.Minor >= 1 {
				defConst, err = r.optU32()
				if err != nil {
					return nil, err
				}
			}
			params = append(params, ParamEntry{NameIdx: nameIdx, TypeID: typeID, Direction: direction, DefaultConstIdx: defConst})
		}
		var classMeta *ClassMeta
		if kind.IsClassLike() {
			parentPouID, err := r.optU32()
			if err != nil {
				return nil, err
			}
			ifaceCount, err := r.u32()
			if err != nil {
				return nil, err
			}
			ifaces := make([]InterfaceImplEntry, 0, ifaceCount)
			for k := uint32(0); k < ifaceCount; k++ {
				ifaceType, _ := r.u32()
				methodCount, err := r.u32()
				if err != nil {
					return nil, err
				}
				slots := make([]uint32, 0, methodCount)
				for s := uint32(0); s < methodCount; s++ {
					slot, _ := r.u32()
					slots = append(slots, slot)
				}
				ifaces = append(ifaces, InterfaceImplEntry{InterfaceTypeID: ifaceType, VTableSlots: slots})
			}
			methodCount, err := r.u32()
			if err != nil {
				return nil, err
			}
			methods := make([]MethodEntry, 0, methodCount)
			for k := uint32(0); k < methodCount; k++ {
				mNameIdx, _ := r.u32()
				mPouID, _ := r.u32()
				mSlot, _ := r.u32()
				access, err := r.u8()
				if err != nil {
					return nil, err
				}
				flags, err := r.u8()
				if err != nil {
					return nil, err
				}
				if _, err := r.u16(); err != nil {
					return nil, err
				}
				methods = append(methods, MethodEntry{NameIdx: mNameIdx, PouID: mPouID, VTableSlot: mSlot, Access: access, Flags: flags})
			}
			classMeta = &ClassMeta{ParentPouID: parentPouID, Interfaces: ifaces, Methods: methods}
		}
		out = append(out, PouEntry{
			ID: id, NameIdx: nameIdx, Kind: kind, CodeOffset: codeOffset, CodeLength: codeLength,
			LocalRefStart: localRefStart, LocalRefCount: localRefCount,
			ReturnTypeID: returnTypeID, OwnerPouID: ownerPouID, Params: params, ClassMeta: classMeta,
		})
	}
	return out, nil
}

func decodeResourceMeta(r *reader) ([]ResourceEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]ResourceEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		nameIdx, _ := r.u32()
		inputsSize, _ := r.u32()
		outputsSize, _ := r.u32()
		memorySize, _ := r.u32()
		taskCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		tasks := make([]TaskEntry, 0, taskCount)
		for t := uint32(0); t < taskCount; t++ {
			tNameIdx, _ := r.u32()
			priority, _ := r.u32()
			interval, err := r.i64()
			if err != nil {
				return nil, err
			}
			singleIdx, err := r.optU32()
			if err != nil {
				return nil, err
			}
			progCount, err := r.u32()
			if err != nil {
				return nil, err
			}
			progs := make([]uint32, 0, progCount)
			for p := uint32(0); p < progCount; p++ {
				idx, _ := r.u32()
				progs = append(progs, idx)
			}
			fbCount, err := r.u32()
			if err != nil {
				return nil, err
			}
			fbs := make([]uint32, 0, fbCount)
			for p := uint32(0); p < fbCount; p++ {
				idx, _ := r.u32()
				fbs = append(fbs, idx)
			}
			tasks = append(tasks, TaskEntry{
				NameIdx: tNameIdx, Priority: priority, IntervalNanos: interval,
				SingleNameIdx: singleIdx, ProgramNameIdx: progs, FBRefIdx: fbs,
			})
		}
		out = append(out, ResourceEntry{NameIdx: nameIdx, InputsSize: inputsSize, OutputsSize: outputsSize, MemorySize: memorySize, Tasks: tasks})
	}
	return out, nil
}

func decodeIoMap(r *reader) ([]IoBinding, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]IoBinding, 0, count)
	for i := uint32(0); i < count; i++ {
		addrIdx, _ := r.u32()
		refIdx, _ := r.u32()
		typeID, err := r.optU32()
		if err != nil {
			return nil, err
		}
		out = append(out, IoBinding{AddressStrIdx: addrIdx, RefIdx: refIdx, TypeID: typeID})
	}
	return out, nil
}

func decodeDebugMap(r *reader) ([]DebugEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]DebugEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		pouID, _ := r.u32()
		codeOffset, _ := r.u32()
		fileIdx, _ := r.u32()
		line, _ := r.u32()
		column, _ := r.u32()
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		if _, err := r.take(3); err != nil {
			return nil, err
		}
		out = append(out, DebugEntry{PouID: pouID, CodeOffset: codeOffset, FileIdx: fileIdx, Line: line, Column: column, Kind: kind})
	}
	return out, nil
}

func decodeVarMeta(r *reader) ([]VarMetaEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]VarMetaEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		nameIdx, _ := r.u32()
		typeID, _ := r.u32()
		refIdx, _ := r.u32()
		retain, err := r.u8()
		if err != nil {
			return nil, err
		}
		if _, err := r.u8(); err != nil {
			return nil, err
		}
		if _, err := r.u16(); err != nil {
			return nil, err
		}
		initConstIdx, err := r.optU32()
		if err != nil {
			return nil, err
		}
		out = append(out, VarMetaEntry{NameIdx: nameIdx, TypeID: typeID, RefIdx: refIdx, Retain: retain != 0, InitConstIdx: initConstIdx})
	}
	return out, nil
}

func decodeRetainInit(r *reader) ([]RetainInitEntry, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]RetainInitEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		refIdx, _ := r.u32()
		constIdx, _ := r.u32()
		out = append(out, RetainInitEntry{RefIdx: refIdx, ConstIdx: constIdx})
	}
	return out, nil
}

func decodeTypeTable(payload []byte, ver Version) ([]TypeEntry, error) {
	r := newReader(payload)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if ver.Minor >= 1 {
		offsets := make([]uint32, count)
		for i := uint32(0); i < count; i++ {
			off, err := r.u32()
			if err != nil {
				return nil, err
			}
			offsets[i] = off
		}
		out := make([]TypeEntry, count)
		for i := uint32(0); i < count; i++ {
			if int(offsets[i]) > len(payload) {
				return nil, fault.New(fault.InvalidSection, "type offset %d out of bounds", offsets[i])
			}
			er := newReader(payload[offsets[i]:])
			e, err := decodeTypeEntry(er)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		// advance base reader past all consumed bytes for the surplus check:
		// minor>=1 layout is fully described by the offset table, so treat
		// the remainder of payload (entry bodies) as already accounted for.
		r.pos = len(payload)
		return out, nil
	}
	out := make([]TypeEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := decodeTypeEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeTypeEntry(r *reader) (TypeEntry, error) {
	kindByte, err := r.u8()
	if err != nil {
		return TypeEntry{}, err
	}
	if kindByte > uint8(TypeKindInterface) {
		return TypeEntry{}, fault.New(fault.InvalidSection, "invalid type kind %d", kindByte)
	}
	kind := TypeKind(kindByte)
	if _, err := r.u8(); err != nil {
		return TypeEntry{}, err
	}
	if _, err := r.u16(); err != nil {
		return TypeEntry{}, err
	}
	nameIdx, err := r.optU32()
	if err != nil {
		return TypeEntry{}, err
	}
	e := TypeEntry{Kind: kind, NameIdx: nameIdx}
	switch kind {
	case TypeKindPrimitive:
		e.PrimID, _ = r.u32()
		e.MaxLength, _ = r.u32()
	case TypeKindArray:
		e.ElemTypeID, _ = r.u32()
		n, err := r.u32()
		if err != nil {
			return e, err
		}
		for i := uint32(0); i < n; i++ {
			lo, _ := r.i64()
			hi, _ := r.i64()
			e.Dims = append(e.Dims, [2]int64{lo, hi})
		}
	case TypeKindStruct, TypeKindUnion:
		n, err := r.u32()
		if err != nil {
			return e, err
		}
		for i := uint32(0); i < n; i++ {
			nameIdx, _ := r.u32()
			typeID, _ := r.u32()
			e.Fields = append(e.Fields, FieldEntry{NameIdx: nameIdx, TypeID: typeID})
		}
	case TypeKindEnum:
		e.EnumBase, _ = r.u32()
		n, err := r.u32()
		if err != nil {
			return e, err
		}
		for i := uint32(0); i < n; i++ {
			nameIdx, _ := r.u32()
			val, _ := r.i64()
			e.EnumVariants = append(e.EnumVariants, EnumVariantEntry{NameIdx: nameIdx, Value: val})
		}
	case TypeKindAlias:
		e.AliasTarget, _ = r.u32()
	case TypeKindSubrange:
		e.SubrangeBase, _ = r.u32()
		e.SubrangeLo, _ = r.i64()
		e.SubrangeHi, _ = r.i64()
	case TypeKindPointer:
		e.PointerTarget, _ = r.u32()
	case TypeKindReference:
		e.ReferenceTarget, _ = r.u32()
	case TypeKindPou:
		e.PouID, _ = r.u32()
	case TypeKindInterface:
		n, err := r.u32()
		if err != nil {
			return e, err
		}
		for i := uint32(0); i < n; i++ {
			nameIdx, _ := r.u32()
			slot, _ := r.u32()
			e.InterfaceMethods = append(e.InterfaceMethods, InterfaceMethodEntry{NameIdx: nameIdx, Slot: slot})
		}
	}
	return e, nil
}
