package bytecode

import (
	"encoding/binary"
	"hash/crc32"
)

// sectionPayload pairs a section id with its already-serialised, unpadded
// bytes, in declaration order for the table (spec §4.1).
type sectionPayload struct {
	id   SectionID
	data []byte
}

// Encode lays out the section table (4-byte aligned), pads each section
// payload to a 4-byte boundary, writes the header, and — if
// HeaderFlagCRC32 is set — patches in a CRC-32 over everything from the
// section table onward (spec §4.1).
func (m *Module) Encode() ([]byte, error) {
	payloads := m.buildSectionPayloads()

	tableOff := HeaderSize
	tableLen := len(payloads) * SectionEntrySize
	offset := align4(tableOff + tableLen)

	type entry struct {
		id     SectionID
		offset uint32
		length uint32
	}
	entries := make([]entry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, entry{id: p.id, offset: uint32(offset), length: uint32(len(p.data))})
		offset = align4(offset + len(p.data))
	}

	out := make([]byte, 0, offset)
	out = append(out, Magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, m.Version.Major)
	out = binary.LittleEndian.AppendUint16(out, m.Version.Minor)
	out = binary.LittleEndian.AppendUint32(out, m.Flags)
	out = binary.LittleEndian.AppendUint16(out, uint16(HeaderSize))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(entries)))
	out = binary.LittleEndian.AppendUint32(out, uint32(tableOff))
	checksumPos := len(out)
	out = binary.LittleEndian.AppendUint32(out, 0) // checksum, patched below

	for _, e := range entries {
		out = binary.LittleEndian.AppendUint16(out, uint16(e.id))
		out = binary.LittleEndian.AppendUint16(out, 0) // flags, reserved
		out = binary.LittleEndian.AppendUint32(out, e.offset)
		out = binary.LittleEndian.AppendUint32(out, e.length)
	}
	out = padTo(out, align4(len(out)))

	for _, p := range payloads {
		out = append(out, p.data...)
		out = padTo(out, align4(len(out)))
	}

	if m.Flags&HeaderFlagCRC32 != 0 {
		sum := crc32.ChecksumIEEE(out[tableOff:])
		binary.LittleEndian.PutUint32(out[checksumPos:checksumPos+4], sum)
	}
	return out, nil
}

func padTo(b []byte, target int) []byte {
	for len(b) < target {
		b = append(b, 0)
	}
	return b
}

func (m *Module) buildSectionPayloads() []sectionPayload {
	var out []sectionPayload
	w := &writer{}

	encodeStrings(w, m.Strings, m.Version)
	out = append(out, sectionPayload{SectionStringTable, w.buf})

	w = &writer{}
	encodeTypeTable(w, m.Types, m.Version)
	out = append(out, sectionPayload{SectionTypeTable, w.buf})

	w = &writer{}
	encodeConstPool(w, m.Consts)
	out = append(out, sectionPayload{SectionConstPool, w.buf})

	w = &writer{}
	encodeRefTable(w, m.Refs)
	out = append(out, sectionPayload{SectionRefTable, w.buf})

	w = &writer{}
	encodePouIndex(w, m.Pous, m.Version)
	out = append(out, sectionPayload{SectionPouIndex, w.buf})

	out = append(out, sectionPayload{SectionPouBodies, append([]byte(nil), m.PouBodies...)})

	w = &writer{}
	encodeResourceMeta(w, m.Resources)
	out = append(out, sectionPayload{SectionResourceMeta, w.buf})

	w = &writer{}
	encodeIoMap(w, m.IoMap)
	out = append(out, sectionPayload{SectionIoMap, w.buf})

	if m.hasDebugStr {
		w = &writer{}
		encodeStrings(w, m.DebugStrings, m.Version)
		out = append(out, sectionPayload{SectionDebugStringTable, w.buf})
	}
	if m.hasDebugMap {
		w = &writer{}
		encodeDebugMap(w, m.DebugMap)
		out = append(out, sectionPayload{SectionDebugMap, w.buf})
	}
	if m.hasVarMeta {
		w = &writer{}
		encodeVarMeta(w, m.VarMeta)
		out = append(out, sectionPayload{SectionVarMeta, w.buf})
	}
	if m.hasRetainInit {
		w = &writer{}
		encodeRetainInit(w, m.RetainInit)
		out = append(out, sectionPayload{SectionRetainInit, w.buf})
	}
	return out
}

func encodeStrings(w *writer, entries []string, ver Version) {
	w.u32(uint32(len(entries)))
	for _, s := range entries {
		b := []byte(s)
		w.u32(uint32(len(b)))
		w.bytes(b)
		if ver.Minor >= 1 {
			entryLen := 4 + len(b)
			target := align4(entryLen)
			for i := entryLen; i < target; i++ {
				w.u8(0)
			}
		}
	}
}

func encodeConstPool(w *writer, entries []ConstEntry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.TypeID)
		w.u32(uint32(len(e.Payload)))
		w.bytes(e.Payload)
	}
}

func encodeRefTable(w *writer, entries []RefEntry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u8(uint8(e.Location))
		w.u8(0)
		w.u16(0)
		w.u32(e.OwnerID)
		w.u32(e.Offset)
		w.u32(uint32(len(e.Segments)))
		for _, seg := range e.Segments {
			if seg.IsField {
				w.u8(1)
				w.u8(0)
				w.u8(0)
				w.u8(0)
				w.u32(seg.Field)
			} else {
				w.u8(0)
				w.u8(0)
				w.u8(0)
				w.u8(0)
				w.u32(uint32(len(seg.Indices)))
				for _, idx := range seg.Indices {
					w.i64(idx)
				}
			}
		}
	}
}

func encodePouIndex(w *writer, entries []PouEntry, ver Version) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.ID)
		w.u32(e.NameIdx)
		w.u8(uint8(e.Kind))
		w.u8(0)
		w.u16(0)
		w.u32(e.CodeOffset)
		w.u32(e.CodeLength)
		w.u32(e.LocalRefStart)
		w.u32(e.LocalRefCount)
		w.optU32(e.ReturnTypeID)
		w.optU32(e.OwnerPouID)
		w.u32(uint32(len(e.Params)))
		for _, p := range e.Params {
			w.u32(p.NameIdx)
			w.u32(p.TypeID)
			w.u8(p.Direction)
			w.u8(0)
			w.u16(0)
			if ver.Minor >= 1 {
				w.optU32(p.DefaultConstIdx)
			}
		}
		switch {
		case e.ClassMeta != nil:
			w.optU32(e.ClassMeta.ParentPouID)
			w.u32(uint32(len(e.ClassMeta.Interfaces)))
			for _, iface := range e.ClassMeta.Interfaces {
				w.u32(iface.InterfaceTypeID)
				w.u32(uint32(len(iface.VTableSlots)))
				for _, slot := range iface.VTableSlots {
					w.u32(slot)
				}
			}
			w.u32(uint32(len(e.ClassMeta.Methods)))
			for _, method := range e.ClassMeta.Methods {
				w.u32(method.NameIdx)
				w.u32(method.PouID)
				w.u32(method.VTableSlot)
				w.u8(method.Access)
				w.u8(method.Flags)
				w.u16(0)
			}
		case e.Kind.IsClassLike():
			w.u32(^uint32(0))
			w.u32(0)
			w.u32(0)
		}
	}
}

func encodeResourceMeta(w *writer, resources []ResourceEntry) {
	w.u32(uint32(len(resources)))
	for _, r := range resources {
		w.u32(r.NameIdx)
		w.u32(r.InputsSize)
		w.u32(r.OutputsSize)
		w.u32(r.MemorySize)
		w.u32(uint32(len(r.Tasks)))
		for _, t := range r.Tasks {
			w.u32(t.NameIdx)
			w.u32(t.Priority)
			w.i64(t.IntervalNanos)
			w.optU32(t.SingleNameIdx)
			w.u32(uint32(len(t.ProgramNameIdx)))
			for _, idx := range t.ProgramNameIdx {
				w.u32(idx)
			}
			w.u32(uint32(len(t.FBRefIdx)))
			for _, idx := range t.FBRefIdx {
				w.u32(idx)
			}
		}
	}
}

func encodeIoMap(w *writer, bindings []IoBinding) {
	w.u32(uint32(len(bindings)))
	for _, b := range bindings {
		w.u32(b.AddressStrIdx)
		w.u32(b.RefIdx)
		w.optU32(b.TypeID)
	}
}

func encodeDebugMap(w *writer, entries []DebugEntry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.PouID)
		w.u32(e.CodeOffset)
		w.u32(e.FileIdx)
		w.u32(e.Line)
		w.u32(e.Column)
		w.u8(e.Kind)
		w.u8(0)
		w.u16(0)
	}
}

func encodeVarMeta(w *writer, entries []VarMetaEntry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.NameIdx)
		w.u32(e.TypeID)
		w.u32(e.RefIdx)
		if e.Retain {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.u8(0)
		w.u16(0)
		w.optU32(e.InitConstIdx)
	}
}

func encodeRetainInit(w *writer, entries []RetainInitEntry) {
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.u32(e.RefIdx)
		w.u32(e.ConstIdx)
	}
}

func encodeTypeTable(w *writer, entries []TypeEntry, ver Version) {
	w.u32(uint32(len(entries)))
	if ver.Minor >= 1 {
		bufs := make([][]byte, len(entries))
		for i, e := range entries {
			ew := &writer{}
			encodeTypeEntry(ew, e)
			bufs[i] = ew.buf
		}
		offsets := computeTypeOffsets(bufs)
		for _, off := range offsets {
			w.u32(off)
		}
		for _, b := range bufs {
			w.bytes(b)
		}
		return
	}
	for _, e := range entries {
		encodeTypeEntry(w, e)
	}
}

func computeTypeOffsets(bufs [][]byte) []uint32 {
	offsets := make([]uint32, len(bufs))
	cursor := uint32(4 + len(bufs)*4)
	for i, b := range bufs {
		offsets[i] = cursor
		cursor += uint32(len(b))
	}
	return offsets
}

func encodeTypeEntry(w *writer, e TypeEntry) {
	w.u8(uint8(e.Kind))
	w.u8(0)
	w.u16(0)
	if e.NameIdx == nil {
		w.u32(^uint32(0))
	} else {
		w.u32(*e.NameIdx)
	}
	switch e.Kind {
	case TypeKindPrimitive:
		w.u32(e.PrimID)
		w.u32(e.MaxLength)
	case TypeKindArray:
		w.u32(e.ElemTypeID)
		w.u32(uint32(len(e.Dims)))
		for _, d := range e.Dims {
			w.i64(d[0])
			w.i64(d[1])
		}
	case TypeKindStruct, TypeKindUnion:
		w.u32(uint32(len(e.Fields)))
		for _, f := range e.Fields {
			w.u32(f.NameIdx)
			w.u32(f.TypeID)
		}
	case TypeKindEnum:
		w.u32(e.EnumBase)
		w.u32(uint32(len(e.EnumVariants)))
		for _, v := range e.EnumVariants {
			w.u32(v.NameIdx)
			w.i64(v.Value)
		}
	case TypeKindAlias:
		w.u32(e.AliasTarget)
	case TypeKindSubrange:
		w.u32(e.SubrangeBase)
		w.i64(e.SubrangeLo)
		w.i64(e.SubrangeHi)
	case TypeKindPointer:
		w.u32(e.PointerTarget)
	case TypeKindReference:
		w.u32(e.ReferenceTarget)
	case TypeKindPou:
		w.u32(e.PouID)
	case TypeKindInterface:
		w.u32(uint32(len(e.InterfaceMethods)))
		for _, m := range e.InterfaceMethods {
			w.u32(m.NameIdx)
			w.u32(m.Slot)
		}
	}
}
