package eval

import (
	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// materializeRef turns a decoded REF_TABLE row into a live value.Ref, using
// refIdx (the row's own position) as the value.Ref.OwnerID payload for the
// Global/Retain/Io locations that have no caller-supplied owner of their
// own — REF_TABLE rows for those locations carry no variable name directly,
// only a type-checked index into VAR_META/IO_MAP, so the index itself is
// what Read/WriteRef use to find the backing storage root (spec §3.4).
func (c *Context) materializeRef(refIdx uint32, frame *storage.Frame, thisInst value.InstanceID, hasThis bool) (*value.Ref, error) {
	if int(refIdx) >= len(c.Module.Refs) {
		return nil, fault.New(fault.InvalidIndex, "ref index %d out of range", refIdx)
	}
	entry := c.Module.Refs[refIdx]

	r := &value.Ref{Segments: make([]value.Segment, len(entry.Segments))}
	for i, seg := range entry.Segments {
		if seg.IsField {
			if int(seg.Field) >= len(c.Module.Strings) {
				return nil, fault.New(fault.InvalidIndex, "string index %d out of range", seg.Field)
			}
			r.Segments[i] = value.Segment{Field: c.Module.Strings[seg.Field]}
		} else {
			r.Segments[i] = value.Segment{Indices: append([]int64(nil), seg.Indices...)}
		}
	}

	switch entry.Location {
	case bytecode.RefGlobal:
		r.Location = "global"
		r.OwnerID = refIdx
	case bytecode.RefRetain:
		r.Location = "retain"
		r.OwnerID = refIdx
	case bytecode.RefLocal:
		r.Location = "local"
		if frame == nil {
			return nil, fault.New(fault.InvalidFrame, "local ref outside a call frame")
		}
		r.OwnerID = frame.ID
		r.Offset = entry.Offset
	case bytecode.RefInstance:
		r.Location = "instance"
		if !hasThis {
			return nil, fault.New(fault.InvalidFrame, "instance ref outside a bound THIS")
		}
		r.OwnerID = uint64(thisInst)
	case bytecode.RefIO:
		r.Location = "io"
		r.OwnerID = refIdx
		r.Offset = entry.Offset
	default:
		return nil, fault.New(fault.InvalidSection, "unknown ref location %d", entry.Location)
	}
	return r, nil
}

// localName resolves a Local ref's variable name via its REF_TABLE offset,
// which is the local's position within its owning POU's local-ref window
// (spec §3.4: local_ref_start/count). The name is always the positional
// slot name localSlotPrefix+offset; VAR_META names are not consulted.
func localName(offset uint32) string {
	return localSlotPrefix + itoa(offset)
}

const localSlotPrefix = "$local"

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// ReadRef dereferences ref, descending through its segment path.
func (c *Context) ReadRef(ref *value.Ref) (value.Value, error) {
	root, err := c.readRoot(ref)
	if err != nil {
		return value.Null, err
	}
	return descend(root, ref.Segments)
}

// WriteRef writes v through ref, read-modify-writing the owning storage
// root (spec §4.2: "write_lvalue ... applying frame/global/instance
// resolution").
func (c *Context) WriteRef(ref *value.Ref, v value.Value) error {
	root, err := c.readRoot(ref)
	if err != nil {
		return err
	}
	updated, err := assoc(root, ref.Segments, v)
	if err != nil {
		return err
	}
	return c.writeRoot(ref, updated)
}

func (c *Context) readRoot(ref *value.Ref) (value.Value, error) {
	switch ref.Location {
	case "global":
		name, ok := c.globalNames[uint32(ref.OwnerID)]
		if !ok {
			return value.Null, fault.New(fault.InvalidIndex, "no declared global for ref %d", ref.OwnerID)
		}
		v, ok := c.Storage.GetGlobal(name)
		if !ok {
			return value.Null, fault.Named(fault.UndefinedVariable, name)
		}
		return v, nil
	case "retain":
		name, ok := c.retainNames[uint32(ref.OwnerID)]
		if !ok {
			return value.Null, fault.New(fault.InvalidIndex, "no declared retain var for ref %d", ref.OwnerID)
		}
		v, ok := c.Storage.GetRetain(name)
		if !ok {
			return value.Null, fault.Named(fault.UndefinedVariable, name)
		}
		return v, nil
	case "local":
		frame, ok := c.Storage.FrameByID(ref.OwnerID)
		if !ok {
			return value.Null, fault.New(fault.InvalidFrame, "frame %d no longer live", ref.OwnerID)
		}
		v, ok := frame.GetLocal(localName(ref.Offset))
		if !ok {
			return value.Null, fault.New(fault.UndefinedVariable, "local slot %d uninitialised", ref.Offset)
		}
		return v, nil
	case "instance":
		inst := value.InstanceID(ref.OwnerID)
		if len(ref.Segments) == 0 {
			return value.NewInstance(inst), nil
		}
		seg := ref.Segments[0]
		if !isFieldSegment(seg) {
			return value.Null, fault.New(fault.InvalidSection, "instance ref must start with a field")
		}
		v, ok := c.Storage.ResolveThis(inst, seg.Field)
		if !ok {
			return value.Null, fault.Named(fault.UndefinedVariable, seg.Field)
		}
		ref.Segments = ref.Segments[1:]
		return v, nil
	case "io":
		return c.readIO(ref)
	default:
		return value.Null, fault.New(fault.InvalidSection, "unknown ref location %q", ref.Location)
	}
}

func (c *Context) writeRoot(ref *value.Ref, v value.Value) error {
	switch ref.Location {
	case "global":
		name, ok := c.globalNames[uint32(ref.OwnerID)]
		if !ok {
			return fault.New(fault.InvalidIndex, "no declared global for ref %d", ref.OwnerID)
		}
		c.Storage.SetGlobal(name, v)
		return nil
	case "retain":
		name, ok := c.retainNames[uint32(ref.OwnerID)]
		if !ok {
			return fault.New(fault.InvalidIndex, "no declared retain var for ref %d", ref.OwnerID)
		}
		c.Storage.SetRetain(name, v)
		return nil
	case "local":
		frame, ok := c.Storage.FrameByID(ref.OwnerID)
		if !ok {
			return fault.New(fault.InvalidFrame, "frame %d no longer live", ref.OwnerID)
		}
		frame.SetLocal(localName(ref.Offset), v)
		return nil
	case "instance":
		inst := value.InstanceID(ref.OwnerID)
		if len(ref.Segments) == 0 {
			return fault.New(fault.InvalidSection, "cannot overwrite an instance handle")
		}
		return c.Storage.SetInstanceVar(inst, ref.Segments[0].Field, v)
	case "io":
		return c.writeIO(ref, v)
	default:
		return fault.New(fault.InvalidSection, "unknown ref location %q", ref.Location)
	}
}

func (c *Context) readIO(ref *value.Ref) (value.Value, error) {
	io, addr, kind, size, err := c.resolveIO(ref)
	if err != nil {
		return value.Null, err
	}
	return io.ReadTyped(addr, kind, size)
}

func (c *Context) writeIO(ref *value.Ref, v value.Value) error {
	io, addr, _, size, err := c.resolveIO(ref)
	if err != nil {
		return err
	}
	return io.WriteTyped(addr, v, size)
}

func (c *Context) resolveIO(ref *value.Ref) (*storage.IOImage, storage.Address, value.Kind, int, error) {
	info, ok := c.ioInfo[uint32(ref.OwnerID)]
	if !ok {
		return nil, storage.Address{}, 0, 0, fault.New(fault.InvalidIndex, "no io binding for ref %d", ref.OwnerID)
	}
	kind, size, isBool := primitiveKind(info.typeID)
	var bit *uint8
	if isBool {
		b := uint8(ref.Offset % 8)
		bit = &b
	}
	addr := storage.Address{Area: info.area, Byte: ref.Offset / 8, Bit: bit}
	if !isBool {
		addr.Byte = ref.Offset
	}
	return c.Storage.IO(), addr, kind, size, nil
}

// descend walks segs off root, indexing arrays and reading struct fields.
func descend(root value.Value, segs []value.Segment) (value.Value, error) {
	cur := root
	for _, seg := range segs {
		if isFieldSegment(seg) {
			v, ok := cur.Field(seg.Field)
			if !ok {
				return value.Null, fault.Named(fault.UndefinedVariable, seg.Field)
			}
			cur = v
			continue
		}
		v, err := cur.Index(seg.Indices)
		if err != nil {
			return value.Null, fault.New(fault.OutOfRange, "%s", err.Error())
		}
		cur = v
	}
	return cur, nil
}

// assoc returns a copy of root with the value at segs path replaced by
// leaf, reconstructing every ancestor along the path (spec §4.2:
// "write_lvalue walk a chain ... Deref(Reference(None)) fails with
// NullReference").
func assoc(root value.Value, segs []value.Segment, leaf value.Value) (value.Value, error) {
	if len(segs) == 0 {
		return leaf, nil
	}
	seg := segs[0]
	if isFieldSegment(seg) {
		child, ok := root.Field(seg.Field)
		if !ok {
			return value.Null, fault.Named(fault.UndefinedVariable, seg.Field)
		}
		updated, err := assoc(child, segs[1:], leaf)
		if err != nil {
			return value.Null, err
		}
		return root.WithField(seg.Field, updated), nil
	}
	child, err := root.Index(seg.Indices)
	if err != nil {
		return value.Null, fault.New(fault.OutOfRange, "%s", err.Error())
	}
	updated, err := assoc(child, segs[1:], leaf)
	if err != nil {
		return value.Null, err
	}
	return setArrayElement(root, seg.Indices, updated)
}

// setArrayElement returns a copy of arr with the element at idx replaced,
// using the same flattening arithmetic as value.Value.Index.
func setArrayElement(arr value.Value, idx []int64, elem value.Value) (value.Value, error) {
	if arr.Kind != value.KindArray {
		return value.Null, fault.New(fault.TypeMismatch, "index into non-array kind %d", arr.Kind)
	}
	if len(idx) != len(arr.Dims) {
		return value.Null, fault.New(fault.InvalidSection, "expected %d indices, got %d", len(arr.Dims), len(idx))
	}
	flat := int64(0)
	stride := int64(1)
	for i := len(arr.Dims) - 1; i >= 0; i-- {
		d := arr.Dims[i]
		if idx[i] < d.Lower || idx[i] > d.Upper {
			return value.Null, fault.New(fault.OutOfRange, "index %d outside [%d,%d]", idx[i], d.Lower, d.Upper)
		}
		flat += (idx[i] - d.Lower) * stride
		stride *= d.Len()
	}
	if flat < 0 || int(flat) >= len(arr.Elements) {
		return value.Null, fault.New(fault.OutOfRange, "flattened index %d out of bounds", flat)
	}
	out := value.NewArray(arr.Dims, append([]value.Value(nil), arr.Elements...))
	out.Elements[flat] = elem
	return out, nil
}

// primitiveKind maps a built-in TypeID to its value.Kind, byte width, and
// whether it is the single-bit Bool representation, for BOOL and the
// integer, bit-string and real types (TIME maps to KindLInt); any other id
// falls back to DINT with width 4. Used to decode typed I/O image reads
// (spec §3.2).
func primitiveKind(id value.TypeID) (value.Kind, int, bool) {
	switch id {
	case value.TypeBool:
		return value.KindBool, 1, true
	case value.TypeSInt:
		return value.KindSInt, 1, false
	case value.TypeUSInt:
		return value.KindUSInt, 1, false
	case value.TypeByte:
		return value.KindByte, 1, false
	case value.TypeInt:
		return value.KindInt, 2, false
	case value.TypeUInt:
		return value.KindUInt, 2, false
	case value.TypeWord:
		return value.KindWord, 2, false
	case value.TypeDInt:
		return value.KindDInt, 4, false
	case value.TypeUDInt:
		return value.KindUDInt, 4, false
	case value.TypeDWord:
		return value.KindDWord, 4, false
	case value.TypeReal:
		return value.KindReal, 4, false
	case value.TypeLInt, value.TypeTime:
		return value.KindLInt, 8, false
	case value.TypeULInt:
		return value.KindULInt, 8, false
	case value.TypeLWord:
		return value.KindLWord, 8, false
	case value.TypeLReal:
		return value.KindLReal, 8, false
	default:
		return value.KindDInt, 4, false
	}
}

// isFieldSegment reports whether seg is a named-field hop rather than an
// array-index hop; REF_TABLE segments never populate both (spec §3.4).
func isFieldSegment(seg value.Segment) bool {
	return seg.Indices == nil
}
