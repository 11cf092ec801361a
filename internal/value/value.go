// Package value implements the tagged value model shared by the bytecode
// module, variable storage, and expression evaluator (spec §3.1).
package value

import "fmt"

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindSInt
	KindInt
	KindDInt
	KindLInt
	KindUSInt
	KindUInt
	KindUDInt
	KindULInt
	KindReal
	KindLReal
	KindByte
	KindWord
	KindDWord
	KindLWord
	KindTime
	KindLTime
	KindDate
	KindLDate
	KindTod
	KindLTod
	KindDT
	KindLDT
	KindString
	KindWString
	KindChar
	KindWChar
	KindArray
	KindStruct
	KindEnum
	KindReference
	KindInstance
)

// InstanceID identifies a live function-block/class instance in the heap
// (spec §3.3). It is stable for the lifetime of its declaring scope.
type InstanceID uint64

// Dim is an inclusive array dimension (lower, upper), lower <= upper.
type Dim struct {
	Lower int64
	Upper int64
}

// Len returns the element count of the dimension.
func (d Dim) Len() int64 { return d.Upper - d.Lower + 1 }

// Field is one ordered struct field: declaration order is observable.
type Field struct {
	Name  string
	Value Value
}

// Ref is a resolvable handle into storage: a global/retain/local/instance
// root plus zero or more index/field path segments. See eval's
// Context.ReadRef/WriteRef for how this shape is resolved against storage.
type Ref struct {
	Location string // "global" | "retain" | "local" | "instance" | "io"
	OwnerID  uint64 // frame id or instance id, when Location needs one
	Offset   uint32 // byte offset for io refs
	Segments []Segment
}

// Segment is one hop in a Ref's access path: either an array index chain
// or a named field.
type Segment struct {
	Indices []int64 // non-nil for index segments
	Field   string  // non-empty for field segments
}

// Value is a tagged variant over every ST elementary/compound type
// (spec §3.1). The zero Value is KindNull.
type Value struct {
	Kind Kind

	Bool bool
	Int  int64  // signed integer kinds, Time/LTime as ns, Date/Tod/DT kinds, Enum numeric value
	UInt uint64 // unsigned integer kinds and bit strings
	Real float64

	Str string // String, WString, Char, WChar (single rune stored as string)

	TypeName string // Struct/Enum/FunctionBlock type name
	Variant  string // Enum variant name

	Elements  []Value // Array elements, insertion order
	Dims      []Dim
	Fields    []Field // Struct fields, declaration order
	Ref       *Ref    // non-nil for a live KindReference; nil means Reference(None)
	Instance  InstanceID
	HasRefVal bool // distinguishes Reference(Some) from Reference(None) when Ref == nil is ambiguous
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

// NewBool builds a Bool value.
func NewBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// NewInt builds a signed-integer value of the given kind.
func NewInt(k Kind, v int64) Value { return Value{Kind: k, Int: v} }

// NewUint builds an unsigned-integer/bit-string value of the given kind.
func NewUint(k Kind, v uint64) Value { return Value{Kind: k, UInt: v} }

// NewReal builds a Real/LReal value.
func NewReal(k Kind, v float64) Value { return Value{Kind: k, Real: v} }

// NewString builds a String/WString value.
func NewString(k Kind, s string) Value { return Value{Kind: k, Str: s} }

// NewEnum builds an Enum value; numericValue must match the type registry's
// recorded value for variant (invariant in spec §3.1).
func NewEnum(typeName, variant string, numericValue int64) Value {
	return Value{Kind: KindEnum, TypeName: typeName, Variant: variant, Int: numericValue}
}

// NewArray builds an Array value. len(elements) must equal the product of
// each dimension's Len().
func NewArray(dims []Dim, elements []Value) Value {
	return Value{Kind: KindArray, Dims: dims, Elements: elements}
}

// NewStruct builds a Struct value with fields in declaration order.
func NewStruct(typeName string, fields []Field) Value {
	return Value{Kind: KindStruct, TypeName: typeName, Fields: fields}
}

// NewReference wraps a live Ref. Pass nil for Reference(None).
func NewReference(r *Ref) Value {
	return Value{Kind: KindReference, Ref: r, HasRefVal: r != nil}
}

// NewInstance wraps a stable instance handle.
func NewInstance(id InstanceID) Value { return Value{Kind: KindInstance, Instance: id} }

// IsNumeric reports whether the value's kind participates in the numeric
// coercion lattice (spec §3.1).
func (v Value) IsNumeric() bool {
	switch v.Kind {
	case KindSInt, KindInt, KindDInt, KindLInt,
		KindUSInt, KindUInt, KindUDInt, KindULInt,
		KindReal, KindLReal,
		KindByte, KindWord, KindDWord, KindLWord,
		KindTime, KindLTime:
		return true
	default:
		return false
	}
}

// Field looks up a struct field by name (case-sensitive, declaration order
// preserved on output).
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Null, false
}

// WithField returns a copy of v with field name set to val, preserving
// declaration order; appends if the field does not already exist.
func (v Value) WithField(name string, val Value) Value {
	out := Value{Kind: v.Kind, TypeName: v.TypeName, Fields: make([]Field, len(v.Fields))}
	copy(out.Fields, v.Fields)
	for i := range out.Fields {
		if out.Fields[i].Name == name {
			out.Fields[i].Value = val
			return out
		}
	}
	out.Fields = append(out.Fields, Field{Name: name, Value: val})
	return out
}

// Index returns the array element at the given per-dimension index tuple,
// or an error if any index falls outside its dimension's (lower, upper).
func (v Value) Index(idx []int64) (Value, error) {
	if v.Kind != KindArray {
		return Null, fmt.Errorf("value: Index called on non-array kind %d", v.Kind)
	}
	if len(idx) != len(v.Dims) {
		return Null, fmt.Errorf("value: expected %d indices, got %d", len(v.Dims), len(idx))
	}
	flat := int64(0)
	stride := int64(1)
	for i := len(v.Dims) - 1; i >= 0; i-- {
		d := v.Dims[i]
		if idx[i] < d.Lower || idx[i] > d.Upper {
			return Null, outOfRangeErr(idx[i], d)
		}
		flat += (idx[i] - d.Lower) * stride
		stride *= d.Len()
	}
	if flat < 0 || int(flat) >= len(v.Elements) {
		return Null, fmt.Errorf("value: flattened index %d out of bounds", flat)
	}
	return v.Elements[flat], nil
}

func outOfRangeErr(i int64, d Dim) error {
	return fmt.Errorf("value: index %d outside [%d,%d]", i, d.Lower, d.Upper)
}

// String renders a Value for debug/log output; it is not the ST textual
// literal form.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindReal, KindLReal:
		return fmt.Sprintf("%g", v.Real)
	case KindString, KindWString, KindChar, KindWChar:
		return v.Str
	case KindEnum:
		return fmt.Sprintf("%s#%s", v.TypeName, v.Variant)
	case KindStruct:
		return fmt.Sprintf("%s{%d fields}", v.TypeName, len(v.Fields))
	case KindArray:
		return fmt.Sprintf("ARRAY[%d elems]", len(v.Elements))
	case KindInstance:
		return fmt.Sprintf("instance#%d", v.Instance)
	case KindReference:
		if v.Ref == nil {
			return "REF(nil)"
		}
		return fmt.Sprintf("REF(%s)", v.Ref.Location)
	default:
		if v.Kind == KindSInt || v.Kind == KindInt || v.Kind == KindDInt || v.Kind == KindLInt ||
			v.Kind == KindTime || v.Kind == KindLTime {
			return fmt.Sprintf("%d", v.Int)
		}
		return fmt.Sprintf("%d", v.UInt)
	}
}
