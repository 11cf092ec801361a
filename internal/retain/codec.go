// Package retain implements the versioned retain-store wire codec and the
// save/load policy that gates persistence on a dirty flag and an optional
// save interval (spec §4.3 step 10, §6.5).
package retain

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// Magic is the 4-byte retain-file signature "STRN".
var Magic = [4]byte{'S', 'T', 'R', 'N'}

// Version is the only retain wire version this package reads or writes.
const Version uint16 = 1

// valueTag identifies a Value's wire encoding; stable across versions.
type valueTag uint8

const (
	tagBool valueTag = iota + 1
	tagSInt
	tagInt
	tagDInt
	tagLInt
	tagUSInt
	tagUInt
	tagUDInt
	tagULInt
	tagReal
	tagLReal
	tagByte
	tagWord
	tagDWord
	tagLWord
	tagTime
	tagLTime
	tagDate
	tagLDate
	tagTod
	tagLTod
	tagDT
	tagLDT
	tagString
	tagWString
	tagChar
	tagWChar
	tagArray
	tagStruct
	tagEnum
	tagNull
)

// Encode serialises a name->Value snapshot into the retain wire format.
// Names are written in sorted order so that two snapshots with identical
// content always produce identical bytes (spec §8 R8: idempotent saves).
func Encode(snapshot map[string]value.Value) ([]byte, error) {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]byte, 0, 64+16*len(names))
	out = append(out, Magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, Version)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(names)))
	for _, name := range names {
		out = appendString(out, name)
		var err error
		out, err = appendValue(out, snapshot[name])
		if err != nil {
			return nil, fmt.Errorf("retain: encode %q: %w", name, err)
		}
	}
	return out, nil
}

// Decode parses bytes produced by Encode back into a name->Value snapshot.
func Decode(b []byte) (map[string]value.Value, error) {
	r := &reader{buf: b}
	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != string(Magic[:]) {
		return nil, fault.New(fault.RetainStore, "invalid retain magic")
	}
	ver, err := r.u16()
	if err != nil {
		return nil, err
	}
	if ver != Version {
		return nil, fault.New(fault.RetainStore, "unsupported retain version %d", ver)
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, fmt.Errorf("retain: decode %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func appendString(out []byte, s string) []byte {
	b := []byte(s)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}

func appendValue(out []byte, v value.Value) ([]byte, error) {
	switch v.Kind {
	case value.KindBool:
		out = append(out, byte(tagBool))
		if v.Bool {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case value.KindSInt:
		out = append(out, byte(tagSInt))
		out = append(out, byte(int8(v.Int)))
	case value.KindInt:
		out = append(out, byte(tagInt))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v.Int)))
	case value.KindDInt:
		out = append(out, byte(tagDInt))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(v.Int)))
	case value.KindLInt:
		out = append(out, byte(tagLInt))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindUSInt:
		out = append(out, byte(tagUSInt))
		out = append(out, byte(v.UInt))
	case value.KindUInt:
		out = append(out, byte(tagUInt))
		out = binary.LittleEndian.AppendUint16(out, uint16(v.UInt))
	case value.KindUDInt:
		out = append(out, byte(tagUDInt))
		out = binary.LittleEndian.AppendUint32(out, uint32(v.UInt))
	case value.KindULInt:
		out = append(out, byte(tagULInt))
		out = binary.LittleEndian.AppendUint64(out, v.UInt)
	case value.KindReal:
		out = append(out, byte(tagReal))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v.Real)))
	case value.KindLReal:
		out = append(out, byte(tagLReal))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.Real))
	case value.KindByte:
		out = append(out, byte(tagByte))
		out = append(out, byte(v.UInt))
	case value.KindWord:
		out = append(out, byte(tagWord))
		out = binary.LittleEndian.AppendUint16(out, uint16(v.UInt))
	case value.KindDWord:
		out = append(out, byte(tagDWord))
		out = binary.LittleEndian.AppendUint32(out, uint32(v.UInt))
	case value.KindLWord:
		out = append(out, byte(tagLWord))
		out = binary.LittleEndian.AppendUint64(out, v.UInt)
	case value.KindTime:
		out = append(out, byte(tagTime))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindLTime:
		out = append(out, byte(tagLTime))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindDate:
		out = append(out, byte(tagDate))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindLDate:
		out = append(out, byte(tagLDate))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindTod:
		out = append(out, byte(tagTod))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindLTod:
		out = append(out, byte(tagLTod))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindDT:
		out = append(out, byte(tagDT))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindLDT:
		out = append(out, byte(tagLDT))
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindString:
		out = append(out, byte(tagString))
		out = appendString(out, v.Str)
	case value.KindWString:
		out = append(out, byte(tagWString))
		out = appendString(out, v.Str)
	case value.KindChar:
		out = append(out, byte(tagChar))
		ch, _ := utf8.DecodeRuneInString(v.Str)
		out = append(out, byte(ch))
	case value.KindWChar:
		out = append(out, byte(tagWChar))
		ch, _ := utf8.DecodeRuneInString(v.Str)
		out = binary.LittleEndian.AppendUint16(out, uint16(ch))
	case value.KindArray:
		out = append(out, byte(tagArray))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(v.Elements)))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(v.Dims)))
		for _, d := range v.Dims {
			out = binary.LittleEndian.AppendUint64(out, uint64(d.Lower))
			out = binary.LittleEndian.AppendUint64(out, uint64(d.Upper))
		}
		for _, elem := range v.Elements {
			var err error
			out, err = appendValue(out, elem)
			if err != nil {
				return nil, err
			}
		}
	case value.KindStruct:
		out = append(out, byte(tagStruct))
		out = appendString(out, v.TypeName)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(v.Fields)))
		for _, f := range v.Fields {
			out = appendString(out, f.Name)
			var err error
			out, err = appendValue(out, f.Value)
			if err != nil {
				return nil, err
			}
		}
	case value.KindEnum:
		out = append(out, byte(tagEnum))
		out = appendString(out, v.TypeName)
		out = appendString(out, v.Variant)
		out = binary.LittleEndian.AppendUint64(out, uint64(v.Int))
	case value.KindNull:
		out = append(out, byte(tagNull))
	default:
		return nil, fmt.Errorf("retain: cannot retain a %s value", kindName(v.Kind))
	}
	return out, nil
}

func kindName(k value.Kind) string {
	switch k {
	case value.KindReference:
		return "reference"
	case value.KindInstance:
		return "instance"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

func readValue(r *reader) (value.Value, error) {
	tagByte, err := r.u8()
	if err != nil {
		return value.Null, err
	}
	switch valueTag(tagByte) {
	case tagBool:
		b, err := r.u8()
		return value.NewBool(b != 0), err
	case tagSInt:
		b, err := r.u8()
		return value.NewInt(value.KindSInt, int64(int8(b))), err
	case tagInt:
		u, err := r.u16()
		return value.NewInt(value.KindInt, int64(int16(u))), err
	case tagDInt:
		u, err := r.u32()
		return value.NewInt(value.KindDInt, int64(int32(u))), err
	case tagLInt:
		u, err := r.u64()
		return value.NewInt(value.KindLInt, int64(u)), err
	case tagUSInt:
		b, err := r.u8()
		return value.NewUint(value.KindUSInt, uint64(b)), err
	case tagUInt:
		u, err := r.u16()
		return value.NewUint(value.KindUInt, uint64(u)), err
	case tagUDInt:
		u, err := r.u32()
		return value.NewUint(value.KindUDInt, uint64(u)), err
	case tagULInt:
		u, err := r.u64()
		return value.NewUint(value.KindULInt, u), err
	case tagReal:
		u, err := r.u32()
		return value.NewReal(value.KindReal, float64(math.Float32frombits(u))), err
	case tagLReal:
		u, err := r.u64()
		return value.NewReal(value.KindLReal, math.Float64frombits(u)), err
	case tagByte:
		b, err := r.u8()
		return value.NewUint(value.KindByte, uint64(b)), err
	case tagWord:
		u, err := r.u16()
		return value.NewUint(value.KindWord, uint64(u)), err
	case tagDWord:
		u, err := r.u32()
		return value.NewUint(value.KindDWord, uint64(u)), err
	case tagLWord:
		u, err := r.u64()
		return value.NewUint(value.KindLWord, u), err
	case tagTime:
		u, err := r.u64()
		return value.NewInt(value.KindTime, int64(u)), err
	case tagLTime:
		u, err := r.u64()
		return value.NewInt(value.KindLTime, int64(u)), err
	case tagDate:
		u, err := r.u64()
		return value.NewInt(value.KindDate, int64(u)), err
	case tagLDate:
		u, err := r.u64()
		return value.NewInt(value.KindLDate, int64(u)), err
	case tagTod:
		u, err := r.u64()
		return value.NewInt(value.KindTod, int64(u)), err
	case tagLTod:
		u, err := r.u64()
		return value.NewInt(value.KindLTod, int64(u)), err
	case tagDT:
		u, err := r.u64()
		return value.NewInt(value.KindDT, int64(u)), err
	case tagLDT:
		u, err := r.u64()
		return value.NewInt(value.KindLDT, int64(u)), err
	case tagString:
		s, err := r.readString()
		return value.NewString(value.KindString, s), err
	case tagWString:
		s, err := r.readString()
		return value.NewString(value.KindWString, s), err
	case tagChar:
		b, err := r.u8()
		return value.Value{Kind: value.KindChar, Str: string(rune(b))}, err
	case tagWChar:
		u, err := r.u16()
		return value.Value{Kind: value.KindWChar, Str: string(rune(u))}, err
	case tagArray:
		return readArray(r)
	case tagStruct:
		return readStruct(r)
	case tagEnum:
		return readEnum(r)
	case tagNull:
		return value.Null, nil
	default:
		return value.Null, fault.New(fault.RetainStore, "unknown retain value tag %d", tagByte)
	}
}

func readArray(r *reader) (value.Value, error) {
	count, err := r.u32()
	if err != nil {
		return value.Null, err
	}
	dimCount, err := r.u32()
	if err != nil {
		return value.Null, err
	}
	dims := make([]value.Dim, 0, dimCount)
	for i := uint32(0); i < dimCount; i++ {
		lo, err := r.u64()
		if err != nil {
			return value.Null, err
		}
		hi, err := r.u64()
		if err != nil {
			return value.Null, err
		}
		dims = append(dims, value.Dim{Lower: int64(lo), Upper: int64(hi)})
	}
	elements := make([]value.Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readValue(r)
		if err != nil {
			return value.Null, err
		}
		elements = append(elements, v)
	}
	return value.NewArray(dims, elements), nil
}

func readStruct(r *reader) (value.Value, error) {
	typeName, err := r.readString()
	if err != nil {
		return value.Null, err
	}
	count, err := r.u32()
	if err != nil {
		return value.Null, err
	}
	fields := make([]value.Field, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.readString()
		if err != nil {
			return value.Null, err
		}
		v, err := readValue(r)
		if err != nil {
			return value.Null, err
		}
		fields = append(fields, value.Field{Name: name, Value: v})
	}
	return value.NewStruct(typeName, fields), nil
}

func readEnum(r *reader) (value.Value, error) {
	typeName, err := r.readString()
	if err != nil {
		return value.Null, err
	}
	variant, err := r.readString()
	if err != nil {
		return value.Null, err
	}
	numeric, err := r.u64()
	if err != nil {
		return value.Null, err
	}
	return value.NewEnum(typeName, variant, int64(numeric)), nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return fault.New(fault.RetainStore, "retain data truncated at byte %d", r.pos)
	}
	return nil
}

func (r *reader) take(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
