package eval

import (
	"encoding/binary"
	"math"

	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// ConstValue decodes one CONST_POOL row into a runtime Value, exported for
// the bundle loader to seed global/retain initial values before the first
// cycle (spec §6.5).
func (c *Context) ConstValue(idx uint32) (value.Value, error) { return c.constValue(idx) }

// constValue decodes one CONST_POOL row into a runtime Value. Numeric
// payloads are little-endian, matching the I/O image's encoding
// (storage.IOImage.ReadTyped); String/WString payloads are the literal's
// raw UTF-8 bytes with no length prefix, since ConstEntry.Payload's own
// length already bounds it (spec §3.4 CONST_POOL).
func (c *Context) constValue(idx uint32) (value.Value, error) {
	if int(idx) >= len(c.Module.Consts) {
		return value.Null, fault.New(fault.InvalidIndex, "const index %d out of range", idx)
	}
	entry := c.Module.Consts[idx]
	typeID := value.TypeID(entry.TypeID)
	payload := entry.Payload

	switch typeID {
	case value.TypeBool:
		return value.NewBool(payload[0] != 0), nil
	case value.TypeSInt:
		return value.NewInt(value.KindSInt, int64(int8(payload[0]))), nil
	case value.TypeUSInt, value.TypeByte:
		kind, _, _ := primitiveKind(typeID)
		return value.NewUint(kind, uint64(payload[0])), nil
	case value.TypeInt:
		return value.NewInt(value.KindInt, int64(int16(binary.LittleEndian.Uint16(payload)))), nil
	case value.TypeUInt, value.TypeWord:
		kind, _, _ := primitiveKind(typeID)
		return value.NewUint(kind, uint64(binary.LittleEndian.Uint16(payload))), nil
	case value.TypeDInt:
		return value.NewInt(value.KindDInt, int64(int32(binary.LittleEndian.Uint32(payload)))), nil
	case value.TypeUDInt, value.TypeDWord:
		kind, _, _ := primitiveKind(typeID)
		return value.NewUint(kind, uint64(binary.LittleEndian.Uint32(payload))), nil
	case value.TypeLInt, value.TypeTime, value.TypeLTime:
		kind, _, _ := primitiveKind(typeID)
		if typeID == value.TypeLTime {
			kind = value.KindLTime
		}
		return value.NewInt(kind, int64(binary.LittleEndian.Uint64(payload))), nil
	case value.TypeULInt, value.TypeLWord:
		kind, _, _ := primitiveKind(typeID)
		return value.NewUint(kind, binary.LittleEndian.Uint64(payload)), nil
	case value.TypeReal:
		return value.NewReal(value.KindReal, float64(math.Float32frombits(binary.LittleEndian.Uint32(payload)))), nil
	case value.TypeLReal:
		return value.NewReal(value.KindLReal, math.Float64frombits(binary.LittleEndian.Uint64(payload))), nil
	case value.TypeDate, value.TypeLDate, value.TypeTod, value.TypeLTod, value.TypeDT, value.TypeLDT:
		kind := temporalKind(typeID)
		return value.Value{Kind: kind, Int: int64(binary.LittleEndian.Uint64(payload))}, nil
	case value.TypeString:
		return value.NewString(value.KindString, string(payload)), nil
	case value.TypeWString:
		return value.NewString(value.KindWString, string(payload)), nil
	case value.TypeChar:
		return value.Value{Kind: value.KindChar, Str: string(payload)}, nil
	case value.TypeWChar:
		return value.Value{Kind: value.KindWChar, Str: string(payload)}, nil
	default:
		return c.enumConstValue(typeID, payload)
	}
}

func temporalKind(id value.TypeID) value.Kind {
	switch id {
	case value.TypeDate:
		return value.KindDate
	case value.TypeLDate:
		return value.KindLDate
	case value.TypeTod:
		return value.KindTod
	case value.TypeLTod:
		return value.KindLTod
	case value.TypeDT:
		return value.KindDT
	default:
		return value.KindLDT
	}
}

// enumConstValue decodes a user-defined enum constant: payload is the
// 8-byte little-endian numeric value, cross-referenced against the type
// registry for the enum's declared variant name (spec §3.1: "Enum stores
// both the numeric value and its variant name").
func (c *Context) enumConstValue(typeID value.TypeID, payload []byte) (value.Value, error) {
	def, ok := c.Types.Lookup(typeID)
	if !ok || def.Kind != value.TypeKindEnum {
		return value.Null, fault.New(fault.TypeMismatch, "const pool type %d is not a known enum", typeID)
	}
	numeric := int64(binary.LittleEndian.Uint64(payload))
	for _, v := range def.Variants {
		if v.Value == numeric {
			return value.NewEnum(def.Name, v.Name, numeric), nil
		}
	}
	return value.Null, fault.New(fault.InvalidIndex, "no variant of %s has value %d", def.Name, numeric)
}
