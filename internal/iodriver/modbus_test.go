package iodriver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trust-plc/strt/internal/value"
)

func TestRegCountRoundsUpToWholeRegisters(t *testing.T) {
	assert.Equal(t, uint16(1), RegisterMapping{Size: 1}.regCount())
	assert.Equal(t, uint16(1), RegisterMapping{Size: 2}.regCount())
	assert.Equal(t, uint16(2), RegisterMapping{Size: 3}.regCount())
	assert.Equal(t, uint16(2), RegisterMapping{Size: 4}.regCount())
}

func TestEncodeDecodeRegistersRoundTripSignedInt(t *testing.T) {
	v := value.NewInt(value.KindDInt, -12345)
	raw := encodeRegisters(v, value.KindDInt, 4)
	assert.Len(t, raw, 4)

	decoded, err := decodeRegisters(raw, value.KindDInt, 4)
	assert.NoError(t, err)
	assert.Equal(t, int64(-12345), decoded.Int)
}

func TestEncodeDecodeRegistersRoundTripUnsigned(t *testing.T) {
	v := value.NewUint(value.KindUInt, 60000)
	raw := encodeRegisters(v, value.KindUInt, 2)
	decoded, err := decodeRegisters(raw, value.KindUInt, 2)
	assert.NoError(t, err)
	assert.Equal(t, uint64(60000), decoded.UInt)
}

func TestEncodeDecodeRegistersRoundTripReal(t *testing.T) {
	v := value.NewReal(value.KindReal, 3.25)
	raw := encodeRegisters(v, value.KindReal, 4)
	decoded, err := decodeRegisters(raw, value.KindReal, 4)
	assert.NoError(t, err)
	assert.InDelta(t, 3.25, decoded.Real, 1e-6)
}

func TestEncodeDecodeRegistersRoundTripLReal(t *testing.T) {
	v := value.NewReal(value.KindLReal, -9.5)
	raw := encodeRegisters(v, value.KindLReal, 8)
	decoded, err := decodeRegisters(raw, value.KindLReal, 8)
	assert.NoError(t, err)
	assert.InDelta(t, -9.5, decoded.Real, 1e-9)
}

func TestEncodeDecodeRegistersRoundTripBool(t *testing.T) {
	v := value.NewBool(true)
	raw := encodeRegisters(v, value.KindBool, 2)
	decoded, err := decodeRegisters(raw, value.KindBool, 2)
	assert.NoError(t, err)
	assert.True(t, decoded.Bool)
}

func TestValidateFailsWithoutClientHandler(t *testing.T) {
	m := &Modbus{name: "PLC"}
	assert.Error(t, m.Validate())
}

func TestValidateSucceedsAfterNewModbusTCP(t *testing.T) {
	m := NewModbusTCP("PLC", "127.0.0.1:502", nil, nil)
	assert.NoError(t, m.Validate())
	assert.Equal(t, "PLC", m.Name())
}
