package iodriver

import (
	"fmt"
	"math"

	"github.com/goburrow/modbus"

	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// RegisterMapping binds one IOImage address to a Modbus register, the
// register-mapped address space IO_MAP already describes (SPEC_FULL.md
// §4.8).
type RegisterMapping struct {
	Register uint16
	Addr     storage.Address
	Kind     value.Kind
	Size     int // value byte width: 1, 2, 4, or 8
}

func (rm RegisterMapping) regCount() uint16 {
	n := (rm.Size + 1) / 2
	if n < 1 {
		n = 1
	}
	return uint16(n)
}

// Modbus is a minimal holding/input-register TCP sample driver built on
// github.com/goburrow/modbus: input registers feed %I-mapped cells, and
// %Q-mapped cells are pushed out as holding registers.
type Modbus struct {
	name    string
	handler *modbus.TCPClientHandler
	client  modbus.Client

	Inputs  []RegisterMapping
	Outputs []RegisterMapping
}

// NewModbusTCP dials nothing yet; call Connect before the first cycle.
func NewModbusTCP(name, address string, inputs, outputs []RegisterMapping) *Modbus {
	h := modbus.NewTCPClientHandler(address)
	return &Modbus{
		name:    name,
		handler: h,
		client:  modbus.NewClient(h),
		Inputs:  inputs,
		Outputs: outputs,
	}
}

func (m *Modbus) Name() string { return m.name }

// Validate reports whether the driver has a usable client handler; it does
// not dial, since validation runs before a connection is wanted (spec §6.3:
// "validate ... must not perform I/O").
func (m *Modbus) Validate() error {
	if m.handler == nil || m.client == nil {
		return fmt.Errorf("iodriver: modbus driver %q has no client handler", m.name)
	}
	return nil
}

// Connect opens the TCP connection to the Modbus server.
func (m *Modbus) Connect() error { return m.handler.Connect() }

// Close closes the TCP connection.
func (m *Modbus) Close() error { return m.handler.Close() }

// ReadInputs reads every configured input register and decodes it into
// img's input area.
func (m *Modbus) ReadInputs(img *storage.IOImage) error {
	for _, rm := range m.Inputs {
		raw, err := m.client.ReadInputRegisters(rm.Register, rm.regCount())
		if err != nil {
			return fmt.Errorf("iodriver: modbus read input register %d: %w", rm.Register, err)
		}
		v, err := decodeRegisters(raw, rm.Kind, rm.Size)
		if err != nil {
			return err
		}
		if err := img.WriteTyped(rm.Addr, v, rm.Size); err != nil {
			return err
		}
	}
	return nil
}

// WriteOutputs reads every configured output cell out of img and writes it
// to its bound holding register.
func (m *Modbus) WriteOutputs(img *storage.IOImage) error {
	for _, rm := range m.Outputs {
		v, err := img.ReadTyped(rm.Addr, rm.Kind, rm.Size)
		if err != nil {
			return err
		}
		raw := encodeRegisters(v, rm.Kind, rm.Size)
		if _, err := m.client.WriteMultipleRegisters(rm.Register, rm.regCount(), raw); err != nil {
			return fmt.Errorf("iodriver: modbus write holding register %d: %w", rm.Register, err)
		}
	}
	return nil
}

// decodeRegisters interprets a big-endian Modbus register payload as kind,
// mirroring storage.IOImage's little-endian ReadTyped but for wire bytes
// that arrive in the opposite byte order.
func decodeRegisters(raw []byte, kind value.Kind, size int) (value.Value, error) {
	if kind == value.KindBool {
		return value.NewBool(len(raw) > 0 && raw[len(raw)-1]&1 != 0), nil
	}
	var u uint64
	for _, b := range raw {
		u = (u << 8) | uint64(b)
	}
	switch kind {
	case value.KindReal:
		return value.NewReal(kind, float64(math.Float32frombits(uint32(u)))), nil
	case value.KindLReal:
		return value.NewReal(kind, math.Float64frombits(u)), nil
	}
	if isSignedRegisterKind(kind) {
		bits := uint(size * 8)
		if bits >= 64 {
			return value.NewInt(kind, int64(u)), nil
		}
		shift := 64 - bits
		return value.NewInt(kind, int64(u<<shift)>>shift), nil
	}
	return value.NewUint(kind, u), nil
}

// encodeRegisters is decodeRegisters's inverse: it renders v as size
// big-endian bytes for the wire.
func encodeRegisters(v value.Value, kind value.Kind, size int) []byte {
	var u uint64
	switch {
	case v.Kind == value.KindBool:
		if v.Bool {
			u = 1
		}
	case kind == value.KindReal:
		u = uint64(math.Float32bits(float32(v.Real)))
	case kind == value.KindLReal:
		u = math.Float64bits(v.Real)
	case isSignedRegisterKind(kind):
		u = uint64(v.Int)
	default:
		u = v.UInt
	}
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

func isSignedRegisterKind(k value.Kind) bool {
	switch k {
	case value.KindSInt, value.KindInt, value.KindDInt, value.KindLInt, value.KindTime, value.KindLTime:
		return true
	default:
		return false
	}
}
