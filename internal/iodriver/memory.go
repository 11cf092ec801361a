// Package iodriver implements concrete IoDriver capabilities (spec §6.3,
// SPEC_FULL.md §4.8): a test/dev loopback driver and a Modbus TCP sample
// driver, both satisfying scheduler.IoDriver's Name/Validate/ReadInputs/
// WriteOutputs contract.
package iodriver

import (
	"sync"

	"github.com/trust-plc/strt/internal/storage"
)

// Mirror loops back a configured output byte range onto an input byte
// range, standing in for a simulated plant with direct-wired I/O.
type Mirror struct {
	OutputByte uint32
	InputByte  uint32
	Size       int
}

// Memory is a test/dev loopback driver: a caller seeds its input buffer
// directly and optionally configures Mirrors so written outputs echo back
// as the next cycle's inputs.
type Memory struct {
	name string

	mu      sync.Mutex
	seeded  []byte
	mirrors []Mirror
}

// NewMemory allocates a Memory driver with a zeroed input buffer of
// inputSize bytes.
func NewMemory(name string, inputSize int) *Memory {
	return &Memory{name: name, seeded: make([]byte, inputSize)}
}

func (m *Memory) Name() string { return m.name }

// Validate always succeeds: a memory driver has no external resource to
// check reachability for.
func (m *Memory) Validate() error { return nil }

// AddMirror wires an output byte range to loop back onto an input byte
// range on the next ReadInputs.
func (m *Memory) AddMirror(mir Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirrors = append(m.mirrors, mir)
}

// Seed overwrites the driver's input buffer directly, for tests that drive
// a scan cycle against known input values.
func (m *Memory) Seed(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.seeded, b)
}

// ReadInputs copies the driver's held input buffer into img's input area.
func (m *Memory) ReadInputs(img *storage.IOImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(img.Inputs(), m.seeded)
	return nil
}

// WriteOutputs applies every configured Mirror, copying the just-written
// output bytes into the driver's held input buffer for the next cycle.
func (m *Memory) WriteOutputs(img *storage.IOImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := img.Outputs()
	for _, mir := range m.mirrors {
		if int(mir.OutputByte)+mir.Size > len(out) {
			continue
		}
		if int(mir.InputByte)+mir.Size > len(m.seeded) {
			continue
		}
		copy(m.seeded[mir.InputByte:int(mir.InputByte)+mir.Size], out[mir.OutputByte:int(mir.OutputByte)+mir.Size])
	}
	return nil
}
