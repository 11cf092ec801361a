package iodriver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/iodriver"
	"github.com/trust-plc/strt/internal/storage"
)

func TestMemoryReadInputsReturnsSeededBytes(t *testing.T) {
	drv := iodriver.NewMemory("PLANT", 4)
	drv.Seed([]byte{1, 2, 3, 4})

	img := storage.NewIOImage(4, 4, 0)
	require.NoError(t, drv.ReadInputs(img))
	assert.Equal(t, []byte{1, 2, 3, 4}, img.Inputs())
}

func TestMemoryMirrorLoopsOutputsBackToInputs(t *testing.T) {
	drv := iodriver.NewMemory("PLANT", 2)
	drv.AddMirror(iodriver.Mirror{OutputByte: 0, InputByte: 1, Size: 1})

	img := storage.NewIOImage(2, 2, 0)
	copy(img.Outputs(), []byte{0x7f, 0x00})

	require.NoError(t, drv.WriteOutputs(img))
	require.NoError(t, drv.ReadInputs(img))

	assert.Equal(t, byte(0x7f), img.Inputs()[1], "mirrored byte must appear at the configured input offset")
	assert.Equal(t, byte(0), img.Inputs()[0], "unmirrored input bytes stay untouched")
}

func TestMemoryMirrorOutOfRangeIsIgnored(t *testing.T) {
	drv := iodriver.NewMemory("PLANT", 1)
	drv.AddMirror(iodriver.Mirror{OutputByte: 0, InputByte: 5, Size: 1})

	img := storage.NewIOImage(1, 1, 0)
	img.Outputs()[0] = 9

	assert.NoError(t, drv.WriteOutputs(img), "a mirror landing past the seeded buffer must be skipped, not panic")
}

func TestMemoryValidateAlwaysSucceeds(t *testing.T) {
	drv := iodriver.NewMemory("PLANT", 1)
	assert.NoError(t, drv.Validate())
	assert.Equal(t, "PLANT", drv.Name())
}
