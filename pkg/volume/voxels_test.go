package volume

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hounsfield int16

type intensity float64

func TestWrapTagsByStorageKind(t *testing.T) {
	tests := map[string]struct {
		buf  VoxelBuffer
		want Datatype
	}{
		"uint8":       {Wrap([]uint8{1}), DTUint8},
		"int16":       {Wrap([]int16{1}), DTInt16},
		"uint64":      {Wrap([]uint64{1}), DTUint64},
		"float32":     {Wrap([]float32{1}), DTFloat32},
		"named int16": {Wrap([]hounsfield{1}), DTInt16},
		"named float": {Wrap([]intensity{1}), DTFloat64},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.buf.Datatype())
			assert.Len(t, tc.buf.AppendBytes(nil), tc.want.BytesPerVoxel())
		})
	}
}

func TestNamedTypeRoundTripsThroughBytes(t *testing.T) {
	in := Wrap([]hounsfield{-1024, 40, 700})
	raw := in.AppendBytes(nil)
	require.Len(t, raw, 6)

	out, err := ReadVoxels(in.Datatype(), raw, binary.LittleEndian, 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, in.At(i), out.At(i))
	}
}

func TestHeaderRescale(t *testing.T) {
	var h Header
	assert.False(t, h.Scaled(), "zero slope declares no scaling")
	assert.Equal(t, 12.0, h.Rescale(12))

	h.SclSlope = 1
	assert.False(t, h.Scaled())

	h.SclInter = -1024
	assert.True(t, h.Scaled())
	assert.Equal(t, 40.0, h.Rescale(1064))

	h.SclSlope, h.SclInter = 0.5, 10
	assert.Equal(t, 15.0, h.Rescale(10))
}
