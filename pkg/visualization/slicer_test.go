package visualization

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

// newSequentialVolume returns a volume whose voxel i holds the value i.
func newSequentialVolume(t *testing.T, nx, ny, nz int) *volume.Volume {
	t.Helper()
	data := make([]int32, nx*ny*nz)
	for i := range data {
		data[i] = int32(i)
	}
	hdr := volume.Header{
		Dims:     [3]int{nx, ny, nz},
		Spacing:  [3]float64{1, 1, 1},
		Datatype: volume.DTInt32,
	}
	vol, err := volume.New(hdr, volume.Wrap(data), "sequential.nii")
	require.NoError(t, err)
	return vol
}

func TestAxialSliceOfSequentialCube(t *testing.T) {
	vol := newSequentialVolume(t, 4, 4, 4)

	s, err := ExtractSlice(vol, volume.Axial, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Width)
	assert.Equal(t, 4, s.Height)

	want := make([]float64, 16)
	for i := range want {
		want[i] = float64(16 + i)
	}
	assert.Equal(t, want, s.Data)

	img, err := s.Render(&windowing.Setting{Center: 32, Width: 32})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y, "value 16 must saturate to 0")
	for i, v := range s.Data {
		x, y := i%4, i/4
		if v <= 16 {
			assert.Equal(t, uint8(0), img.GrayAt(x, y).Y)
		}
	}
	assert.Equal(t, uint8(math.Round(15.0/32*255)), img.GrayAt(3, 3).Y)
}

func TestSlicePlanesIndexing(t *testing.T) {
	nx, ny, nz := 3, 4, 5
	vol := newSequentialVolume(t, nx, ny, nz)

	t.Run("Sagittal", func(t *testing.T) {
		s, err := ExtractSlice(vol, volume.Sagittal, 2)
		require.NoError(t, err)
		assert.Equal(t, ny, s.Width)
		assert.Equal(t, nz, s.Height)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				assert.Equal(t, float64(2+y*nx+z*nx*ny), s.Data[z*s.Width+y])
			}
		}
	})

	t.Run("Coronal", func(t *testing.T) {
		s, err := ExtractSlice(vol, volume.Coronal, 3)
		require.NoError(t, err)
		assert.Equal(t, nx, s.Width)
		assert.Equal(t, nz, s.Height)
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				assert.Equal(t, float64(x+3*nx+z*nx*ny), s.Data[z*s.Width+x])
			}
		}
	})
}

func TestSliceBoundsAndShape(t *testing.T) {
	vol := newSequentialVolume(t, 3, 4, 5)
	counts := map[volume.Plane]int{volume.Axial: 5, volume.Sagittal: 3, volume.Coronal: 4}

	for _, plane := range volume.Planes {
		n := vol.SliceCount(plane)
		require.Equal(t, counts[plane], n, "slice count for %s", plane)

		for i := 0; i < n; i++ {
			s, err := ExtractSlice(vol, plane, i)
			require.NoError(t, err)
			assert.Len(t, s.Data, s.Width*s.Height)
		}

		for _, bad := range []int{-1, n} {
			_, err := ExtractSlice(vol, plane, bad)
			var re *volume.RangeError
			require.Error(t, err)
			assert.True(t, errors.As(err, &re), "%s[%d]: expected *volume.RangeError, got %T", plane, bad, err)
		}
	}

	_, err := ExtractSlice(vol, volume.Plane(7), 0)
	assert.Error(t, err)
}

func TestExtractSliceIntoReusesBuffer(t *testing.T) {
	vol := newSequentialVolume(t, 4, 4, 4)
	buf := make([]float64, 0, 16)
	s, err := ExtractSliceInto(buf, vol, volume.Coronal, 0)
	require.NoError(t, err)
	assert.Same(t, &buf[:1][0], &s.Data[0])
}

func TestSliceRescale(t *testing.T) {
	vol := newSequentialVolume(t, 2, 2, 2)

	s, err := ExtractSlice(vol, volume.Axial, 1)
	require.NoError(t, err)
	s.Rescale(vol.Header)
	assert.Equal(t, []float64{4, 5, 6, 7}, s.Data, "zero slope leaves values alone")

	h := vol.Header
	h.SclSlope, h.SclInter = 1, -1024
	s.Rescale(h)
	assert.Equal(t, []float64{-1020, -1019, -1018, -1017}, s.Data)

	h.SclSlope, h.SclInter = 0.5, 0
	s.Rescale(h)
	assert.Equal(t, []float64{-510, -509.5, -509, -508.5}, s.Data)

	raw, err := ExtractSlice(vol, volume.Axial, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6, 7}, raw.Data, "extraction stays raw")
}

func TestStats(t *testing.T) {
	s := &Slice{Width: 2, Height: 2, Data: []float64{1, 2, 3, 4}}
	st := Stats(s)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 4.0, st.Max)
	assert.Equal(t, 2.5, st.Mean)
	assert.InDelta(t, 1.2909944, st.StdDev, 1e-6)

	assert.Equal(t, SliceStats{}, Stats(&Slice{}))
}
