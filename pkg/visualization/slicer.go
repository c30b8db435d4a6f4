package visualization

import (
	"image"

	"gonum.org/v1/gonum/stat"

	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

// Slice is a 2D cross-section of a volume holding raw, unwindowed intensities.
// Data[y*Width+x] is the voxel at column x, row y.
type Slice struct {
	Plane  volume.Plane
	Index  int
	Width  int
	Height int
	Data   []float64
}

// ExtractSlice cuts the cross-section of vol along plane at index. It touches
// exactly Width*Height voxels and never scans the rest of the volume.
//
// An index outside [0, SliceCount(plane)-1] is a *volume.RangeError; it is not
// clamped.
func ExtractSlice(vol *volume.Volume, plane volume.Plane, index int) (*Slice, error) {
	return ExtractSliceInto(nil, vol, plane, index)
}

// ExtractSliceInto is like ExtractSlice but reuses dst's storage when large
// enough.
func ExtractSliceInto(dst []float64, vol *volume.Volume, plane volume.Plane, index int) (*Slice, error) {
	req := volume.SliceRequest{Plane: plane, Index: index}
	if err := req.Validate(vol.Header); err != nil {
		return nil, err
	}

	nx, ny, nz := vol.Header.Dims[0], vol.Header.Dims[1], vol.Header.Dims[2]
	w, h := SliceShape(vol.Header, plane)
	if cap(dst) < w*h {
		dst = make([]float64, w*h)
	}
	dst = dst[:w*h]
	voxels := vol.Voxels

	switch plane {
	case volume.Axial:
		// z fixed; the slice is one contiguous run of the buffer.
		base := index * nx * ny
		for i := range dst {
			dst[i] = voxels.At(base + i)
		}

	case volume.Sagittal:
		// x fixed; width spans y, height spans z.
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				dst[z*w+y] = voxels.At(index + y*nx + z*nx*ny)
			}
		}

	case volume.Coronal:
		// y fixed; width spans x, height spans z.
		for z := 0; z < nz; z++ {
			row := index*nx + z*nx*ny
			for x := 0; x < nx; x++ {
				dst[z*w+x] = voxels.At(row + x)
			}
		}
	}

	return &Slice{Plane: plane, Index: index, Width: w, Height: h, Data: dst}, nil
}

// SliceShape returns the width and height of slices cut along plane.
func SliceShape(h volume.Header, plane volume.Plane) (width, height int) {
	switch plane {
	case volume.Axial:
		return h.Dims[0], h.Dims[1]
	case volume.Sagittal:
		return h.Dims[1], h.Dims[2]
	case volume.Coronal:
		return h.Dims[0], h.Dims[2]
	}
	return 0, 0
}

// Rescale maps the slice in place from stored values to the calibrated units
// given by h's scl_slope and scl_inter.
func (s *Slice) Rescale(h volume.Header) {
	if !h.Scaled() {
		return
	}
	for i, v := range s.Data {
		s.Data[i] = h.Rescale(v)
	}
}

// Render windows the slice into an 8-bit grayscale image. A nil setting uses
// auto min/max normalisation.
func (s *Slice) Render(setting *windowing.Setting) (*image.Gray, error) {
	pix, err := windowing.Apply(s.Data, setting)
	if err != nil {
		return nil, err
	}
	return &image.Gray{Pix: pix, Stride: s.Width, Rect: image.Rect(0, 0, s.Width, s.Height)}, nil
}

// SliceStats summarises the intensities of a slice for display overlays.
type SliceStats struct {
	Min, Max     float64
	Mean, StdDev float64
}

// Stats computes min, max, mean and standard deviation of the slice.
func Stats(s *Slice) SliceStats {
	if len(s.Data) == 0 {
		return SliceStats{}
	}
	var st SliceStats
	st.Min, st.Max = windowing.MinMax(s.Data)
	st.Mean, st.StdDev = stat.MeanStdDev(s.Data, nil)
	return st
}
