// Package windowing maps raw voxel intensities, typically Hounsfield units,
// to 8-bit display luminance.
//
// Two modes are supported. With an explicit Setting the intensity range
// [Center-Width/2, Center+Width/2] is stretched linearly over [0, 255] and
// everything outside saturates. With a nil Setting the slice's own minimum
// and maximum are used instead; a flat slice (min == max) maps to all zeros.
package windowing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"niftiview/pkg/volume"
)

// Setting is a window level (Center) and range (Width).
type Setting struct {
	Center float64 `yaml:"center"`
	Width  float64 `yaml:"width"`
}

func (s Setting) String() string {
	return fmt.Sprintf("C%g/W%g", s.Center, s.Width)
}

// Bounds returns the intensities mapped to 0 and 255.
func (s Setting) Bounds() (lo, hi float64) {
	return s.Center - s.Width/2, s.Center + s.Width/2
}

// Validate rejects non-positive or non-finite widths and non-finite centers.
func (s Setting) Validate() error {
	if math.IsNaN(s.Width) || math.IsInf(s.Width, 0) || s.Width <= 0 {
		return &volume.RangeError{Op: "window", Detail: fmt.Sprintf("width %g must be > 0", s.Width)}
	}
	if math.IsNaN(s.Center) || math.IsInf(s.Center, 0) {
		return &volume.RangeError{Op: "window", Detail: fmt.Sprintf("center %g must be finite", s.Center)}
	}
	return nil
}

// Apply maps every value of data to [0, 255]. A nil setting selects auto
// min/max normalisation. The input is not modified.
func Apply(data []float64, s *Setting) ([]uint8, error) {
	return ApplyInto(nil, data, s)
}

// ApplyInto is like Apply but writes into dst when it has enough capacity, so
// playback can render successive frames without reallocating.
func ApplyInto(dst []uint8, data []float64, s *Setting) ([]uint8, error) {
	if s != nil {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if cap(dst) < len(data) {
		dst = make([]uint8, len(data))
	}
	dst = dst[:len(data)]

	if s == nil {
		autoWindow(dst, data)
		return dst, nil
	}

	lo, hi := s.Bounds()
	for i, v := range data {
		switch {
		case math.IsNaN(v):
			dst[i] = 0
		case v <= lo:
			dst[i] = 0
		case v >= hi:
			dst[i] = 255
		default:
			dst[i] = toByte((v - lo) / s.Width * 255)
		}
	}
	return dst, nil
}

func autoWindow(dst []uint8, data []float64) {
	if len(data) == 0 {
		return
	}
	lo, hi := MinMax(data)
	if hi == lo || math.IsNaN(hi-lo) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	scale := 255 / (hi - lo)
	for i, v := range data {
		dst[i] = toByte((v - lo) * scale)
	}
}

// MinMax returns the smallest and largest non-NaN values of data. For an empty
// or all-NaN input both are NaN.
func MinMax(data []float64) (min, max float64) {
	if len(data) == 0 {
		return math.NaN(), math.NaN()
	}
	if !floats.HasNaN(data) {
		return floats.Min(data), floats.Max(data)
	}
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min > max {
		return math.NaN(), math.NaN()
	}
	return min, max
}

// toByte rounds x and clamps it to [0, 255]. NaN maps to 0.
func toByte(x float64) uint8 {
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return uint8(math.Round(x))
}
