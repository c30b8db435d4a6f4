// Package volume holds the in-memory representation of a decoded 3D image:
// its geometric header, the flat voxel buffer and the anatomical planes used
// to cut 2D slices out of it.
package volume

import (
	"fmt"
	"strings"
)

// Plane is one of the three orthogonal anatomical cross-sections.
type Plane int

const (
	// Axial fixes z; slices span x (width) and y (height).
	Axial Plane = iota
	// Sagittal fixes x; slices span y (width) and z (height).
	Sagittal
	// Coronal fixes y; slices span x (width) and z (height).
	Coronal
)

// Planes lists every plane in display order.
var Planes = []Plane{Axial, Sagittal, Coronal}

func (p Plane) String() string {
	switch p {
	case Axial:
		return "axial"
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// Valid reports whether p is one of the three known planes.
func (p Plane) Valid() bool {
	return p >= Axial && p <= Coronal
}

// ParsePlane accepts a plane name (axial, sagittal, coronal) or the axis it
// fixes (z, x, y).
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "axial", "z":
		return Axial, nil
	case "sagittal", "x":
		return Sagittal, nil
	case "coronal", "y":
		return Coronal, nil
	}
	return 0, fmt.Errorf("invalid plane: %q (must be axial, sagittal or coronal)", s)
}

// Orientation tells which spatial reference convention the header declares.
type Orientation uint8

const (
	// OrientationUnknown means neither qform nor sform is set; voxel order is raw.
	OrientationUnknown Orientation = iota
	// OrientationQForm means the quaternion transform governs orientation.
	OrientationQForm
	// OrientationSForm means the affine sform matrix governs orientation.
	OrientationSForm
)

func (o Orientation) String() string {
	switch o {
	case OrientationQForm:
		return "qform"
	case OrientationSForm:
		return "sform"
	default:
		return "unknown"
	}
}

// OrientationFromCodes picks the convention in effect. A positive sform code
// takes precedence over the qform code.
func OrientationFromCodes(qformCode, sformCode int) Orientation {
	switch {
	case sformCode > 0:
		return OrientationSForm
	case qformCode > 0:
		return OrientationQForm
	default:
		return OrientationUnknown
	}
}

// Header is the immutable geometric description of a volume.
type Header struct {
	// Dims is the voxel count along x, y and z.
	Dims [3]int

	// Spacing is the physical size of a voxel along each axis in mm.
	Spacing [3]float64

	// Datatype is the on-disk numeric encoding code as declared by the file.
	Datatype Datatype

	// Orientation is derived from QFormCode and SFormCode.
	Orientation Orientation
	QFormCode   int
	SFormCode   int

	// SclSlope and SclInter map stored values to physical units. A zero slope
	// means no scaling.
	SclSlope float64
	SclInter float64

	// Frames is the number of 3D frames declared (dim[4]); only the first is loaded.
	Frames int

	// Version is the NIfTI header version (1 or 2).
	Version int

	// VoxOffset is the byte offset of the voxel payload in the source file.
	VoxOffset int64

	Description string
}

// NumVoxels returns nx*ny*nz.
func (h Header) NumVoxels() int {
	return h.Dims[0] * h.Dims[1] * h.Dims[2]
}

// SliceCount returns how many slices exist along the axis p fixes. Unknown
// planes have no slices.
func (h Header) SliceCount(p Plane) int {
	switch p {
	case Axial:
		return h.Dims[2]
	case Sagittal:
		return h.Dims[0]
	case Coronal:
		return h.Dims[1]
	}
	return 0
}

// Scaled reports whether Rescale changes any value. A zero slope means the
// file declares no scaling.
func (h Header) Scaled() bool {
	return h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0)
}

// Rescale applies the header's linear intensity scaling to a stored value.
func (h Header) Rescale(v float64) float64 {
	if h.SclSlope == 0 {
		return v
	}
	return v*h.SclSlope + h.SclInter
}

// Validate checks that every dimension is positive.
func (h Header) Validate() error {
	for i, d := range h.Dims {
		if d <= 0 {
			return Formatf("dimension %d is %d, must be positive", i+1, d)
		}
	}
	return nil
}
