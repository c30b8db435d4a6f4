package volume

import "fmt"

// Volume is a decoded 3D image together with the name of the file it came
// from. It is never mutated after construction; loading another file replaces
// it wholesale.
type Volume struct {
	Header   Header
	Voxels   VoxelBuffer
	Filename string
}

// New assembles a Volume, enforcing that the buffer holds exactly one voxel
// per grid position.
func New(h Header, voxels VoxelBuffer, filename string) (*Volume, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if voxels == nil {
		return nil, Formatf("missing voxel buffer")
	}
	if voxels.Len() != h.NumVoxels() {
		return nil, Formatf("voxel buffer has %d voxels, dims %v need %d",
			voxels.Len(), h.Dims, h.NumVoxels())
	}
	return &Volume{Header: h, Voxels: voxels, Filename: filename}, nil
}

// SliceCount returns the number of slices along plane p.
func (v *Volume) SliceCount(p Plane) int {
	return v.Header.SliceCount(p)
}

// SliceRequest names one 2D cross-section of a volume.
type SliceRequest struct {
	Plane Plane
	Index int
}

func (r SliceRequest) String() string {
	return fmt.Sprintf("%s[%d]", r.Plane, r.Index)
}

// Validate rejects unknown planes and indices outside [0, SliceCount-1].
func (r SliceRequest) Validate(h Header) error {
	if !r.Plane.Valid() {
		return &RangeError{Op: "slice", Detail: fmt.Sprintf("unknown plane %d", int(r.Plane))}
	}
	n := h.SliceCount(r.Plane)
	if r.Index < 0 || r.Index >= n {
		return &RangeError{
			Op:     "slice",
			Detail: fmt.Sprintf("%s index %d not in [0, %d]", r.Plane, r.Index, n-1),
		}
	}
	return nil
}
