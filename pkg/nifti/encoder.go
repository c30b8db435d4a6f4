package nifti

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/gzip"

	"niftiview/pkg/volume"
)

// Encode writes v as a little-endian single-file NIfTI-1 volume. With
// compress set the result is gzip-wrapped, suitable for a .nii.gz file.
func Encode(v *volume.Volume, compress bool) ([]byte, error) {
	h := v.Header
	dt := v.Voxels.Datatype()
	le := binary.LittleEndian

	hdr := make([]byte, headerSizeV1+extensionSize)
	le.PutUint32(hdr[0:], headerSizeV1)
	hdr[38] = 'r'

	// Only the first frame is held in memory, so the output is always 3D.
	dims := []int{3, h.Dims[0], h.Dims[1], h.Dims[2], 1, 1, 1, 1}
	for i, d := range dims {
		if d > math.MaxInt16 {
			return nil, volume.Formatf("dimension %d (%d) does not fit a NIfTI-1 header", i, d)
		}
		le.PutUint16(hdr[40+2*i:], uint16(int16(d)))
	}
	le.PutUint16(hdr[70:], uint16(dt))
	le.PutUint16(hdr[72:], uint16(dt.BytesPerVoxel()*8))

	pixdim := []float64{1, h.Spacing[0], h.Spacing[1], h.Spacing[2], 0, 0, 0, 0}
	for i, p := range pixdim {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(float32(p)))
	}
	le.PutUint32(hdr[108:], math.Float32bits(float32(headerSizeV1+extensionSize)))
	le.PutUint32(hdr[112:], math.Float32bits(float32(h.SclSlope)))
	le.PutUint32(hdr[116:], math.Float32bits(float32(h.SclInter)))
	copy(hdr[148:227], h.Description)
	le.PutUint16(hdr[252:], uint16(int16(h.QFormCode)))
	le.PutUint16(hdr[254:], uint16(int16(h.SFormCode)))
	copy(hdr[344:], magicV1)

	raw := v.Voxels.AppendBytes(hdr)
	if !compress {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
