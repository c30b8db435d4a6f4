// Package nifti decodes single-file NIfTI-1 and NIfTI-2 volumes, optionally
// gzip-compressed, into volume.Volume values.
//
// Decoding is a pure function of the input bytes: it performs no I/O and
// keeps no state, so identical input always yields identical output.
package nifti

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"

	"niftiview/pkg/volume"
)

const (
	headerSizeV1 = 348
	headerSizeV2 = 540

	// Single-file volumes carry a 4-byte extension flag after the header.
	extensionSize = 4

	maxDim = 1 << 31
)

var (
	magicV1     = []byte("n+1\x00")
	magicV1Pair = []byte("ni1\x00")
	magicV2     = []byte("n+2\x00\r\n\x1a\n")
	magicV2Pair = []byte("ni2\x00\r\n\x1a\n")

	gzipMagic = []byte{0x1f, 0x8b}
)

// IsGzip reports whether data starts with the gzip member signature.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// Decode parses data as a NIfTI volume. When compressed is true the buffer is
// inflated first. Every failure is a *volume.FormatError.
func Decode(data []byte, compressed bool) (*volume.Volume, error) {
	return DecodeNamed("", data, compressed)
}

// DecodeAuto is like Decode but sniffs the gzip signature instead of trusting
// the caller.
func DecodeAuto(data []byte) (*volume.Volume, error) {
	return DecodeNamed("", data, IsGzip(data))
}

// DecodeNamed is like Decode and records filename as the volume's source.
func DecodeNamed(filename string, data []byte, compressed bool) (*volume.Volume, error) {
	if compressed {
		var err error
		if data, err = inflate(data); err != nil {
			return nil, err
		}
	}

	hdr, order, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	n := hdr.NumVoxels()
	bpv := hdr.Datatype.BytesPerVoxel()
	offset := hdr.VoxOffset
	end := offset + int64(n)*int64(bpv)
	if offset > int64(len(data)) || int64(len(data)) < end {
		return nil, volume.Formatf("truncated voxel payload: have %d bytes, need %d", len(data), end)
	}

	voxels, err := volume.ReadVoxels(hdr.Datatype, data[offset:end], order, n)
	if err != nil {
		return nil, &volume.FormatError{Reason: "cannot read voxels", Err: err}
	}
	return volume.New(hdr, voxels, filename)
}

func inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &volume.FormatError{Reason: "can't uncompress gzip data", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &volume.FormatError{Reason: "can't read gzip data", Err: err}
	}
	return out, nil
}

// ParseHeader reads the fixed-size header at the start of data, detecting the
// NIfTI version and byte order from the sizeof_hdr field. A VoxOffset that
// points into the header is moved to the first byte past the extension flag.
func ParseHeader(data []byte) (volume.Header, binary.ByteOrder, error) {
	if len(data) < 4 {
		return volume.Header{}, nil, volume.Formatf("buffer too short for a header (%d bytes)", len(data))
	}

	var order binary.ByteOrder
	var version int
	le := binary.LittleEndian.Uint32(data[0:4])
	be := binary.BigEndian.Uint32(data[0:4])
	switch {
	case le == headerSizeV1:
		order, version = binary.LittleEndian, 1
	case be == headerSizeV1:
		order, version = binary.BigEndian, 1
	case le == headerSizeV2:
		order, version = binary.LittleEndian, 2
	case be == headerSizeV2:
		order, version = binary.BigEndian, 2
	default:
		return volume.Header{}, nil, volume.Formatf("missing NIfTI signature (sizeof_hdr=%d)", le)
	}

	var hdr volume.Header
	var err error
	if version == 1 {
		hdr, err = parseV1(data, order)
	} else {
		hdr, err = parseV2(data, order)
	}
	if err != nil {
		return volume.Header{}, nil, err
	}
	if err := hdr.Validate(); err != nil {
		return volume.Header{}, nil, err
	}
	return hdr, order, nil
}

func parseV1(data []byte, order binary.ByteOrder) (volume.Header, error) {
	var hdr volume.Header
	if len(data) < headerSizeV1 {
		return hdr, volume.Formatf("truncated NIfTI-1 header: %d bytes", len(data))
	}
	if err := checkMagic(data[344:348], magicV1, magicV1Pair); err != nil {
		return hdr, err
	}

	var dim [8]int64
	for i := range dim {
		dim[i] = int64(int16(order.Uint16(data[40+2*i:])))
	}
	var pixdim [8]float64
	for i := range pixdim {
		pixdim[i] = float64(math.Float32frombits(order.Uint32(data[76+4*i:])))
	}
	if err := fillGeometry(&hdr, dim, pixdim); err != nil {
		return hdr, err
	}

	hdr.Version = 1
	hdr.Datatype = volume.Datatype(int16(order.Uint16(data[70:])))
	hdr.VoxOffset = voxOffset(float32Offset(math.Float32frombits(order.Uint32(data[108:]))), headerSizeV1+extensionSize)
	hdr.SclSlope = float64(math.Float32frombits(order.Uint32(data[112:])))
	hdr.SclInter = float64(math.Float32frombits(order.Uint32(data[116:])))
	hdr.Description = cString(data[148:228])
	hdr.QFormCode = int(int16(order.Uint16(data[252:])))
	hdr.SFormCode = int(int16(order.Uint16(data[254:])))
	hdr.Orientation = volume.OrientationFromCodes(hdr.QFormCode, hdr.SFormCode)
	return hdr, nil
}

func parseV2(data []byte, order binary.ByteOrder) (volume.Header, error) {
	var hdr volume.Header
	if len(data) < headerSizeV2 {
		return hdr, volume.Formatf("truncated NIfTI-2 header: %d bytes", len(data))
	}
	if err := checkMagic(data[4:12], magicV2, magicV2Pair); err != nil {
		return hdr, err
	}

	var dim [8]int64
	for i := range dim {
		dim[i] = int64(order.Uint64(data[16+8*i:]))
	}
	var pixdim [8]float64
	for i := range pixdim {
		pixdim[i] = math.Float64frombits(order.Uint64(data[104+8*i:]))
	}
	if err := fillGeometry(&hdr, dim, pixdim); err != nil {
		return hdr, err
	}

	hdr.Version = 2
	hdr.Datatype = volume.Datatype(int16(order.Uint16(data[12:])))
	hdr.VoxOffset = voxOffset(int64(order.Uint64(data[168:])), headerSizeV2+extensionSize)
	hdr.SclSlope = math.Float64frombits(order.Uint64(data[176:]))
	hdr.SclInter = math.Float64frombits(order.Uint64(data[184:]))
	hdr.Description = cString(data[240:320])
	hdr.QFormCode = int(int32(order.Uint32(data[344:])))
	hdr.SFormCode = int(int32(order.Uint32(data[348:])))
	hdr.Orientation = volume.OrientationFromCodes(hdr.QFormCode, hdr.SFormCode)
	return hdr, nil
}

func checkMagic(got, single, pair []byte) error {
	switch {
	case bytes.Equal(got, single):
		return nil
	case bytes.Equal(got, pair):
		return volume.Formatf("header/image pair files are not supported, expected a single-file volume")
	default:
		return volume.Formatf("bad magic %q", got)
	}
}

// fillGeometry copies dims and spacing for the three spatial axes. Axes beyond
// dim[0] count as a single voxel.
func fillGeometry(hdr *volume.Header, dim [8]int64, pixdim [8]float64) error {
	ndim := dim[0]
	if ndim < 1 || ndim > 7 {
		return volume.Formatf("dim[0] is %d, must be in [1, 7]", ndim)
	}
	total := int64(1)
	for i := 0; i < 3; i++ {
		d := int64(1)
		if int64(i) < ndim {
			d = dim[i+1]
		}
		if d <= 0 {
			return volume.Formatf("dimension %d is %d, must be positive", i+1, d)
		}
		if d >= maxDim || total > (math.MaxInt64/8)/d {
			return volume.Formatf("dimension %d is too large (%d)", i+1, d)
		}
		total *= d
		hdr.Dims[i] = int(d)
		hdr.Spacing[i] = pixdim[i+1]
	}
	hdr.Frames = 1
	if ndim >= 4 && dim[4] > 1 {
		hdr.Frames = int(dim[4])
	}
	return nil
}

// voxOffset never lets the payload start inside the header or its extension
// flag.
func voxOffset(declared, minimum int64) int64 {
	if declared < minimum {
		return minimum
	}
	return declared
}

// NIfTI-1 stores vox_offset as a float.
func float32Offset(f float32) int64 {
	if f != f || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int64(f)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
