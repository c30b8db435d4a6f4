package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// Datatype is the NIfTI numeric encoding code of the voxel payload.
type Datatype int16

const (
	DTUint8   Datatype = 2
	DTInt16   Datatype = 4
	DTInt32   Datatype = 8
	DTFloat32 Datatype = 16
	DTFloat64 Datatype = 64
	DTInt8    Datatype = 256
	DTUint16  Datatype = 512
	DTUint32  Datatype = 768
	DTInt64   Datatype = 1024
	DTUint64  Datatype = 1280
)

// Known reports whether d is one of the supported scalar encodings.
func (d Datatype) Known() bool {
	switch d {
	case DTUint8, DTInt8, DTInt16, DTUint16, DTInt32, DTUint32,
		DTInt64, DTUint64, DTFloat32, DTFloat64:
		return true
	}
	return false
}

// Effective returns the encoding actually used to read voxels. Unknown codes
// are read as float32.
func (d Datatype) Effective() Datatype {
	if d.Known() {
		return d
	}
	return DTFloat32
}

// BytesPerVoxel returns the storage size of one voxel of the effective encoding.
func (d Datatype) BytesPerVoxel() int {
	switch d.Effective() {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt64, DTUint64, DTFloat64:
		return 8
	default:
		return 4
	}
}

func (d Datatype) String() string {
	switch d {
	case DTUint8:
		return "uint8"
	case DTInt8:
		return "int8"
	case DTInt16:
		return "int16"
	case DTUint16:
		return "uint16"
	case DTInt32:
		return "int32"
	case DTUint32:
		return "uint32"
	case DTInt64:
		return "int64"
	case DTUint64:
		return "uint64"
	case DTFloat32:
		return "float32"
	case DTFloat64:
		return "float64"
	}
	return fmt.Sprintf("unknown(%d)", int16(d))
}

// VoxelBuffer is a flat, read-only array of voxels with x varying fastest,
// then y, then z.
type VoxelBuffer interface {
	// Len is the number of voxels.
	Len() int

	// At returns voxel i as a float64.
	At(i int) float64

	// Datatype is the encoding the values are held in.
	Datatype() Datatype

	// AppendBytes appends the little-endian encoding of every voxel to b.
	AppendBytes(b []byte) []byte
}

// Number is any scalar type a voxel may be stored as.
type Number interface {
	~uint8 | ~int8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

type typedBuffer[T Number] struct {
	data []T
	dt   Datatype
}

func (b *typedBuffer[T]) Len() int           { return len(b.data) }
func (b *typedBuffer[T]) At(i int) float64   { return float64(b.data[i]) }
func (b *typedBuffer[T]) Datatype() Datatype { return b.dt }

func (b *typedBuffer[T]) AppendBytes(out []byte) []byte {
	buf := bytes.NewBuffer(out)
	buf.Grow(len(b.data) * b.dt.BytesPerVoxel())
	// Writing to a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, b.data)
	return buf.Bytes()
}

// Wrap returns a VoxelBuffer backed by data. The datatype is taken from the
// underlying kind of T, so named types such as `type HU int16` are tagged by
// their storage width. The caller must not modify data afterwards.
func Wrap[T Number](data []T) VoxelBuffer {
	var zero T
	var dt Datatype
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Uint8:
		dt = DTUint8
	case reflect.Int8:
		dt = DTInt8
	case reflect.Int16:
		dt = DTInt16
	case reflect.Uint16:
		dt = DTUint16
	case reflect.Int32:
		dt = DTInt32
	case reflect.Uint32:
		dt = DTUint32
	case reflect.Int64:
		dt = DTInt64
	case reflect.Uint64:
		dt = DTUint64
	case reflect.Float64:
		dt = DTFloat64
	default:
		dt = DTFloat32
	}
	return &typedBuffer[T]{data: data, dt: dt}
}

func readTyped[T Number](raw []byte, order binary.ByteOrder, n int, dt Datatype) (VoxelBuffer, error) {
	data := make([]T, n)
	if err := binary.Read(bytes.NewReader(raw), order, data); err != nil {
		return nil, err
	}
	return &typedBuffer[T]{data: data, dt: dt}, nil
}

// ReadVoxels materializes n voxels of encoding dt from raw, which must hold at
// least n*dt.BytesPerVoxel() bytes. Unknown encodings are read as float32.
func ReadVoxels(dt Datatype, raw []byte, order binary.ByteOrder, n int) (VoxelBuffer, error) {
	dt = dt.Effective()
	need := n * dt.BytesPerVoxel()
	if n < 0 || len(raw) < need {
		return nil, Formatf("voxel payload has %d bytes, need %d", len(raw), need)
	}
	raw = raw[:need]
	switch dt {
	case DTUint8:
		return readTyped[uint8](raw, order, n, dt)
	case DTInt8:
		return readTyped[int8](raw, order, n, dt)
	case DTInt16:
		return readTyped[int16](raw, order, n, dt)
	case DTUint16:
		return readTyped[uint16](raw, order, n, dt)
	case DTInt32:
		return readTyped[int32](raw, order, n, dt)
	case DTUint32:
		return readTyped[uint32](raw, order, n, dt)
	case DTInt64:
		return readTyped[int64](raw, order, n, dt)
	case DTUint64:
		return readTyped[uint64](raw, order, n, dt)
	case DTFloat64:
		return readTyped[float64](raw, order, n, dt)
	default:
		return readTyped[float32](raw, order, n, DTFloat32)
	}
}
