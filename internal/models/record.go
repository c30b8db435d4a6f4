// Package models holds the persisted form of a cached volume. The header is
// stored as a MessagePack map so fields can be added without breaking older
// records; unknown keys are skipped on read.
package models

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// RecordVersion is bumped when a change makes old records unreadable.
const RecordVersion = 1

// HeaderRecord is the stored copy of a volume header plus what is needed to
// check that the separately stored voxel payload belongs to it.
type HeaderRecord struct {
	RecordVersion int

	Dims        [3]int
	Spacing     [3]float64
	Datatype    int16
	QFormCode   int
	SFormCode   int
	SclSlope    float64
	SclInter    float64
	Frames      int
	Version     int
	VoxOffset   int64
	Description string

	// BufferType is the encoding of the stored payload, which differs from
	// Datatype when an unknown code was read as float32.
	BufferType int16

	// NumVoxels and PayloadCRC tie the header to one voxel payload.
	NumVoxels  int
	PayloadCRC uint32
}

// MarshalMsg implements msgp.Marshaler.
func (z *HeaderRecord) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 15)
	b = msgp.AppendString(b, "rv")
	b = msgp.AppendInt(b, z.RecordVersion)
	b = msgp.AppendString(b, "dims")
	b = msgp.AppendArrayHeader(b, 3)
	for _, d := range z.Dims {
		b = msgp.AppendInt(b, d)
	}
	b = msgp.AppendString(b, "spacing")
	b = msgp.AppendArrayHeader(b, 3)
	for _, s := range z.Spacing {
		b = msgp.AppendFloat64(b, s)
	}
	b = msgp.AppendString(b, "dt")
	b = msgp.AppendInt16(b, z.Datatype)
	b = msgp.AppendString(b, "qform")
	b = msgp.AppendInt(b, z.QFormCode)
	b = msgp.AppendString(b, "sform")
	b = msgp.AppendInt(b, z.SFormCode)
	b = msgp.AppendString(b, "slope")
	b = msgp.AppendFloat64(b, z.SclSlope)
	b = msgp.AppendString(b, "inter")
	b = msgp.AppendFloat64(b, z.SclInter)
	b = msgp.AppendString(b, "frames")
	b = msgp.AppendInt(b, z.Frames)
	b = msgp.AppendString(b, "ver")
	b = msgp.AppendInt(b, z.Version)
	b = msgp.AppendString(b, "voxoff")
	b = msgp.AppendInt64(b, z.VoxOffset)
	b = msgp.AppendString(b, "descrip")
	b = msgp.AppendString(b, z.Description)
	b = msgp.AppendString(b, "buftype")
	b = msgp.AppendInt16(b, z.BufferType)
	b = msgp.AppendString(b, "nvox")
	b = msgp.AppendInt(b, z.NumVoxels)
	b = msgp.AppendString(b, "crc")
	b = msgp.AppendUint32(b, z.PayloadCRC)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *HeaderRecord) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var n uint32
	n, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	for ; n > 0; n-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(field) {
		case "rv":
			z.RecordVersion, bts, err = msgp.ReadIntBytes(bts)
		case "dims":
			bts, err = readInts(bts, z.Dims[:])
		case "spacing":
			bts, err = readFloats(bts, z.Spacing[:])
		case "dt":
			z.Datatype, bts, err = msgp.ReadInt16Bytes(bts)
		case "qform":
			z.QFormCode, bts, err = msgp.ReadIntBytes(bts)
		case "sform":
			z.SFormCode, bts, err = msgp.ReadIntBytes(bts)
		case "slope":
			z.SclSlope, bts, err = msgp.ReadFloat64Bytes(bts)
		case "inter":
			z.SclInter, bts, err = msgp.ReadFloat64Bytes(bts)
		case "frames":
			z.Frames, bts, err = msgp.ReadIntBytes(bts)
		case "ver":
			z.Version, bts, err = msgp.ReadIntBytes(bts)
		case "voxoff":
			z.VoxOffset, bts, err = msgp.ReadInt64Bytes(bts)
		case "descrip":
			z.Description, bts, err = msgp.ReadStringBytes(bts)
		case "buftype":
			z.BufferType, bts, err = msgp.ReadInt16Bytes(bts)
		case "nvox":
			z.NumVoxels, bts, err = msgp.ReadIntBytes(bts)
		case "crc":
			z.PayloadCRC, bts, err = msgp.ReadUint32Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			err = fmt.Errorf("header record field %q: %w", field, err)
			return
		}
	}
	o = bts
	return
}

func readInts(bts []byte, dst []int) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if int(n) != len(dst) {
		return bts, msgp.ArrayError{Wanted: uint32(len(dst)), Got: n}
	}
	for i := range dst {
		if dst[i], bts, err = msgp.ReadIntBytes(bts); err != nil {
			return bts, err
		}
	}
	return bts, nil
}

func readFloats(bts []byte, dst []float64) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if int(n) != len(dst) {
		return bts, msgp.ArrayError{Wanted: uint32(len(dst)), Got: n}
	}
	for i := range dst {
		if dst[i], bts, err = msgp.ReadFloat64Bytes(bts); err != nil {
			return bts, err
		}
	}
	return bts, nil
}
