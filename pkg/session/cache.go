// Package session persists the last loaded volume so that a restart can
// restore it without the user reloading the file.
//
// Three keys are written: the header record, the voxel payload and the
// filename. The header is written last and carries the payload's voxel count
// and checksum, so an interrupted or interleaved save reads back as a miss
// rather than as a mismatched volume. Storage failures are logged and
// reported as a false/nil result; they never reach the caller as errors.
package session

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"
	"go.uber.org/zap"

	"niftiview/internal/models"
	"niftiview/pkg/storage"
	"niftiview/pkg/volume"
)

// Keys used in the backing store.
const (
	KeyHeader   = "volume/header"
	KeyVoxels   = "volume/voxels"
	KeyFilename = "volume/filename"
)

// Compression of the stored voxel payload.
type Compression uint8

const (
	Uncompressed Compression = 0
	Snappy       Compression = 1
)

// Cache saves and restores a single volume through a storage.Store.
type Cache struct {
	store    storage.Store
	logger   *zap.Logger
	compress Compression

	// OnError, when set, is called with every storage failure after it has
	// been logged.
	OnError func(error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithCompression selects how the voxel payload is stored. Snappy is the
// default.
func WithCompression(c Compression) Option {
	return func(cache *Cache) { cache.compress = c }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(cache *Cache) { cache.logger = l }
}

// New returns a cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{store: store, logger: zap.NewNop(), compress: Snappy}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) fail(err error) {
	c.logger.Warn("session cache unavailable, continuing in memory only", zap.Error(err))
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Save persists vol. It reports whether all three entries were written; on
// failure whatever was written is removed again.
func (c *Cache) Save(vol *volume.Volume) bool {
	raw := vol.Voxels.AppendBytes(nil)
	rec := recordFromHeader(vol.Header)
	rec.BufferType = int16(vol.Voxels.Datatype())
	rec.NumVoxels = vol.Voxels.Len()
	rec.PayloadCRC = crc32.ChecksumIEEE(raw)

	hdrBytes, err := rec.MarshalMsg(nil)
	if err != nil {
		c.fail(&volume.StorageError{Op: "encode", Key: KeyHeader, Err: err})
		return false
	}
	payload, err := encodePayload(raw, c.compress)
	if err != nil {
		c.fail(&volume.StorageError{Op: "encode", Key: KeyVoxels, Err: err})
		return false
	}

	// Header last: it is what Load looks for first.
	writes := []struct {
		key   string
		value []byte
	}{
		{KeyVoxels, payload},
		{KeyFilename, msgp.AppendString(nil, vol.Filename)},
		{KeyHeader, hdrBytes},
	}
	for _, w := range writes {
		if err := c.store.Set(w.key, w.value); err != nil {
			c.fail(&volume.StorageError{Op: "set", Key: w.key, Err: err})
			c.Clear()
			return false
		}
	}

	c.logger.Info("cached volume",
		zap.String("filename", vol.Filename),
		zap.String("voxels", humanize.Bytes(uint64(len(raw)))),
		zap.String("stored", humanize.Bytes(uint64(len(payload)))))
	return true
}

// Load restores the cached volume. It returns nil when nothing is cached or
// when any entry is missing, corrupt or inconsistent with the others.
func (c *Cache) Load() *volume.Volume {
	hdrBytes, err := c.store.Get(KeyHeader)
	if err != nil {
		c.fail(&volume.StorageError{Op: "get", Key: KeyHeader, Err: err})
		return nil
	}
	if hdrBytes == nil {
		c.logger.Debug("no cached volume")
		return nil
	}

	var rec models.HeaderRecord
	if _, err := rec.UnmarshalMsg(hdrBytes); err != nil {
		c.discard(KeyHeader, err)
		return nil
	}
	if rec.RecordVersion != models.RecordVersion {
		c.discard(KeyHeader, fmt.Errorf("record version %d, want %d", rec.RecordVersion, models.RecordVersion))
		return nil
	}

	payload, err := c.store.Get(KeyVoxels)
	if err != nil {
		c.fail(&volume.StorageError{Op: "get", Key: KeyVoxels, Err: err})
		return nil
	}
	if payload == nil {
		c.discard(KeyVoxels, fmt.Errorf("missing"))
		return nil
	}
	raw, err := decodePayload(payload)
	if err != nil {
		c.discard(KeyVoxels, err)
		return nil
	}
	if crc := crc32.ChecksumIEEE(raw); crc != rec.PayloadCRC {
		c.discard(KeyVoxels, fmt.Errorf("payload checksum %08x does not match header %08x", crc, rec.PayloadCRC))
		return nil
	}

	nameBytes, err := c.store.Get(KeyFilename)
	if err != nil {
		c.fail(&volume.StorageError{Op: "get", Key: KeyFilename, Err: err})
		return nil
	}
	if nameBytes == nil {
		c.discard(KeyFilename, fmt.Errorf("missing"))
		return nil
	}
	filename, _, err := msgp.ReadStringBytes(nameBytes)
	if err != nil {
		c.discard(KeyFilename, err)
		return nil
	}

	voxels, err := volume.ReadVoxels(volume.Datatype(rec.BufferType), raw, binary.LittleEndian, rec.NumVoxels)
	if err != nil {
		c.discard(KeyVoxels, err)
		return nil
	}
	vol, err := volume.New(headerFromRecord(rec), voxels, filename)
	if err != nil {
		c.discard(KeyHeader, err)
		return nil
	}

	c.logger.Info("restored cached volume",
		zap.String("filename", filename),
		zap.Ints("dims", vol.Header.Dims[:]),
		zap.String("voxels", humanize.Bytes(uint64(len(raw)))))
	return vol
}

// discard logs a corrupt entry. Nothing is deleted; the next Save overwrites it.
func (c *Cache) discard(key string, err error) {
	c.logger.Warn("ignoring corrupt cache entry", zap.String("key", key), zap.Error(err))
}

// Clear removes all cached entries, reporting whether every removal succeeded.
func (c *Cache) Clear() bool {
	ok := true
	for _, key := range []string{KeyHeader, KeyFilename, KeyVoxels} {
		if err := c.store.Remove(key); err != nil {
			c.fail(&volume.StorageError{Op: "remove", Key: key, Err: err})
			ok = false
		}
	}
	return ok
}

func recordFromHeader(h volume.Header) models.HeaderRecord {
	return models.HeaderRecord{
		RecordVersion: models.RecordVersion,
		Dims:          h.Dims,
		Spacing:       h.Spacing,
		Datatype:      int16(h.Datatype),
		QFormCode:     h.QFormCode,
		SFormCode:     h.SFormCode,
		SclSlope:      h.SclSlope,
		SclInter:      h.SclInter,
		Frames:        h.Frames,
		Version:       h.Version,
		VoxOffset:     h.VoxOffset,
		Description:   h.Description,
	}
}

func headerFromRecord(r models.HeaderRecord) volume.Header {
	return volume.Header{
		Dims:        r.Dims,
		Spacing:     r.Spacing,
		Datatype:    volume.Datatype(r.Datatype),
		Orientation: volume.OrientationFromCodes(r.QFormCode, r.SFormCode),
		QFormCode:   r.QFormCode,
		SFormCode:   r.SFormCode,
		SclSlope:    r.SclSlope,
		SclInter:    r.SclInter,
		Frames:      r.Frames,
		Version:     r.Version,
		VoxOffset:   r.VoxOffset,
		Description: r.Description,
	}
}

// encodePayload frames data as: compression byte, CRC32 of the stored bytes,
// stored bytes.
func encodePayload(data []byte, compress Compression) ([]byte, error) {
	var stored []byte
	switch compress {
	case Uncompressed:
		stored = data
	case Snappy:
		stored = snappy.Encode(nil, data)
	default:
		return nil, fmt.Errorf("illegal compression (%d) during serialization", compress)
	}

	var buf bytes.Buffer
	buf.Grow(5 + len(stored))
	buf.WriteByte(byte(compress))
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(stored))
	buf.Write(crc[:])
	buf.Write(stored)
	return buf.Bytes(), nil
}

func decodePayload(b []byte) ([]byte, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("payload too short (%d bytes)", len(b))
	}
	compress := Compression(b[0])
	stored := b[5:]
	if got, want := crc32.ChecksumIEEE(stored), binary.LittleEndian.Uint32(b[1:5]); got != want {
		return nil, fmt.Errorf("bad checksum: stored %x got %x", want, got)
	}
	switch compress {
	case Uncompressed:
		return stored, nil
	case Snappy:
		return snappy.Decode(nil, stored)
	default:
		return nil, fmt.Errorf("illegal compression format (%d) in deserialization", compress)
	}
}
