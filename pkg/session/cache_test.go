package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"niftiview/pkg/storage"
	"niftiview/pkg/storage/badger"
	"niftiview/pkg/volume"
)

func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	data := make([]int16, 3*4*5)
	for i := range data {
		data[i] = int16(i*7 - 100)
	}
	h := volume.Header{
		Dims:        [3]int{3, 4, 5},
		Spacing:     [3]float64{0.5, 0.5, 2},
		Datatype:    volume.DTInt16,
		Orientation: volume.OrientationSForm,
		SFormCode:   1,
		SclSlope:    2,
		SclInter:    -1,
		Frames:      1,
		Version:     1,
		VoxOffset:   352,
		Description: "phantom",
	}
	v, err := volume.New(h, volume.Wrap(data), "brain.nii.gz")
	require.NoError(t, err)
	return v
}

func requireSameVolume(t *testing.T, want, got *volume.Volume) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Header, got.Header)
	assert.Equal(t, want.Filename, got.Filename)
	require.Equal(t, want.Voxels.Len(), got.Voxels.Len())
	assert.Equal(t, want.Voxels.Datatype(), got.Voxels.Datatype())
	for i := 0; i < want.Voxels.Len(); i++ {
		if want.Voxels.At(i) != got.Voxels.At(i) {
			t.Fatalf("voxel %d: want %v, got %v", i, want.Voxels.At(i), got.Voxels.At(i))
		}
	}
}

func TestSaveThenLoadAcrossReload(t *testing.T) {
	for _, comp := range []Compression{Snappy, Uncompressed} {
		mem := storage.NewMemory()
		vol := testVolume(t)
		require.True(t, New(mem, WithCompression(comp)).Save(vol))
		require.NoError(t, mem.Close())

		got := New(mem.Reopen()).Load()
		requireSameVolume(t, vol, got)
	}
}

func TestLoadEmptyCacheIsMiss(t *testing.T) {
	assert.Nil(t, New(storage.NewMemory()).Load())
}

func TestSaveReplacesPreviousVolume(t *testing.T) {
	mem := storage.NewMemory()
	c := New(mem)
	require.True(t, c.Save(testVolume(t)))

	second, err := volume.New(volume.Header{Dims: [3]int{2, 2, 1}, Spacing: [3]float64{1, 1, 1}, Datatype: volume.DTUint8},
		volume.Wrap([]uint8{1, 2, 3, 4}), "other.nii")
	require.NoError(t, err)
	require.True(t, c.Save(second))

	requireSameVolume(t, second, c.Load())
	assert.Equal(t, 3, mem.Len())
}

func TestLoadRejectsCorruptEntries(t *testing.T) {
	tests := map[string]func(m *storage.Memory){
		"MissingVoxels":   func(m *storage.Memory) { require.NoError(t, m.Remove(KeyVoxels)) },
		"MissingFilename": func(m *storage.Memory) { require.NoError(t, m.Remove(KeyFilename)) },
		"GarbageHeader":   func(m *storage.Memory) { require.NoError(t, m.Set(KeyHeader, []byte{0xc1, 0x00})) },
		"GarbageFilename": func(m *storage.Memory) { require.NoError(t, m.Set(KeyFilename, []byte{0xc1})) },
		"ShortPayload":    func(m *storage.Memory) { require.NoError(t, m.Set(KeyVoxels, []byte{1, 2})) },
		"FlippedPayloadByte": func(m *storage.Memory) {
			b, err := m.Get(KeyVoxels)
			require.NoError(t, err)
			b[len(b)-1] ^= 0xff
			require.NoError(t, m.Set(KeyVoxels, b))
		},
		"PayloadFromOtherVolume": func(m *storage.Memory) {
			other := storage.NewMemory()
			v, err := volume.New(volume.Header{Dims: [3]int{1, 1, 1}, Spacing: [3]float64{1, 1, 1}, Datatype: volume.DTUint8},
				volume.Wrap([]uint8{9}), "x.nii")
			require.NoError(t, err)
			require.True(t, New(other).Save(v))
			b, err := other.Get(KeyVoxels)
			require.NoError(t, err)
			require.NoError(t, m.Set(KeyVoxels, b))
		},
		"UnknownCompression": func(m *storage.Memory) {
			b, err := m.Get(KeyVoxels)
			require.NoError(t, err)
			b[0] = 9
			require.NoError(t, m.Set(KeyVoxels, b))
		},
	}

	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			mem := storage.NewMemory()
			c := New(mem)
			require.True(t, c.Save(testVolume(t)))
			corrupt(mem)
			assert.Nil(t, c.Load())
		})
	}
}

// failingStore fails every write after the first allowed ones.
type failingStore struct {
	*storage.Memory
	allowSets int
}

var errQuota = errors.New("quota exceeded")

func (f *failingStore) Set(key string, value []byte) error {
	if f.allowSets == 0 {
		return errQuota
	}
	f.allowSets--
	return f.Memory.Set(key, value)
}

func TestSaveFailureIsLoggedAndRolledBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &failingStore{Memory: storage.NewMemory(), allowSets: 1}

	var reported []error
	c := New(store, WithLogger(zap.New(core)))
	c.OnError = func(err error) { reported = append(reported, err) }

	assert.False(t, c.Save(testVolume(t)))
	assert.Equal(t, 0, store.Len(), "partial writes must be removed")
	assert.Nil(t, c.Load())

	require.Len(t, reported, 1)
	var se *volume.StorageError
	require.ErrorAs(t, reported[0], &se)
	assert.Equal(t, "set", se.Op)
	assert.Equal(t, KeyFilename, se.Key)
	assert.ErrorIs(t, reported[0], errQuota)

	entries := logs.FilterMessageSnippet("session cache unavailable").All()
	require.Len(t, entries, 1)
}

func TestClosedStoreNeverPanics(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.Close())
	c := New(mem)

	assert.False(t, c.Save(testVolume(t)))
	assert.Nil(t, c.Load())
	assert.False(t, c.Clear())
}

func TestClear(t *testing.T) {
	mem := storage.NewMemory()
	c := New(mem)
	require.True(t, c.Save(testVolume(t)))
	assert.True(t, c.Clear())
	assert.Equal(t, 0, mem.Len())
	assert.Nil(t, c.Load())
}

func TestBadgerBackedCache(t *testing.T) {
	dir := t.TempDir()
	vol := testVolume(t)

	db, err := badger.Open(badger.Options{Path: dir})
	require.NoError(t, err)
	require.True(t, New(db).Save(vol))
	require.NoError(t, db.Close())

	db, err = badger.Open(badger.Options{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	requireSameVolume(t, vol, New(db).Load())
}

func TestInMemoryBadgerHoldsLargeVolume(t *testing.T) {
	db, err := badger.Open(badger.Options{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	data := make([]int16, 128*128*40)
	for i := range data {
		data[i] = int16(i % 4096)
	}
	h := volume.Header{Dims: [3]int{128, 128, 40}, Spacing: [3]float64{1, 1, 1}, Datatype: volume.DTInt16}
	vol, err := volume.New(h, volume.Wrap(data), "ct.nii.gz")
	require.NoError(t, err)

	c := New(db, WithCompression(Uncompressed))
	require.True(t, c.Save(vol), "a 1.3 MB payload must fit")
	got := c.Load()
	require.NotNil(t, got)
	assert.Equal(t, vol.Header.Dims, got.Header.Dims)
	assert.Equal(t, vol.Voxels.AppendBytes(nil), got.Voxels.AppendBytes(nil))
}

func TestEncodePayloadRejectsUnknownCompression(t *testing.T) {
	_, err := encodePayload([]byte{1, 2, 3}, Compression(9))
	assert.Error(t, err)
}
