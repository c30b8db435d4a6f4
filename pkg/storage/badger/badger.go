// Package badger implements storage.Store on BadgerDB so a cached volume
// survives process restarts.
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"niftiview/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites makes every write durable before Set returns.
	SyncWrites bool

	// SyncPeriod flushes buffered writes periodically when SyncWrites is off.
	// Zero disables periodic syncing.
	SyncPeriod time.Duration

	Logger *zap.Logger
}

// Store is a BadgerDB-backed storage.Store.
type Store struct {
	db         *badger.DB
	directory  string
	logger     *zap.Logger
	stopSyncCh chan struct{}
	syncDone   chan struct{}
}

// Open opens or creates the database described by opts.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
		}
		if err := os.MkdirAll(opts.Path, 0744); err != nil {
			return nil, fmt.Errorf("can't make directory at %s: %w", opts.Path, err)
		}
		bo = badger.DefaultOptions(opts.Path)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	logger.Info("opening badger store", zap.String("path", opts.Path), zap.Bool("inMemory", opts.InMemory))
	db, err := badger.Open(bo)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, directory: opts.Path, logger: logger}
	if opts.SyncPeriod > 0 && !opts.SyncWrites && !opts.InMemory {
		s.stopSyncCh = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.syncPeriodically(opts.SyncPeriod)
	}
	return s, nil
}

// syncPeriodically bounds how many writes are lost if the process dies.
func (s *Store) syncPeriodically(period time.Duration) {
	defer close(s.syncDone)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSyncCh:
			return
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				s.logger.Warn("badger sync failed", zap.String("path", s.directory), zap.Error(err))
			}
		}
	}
}

const (
	// maxValueSize keeps every badger value below the 1 MB limit in-memory
	// databases impose. Larger values are split into chunks.
	maxValueSize = 512 << 10

	// metaChunked marks a head entry whose value is the chunk count.
	metaChunked byte = 1 << 0
)

func chunkKey(key string, i int) []byte {
	return []byte(fmt.Sprintf("%s\x00chunk%06d", key, i))
}

// Get returns the value for key, or nil if the key does not exist. Chunked
// values are reassembled within a single read transaction.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.UserMeta()&metaChunked == 0 {
			value, err = item.ValueCopy(nil)
			return err
		}

		n, err := chunkCount(item)
		if err != nil {
			return err
		}
		out := make([]byte, 0, n*maxValueSize)
		for i := 0; i < n; i++ {
			chunk, err := txn.Get(chunkKey(key, i))
			if err != nil {
				return fmt.Errorf("chunk %d of %q: %w", i, key, err)
			}
			err = chunk.Value(func(v []byte) error {
				out = append(out, v...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		value = out
		return nil
	})
	return value, err
}

func chunkCount(item *badger.Item) (int, error) {
	head, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(head) != 4 {
		return 0, fmt.Errorf("chunked value %q has a %d-byte head", item.Key(), len(head))
	}
	return int(binary.BigEndian.Uint32(head)), nil
}

// storedChunks returns how many chunks key currently owns.
func (s *Store) storedChunks(key string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.UserMeta()&metaChunked != 0 {
			n, err = chunkCount(item)
		}
		return err
	})
	return n, err
}

// Set stores value under key. Values over maxValueSize are written as chunks
// through a WriteBatch first and published by the head entry last, so a
// reader never sees a head without its chunks.
func (s *Store) Set(key string, value []byte) error {
	old, err := s.storedChunks(key)
	if err != nil {
		return err
	}

	n := 0
	entry := badger.NewEntry([]byte(key), value)
	if len(value) > maxValueSize {
		n = (len(value) + maxValueSize - 1) / maxValueSize
		wb := s.db.NewWriteBatch()
		for i := 0; i < n; i++ {
			end := min((i+1)*maxValueSize, len(value))
			if err := wb.Set(chunkKey(key, i), value[i*maxValueSize:end]); err != nil {
				wb.Cancel()
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
		entry = badger.NewEntry([]byte(key), binary.BigEndian.AppendUint32(nil, uint32(n))).WithMeta(metaChunked)
	}

	if err := s.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(entry) }); err != nil {
		return err
	}
	return s.removeChunks(key, n, old)
}

// Remove deletes key and any chunks it owns.
func (s *Store) Remove(key string) error {
	old, err := s.storedChunks(key)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	return s.removeChunks(key, 0, old)
}

// removeChunks deletes chunks [from, to) of key.
func (s *Store) removeChunks(key string, from, to int) error {
	if from >= to {
		return nil
	}
	wb := s.db.NewWriteBatch()
	for i := from; i < to; i++ {
		if err := wb.Delete(chunkKey(key, i)); err != nil {
			wb.Cancel()
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	s.logger.Debug("removed stale chunks", zap.String("key", key), zap.Int("from", from), zap.Int("to", to))
	return nil
}

// Close stops background syncing and closes the database.
func (s *Store) Close() error {
	if s.stopSyncCh != nil {
		close(s.stopSyncCh)
		<-s.syncDone
		s.stopSyncCh = nil
	}
	return s.db.Close()
}
