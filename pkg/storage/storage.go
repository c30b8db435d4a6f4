// Package storage defines the durable key-value blob store the session cache
// persists into, plus an in-memory implementation for tests and
// memory-only sessions.
package storage

import (
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Store is a minimal key-value blob store. Get returns a nil value and nil
// error for a missing key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}

// Memory is a Store held in a map. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Close marks the store closed. The contents are kept so a test can reopen
// them with Reopen, simulating a reload.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen returns a new open store sharing nothing with m but a copy of its
// contents.
func (m *Memory) Reopen() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := NewMemory()
	for k, v := range m.data {
		n.data[k] = append([]byte(nil), v...)
	}
	return n
}

// Len returns the number of keys held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
