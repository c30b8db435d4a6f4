package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemory()

	v, err := m.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	in := []byte("header")
	require.NoError(t, m.Set("k", in))
	in[0] = 'X'

	v, err = m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("header"), v, "stored value must not alias the caller's slice")

	require.NoError(t, m.Remove("k"))
	require.NoError(t, m.Remove("k"))
	v, err = m.Get("k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryReopen(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", []byte{1, 2, 3}))
	require.NoError(t, m.Close())

	_, err := m.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Set("a", nil), ErrClosed)

	n := m.Reopen()
	v, err := n.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)
	assert.Equal(t, 1, n.Len())
}
