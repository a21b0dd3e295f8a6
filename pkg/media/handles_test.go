package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHandleTableRetainRelease каждому Retain соответствует один Release
func TestHandleTableRetainRelease(t *testing.T) {
	table := NewHandleTable()

	h1 := table.Retain("peer-a")
	h2 := table.Retain("peer-b")
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, table.Len())

	obj, err := table.Resolve(h1)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", obj)
	assert.Equal(t, 2, table.Len(), "Resolve must not release")

	obj, err = table.Release(h1)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", obj)
	assert.Equal(t, 1, table.Len())

	_, err = table.Release(h2)
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len(), "no leaked handles")
}

// TestHandleTableDoubleReleaseRejected двойное освобождение — ошибка
func TestHandleTableDoubleReleaseRejected(t *testing.T) {
	table := NewHandleTable()

	h := table.Retain(42)
	_, err := table.Release(h)
	require.NoError(t, err)

	_, err = table.Release(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = table.Resolve(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}
