package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

func snap(name string) *table.Snapshot {
	return &table.Snapshot{Name: name}
}

func TestSnapshotQueue_FIFO(t *testing.T) {
	q := newSnapshotQueue(4)

	assert.Nil(t, q.Push(snap("a")))
	assert.Nil(t, q.Push(snap("b")))
	assert.Nil(t, q.Push(snap("c")))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got.Name)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestSnapshotQueue_DropOldest(t *testing.T) {
	q := newSnapshotQueue(2)

	require.Nil(t, q.Push(snap("a")))
	require.Nil(t, q.Push(snap("b")))

	dropped := q.Push(snap("c"))
	require.NotNil(t, dropped)
	assert.Equal(t, "a", dropped.Name)
	assert.Equal(t, 2, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", got.Name)

	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", got.Name)
}

func TestSnapshotQueue_WrapAround(t *testing.T) {
	q := newSnapshotQueue(2)

	q.Push(snap("a"))
	q.Pop()
	q.Push(snap("b"))
	q.Push(snap("c"))

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", got.Name)

	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", got.Name)
}

func TestSnapshotQueue_MinimumCapacity(t *testing.T) {
	q := newSnapshotQueue(0)

	require.Nil(t, q.Push(snap("a")))
	dropped := q.Push(snap("b"))
	require.NotNil(t, dropped)
	assert.Equal(t, "a", dropped.Name)
}
