package listwatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryItemQueueBounded(t *testing.T) {
	q := NewInMemoryItemQueue(1)
	assert.True(t, q.TryEnqueue(Item{Path: "a/b.csv"}))
	assert.False(t, q.TryEnqueue(Item{Path: "a/c.csv"}))
	assert.False(t, q.TryEnqueue(Item{}), "items without a path are rejected")
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, q.Capacity())

	item, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a/b.csv", item.Path)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok = q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestFileItemQueuePersistsAcrossRestart(t *testing.T) {
	fs = afero.NewMemMapFs()
	defer func() { fs = afero.NewOsFs() }()

	q, err := NewFileItemQueue("/var/adcsync/queue.json", 4)
	require.NoError(t, err)
	rev := int64(3)
	require.True(t, q.TryEnqueue(Item{ID: "1", Path: "trellis/a/one.csv", Payload: []byte("x"), CurrentRevision: &rev}))
	require.True(t, q.TryEnqueue(Item{ID: "2", Path: "trellis/a/two.csv", Attempt: 2}))

	reopened, err := NewFileItemQueue("/var/adcsync/queue.json", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())

	first, ok := reopened.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "trellis/a/one.csv", first.Path)
	assert.Equal(t, []byte("x"), first.Payload)
	require.NotNil(t, first.CurrentRevision)
	assert.Equal(t, int64(3), *first.CurrentRevision)

	again, err := NewFileItemQueue("/var/adcsync/queue.json", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Depth())
	second, ok := again.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, second.Attempt)
}

func TestFileItemQueueTrimsToCapacityOnLoad(t *testing.T) {
	fs = afero.NewMemMapFs()
	defer func() { fs = afero.NewOsFs() }()

	q, err := NewFileItemQueue("/q.json", 3)
	require.NoError(t, err)
	for _, p := range []string{"a/1.csv", "a/2.csv", "a/3.csv"} {
		require.True(t, q.TryEnqueue(Item{Path: p}))
	}
	assert.False(t, q.TryEnqueue(Item{Path: "a/4.csv"}))

	smaller, err := NewFileItemQueue("/q.json", 2)
	require.NoError(t, err)
	item, ok := smaller.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a/2.csv", item.Path)
}

func TestBuildItemQueueFromDSN(t *testing.T) {
	fs = afero.NewMemMapFs()
	defer func() { fs = afero.NewOsFs() }()

	q, err := BuildItemQueueFromDSN("", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, q.Capacity())

	q, err = BuildItemQueueFromDSN("memory://", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueCapacity, q.Capacity())

	q, err = BuildItemQueueFromDSN("file:///spool/queue.json", 2)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(Item{Path: "a/b.csv"}))
	exists, err := afero.Exists(fs, "/spool/queue.json")
	require.NoError(t, err)
	assert.True(t, exists)

	q, err = BuildItemQueueFromDSN("postgres://user@localhost/adcsync?sslmode=disable", 10)
	require.NoError(t, err)
	_, isPostgres := q.(*PostgresItemQueue)
	assert.True(t, isPostgres)

	_, err = BuildItemQueueFromDSN("kafka://broker", 1)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = BuildItemQueueFromDSN("gopher://x", 1)
	assert.Error(t, err)
}
