package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestQueue_EnqueueFlushPreservesOrder(t *testing.T) {
	q := NewRequestQueue(0)

	entries := make([]*QueueEntry, 3)
	for i := range entries {
		entries[i] = &QueueEntry{Request: &PendingRequest{MessageID: int32(i + 1)}}
		ok := q.Enqueue(entries[i])
		assert.True(t, ok)
	}
	assert.Equal(t, 3, q.Len())

	var flushed []*QueueEntry
	q.Flush(func(entry *QueueEntry) { flushed = append(flushed, entry) })

	assert.Len(t, flushed, 3)
	assert.Equal(t, entries, flushed, "Flush drains in FIFO order")
	assert.Equal(t, 0, q.Len(), "Flush empties the queue")
}

func TestRequestQueue_BoundedRejectsPastCapacity(t *testing.T) {
	q := NewRequestQueue(2)

	assert.True(t, q.Enqueue(&QueueEntry{}))
	assert.True(t, q.Enqueue(&QueueEntry{}))
	assert.False(t, q.Enqueue(&QueueEntry{}), "a bounded queue rejects entries past its size")
}

func TestRequestQueue_FreezeRejectsEnqueue(t *testing.T) {
	q := NewRequestQueue(0)
	q.Freeze()

	assert.True(t, q.Frozen())
	assert.False(t, q.Enqueue(&QueueEntry{}))

	q.Thaw()
	assert.False(t, q.Frozen())
	assert.True(t, q.Enqueue(&QueueEntry{}))
}

func TestRequestQueue_PurgeInvokesOnDropAndEmpties(t *testing.T) {
	q := NewRequestQueue(0)
	q.Enqueue(&QueueEntry{})
	q.Enqueue(&QueueEntry{})

	dropped := 0
	q.Purge(func(*QueueEntry) { dropped++ })

	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, q.Len())
}
