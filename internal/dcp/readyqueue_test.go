package dcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyQueueFIFOAndDedup(t *testing.T) {
	q := newReadyQueue()
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(1) // already queued, ignored

	v, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, uint16(1), v)

	v, ok = q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, uint16(2), v)

	_, ok = q.PopFront()
	assert.False(t, ok)
}

func TestReadyQueueRoundRobinAfterRequeue(t *testing.T) {
	q := newReadyQueue()
	q.PushBack(1)
	q.PushBack(2)

	v, _ := q.PopFront()
	assert.Equal(t, uint16(1), v)
	q.PushBack(v) // more_to_process: goes to the back, not retried immediately

	v, _ = q.PopFront()
	assert.Equal(t, uint16(2), v)
	v, _ = q.PopFront()
	assert.Equal(t, uint16(1), v)
}
