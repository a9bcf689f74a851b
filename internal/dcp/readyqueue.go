package dcp

import "sync"

// readyQueue is the round-robin deque of ready vbids (SPEC_FULL.md §4.4.3
// "Redesign", §5: "a fine-grained readyMutex around its ready list"). A
// stream that yields with more_to_process goes to the back, never retried
// in a tight loop, so one noisy stream cannot starve the others.
type readyQueue struct {
	mu   sync.Mutex
	buf  []uint16
	inQ  map[uint16]bool
}

func newReadyQueue() *readyQueue {
	return &readyQueue{inQ: make(map[uint16]bool)}
}

// PushBack enqueues vbid if it isn't already queued.
func (q *readyQueue) PushBack(vbid uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inQ[vbid] {
		return
	}
	q.inQ[vbid] = true
	q.buf = append(q.buf, vbid)
}

// PopFront dequeues the oldest ready vbid.
func (q *readyQueue) PopFront() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, false
	}
	vbid := q.buf[0]
	q.buf = q.buf[1:]
	delete(q.inQ, vbid)
	return vbid, true
}

// Len reports the current queue depth.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
