package bridge

import "sync"

// BufferedQueue holds entries while shouldBuffer reports true and hands them
// to onData in insertion order once it does not. When full, the oldest entry
// is dropped.
//
// onData runs with the queue locked and must not push back into the same
// queue.
type BufferedQueue[T any] struct {
	mu           sync.Mutex
	capacity     int
	items        []T
	dropped      int
	shouldBuffer func() bool
	onData       func(T)
}

// NewBufferedQueue creates a queue that buffers until readiness is marked,
// then flushes exactly once and delivers directly afterwards.
func NewBufferedQueue[T any](capacity int, readiness *Readiness, onData func(T)) *BufferedQueue[T] {
	q := newBufferedQueue(capacity, func() bool { return !readiness.IsReady() }, onData)
	readiness.OnReady(q.Flush)
	return q
}

func newBufferedQueue[T any](capacity int, shouldBuffer func() bool, onData func(T)) *BufferedQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &BufferedQueue[T]{
		capacity:     capacity,
		shouldBuffer: shouldBuffer,
		onData:       onData,
	}
}

// Push buffers v or delivers it, flushing any residue first.
func (q *BufferedQueue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shouldBuffer() {
		if len(q.items) >= q.capacity {
			q.items = q.items[1:]
			q.dropped++
		}
		q.items = append(q.items, v)
		return
	}
	q.flushLocked()
	q.onData(v)
}

// Flush delivers and clears the buffered entries.
func (q *BufferedQueue[T]) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *BufferedQueue[T]) flushLocked() {
	items := q.items
	q.items = nil
	for _, v := range items {
		q.onData(v)
	}
}

// Len returns the number of buffered entries.
func (q *BufferedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many entries were evicted because the queue was full.
func (q *BufferedQueue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
