// Package freequeue implements the fixed capacity circular queue the driver
// uses to pass descriptor ownership between its paths without allocating.
//
// A queue with capacity N has N+1 physical slots, so head == tail always means
// the queue is empty and a full queue is detected when the next index would
// collide with the opposite end.
//
// Entries can be pushed and popped at either end. The head end behaves like a
// stack: PopHead returns the entry most recently pushed with PushHead. Pushing
// with PushTail and popping with PopHead gives FIFO order.
package freequeue

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrCapacityInvalid is returned when a queue capacity is invalid.
var ErrCapacityInvalid = errors.New("queue capacity is invalid")

// CheckCapacity checks if the given value would be a valid capacity for a
// [Queue] and returns an [ErrCapacityInvalid], if not.
func CheckCapacity(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrCapacityInvalid, capacity)
	}

	// One extra slot is needed to tell empty from full.
	if uint64(capacity) >= math.MaxUint32 {
		return fmt.Errorf("%w: %d is larger than the maximum possible capacity %d",
			ErrCapacityInvalid, capacity, uint64(math.MaxUint32-1))
	}

	return nil
}

// Queue is a fixed capacity circular queue of entries of type T.
//
// Queue has no lock. It is owned by whichever context is currently servicing
// it. The only value safe to sample from a different context is [Queue.Count].
type Queue[T any] struct {
	// size is the number of physical slots, always capacity+1.
	size uint32

	// head is the slot the next PushHead writes to. PopHead reads the slot
	// just before it.
	head atomic.Uint32
	// tail is the slot PopTail reads from. PushTail writes the slot just
	// before it.
	tail atomic.Uint32

	// count is maintained separately from the index arithmetic so it can be
	// observed without reading both indexes.
	count atomic.Int64

	slots []T
}

// New allocates a [Queue] that can hold up to capacity entries.
func New[T any](capacity int) (*Queue[T], error) {
	if err := CheckCapacity(capacity); err != nil {
		return nil, err
	}

	return &Queue[T]{
		size:  uint32(capacity) + 1,
		slots: make([]T, capacity+1),
	}, nil
}

// Capacity returns the maximum number of entries the queue can hold.
func (q *Queue[T]) Capacity() int {
	return int(q.size - 1)
}

// Count returns the number of entries currently in the queue.
func (q *Queue[T]) Count() int {
	return int(q.count.Load())
}

// Empty returns true when the queue holds no entries.
func (q *Queue[T]) Empty() bool {
	return q.Count() == 0
}

// Full returns true when another push would fail.
func (q *Queue[T]) Full() bool {
	return q.Count() == q.Capacity()
}

// PushHead inserts e at the head end. It returns false without modifying the
// queue when it is full, the caller keeps ownership of e in that case.
func (q *Queue[T]) PushHead(e T) bool {
	head := q.head.Load()
	next := (head + 1) % q.size
	if next == q.tail.Load() {
		return false
	}

	q.slots[head] = e
	// The slot must be written before the new index is published.
	q.head.Store(next)
	q.count.Add(1)
	return true
}

// PushTail inserts e at the tail end. It returns false without modifying the
// queue when it is full, the caller keeps ownership of e in that case.
func (q *Queue[T]) PushTail(e T) bool {
	tail := q.tail.Load()
	if tail == 0 {
		tail = q.size
	}
	tail--

	if tail == q.head.Load() {
		return false
	}

	q.slots[tail] = e
	q.tail.Store(tail)
	q.count.Add(1)
	return true
}

// PopHead removes and returns the entry at the head end. The second return
// value is false when the queue is empty.
func (q *Queue[T]) PopHead() (T, bool) {
	var zero T

	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}

	if head == 0 {
		head = q.size
	}
	head--

	e := q.slots[head]
	q.slots[head] = zero
	// The slot must be read before the index releases it to a pusher.
	q.head.Store(head)
	q.count.Add(-1)
	return e, true
}

// PopTail removes and returns the entry at the tail end. The second return
// value is false when the queue is empty.
func (q *Queue[T]) PopTail() (T, bool) {
	var zero T

	tail := q.tail.Load()
	if tail == q.head.Load() {
		return zero, false
	}

	e := q.slots[tail]
	q.slots[tail] = zero
	q.tail.Store((tail + 1) % q.size)
	q.count.Add(-1)
	return e, true
}

// PeekFromHead returns the entry idx positions away from the head end without
// removing it. PeekFromHead(0) is the entry PopHead would return next.
// Only meant for diagnostics.
func (q *Queue[T]) PeekFromHead(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= q.Count() {
		return zero, false
	}

	head := q.head.Load()
	i := uint32(idx)
	if head > i {
		i = head - i
	} else {
		i = q.size - (i - head)
	}
	i--

	return q.slots[i], true
}

// PeekFromTail returns the entry idx positions away from the tail end without
// removing it. PeekFromTail(0) is the entry PopTail would return next.
// Only meant for diagnostics.
func (q *Queue[T]) PeekFromTail(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= q.Count() {
		return zero, false
	}

	i := uint32(idx) + q.tail.Load()
	if i >= q.size {
		i -= q.size
	}

	return q.slots[i], true
}

// Drain pops every entry from the head end and passes it to f. It returns the
// number of entries removed.
func (q *Queue[T]) Drain(f func(T)) int {
	n := 0
	for {
		e, ok := q.PopHead()
		if !ok {
			return n
		}
		f(e)
		n++
	}
}

// Snapshot copies the entries from the tail end to the head end into a new
// slice. Only meant for diagnostics and tests.
func (q *Queue[T]) Snapshot() []T {
	n := q.Count()
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		e, ok := q.PeekFromTail(i)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
