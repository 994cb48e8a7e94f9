package queue

// sliceQueue implements the Queue interface using a slice.
//
// Dequeued slots are reclaimed lazily: once the consumed prefix grows past half of the
// backing array the live items are moved to the front.
type sliceQueue[T any] struct {
	items []T
	head  int
}

// NewSliceQueue creates a new slice backed Queue.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

// Enqueue adds an item to the tail of the queue.
func (q *sliceQueue[T]) Enqueue(item T) {
	if q.head > 0 && q.head >= len(q.items)/2 && len(q.items) == cap(q.items) {
		q.compact()
	}
	q.items = append(q.items, item)
}

// Dequeue removes and returns the item at the head of the queue.
func (q *sliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *sliceQueue[T]) Peek() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}

	return q.items[q.head], true
}

// RemoveFunc removes every matching item and keeps the order of the others.
func (q *sliceQueue[T]) RemoveFunc(match func(T) bool) int {
	var zero T
	kept := q.head
	for i := q.head; i < len(q.items); i++ {
		if match(q.items[i]) {
			continue
		}
		q.items[kept] = q.items[i]
		kept++
	}
	removed := len(q.items) - kept
	for i := kept; i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = q.items[:kept]

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}

	return removed
}

// Range calls fn for each item from head to tail until fn returns false.
func (q *sliceQueue[T]) Range(fn func(T) bool) {
	for i := q.head; i < len(q.items); i++ {
		if !fn(q.items[i]) {
			return
		}
	}
}

// Reset resets the queue to an empty state.
func (q *sliceQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0] // Reslice to 0 length to reuse the underlying array
	q.head = 0
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *sliceQueue[T]) IsEmpty() bool {
	return q.head >= len(q.items)
}

// Length returns the number of items in the queue.
func (q *sliceQueue[T]) Length() int {
	return len(q.items) - q.head
}

func (q *sliceQueue[T]) compact() {
	var zero T
	n := copy(q.items, q.items[q.head:])
	for i := n; i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = q.items[:n]
	q.head = 0
}
