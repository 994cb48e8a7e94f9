// Package queue provides the FIFO containers used by the session event queues.
package queue

// Queue defines the interface of a FIFO container.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false when the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	Peek() (item T, ok bool)
	// RemoveFunc removes every item for which match returns true, keeping the order of
	// the others, and returns the number of removed items.
	RemoveFunc(match func(T) bool) int
	// Range calls fn for each item from head to tail until fn returns false.
	Range(fn func(T) bool)
	// Reset to an empty queue
	Reset()
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
