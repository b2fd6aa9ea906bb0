// Package queue provides FIFO queues used to order waiters.
package queue

// Queue defines the interface of a FIFO queue holding items of type T.
//
// Implementations are not safe for concurrent use; callers guard them with their own lock.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false if the queue is empty.
	Dequeue() (item T, ok bool)
	// Length returns the number of items in the queue.
	Length() int
}
