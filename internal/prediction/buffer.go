package prediction

import "sync"

// RingBuffer is a fixed-capacity FIFO. When full, each write evicts the
// oldest entry.
type RingBuffer[T any] struct {
	mu sync.RWMutex

	entries  []T
	capacity int

	totalAdded int64 // monotonic count of every entry ever written
	head       int   // index where the next write goes
}

// NewRingBuffer creates a ring buffer. Capacities below one are raised to one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Write appends entries, evicting the oldest as needed, and returns how many
// were written.
func (rb *RingBuffer[T]) Write(entries []T) int {
	if len(entries) == 0 {
		return 0
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, entry := range entries {
		rb.writeOneLocked(entry)
	}
	return len(entries)
}

// writeOneLocked must be called with mu held.
func (rb *RingBuffer[T]) writeOneLocked(entry T) {
	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.head] = entry
	}
	rb.head = (rb.head + 1) % rb.capacity
	rb.totalAdded++
}

// ReadAll returns all entries, oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.entries) == 0 {
		return nil
	}

	result := make([]T, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		copy(result, rb.entries)
	} else {
		// Full: head points at the oldest entry.
		n := copy(result, rb.entries[rb.head:])
		copy(result[n:], rb.entries[:rb.head])
	}
	return result
}

// ReadLast returns the newest n entries, oldest first.
func (rb *RingBuffer[T]) ReadLast(n int) []T {
	all := rb.ReadAll()
	if n <= 0 || len(all) == 0 {
		return nil
	}
	if n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:]
}

// Len returns the number of entries currently held.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// TotalAdded returns how many entries were ever written, including evicted ones.
func (rb *RingBuffer[T]) TotalAdded() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.totalAdded
}
