package echocancelstream

import (
	"sync"
)

// mailbox is an unbounded FIFO: posting never blocks, so the real-time
// contexts never wait for each other.
type mailbox[T any] struct {
	locker   sync.Mutex
	items    []T
	isClosed bool
	notifyCh chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		notifyCh: make(chan struct{}, 1),
	}
}

func (m *mailbox[T]) Post(item T) error {
	m.locker.Lock()
	defer m.locker.Unlock()
	if m.isClosed {
		return ErrClosed
	}
	m.items = append(m.items, item)
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Notify returns a channel which receives a value after new items were posted.
func (m *mailbox[T]) Notify() <-chan struct{} {
	return m.notifyCh
}

// Drain removes and returns every posted item.
func (m *mailbox[T]) Drain() []T {
	m.locker.Lock()
	defer m.locker.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Pop removes and returns the oldest item.
func (m *mailbox[T]) Pop() (T, bool) {
	m.locker.Lock()
	defer m.locker.Unlock()
	if len(m.items) == 0 {
		var zero T
		return zero, false
	}
	item := m.items[0]
	var zero T
	m.items[0] = zero
	m.items = m.items[1:]
	return item, true
}

func (m *mailbox[T]) Len() int {
	m.locker.Lock()
	defer m.locker.Unlock()
	return len(m.items)
}

// Close makes further Post calls fail and drops the pending items.
func (m *mailbox[T]) Close() {
	m.locker.Lock()
	defer m.locker.Unlock()
	m.isClosed = true
	m.items = nil
}
