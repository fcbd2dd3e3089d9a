package engine

import (
	"context"
	"sync"

	"github.com/roach88/outbox/internal/record"
)

// DefaultMailboxSize is the per-subscriber buffer used when Subscribe is
// given a non-positive size.
const DefaultMailboxSize = 64

// mailbox is a bounded thread-safe FIFO of conflict notifications for one
// subscriber.
//
// When full, the oldest notification is dropped so that a slow subscriber
// never blocks a drain cycle. Dropped notifications are counted; the
// conflicts themselves remain queryable from the store.
//
// The queue uses a channel for signaling to enable context-aware waiting
// (prevents goroutine hangs on context cancellation).
type mailbox struct {
	mu      sync.Mutex
	items   []record.ConflictRecord
	limit   int
	dropped int
	closed  bool
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newMailbox(limit int) *mailbox {
	if limit <= 0 {
		limit = DefaultMailboxSize
	}
	return &mailbox{
		items:  make([]record.ConflictRecord, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push appends c, evicting the oldest item when the mailbox is full.
// Returns false if the mailbox is closed.
func (m *mailbox) push(c record.ConflictRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if len(m.items) >= m.limit {
		m.items[0] = record.ConflictRecord{}
		m.items = m.items[1:]
		m.dropped++
	}
	m.items = append(m.items, c)

	// Non-blocking - buffer of 1 coalesces multiple signals
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes and returns the front item without blocking.
func (m *mailbox) tryPop() (record.ConflictRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return record.ConflictRecord{}, false
	}

	c := m.items[0]
	// Release the snapshot maps held by the slot.
	m.items[0] = record.ConflictRecord{}
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return c, true
}

// pop blocks until an item is available, the mailbox is closed and empty,
// or ctx is done.
func (m *mailbox) pop(ctx context.Context) (record.ConflictRecord, error) {
	for {
		if c, ok := m.tryPop(); ok {
			return c, nil
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return record.ConflictRecord{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return record.ConflictRecord{}, ctx.Err()
		case <-m.signal:
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox) droppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// close wakes blocked waiters. Items already queued can still be popped.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
