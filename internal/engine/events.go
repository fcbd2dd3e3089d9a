package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/outbox/internal/record"
)

// ErrSubscriptionClosed is returned by Next once a subscription has been
// closed and drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription receives every conflict the engine parks or refreshes after
// the subscription was created.
//
// Thread-safety: all methods are safe for concurrent use.
type Subscription struct {
	id     uint64
	box    *mailbox
	parent *broadcaster
	once   sync.Once
}

// Next blocks until a conflict is available, the subscription is closed, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (record.ConflictRecord, error) {
	return s.box.pop(ctx)
}

// TryNext returns the next conflict without blocking.
func (s *Subscription) TryNext() (record.ConflictRecord, bool) {
	return s.box.tryPop()
}

// Len returns how many conflicts are waiting.
func (s *Subscription) Len() int {
	return s.box.len()
}

// Dropped returns how many notifications were evicted because the
// subscriber fell behind.
func (s *Subscription) Dropped() int {
	return s.box.droppedCount()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.parent.remove(s.id)
		s.box.close()
	})
}

// broadcaster fans conflicts out to independent bounded mailboxes.
type broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]*Subscription)}
}

func (b *broadcaster) subscribe(size int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, box: newMailbox(size), parent: b}
	b.subs[s.id] = s
	return s
}

func (b *broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// publish never blocks: full mailboxes drop their oldest entry.
func (b *broadcaster) publish(c record.ConflictRecord) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.box.push(cloneConflict(c))
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscribe returns a subscription with a mailbox of the given size.
// A non-positive size selects DefaultMailboxSize.
func (e *Engine) Subscribe(size int) *Subscription {
	return e.events.subscribe(size)
}

// OnConflict calls fn for every conflict parked or refreshed from now on,
// from a dedicated goroutine, in detection order. The returned function
// unsubscribes; it is safe to call more than once.
func (e *Engine) OnConflict(fn func(record.ConflictRecord)) (unsubscribe func()) {
	sub := e.Subscribe(DefaultMailboxSize)

	go func() {
		for {
			c, err := sub.Next(context.Background())
			if err != nil {
				return
			}
			fn(c)
		}
	}()

	return sub.Close
}

func cloneConflict(c record.ConflictRecord) record.ConflictRecord {
	c.LocalData = c.LocalData.Clone()
	c.ServerData = c.ServerData.Clone()
	c.BaseData = c.BaseData.Clone()
	return c
}
