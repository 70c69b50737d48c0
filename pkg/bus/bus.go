package bus

import (
	"sync"
)

const defaultBufferSize = 100

// MessageBus fans relay events out to in-process subscribers such as the status server
// and the terminal monitor.
type MessageBus struct {
	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// Subscribers returns the number of live event subscriptions.
func (mb *MessageBus) Subscribers() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.eventSubscribers)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
