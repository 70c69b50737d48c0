package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived      EventType = "message_received"
	EventMessageDuplicate     EventType = "message_duplicate"
	EventMessageFiltered      EventType = "message_filtered"
	EventMessageQueued        EventType = "message_queued"
	EventMessageForwarded     EventType = "message_forwarded"
	EventMessageForwardFailed EventType = "message_forward_failed"
	EventMessageDropped       EventType = "message_dropped"
	EventRelayPaused          EventType = "relay_paused"
	EventRelayResumed         EventType = "relay_resumed"
)

type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Channel   string            `json:"channel,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Preview   string            `json:"preview,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from closing a
	// channel mid-send without stalling the publisher.
	mb.mu.RLock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the relay on slow subscribers.
		}
	}
	mb.mu.RUnlock()

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
