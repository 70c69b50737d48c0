package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"tgbridge/pkg/relay"
)

const defaultQueueSize = 100

var errLanesClosed = errors.New("delivery lanes are closed")

// laneManager owns one delivery lane per chat. A lane is a bounded queue drained by a
// single worker, so messages of one chat are delivered in arrival order while other
// chats make progress independently.
type laneManager struct {
	ctx       context.Context
	cancel    context.CancelFunc
	deliver   func(context.Context, relay.Message)
	queueSize int
	log       *slog.Logger

	mu    sync.Mutex
	lanes map[string]*chatLane
	wg    sync.WaitGroup

	// sendMu is held for reading by Enqueue and for writing by Close, so Close can wait
	// out sends that raced with shutdown.
	sendMu sync.RWMutex

	queued atomic.Int64
}

// chatLane is the queue tracked for one chat id.
type chatLane struct {
	queue chan relay.Message
}

// newLaneManager builds a lane manager whose workers run until ctx ends or Close is called.
func newLaneManager(ctx context.Context, queueSize int, deliver func(context.Context, relay.Message), log *slog.Logger) *laneManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}

	laneCtx, cancel := context.WithCancel(ctx)
	return &laneManager{
		ctx:       laneCtx,
		cancel:    cancel,
		deliver:   deliver,
		queueSize: queueSize,
		log:       log.With("component", "gateway.lanes"),
		lanes:     make(map[string]*chatLane),
	}
}

// Enqueue hands msg to its chat lane. When the lane is full it waits until space frees,
// ctx ends, or the manager closes.
func (m *laneManager) Enqueue(ctx context.Context, msg relay.Message) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	lane, err := m.laneFor(msg.ChatID)
	if err != nil {
		return err
	}

	select {
	case lane.queue <- msg:
		m.queued.Add(1)
		queuedMessages.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return errLanesClosed
	}
}

// Queued returns the number of messages waiting in all lanes.
func (m *laneManager) Queued() int {
	return int(m.queued.Load())
}

// laneFor returns an existing lane or lazily starts a new one.
func (m *laneManager) laneFor(chatID string) (*chatLane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, errLanesClosed
	}

	lane, ok := m.lanes[chatID]
	if ok {
		return lane, nil
	}

	lane = &chatLane{queue: make(chan relay.Message, m.queueSize)}
	m.lanes[chatID] = lane

	m.wg.Add(1)
	go m.run(chatID, lane)

	return lane, nil
}

func (m *laneManager) run(chatID string, lane *chatLane) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.drop(chatID, lane)
			return
		case msg := <-lane.queue:
			m.dequeued()
			if m.ctx.Err() != nil {
				m.log.Warn("Dropping queued message on shutdown", "chat_id", chatID, "message_id", msg.ID)
				m.drop(chatID, lane)
				return
			}

			m.deliver(m.ctx, msg)
		}
	}
}

// drop discards whatever is still queued for a lane.
func (m *laneManager) drop(chatID string, lane *chatLane) {
	dropped := 0
	for {
		select {
		case msg := <-lane.queue:
			m.dequeued()
			dropped++
			m.log.Debug("Dropped queued message", "chat_id", chatID, "message_id", msg.ID)
		default:
			if dropped > 0 {
				m.log.Warn("Dropped queued messages on shutdown", "chat_id", chatID, "count", dropped)
			}
			return
		}
	}
}

func (m *laneManager) dequeued() {
	m.queued.Add(-1)
	queuedMessages.Dec()
}

// Close stops accepting messages and waits for workers to finish their current delivery.
// Messages still queued afterwards are dropped.
func (m *laneManager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for chatID, lane := range m.lanes {
		m.drop(chatID, lane)
		delete(m.lanes, chatID)
	}
}
