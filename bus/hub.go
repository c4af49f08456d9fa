package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub fans messages out to in-process subscriptions. Each subscription owns
// a bounded FIFO queue; Broadcast never blocks and drops the message for any
// subscription whose queue is full.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	highWaterMark int
	closed        bool
	published     uint64
	logger        *zap.Logger
}

// NewHub creates a hub.
//
// Arguments:
//   - highWaterMark: The queue length per subscription. Values <= 0 use
//     DefaultHighWaterMark.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Hub: The hub.
func NewHub(highWaterMark int, logger *zap.Logger) *Hub {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscriptions: make(map[string]*Subscription),
		highWaterMark: highWaterMark,
		logger:        logger,
	}
}

// Subscribe attaches a new subscription under a generated id.
func (h *Hub) Subscribe() (*Subscription, error) {
	return h.SubscribeID(uuid.NewString())
}

// SubscribeID attaches a new subscription under the given id. The
// subscription receives only messages broadcast after this call returns.
//
// Arguments:
//   - id: The subscription id.
//
// Returns:
//   - *Subscription: The subscription.
//   - error: ErrClosed if the hub is closed, ErrSubscriberExists if the id is taken.
func (h *Hub) SubscribeID(id string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.subscriptions[id]; ok {
		return nil, ErrSubscriberExists
	}

	sub := &Subscription{
		id:    id,
		hub:   h,
		queue: make(chan []byte, h.highWaterMark),
		done:  make(chan struct{}),
	}
	h.subscriptions[id] = sub
	h.logger.Debug("subscriber attached", zap.String("subscriber", id))
	return sub, nil
}

// Broadcast implements Broadcaster.
func (h *Hub) Broadcast(msg []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}
	atomic.AddUint64(&h.published, 1)

	for _, sub := range h.subscriptions {
		select {
		case sub.queue <- msg:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
	return nil
}

// Len returns the number of attached subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Published returns the number of messages broadcast so far.
func (h *Hub) Published() uint64 {
	return atomic.LoadUint64(&h.published)
}

// Stats returns a snapshot of every subscription's counters.
func (h *Hub) Stats() map[string]SubscriberStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]SubscriberStats, len(h.subscriptions))
	for id, sub := range h.subscriptions {
		out[id] = sub.Stats()
	}
	return out
}

// Close detaches every subscription. Messages already queued are still
// delivered; after that Receive returns ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for id, sub := range h.subscriptions {
		sub.drain.Store(true)
		sub.shutdown()
		delete(h.subscriptions, id)
	}
	return nil
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.subscriptions[sub.id]; ok && cur == sub {
		delete(h.subscriptions, sub.id)
		h.logger.Debug("subscriber detached",
			zap.String("subscriber", sub.id),
			zap.Uint64("sent", atomic.LoadUint64(&sub.stats.Sent)),
			zap.Uint64("dropped", atomic.LoadUint64(&sub.stats.Dropped)))
	}
	sub.shutdown()
}

// Subscription is a hub subscriber. It implements Subscriber.
type Subscription struct {
	id    string
	hub   *Hub
	queue chan []byte
	done  chan struct{}
	once  sync.Once
	stats SubscriberStats
	// drain is set when the hub closed; queued messages are still handed out.
	drain atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Receive implements Subscriber. Queued messages are delivered in order.
// Once the subscription is closed Receive returns ErrClosed; when the hub
// closed it, the queue is emptied first.
func (s *Subscription) Receive() ([]byte, error) {
	select {
	case <-s.done:
		return s.drained()
	default:
	}

	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.done:
		return s.drained()
	}
}

func (s *Subscription) drained() ([]byte, error) {
	if s.drain.Load() {
		select {
		case msg := <-s.queue:
			return msg, nil
		default:
		}
	}
	return nil, ErrClosed
}

// Stats returns the subscription's counters.
func (s *Subscription) Stats() SubscriberStats {
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}
}

// Close implements Subscriber. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.drain.Store(false)
	s.hub.detach(s)
	return nil
}

func (s *Subscription) shutdown() {
	s.once.Do(func() { close(s.done) })
}
