package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-detbus/bus"
	"github.com/nvr-ai/go-detbus/codec"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultRetryInterval is the pause after a failed receive.
const DefaultRetryInterval = 100 * time.Millisecond

// ConsumerState is the consumer loop's position in its cycle.
type ConsumerState int32

const (
	// StateWaitMessage blocks on the subscriber.
	StateWaitMessage ConsumerState = iota
	// StateDecodeDispatch decodes a message and calls the handler.
	StateDecodeDispatch
	// StateConsumerStopped is terminal.
	StateConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateWaitMessage:
		return "wait_message"
	case StateDecodeDispatch:
		return "decode_dispatch"
	default:
		return "stopped"
	}
}

// ConsumerConfig wires a consumer.
type ConsumerConfig struct {
	// Subscriber yields messages. Owned by the consumer.
	Subscriber bus.Subscriber
	// Codec decodes messages.
	Codec codec.Codec
	// Handler receives every decoded batch.
	Handler Handler
	// RetryInterval is the pause after a receive error other than
	// bus.ErrClosed. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration
	// Logger is optional.
	Logger *zap.Logger
}

// Consumer is the receive, decode, dispatch loop.
type Consumer struct {
	subscriber bus.Subscriber
	codec      codec.Codec
	handler    Handler
	retry      time.Duration
	logger     *zap.Logger

	control  control
	stopped  chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
	started  atomic.Bool

	received        atomic.Uint64
	batches         atomic.Uint64
	records         atomic.Uint64
	failures        atomic.Uint64
	receiveFailures atomic.Uint64
}

// NewConsumer validates the configuration and creates a consumer in the
// wait state.
//
// Arguments:
//   - cfg: The consumer configuration.
//
// Returns:
//   - *Consumer: The consumer.
//   - error: An error if a collaborator is missing.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("consumer: subscriber is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("consumer: codec is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Handler == nil {
		cfg.Handler = LogHandler(cfg.Logger)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	c := &Consumer{
		subscriber: cfg.Subscriber,
		codec:      cfg.Codec,
		handler:    cfg.Handler,
		retry:      cfg.RetryInterval,
		logger:     cfg.Logger,
		stopped:    make(chan struct{}),
	}
	c.state.Store(int32(StateWaitMessage))
	return c, nil
}

// State returns the current state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Stop ends the loop. It closes the subscriber, which unblocks a pending
// receive.
func (c *Consumer) Stop() {
	c.control.stop()
	c.stopOnce.Do(func() { close(c.stopped) })
	if err := c.subscriber.Close(); err != nil {
		c.logger.Debug("subscriber close", zap.Error(err))
	}
}

// Run executes cycles until Stop is called or the subscriber is closed. The
// subscriber is closed before Run returns.
//
// Returns:
//   - error: A close error, or an error if Run was already called.
func (c *Consumer) Run() (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer: already run")
	}

	defer func() {
		c.state.Store(int32(StateConsumerStopped))
		if cerr := c.subscriber.Close(); cerr != nil {
			err = errors.Wrap(cerr, "close subscriber")
		}
		c.logger.Info("consumer stopped",
			zap.Uint64("received", c.received.Load()),
			zap.Uint64("decode_failures", c.failures.Load()))
	}()

	c.logger.Info("consumer started", zap.String("codec", c.codec.Name()))

	for c.control.load() == Running {
		c.state.Store(int32(StateWaitMessage))
		msg, err := c.subscriber.Receive()
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			c.receiveFailures.Add(1)
			c.logger.Warn("receive failed", zap.Duration("retry_in", c.retry), zap.Error(err))
			select {
			case <-time.After(c.retry):
			case <-c.stopped:
			}
			continue
		}
		c.received.Add(1)

		c.state.Store(int32(StateDecodeDispatch))
		batch, err := c.codec.Decode(msg)
		if err != nil {
			c.failures.Add(1)
			c.logger.Warn("message skipped", zap.Int("bytes", len(msg)), zap.Error(err))
			continue
		}
		c.batches.Add(1)
		c.records.Add(uint64(len(batch)))
		c.handler(batch)
	}
	return nil
}

// CollectMetrics implements profiler.MetricsCollector.
func (c *Consumer) CollectMetrics() map[string]float64 {
	return map[string]float64{
		"consumer.received":         float64(c.received.Load()),
		"consumer.batches":          float64(c.batches.Load()),
		"consumer.records":          float64(c.records.Load()),
		"consumer.decode_failures":  float64(c.failures.Load()),
		"consumer.receive_failures": float64(c.receiveFailures.Load()),
	}
}
