// Package mqttbus - MQTT bridge for the detection bus.
//
// Batches are published with QoS 0, which matches the bus contract:
// at-most-once, no acknowledgement, nothing kept for absent subscribers.
package mqttbus

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nvr-ai/go-detbus/bus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultTopic is the topic batches are published on.
	DefaultTopic = "detections"
	// atMostOnce is MQTT QoS 0.
	atMostOnce byte = 0
	// quiesce is the grace period in milliseconds granted on disconnect.
	quiesce = 250
)

// Config configures an MQTT endpoint.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string
	// Topic is the topic to publish on or subscribe to.
	Topic string
	// ClientID identifies the connection; a random id is used when empty.
	ClientID string
	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration
	// HighWaterMark is the subscriber queue length.
	HighWaterMark int
	// OnConnect runs after every successful connection, the first included.
	OnConnect mqtt.OnConnectHandler
}

// Connect opens a connection to the broker.
//
// Arguments:
//   - cfg: The endpoint configuration.
//   - logger: The logger.
//
// Returns:
//   - mqtt.Client: The connected client.
//   - error: An error if the broker cannot be reached in time.
func Connect(cfg Config, logger *zap.Logger) (mqtt.Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "detbus-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}
	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(cfg.OnConnect)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, errors.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect to %s", cfg.Broker)
	}

	logger.Info("mqtt connection established",
		zap.String("broker", cfg.Broker),
		zap.String("client_id", cfg.ClientID))
	return client, nil
}

// Publisher publishes messages on a topic. It implements bus.Broadcaster.
type Publisher struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger
	closed atomic.Bool
}

// NewPublisher wraps a connected client.
func NewPublisher(client mqtt.Client, topic string, logger *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, topic: topic, logger: logger}
}

// Broadcast implements bus.Broadcaster. It does not wait for the broker;
// failures that are already known are logged and otherwise ignored.
func (p *Publisher) Broadcast(msg []byte) error {
	if p.closed.Load() {
		return bus.ErrClosed
	}

	token := p.client.Publish(p.topic, atMostOnce, false, msg)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.logger.Debug("mqtt publish dropped", zap.String("topic", p.topic), zap.Error(err))
		}
	default:
	}
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.client.Disconnect(quiesce)
	return nil
}

// Subscriber receives messages from a topic. It implements bus.Subscriber.
type Subscriber struct {
	client     mqtt.Client
	topic      string
	timeout    time.Duration
	queue      chan []byte
	done       chan struct{}
	once       sync.Once
	subscribed atomic.Bool
	logger     *zap.Logger
	stats      bus.SubscriberStats
}

// Listen connects to the broker and subscribes to cfg.Topic. The broker
// forgets subscriptions of a clean session when the connection drops, so the
// subscription is issued again after every reconnect.
//
// Arguments:
//   - cfg: The endpoint configuration.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Subscriber: The subscriber.
//   - error: An error if the broker cannot be reached or refuses the subscription.
func Listen(cfg Config, logger *zap.Logger) (*Subscriber, error) {
	s := newSubscriber(cfg, logger)
	cfg.OnConnect = s.Resubscribe

	client, err := Connect(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.client = client
	if err := s.subscribe(client); err != nil {
		client.Disconnect(quiesce)
		return nil, err
	}
	return s, nil
}

// Subscribe attaches to a topic on a connected client. The subscription is
// not renewed after a reconnect unless Resubscribe is the client's on-connect
// handler; Listen wires that up.
//
// Arguments:
//   - client: The connected client.
//   - cfg: The endpoint configuration; Topic and HighWaterMark are used.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Subscriber: The subscriber.
//   - error: An error if the subscription is refused.
func Subscribe(client mqtt.Client, cfg Config, logger *zap.Logger) (*Subscriber, error) {
	s := newSubscriber(cfg, logger)
	s.client = client
	if err := s.subscribe(client); err != nil {
		return nil, err
	}
	return s, nil
}

func newSubscriber(cfg Config, logger *zap.Logger) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = bus.DefaultHighWaterMark
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		topic:   cfg.Topic,
		timeout: cfg.ConnectTimeout,
		queue:   make(chan []byte, cfg.HighWaterMark),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (s *Subscriber) subscribe(client mqtt.Client) error {
	token := client.Subscribe(s.topic, atMostOnce, s.onMessage)
	if !token.WaitTimeout(s.timeout) {
		return errors.Errorf("mqtt subscribe to %s timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "mqtt subscribe to %s", s.topic)
	}
	s.subscribed.Store(true)
	s.logger.Info("subscribed to mqtt topic", zap.String("topic", s.topic))
	return nil
}

// Resubscribe issues the subscription again on a reconnected client. It is an
// mqtt.OnConnectHandler; it does nothing before the first subscription
// succeeded or after Close.
func (s *Subscriber) Resubscribe(client mqtt.Client) {
	if !s.subscribed.Load() {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if err := s.subscribe(client); err != nil {
		s.logger.Warn("mqtt resubscribe failed", zap.String("topic", s.topic), zap.Error(err))
	}
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- msg.Payload():
		atomic.AddUint64(&s.stats.Sent, 1)
	default:
		atomic.AddUint64(&s.stats.Dropped, 1)
	}
}

// Receive implements bus.Subscriber.
func (s *Subscriber) Receive() ([]byte, error) {
	select {
	case <-s.done:
		return nil, bus.ErrClosed
	default:
	}

	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.done:
		return nil, bus.ErrClosed
	}
}

// Stats returns the delivery counters.
func (s *Subscriber) Stats() bus.SubscriberStats {
	return bus.SubscriberStats{
		Sent:    atomic.LoadUint64(&s.stats.Sent),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}
}

// Close implements bus.Subscriber. It is safe to call more than once.
func (s *Subscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.Unsubscribe(s.topic)
		s.client.Disconnect(quiesce)
	})
	return nil
}
