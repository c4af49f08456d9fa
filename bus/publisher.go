package bus

import (
	"sync/atomic"

	"github.com/nvr-ai/go-detbus/codec"
	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Publisher encodes batches and hands them to a broadcaster. It owns the
// broadcaster and releases it on Close.
type Publisher struct {
	codec       codec.Codec
	broadcaster Broadcaster
	logger      *zap.Logger
	published   uint64
}

// NewPublisher creates a publisher.
//
// Arguments:
//   - c: The wire codec.
//   - b: The transport endpoint.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Publisher: The publisher.
func NewPublisher(c codec.Codec, b Broadcaster, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{codec: c, broadcaster: b, logger: logger}
}

// Publish broadcasts a batch to every attached subscriber. An empty batch is
// not an error and sends nothing.
//
// Arguments:
//   - batch: The batch to publish.
//
// Returns:
//   - error: An error if encoding fails or the endpoint is closed.
func (p *Publisher) Publish(batch detection.Batch) error {
	if batch.Empty() {
		return nil
	}

	msg, err := p.codec.Encode(batch)
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}
	if err := p.broadcaster.Broadcast(msg); err != nil {
		return errors.Wrap(err, "broadcast batch")
	}

	atomic.AddUint64(&p.published, 1)
	p.logger.Debug("batch published",
		zap.Int("records", len(batch)),
		zap.Int("bytes", len(msg)),
		zap.String("codec", p.codec.Name()))
	return nil
}

// Published returns the number of batches sent.
func (p *Publisher) Published() uint64 {
	return atomic.LoadUint64(&p.published)
}

// Close releases the underlying endpoint.
func (p *Publisher) Close() error {
	return p.broadcaster.Close()
}
