package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProducerState is the producer loop's position in its cycle.
type ProducerState int32

const (
	// StateCapture waits on the frame source.
	StateCapture ProducerState = iota
	// StateInfer waits on the detector.
	StateInfer
	// StateFilterNormalize builds the batch.
	StateFilterNormalize
	// StatePublish hands the batch to the bus.
	StatePublish
	// StateProducerStopped is terminal.
	StateProducerStopped
)

func (s ProducerState) String() string {
	switch s {
	case StateCapture:
		return "capture"
	case StateInfer:
		return "infer"
	case StateFilterNormalize:
		return "filter_normalize"
	case StatePublish:
		return "publish"
	default:
		return "stopped"
	}
}

// ProducerConfig wires a producer.
type ProducerConfig struct {
	// Source yields frames. Owned by the producer.
	Source FrameSource
	// Detector runs the model on each frame.
	Detector Detector
	// Labels maps detector class ids to names.
	Labels detection.Labels
	// Threshold is the minimum confidence kept, in [0,1].
	Threshold float64
	// Publisher sends batches. Owned by the producer.
	Publisher BatchPublisher
	// Timer times the capture, infer and publish steps. Optional.
	Timer Timer
	// Logger is optional.
	Logger *zap.Logger
}

// Producer is the capture, infer, filter, publish loop.
type Producer struct {
	source     FrameSource
	detector   Detector
	filter     detection.Filter
	normalizer *detection.Normalizer
	publisher  BatchPublisher
	timer      Timer
	logger     *zap.Logger

	control control
	state   atomic.Int32
	started atomic.Bool

	frames    atomic.Uint64
	records   atomic.Uint64
	skipped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewProducer validates the configuration and creates a producer in the
// capture state.
//
// Arguments:
//   - cfg: The producer configuration.
//
// Returns:
//   - *Producer: The producer.
//   - error: An error if a collaborator is missing or the threshold is out of range.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Source == nil {
		return nil, errors.New("producer: frame source is required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("producer: detector is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("producer: publisher is required")
	}
	filter, err := detection.NewFilter(cfg.Threshold)
	if err != nil {
		return nil, errors.Wrap(err, "producer")
	}
	if cfg.Timer == nil {
		cfg.Timer = noopTimer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Producer{
		source:     cfg.Source,
		detector:   cfg.Detector,
		filter:     filter,
		normalizer: detection.NewNormalizer(cfg.Labels),
		publisher:  cfg.Publisher,
		timer:      cfg.Timer,
		logger:     cfg.Logger,
	}
	p.state.Store(int32(StateCapture))
	return p, nil
}

// State returns the current state.
func (p *Producer) State() ProducerState {
	return ProducerState(p.state.Load())
}

// Stop asks the loop to end. The loop observes it once the current blocking
// call returns.
func (p *Producer) Stop() {
	p.control.stop()
}

// ErrStopTimeout is returned by RunContext when the loop is still blocked
// after the grace period.
var ErrStopTimeout = errors.New("producer did not stop in time")

// RunContext runs the loop until it ends on its own or ctx is done. Once ctx
// is done the loop is stopped and given grace to finish its current cycle.
// A source or detector that stays blocked past that is abandoned: the loop
// goroutine keeps running and ErrStopTimeout is returned, so the caller can
// exit without releasing what the loop still uses.
//
// Arguments:
//   - ctx: Cancelled to stop the loop.
//   - grace: How long to wait for the loop after ctx is done.
//
// Returns:
//   - error: The result of Run, or ErrStopTimeout.
func (p *Producer) RunContext(ctx context.Context, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	p.Stop()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		p.logger.Error("producer still blocked after stop",
			zap.Duration("grace", grace),
			zap.Stringer("state", p.State()))
		return errors.Wrapf(ErrStopTimeout, "after %s", grace)
	}
}

// Run executes cycles until the source ends, a fatal error occurs or Stop is
// called. The source and publisher are closed before Run returns.
//
// Returns:
//   - error: nil on end of stream or stop, otherwise the fatal capture or
//     inference error combined with any close errors.
func (p *Producer) Run() (err error) {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("producer: already run")
	}

	defer func() {
		p.enter(StateProducerStopped)
		err = multierr.Combine(err, p.release())
		p.logger.Info("producer stopped",
			zap.Uint64("frames", p.frames.Load()),
			zap.Uint64("published", p.published.Load()),
			zap.Error(err))
	}()

	p.logger.Info("producer started", zap.Float64("threshold", p.filter.Threshold()))

	for p.control.load() == Running {
		if err := p.cycle(); err != nil {
			if errors.Is(err, ErrEndOfStream) {
				p.logger.Info("frame source exhausted")
				return nil
			}
			return err
		}
	}
	return nil
}

func (p *Producer) cycle() error {
	p.enter(StateCapture)
	done := p.timer.StartOperation("capture")
	frame, err := p.source.Next()
	done()
	if err != nil {
		if errors.Is(err, ErrEndOfStream) {
			return err
		}
		return errors.Wrap(err, "capture frame")
	}
	p.frames.Add(1)

	p.enter(StateInfer)
	done = p.timer.StartOperation("infer")
	raws, err := p.detector.Detect(frame)
	done()
	if err != nil {
		return errors.Wrapf(err, "detect frame %d", frame.ID)
	}

	p.enter(StateFilterNormalize)
	batch, skipped := detection.Assemble(raws, p.filter, p.normalizer)
	for _, e := range skipped {
		p.skipped.Add(1)
		p.logger.Warn("detection skipped", zap.Int("frame", frame.ID), zap.Error(e))
	}

	p.enter(StatePublish)
	if batch.Empty() {
		return nil
	}
	done = p.timer.StartOperation("publish")
	err = p.publisher.Publish(batch)
	done()
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("publish failed, batch dropped", zap.Int("frame", frame.ID), zap.Error(err))
		return nil
	}
	p.published.Add(1)
	p.records.Add(uint64(len(batch)))
	return nil
}

func (p *Producer) enter(s ProducerState) {
	p.state.Store(int32(s))
}

func (p *Producer) release() error {
	return multierr.Combine(
		errors.Wrap(p.publisher.Close(), "close publisher"),
		errors.Wrap(p.source.Close(), "close frame source"),
	)
}

// CollectMetrics implements profiler.MetricsCollector.
func (p *Producer) CollectMetrics() map[string]float64 {
	return map[string]float64{
		"producer.frames":           float64(p.frames.Load()),
		"producer.records":          float64(p.records.Load()),
		"producer.skipped":          float64(p.skipped.Load()),
		"producer.published":        float64(p.published.Load()),
		"producer.publish_failures": float64(p.failed.Load()),
	}
}
