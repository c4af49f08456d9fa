package test

import (
	"context"
	"testing"
	"time"

	"github.com/nvr-ai/go-detbus/bus"
	"github.com/nvr-ai/go-detbus/bus/wsbus"
	"github.com/nvr-ai/go-detbus/codec"
	"github.com/nvr-ai/go-detbus/detection"
	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	person = detection.Raw{Box: detection.BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 220}, ClassID: 0, Confidence: 0.91}
	cup    = detection.Raw{Box: detection.BoundingBox{X1: 5, Y1: 5, X2: 25, Y2: 25}, ClassID: 41, Confidence: 0.3}
	car    = detection.Raw{Box: detection.BoundingBox{X1: 100, Y1: 100, X2: 301, Y2: 181}, ClassID: 2, Confidence: 0.6666}
)

// consumer runs a consumer loop whose batches arrive on the returned channel.
type consumer struct {
	loop    *pipeline.Consumer
	batches chan detection.Batch
	done    chan error
}

func startConsumer(t *testing.T, sub bus.Subscriber, c codec.Codec) *consumer {
	t.Helper()
	batches := make(chan detection.Batch, 16)
	loop, err := pipeline.NewConsumer(pipeline.ConsumerConfig{
		Subscriber: sub,
		Codec:      c,
		Handler:    func(b detection.Batch) { batches <- b },
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	cons := &consumer{loop: loop, batches: batches, done: make(chan error, 1)}
	go func() { cons.done <- loop.Run() }()
	return cons
}

func (c *consumer) next(t *testing.T) detection.Batch {
	t.Helper()
	select {
	case b := <-c.batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func (c *consumer) stop(t *testing.T) {
	t.Helper()
	c.loop.Stop()
	select {
	case err := <-c.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, pipeline.StateConsumerStopped, c.loop.State())
}

func TestEndToEndOverWebsocket(t *testing.T) {
	logger := zaptest.NewLogger(t)

	srv, err := wsbus.Listen(wsbus.ServerConfig{Endpoint: "127.0.0.1:0"}, logger)
	require.NoError(t, err)

	dial := func() *wsbus.Client {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := wsbus.Dial(ctx, wsbus.ClientConfig{Endpoint: srv.Addr(), ReconnectInterval: 10 * time.Millisecond}, logger)
		require.NoError(t, err)
		return c
	}

	a := startConsumer(t, dial(), codec.JSON{})
	b := startConsumer(t, dial(), codec.JSON{})

	source := NewMockFrameSource(320, 240, 3)
	gate := source.Gated()
	detector := NewMockDetector().
		On(1, person, cup).
		On(3, car)

	producer, err := pipeline.NewProducer(pipeline.ProducerConfig{
		Source:    source,
		Detector:  detector,
		Labels:    detection.YOLOLabels(),
		Threshold: detection.DefaultThreshold,
		Publisher: bus.NewPublisher(codec.JSON{}, srv, logger),
		Logger:    logger,
	})
	require.NoError(t, err)

	produced := make(chan error, 1)
	go func() { produced <- producer.Run() }()

	// Frame 1: the person survives the threshold, the cup does not.
	gate <- struct{}{}
	want := detection.Batch{{Label: "person", Confidence: 0.91, CenterX: 60, CenterY: 120, Width: 100, Height: 200}}
	assert.Equal(t, want, a.next(t))
	assert.Equal(t, want, b.next(t))

	// Frame 2 has no detections and sends nothing.
	gate <- struct{}{}

	late := startConsumer(t, dial(), codec.JSON{})

	// Frame 3 reaches everyone; the late subscriber never sees frame 1.
	gate <- struct{}{}
	want = detection.Batch{{Label: "car", Confidence: 0.67, CenterX: 200, CenterY: 140, Width: 201, Height: 81}}
	assert.Equal(t, want, a.next(t))
	assert.Equal(t, want, b.next(t))
	assert.Equal(t, want, late.next(t))

	close(gate)
	select {
	case err := <-produced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop")
	}
	assert.Equal(t, pipeline.StateProducerStopped, producer.State())
	assert.True(t, source.Closed())

	for _, c := range []*consumer{a, b, late} {
		c.stop(t)
		assert.Empty(t, c.batches)
	}

	metrics := producer.CollectMetrics()
	assert.Equal(t, 3.0, metrics["producer.frames"])
	assert.Equal(t, 2.0, metrics["producer.published"])
}

func TestEndToEndInProcessMsgpack(t *testing.T) {
	logger := zaptest.NewLogger(t)
	hub := bus.NewHub(bus.DefaultHighWaterMark, logger)

	sub, err := hub.Subscribe()
	require.NoError(t, err)
	cons := startConsumer(t, sub, codec.Msgpack{})

	source := NewMockFrameSource(64, 64, 4)
	detector := NewMockDetector().
		On(1, person).
		On(2, detection.Raw{Box: detection.BoundingBox{X1: 30, Y1: 0, X2: 10, Y2: 5}, ClassID: 0, Confidence: 0.99}).
		On(4, car, person)

	producer, err := pipeline.NewProducer(pipeline.ProducerConfig{
		Source:    source,
		Detector:  detector,
		Labels:    detection.YOLOLabels(),
		Threshold: 0.5,
		Publisher: bus.NewPublisher(codec.Msgpack{}, hub, logger),
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, producer.Run())

	assert.Equal(t, "person", cons.next(t)[0].Label)
	last := cons.next(t)
	require.Len(t, last, 2)
	assert.Equal(t, "car", last[0].Label)
	assert.Equal(t, 0.67, last[0].Confidence)
	assert.Equal(t, "person", last[1].Label)

	// Closing the hub with the producer closed the subscription as well.
	select {
	case err := <-cons.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after the hub closed")
	}
	assert.Equal(t, uint64(2), hub.Published())
}

func TestProducerStopsOnCaptureFailure(t *testing.T) {
	hub := bus.NewHub(4, nil)
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	source := NewMockFrameSource(8, 8, 10)
	source.FailNext()

	producer, err := pipeline.NewProducer(pipeline.ProducerConfig{
		Source:    source,
		Detector:  NewMockDetector().On(1, person),
		Labels:    detection.YOLOLabels(),
		Threshold: 0.5,
		Publisher: bus.NewPublisher(codec.JSON{}, hub, nil),
	})
	require.NoError(t, err)

	err = producer.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mock capture failure")

	_, err = sub.Receive()
	assert.ErrorIs(t, err, bus.ErrClosed)
}
