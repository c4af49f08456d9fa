// Package pipeline - Producer and consumer loops around the detection bus.
//
// A Producer turns frames into published batches; a Consumer turns received
// messages into handler calls. Each loop runs sequential cycles on the
// goroutine that calls Run and owns the bus endpoint it was given.
package pipeline

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrEndOfStream is returned by a FrameSource that has no more frames.
var ErrEndOfStream = errors.New("end of stream")

// Frame is a single frame of video.
type Frame struct {
	ID        int
	Image     image.Image
	Timestamp time.Time
}

// FrameSource yields frames one at a time.
type FrameSource interface {
	// Next blocks until a frame is available. It returns ErrEndOfStream
	// once the source is exhausted.
	Next() (Frame, error)
	Close() error
}

// Detector runs a model over a frame.
type Detector interface {
	Detect(frame Frame) ([]detection.Raw, error)
}

// Handler is the application callback for decoded batches.
type Handler func(batch detection.Batch)

// BatchPublisher sends batches on the bus.
type BatchPublisher interface {
	Publish(batch detection.Batch) error
	Close() error
}

// Timer times named operations.
type Timer interface {
	StartOperation(name string) func()
}

// LogHandler returns a handler that logs one line per record.
//
// Arguments:
//   - logger: The logger.
//
// Returns:
//   - Handler: The handler.
func LogHandler(logger *zap.Logger) Handler {
	return func(batch detection.Batch) {
		for _, rec := range batch {
			logger.Info(rec.String(),
				zap.String("label", rec.Label),
				zap.Int("x", rec.CenterX),
				zap.Int("y", rec.CenterY),
				zap.Int("w", rec.Width),
				zap.Int("h", rec.Height),
				zap.Float64("conf", rec.Confidence))
		}
	}
}

// Control is the run flag owned by a loop.
type Control int32

const (
	// Running keeps the loop cycling.
	Running Control = iota
	// Stopped ends the loop after the current blocking call returns.
	Stopped
)

func (c Control) String() string {
	if c == Stopped {
		return "stopped"
	}
	return "running"
}

// control is an atomically updated Control.
type control struct {
	v atomic.Int32
}

func (c *control) load() Control {
	return Control(c.v.Load())
}

func (c *control) stop() {
	c.v.Store(int32(Stopped))
}

type noopTimer struct{}

func (noopTimer) StartOperation(string) func() { return func() {} }
