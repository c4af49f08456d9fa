// Package test - Mocks and end-to-end tests for the detection bus.
package test

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/pkg/errors"
)

// MockFrameSource yields deterministic frames.
//
// Arguments:
//   - None.
//
// Returns:
//   - A frame source with a fixed number of mid-gray frames.
//
// @example
// src := NewMockFrameSource(640, 480, 3)
// frame, err := src.Next()
type MockFrameSource struct {
	width  int
	height int
	frames int

	mu          sync.Mutex
	served      int
	closed      bool
	shouldError bool
	// gate, when set, is received from before every frame.
	gate chan struct{}
}

// NewMockFrameSource creates a frame source with specified dimensions.
//
// Arguments:
//   - width: Frame width in pixels.
//   - height: Frame height in pixels.
//   - frames: Number of frames before end of stream.
//
// Returns:
//   - A configured MockFrameSource instance.
func NewMockFrameSource(width, height, frames int) *MockFrameSource {
	return &MockFrameSource{width: width, height: height, frames: frames}
}

// Gated makes every Next wait for a value on the returned channel.
func (m *MockFrameSource) Gated() chan<- struct{} {
	m.gate = make(chan struct{})
	return m.gate
}

// FailNext makes the next frame fail.
func (m *MockFrameSource) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
}

// Next implements pipeline.FrameSource.
func (m *MockFrameSource) Next() (pipeline.Frame, error) {
	if m.gate != nil {
		if _, ok := <-m.gate; !ok {
			return pipeline.Frame{}, pipeline.ErrEndOfStream
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return pipeline.Frame{}, errors.New("mock capture failure")
	}
	if m.served >= m.frames {
		return pipeline.Frame{}, pipeline.ErrEndOfStream
	}
	m.served++

	img := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			img.Set(x, y, gray)
		}
	}
	return pipeline.Frame{ID: m.served, Image: img, Timestamp: time.Now()}, nil
}

// Close implements pipeline.FrameSource.
func (m *MockFrameSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockFrameSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDetector returns scripted detections per frame id.
type MockDetector struct {
	mu          sync.Mutex
	outputs     map[int][]detection.Raw
	shouldError bool
}

// NewMockDetector creates a detector with no detections for any frame.
func NewMockDetector() *MockDetector {
	return &MockDetector{outputs: make(map[int][]detection.Raw)}
}

// On scripts the detections returned for a frame id.
func (m *MockDetector) On(frameID int, raws ...detection.Raw) *MockDetector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[frameID] = raws
	return m
}

// Fail makes every later Detect fail.
func (m *MockDetector) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldError = true
}

// Detect implements pipeline.Detector.
func (m *MockDetector) Detect(frame pipeline.Frame) ([]detection.Raw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return nil, errors.New("mock inference failure")
	}
	return m.outputs[frame.ID], nil
}
