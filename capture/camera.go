// Package capture - Frame sources for the producer loop.
package capture

import (
	"time"

	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	// DefaultWidth is the requested capture width.
	DefaultWidth = 640
	// DefaultHeight is the requested capture height.
	DefaultHeight = 480
)

// CameraConfig selects a capture device or a video file.
type CameraConfig struct {
	// Device is the capture device index, used when Video is empty.
	Device int
	// Video is a video file or stream URL.
	Video string
	// Width and Height are the requested frame size for devices.
	Width, Height int
}

// Camera reads frames through OpenCV. It implements pipeline.FrameSource.
type Camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	file    bool
	name    string
	next    int
	logger  *zap.Logger
}

// OpenCamera opens a device or a video file.
//
// Arguments:
//   - cfg: The source configuration.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Camera: The open source.
//   - error: An error if the device or file cannot be opened.
func OpenCamera(cfg CameraConfig, logger *zap.Logger) (*Camera, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}

	var (
		vc   *gocv.VideoCapture
		err  error
		name string
	)
	if cfg.Video != "" {
		name = cfg.Video
		vc, err = gocv.OpenVideoCapture(cfg.Video)
	} else {
		name = "device"
		vc, err = gocv.OpenVideoCapture(cfg.Device)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, errors.Errorf("open %s: capture not opened", name)
	}

	if cfg.Video == "" {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	logger.Info("capture opened",
		zap.String("source", name),
		zap.Int("device", cfg.Device),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))

	return &Camera{
		capture: vc,
		mat:     gocv.NewMat(),
		file:    cfg.Video != "",
		name:    name,
		logger:  logger,
	}, nil
}

// Next implements pipeline.FrameSource. A failed read on a video file is the
// end of the stream; on a device it is an error.
func (c *Camera) Next() (pipeline.Frame, error) {
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		if c.file {
			return pipeline.Frame{}, pipeline.ErrEndOfStream
		}
		return pipeline.Frame{}, errors.Errorf("cannot read %s", c.name)
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return pipeline.Frame{}, errors.Wrap(err, "convert frame")
	}

	c.next++
	return pipeline.Frame{ID: c.next, Image: img, Timestamp: time.Now()}, nil
}

// Close releases the capture.
func (c *Camera) Close() error {
	if err := c.mat.Close(); err != nil {
		return err
	}
	return c.capture.Close()
}
