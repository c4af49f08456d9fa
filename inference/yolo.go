package inference

import (
	"sync"

	"github.com/nvr-ai/go-detbus/detection"
	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// YOLO defaults, matching the Ultralytics predictor.
const (
	DefaultInputSize          = 640
	DefaultCandidateThreshold = 0.25
	DefaultNMSThreshold       = 0.7
	DefaultMaxDetections      = 300
)

// YOLOConfig configures a YOLOv8 detector.
type YOLOConfig struct {
	// ModelPath is the exported .onnx model.
	ModelPath string
	// SharedLibrary is the onnxruntime shared library, empty for the
	// platform default search path.
	SharedLibrary string
	// Provider is one of cpu, coreml, openvino, cuda.
	Provider string
	// InputSize is the square model input edge.
	InputSize int
	// Classes is the number of classes the model predicts.
	Classes int
	// CandidateThreshold, NMSThreshold and MaxDetections control
	// postprocessing.
	CandidateThreshold float32
	NMSThreshold       float32
	MaxDetections      int
	// IntraOpThreads and InterOpThreads size the runtime thread pools.
	IntraOpThreads int
	InterOpThreads int
}

func (c *YOLOConfig) defaults() {
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.Classes <= 0 {
		c.Classes = len(detection.YOLOClasses)
	}
	if c.CandidateThreshold <= 0 {
		c.CandidateThreshold = DefaultCandidateThreshold
	}
	if c.NMSThreshold <= 0 {
		c.NMSThreshold = DefaultNMSThreshold
	}
	if c.MaxDetections <= 0 {
		c.MaxDetections = DefaultMaxDetections
	}
}

// YOLO detects objects with a YOLOv8 ONNX model. It implements
// pipeline.Detector.
type YOLO struct {
	mu      sync.Mutex
	session *Session
	post    PostprocessConfig
	logger  *zap.Logger
}

// NewYOLO loads a model.
//
// Arguments:
//   - cfg: The detector configuration.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *YOLO: The detector.
//   - error: An error if the model cannot be loaded.
func NewYOLO(cfg YOLOConfig, logger *zap.Logger) (*YOLO, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("yolo: model path is required")
	}
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	size := int64(cfg.InputSize)
	session, err := NewSession(SessionConfig{
		ModelPath:      cfg.ModelPath,
		SharedLibrary:  cfg.SharedLibrary,
		Provider:       cfg.Provider,
		InputName:      "images",
		OutputName:     "output0",
		InputShape:     []int64{1, 3, size, size},
		OutputShape:    []int64{1, int64(4 + cfg.Classes), int64(Anchors(cfg.InputSize))},
		IntraOpThreads: cfg.IntraOpThreads,
		InterOpThreads: cfg.InterOpThreads,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("model loaded",
		zap.String("model", cfg.ModelPath),
		zap.String("provider", cfg.Provider),
		zap.Int("input_size", cfg.InputSize),
		zap.Int("classes", cfg.Classes))

	return &YOLO{
		session: session,
		post: PostprocessConfig{
			InputSize:          cfg.InputSize,
			Classes:            cfg.Classes,
			CandidateThreshold: cfg.CandidateThreshold,
			NMSThreshold:       cfg.NMSThreshold,
			MaxDetections:      cfg.MaxDetections,
		},
		logger: logger,
	}, nil
}

// Detect implements pipeline.Detector.
func (y *YOLO) Detect(frame pipeline.Frame) ([]detection.Raw, error) {
	if frame.Image == nil {
		return nil, errors.Errorf("frame %d has no image", frame.ID)
	}

	y.mu.Lock()
	defer y.mu.Unlock()
	if y.session == nil {
		return nil, errors.New("yolo: detector closed")
	}

	if err := PrepareInput(frame.Image, y.post.InputSize, y.session.Input.GetData()); err != nil {
		return nil, errors.Wrap(err, "prepare input")
	}
	if err := y.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run model")
	}

	bounds := frame.Image.Bounds()
	return Postprocess(y.session.Output.GetData(), y.post, bounds.Dx(), bounds.Dy())
}

// Postprocess decodes, suppresses and converts one output tensor.
func Postprocess(output []float32, cfg PostprocessConfig, width, height int) ([]detection.Raw, error) {
	candidates, err := DecodeOutput(output, cfg, width, height)
	if err != nil {
		return nil, err
	}
	kept := ApplyGreedyNMS(candidates, cfg.NMSThreshold, cfg.MaxDetections)

	raws := make([]detection.Raw, 0, len(kept))
	for i := range kept {
		raws = append(raws, kept[i].Raw())
	}
	return raws, nil
}

// Close releases the session.
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.session == nil {
		return nil
	}
	err := y.session.Close()
	y.session = nil
	return err
}
