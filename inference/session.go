// Package inference - YOLOv8 object detection through ONNX Runtime.
package inference

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// Execution providers.
const (
	ProviderCPU      = "cpu"
	ProviderCoreML   = "coreml"
	ProviderOpenVINO = "openvino"
	ProviderCUDA     = "cuda"
)

// SessionConfig describes an ONNX Runtime session with one float32 input
// and one float32 output.
type SessionConfig struct {
	ModelPath     string
	SharedLibrary string
	Provider      string
	InputName     string
	OutputName    string
	InputShape    []int64
	OutputShape   []int64
	// IntraOpThreads and InterOpThreads are 0 for the runtime default.
	IntraOpThreads int
	InterOpThreads int
}

// Session represents a model session from the onnxruntime.
type Session struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

var environment struct {
	once sync.Once
	err  error
}

// initEnvironment loads the runtime library once per process.
func initEnvironment(libPath string) error {
	environment.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libPath != "" {
			if _, err := os.Stat(libPath); err != nil {
				environment.err = errors.Wrapf(err, "onnxruntime library %s", libPath)
				return
			}
			ort.SetSharedLibraryPath(libPath)
		}
		environment.err = errors.Wrap(ort.InitializeEnvironment(), "initialize onnxruntime")
	})
	return environment.err
}

// NewSession creates a session with preallocated input and output tensors.
//
// Arguments:
//   - cfg: The session configuration.
//
// Returns:
//   - *Session: The session.
//   - error: An error if the runtime, model or provider cannot be loaded.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.OutputShape...))
	if err != nil {
		_ = input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	s := &Session{Input: input, Output: output}

	options, err := sessionOptions(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	defer options.Destroy()

	s.Session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		options,
	)
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrapf(err, "load model %s", cfg.ModelPath)
	}
	return s, nil
}

func sessionOptions(cfg SessionConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}

	err = multierr.Combine(
		options.SetIntraOpNumThreads(cfg.IntraOpThreads),
		options.SetInterOpNumThreads(cfg.InterOpThreads),
		options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended),
		appendProvider(options, cfg),
	)
	if err != nil {
		_ = options.Destroy()
		return nil, errors.Wrap(err, "configure session options")
	}
	return options, nil
}

// appendProvider enables the configured execution provider. The CPU provider
// is always available and needs no registration.
func appendProvider(options *ort.SessionOptions, cfg SessionConfig) error {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderCPU:
		return nil
	case ProviderCoreML:
		return errors.Wrap(options.AppendExecutionProviderCoreML(0), "enable coreml")
	case ProviderOpenVINO:
		threads := cfg.IntraOpThreads
		if threads <= 0 {
			threads = 4
		}
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type":    "CPU",
			"precision":      "FP32",
			"num_of_threads": strconv.Itoa(threads),
		}), "enable openvino")
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "create cuda options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return errors.Wrap(err, "configure cuda")
		}
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enable cuda")
	default:
		return errors.Errorf("unknown execution provider %q", cfg.Provider)
	}
}

// Run executes the model on the current input tensor.
func (s *Session) Run() error {
	return s.Session.Run()
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	var err error
	if s.Session != nil {
		err = multierr.Append(err, s.Session.Destroy())
		s.Session = nil
	}
	if s.Input != nil {
		err = multierr.Append(err, s.Input.Destroy())
		s.Input = nil
	}
	if s.Output != nil {
		err = multierr.Append(err, s.Output.Destroy())
		s.Output = nil
	}
	return err
}
