// Package config - YAML configuration for the producer and consumer commands.
package config

import (
	"net"
	"os"
	"time"

	"github.com/nvr-ai/go-detbus/bus"
	"github.com/nvr-ai/go-detbus/codec"
	"github.com/nvr-ai/go-detbus/detection"
	"github.com/nvr-ai/go-detbus/inference"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportWebsocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config is the full configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Producer ProducerConfig `yaml:"producer"`
	Log      LogConfig      `yaml:"log"`
	Profiler ProfilerConfig `yaml:"profiler"`
}

// BusConfig selects and configures the transport.
type BusConfig struct {
	// Endpoint is the websocket host:port.
	Endpoint string `yaml:"endpoint"`
	// Transport is websocket or mqtt.
	Transport string `yaml:"transport"`
	// Codec is json or msgpack.
	Codec string `yaml:"codec"`
	// HighWaterMark is the per-subscriber queue length.
	HighWaterMark int `yaml:"high_water_mark"`
	// ReconnectInterval is the consumer's pause between reconnects.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MQTT              MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// ProducerConfig configures the producer loop.
type ProducerConfig struct {
	ConfidenceThreshold float64      `yaml:"confidence_threshold"`
	Source              SourceConfig `yaml:"source"`
	Model               ModelConfig  `yaml:"model"`
}

// SourceConfig selects the frame source. Directory wins over Video, Video
// over Device.
type SourceConfig struct {
	Device    int    `yaml:"device"`
	Video     string `yaml:"video"`
	Directory string `yaml:"directory"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
}

// ModelConfig configures the YOLO detector.
type ModelConfig struct {
	Path               string   `yaml:"path"`
	SharedLibrary      string   `yaml:"shared_library"`
	Provider           string   `yaml:"provider"`
	InputSize          int      `yaml:"input_size"`
	CandidateThreshold float32  `yaml:"candidate_threshold"`
	NMSThreshold       float32  `yaml:"nms_threshold"`
	// Labels overrides the class names; empty for the 80 COCO classes.
	Labels             []string `yaml:"labels"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ProfilerConfig configures the runtime profiler.
type ProfilerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Bus: BusConfig{
			Endpoint:          "localhost:5555",
			Transport:         TransportWebsocket,
			Codec:             codec.JSONName,
			HighWaterMark:     bus.DefaultHighWaterMark,
			ReconnectInterval: 2 * time.Second,
			MQTT: MQTTConfig{
				Broker: "tcp://localhost:1883",
				Topic:  "detections",
			},
		},
		Producer: ProducerConfig{
			ConfidenceThreshold: detection.DefaultThreshold,
			Source: SourceConfig{
				Width:  640,
				Height: 480,
			},
			Model: ModelConfig{
				Path:               "yolov8n.onnx",
				Provider:           inference.ProviderCPU,
				InputSize:          inference.DefaultInputSize,
				CandidateThreshold: inference.DefaultCandidateThreshold,
				NMSThreshold:       inference.DefaultNMSThreshold,
			},
		},
		Log: LogConfig{Level: "info"},
		Profiler: ProfilerConfig{
			ReportInterval: 10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The file path.
//
// Returns:
//   - Config: The configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Bus.Transport {
	case TransportWebsocket:
		if _, _, err := net.SplitHostPort(c.Bus.Endpoint); err != nil {
			return errors.Wrapf(err, "bus.endpoint %q", c.Bus.Endpoint)
		}
	case TransportMQTT:
		if c.Bus.MQTT.Broker == "" {
			return errors.New("bus.mqtt.broker is required")
		}
	default:
		return errors.Errorf("bus.transport %q: want %s or %s", c.Bus.Transport, TransportWebsocket, TransportMQTT)
	}
	if _, err := codec.ByName(c.Bus.Codec); err != nil {
		return errors.Wrap(err, "bus.codec")
	}
	if c.Bus.HighWaterMark <= 0 {
		return errors.Errorf("bus.high_water_mark %d: must be positive", c.Bus.HighWaterMark)
	}
	if c.Bus.ReconnectInterval <= 0 {
		return errors.Errorf("bus.reconnect_interval %s: must be positive", c.Bus.ReconnectInterval)
	}

	p := c.Producer
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return errors.Errorf("producer.confidence_threshold %v: must be in [0,1]", p.ConfidenceThreshold)
	}
	if p.Model.CandidateThreshold < 0 || p.Model.CandidateThreshold > 1 {
		return errors.Errorf("producer.model.candidate_threshold %v: must be in [0,1]", p.Model.CandidateThreshold)
	}
	if p.Model.NMSThreshold < 0 || p.Model.NMSThreshold > 1 {
		return errors.Errorf("producer.model.nms_threshold %v: must be in [0,1]", p.Model.NMSThreshold)
	}
	if p.Model.InputSize <= 0 || p.Model.InputSize%32 != 0 {
		return errors.Errorf("producer.model.input_size %d: must be a positive multiple of 32", p.Model.InputSize)
	}
	return nil
}

// LabelTable returns the configured class table.
func (m ModelConfig) LabelTable() detection.Labels {
	if len(m.Labels) == 0 {
		return detection.YOLOLabels()
	}
	return detection.NewLabels(m.Labels)
}
