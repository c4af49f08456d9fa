// Command detectpub captures frames, detects objects and publishes the
// filtered detections on the bus.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-ai/go-detbus/bus"
	"github.com/nvr-ai/go-detbus/bus/mqttbus"
	"github.com/nvr-ai/go-detbus/bus/wsbus"
	"github.com/nvr-ai/go-detbus/capture"
	"github.com/nvr-ai/go-detbus/codec"
	"github.com/nvr-ai/go-detbus/config"
	"github.com/nvr-ai/go-detbus/inference"
	"github.com/nvr-ai/go-detbus/logging"
	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/nvr-ai/go-detbus/profiler"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// shutdownGrace bounds the wait for a capture or inference call that is
// still running when a signal arrives.
const shutdownGrace = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "detectpub",
		Usage: "publish object detections from a camera, video or image directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "endpoint", Usage: "websocket host:port to bind"},
			&cli.StringFlag{Name: "transport", Usage: "websocket or mqtt"},
			&cli.StringFlag{Name: "codec", Usage: "json or msgpack"},
			&cli.StringFlag{Name: "broker", Usage: "MQTT broker URL"},
			&cli.Float64Flag{Name: "threshold", Usage: "minimum confidence published"},
			&cli.IntFlag{Name: "device", Usage: "capture device index"},
			&cli.StringFlag{Name: "video", Usage: "video file or stream URL"},
			&cli.StringFlag{Name: "dir", Usage: "directory of frame-N images"},
			&cli.StringFlag{Name: "model", Usage: "YOLOv8 ONNX model"},
			&cli.StringFlag{Name: "ort-lib", Usage: "onnxruntime shared library"},
			&cli.StringFlag{Name: "provider", Usage: "cpu, coreml, openvino or cuda"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "dev", Usage: "human readable logs"},
			&cli.BoolFlag{Name: "profile", Usage: "periodic runtime status reports"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "detectpub:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if c.IsSet("endpoint") {
		cfg.Bus.Endpoint = c.String("endpoint")
	}
	if c.IsSet("transport") {
		cfg.Bus.Transport = c.String("transport")
	}
	if c.IsSet("codec") {
		cfg.Bus.Codec = c.String("codec")
	}
	if c.IsSet("broker") {
		cfg.Bus.MQTT.Broker = c.String("broker")
	}
	if c.IsSet("threshold") {
		cfg.Producer.ConfidenceThreshold = c.Float64("threshold")
	}
	if c.IsSet("device") {
		cfg.Producer.Source.Device = c.Int("device")
	}
	if c.IsSet("video") {
		cfg.Producer.Source.Video = c.String("video")
	}
	if c.IsSet("dir") {
		cfg.Producer.Source.Directory = c.String("dir")
	}
	if c.IsSet("model") {
		cfg.Producer.Model.Path = c.String("model")
	}
	if c.IsSet("ort-lib") {
		cfg.Producer.Model.SharedLibrary = c.String("ort-lib")
	}
	if c.IsSet("provider") {
		cfg.Producer.Model.Provider = c.String("provider")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("dev") {
		cfg.Log.Development = c.Bool("dev")
	}
	if c.IsSet("profile") {
		cfg.Profiler.Enabled = c.Bool("profile")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wire, err := codec.ByName(cfg.Bus.Codec)
	if err != nil {
		return err
	}

	detector, err := inference.NewYOLO(inference.YOLOConfig{
		ModelPath:          cfg.Producer.Model.Path,
		SharedLibrary:      cfg.Producer.Model.SharedLibrary,
		Provider:           cfg.Producer.Model.Provider,
		InputSize:          cfg.Producer.Model.InputSize,
		Classes:            cfg.Producer.Model.LabelTable().Len(),
		CandidateThreshold: cfg.Producer.Model.CandidateThreshold,
		NMSThreshold:       cfg.Producer.Model.NMSThreshold,
	}, logger)
	if err != nil {
		return err
	}
	abandoned := false
	defer func() {
		// A loop abandoned inside Detect may still hold the session.
		if !abandoned {
			err = multierr.Append(err, detector.Close())
		}
	}()

	source, err := openSource(cfg.Producer.Source, logger)
	if err != nil {
		return err
	}

	broadcaster, err := openBroadcaster(cfg.Bus, wire, logger)
	if err != nil {
		return multierr.Append(err, source.Close())
	}

	var timer pipeline.Timer
	var rp *profiler.RuntimeProfiler
	if cfg.Profiler.Enabled {
		rp = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
			ReportInterval: cfg.Profiler.ReportInterval,
			Logger:         logger.Named("profiler"),
		})
		timer = rp
	}

	producer, err := pipeline.NewProducer(pipeline.ProducerConfig{
		Source:    source,
		Detector:  detector,
		Labels:    cfg.Producer.Model.LabelTable(),
		Threshold: cfg.Producer.ConfidenceThreshold,
		Publisher: bus.NewPublisher(wire, broadcaster, logger),
		Timer:     timer,
		Logger:    logger.Named("producer"),
	})
	if err != nil {
		return multierr.Combine(err, broadcaster.Close(), source.Close())
	}

	if rp != nil {
		rp.AddMetricsCollector(producer)
		rp.Start()
		defer rp.Stop()
	}

	err = producer.RunContext(ctx, shutdownGrace)
	abandoned = errors.Is(err, pipeline.ErrStopTimeout)
	return err
}

func openSource(cfg config.SourceConfig, logger *zap.Logger) (pipeline.FrameSource, error) {
	if cfg.Directory != "" {
		logger.Info("replaying image directory", zap.String("dir", cfg.Directory))
		dir, err := capture.OpenDirectory(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return dir, nil
	}
	camera, err := capture.OpenCamera(capture.CameraConfig{
		Device: cfg.Device,
		Video:  cfg.Video,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, logger)
	if err != nil {
		return nil, err
	}
	return camera, nil
}

func openBroadcaster(cfg config.BusConfig, wire codec.Codec, logger *zap.Logger) (bus.Broadcaster, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		client, err := mqttbus.Connect(mqttbus.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return mqttbus.NewPublisher(client, cfg.MQTT.Topic, logger), nil
	case config.TransportWebsocket:
		srv, err := wsbus.Listen(wsbus.ServerConfig{
			Endpoint:      cfg.Endpoint,
			HighWaterMark: cfg.HighWaterMark,
			Binary:        wire.Name() == codec.MsgpackName,
		}, logger)
		if err != nil {
			return nil, err
		}
		return srv, nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}
