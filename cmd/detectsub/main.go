// Command detectsub subscribes to the detection bus and logs every record.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/go-detbus/bus"
	"github.com/nvr-ai/go-detbus/bus/mqttbus"
	"github.com/nvr-ai/go-detbus/bus/wsbus"
	"github.com/nvr-ai/go-detbus/codec"
	"github.com/nvr-ai/go-detbus/config"
	"github.com/nvr-ai/go-detbus/detection"
	"github.com/nvr-ai/go-detbus/logging"
	"github.com/nvr-ai/go-detbus/pipeline"
	"github.com/nvr-ai/go-detbus/profiler"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "detectsub",
		Usage: "print object detections received from the bus",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "endpoint", Usage: "websocket host:port of the publisher"},
			&cli.StringFlag{Name: "transport", Usage: "websocket or mqtt"},
			&cli.StringFlag{Name: "codec", Usage: "json or msgpack"},
			&cli.StringFlag{Name: "broker", Usage: "MQTT broker URL"},
			&cli.BoolFlag{Name: "print", Usage: "print records to stdout instead of logging them"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "dev", Usage: "human readable logs"},
			&cli.BoolFlag{Name: "profile", Usage: "periodic runtime status reports"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "detectsub:", err)
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

func run(c *cli.Context) error {
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

	subscriber, err := openSubscriber(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}

	handler := pipeline.LogHandler(logger.Named("detections"))
	if c.Bool("print") {
		handler = func(batch detection.Batch) {
			for _, rec := range batch {
				fmt.Println(rec)
			}
		}
	}

	consumer, err := pipeline.NewConsumer(pipeline.ConsumerConfig{
		Subscriber: subscriber,
		Codec:      wire,
		Handler:    handler,
		Logger:     logger.Named("consumer"),
	})
	if err != nil {
		_ = subscriber.Close()
		return err
	}

	if cfg.Profiler.Enabled {
		rp := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
			ReportInterval: cfg.Profiler.ReportInterval,
			Logger:         logger.Named("profiler"),
		})
		rp.AddMetricsCollector(consumer)
		rp.Start()
		defer rp.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer cancel()
		return consumer.Run()
	})
	g.Go(func() error {
		<-runCtx.Done()
		consumer.Stop()
		return nil
	})
	return g.Wait()
}

func openSubscriber(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (bus.Subscriber, error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		sub, err := mqttbus.Listen(mqttbus.Config{
			Broker:        cfg.MQTT.Broker,
			Topic:         cfg.MQTT.Topic,
			ClientID:      cfg.MQTT.ClientID,
			HighWaterMark: cfg.HighWaterMark,
		}, logger)
		if err != nil {
			return nil, err
		}
		return sub, nil
	case config.TransportWebsocket:
		client, err := wsbus.Dial(ctx, wsbus.ClientConfig{
			Endpoint:          cfg.Endpoint,
			ReconnectInterval: cfg.ReconnectInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}
