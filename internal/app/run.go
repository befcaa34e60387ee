// Package app wires the sensor, buffer, transmitter and ops endpoints into
// the long-running forwarding process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"cloudpico-beam/internal/buffer"
	"cloudpico-beam/internal/config"
	"cloudpico-beam/internal/httpapi"
	"cloudpico-beam/internal/influx"
	"cloudpico-beam/internal/metrics"
	"cloudpico-beam/internal/mqtt"
	"cloudpico-beam/internal/sensor"
	"cloudpico-beam/internal/transmit"
)

// Run opens the sensor and forwards measurements until ctx is cancelled.
// Failing to open the sensor or bind the HTTP listener is returned as an
// error; everything after startup is logged and survived.
func Run(ctx context.Context, cfg config.Config, ep config.Endpoint, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := openSensor(cfg)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("sensor close failed", "error", err)
		}
	}()

	logger.Info("initializing forwarder",
		"sensor_driver", cfg.SensorDriver,
		"endpoint", ep.String(),
		"sample_interval", cfg.SampleInterval,
		"buffer_capacity", cfg.BufferCapacity,
		"buffer_policy", cfg.BufferPolicy.String(),
		"http_addr", cfg.HTTPAddr,
		"mqtt_broker", cfg.MQTTBroker,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	buf := buffer.New(buffer.Options{
		Capacity:     cfg.BufferCapacity,
		Policy:       cfg.BufferPolicy,
		ReclaimAfter: cfg.ReclaimAfter,
	})
	metrics.RegisterBuffer(reg, buf)

	g, gctx := errgroup.WithContext(ctx)

	var mirror transmit.Mirror
	if cfg.MQTTBroker != "" {
		client := mqtt.NewClient(cfg, logger)
		defer client.Disconnect()
		mirror = client

		g.Go(func() error {
			if err := client.Connect(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("mqtt connect failed; continuing without mirror", "error", err)
			}
			return nil
		})
	}

	tr := transmit.New(influx.NewWriter(&http.Client{}), ep, transmit.Options{
		Timeout:    cfg.SendTimeout,
		DrainMax:   cfg.DrainMax,
		MaxRetries: cfg.MaxRetries,
		Backoff: transmit.Backoff{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Jitter:  transmit.DefaultBackoff().Jitter,
		},
		Metrics: m,
		Mirror:  mirror,
		Logger:  logger,
	})

	loop := NewLoop(src, buf, LoopOptions{
		Host:     cfg.HostTag,
		Interval: cfg.SampleInterval,
		Metrics:  m,
		Logger:   logger,
	})

	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return tr.Run(gctx, buf) })

	if cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(loop, reg), logger)
		g.Go(func() error {
			if err := httpapi.Serve(gctx, srv, logger); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()

	st := buf.Stats()
	logger.Info("forwarder stopped",
		"unsent_batches", buf.Len(),
		"delivered", st.Delivered,
		"evicted", st.Evicted,
		"dropped", st.Dropped,
		"rejected", st.Rejected,
	)
	return err
}

func openSensor(cfg config.Config) (*sensor.Source, error) {
	switch cfg.SensorDriver {
	case config.SensorDriverSim:
		return sensor.NewSource(sensor.NewSimulated()), nil
	case config.SensorDriverBME280, "":
		return sensor.OpenBME280(cfg.BME280Address)
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", cfg.SensorDriver)
	}
}
