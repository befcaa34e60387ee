// Package mqtt mirrors delivered batches to an MQTT broker for live
// dashboards. Publishing is best effort; the endpoint stays the source of truth.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cloudpico-beam/internal/config"
	"cloudpico-beam/internal/measurement"
	"cloudpico-beam/internal/telemetry"
)

var (
	ErrStopped      = errors.New("mqtt client stopped")
	ErrNotConnected = errors.New("mqtt client not connected")
)

const publishTimeout = 5 * time.Second

type Client struct {
	client    mqtt.Client
	host      string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Telemetry is the JSON document published per delivered batch.
type Telemetry struct {
	StationID   string    `json:"station_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature_c,omitempty"`
	Humidity    *float64  `json:"humidity_pct,omitempty"`
	Pressure    *float64  `json:"pressure_hpa,omitempty"`
	Sequence    *uint64   `json:"sequence,omitempty"`
}

// TelemetryFromBatch flattens a batch into one document. When a metric
// appears more than once, the latest measurement wins.
func TelemetryFromBatch(host string, b telemetry.Batch) Telemetry {
	id := b.ID
	doc := Telemetry{StationID: host, Sequence: &id}

	for _, m := range b.Measurements {
		v, ok := m.Fields[measurement.FieldValue]
		if !ok {
			continue
		}
		switch telemetry.Metric(m.Name) {
		case telemetry.MetricTemperature:
			doc.Temperature = &v
		case telemetry.MetricHumidity:
			doc.Humidity = &v
		case telemetry.MetricPressure:
			doc.Pressure = &v
		default:
			continue
		}
		if m.Timestamp.After(doc.Timestamp) {
			doc.Timestamp = m.Timestamp
		}
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = b.CreatedAt
	}
	return doc
}

// Topic is where telemetry for host is published.
func Topic(host string) string {
	return fmt.Sprintf("stations/%s/telemetry", host)
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		host:   cfg.HostTag,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the initial connection. It returns early when ctx is
// done or Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry the token may stay pending while paho retries.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// PublishBatch publishes b as a QoS 1 telemetry document. It fails fast
// while the broker is unreachable.
func (c *Client) PublishBatch(b telemetry.Batch) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	topic := Topic(c.host)
	data, err := json.Marshal(TelemetryFromBatch(c.host, b))
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	token := c.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	c.logger.Debug("published telemetry", "topic", topic, "batch_id", b.ID)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect is idempotent. Afterwards Connect returns ErrStopped.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Paho quiesces in-flight work for the given milliseconds.
	c.client.Disconnect(250)

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
