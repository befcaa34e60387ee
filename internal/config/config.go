package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cloudpico-beam/internal/buffer"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HostTag  string

	SensorDriver   string
	BME280Address  uint16
	SampleInterval time.Duration

	SendTimeout    time.Duration
	BufferCapacity int
	BufferPolicy   buffer.Policy
	ReclaimAfter   time.Duration
	DrainMax       int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// HTTPAddr serves /healthz and /metrics. Empty disables the listener.
	HTTPAddr string

	// MQTTBroker enables the live mirror when set.
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
}

const (
	SensorDriverBME280 = "bme280"
	SensorDriverSim    = "sim"
)

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	hostTag := strings.TrimSpace(os.Getenv("HOST_TAG"))
	if hostTag == "" {
		hostTag = "dev"
	}

	sensorDriver := strings.ToLower(strings.TrimSpace(os.Getenv("SENSOR_DRIVER")))
	if sensorDriver == "" {
		sensorDriver = SensorDriverBME280
	}
	switch sensorDriver {
	case SensorDriverBME280, SensorDriverSim:
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_DRIVER %q (allowed: bme280, sim)", sensorDriver)
	}

	bme280AddressStr := strings.TrimSpace(os.Getenv("BME280_ADDRESS"))
	if bme280AddressStr == "" {
		bme280AddressStr = "0x76"
	}
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}

	sampleInterval, err := positiveDuration("SAMPLE_INTERVAL", "10s")
	if err != nil {
		return Config{}, err
	}
	sendTimeout, err := positiveDuration("SEND_TIMEOUT", "30s")
	if err != nil {
		return Config{}, err
	}
	reclaimAfter, err := positiveDuration("RECLAIM_AFTER", "2m")
	if err != nil {
		return Config{}, err
	}
	if reclaimAfter <= sendTimeout {
		return Config{}, fmt.Errorf("RECLAIM_AFTER (%v) must exceed SEND_TIMEOUT (%v)", reclaimAfter, sendTimeout)
	}
	backoffInitial, err := positiveDuration("BACKOFF_INITIAL", "1s")
	if err != nil {
		return Config{}, err
	}
	backoffMax, err := positiveDuration("BACKOFF_MAX", "60s")
	if err != nil {
		return Config{}, err
	}
	if backoffMax < backoffInitial {
		return Config{}, fmt.Errorf("BACKOFF_MAX (%v) must not be below BACKOFF_INITIAL (%v)", backoffMax, backoffInitial)
	}

	bufferCapacity, err := intFromEnv("BUFFER_CAPACITY", "360", 1)
	if err != nil {
		return Config{}, err
	}
	drainMax, err := intFromEnv("DRAIN_MAX", "8", 1)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := intFromEnv("MAX_RETRIES", "10", 0)
	if err != nil {
		return Config{}, err
	}

	policyStr := strings.TrimSpace(os.Getenv("BUFFER_POLICY"))
	if policyStr == "" {
		policyStr = "evict"
	}
	policy, err := buffer.ParsePolicy(policyStr)
	if err != nil {
		return Config{}, fmt.Errorf("BUFFER_POLICY: %w", err)
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	switch strings.ToLower(httpAddr) {
	case "":
		httpAddr = ":9100"
	case "off", "none", "-":
		httpAddr = ""
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))

	mqttPort, err := intFromEnv("MQTT_PORT", "1883", 1)
	if err != nil {
		return Config{}, err
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "cloudpico-beam"
	}

	return Config{
		AppEnv:         appEnv,
		LogLevel:       level,
		HostTag:        hostTag,
		SensorDriver:   sensorDriver,
		BME280Address:  uint16(bme280Address),
		SampleInterval: sampleInterval,
		SendTimeout:    sendTimeout,
		BufferCapacity: bufferCapacity,
		BufferPolicy:   policy,
		ReclaimAfter:   reclaimAfter,
		DrainMax:       drainMax,
		MaxRetries:     maxRetries,
		BackoffInitial: backoffInitial,
		BackoffMax:     backoffMax,
		HTTPAddr:       httpAddr,
		MQTTBroker:     mqttBroker,
		MQTTPort:       mqttPort,
		MQTTClientID:   mqttClientID,
	}, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func intFromEnv(key, def string, min int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be at least %d, got %d", key, min, n)
	}
	return n, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
