package config

import (
	"log/slog"
	"testing"
	"time"

	"cloudpico-beam/internal/buffer"
)

var envKeys = []string{
	"APP_ENV", "LOG_LEVEL", "HOST_TAG", "SENSOR_DRIVER", "BME280_ADDRESS",
	"SAMPLE_INTERVAL", "SEND_TIMEOUT", "BUFFER_CAPACITY", "BUFFER_POLICY",
	"RECLAIM_AFTER", "DRAIN_MAX", "MAX_RETRIES", "BACKOFF_INITIAL", "BACKOFF_MAX",
	"HTTP_ADDR", "MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.HostTag != "dev" {
		t.Errorf("HostTag = %q, want %q", got.HostTag, "dev")
	}
	if got.SensorDriver != SensorDriverBME280 {
		t.Errorf("SensorDriver = %q, want %q", got.SensorDriver, SensorDriverBME280)
	}
	if got.BME280Address != 0x76 {
		t.Errorf("BME280Address = %#x, want 0x76", got.BME280Address)
	}
	if got.SampleInterval != 10*time.Second {
		t.Errorf("SampleInterval = %v, want 10s", got.SampleInterval)
	}
	if got.SendTimeout != 30*time.Second {
		t.Errorf("SendTimeout = %v, want 30s", got.SendTimeout)
	}
	if got.BufferCapacity != 360 {
		t.Errorf("BufferCapacity = %d, want 360", got.BufferCapacity)
	}
	if got.BufferPolicy != buffer.PolicyEvictOldest {
		t.Errorf("BufferPolicy = %v, want evict", got.BufferPolicy)
	}
	if got.ReclaimAfter != 2*time.Minute {
		t.Errorf("ReclaimAfter = %v, want 2m", got.ReclaimAfter)
	}
	if got.DrainMax != 8 {
		t.Errorf("DrainMax = %d, want 8", got.DrainMax)
	}
	if got.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", got.MaxRetries)
	}
	if got.BackoffInitial != time.Second || got.BackoffMax != time.Minute {
		t.Errorf("Backoff = %v..%v, want 1s..1m", got.BackoffInitial, got.BackoffMax)
	}
	if got.HTTPAddr != ":9100" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":9100")
	}
	if got.MQTTBroker != "" {
		t.Errorf("MQTTBroker = %q, want empty", got.MQTTBroker)
	}
	if got.MQTTPort != 1883 {
		t.Errorf("MQTTPort = %d, want 1883", got.MQTTPort)
	}
	if got.MQTTClientID != "cloudpico-beam" {
		t.Errorf("MQTTClientID = %q, want %q", got.MQTTClientID, "cloudpico-beam")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", " prod ")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HOST_TAG", "pi-garage")
	t.Setenv("SENSOR_DRIVER", "SIM")
	t.Setenv("BME280_ADDRESS", "0x77")
	t.Setenv("SAMPLE_INTERVAL", "5s")
	t.Setenv("BUFFER_CAPACITY", "12")
	t.Setenv("BUFFER_POLICY", "strict")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("HTTP_ADDR", "off")
	t.Setenv("MQTT_BROKER", "broker.local")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.AppEnv != "prod" {
		t.Errorf("AppEnv = %q, want prod", got.AppEnv)
	}
	if got.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", got.LogLevel)
	}
	if got.HostTag != "pi-garage" {
		t.Errorf("HostTag = %q, want pi-garage", got.HostTag)
	}
	if got.SensorDriver != SensorDriverSim {
		t.Errorf("SensorDriver = %q, want sim", got.SensorDriver)
	}
	if got.BME280Address != 0x77 {
		t.Errorf("BME280Address = %#x, want 0x77", got.BME280Address)
	}
	if got.SampleInterval != 5*time.Second {
		t.Errorf("SampleInterval = %v, want 5s", got.SampleInterval)
	}
	if got.BufferCapacity != 12 {
		t.Errorf("BufferCapacity = %d, want 12", got.BufferCapacity)
	}
	if got.BufferPolicy != buffer.PolicyStrict {
		t.Errorf("BufferPolicy = %v, want strict", got.BufferPolicy)
	}
	if got.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (unlimited)", got.MaxRetries)
	}
	if got.HTTPAddr != "" {
		t.Errorf("HTTPAddr = %q, want disabled", got.HTTPAddr)
	}
	if got.MQTTBroker != "broker.local" {
		t.Errorf("MQTTBroker = %q, want broker.local", got.MQTTBroker)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "app env", key: "APP_ENV", val: "staging"},
		{name: "app env uppercase", key: "APP_ENV", val: "DEV"},
		{name: "log level", key: "LOG_LEVEL", val: "loud"},
		{name: "sensor driver", key: "SENSOR_DRIVER", val: "sensehat"},
		{name: "address", key: "BME280_ADDRESS", val: "0xZZ"},
		{name: "interval garbage", key: "SAMPLE_INTERVAL", val: "soon"},
		{name: "interval zero", key: "SAMPLE_INTERVAL", val: "0s"},
		{name: "negative timeout", key: "SEND_TIMEOUT", val: "-1s"},
		{name: "reclaim below send timeout", key: "RECLAIM_AFTER", val: "10s"},
		{name: "capacity zero", key: "BUFFER_CAPACITY", val: "0"},
		{name: "capacity garbage", key: "BUFFER_CAPACITY", val: "lots"},
		{name: "policy", key: "BUFFER_POLICY", val: "block"},
		{name: "negative retries", key: "MAX_RETRIES", val: "-1"},
		{name: "backoff max below initial", key: "BACKOFF_MAX", val: "500ms"},
		{name: "mqtt port", key: "MQTT_PORT", val: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("LoadFromEnv() with %s=%q error = nil, want non-nil", tt.key, tt.val)
			}
		})
	}
}

func TestParseLogLevel_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want slog.Level
	}{
		{name: "debug", in: "debug", want: slog.LevelDebug},
		{name: "info", in: "info", want: slog.LevelInfo},
		{name: "warn", in: "warn", want: slog.LevelWarn},
		{name: "warning", in: "warning", want: slog.LevelWarn},
		{name: "error", in: "error", want: slog.LevelError},
		{name: "case insensitive", in: "DeBuG", want: slog.LevelDebug},
		{name: "trims whitespace", in: "  warn \n", want: slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if err != nil {
				t.Fatalf("parseLogLevel(%q) error = %v, want nil", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel_Invalid(t *testing.T) {
	for _, in := range []string{"", "nope", "warns", "1"} {
		got, err := parseLogLevel(in)
		if err == nil {
			t.Fatalf("parseLogLevel(%q) error = nil, want non-nil", in)
		}
		if got != slog.LevelInfo {
			t.Errorf("parseLogLevel(%q) = %v, want %v on error", in, got, slog.LevelInfo)
		}
	}
}
