package measurement

import (
	"math"
	"testing"
	"time"

	"cloudpico-beam/internal/telemetry"
)

var t0 = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

func reading(m telemetry.Metric, s telemetry.Source, v float64, at time.Time) telemetry.Reading {
	return telemetry.Reading{Metric: m, Source: s, Value: v, CapturedAt: at}
}

func TestBuild_OnePerMetricSourcePair(t *testing.T) {
	in := []telemetry.Reading{
		reading(telemetry.MetricTemperature, telemetry.SourceHumidity, 21.0, t0),
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 22.0, t0),
		reading(telemetry.MetricHumidity, telemetry.SourceHumidity, 40.0, t0),
		reading(telemetry.MetricPressure, telemetry.SourcePressure, 1000.0, t0),
	}

	got, filtered := Build(in, "dev")

	if filtered != 0 {
		t.Errorf("filtered = %d, want 0", filtered)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}

	seen := make(map[string]bool)
	for _, m := range got {
		key := m.Name + "/" + m.Tags[TagSource]
		if seen[key] {
			t.Errorf("duplicate measurement for %s", key)
		}
		seen[key] = true
		if m.Tags[TagHost] != "dev" {
			t.Errorf("%s host tag = %q, want dev", key, m.Tags[TagHost])
		}
		if _, ok := m.Fields[FieldValue]; !ok {
			t.Errorf("%s has no value field", key)
		}
	}
	for _, key := range []string{"temperature/humidity", "temperature/pressure", "humidity/humidity", "pressure/pressure"} {
		if !seen[key] {
			t.Errorf("missing measurement %s", key)
		}
	}
}

func TestBuild_AveragesRepeatedPair(t *testing.T) {
	in := []telemetry.Reading{
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 20.0, t0),
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 22.0, t0.Add(2*time.Second)),
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 24.0, t0.Add(time.Second)),
	}

	got, _ := Build(in, "dev")

	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if v := got[0].Fields[FieldValue]; v != 22.0 {
		t.Errorf("value = %v, want 22", v)
	}
	if !got[0].Timestamp.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v, want latest capture", got[0].Timestamp)
	}
}

func TestBuild_FiltersNonFinite(t *testing.T) {
	in := []telemetry.Reading{
		reading(telemetry.MetricTemperature, telemetry.SourceHumidity, math.NaN(), t0),
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, math.Inf(1), t0),
		reading(telemetry.MetricHumidity, telemetry.SourceHumidity, 55.5, t0),
	}

	got, filtered := Build(in, "dev")

	if filtered != 2 {
		t.Errorf("filtered = %d, want 2", filtered)
	}
	if len(got) != 1 || got[0].Name != "humidity" {
		t.Fatalf("got %+v, want only the humidity measurement", got)
	}
}

func TestBuild_TimestampsNonDecreasing(t *testing.T) {
	in := []telemetry.Reading{
		reading(telemetry.MetricPressure, telemetry.SourcePressure, 1001, t0.Add(3*time.Second)),
		reading(telemetry.MetricHumidity, telemetry.SourceHumidity, 41, t0.Add(time.Second)),
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 20, t0.Add(2*time.Second)),
		reading(telemetry.MetricTemperature, telemetry.SourceHumidity, 21, t0),
	}

	got, _ := Build(in, "dev")

	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("timestamp decreased at %d: %v < %v", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := []telemetry.Reading{
		reading(telemetry.MetricTemperature, telemetry.SourcePressure, 20, t0),
		reading(telemetry.MetricTemperature, telemetry.SourceHumidity, 21, t0),
		reading(telemetry.MetricHumidity, telemetry.SourceHumidity, 41, t0),
	}

	first, _ := Build(in, "dev")
	for i := 0; i < 20; i++ {
		again, _ := Build(in, "dev")
		for j := range first {
			if first[j].Name != again[j].Name || first[j].Tags[TagSource] != again[j].Tags[TagSource] {
				t.Fatalf("run %d: order differs at %d", i, j)
			}
		}
	}
	if first[0].Name != "humidity" || first[1].Tags[TagSource] != "humidity" || first[2].Tags[TagSource] != "pressure" {
		t.Errorf("unexpected order: %+v", first)
	}
}

func TestBuild_Empty(t *testing.T) {
	got, filtered := Build(nil, "dev")
	if len(got) != 0 || filtered != 0 {
		t.Errorf("Build(nil) = %v, %d; want empty, 0", got, filtered)
	}
}
